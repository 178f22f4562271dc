package types

import (
	"errors"
	"math"
)

// ScoreKind describes how a RetrievalResult score was produced
type ScoreKind string

const (
	ScoreSimilarity ScoreKind = "similarity"
	ScoreRank       ScoreKind = "rank"
	ScoreFused      ScoreKind = "fused"
	ScoreRerank     ScoreKind = "rerank"
)

// RetrievalResult is one ranked chunk returned by a search
type RetrievalResult struct {
	ChunkID      string    `json:"chunk_id"`
	DocumentID   string    `json:"document_id"`
	ContentID    string    `json:"document_content_id,omitempty"`
	DocumentName string    `json:"document_name,omitempty"`
	DocumentPath string    `json:"document_path"`
	Position     int       `json:"position"`
	Version      int       `json:"-"`
	Text         string    `json:"text"`
	Score        float64   `json:"score"`
	ScoreKind    ScoreKind `json:"score_kind"`
}

// Validate checks if the result is well formed
func (r *RetrievalResult) Validate() error {
	if r.ChunkID == "" {
		return errors.New("chunk id is required")
	}
	if r.DocumentID == "" {
		return errors.New("document id is required")
	}
	switch r.ScoreKind {
	case ScoreSimilarity, ScoreRank, ScoreFused, ScoreRerank:
	default:
		return errors.New("invalid score kind")
	}
	if math.IsNaN(r.Score) || math.IsInf(r.Score, 0) {
		return errors.New("score must be finite")
	}
	return nil
}

// SanitizeScore maps NaN and infinities to zero
func SanitizeScore(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
