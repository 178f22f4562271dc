// Package types provides shared type definitions for the kbretrieval core.
//
// This package defines the domain types that cross package boundaries:
// documents and their content versions, chunks, retrieval results, and the
// typed error kinds every component reports.
//
// # Documents
//
// A Document is a node in a user's hierarchical tree. Folders and items share
// one table and are told apart by Kind. Paths are slash-delimited and unique
// per user among non-deleted documents:
//
//	doc := &types.Document{
//	    UserID: userID,
//	    Path:   "/notes/2024/standup.md",
//	    Name:   "standup.md",
//	    Kind:   types.KindItem,
//	}
//
// Every re-processing of a document creates a new Content version. Exactly one
// version is latest; chunks belong to a version and are never mutated.
//
// # Retrieval Results
//
// RetrievalResult is produced per request and never persisted. ScoreKind tells
// the caller how to read Score:
//
//	ScoreSimilarity  // cosine similarity from the vector index
//	ScoreRank        // relevance from the lexical store
//	ScoreFused       // reciprocal rank fusion of both arms
//	ScoreRerank      // cross-encoder relevance
//
// # Errors
//
// Components wrap one of ErrConfigurationMissing, ErrBackendUnavailable or
// ErrInvalidInput so callers can branch with errors.Is. Batch writes that
// partially succeed return a *PartialWriteError carrying the written count.
package types
