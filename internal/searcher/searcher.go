package searcher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/kbretrieval/internal/chunker"
	"github.com/dshills/kbretrieval/internal/embedder"
	"github.com/dshills/kbretrieval/internal/pathtree"
	"github.com/dshills/kbretrieval/internal/rerank"
	"github.com/dshills/kbretrieval/internal/storage"
	"github.com/dshills/kbretrieval/internal/vectorindex"
	"github.com/dshills/kbretrieval/pkg/types"
)

// Mode defines which retrieval arms run
type Mode string

const (
	ModeHybrid   Mode = "hybrid"   // Semantic + lexical with RRF
	ModeSemantic Mode = "semantic" // Vector similarity only
	ModeLexical  Mode = "lexical"  // Full-text rank only
)

// ParseMode validates a mode string; "" is hybrid
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeHybrid:
		return ModeHybrid, nil
	case ModeSemantic:
		return ModeSemantic, nil
	case ModeLexical:
		return ModeLexical, nil
	}
	return "", types.InvalidInputf("unsupported search mode %q", s)
}

// Names reported in Response.Degraded
const (
	ArmSemantic = "semantic"
	ArmLexical  = "lexical"
	StepRerank  = "rerank"
)

const (
	DefaultTopK                = 10
	MaxTopK                    = 100
	DefaultCandidateMultiplier = 3
	DefaultArmTimeout          = 5 * time.Second
	DefaultRRFConstant         = 60
	MaxSemanticCandidates      = 2000 // Ceiling for the widening KNN window
	DefaultCacheTTL            = 5 * time.Minute
)

var tracer = otel.Tracer("kbretrieval/searcher")

// Encoder returns one unit vector per text; *embedder.Cache implements it
type Encoder interface {
	Encode(ctx context.Context, texts []string, usage embedder.Usage) ([][]float32, error)
}

// VectorIndex answers nearest neighbour queries; *vectorindex.Manager
// implements it. Failures surface as an empty slice.
type VectorIndex interface {
	KNNSearch(ctx context.Context, vector []float32, k int, filter vectorindex.Filter) []vectorindex.Hit
}

// Config tunes the searcher
type Config struct {
	CandidateMultiplier int           // Arm candidates per requested result
	ArmTimeout          time.Duration // Per retrieval arm and rerank call
	RRFConstant         float64       // k in 1/(k+rank)
	ChunkSize           int           // On-the-fly chunking for file search
	ChunkOverlap        int
	CacheSize           int // Response cache entries; 0 disables
	CacheTTL            time.Duration
	// UnscopedVectors keeps user and prefix out of the KNN filter for
	// indexes whose records carry no owner
	UnscopedVectors bool
	Logger          *slog.Logger
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		CandidateMultiplier: DefaultCandidateMultiplier,
		ArmTimeout:          DefaultArmTimeout,
		RRFConstant:         DefaultRRFConstant,
		ChunkSize:           chunker.DefaultChunkSize,
		ChunkOverlap:        chunker.DefaultChunkOverlap,
		CacheTTL:            DefaultCacheTTL,
	}
}

// Request contains parameters for a search
type Request struct {
	UserID     string
	Query      string
	TopK       int // 0 means DefaultTopK
	PathPrefix string
	Mode       Mode
	Rerank     *bool // Nil reranks whenever a reranker is wired
}

// Response contains ranked results and how they were produced
type Response struct {
	Results  []types.RetrievalResult
	Mode     Mode
	Degraded []string // Arms or steps that failed and were skipped
	Semantic int      // Candidates from the semantic arm
	Lexical  int      // Candidates from the lexical arm
	Reranked bool
	CacheHit bool
	Duration time.Duration
}

func (r *Response) clone() *Response {
	dst := *r
	dst.Results = append([]types.RetrievalResult(nil), r.Results...)
	dst.Degraded = append([]string(nil), r.Degraded...)
	return &dst
}

// Searcher unifies semantic and lexical retrieval over one user's documents
type Searcher struct {
	reader   storage.Reader  // Nullable - every operation needs it
	encoder  Encoder         // Nullable - semantic and file search need it
	index    VectorIndex     // Nullable - semantic search needs it
	reranker rerank.Reranker // Nullable - reranking is skipped
	chunker  *chunker.Chunker
	cfg      Config
	logger   *slog.Logger
	cache    *expirable.LRU[[32]byte, *Response] // Nil when disabled
}

// New creates a Searcher. Missing collaborators are reported when an
// operation needs them.
func New(reader storage.Reader, encoder Encoder, index VectorIndex, reranker rerank.Reranker, cfg Config) (*Searcher, error) {
	def := DefaultConfig()
	if cfg.CandidateMultiplier <= 0 {
		cfg.CandidateMultiplier = def.CandidateMultiplier
	}
	if cfg.ArmTimeout <= 0 {
		cfg.ArmTimeout = def.ArmTimeout
	}
	if cfg.RRFConstant <= 0 {
		cfg.RRFConstant = def.RRFConstant
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
		cfg.ChunkOverlap = def.ChunkOverlap
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	ch, err := chunker.New(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, types.InvalidInputf("%v", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Searcher{
		reader:   reader,
		encoder:  encoder,
		index:    index,
		reranker: reranker,
		chunker:  ch,
		cfg:      cfg,
		logger:   logger,
	}
	if cfg.CacheSize > 0 {
		s.cache = expirable.NewLRU[[32]byte, *Response](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return s, nil
}

// ClampTopK applies the default and upper bound to a requested result count
func ClampTopK(n int) int {
	if n == 0 {
		return DefaultTopK
	}
	if n > MaxTopK {
		return MaxTopK
	}
	return n
}

func validateUser(userID string) error {
	if _, err := uuid.Parse(userID); err != nil {
		return types.InvalidInputf("user id %q is not a uuid", userID)
	}
	return nil
}

// normalize validates req in place before any backend call
func (s *Searcher) normalize(req *Request) error {
	if err := validateUser(req.UserID); err != nil {
		return err
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return types.InvalidInputf("query cannot be empty")
	}
	if req.TopK < 0 {
		return types.InvalidInputf("top_k must be >= 0, got %d", req.TopK)
	}
	req.TopK = ClampTopK(req.TopK)
	mode, err := ParseMode(string(req.Mode))
	if err != nil {
		return err
	}
	req.Mode = mode
	req.PathPrefix = pathtree.NormalizePrefix(req.PathPrefix)

	if s.reader == nil {
		return fmt.Errorf("%w: relational reader", types.ErrConfigurationMissing)
	}
	if req.Mode == ModeSemantic && !s.semanticWired() {
		return fmt.Errorf("%w: embedding cache and vector index", types.ErrConfigurationMissing)
	}
	return nil
}

func (s *Searcher) semanticWired() bool {
	return s.encoder != nil && s.index != nil
}

func (s *Searcher) shouldRerank(req Request) bool {
	return s.reranker != nil && (req.Rerank == nil || *req.Rerank)
}

// Search runs the arms selected by req.Mode and returns at most TopK
// results. Failed arms contribute nothing and are listed in Degraded;
// when every arm fails the response is empty, not an error.
func (s *Searcher) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if err := s.normalize(&req); err != nil {
		return nil, err
	}
	rerankOn := s.shouldRerank(req)

	ctx, span := tracer.Start(ctx, "searcher.Search", trace.WithAttributes(
		attribute.String("mode", string(req.Mode)),
		attribute.Int("top_k", req.TopK),
		attribute.Bool("rerank", rerankOn),
	))
	defer span.End()

	key := cacheKey(req, rerankOn)
	if s.cache != nil {
		if cached, ok := s.cache.Get(key); ok {
			resp := cached.clone()
			resp.CacheHit = true
			resp.Duration = time.Since(start)
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return resp, nil
		}
	}

	resp := &Response{Mode: req.Mode}
	semantic, lexical := s.runArms(ctx, req, resp)
	resp.Semantic, resp.Lexical = len(semantic), len(lexical)

	var results []types.RetrievalResult
	switch req.Mode {
	case ModeSemantic:
		results = semantic
	case ModeLexical:
		results = lexical
	default:
		results = s.fuse(semantic, lexical)
	}

	if rerankOn && len(results) > 0 {
		results = s.rerank(ctx, req.Query, results, resp)
	}
	if len(results) > req.TopK {
		results = results[:req.TopK]
	}
	if results == nil {
		results = []types.RetrievalResult{}
	}
	resp.Results = results
	resp.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("results", len(results)),
		attribute.StringSlice("degraded", resp.Degraded),
	)
	if s.cache != nil && len(resp.Degraded) == 0 {
		s.cache.Add(key, resp.clone())
	}
	s.logger.Debug("search completed",
		slog.String("mode", string(req.Mode)),
		slog.Int("results", len(results)),
		slog.Int("semantic", resp.Semantic),
		slog.Int("lexical", resp.Lexical),
		slog.Duration("duration", resp.Duration))
	return resp, nil
}

// SemanticSearch returns results ranked by vector similarity
func (s *Searcher) SemanticSearch(ctx context.Context, userID, query string, topK int, pathPrefix string) ([]types.RetrievalResult, error) {
	return s.results(ctx, Request{UserID: userID, Query: query, TopK: topK, PathPrefix: pathPrefix, Mode: ModeSemantic})
}

// LexicalSearch returns results ranked by full-text relevance
func (s *Searcher) LexicalSearch(ctx context.Context, userID, query string, topK int, pathPrefix string) ([]types.RetrievalResult, error) {
	return s.results(ctx, Request{UserID: userID, Query: query, TopK: topK, PathPrefix: pathPrefix, Mode: ModeLexical})
}

// HybridSearch returns semantic and lexical results fused by rank
func (s *Searcher) HybridSearch(ctx context.Context, userID, query string, topK int, pathPrefix string) ([]types.RetrievalResult, error) {
	return s.results(ctx, Request{UserID: userID, Query: query, TopK: topK, PathPrefix: pathPrefix, Mode: ModeHybrid})
}

func (s *Searcher) results(ctx context.Context, req Request) ([]types.RetrievalResult, error) {
	resp, err := s.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// InvalidateCache drops every cached response. Called after ingestion.
func (s *Searcher) InvalidateCache() {
	if s.cache != nil {
		s.cache.Purge()
	}
}

// runArms executes the selected arms concurrently. Arms do not share a
// cancellation scope so one failing never cuts the other short.
func (s *Searcher) runArms(ctx context.Context, req Request, resp *Response) (semantic, lexical []types.RetrievalResult) {
	var g errgroup.Group
	var semErr, lexErr error

	if req.Mode != ModeLexical {
		if s.semanticWired() {
			g.Go(func() error {
				semantic, semErr = s.arm(ctx, ArmSemantic, func(ctx context.Context) ([]types.RetrievalResult, error) {
					return s.semanticArm(ctx, req)
				})
				return nil
			})
		} else {
			semErr = fmt.Errorf("%w: semantic arm not wired", types.ErrConfigurationMissing)
		}
	}
	if req.Mode != ModeSemantic {
		g.Go(func() error {
			lexical, lexErr = s.arm(ctx, ArmLexical, func(ctx context.Context) ([]types.RetrievalResult, error) {
				return s.lexicalArm(ctx, req)
			})
			return nil
		})
	}
	_ = g.Wait()

	if semErr != nil {
		resp.Degraded = append(resp.Degraded, ArmSemantic)
	}
	if lexErr != nil {
		resp.Degraded = append(resp.Degraded, ArmLexical)
	}
	return semantic, lexical
}

// arm runs one retrieval arm under its own deadline. An arm that outlives
// its deadline counts as failed even when it returned without error.
func (s *Searcher) arm(ctx context.Context, name string, fn func(context.Context) ([]types.RetrievalResult, error)) ([]types.RetrievalResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ArmTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "searcher."+name)
	defer span.End()

	results, err := fn(ctx)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("retrieval arm failed",
			slog.String("arm", name),
			slog.Any("error", err))
		return nil, err
	}
	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

func (s *Searcher) semanticArm(ctx context.Context, req Request) ([]types.RetrievalResult, error) {
	vectors, err := s.encoder.Encode(ctx, []string{req.Query}, embedder.UsageQuery)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: encoder returned %d vectors", types.ErrBackendUnavailable, len(vectors))
	}

	filter := vectorindex.Filter{DocID: s.itemFilter(ctx, req)}
	if !s.cfg.UnscopedVectors {
		filter.UserID = req.UserID
		filter.PathPrefix = req.PathPrefix
	}
	// Hits whose chunks no longer hydrate (stale versions, moved documents)
	// shrink the window, so widen it until enough survive or the index
	// has nothing more to give.
	k := req.TopK * s.cfg.CandidateMultiplier
	for {
		hits := s.index.KNNSearch(ctx, vectors[0], k, filter)
		results, err := s.hydrateHits(ctx, req, hits)
		if err != nil {
			return nil, err
		}
		if len(results) >= req.TopK || len(hits) < k || k >= MaxSemanticCandidates || ctx.Err() != nil {
			return results, nil
		}
		k = min(k*2, MaxSemanticCandidates)
	}
}

func (s *Searcher) hydrateHits(ctx context.Context, req Request, hits []vectorindex.Hit) ([]types.RetrievalResult, error) {
	if len(hits) == 0 {
		return nil, nil
	}

	refs := make([]storage.ChunkRef, len(hits))
	for i, h := range hits {
		refs[i] = storage.ChunkRef{DocumentID: h.DocID, Position: h.Position}
	}
	rows, err := s.reader.HydrateChunks(ctx, storage.HydrateQuery{
		UserID:     req.UserID,
		PathPrefix: req.PathPrefix,
		Refs:       refs,
	})
	if err != nil {
		return nil, fmt.Errorf("hydrate hits: %w", err)
	}

	results := make([]types.RetrievalResult, 0, len(hits))
	seen := make(map[string]struct{}, len(hits))
	for i, h := range hits {
		r, ok := rows[refs[i]]
		if !ok {
			continue // Not the user's, outside the prefix, or stale
		}
		if _, dup := seen[r.ChunkID]; dup {
			continue
		}
		seen[r.ChunkID] = struct{}{}
		r.Score = types.SanitizeScore(h.Similarity)
		r.ScoreKind = types.ScoreSimilarity
		results = append(results, r)
	}
	return results, nil
}

// itemFilter returns the document id when the prefix names a single item
func (s *Searcher) itemFilter(ctx context.Context, req Request) string {
	if req.PathPrefix == pathtree.Separator {
		return ""
	}
	doc, err := s.reader.GetDocumentByPath(ctx, req.UserID, req.PathPrefix)
	if err != nil || doc.Kind != types.KindItem {
		return ""
	}
	return doc.ID
}

func (s *Searcher) lexicalArm(ctx context.Context, req Request) ([]types.RetrievalResult, error) {
	results, err := s.reader.LexicalSearch(ctx, storage.LexicalQuery{
		UserID:     req.UserID,
		Query:      req.Query,
		Limit:      req.TopK * s.cfg.CandidateMultiplier,
		PathPrefix: req.PathPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	return results, nil
}

type fused struct {
	result   types.RetrievalResult
	score    float64
	bestRank int
}

// fuse merges the arms. A lone non-empty arm is returned as is; otherwise
// candidates are de-duplicated by chunk id and ordered by reciprocal rank
// fusion: sum of 1/(k + rank) over the arms that returned them.
func (s *Searcher) fuse(semantic, lexical []types.RetrievalResult) []types.RetrievalResult {
	if len(semantic) == 0 {
		return lexical
	}
	if len(lexical) == 0 {
		return semantic
	}

	k := s.cfg.RRFConstant
	byID := make(map[string]*fused, len(semantic)+len(lexical))
	add := func(list []types.RetrievalResult) {
		seen := make(map[string]struct{}, len(list))
		for i, r := range list {
			if _, dup := seen[r.ChunkID]; dup {
				continue
			}
			seen[r.ChunkID] = struct{}{}
			rank := i + 1
			f, ok := byID[r.ChunkID]
			if !ok {
				f = &fused{result: r, bestRank: rank}
				byID[r.ChunkID] = f
			}
			f.score += 1.0 / (k + float64(rank))
			if rank < f.bestRank {
				f.bestRank = rank
			}
		}
	}
	add(semantic)
	add(lexical)

	list := make([]*fused, 0, len(byID))
	for _, f := range byID {
		list = append(list, f)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.bestRank != b.bestRank {
			return a.bestRank < b.bestRank
		}
		return a.result.ChunkID < b.result.ChunkID
	})

	out := make([]types.RetrievalResult, len(list))
	for i, f := range list {
		out[i] = f.result
		out[i].Score = f.score
		out[i].ScoreKind = types.ScoreFused
	}
	return out
}

// rerank reorders results by cross-encoder score. On failure the input
// order is kept and the step is marked degraded.
func (s *Searcher) rerank(ctx context.Context, query string, results []types.RetrievalResult, resp *Response) []types.RetrievalResult {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ArmTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "searcher.rerank", trace.WithAttributes(
		attribute.Int("candidates", len(results))))
	defer span.End()

	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Text
	}
	scores, err := s.reranker.Score(ctx, query, texts)
	if err == nil && len(scores) != len(results) {
		err = fmt.Errorf("reranker returned %d scores for %d candidates", len(scores), len(results))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("rerank failed, keeping retrieval order", slog.Any("error", err))
		resp.Degraded = append(resp.Degraded, StepRerank)
		return results
	}

	type scored struct {
		result types.RetrievalResult
		rerank float64
	}
	list := make([]scored, len(results))
	for i, r := range results {
		list[i] = scored{result: r, rerank: types.SanitizeScore(scores[i])}
	}
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.rerank != b.rerank {
			return a.rerank > b.rerank
		}
		if a.result.Score != b.result.Score {
			return a.result.Score > b.result.Score
		}
		return a.result.ChunkID < b.result.ChunkID
	})

	out := make([]types.RetrievalResult, len(list))
	for i, sc := range list {
		out[i] = sc.result
		out[i].Score = sc.rerank
		out[i].ScoreKind = types.ScoreRerank
	}
	resp.Reranked = true
	return out
}

// cacheKey hashes the normalized request
func cacheKey(req Request, rerank bool) [32]byte {
	var b strings.Builder
	b.WriteString(req.UserID)
	b.WriteString("|")
	b.WriteString(string(req.Mode))
	b.WriteString("|")
	b.WriteString(strconv.Itoa(req.TopK))
	b.WriteString("|")
	b.WriteString(req.PathPrefix)
	b.WriteString("|")
	b.WriteString(strconv.FormatBool(rerank))
	b.WriteString("|")
	b.WriteString(req.Query)
	return sha256.Sum256([]byte(b.String()))
}
