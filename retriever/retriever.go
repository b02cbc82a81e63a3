package retriever

import (
	"context"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quorra-ai/quorra/core"
)

// DefaultTopK is used when the caller does not specify a result count.
const DefaultTopK = 5

// bm25CacheSize bounds how many filter fingerprints keep a live index.
const bm25CacheSize = 16

// Config tunes the hybrid retriever.
type Config struct {
	// TopK is the default result count.
	TopK int
	// UseHybrid enables the BM25 leg and RRF fusion by default.
	UseHybrid bool
	// UseRerank enables the reranking stage by default when a
	// reranker is configured.
	UseRerank bool
}

// DefaultConfig returns hybrid-on, rerank-off defaults.
func DefaultConfig() Config {
	return Config{TopK: DefaultTopK, UseHybrid: true}
}

// Retriever fuses dense and keyword retrieval over one vector store.
type Retriever struct {
	store    VectorStore
	reranker Reranker
	config   Config
	logger   core.Logger

	bm25Cache *lru.Cache[string, *BM25Index]
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithReranker attaches a reranking collaborator.
func WithReranker(reranker Reranker) Option {
	return func(r *Retriever) { r.reranker = reranker }
}

// WithConfig overrides the defaults.
func WithConfig(config Config) Option {
	return func(r *Retriever) {
		if config.TopK > 0 {
			r.config.TopK = config.TopK
		}
		r.config.UseHybrid = config.UseHybrid
		r.config.UseRerank = config.UseRerank
	}
}

// WithLogger sets the retriever logger.
func WithLogger(logger core.Logger) Option {
	return func(r *Retriever) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a hybrid retriever over the store.
func New(store VectorStore, opts ...Option) *Retriever {
	cache, _ := lru.New[string, *BM25Index](bm25CacheSize)
	r := &Retriever{
		store:     store,
		config:    DefaultConfig(),
		logger:    &core.NoOpLogger{},
		bm25Cache: cache,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SearchOption overrides per-call behavior.
type SearchOption func(*searchParams)

type searchParams struct {
	hybrid bool
	rerank bool
}

// WithHybrid toggles the BM25 leg for one call.
func WithHybrid(enabled bool) SearchOption {
	return func(p *searchParams) { p.hybrid = enabled }
}

// WithRerank toggles the reranking stage for one call.
func WithRerank(enabled bool) SearchOption {
	return func(p *searchParams) { p.rerank = enabled }
}

// InvalidateBM25 drops every cached keyword index. Call after ingesting
// new documents so the next search rebuilds against the fresh corpus.
func (r *Retriever) InvalidateBM25() {
	r.bm25Cache.Purge()
}

// Search runs the hybrid retrieval pipeline for one query. It never
// returns an error: failures are logged and yield an empty result.
func (r *Retriever) Search(ctx context.Context, query string, topK int, filter *Filter, opts ...SearchOption) []Chunk {
	if topK <= 0 {
		topK = r.config.TopK
	}
	params := searchParams{hybrid: r.config.UseHybrid, rerank: r.config.UseRerank}
	for _, opt := range opts {
		opt(&params)
	}
	rerank := params.rerank && r.reranker != nil

	factor := 2
	if rerank {
		factor = 4
	}
	candidates := topK * factor

	vectorChunks := r.vectorSearch(ctx, query, candidates, filter)

	var fused []Chunk
	if params.hybrid {
		bm25Chunks := r.bm25Search(ctx, query, candidates, filter)
		fused = fuseRRF(vectorChunks, bm25Chunks)
	} else {
		fused = vectorChunks
	}

	if rerank && len(fused) > 0 {
		fused = r.rerank(ctx, query, fused, topK)
	}
	if len(fused) > topK {
		fused = fused[:topK]
	}
	return fused
}

// Retrieve wraps Search with the query and deduplicated sources.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, filter *Filter, opts ...SearchOption) Retrieval {
	results := r.Search(ctx, query, topK, filter, opts...)
	return Retrieval{Query: query, Results: results, Sources: Sources(results)}
}

// SearchMultiple runs every query, deduplicates across queries by the
// fusion key and returns the union sorted by score descending.
func (r *Retriever) SearchMultiple(ctx context.Context, queries []string, topKPerQuery int, filter *Filter, opts ...SearchOption) MultiRetrieval {
	seen := make(map[string]bool)
	var merged []Chunk
	for _, query := range queries {
		for _, chunk := range r.Search(ctx, query, topKPerQuery, filter, opts...) {
			key := fusionKey(chunk.Text)
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, chunk)
		}
	}
	sort.SliceStable(merged, func(a, b int) bool { return merged[a].Score > merged[b].Score })

	return MultiRetrieval{Queries: queries, Results: merged, Total: len(merged)}
}

func (r *Retriever) vectorSearch(ctx context.Context, query string, limit int, filter *Filter) []Chunk {
	points, err := r.store.Query(ctx, query, limit, filter)
	if err != nil {
		r.logger.Error("Vector search failed", map[string]interface{}{
			"operation": "vector_search",
			"query":     query,
			"error":     err.Error(),
		})
		return nil
	}

	chunks := make([]Chunk, len(points))
	for i, sp := range points {
		chunk := PointToChunk(sp.Point)
		chunk.Score = sp.Score
		rank := i + 1
		chunk.SearchInfo = SearchInfo{VectorRank: &rank, Source: "vector"}
		chunks[i] = chunk
	}
	return chunks
}

func (r *Retriever) bm25Search(ctx context.Context, query string, limit int, filter *Filter) []Chunk {
	index := r.bm25Index(ctx, filter)
	hits := index.Search(query, limit)

	chunks := make([]Chunk, len(hits))
	for i, hit := range hits {
		chunk := PointToChunk(index.Doc(hit.index))
		chunk.Score = hit.score
		rank := i + 1
		chunk.SearchInfo = SearchInfo{BM25Rank: &rank, Source: "bm25"}
		chunks[i] = chunk
	}
	return chunks
}

// bm25Index returns the cached keyword index for the filter, building
// it lazily from the filtered corpus. Concurrent rebuilds are allowed;
// the last writer wins, which is fine because the index is
// deterministic for a given filter.
func (r *Retriever) bm25Index(ctx context.Context, filter *Filter) *BM25Index {
	fingerprint := filter.Fingerprint()
	if index, ok := r.bm25Cache.Get(fingerprint); ok {
		return index
	}

	var corpus []Point
	offset := 0
	for len(corpus) < MaxBM25Docs {
		points, next, err := r.store.Scroll(ctx, offset, MaxBM25Docs-len(corpus), filter)
		if err != nil {
			r.logger.Error("BM25 corpus scroll failed", map[string]interface{}{
				"operation":   "bm25_build",
				"fingerprint": fingerprint,
				"error":       err.Error(),
			})
			break
		}
		corpus = append(corpus, points...)
		if next < 0 {
			break
		}
		offset = next
	}

	index := NewBM25Index(corpus)
	r.bm25Cache.Add(fingerprint, index)
	r.logger.Debug("BM25 index built", map[string]interface{}{
		"operation":   "bm25_build",
		"fingerprint": fingerprint,
		"documents":   index.Size(),
	})
	return index
}

func (r *Retriever) rerank(ctx context.Context, query string, fused []Chunk, topK int) []Chunk {
	texts := make([]string, len(fused))
	for i := range fused {
		texts[i] = fused[i].Text
	}

	ranked, err := r.reranker.Rerank(ctx, query, texts, topK)
	if err != nil {
		r.logger.Warn("Rerank failed, keeping fusion order", map[string]interface{}{
			"operation": "rerank",
			"query":     query,
			"error":     err.Error(),
		})
		return fused
	}

	out := make([]Chunk, 0, len(ranked))
	for _, item := range ranked {
		if item.Index < 0 || item.Index >= len(fused) {
			continue
		}
		chunk := fused[item.Index]
		score := item.RelevanceScore
		chunk.Score = score
		chunk.SearchInfo.RerankScore = &score
		out = append(out, chunk)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Score > out[b].Score })
	return out
}
