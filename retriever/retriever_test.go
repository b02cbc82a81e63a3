package retriever

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a deterministic in-memory vector store scoring by token
// overlap between query and document text.
type fakeStore struct {
	points   []Point
	queryErr error
}

func (f *fakeStore) Upsert(ctx context.Context, points []Point) error {
	f.points = append(f.points, points...)
	return nil
}

func (f *fakeStore) Query(ctx context.Context, query string, limit int, filter *Filter) ([]ScoredPoint, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	queryTokens := map[string]bool{}
	for _, t := range tokenize(query) {
		queryTokens[t] = true
	}

	var scored []ScoredPoint
	for _, p := range f.points {
		if !filter.Match(p.Metadata) {
			continue
		}
		overlap := 0
		for _, t := range tokenize(p.Text) {
			if queryTokens[t] {
				overlap++
			}
		}
		if overlap > 0 {
			scored = append(scored, ScoredPoint{Point: p, Score: float64(overlap)})
		}
	}
	sort.SliceStable(scored, func(a, b int) bool { return scored[a].Score > scored[b].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (f *fakeStore) Scroll(ctx context.Context, offset, limit int, filter *Filter) ([]Point, int, error) {
	var out []Point
	i := offset
	for ; i < len(f.points); i++ {
		if !filter.Match(f.points[i].Metadata) {
			continue
		}
		out = append(out, f.points[i])
		if len(out) == limit {
			i++
			break
		}
	}
	if i >= len(f.points) {
		i = -1
	}
	return out, i, nil
}

func (f *fakeStore) Delete(ctx context.Context, ids []string) error { return nil }
func (f *fakeStore) Stats(ctx context.Context) (StoreStats, error) {
	return StoreStats{Collection: "test", Count: len(f.points)}, nil
}

func corpus() []Point {
	docs := []struct {
		id, text, file, page string
	}{
		{"c1", "BERT is a bidirectional transformer pretrained on masked language modeling", "bert.pdf", "1"},
		{"c2", "BERT fine-tuning adapts the pretrained weights to downstream tasks", "bert.pdf", "2"},
		{"c3", "CLIP learns joint image and text embeddings with contrastive training", "clip.pdf", "1"},
		{"c4", "Reciprocal rank fusion combines ranked lists from multiple retrievers", "rag.pdf", "3"},
		{"c5", "BM25 is a probabilistic keyword ranking function used in search engines", "rag.pdf", "4"},
		{"c6", "Transformer attention computes weighted sums over token representations", "bert.pdf", "3"},
		{"c7", "向量檢索使用餘弦相似度比較查詢與文件", "rag.pdf", "5"},
		{"c8", "The tokenizer splits text into subword units before embedding", "bert.pdf", "4"},
	}
	points := make([]Point, len(docs))
	for i, d := range docs {
		points[i] = ChunkToPoint(Chunk{
			ID:   d.id,
			Text: d.text,
			Metadata: ChunkMetadata{
				FileName:    d.file,
				PageLabel:   d.page,
				ChunkIndex:  i,
				ContentType: "text",
			},
		})
	}
	return points
}

func newTestRetriever(t *testing.T) (*Retriever, *fakeStore) {
	t.Helper()
	store := &fakeStore{}
	require.NoError(t, store.Upsert(context.Background(), corpus()))
	return New(store), store
}

func TestTokenizerMixesEnglishAndCJK(t *testing.T) {
	tokens := tokenize("BERT 向量檢索 model")
	assert.Contains(t, tokens, "bert")
	assert.Contains(t, tokens, "model")
	assert.Contains(t, tokens, "向量")
	assert.Contains(t, tokens, "量檢")
	assert.Contains(t, tokens, "檢索")
}

func TestBM25Relevance(t *testing.T) {
	index := NewBM25Index(corpus())
	hits := index.Search("BERT pretrained", 3)
	require.NotEmpty(t, hits)
	// Best hit mentions both terms
	best := index.Doc(hits[0].index)
	assert.Contains(t, strings.ToLower(best.Text), "bert")
	for i := 1; i < len(hits); i++ {
		assert.LessOrEqual(t, hits[i].score, hits[i-1].score)
	}
}

func TestRRFIdempotence(t *testing.T) {
	vector := []Chunk{
		{ID: "a", Text: "alpha document"},
		{ID: "b", Text: "beta document"},
		{ID: "c", Text: "gamma document"},
	}
	keyword := []Chunk{
		{ID: "b", Text: "beta document"},
		{ID: "d", Text: "delta document"},
	}

	first := fuseRRF(vector, keyword)
	second := fuseRRF(vector, keyword)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].Score, second[i].Score)
	}

	// b appears in both lists and is marked hybrid with both ranks
	var b Chunk
	for _, c := range first {
		if c.ID == "b" {
			b = c
		}
	}
	assert.Equal(t, "hybrid", b.SearchInfo.Source)
	require.NotNil(t, b.SearchInfo.VectorRank)
	require.NotNil(t, b.SearchInfo.BM25Rank)
	assert.Equal(t, 2, *b.SearchInfo.VectorRank)
	assert.Equal(t, 1, *b.SearchInfo.BM25Rank)
	assert.InDelta(t, 1.0/62+1.0/61, b.Score, 1e-9)
	assert.Equal(t, "b", first[0].ID)
}

func TestHybridSearchTopK(t *testing.T) {
	r, _ := newTestRetriever(t)

	results := r.Search(context.Background(), "BERT", 5, nil)
	require.NotEmpty(t, results)
	assert.LessOrEqual(t, len(results), 5)
	for i, chunk := range results {
		hasRank := chunk.SearchInfo.VectorRank != nil || chunk.SearchInfo.BM25Rank != nil
		assert.True(t, hasRank, "chunk %s has no rank", chunk.ID)
		if i > 0 {
			assert.LessOrEqual(t, chunk.Score, results[i-1].Score)
		}
	}
	assert.Equal(t, "bert.pdf", results[0].Metadata.FileName)
}

func TestDisjunctiveFilter(t *testing.T) {
	r, _ := newTestRetriever(t)
	filter := &Filter{Equals: map[string][]string{
		"file_name": {"rag.pdf", "clip.pdf"},
	}}

	results := r.Search(context.Background(), "ranking fusion retrieval", 10, filter)
	require.NotEmpty(t, results)
	for _, chunk := range results {
		assert.Contains(t, []string{"rag.pdf", "clip.pdf"}, chunk.Metadata.FileName)
	}
}

func TestVectorFailureDegradesToBM25(t *testing.T) {
	r, store := newTestRetriever(t)
	store.queryErr = errors.New("store unreachable")

	results := r.Search(context.Background(), "BM25 keyword ranking", 5, nil)
	require.NotEmpty(t, results)
	for _, chunk := range results {
		assert.Equal(t, "bm25", chunk.SearchInfo.Source)
		assert.Nil(t, chunk.SearchInfo.VectorRank)
	}
}

func TestSearchMultipleDedupes(t *testing.T) {
	r, _ := newTestRetriever(t)

	multi := r.SearchMultiple(context.Background(), []string{"BERT", "BERT transformer"}, 5, nil)
	assert.Equal(t, len(multi.Results), multi.Total)

	seen := map[string]bool{}
	for i, chunk := range multi.Results {
		key := fusionKey(chunk.Text)
		assert.False(t, seen[key], "duplicate chunk %s", chunk.ID)
		seen[key] = true
		if i > 0 {
			assert.LessOrEqual(t, chunk.Score, multi.Results[i-1].Score)
		}
	}
}

// fixedReranker returns the documents in reverse order with fixed scores.
type fixedReranker struct{}

func (fixedReranker) Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error) {
	var out []RerankResult
	for i := len(documents) - 1; i >= 0 && len(out) < topN; i-- {
		out = append(out, RerankResult{Index: i, RelevanceScore: float64(len(out)+1) * 0.1})
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].RelevanceScore > out[b].RelevanceScore })
	return out, nil
}

func TestRerankReplacesScores(t *testing.T) {
	store := &fakeStore{}
	require.NoError(t, store.Upsert(context.Background(), corpus()))
	r := New(store, WithReranker(fixedReranker{}), WithConfig(Config{UseHybrid: true, UseRerank: true}))

	results := r.Search(context.Background(), "transformer attention", 2, nil)
	require.NotEmpty(t, results)
	assert.LessOrEqual(t, len(results), 2)
	for _, chunk := range results {
		require.NotNil(t, chunk.SearchInfo.RerankScore)
		assert.Equal(t, *chunk.SearchInfo.RerankScore, chunk.Score)
	}
}

func TestSourcesDedupe(t *testing.T) {
	chunks := []Chunk{
		{Metadata: ChunkMetadata{FileName: "a.pdf", PageLabel: "1"}},
		{Metadata: ChunkMetadata{FileName: "a.pdf", PageLabel: "1"}},
		{Metadata: ChunkMetadata{FileName: "a.pdf", PageLabel: "2"}},
		{Metadata: ChunkMetadata{FileName: "b.pdf", PageLabel: "1"}},
	}
	refs := Sources(chunks)
	assert.Len(t, refs, 3)
}

func TestFilterFingerprintDeterministic(t *testing.T) {
	a := &Filter{Equals: map[string][]string{"file_name": {"b.pdf", "a.pdf"}, "content_type": {"text"}}}
	b := &Filter{Equals: map[string][]string{"content_type": {"text"}, "file_name": {"a.pdf", "b.pdf"}}}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), (*Filter)(nil).Fingerprint())
}
