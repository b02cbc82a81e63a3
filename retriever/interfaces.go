// Package retriever implements the hybrid knowledge retriever: dense
// vector search and in-memory BM25 fused with Reciprocal Rank Fusion,
// with an optional neural reranking stage.
package retriever

import (
	"context"
	"sort"
	"strings"
)

// InputType tells the embedding provider whether the text is a query or
// a document. Providers that do not distinguish accept either.
type InputType string

const (
	InputQuery    InputType = "search_query"
	InputDocument InputType = "search_document"
)

// Embedder produces dense vectors for a batch of texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string, inputType InputType) ([][]float32, error)
}

// Reranker rescores candidate documents against the original query.
type Reranker interface {
	// Rerank returns indexes into documents with relevance scores,
	// best first, at most topN entries.
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error)
}

// RerankResult is one reranked candidate.
type RerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Point is one stored document with its metadata payload.
type Point struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
}

// ScoredPoint is a Point with a similarity score from the store.
type ScoredPoint struct {
	Point
	Score float64 `json:"score"`
}

// StoreStats summarizes a vector store collection.
type StoreStats struct {
	Collection string `json:"collection"`
	Count      int    `json:"count"`
}

// VectorStore is the dense retrieval collaborator. Queries are text;
// the store embeds them in query mode internally.
type VectorStore interface {
	Upsert(ctx context.Context, points []Point) error
	Query(ctx context.Context, query string, limit int, filter *Filter) ([]ScoredPoint, error)
	// Scroll enumerates stored points matching the filter. offset is the
	// position to resume from; the returned int is the next offset, or -1
	// when the enumeration is exhausted.
	Scroll(ctx context.Context, offset, limit int, filter *Filter) ([]Point, int, error)
	Delete(ctx context.Context, ids []string) error
	Stats(ctx context.Context) (StoreStats, error)
}

// Filter restricts retrieval by metadata. Each key maps to acceptable
// values; a multi-valued key is disjunctive (any value matches) and
// separate keys are conjunctive.
type Filter struct {
	Equals map[string][]string
}

// NewFilter builds a filter from scalar key/value pairs.
func NewFilter(pairs map[string]string) *Filter {
	if len(pairs) == 0 {
		return nil
	}
	f := &Filter{Equals: make(map[string][]string, len(pairs))}
	for k, v := range pairs {
		f.Equals[k] = []string{v}
	}
	return f
}

// Match reports whether the metadata satisfies every filter key.
func (f *Filter) Match(metadata map[string]string) bool {
	if f == nil || len(f.Equals) == 0 {
		return true
	}
	for key, accepted := range f.Equals {
		value, ok := metadata[key]
		if !ok {
			return false
		}
		hit := false
		for _, candidate := range accepted {
			if value == candidate {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// Fingerprint is a deterministic cache key for this filter.
func (f *Filter) Fingerprint() string {
	if f == nil || len(f.Equals) == 0 {
		return "*"
	}
	keys := make([]string, 0, len(f.Equals))
	for k := range f.Equals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		values := append([]string(nil), f.Equals[k]...)
		sort.Strings(values)
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(strings.Join(values, "|"))
		sb.WriteByte(';')
	}
	return sb.String()
}

// scalar returns the filter as a single-valued map when every key has
// exactly one accepted value, for stores that only support exact match.
func (f *Filter) scalar() (map[string]string, bool) {
	if f == nil || len(f.Equals) == 0 {
		return nil, true
	}
	out := make(map[string]string, len(f.Equals))
	for k, values := range f.Equals {
		if len(values) != 1 {
			return nil, false
		}
		out[k] = values[0]
	}
	return out, true
}
