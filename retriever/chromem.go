package retriever

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/quorra-ai/quorra/core"
)

// ChromemConfig configures the chromem-go backed vector store.
type ChromemConfig struct {
	// PersistPath persists the collection to disk when non-empty.
	PersistPath string
	// Collection names the chromem collection (default "quorra").
	Collection string
}

// ChromemStore implements VectorStore on top of chromem-go.
//
// chromem cannot query by precomputed embedding or enumerate documents,
// so the store keeps its own point registry for Scroll and embeds
// documents itself (document mode) before handing them to chromem, while
// the collection's embedding function runs query-mode embeddings.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	embedder   Embedder
	config     ChromemConfig
	logger     core.Logger

	mu       sync.RWMutex
	order    []string
	registry map[string]Point
}

// NewChromemStore opens or creates the collection.
func NewChromemStore(config ChromemConfig, embedder Embedder, logger core.Logger) (*ChromemStore, error) {
	if config.Collection == "" {
		config.Collection = "quorra"
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	var db *chromem.DB
	var err error
	if config.PersistPath != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(config.PersistPath, "chromem.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("open persistent vector db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	queryEmbed := func(ctx context.Context, text string) ([]float32, error) {
		vectors, err := embedder.Embed(ctx, []string{text}, InputQuery)
		if err != nil {
			return nil, err
		}
		if len(vectors) == 0 {
			return nil, fmt.Errorf("embedder returned no vector")
		}
		return vectors[0], nil
	}

	collection, err := db.GetOrCreateCollection(config.Collection, nil, queryEmbed)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", config.Collection, err)
	}

	return &ChromemStore{
		db:         db,
		collection: collection,
		embedder:   embedder,
		config:     config,
		logger:     logger,
		registry:   make(map[string]Point),
	}, nil
}

// Upsert embeds the points in document mode and stores them.
func (s *ChromemStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	texts := make([]string, len(points))
	for i, p := range points {
		texts[i] = p.Text
	}
	vectors, err := s.embedder.Embed(ctx, texts, InputDocument)
	if err != nil {
		return fmt.Errorf("embed %d documents: %w", len(points), err)
	}
	if len(vectors) != len(points) {
		return fmt.Errorf("embedder returned %d vectors for %d documents", len(vectors), len(points))
	}

	for i, p := range points {
		doc := chromem.Document{
			ID:        p.ID,
			Content:   p.Text,
			Embedding: vectors[i],
			Metadata:  p.Metadata,
		}
		if err := s.collection.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("store document %s: %w", p.ID, err)
		}
	}

	s.mu.Lock()
	for _, p := range points {
		if _, exists := s.registry[p.ID]; !exists {
			s.order = append(s.order, p.ID)
		}
		s.registry[p.ID] = p
	}
	s.mu.Unlock()

	s.logger.Debug("Documents upserted", map[string]interface{}{
		"operation":  "vector_upsert",
		"collection": s.config.Collection,
		"count":      len(points),
	})
	return nil
}

// Query runs a text similarity search. Scalar filters are pushed down to
// chromem; disjunctive filters are applied by post-filtering a deeper
// candidate set.
func (s *ChromemStore) Query(ctx context.Context, query string, limit int, filter *Filter) ([]ScoredPoint, error) {
	if limit <= 0 {
		limit = 5
	}

	scalarWhere, isScalar := filter.scalar()
	candidates := limit
	var where map[string]string
	if isScalar {
		where = scalarWhere
	} else {
		// Post-filter path needs headroom
		candidates = limit * 4
	}

	total := s.collection.Count()
	if total == 0 {
		return nil, nil
	}
	if candidates > total {
		candidates = total
	}

	results, err := s.collection.Query(ctx, query, candidates, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection %s: %w", s.config.Collection, err)
	}

	out := make([]ScoredPoint, 0, limit)
	for _, r := range results {
		if !isScalar && !filter.Match(r.Metadata) {
			continue
		}
		out = append(out, ScoredPoint{
			Point: Point{ID: r.ID, Text: r.Content, Metadata: r.Metadata},
			Score: float64(r.Similarity),
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Scroll enumerates stored points in insertion order.
func (s *ChromemStore) Scroll(ctx context.Context, offset, limit int, filter *Filter) ([]Point, int, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Point, 0, limit)
	i := offset
	for ; i < len(s.order); i++ {
		point := s.registry[s.order[i]]
		if !filter.Match(point.Metadata) {
			continue
		}
		out = append(out, point)
		if len(out) == limit {
			i++
			break
		}
	}
	next := i
	if next >= len(s.order) {
		next = -1
	}
	return out, next, nil
}

// Delete removes points by id.
func (s *ChromemStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.collection.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete %d documents: %w", len(ids), err)
	}

	s.mu.Lock()
	for _, id := range ids {
		delete(s.registry, id)
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.registry[id]; ok {
			kept = append(kept, id)
		}
	}
	s.order = kept
	s.mu.Unlock()
	return nil
}

// Stats reports the collection size.
func (s *ChromemStore) Stats(ctx context.Context) (StoreStats, error) {
	return StoreStats{
		Collection: s.config.Collection,
		Count:      s.collection.Count(),
	}, nil
}
