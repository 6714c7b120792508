package memory

import (
	"context"
	"fmt"
	"log"
	"sort"
)

const (
	// PersistenceThreshold is the minimum importance a prospective memory
	// needs before the turn controller persists it. The check lives at the
	// controller boundary, not in Remember, so forced writes (save-file
	// import) stay possible.
	PersistenceThreshold = 0.1

	// DefaultRecallThreshold filters out weakly-related memories when the
	// caller does not pick a threshold. A human-driven search UI may pass 0
	// to disable filtering.
	DefaultRecallThreshold = 0.6

	// DefaultRecallLimit is used when the model's tool call omits a limit.
	DefaultRecallLimit = 3

	// overFetchFactor compensates for post-filtering shrinkage: the store is
	// asked for limit*overFetchFactor candidates before the similarity
	// threshold is applied.
	overFetchFactor = 3
)

// Recalled is one retrieval hit with its similarity to the query in [0,1].
type Recalled struct {
	Record     Record
	Similarity float64
}

// RememberInput carries the fields of a prospective memory. Content should
// already carry its time/location prefix; Time and Location are kept as
// display metadata alongside it.
type RememberInput struct {
	Content    string
	Time       string
	Location   string
	Theme      string
	Importance float64
	Emotions   []string
}

// Service is the domain API over the store: embedding at write time,
// over-fetch-then-filter retrieval, distance-to-similarity conversion.
// One Service instance is shared per process and injected into the engine
// and narrator by the composition root.
type Service struct {
	store    Store
	embedder Embedder
}

// NewService creates a memory service over the given store and embedder.
func NewService(store Store, embedder Embedder) *Service {
	return &Service{
		store:    store,
		embedder: embedder,
	}
}

// Remember embeds the content, builds a record, and appends it to the store.
// It performs no importance gating; that is the caller's decision.
func (s *Service) Remember(ctx context.Context, in RememberInput) error {
	embedding, err := s.embedder.Embed(ctx, in.Content)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmbedderUnavailable, err)
	}

	rec := NewRecord(in.Content, in.Time, in.Location, in.Theme, in.Importance, in.Emotions)
	rec.Embedding = embedding

	if err := s.store.Append(ctx, []Record{rec}); err != nil {
		return fmt.Errorf("append memory: %w", err)
	}

	log.Printf("[MEMORY] Stored memory %s (importance %.2f): %s", rec.ID, rec.Importance, truncateLog(rec.Content, 80))
	return nil
}

// Recall returns up to limit memories whose similarity to the query meets the
// threshold, ordered by descending similarity. An empty or nonexistent store
// yields an empty result without consulting the embedder, so recall stays
// healthy even when the embedding backend is down.
func (s *Service) Recall(ctx context.Context, query string, limit int, threshold float64) ([]Recalled, error) {
	if limit <= 0 {
		return nil, nil
	}

	count, err := s.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count memories: %w", err)
	}
	if count == 0 {
		return nil, nil
	}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedderUnavailable, err)
	}

	// Over-fetch: threshold filtering below can discard candidates.
	results, err := s.store.Search(ctx, embedding, limit*overFetchFactor)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}

	// The store's distance ordering already yields descending similarity;
	// filtering must be stable and not reorder.
	recalled := make([]Recalled, 0, limit)
	for _, res := range results {
		similarity := 1 - float64(res.Distance)
		if similarity < threshold {
			continue
		}
		recalled = append(recalled, Recalled{Record: res.Record, Similarity: similarity})
		if len(recalled) == limit {
			break
		}
	}

	log.Printf("[MEMORY] Recalled %d/%d memories for query %q (threshold %.2f)",
		len(recalled), len(results), truncateLog(query, 50), threshold)
	return recalled, nil
}

// RecallAll returns every stored memory sorted by creation time, newest
// first. It bypasses similarity search entirely and is intended for
// administrative listing when no query is supplied.
func (s *Service) RecallAll(ctx context.Context) ([]Record, error) {
	records, err := s.store.ScanAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan memories: %w", err)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt > records[j].CreatedAt
	})
	return records, nil
}

// ForgetAll drops the underlying table, returning the store to its
// pre-first-write state. Safe to call when nothing has ever been stored.
func (s *Service) ForgetAll(ctx context.Context) error {
	if err := s.store.Drop(ctx); err != nil {
		return fmt.Errorf("drop memories: %w", err)
	}
	log.Printf("[MEMORY] All memories forgotten")
	return nil
}

// truncateLog truncates text for logging.
func truncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
