package memory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrEmbedderUnavailable wraps any failure to produce an embedding, whether
// the backing model failed to load or a single call failed. Remember and
// Recall propagate it so callers can branch on degraded-mode handling.
var ErrEmbedderUnavailable = errors.New("embedding backend unavailable")

// Record is one persisted recollection. Records are immutable once written;
// forgetting is whole-store deletion, never per-record mutation.
type Record struct {
	// ID is assigned at creation time. Uniqueness is the caller's
	// responsibility; NewRecord uses a UUID so collisions are a non-issue.
	ID string

	// Content is the human-readable memory text, prefixed with its
	// time/location tag (e.g. "day 3 Rainmoon 847, Westmark, Thornbury: ...").
	Content string

	// Embedding is the L2-normalized vector computed from Content at write
	// time. Its length is constant across all records in a store instance.
	Embedding []float32

	// Time and Location are display/debug snapshots of the in-game moment of
	// creation. They do not participate in retrieval scoring.
	Time     string
	Location string

	// Theme is a short free-text tag.
	Theme string

	// Importance in [0,1] gates persistence at the turn-controller boundary.
	// It is not used at query time.
	Importance float64

	// Emotions snapshots the emotional tags at creation time.
	Emotions []string

	// CreatedAt is epoch millis, used only for chronological sort when no
	// query is given.
	CreatedAt int64
}

// NewRecord builds a record with a fresh ID and creation timestamp. The
// embedding is left for the Service to fill in.
func NewRecord(content, timeTag, location, theme string, importance float64, emotions []string) Record {
	return Record{
		ID:         uuid.New().String(),
		Content:    content,
		Time:       timeTag,
		Location:   location,
		Theme:      theme,
		Importance: importance,
		Emotions:   emotions,
		CreatedAt:  time.Now().UnixMilli(),
	}
}

// SearchResult is one vector-search hit. Distance is the backend's raw
// distance (smaller = more similar); similarity conversion is the Service's
// concern, not the Store's.
type SearchResult struct {
	Record   Record
	Distance float32
}

// Store is the durable append-only table with vector-search capability.
// Implementations: ChromemStore (embedded, local). The table does not exist
// until the first Append; reads against a missing table return empty results
// rather than errors.
type Store interface {
	// Append adds records to the table, creating it on first write with a
	// schema shaped by the first record. A differently-shaped existing table
	// is dropped and recreated (repair-over-fail, logged prominently).
	Append(ctx context.Context, records []Record) error

	// ScanAll returns every record, unordered. Callers impose ordering.
	ScanAll(ctx context.Context) ([]Record, error)

	// Search returns the k nearest records by vector distance, fewer if the
	// table holds fewer rows, empty if the table does not exist.
	Search(ctx context.Context, query []float32, k int) ([]SearchResult, error)

	// Count reports the number of stored records (0 if no table).
	Count(ctx context.Context) (int, error)

	// Drop irreversibly deletes all records and the table structure. It does
	// not error when the table does not exist.
	Drop(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Embedder converts text to fixed-dimension normalized vectors.
// Implementations: ONNXEmbedder (local, build tag onnx), OpenAIEmbedder
// (API), CachedEmbedder (ristretto decorator), MockEmbedder (testing).
//
// A store built with one model's embeddings is not compatible with a
// different model's query vectors; model choice is deployment configuration.
type Embedder interface {
	// Embed converts a single text to an L2-normalized embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}
