// Package chromem backs the memory store with chromem-go, a pure Go embedded
// vector database, persisted on disk so memories survive restarts.
package chromem

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/fableloom/loom-go-sdk/memory"
)

const (
	// DefaultPath is the on-disk location of the vector database. Deleting
	// the directory wipes memory; backing it up preserves it.
	DefaultPath = "./memory_db"

	// DefaultCollection is the single table holding memory records.
	DefaultCollection = "bilbo_memories"

	schemaFile = "loom_schema.json"
)

// Config configures the store.
type Config struct {
	// Path is the database directory (default: ./memory_db).
	Path string

	// Collection is the table name (default: bilbo_memories).
	Collection string

	// Compress enables gzip for persisted documents.
	Compress bool
}

// Store implements memory.Store on top of chromem-go. The collection is
// created on first Append; its schema (embedding dimension) is shaped by the
// first record and tracked in a sidecar marker so restarts and mismatch
// detection work.
type Store struct {
	db         *chromem.DB
	path       string
	collection string

	mu  sync.Mutex
	col *chromem.Collection
	dim int // 0 = no table yet
}

// schemaMarker is the sidecar recording the collection's embedding dimension.
type schemaMarker struct {
	Dimension int `json:"dimension"`
}

// New opens (or creates the on-disk structure for) a persistent store at the
// configured path. Idempotent across process restarts.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}

	db, err := chromem.NewPersistentDB(cfg.Path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("open chromem db: %w", err)
	}

	s := &Store{
		db:         db,
		path:       cfg.Path,
		collection: cfg.Collection,
	}

	// Reattach to a surviving collection, if any.
	if col := db.GetCollection(cfg.Collection, nil); col != nil {
		s.col = col
		if dim, err := s.readSchema(); err == nil {
			s.dim = dim
		} else {
			log.Printf("[CHROMEM] Schema marker unreadable, will be rewritten on next append: %v", err)
		}
	}

	return s, nil
}

// Append adds records, creating the collection on first write. A record batch
// whose embedding dimension differs from the existing collection's triggers
// the documented repair: drop and recreate, accepting data loss.
func (s *Store) Append(ctx context.Context, records []memory.Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dim := len(records[0].Embedding)
	if dim == 0 {
		return fmt.Errorf("record %s has no embedding", records[0].ID)
	}
	for _, rec := range records {
		if len(rec.Embedding) != dim {
			return fmt.Errorf("embedding dimension mismatch within batch: record %s has %d, want %d",
				rec.ID, len(rec.Embedding), dim)
		}
	}

	if s.col != nil && s.dim == 0 {
		// The collection survived a restart but its marker did not. Adopt the
		// incoming shape and rewrite the marker so scans and mismatch
		// detection work again.
		s.dim = dim
		if err := s.writeSchema(dim); err != nil {
			return fmt.Errorf("rewrite schema marker: %w", err)
		}
	}

	if s.col != nil && s.dim != dim {
		// Repair-over-fail: the table's shape no longer matches what is being
		// written (e.g. the embedding model changed). Destructive on purpose.
		log.Printf("[CHROMEM] WARNING: schema mismatch (table dimension %d, incoming %d); dropping and recreating %q, existing memories are lost",
			s.dim, dim, s.collection)
		if err := s.dropLocked(); err != nil {
			return fmt.Errorf("repair drop: %w", err)
		}
	}

	if s.col == nil {
		col, err := s.db.CreateCollection(s.collection, nil, nil)
		if err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
		s.col = col
		s.dim = dim
		if err := s.writeSchema(dim); err != nil {
			return fmt.Errorf("write schema marker: %w", err)
		}
	}

	for _, rec := range records {
		doc, err := recordToDocument(rec)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", rec.ID, err)
		}
		if err := s.col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("add document %s: %w", rec.ID, err)
		}
	}
	return nil
}

// Search returns the k nearest records with raw distances. Missing or empty
// collection yields an empty result; k is clamped to the row count.
func (s *Store) Search(ctx context.Context, query []float32, k int) ([]memory.SearchResult, error) {
	s.mu.Lock()
	col := s.col
	s.mu.Unlock()

	if col == nil || k <= 0 {
		return nil, nil
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := col.QueryEmbedding(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	out := make([]memory.SearchResult, 0, len(results))
	for _, res := range results {
		rec, err := documentToRecord(res.ID, res.Content, res.Metadata, res.Embedding)
		if err != nil {
			log.Printf("[CHROMEM] Skipping undecodable result %s: %v", res.ID, err)
			continue
		}
		out = append(out, memory.SearchResult{
			Record: rec,
			// chromem reports cosine similarity; the store surface deals in
			// distances, so invert here and let the service invert back.
			Distance: 1 - res.Similarity,
		})
	}
	return out, nil
}

// ScanAll returns every record, unordered. chromem has no listing primitive,
// so it is probed with a basis vector of the recorded dimension and k equal
// to the row count.
func (s *Store) ScanAll(ctx context.Context) ([]memory.Record, error) {
	s.mu.Lock()
	col := s.col
	dim := s.dim
	s.mu.Unlock()

	if col == nil {
		return nil, nil
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if dim == 0 {
		return nil, fmt.Errorf("collection %q has rows but no schema marker", s.collection)
	}

	probe := make([]float32, dim)
	probe[0] = 1

	results, err := col.QueryEmbedding(ctx, probe, count, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem scan: %w", err)
	}

	records := make([]memory.Record, 0, len(results))
	for _, res := range results {
		rec, err := documentToRecord(res.ID, res.Content, res.Metadata, res.Embedding)
		if err != nil {
			log.Printf("[CHROMEM] Skipping undecodable record %s: %v", res.ID, err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Count reports the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.col == nil {
		return 0, nil
	}
	return s.col.Count(), nil
}

// Drop deletes the collection and its schema marker, returning the store to
// its pre-first-write state. No-op when the collection does not exist.
func (s *Store) Drop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropLocked()
}

func (s *Store) dropLocked() error {
	if s.col == nil {
		return nil
	}
	if err := s.db.DeleteCollection(s.collection); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	s.col = nil
	s.dim = 0
	if err := os.Remove(s.schemaPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove schema marker: %w", err)
	}
	return nil
}

// Close releases resources. chromem holds everything on disk and in memory;
// nothing to flush.
func (s *Store) Close() error {
	return nil
}

func (s *Store) schemaPath() string {
	return filepath.Join(s.path, schemaFile)
}

func (s *Store) readSchema() (int, error) {
	data, err := os.ReadFile(s.schemaPath())
	if err != nil {
		return 0, err
	}
	var marker schemaMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return 0, err
	}
	return marker.Dimension, nil
}

func (s *Store) writeSchema(dim int) error {
	data, err := json.Marshal(schemaMarker{Dimension: dim})
	if err != nil {
		return err
	}
	return os.WriteFile(s.schemaPath(), data, 0o644)
}

// recordToDocument flattens a record into a chromem document. Scalar fields
// become string metadata; emotions are JSON-encoded.
func recordToDocument(rec memory.Record) (chromem.Document, error) {
	emotions, err := json.Marshal(rec.Emotions)
	if err != nil {
		return chromem.Document{}, err
	}
	return chromem.Document{
		ID:        rec.ID,
		Content:   rec.Content,
		Embedding: rec.Embedding,
		Metadata: map[string]string{
			"time":       rec.Time,
			"location":   rec.Location,
			"theme":      rec.Theme,
			"importance": strconv.FormatFloat(rec.Importance, 'f', -1, 64),
			"emotions":   string(emotions),
			"created_at": strconv.FormatInt(rec.CreatedAt, 10),
		},
	}, nil
}

// documentToRecord rebuilds a record from chromem result fields.
func documentToRecord(id, content string, metadata map[string]string, embedding []float32) (memory.Record, error) {
	importance, err := strconv.ParseFloat(metadata["importance"], 64)
	if err != nil {
		return memory.Record{}, fmt.Errorf("parse importance: %w", err)
	}
	createdAt, err := strconv.ParseInt(metadata["created_at"], 10, 64)
	if err != nil {
		return memory.Record{}, fmt.Errorf("parse created_at: %w", err)
	}
	var emotions []string
	if raw := metadata["emotions"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &emotions); err != nil {
			return memory.Record{}, fmt.Errorf("parse emotions: %w", err)
		}
	}
	return memory.Record{
		ID:         id,
		Content:    content,
		Embedding:  embedding,
		Time:       metadata["time"],
		Location:   metadata["location"],
		Theme:      metadata["theme"],
		Importance: importance,
		Emotions:   emotions,
		CreatedAt:  createdAt,
	}, nil
}
