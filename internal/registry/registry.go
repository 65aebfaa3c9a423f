// Package registry holds the in-process store of registered cattle records.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/herdsure/muzzleid/internal/matching"
)

// Record is one registered animal. Records are immutable once stored: the
// design has no update or delete operations.
type Record struct {
	ID           string
	Name         string
	Vector       []float32
	Latitude     float64
	Longitude    float64
	RegisteredAt time.Time
}

// BestMatch is the outcome of comparing a query vector against the registry.
type BestMatch struct {
	ID         string
	Name       string
	Latitude   float64
	Longitude  float64
	Similarity float64
}

// Registry is a mutex-guarded in-memory store. Writes take the lock; reads
// during an in-flight registration may observe the pre-write snapshot, which
// is accepted at this scale. No eviction, no multi-writer consistency.
type Registry struct {
	mu      sync.RWMutex
	records []*Record
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// Register stores name, vector and registration coordinates under a fresh
// identifier and returns the created record.
func (r *Registry) Register(name string, vector []float32, lat, lon float64) *Record {
	record := &Record{
		ID:           uuid.NewString(),
		Name:         name,
		Vector:       vector,
		Latitude:     lat,
		Longitude:    lon,
		RegisteredAt: time.Now().UTC(),
	}
	r.Add(record)
	return record
}

// Add stores a fully formed record, preserving insertion order. Used when
// warm-loading persisted records at startup; identifiers survive restarts.
func (r *Registry) Add(record *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
}

// FindBestMatch compares the query against every stored vector and returns
// the record with the highest cosine similarity. found is false when the
// registry is empty. Ties resolve to the earliest-registered record: the
// comparison is strictly greater over insertion order, never left to map
// iteration. A dimension mismatch against any stored vector indicates mixed
// embedder configurations and is returned as an error, not skipped.
func (r *Registry) FindBestMatch(vector []float32) (BestMatch, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best BestMatch
	found := false
	for _, record := range r.records {
		similarity, err := matching.Cosine(vector, record.Vector)
		if err != nil {
			return BestMatch{}, false, err
		}
		if !found || similarity > best.Similarity {
			found = true
			best = BestMatch{
				ID:         record.ID,
				Name:       record.Name,
				Latitude:   record.Latitude,
				Longitude:  record.Longitude,
				Similarity: similarity,
			}
		}
	}
	return best, found, nil
}

// Size returns the number of registered records.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
