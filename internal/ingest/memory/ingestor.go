// Package memory provides an in-memory record sink for development setups
// that run without Postgres.
package memory

import (
	"context"
	"sync"

	"github.com/shelfwatch/harvester/internal/harvester"
)

// Ingestor implements harvester.Ingestor over a map keyed like the Postgres
// upsert.
type Ingestor struct {
	mu      sync.Mutex
	records map[harvester.RecordKey]harvester.Record
}

// New creates an empty Ingestor.
func New() *Ingestor {
	return &Ingestor{records: make(map[harvester.RecordKey]harvester.Record)}
}

// Save upserts the batch and reports inserted versus updated counts. Records
// sharing a key within the batch count once, last occurrence winning, the
// same way the Postgres sink dedupes.
func (i *Ingestor) Save(_ context.Context, records []harvester.Record) (inserted, updated int, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	seen := make(map[harvester.RecordKey]struct{}, len(records))
	for idx := len(records) - 1; idx >= 0; idx-- {
		rec := records[idx]
		key := rec.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := i.records[key]; ok {
			updated++
		} else {
			inserted++
		}
		i.records[key] = rec
	}
	return inserted, updated, nil
}

// Get returns the stored record for key.
func (i *Ingestor) Get(key harvester.RecordKey) (harvester.Record, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	rec, ok := i.records[key]
	return rec, ok
}

// Len reports how many distinct records are stored.
func (i *Ingestor) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.records)
}
