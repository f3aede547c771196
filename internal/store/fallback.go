package store

import (
	"sync"

	"github.com/repcue/localsync/internal/schema"
)

// fallbackKey identifies a record across kinds.
type fallbackKey struct {
	kind schema.Kind
	id   string
}

// fallback holds writes that could not reach the database. Entries are never
// synced; they only keep the UI consistent until the database recovers and a
// later write supersedes them.
type fallback struct {
	mu      sync.RWMutex
	records map[fallbackKey]schema.Record
}

func newFallback() *fallback {
	return &fallback{records: make(map[fallbackKey]schema.Record)}
}

func (f *fallback) get(kind schema.Kind, id string) (schema.Record, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, ok := f.records[fallbackKey{kind, id}]
	if !ok {
		return nil, false
	}
	clone, err := schema.Clone(rec)
	if err != nil {
		return nil, false
	}
	return clone, true
}

func (f *fallback) put(rec schema.Record) error {
	clone, err := schema.Clone(rec)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[fallbackKey{rec.Kind(), rec.Envelope().ID}] = clone
	return nil
}

func (f *fallback) remove(kind schema.Kind, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, fallbackKey{kind, id})
}

// list returns clones of every entry of kind, tombstones included.
func (f *fallback) list(kind schema.Kind) []schema.Record {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []schema.Record
	for key, rec := range f.records {
		if key.kind != kind {
			continue
		}
		if clone, err := schema.Clone(rec); err == nil {
			out = append(out, clone)
		}
	}
	return out
}

func (f *fallback) len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.records)
}

func (f *fallback) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = make(map[fallbackKey]schema.Record)
}
