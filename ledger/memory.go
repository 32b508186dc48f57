package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is an in-process Ledger used by processor/orchestrator unit
// tests and by any deployment small enough not to need Postgres. It honors
// the same invariants as GormLedger.
type MemoryLedger struct {
	mu   sync.Mutex
	rows map[string]*Record // keyed by sync_id + "\x00" + entity_id
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{rows: make(map[string]*Record)}
}

func key(syncID, entityID string) string { return syncID + "\x00" + entityID }

func (l *MemoryLedger) Get(ctx context.Context, syncID, entityID string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.rows[key(syncID, entityID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (l *MemoryLedger) Create(ctx context.Context, rec *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	cp := *rec
	cp.CreatedAt = now
	cp.UpdatedAt = now
	l.rows[key(rec.SyncID, rec.EntityID)] = &cp
	return nil
}

func (l *MemoryLedger) Update(ctx context.Context, syncID, entityID, newHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.rows[key(syncID, entityID)]
	if !ok {
		return ErrNotFound
	}
	rec.Hash = newHash
	rec.UpdatedAt = time.Now()
	return nil
}

func (l *MemoryLedger) Delete(ctx context.Context, syncID, entityID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rows, key(syncID, entityID))
	return nil
}

func (l *MemoryLedger) DeleteMissing(ctx context.Context, syncID string, observedEntityIDs map[string]bool) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var deleted []string
	for k, rec := range l.rows {
		if rec.SyncID != syncID {
			continue
		}
		if !observedEntityIDs[rec.EntityID] {
			deleted = append(deleted, rec.EntityID)
			delete(l.rows, k)
		}
	}
	return deleted, nil
}

func (l *MemoryLedger) ListBySync(ctx context.Context, syncID string) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var recs []Record
	for _, rec := range l.rows {
		if rec.SyncID == syncID {
			recs = append(recs, *rec)
		}
	}
	return recs, nil
}
