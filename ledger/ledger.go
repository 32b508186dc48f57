// Package ledger implements the durable entity ledger (§3, §4.E): a
// (sync_id, entity_id) → content hash table that turns a sync into a
// differential operation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound is returned by Get when no row exists for (syncID, entityID).
var ErrNotFound = errors.New("ledger: record not found")

// Record is one ledger row. Hash is the hash at the last successful
// persist; a row exists iff the entity is currently represented in every
// destination of that sync (§3).
type Record struct {
	ID             uint      `gorm:"primaryKey"`
	SyncID         string    `gorm:"column:sync_id;uniqueIndex:idx_sync_entity"`
	EntityID       string    `gorm:"column:entity_id;uniqueIndex:idx_sync_entity"`
	ParentEntityID string    `gorm:"column:parent_entity_id"`
	Hash           string    `gorm:"column:hash"`
	SyncJobID      string    `gorm:"column:sync_job_id"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Record) TableName() string { return "entity_ledger" }

// Ledger is the interface the Entity Processor consults for
// DETERMINE_ACTION and PERSIST_* (§4.G).
type Ledger interface {
	Get(ctx context.Context, syncID, entityID string) (*Record, error)
	Create(ctx context.Context, rec *Record) error
	Update(ctx context.Context, syncID, entityID, newHash string) error
	Delete(ctx context.Context, syncID, entityID string) error
	// DeleteMissing removes every row for syncID whose entity id is not in
	// observedEntityIDs, returning the deleted ids. This implements the
	// DELETE-detection pass the spec leaves as an implementer decision
	// (§9 Open Questions): a full "ledger minus observed" pass at the end
	// of each run.
	DeleteMissing(ctx context.Context, syncID string, observedEntityIDs map[string]bool) ([]string, error)
	// ListBySync returns every row for a sync, used by the DeleteMissing
	// implementations of GormLedger and Neo4jLedger and by the orchestrator
	// tests.
	ListBySync(ctx context.Context, syncID string) ([]Record, error)
}

// GormLedger is the Postgres-backed default implementation, grounded on the
// teacher's repository-over-gorm pattern.
type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger wraps an already-connected *gorm.DB. AutoMigrate is left to
// the caller's startup path, matching the teacher's convention of a single
// migration step at process boot rather than per-repository migration.
func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

func (l *GormLedger) Get(ctx context.Context, syncID, entityID string) (*Record, error) {
	var rec Record
	err := l.db.WithContext(ctx).
		Where("sync_id = ? AND entity_id = ?", syncID, entityID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger get: %w", err)
	}
	return &rec, nil
}

func (l *GormLedger) Create(ctx context.Context, rec *Record) error {
	if err := l.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("ledger create: %w", err)
	}
	return nil
}

func (l *GormLedger) Update(ctx context.Context, syncID, entityID, newHash string) error {
	res := l.db.WithContext(ctx).Model(&Record{}).
		Where("sync_id = ? AND entity_id = ?", syncID, entityID).
		Updates(map[string]interface{}{"hash": newHash, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("ledger update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (l *GormLedger) Delete(ctx context.Context, syncID, entityID string) error {
	if err := l.db.WithContext(ctx).
		Where("sync_id = ? AND entity_id = ?", syncID, entityID).
		Delete(&Record{}).Error; err != nil {
		return fmt.Errorf("ledger delete: %w", err)
	}
	return nil
}

func (l *GormLedger) DeleteMissing(ctx context.Context, syncID string, observedEntityIDs map[string]bool) ([]string, error) {
	existing, err := l.ListBySync(ctx, syncID)
	if err != nil {
		return nil, err
	}
	var toDelete []string
	for _, rec := range existing {
		if !observedEntityIDs[rec.EntityID] {
			toDelete = append(toDelete, rec.EntityID)
		}
	}
	if len(toDelete) == 0 {
		return nil, nil
	}
	if err := l.db.WithContext(ctx).
		Where("sync_id = ? AND entity_id IN ?", syncID, toDelete).
		Delete(&Record{}).Error; err != nil {
		return nil, fmt.Errorf("ledger delete missing: %w", err)
	}
	return toDelete, nil
}

func (l *GormLedger) ListBySync(ctx context.Context, syncID string) ([]Record, error) {
	var recs []Record
	if err := l.db.WithContext(ctx).Where("sync_id = ?", syncID).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("ledger list: %w", err)
	}
	return recs, nil
}
