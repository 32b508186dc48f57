// Package processor implements the Entity Processor (§4.G): the
// per-entity state machine ENRICH -> DETERMINE_ACTION -> {KEEP | INSERT
// (TRANSFORM -> EMBED -> PERSIST_INSERT) | UPDATE (TRANSFORM -> EMBED ->
// PERSIST_UPDATE)}. One bad entity never fails the run (§7); the
// processor swallows and counts every per-entity error as skipped.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"syncmesh.dev/engine/dagrouter"
	"syncmesh.dev/engine/destination"
	"syncmesh.dev/engine/embedding"
	"syncmesh.dev/engine/entity"
	"syncmesh.dev/engine/ledger"
	"syncmesh.dev/engine/progress"
)

// Action is the DETERMINE_ACTION outcome (§4.G).
type Action int

const (
	ActionKeep Action = iota
	ActionInsert
	ActionUpdate
)

// Deps bundles everything one Processor needs that is shared read-only
// across every worker in a run (§4.G, §4.K run context).
type Deps struct {
	Ledger      ledger.Ledger
	Router      *dagrouter.Router
	Model       embedding.Model
	Destinations []destination.Destination
	Tracker     *progress.Tracker
	SourceNodeID string
	Log         *logrus.Entry
}

// Processor drives one sync run's entities through the state machine. It
// is NOT safe to share Processor across runs of different syncs, but one
// Processor instance is safely used by every worker of a single run — its
// only mutable state is the in-run dedup set, and that is mutex-guarded.
type Processor struct {
	deps Deps

	seenMu sync.Mutex
	seen   map[string]bool // Key() -> true, the in-run dedup set (§4.G)

	observedMu sync.Mutex
	observed   map[string]bool // entity ids seen this run, for DeleteMissing
}

// New builds a Processor for one run.
func New(deps Deps) *Processor {
	if deps.Log == nil {
		deps.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Processor{
		deps:     deps,
		seen:     make(map[string]bool),
		observed: make(map[string]bool),
	}
}

// Process runs the full state machine for one entity. It never returns an
// error for entity-scoped failures (those are counted skipped and
// swallowed, §4.G "Failure semantics"); it returns an error only for
// programmer-error-shaped situations the caller should treat as a
// run-ending bug (§7 "Bug / invariant violation").
func (p *Processor) Process(ctx context.Context, syncID, syncJobID, sourceName, whiteLabelID string, e *entity.Entity) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.deps.Log.WithField("entity_id", e.EntityID).Errorf("processor: recovered panic: %v", r)
			p.deps.Tracker.Increment(ctx, "skipped", e.Type, e.EntityID)
		}
	}()

	if !p.claim(e) {
		// Deduplication of re-emitted entities (§4.G): silently dropped,
		// not counted.
		return nil
	}

	e.Stamp(sourceName, syncID, syncJobID, whiteLabelID)

	action, currentHash, err := p.determineAction(ctx, syncID, e)
	if err != nil {
		p.deps.Log.WithField("entity_id", e.EntityID).WithError(err).Warn("processor: determine action failed")
		p.deps.Tracker.Increment(ctx, "skipped", e.Type, e.EntityID)
		return nil
	}

	p.markObserved(e.EntityID)

	switch action {
	case ActionKeep:
		p.deps.Tracker.Increment(ctx, "kept", e.Type, e.EntityID)
		return nil
	case ActionInsert:
		return p.runInsertOrUpdate(ctx, syncID, e, currentHash, false)
	case ActionUpdate:
		return p.runInsertOrUpdate(ctx, syncID, e, currentHash, true)
	default:
		return fmt.Errorf("processor: unknown action %v", action)
	}
}

func (p *Processor) claim(e *entity.Entity) bool {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	k := e.Key()
	if p.seen[k] {
		return false
	}
	p.seen[k] = true
	return true
}

func (p *Processor) markObserved(entityID string) {
	p.observedMu.Lock()
	p.observed[entityID] = true
	p.observedMu.Unlock()
}

// ObservedEntityIDs snapshots every entity id processed so far this run,
// for the final DeleteMissing pass (§9 Open Questions, ledger.DeleteMissing).
func (p *Processor) ObservedEntityIDs() map[string]bool {
	p.observedMu.Lock()
	defer p.observedMu.Unlock()
	out := make(map[string]bool, len(p.observed))
	for k := range p.observed {
		out[k] = true
	}
	return out
}

// determineAction implements §4.G DETERMINE_ACTION.
func (p *Processor) determineAction(ctx context.Context, syncID string, e *entity.Entity) (Action, string, error) {
	currentHash := e.Hash()
	rec, err := p.deps.Ledger.Get(ctx, syncID, e.EntityID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ActionInsert, currentHash, nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("ledger lookup: %w", err)
	}
	if rec.Hash == currentHash {
		return ActionKeep, currentHash, nil
	}
	return ActionUpdate, currentHash, nil
}

func (p *Processor) runInsertOrUpdate(ctx context.Context, syncID string, e *entity.Entity, currentHash string, isUpdate bool) error {
	transformed, err := p.transform(ctx, e)
	if err != nil {
		p.deps.Log.WithField("entity_id", e.EntityID).WithError(err).Warn("processor: transform failed")
		p.deps.Tracker.Increment(ctx, "skipped", e.Type, e.EntityID)
		return nil
	}
	if len(transformed) == 0 {
		// TRANSFORM producing zero entities counts as skipped, run
		// continues (§4.G).
		p.deps.Tracker.Increment(ctx, "skipped", e.Type, e.EntityID)
		return nil
	}

	for _, t := range transformed {
		if t.ParentEntityID == "" {
			t.ParentEntityID = e.EntityID
		}
	}

	records, err := p.embed(ctx, syncID, transformed)
	if err != nil {
		p.deps.Log.WithField("entity_id", e.EntityID).WithError(err).Warn("processor: embed failed")
		p.deps.Tracker.Increment(ctx, "skipped", e.Type, e.EntityID)
		return nil
	}
	if len(records) == 0 {
		p.deps.Tracker.Increment(ctx, "skipped", e.Type, e.EntityID)
		return nil
	}

	if isUpdate {
		if err := p.persistUpdate(ctx, syncID, e.EntityID, currentHash, records); err != nil {
			p.deps.Log.WithField("entity_id", e.EntityID).WithError(err).Warn("processor: persist update failed")
			p.deps.Tracker.Increment(ctx, "skipped", e.Type, e.EntityID)
			return nil
		}
		p.deps.Tracker.Increment(ctx, "updated", e.Type, e.EntityID)
		return nil
	}

	if err := p.persistInsert(ctx, syncID, e.EntityID, e.ParentEntityID, currentHash, records); err != nil {
		p.deps.Log.WithField("entity_id", e.EntityID).WithError(err).Warn("processor: persist insert failed")
		p.deps.Tracker.Increment(ctx, "skipped", e.Type, e.EntityID)
		return nil
	}
	p.deps.Tracker.Increment(ctx, "inserted", e.Type, e.EntityID)
	return nil
}

// transform implements §4.G TRANSFORM: delegate to the router, catching
// any transformer panic/error so it never propagates.
func (p *Processor) transform(ctx context.Context, e *entity.Entity) (out []*entity.Entity, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transformer panic: %v", r)
		}
	}()
	return p.deps.Router.ProcessEntity(ctx, p.deps.SourceNodeID, e)
}

// embed implements §4.G EMBED: project each transformed entity to its
// embedding text, call EmbedMany once, and preserve positional alignment.
// If the vector count disagrees with the entity count, log and proceed
// with what is present (§4.G).
func (p *Processor) embed(ctx context.Context, syncID string, entities []*entity.Entity) ([]destination.Record, error) {
	texts := make([]string, len(entities))
	for i, e := range entities {
		texts[i] = embeddingText(e)
	}

	results, err := p.deps.Model.EmbedMany(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed_many: %w", err)
	}
	if len(results) != len(entities) {
		p.deps.Log.Warnf("processor: embed_many returned %d vectors for %d entities", len(results), len(entities))
	}

	n := len(entities)
	if len(results) < n {
		n = len(results)
	}
	records := make([]destination.Record, 0, n)
	for i := 0; i < n; i++ {
		res := destination.Result{Dense: results[i].Dense, Sparse: results[i].Sparse}
		records = append(records, destination.FromEntity(syncID, entities[i], res))
	}
	return records, nil
}

// embeddingText is the storage-dict projection §4.G describes, used purely
// as embedding input and never persisted as-is: the title and body fields
// joined by a blank line, or the name field when both are empty. Other
// fields do not contribute.
func embeddingText(e *entity.Entity) string {
	text, _ := e.Fields["title"].(string)
	if body, ok := e.Fields["body"].(string); ok && body != "" {
		if text != "" {
			text += "\n\n"
		}
		text += body
	}
	if text == "" {
		if name, ok := e.Fields["name"].(string); ok {
			text = name
		}
	}
	return text
}

// persistInsert implements §4.G PERSIST_INSERT: bulk_insert on every
// destination first, then write the ledger row with current_hash. This
// destination-then-ledger order is §4.E's transaction discipline: a crash
// between the two leaves no ledger row, so the next run re-upserts the
// entity instead of losing it.
func (p *Processor) persistInsert(ctx context.Context, syncID, entityID, parentEntityID, hash string, records []destination.Record) error {
	for _, dest := range p.deps.Destinations {
		if err := dest.BulkInsert(ctx, records); err != nil {
			return fmt.Errorf("bulk insert: %w", err)
		}
	}
	err := p.deps.Ledger.Create(ctx, &ledger.Record{
		SyncID:         syncID,
		EntityID:       entityID,
		ParentEntityID: parentEntityID,
		Hash:           hash,
	})
	if err != nil {
		// Destination writes already succeeded; a ledger-create failure is
		// recovered by the next run seeing no ledger row and re-upserting,
		// which is idempotent at the destination because of stable keys
		// (§4.E).
		return fmt.Errorf("ledger create: %w", err)
	}
	return nil
}

// persistUpdate implements §4.G PERSIST_UPDATE: on every destination,
// delete-by-parent strictly precedes insert, and the ledger is updated
// only after every destination succeeds — so destinations never hold a
// mixture of old and new chunks (§5 ordering guarantees).
func (p *Processor) persistUpdate(ctx context.Context, syncID, entityID, hash string, records []destination.Record) error {
	for _, dest := range p.deps.Destinations {
		if err := dest.BulkDeleteByParentID(ctx, entityID, syncID); err != nil {
			return fmt.Errorf("bulk delete by parent: %w", err)
		}
		if err := dest.BulkInsert(ctx, records); err != nil {
			return fmt.Errorf("bulk insert: %w", err)
		}
	}
	if err := p.deps.Ledger.Update(ctx, syncID, entityID, hash); err != nil {
		return fmt.Errorf("ledger update: %w", err)
	}
	return nil
}
