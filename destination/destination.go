// Package destination implements the Destination Adapter contract (§4.B):
// upserting and deleting vector+payload records in a vector store, keyed
// by entity id and scoped by sync id.
package destination

import (
	"context"

	"github.com/google/uuid"

	"syncmesh.dev/engine/entity"
)

// Record is the destination-side shape persisted per entity: the vector(s)
// plus the payload the search-time query pipeline reads back. It is
// produced by the Entity Processor's EMBED stage (§4.G) from a
// transformed entity.
type Record struct {
	Key            string // durable per-record id, see Key()
	SyncID         string
	EntityID       string
	ParentEntityID string
	EntityType     string
	Vector         []float32
	SparseVector   map[uint32]float32
	Payload        map[string]interface{}
}

// Key derives the destination's durable per-record id from sync_id +
// entity_id, a UUIDv5 so cross-sync collisions on entity_id are
// structurally impossible (§4.B "Scoping invariant").
func Key(syncID, entityID string) string {
	return uuid.NewSHA1(destinationNamespace, []byte(syncID+"\x00"+entityID)).String()
}

var destinationNamespace = uuid.MustParse("7c3a9e2e-3b1a-4a0a-9e2e-6f6b2a9c9e21")

// FromEntity projects a transformed entity plus its embedding into a
// destination Record.
func FromEntity(syncID string, e *entity.Entity, res Result) Record {
	return Record{
		Key:            Key(syncID, e.EntityID),
		SyncID:         syncID,
		EntityID:       e.EntityID,
		ParentEntityID: e.ParentEntityID,
		EntityType:     e.Type,
		Vector:         res.Dense,
		SparseVector:   res.Sparse,
		Payload:        e.Fields,
	}
}

// Result mirrors embedding.Result without importing that package, keeping
// destination free of an embedding-model dependency (adapters are wired
// independently of the model that fills them).
type Result struct {
	Dense  []float32
	Sparse map[uint32]float32
}

// Match is one nearest-neighbor hit from Search, used by the search-time
// query pipeline (outside this spec's scope) but defined here because it
// shares the adapter's wire types.
type Match struct {
	Record Record
	Score  float32
}

// Destination is the §4.B contract. Create MUST be idempotent with
// respect to the backing collection (create-if-missing).
type Destination interface {
	Create(ctx context.Context, collectionID string) error
	BulkInsert(ctx context.Context, records []Record) error
	BulkDelete(ctx context.Context, entityIDs []string, syncID string) error
	BulkDeleteByParentID(ctx context.Context, parentID string, syncID string) error
	Search(ctx context.Context, vector []float32, limit int) ([]Match, error)
}
