// Package entity defines the unit of sync accounting: a typed record flowing
// from a source, through the DAG, into one or more destinations.
package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Breadcrumb is one ancestor step in an entity's path, used for display;
// the chunker copies it onto the parent and chunk records it emits.
type Breadcrumb struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// SystemMetadata carries run-scoped bookkeeping that MUST NOT influence the
// content hash.
type SystemMetadata struct {
	SyncID       string    `json:"sync_id"`
	SyncJobID    string    `json:"sync_job_id"`
	SourceName   string    `json:"source_name"`
	LocalPath    string    `json:"local_path,omitempty"`
	TotalSize    int64     `json:"total_size,omitempty"`
	Checksum     string    `json:"checksum,omitempty"`
	ShouldSkip   bool      `json:"should_skip,omitempty"`
	ObservedAt   time.Time `json:"observed_at,omitempty"`
	WhiteLabelID string    `json:"white_label_id,omitempty"`
}

// Entity is the unit of sync. Fields is the open bag of domain fields owned
// by the source that produced it; Type discriminates the schema a consumer
// should expect in Fields.
type Entity struct {
	EntityID       string                 `json:"entity_id"`
	Type           string                 `json:"type"`
	ParentEntityID string                 `json:"parent_entity_id,omitempty"`
	Breadcrumbs    []Breadcrumb           `json:"breadcrumbs,omitempty"`
	Fields         map[string]interface{} `json:"fields"`
	System         SystemMetadata         `json:"-"`
	Vector         []float32              `json:"-"`
	SparseVector   map[uint32]float32     `json:"-"`

	hash string // cached, see Hash()
}

// File specializes Entity for byte-valued sources. It is expanded by the
// chunker transformer (§4.F) into a parent Entity plus N chunk Entities.
type File struct {
	Entity
	DownloadURL string `json:"download_url"`
	MimeType    string `json:"mime_type"`
	LocalPath   string `json:"local_path,omitempty"`
	Size        int64  `json:"size,omitempty"`
	ModifiedAt  time.Time `json:"modified_at,omitempty"`
}

// hashExcludedFields lists the declarative, versioned set of fields a
// producer might stash in Fields that must never affect the content hash
// because they are run-scoped, derived, or timestamps of observation.
// Changing this set invalidates every existing ledger row.
var hashExcludedFields = map[string]bool{
	"sync_id":        true,
	"sync_job_id":    true,
	"vector":         true,
	"observed_at":    true,
	"updated_at":     true,
	"created_at":     true,
	"embedding_text": true,
	"download_url":   true,
}

// Key returns the durable identity of the entity within a sync: its type
// plus its entity id. Used by the in-run dedup set (§4.G).
func (e *Entity) Key() string {
	return e.Type + "\x00" + e.EntityID
}

// Hash computes the SHA-256 content hash described in §3, memoizing it on
// the entity so repeated calls within one run don't re-hash.
func (e *Entity) Hash() string {
	if e.hash != "" {
		return e.hash
	}
	e.hash = computeHash(e.Type, e.Fields)
	return e.hash
}

// InvalidateHash clears the memoized hash, for the rare case a transformer
// mutates Fields in place after a Hash() call (no shipped transformer does
// this today, but the chunker's parent record is rebuilt, not mutated).
func (e *Entity) InvalidateHash() {
	e.hash = ""
}

func computeHash(typ string, fields map[string]interface{}) string {
	projection := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if hashExcludedFields[k] {
			continue
		}
		projection[k] = v
	}

	keys := make([]string, 0, len(projection))
	for k := range projection {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]interface{}, 0, len(keys)*2+1)
	ordered = append(ordered, typ)
	for _, k := range keys {
		ordered = append(ordered, k, projection[k])
	}

	// json.Marshal of a slice preserves insertion order, giving a stable
	// byte sequence independent of map iteration order.
	b, err := json.Marshal(ordered)
	if err != nil {
		// Fields should only ever contain JSON-safe values coming off a
		// decoded API response; a marshal failure here is a programmer
		// error in a source adapter, not a runtime condition to recover
		// from gracefully.
		b = []byte(typ)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// FileHash composes the bytes hash with a stable metadata subset (name,
// mime, size, modified-time, parents) so renames/moves are detected even
// when the underlying bytes are unchanged, per §3.
func FileHash(bytesHash, name, mimeType string, size int64, modifiedAt time.Time, parentEntityID string) string {
	h := sha256.New()
	h.Write([]byte(bytesHash))
	h.Write([]byte{0})
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(mimeType))
	h.Write([]byte{0})
	h.Write([]byte(modifiedAt.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write([]byte(parentEntityID))
	var sizeBuf [8]byte
	for i := 0; i < 8; i++ {
		sizeBuf[i] = byte(size >> (8 * i))
	}
	h.Write(sizeBuf[:])
	return hex.EncodeToString(h.Sum(nil))
}

// Stamp applies ENRICH (§4.G): source, sync, job identity, and optional
// white-label identity. Idempotent — calling it twice with the same values
// produces no observable change.
func (e *Entity) Stamp(sourceName, syncID, syncJobID, whiteLabelID string) {
	e.System.SourceName = sourceName
	e.System.SyncID = syncID
	e.System.SyncJobID = syncJobID
	e.System.WhiteLabelID = whiteLabelID
}

// LedgerKey is the composite key under which the entity ledger indexes this
// entity: unique per (sync_id, entity_id) per §3's ledger invariant. The
// durable destination-side key is derived separately (see destination.Key)
// because it must be collision-resistant across syncs, not just unique
// within one.
func LedgerKey(syncID, entityID string) string {
	return syncID + ":" + entityID
}
