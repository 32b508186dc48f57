package destination

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/redis/go-redis/v9"
)

// RedisVector is a redis-backed vector destination: records are stored as
// JSON hashes under a collection-scoped key, with secondary sets indexing
// by sync id and parent id so BulkDelete/BulkDeleteByParentID don't require
// a full scan (§4.B scoping invariant). Grounded on the teacher's
// queue/redis client-wiring convention (single *redis.Client, key-prefix
// convention), repurposed here for payload storage instead of job queues.
type RedisVector struct {
	client       *redis.Client
	collectionID string
	prefix       string
}

// NewRedisVector wraps an already-connected *redis.Client.
func NewRedisVector(client *redis.Client, keyPrefix string) *RedisVector {
	if keyPrefix == "" {
		keyPrefix = "vec:"
	}
	return &RedisVector{client: client, prefix: keyPrefix}
}

func (d *RedisVector) Create(ctx context.Context, collectionID string) error {
	d.collectionID = collectionID
	// Redis has no bucket/collection to provision; the collection id is
	// folded into every key below, so Create is a no-op beyond recording
	// it. Still ping, so a dead connection is caught at context-build
	// time rather than on the first bulk write mid-run.
	return d.client.Ping(ctx).Err()
}

func (d *RedisVector) recordKey(key string) string {
	return fmt.Sprintf("%s%s:record:%s", d.prefix, d.collectionID, key)
}

func (d *RedisVector) syncSetKey(syncID string) string {
	return fmt.Sprintf("%s%s:sync:%s", d.prefix, d.collectionID, syncID)
}

func (d *RedisVector) parentSetKey(syncID, parentID string) string {
	return fmt.Sprintf("%s%s:sync:%s:parent:%s", d.prefix, d.collectionID, syncID, parentID)
}

func (d *RedisVector) BulkInsert(ctx context.Context, records []Record) error {
	pipe := d.client.TxPipeline()
	for _, rec := range records {
		blob, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("redisvector: marshal record %s: %w", rec.EntityID, err)
		}
		pipe.Set(ctx, d.recordKey(rec.Key), blob, 0)
		pipe.SAdd(ctx, d.syncSetKey(rec.SyncID), rec.Key)
		if rec.ParentEntityID != "" {
			pipe.SAdd(ctx, d.parentSetKey(rec.SyncID, rec.ParentEntityID), rec.Key)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisvector: bulk insert: %w", err)
	}
	return nil
}

func (d *RedisVector) BulkDelete(ctx context.Context, entityIDs []string, syncID string) error {
	pipe := d.client.TxPipeline()
	for _, id := range entityIDs {
		key := Key(syncID, id)
		pipe.Del(ctx, d.recordKey(key))
		pipe.SRem(ctx, d.syncSetKey(syncID), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisvector: bulk delete: %w", err)
	}
	return nil
}

// BulkDeleteByParentID implements the UPDATE path's delete-before-insert
// step (§4.G PERSIST_UPDATE): every chunk of parentID within syncID is
// removed atomically via the parent index set.
func (d *RedisVector) BulkDeleteByParentID(ctx context.Context, parentID string, syncID string) error {
	setKey := d.parentSetKey(syncID, parentID)
	keys, err := d.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("redisvector: list parent set: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	pipe := d.client.TxPipeline()
	for _, k := range keys {
		pipe.Del(ctx, d.recordKey(k))
		pipe.SRem(ctx, d.syncSetKey(syncID), k)
	}
	pipe.Del(ctx, setKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisvector: bulk delete by parent: %w", err)
	}
	return nil
}

// Search performs a brute-force cosine scan over every record stored under
// the collection, across all syncs.
// Adequate for the pack's footprint (redis isn't a dedicated ANN engine);
// a production deployment would swap this adapter for a real vector
// database without changing the Destination contract.
func (d *RedisVector) Search(ctx context.Context, vector []float32, limit int) ([]Match, error) {
	keys, err := d.client.Keys(ctx, d.recordKey("*")).Result()
	if err != nil {
		return nil, fmt.Errorf("redisvector: search scan: %w", err)
	}
	var matches []Match
	for _, k := range keys {
		blob, err := d.client.Get(ctx, k).Bytes()
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(blob, &rec); err != nil {
			continue
		}
		matches = append(matches, Match{Record: rec, Score: cosine(vector, rec.Vector)})
	}
	sortMatchesDescending(matches)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func sortMatchesDescending(matches []Match) {
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].Score > matches[j-1].Score; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
}
