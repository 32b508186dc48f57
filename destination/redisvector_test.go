package destination

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"syncmesh.dev/engine/entity"
)

func newTestRedisVector(t *testing.T) *RedisVector {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	d := NewRedisVector(client, "vec:")
	require.NoError(t, d.Create(context.Background(), "collection-1"))
	return d
}

func TestKeyIsStablePerSyncAndEntity(t *testing.T) {
	k1 := Key("sync-1", "entity-1")
	k2 := Key("sync-1", "entity-1")
	require.Equal(t, k1, k2)

	k3 := Key("sync-2", "entity-1")
	require.NotEqual(t, k1, k3)
}

func TestFromEntityProjectsEmbeddingIntoRecord(t *testing.T) {
	e := &entity.Entity{Type: "page", EntityID: "a", ParentEntityID: "parent-1"}
	rec := FromEntity("sync-1", e, Result{Dense: []float32{1, 2, 3}})

	require.Equal(t, Key("sync-1", "a"), rec.Key)
	require.Equal(t, "a", rec.EntityID)
	require.Equal(t, "parent-1", rec.ParentEntityID)
	require.Equal(t, []float32{1, 2, 3}, rec.Vector)
}

func TestBulkInsertThenSearchFindsRecord(t *testing.T) {
	d := newTestRedisVector(t)
	ctx := context.Background()

	records := []Record{
		{Key: Key("sync-1", "a"), SyncID: "sync-1", EntityID: "a", Vector: []float32{1, 0, 0}},
		{Key: Key("sync-1", "b"), SyncID: "sync-1", EntityID: "b", Vector: []float32{0, 1, 0}},
	}
	require.NoError(t, d.BulkInsert(ctx, records))

	matches, err := d.Search(ctx, []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "a", matches[0].Record.EntityID)
}

func TestBulkDeleteRemovesRecord(t *testing.T) {
	d := newTestRedisVector(t)
	ctx := context.Background()

	rec := Record{Key: Key("sync-1", "a"), SyncID: "sync-1", EntityID: "a", Vector: []float32{1, 0}}
	require.NoError(t, d.BulkInsert(ctx, []Record{rec}))

	require.NoError(t, d.BulkDelete(ctx, []string{"a"}, "sync-1"))

	matches, err := d.Search(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestBulkDeleteByParentIDRemovesOnlyThatParentsChunks(t *testing.T) {
	d := newTestRedisVector(t)
	ctx := context.Background()

	records := []Record{
		{Key: Key("sync-1", "chunk-1"), SyncID: "sync-1", EntityID: "chunk-1", ParentEntityID: "parent-a", Vector: []float32{1}},
		{Key: Key("sync-1", "chunk-2"), SyncID: "sync-1", EntityID: "chunk-2", ParentEntityID: "parent-a", Vector: []float32{1}},
		{Key: Key("sync-1", "chunk-3"), SyncID: "sync-1", EntityID: "chunk-3", ParentEntityID: "parent-b", Vector: []float32{1}},
	}
	require.NoError(t, d.BulkInsert(ctx, records))

	require.NoError(t, d.BulkDeleteByParentID(ctx, "parent-a", "sync-1"))

	matches, err := d.Search(ctx, []float32{1}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "chunk-3", matches[0].Record.EntityID)
}

func TestSearchLimitsResultCount(t *testing.T) {
	d := newTestRedisVector(t)
	ctx := context.Background()

	records := []Record{
		{Key: Key("sync-1", "a"), SyncID: "sync-1", EntityID: "a", Vector: []float32{1, 0}},
		{Key: Key("sync-1", "b"), SyncID: "sync-1", EntityID: "b", Vector: []float32{0.9, 0.1}},
		{Key: Key("sync-1", "c"), SyncID: "sync-1", EntityID: "c", Vector: []float32{0, 1}},
	}
	require.NoError(t, d.BulkInsert(ctx, records))

	matches, err := d.Search(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, "a", matches[0].Record.EntityID)
}
