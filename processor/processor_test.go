package processor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"syncmesh.dev/engine/dagrouter"
	"syncmesh.dev/engine/destination"
	"syncmesh.dev/engine/embedding"
	"syncmesh.dev/engine/entity"
	"syncmesh.dev/engine/ledger"
	"syncmesh.dev/engine/progress"
)

type fakeDestination struct {
	inserted        []destination.Record
	deletedParents  []string
	failBulkInsert  bool
	failDeleteByPar bool
}

func (f *fakeDestination) Create(ctx context.Context, collectionID string) error { return nil }

func (f *fakeDestination) BulkInsert(ctx context.Context, records []destination.Record) error {
	if f.failBulkInsert {
		return fmt.Errorf("insert failed")
	}
	f.inserted = append(f.inserted, records...)
	return nil
}

func (f *fakeDestination) BulkDelete(ctx context.Context, entityIDs []string, syncID string) error {
	return nil
}

func (f *fakeDestination) BulkDeleteByParentID(ctx context.Context, parentID string, syncID string) error {
	if f.failDeleteByPar {
		return fmt.Errorf("delete by parent failed")
	}
	f.deletedParents = append(f.deletedParents, parentID)
	return nil
}

func (f *fakeDestination) Search(ctx context.Context, vector []float32, limit int) ([]destination.Match, error) {
	return nil, nil
}

func newTestRouter(t *testing.T) (*dagrouter.Router, string) {
	t.Helper()
	dag := dagrouter.DAG{
		Nodes: []dagrouter.Node{
			{ID: "source", Kind: dagrouter.NodeSource},
			{ID: "dest", Kind: dagrouter.NodeDestination},
		},
		Edges: []dagrouter.Edge{{From: "source", To: "dest"}},
	}
	router, err := dagrouter.New(dag, dagrouter.NewMapCatalog(), 0)
	require.NoError(t, err)
	return router, "source"
}

func newTestProcessor(t *testing.T, dest *fakeDestination, model embedding.Model, ledg ledger.Ledger) *Processor {
	t.Helper()
	router, sourceNodeID := newTestRouter(t)
	if ledg == nil {
		ledg = ledger.NewMemoryLedger()
	}
	if model == nil {
		model = embedding.NewLocal(8)
	}
	return New(Deps{
		Ledger:       ledg,
		Router:       router,
		Model:        model,
		Destinations: []destination.Destination{dest},
		Tracker:      progress.New("job-1", noopPublisher{}, nil),
		SourceNodeID: sourceNodeID,
	})
}

type noopPublisher struct{}

func (noopPublisher) Publish(ctx context.Context, channel string, payload []byte) error { return nil }

func TestProcessInsertsNewEntity(t *testing.T) {
	dest := &fakeDestination{}
	p := newTestProcessor(t, dest, nil, nil)
	ctx := context.Background()

	e := &entity.Entity{Type: "page", EntityID: "a", Fields: map[string]interface{}{"title": "hello"}}
	require.NoError(t, p.Process(ctx, "sync-1", "job-1", "gitea", "", e))

	require.Len(t, dest.inserted, 1)
	require.Equal(t, 1, p.deps.Tracker.Snapshot().Inserted)
}

func TestProcessKeepsUnchangedEntity(t *testing.T) {
	dest := &fakeDestination{}
	ledg := ledger.NewMemoryLedger()
	p := newTestProcessor(t, dest, nil, ledg)
	ctx := context.Background()

	e1 := &entity.Entity{Type: "page", EntityID: "a", Fields: map[string]interface{}{"title": "hello"}}
	require.NoError(t, p.Process(ctx, "sync-1", "job-1", "gitea", "", e1))

	// A second run over the same ledger; within one run the re-emission
	// would be dropped by the dedup set instead.
	p2 := newTestProcessor(t, dest, nil, ledg)
	e2 := &entity.Entity{Type: "page", EntityID: "a", Fields: map[string]interface{}{"title": "hello"}}
	require.NoError(t, p2.Process(ctx, "sync-1", "job-2", "gitea", "", e2))

	require.Equal(t, 1, p2.deps.Tracker.Snapshot().Kept)
	require.Len(t, dest.inserted, 1, "unchanged entity must not be re-inserted")
}

func TestProcessUpdatesChangedEntity(t *testing.T) {
	dest := &fakeDestination{}
	ledg := ledger.NewMemoryLedger()
	p := newTestProcessor(t, dest, nil, ledg)
	ctx := context.Background()

	e1 := &entity.Entity{Type: "page", EntityID: "a", Fields: map[string]interface{}{"title": "hello"}}
	require.NoError(t, p.Process(ctx, "sync-1", "job-1", "gitea", "", e1))

	// A second run over the same ledger; within one run the re-emission
	// would be dropped by the dedup set instead.
	p2 := newTestProcessor(t, dest, nil, ledg)
	e2 := &entity.Entity{Type: "page", EntityID: "a", Fields: map[string]interface{}{"title": "hello-changed"}}
	require.NoError(t, p2.Process(ctx, "sync-1", "job-2", "gitea", "", e2))

	require.Equal(t, 1, p2.deps.Tracker.Snapshot().Updated)
	require.Len(t, dest.deletedParents, 1)
	require.Equal(t, []string{"a"}, dest.deletedParents)
}

func TestProcessDedupsReemittedEntityWithinRun(t *testing.T) {
	dest := &fakeDestination{}
	p := newTestProcessor(t, dest, nil, nil)
	ctx := context.Background()

	e := &entity.Entity{Type: "page", EntityID: "a", Fields: map[string]interface{}{"title": "hello"}}
	require.NoError(t, p.Process(ctx, "sync-1", "job-1", "gitea", "", e))
	require.NoError(t, p.Process(ctx, "sync-1", "job-1", "gitea", "", e))

	require.Len(t, dest.inserted, 1)
}

func TestProcessSwallowsDestinationFailureAsSkipped(t *testing.T) {
	dest := &fakeDestination{failBulkInsert: true}
	p := newTestProcessor(t, dest, nil, nil)
	ctx := context.Background()

	e := &entity.Entity{Type: "page", EntityID: "a", Fields: map[string]interface{}{"title": "hello"}}
	err := p.Process(ctx, "sync-1", "job-1", "gitea", "", e)

	require.NoError(t, err, "per-entity failures must not fail the run")
	require.Equal(t, 1, p.deps.Tracker.Snapshot().Skipped)
	require.Empty(t, dest.inserted)
}

func TestProcessRecoversPanicAsSkipped(t *testing.T) {
	dest := &fakeDestination{}
	p := newTestProcessor(t, dest, panicModel{}, nil)
	ctx := context.Background()

	e := &entity.Entity{Type: "page", EntityID: "a", Fields: map[string]interface{}{"title": "hello"}}
	require.NotPanics(t, func() {
		err := p.Process(ctx, "sync-1", "job-1", "gitea", "", e)
		require.NoError(t, err)
	})
	require.Equal(t, 1, p.deps.Tracker.Snapshot().Skipped)
}

type panicModel struct{}

func (panicModel) Dimension() int { return 8 }
func (panicModel) Embed(ctx context.Context, text string) (embedding.Result, error) {
	panic("boom")
}
func (panicModel) EmbedMany(ctx context.Context, texts []string) ([]embedding.Result, error) {
	panic("boom")
}

func TestObservedEntityIDsTracksProcessedEntities(t *testing.T) {
	dest := &fakeDestination{}
	p := newTestProcessor(t, dest, nil, nil)
	ctx := context.Background()

	e := &entity.Entity{Type: "page", EntityID: "a", Fields: map[string]interface{}{"title": "hello"}}
	require.NoError(t, p.Process(ctx, "sync-1", "job-1", "gitea", "", e))

	observed := p.ObservedEntityIDs()
	require.True(t, observed["a"])
}
