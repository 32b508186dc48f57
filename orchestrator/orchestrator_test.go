package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"syncmesh.dev/engine/dagrouter"
	"syncmesh.dev/engine/destination"
	"syncmesh.dev/engine/embedding"
	"syncmesh.dev/engine/entity"
	"syncmesh.dev/engine/ledger"
	"syncmesh.dev/engine/progress"
	"syncmesh.dev/engine/runctx"
	"syncmesh.dev/engine/source"
	"syncmesh.dev/engine/workerpool"
)

type sliceStream struct {
	mu       sync.Mutex
	entities []*entity.Entity
	idx      int
	failAt   int // -1 disables
}

func (s *sliceStream) Next(ctx context.Context) (*entity.Entity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt >= 0 && s.idx == s.failAt {
		return nil, false, fmt.Errorf("stream error")
	}
	if s.idx >= len(s.entities) {
		return nil, false, nil
	}
	e := s.entities[s.idx]
	s.idx++
	return e, true, nil
}

func (s *sliceStream) Close() error { return nil }

type stubSource struct{ name string }

func (s *stubSource) ShortName() string { return s.name }
func (s *stubSource) Create(ctx context.Context, credentials map[string]string, config map[string]interface{}) error {
	return nil
}
func (s *stubSource) GenerateEntities(ctx context.Context) (source.Stream, error) { return nil, nil }
func (s *stubSource) Validate(ctx context.Context) (bool, error)                 { return true, nil }

type recordingDestination struct {
	mu       sync.Mutex
	inserted []destination.Record
	deleted  []string
}

func (d *recordingDestination) Create(ctx context.Context, collectionID string) error { return nil }
func (d *recordingDestination) BulkInsert(ctx context.Context, records []destination.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inserted = append(d.inserted, records...)
	return nil
}
func (d *recordingDestination) BulkDelete(ctx context.Context, entityIDs []string, syncID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, entityIDs...)
	return nil
}
func (d *recordingDestination) BulkDeleteByParentID(ctx context.Context, parentID string, syncID string) error {
	return nil
}
func (d *recordingDestination) Search(ctx context.Context, vector []float32, limit int) ([]destination.Match, error) {
	return nil, nil
}

func (d *recordingDestination) snapshot() []destination.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]destination.Record, len(d.inserted))
	copy(out, d.inserted)
	return out
}

func (d *recordingDestination) deletedSnapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.deleted))
	copy(out, d.deleted)
	return out
}

type noopPublisher struct{}

func (noopPublisher) Publish(ctx context.Context, channel string, payload []byte) error { return nil }

func buildTestContext(t *testing.T, stream *sliceStream, dest *recordingDestination) *runctx.Context {
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

	return &runctx.Context{
		Log:          logrus.NewEntry(logrus.StandardLogger()),
		Source:       &stubSource{name: "stub"},
		Stream:       stream,
		Router:       router,
		Model:        embedding.NewLocal(8),
		Destinations: []destination.Destination{dest},
		Tracker:      progress.New("job-1", noopPublisher{}, nil),
		SourceNodeID: "source",
	}
}

func TestRunDrainsStreamAndCompletesSuccessfully(t *testing.T) {
	stream := &sliceStream{
		entities: []*entity.Entity{
			{Type: "page", EntityID: "a", Fields: map[string]interface{}{"title": "one"}},
			{Type: "page", EntityID: "b", Fields: map[string]interface{}{"title": "two"}},
		},
		failAt: -1,
	}
	dest := &recordingDestination{}
	rc := buildTestContext(t, stream, dest)

	ledg := ledger.NewMemoryLedger()
	pool := workerpool.New(workerpool.Config{MaxWorkers: 2, DrainTimeout: time.Second}, nil)

	err := Run(context.Background(), rc, pool, ledg, "sync-1", "job-1", "")
	require.NoError(t, err)
	require.Len(t, dest.snapshot(), 2)

	recs, err := ledg.ListBySync(context.Background(), "sync-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestRunDeletesLedgerRowsNotObservedThisRun(t *testing.T) {
	ledg := ledger.NewMemoryLedger()
	require.NoError(t, ledg.Create(context.Background(), &ledger.Record{SyncID: "sync-1", EntityID: "stale", Hash: "x"}))

	stream := &sliceStream{
		entities: []*entity.Entity{
			{Type: "page", EntityID: "a", Fields: map[string]interface{}{"title": "one"}},
		},
		failAt: -1,
	}
	dest := &recordingDestination{}
	rc := buildTestContext(t, stream, dest)

	pool := workerpool.New(workerpool.Config{MaxWorkers: 2, DrainTimeout: time.Second}, nil)
	require.NoError(t, Run(context.Background(), rc, pool, ledg, "sync-1", "job-1", ""))

	recs, err := ledg.ListBySync(context.Background(), "sync-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "a", recs[0].EntityID)

	require.Equal(t, []string{"stale"}, dest.deletedSnapshot(), "BulkDelete must purge destinations for rows the ledger dropped")
	require.Equal(t, 1, rc.Tracker.Snapshot().Deleted)
}

func TestRunReturnsErrorWhenStreamFails(t *testing.T) {
	stream := &sliceStream{
		entities: []*entity.Entity{
			{Type: "page", EntityID: "a", Fields: map[string]interface{}{"title": "one"}},
		},
		failAt: 1,
	}
	dest := &recordingDestination{}
	rc := buildTestContext(t, stream, dest)

	ledg := ledger.NewMemoryLedger()
	pool := workerpool.New(workerpool.Config{MaxWorkers: 2, DrainTimeout: time.Second}, nil)

	err := Run(context.Background(), rc, pool, ledg, "sync-1", "job-1", "")
	require.Error(t, err)
}
