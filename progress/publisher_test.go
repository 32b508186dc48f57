package progress

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu       sync.Mutex
	payloads map[string][][]byte
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{payloads: make(map[string][][]byte)}
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[channel] = append(f.payloads[channel], payload)
	return nil
}

func (f *fakePublisher) count(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads[channel])
}

func (f *fakePublisher) last(channel string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.payloads[channel]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func TestIncrementPublishesDeltaAtThreshold(t *testing.T) {
	pub := newFakePublisher()
	tr := New("job-1", pub, nil)
	ctx := context.Background()

	tr.Increment(ctx, "inserted", "page", "a")
	tr.Increment(ctx, "inserted", "page", "b")
	require.Equal(t, 0, pub.count("sync_job:job-1"), "below threshold, no publish yet")

	tr.Increment(ctx, "inserted", "page", "c")
	require.Equal(t, 1, pub.count("sync_job:job-1"))

	var snap DeltaSnapshot
	require.NoError(t, json.Unmarshal(pub.last("sync_job:job-1"), &snap))
	require.Equal(t, 3, snap.Counters.Inserted)
}

func TestIncrementUnknownKindDoesNotPanicOrPublish(t *testing.T) {
	pub := newFakePublisher()
	tr := New("job-1", pub, nil)

	require.NotPanics(t, func() {
		tr.Increment(context.Background(), "bogus", "page", "a")
	})
	require.Equal(t, Counters{}, tr.Snapshot())
}

func TestIncrementTracksDistinctEntityTotalsPerType(t *testing.T) {
	pub := newFakePublisher()
	tr := New("job-1", pub, nil)
	ctx := context.Background()

	tr.Increment(ctx, "inserted", "page", "a")
	tr.Increment(ctx, "inserted", "page", "a") // same id, should not double count
	tr.Increment(ctx, "inserted", "page", "b")
	tr.Increment(ctx, "inserted", "issue", "c")

	totals := tr.entityTotalsLocked()
	require.Equal(t, 2, totals["page"])
	require.Equal(t, 1, totals["issue"])
}

func TestIncrementDeletedForgetsEntityFromStateTotals(t *testing.T) {
	pub := newFakePublisher()
	tr := New("job-1", pub, nil)
	ctx := context.Background()

	tr.Increment(ctx, "inserted", "page", "a")
	tr.Increment(ctx, "deleted", "page", "a")

	totals := tr.entityTotalsLocked()
	require.Equal(t, 0, totals["page"])
}

func TestFinalizePublishesOnBothChannelsWithFinalCounts(t *testing.T) {
	pub := newFakePublisher()
	tr := New("job-1", pub, nil)
	ctx := context.Background()

	tr.Increment(ctx, "inserted", "page", "a")
	tr.Finalize(ctx, StatusCompleted, "")

	require.GreaterOrEqual(t, pub.count("sync_job:job-1"), 1)
	require.GreaterOrEqual(t, pub.count("sync_job_state:job-1"), 1)

	var snap StateSnapshot
	require.NoError(t, json.Unmarshal(pub.last("sync_job_state:job-1"), &snap))
	require.Equal(t, StatusCompleted, snap.Status)
	require.NotNil(t, snap.Final)
	require.Equal(t, 1, snap.Final.Inserted)
}
