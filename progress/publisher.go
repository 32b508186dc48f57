// Package progress implements the two progress trackers of §4.I: a
// delta-counters tracker publishing on threshold, and an absolute-state
// tracker publishing on a rate-limited timer. Both share one mutex and
// publish to the two channels named in §6.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// JobStatus is the terminal/running status carried on both channels
// (§6 "job_status").
type JobStatus string

const (
	StatusRunning   JobStatus = "RUNNING"
	StatusCompleted JobStatus = "COMPLETED"
	StatusCancelled JobStatus = "CANCELLED"
	StatusFailed    JobStatus = "FAILED"
)

const (
	// publishThreshold is the delta-counter publish trigger (§4.I).
	publishThreshold = 3
	// statusInterval is the human-readable log emission cadence (§4.I).
	statusInterval = 50
	// stateRateLimit bounds the absolute-state channel's publish rate.
	stateRateLimit = 500 * time.Millisecond
)

// Counters is the five-counter delta snapshot of §4.I.
type Counters struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Kept     int `json:"kept"`
	Deleted  int `json:"deleted"`
	Skipped  int `json:"skipped"`
}

func (c Counters) sum() int {
	return c.Inserted + c.Updated + c.Kept + c.Deleted + c.Skipped
}

// DeltaSnapshot is the payload published to sync_job:<job_id>.
type DeltaSnapshot struct {
	SyncJobID string    `json:"sync_job_id"`
	Counters  Counters  `json:"counters"`
	Status    JobStatus `json:"job_status"`
	Error     string    `json:"error,omitempty"`
}

// StateSnapshot is the payload published to sync_job_state:<job_id>.
type StateSnapshot struct {
	SyncJobID   string         `json:"sync_job_id"`
	EntityTotal map[string]int `json:"entity_type_totals"`
	Status      JobStatus      `json:"job_status"`
	Final       *Counters      `json:"final_counts,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Publisher is the pub/sub sink both trackers write through. Grounded on
// the teacher's queue/redis client wiring (single *redis.Client, key
// convention).
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisPublisher publishes over a real redis.Client.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher wraps an already-connected client.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

// Tracker aggregates counters and entity-type totals for one sync job and
// publishes snapshots per §4.I's two rate rules.
type Tracker struct {
	mu sync.Mutex

	syncJobID string
	pub       Publisher
	log       *logrus.Entry

	counters      Counters
	lastPublished int // sum() at last delta publish

	entityTypeIDs map[string]map[string]bool // type -> set of distinct entity ids (state tracker)
	lastStatePub  time.Time

	opsSinceStatusLog int
}

// New builds a Tracker for one sync job.
func New(syncJobID string, pub Publisher, log *logrus.Entry) *Tracker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Tracker{
		syncJobID:     syncJobID,
		pub:           pub,
		log:           log.WithField("sync_job_id", syncJobID),
		entityTypeIDs: make(map[string]map[string]bool),
	}
}

// Increment bumps exactly one counter, per §4.I. inserted and updated also
// record entityID in the absolute-state tracker's distinct-id set for
// entityType and deleted removes it; kept and skipped leave it as is. Every
// processor action calls this exactly once (kept/inserted/updated/deleted)
// except error-path skips, which also go through here.
func (t *Tracker) Increment(ctx context.Context, kind string, entityType, entityID string) {
	t.mu.Lock()
	switch kind {
	case "inserted":
		t.counters.Inserted++
		t.noteEntityLocked(entityType, entityID)
	case "updated":
		t.counters.Updated++
		t.noteEntityLocked(entityType, entityID)
	case "kept":
		t.counters.Kept++
	case "deleted":
		t.counters.Deleted++
		t.forgetEntityLocked(entityType, entityID)
	case "skipped":
		t.counters.Skipped++
	default:
		t.mu.Unlock()
		t.log.WithField("kind", kind).Warn("progress: unknown counter kind")
		return
	}
	t.opsSinceStatusLog++
	shouldPublishDelta := t.counters.sum()-t.lastPublished >= publishThreshold
	if shouldPublishDelta {
		t.lastPublished = t.counters.sum()
	}
	shouldLogStatus := t.opsSinceStatusLog >= statusInterval
	if shouldLogStatus {
		t.opsSinceStatusLog = 0
	}
	snapshot := t.counters
	t.mu.Unlock()

	if shouldLogStatus {
		t.logStatus(snapshot)
	}
	if shouldPublishDelta {
		t.publishDelta(ctx, StatusRunning, "")
	}
	t.maybePublishState(ctx, StatusRunning, "")
}

func (t *Tracker) noteEntityLocked(entityType, entityID string) {
	set, ok := t.entityTypeIDs[entityType]
	if !ok {
		set = make(map[string]bool)
		t.entityTypeIDs[entityType] = set
	}
	set[entityID] = true
}

func (t *Tracker) forgetEntityLocked(entityType, entityID string) {
	if set, ok := t.entityTypeIDs[entityType]; ok {
		delete(set, entityID)
	}
}

func (t *Tracker) logStatus(c Counters) {
	t.log.Infof("sync progress: inserted=%s updated=%s kept=%s deleted=%s skipped=%s",
		humanize.Comma(int64(c.Inserted)), humanize.Comma(int64(c.Updated)),
		humanize.Comma(int64(c.Kept)), humanize.Comma(int64(c.Deleted)),
		humanize.Comma(int64(c.Skipped)))
}

func (t *Tracker) publishDelta(ctx context.Context, status JobStatus, errStr string) {
	t.mu.Lock()
	snap := DeltaSnapshot{SyncJobID: t.syncJobID, Counters: t.counters, Status: status, Error: errStr}
	t.mu.Unlock()

	payload, err := json.Marshal(snap)
	if err != nil {
		t.log.WithError(err).Warn("progress: marshal delta snapshot")
		return
	}
	if err := t.pub.Publish(ctx, fmt.Sprintf("sync_job:%s", t.syncJobID), payload); err != nil {
		t.log.WithError(err).Warn("progress: publish delta snapshot")
	}
}

func (t *Tracker) maybePublishState(ctx context.Context, status JobStatus, errStr string) {
	t.mu.Lock()
	if time.Since(t.lastStatePub) < stateRateLimit {
		t.mu.Unlock()
		return
	}
	t.lastStatePub = time.Now()
	totals := t.entityTotalsLocked()
	t.mu.Unlock()

	t.publishStateSnapshot(ctx, totals, status, nil, errStr)
}

func (t *Tracker) entityTotalsLocked() map[string]int {
	totals := make(map[string]int, len(t.entityTypeIDs))
	for typ, set := range t.entityTypeIDs {
		totals[typ] = len(set)
	}
	return totals
}

func (t *Tracker) publishStateSnapshot(ctx context.Context, totals map[string]int, status JobStatus, final *Counters, errStr string) {
	snap := StateSnapshot{SyncJobID: t.syncJobID, EntityTotal: totals, Status: status, Final: final, Error: errStr}
	payload, err := json.Marshal(snap)
	if err != nil {
		t.log.WithError(err).Warn("progress: marshal state snapshot")
		return
	}
	if err := t.pub.Publish(ctx, fmt.Sprintf("sync_job_state:%s", t.syncJobID), payload); err != nil {
		t.log.WithError(err).Warn("progress: publish state snapshot")
	}
}

// Snapshot returns the current counters, used by tests and by the
// orchestrator's final log line.
func (t *Tracker) Snapshot() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters
}

// Finalize publishes a terminal snapshot on both channels carrying status
// and, on failure, errStr (§4.I "finalize(status)").
func (t *Tracker) Finalize(ctx context.Context, status JobStatus, errStr string) {
	t.mu.Lock()
	final := t.counters
	totals := t.entityTotalsLocked()
	t.mu.Unlock()

	t.publishDelta(ctx, status, errStr)
	t.publishStateSnapshot(ctx, totals, status, &final, errStr)
	t.log.WithFields(logrus.Fields{
		"status":  status,
		"counts":  fmt.Sprintf("%+v", final),
	}).Info("sync finalized")
}
