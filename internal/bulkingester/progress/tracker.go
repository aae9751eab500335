package progress

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/jobdb"
)

const (
	terminalCacheTtl   = 30 * time.Minute
	terminalCacheSweep = 10 * time.Minute
)

// Tracker holds the latest known snapshot per job. Workers feed it after
// every chunk; readers that ask about a job this process has no memory of
// (e.g. after a restart) are served from the job store instead. Terminal
// jobs are immutable, so their snapshots are kept in a TTL cache.
type Tracker struct {
	store jobdb.JobStore
	hub   *Hub

	mu       sync.RWMutex
	active   map[string]*Snapshot
	terminal *cache.Cache
}

// NewTracker returns a Tracker that publishes every update to hub. A nil hub
// disables pushing.
func NewTracker(store jobdb.JobStore, hub *Hub) *Tracker {
	return &Tracker{
		store:    store,
		hub:      hub,
		active:   make(map[string]*Snapshot),
		terminal: cache.New(terminalCacheTtl, terminalCacheSweep),
	}
}

// Update records the latest snapshot of a job and pushes it to subscribers.
func (t *Tracker) Update(snapshot *Snapshot) {
	t.mu.Lock()
	if snapshot.Status.IsTerminal() {
		delete(t.active, snapshot.JobId)
		t.terminal.Set(snapshot.JobId, snapshot, cache.DefaultExpiration)
	} else {
		t.active[snapshot.JobId] = snapshot
	}
	t.mu.Unlock()

	if t.hub != nil {
		t.hub.Publish(snapshot)
	}
}

// Snapshot returns the current snapshot of a job, falling back to the job
// store for jobs not tracked in memory. Returns ErrNotFound for unknown jobs.
func (t *Tracker) Snapshot(ctx context.Context, jobId string) (*Snapshot, error) {
	t.mu.RLock()
	snapshot, ok := t.active[jobId]
	t.mu.RUnlock()
	if ok {
		return snapshot, nil
	}
	if cached, ok := t.terminal.Get(jobId); ok {
		return cached.(*Snapshot), nil
	}
	return t.load(ctx, jobId)
}

func (t *Tracker) load(ctx context.Context, jobId string) (*Snapshot, error) {
	job, err := t.store.GetJob(ctx, jobId)
	if err != nil {
		return nil, err
	}
	outstanding, err := t.store.OutstandingChunks(ctx, jobId)
	if err != nil {
		return nil, err
	}
	errorCount, err := t.store.CountErrors(ctx, jobId)
	if err != nil {
		return nil, err
	}
	snapshot := FromJob(job, job.ChunkCount-len(outstanding), errorCount)
	if snapshot.Status.IsTerminal() {
		t.terminal.Set(jobId, snapshot, cache.DefaultExpiration)
	}
	return snapshot, nil
}
