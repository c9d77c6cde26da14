package flashjob

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openpod/flashd/pkg/firmware"
)

// Recorder persists terminal job snapshots when they are evicted from the
// registry. Optional.
type Recorder interface {
	Record(snap Snapshot) error
}

// Manager is the registry of live flash jobs: creation, lookup,
// cancellation, and garbage collection of terminal jobs. It owns the publish
// side of the update bus.
type Manager struct {
	deps Deps
	bus  *Bus

	// Retention is how long terminal jobs stay queryable before eviction.
	Retention time.Duration
	// SweepInterval is how often the eviction sweep runs.
	SweepInterval time.Duration
	// History, when set, receives each evicted job's final snapshot.
	History Recorder

	mu   sync.Mutex
	jobs map[string]*Job

	stopOnce sync.Once
	stop     chan struct{}
}

func NewManager(deps Deps) *Manager {
	m := &Manager{
		deps:          deps,
		bus:           NewBus(),
		Retention:     15 * time.Minute,
		SweepInterval: time.Minute,
		jobs:          make(map[string]*Job),
		stop:          make(chan struct{}),
	}
	return m
}

// Start launches the background eviction sweep. Stop with Close.
func (m *Manager) Start() {
	go m.sweepLoop()
}

func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Create registers a new job for the device/descriptor pair, starts its
// execution asynchronously, and returns the job id immediately. The initial
// snapshot has all applicable stages un-started.
func (m *Manager) Create(deviceID string, desc firmware.Descriptor) (string, error) {
	if !desc.Source.Valid() {
		return "", fmt.Errorf("unknown firmware source %q", desc.Source)
	}

	id := uuid.NewString()
	job := newJob(id, deviceID, desc, m.bus.Publish)

	m.mu.Lock()
	m.jobs[id] = job
	m.mu.Unlock()

	slog.Info("Flash job created", "job", id, "device", deviceID, "firmware", desc.String())
	// The job owns its own lifetime: caller cancellation is cooperative
	// via Cancel, never via context teardown of an in-flight transfer.
	go job.run(context.Background(), m.deps)
	return id, nil
}

// Get returns the current snapshot of a job.
func (m *Manager) Get(id string) (Snapshot, bool) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return job.Snapshot(), true
}

// Cancel requests cancellation of a job. Idempotent: cancelling an unknown
// or already-terminal job is a no-op.
func (m *Manager) Cancel(id string) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	m.mu.Unlock()
	if ok {
		job.Cancel()
	}
}

// Subscribe opens a live snapshot feed for a job, starting with the next
// published snapshot (no replay). Callers wanting the current state first
// should Get before subscribing and reconcile via monotonic stage progress.
func (m *Manager) Subscribe(id string) (<-chan Snapshot, func(), bool) {
	m.mu.Lock()
	_, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return nil, nil, false
	}
	ch, cancel := m.bus.Subscribe(id)
	return ch, cancel, true
}

func (m *Manager) sweepLoop() {
	t := time.NewTicker(m.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.sweep(time.Now())
		}
	}
}

// sweep evicts jobs that have been terminal for longer than Retention,
// tearing down their subscriptions and recording them to history.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	var evict []*Job
	for id, job := range m.jobs {
		job.mu.Lock()
		expired := job.state.Terminal() && now.Sub(job.finished) >= m.Retention
		job.mu.Unlock()
		if expired {
			evict = append(evict, job)
			delete(m.jobs, id)
		}
	}
	m.mu.Unlock()

	for _, job := range evict {
		snap := job.Snapshot()
		m.bus.Close(job.ID())
		if m.History != nil {
			if err := m.History.Record(snap); err != nil {
				slog.Error("Could not record job history", "job", job.ID(), "err", err)
			}
		}
		slog.Info("Evicted terminal job", "job", job.ID(), "state", snap.State)
	}
}
