package flashjob

import "sync"

// Bus broadcasts job snapshots to live subscribers, per job id. A new
// subscription sees only snapshots published after it was opened: nothing is
// replayed. Slow subscribers are coalesced to the latest snapshot and never
// block the publishing job.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan Snapshot
	nextID int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]chan Snapshot)}
}

// Subscribe opens a subscription for a job id. The returned cancel function
// is idempotent and must be called to release the subscription.
func (b *Bus) Subscribe(jobID string) (<-chan Snapshot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[int]chan Snapshot)
	}
	id := b.nextID
	b.nextID++
	// Buffer of one: Publish overwrites rather than blocks, so a stalled
	// reader observes the latest snapshot when it resumes.
	ch := make(chan Snapshot, 1)
	b.subs[jobID][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.subs[jobID]; ok {
				if c, ok := subs[id]; ok {
					delete(subs, id)
					close(c)
				}
				if len(subs) == 0 {
					delete(b.subs, jobID)
				}
			}
		})
	}
	return ch, cancel
}

// Publish delivers a snapshot to all current subscribers of its job.
func (b *Bus) Publish(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[snap.ID] {
		select {
		case ch <- snap:
		default:
			// Subscriber lagging: drop its stale snapshot, deliver the
			// newest. Stage progress is monotonic, so skipping
			// intermediate snapshots is safe for consumers.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// Close tears down all subscriptions for a job id, closing their channels.
// Called when the job is evicted.
func (b *Bus) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[jobID] {
		close(ch)
	}
	delete(b.subs, jobID)
}
