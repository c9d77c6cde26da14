package firmware

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrFirmwareNotRegistered indicates a local-file descriptor referenced an
// unknown registry id.
var ErrFirmwareNotRegistered = errors.New("firmware not registered")

// Registry holds locally uploaded firmware buffers, keyed by generated id.
// Entries are retained until explicitly evicted: the same id may be reused
// when a flash is retried.
type Registry struct {
	mu      sync.RWMutex
	buffers map[string][]byte
}

func NewRegistry() *Registry {
	return &Registry{buffers: make(map[string][]byte)}
}

// Register stores a buffer and returns its generated id.
func (r *Registry) Register(data []byte) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.buffers[id] = data
	r.mu.Unlock()
	return id
}

// Get returns the buffer registered under id.
func (r *Registry) Get(id string) ([]byte, error) {
	r.mu.RLock()
	data, ok := r.buffers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFirmwareNotRegistered, id)
	}
	return data, nil
}

// Evict removes the buffer registered under id, if any.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	delete(r.buffers, id)
	r.mu.Unlock()
}

// Len returns the number of registered buffers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buffers)
}
