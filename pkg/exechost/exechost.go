// Package exechost abstracts the execution-hosting collaborator: the
// substrate that actually spawns and kills isolated execution contexts and
// supplies monotonic time. The trust core consumes this interface only
// through the operation layer and never owns the processes themselves.
package exechost

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle identifies a hosted execution context.
type Handle string

// Host is the execution substrate contract.
type Host interface {
	Spawn(name, image string) (Handle, error)
	Kill(h Handle) error
	IsAlive(h Handle) bool
	Now() time.Time
}

// LocalHost is an in-process Host for tests and single-node operation.
// Handles are opaque uuids; "processes" are bookkeeping entries only.
type LocalHost struct {
	mu    sync.Mutex
	alive map[Handle]string
	clock func() time.Time
}

// NewLocalHost returns a LocalHost on the wall clock.
func NewLocalHost() *LocalHost {
	return &LocalHost{alive: make(map[Handle]string), clock: time.Now}
}

// WithClock overrides the clock for testing.
func (h *LocalHost) WithClock(clock func() time.Time) *LocalHost {
	h.clock = clock
	return h
}

func (h *LocalHost) Spawn(name, image string) (Handle, error) {
	if name == "" {
		return "", fmt.Errorf("exechost: name must not be empty")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	handle := Handle(uuid.New().String())
	h.alive[handle] = name
	return handle, nil
}

func (h *LocalHost) Kill(handle Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.alive[handle]; !ok {
		return fmt.Errorf("exechost: unknown handle %s", handle)
	}
	delete(h.alive, handle)
	return nil
}

func (h *LocalHost) IsAlive(handle Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.alive[handle]
	return ok
}

func (h *LocalHost) Now() time.Time {
	return h.clock()
}
