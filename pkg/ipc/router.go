// Package ipc implements the endpoint message-queue protocol: bounded FIFO
// queues, the process run-state machine and the block/unblock discipline
// for the surrounding scheduler.
//
// Queue contents are transient, audit-only data: they are never part of
// commits, replayed state or the state hash. Endpoint
// existence, ownership and bound are replayed state and live in pkg/state;
// the router mirrors only what it needs to move messages.
package ipc

import (
	"sort"
	"sync"

	"github.com/cypher-asi/zero-os-sub004/pkg/errcode"
)

// RunState is a process's scheduler-visible state. Ready/Running/Blocked
// are transient; Zombie is terminal and mirrors the process-exited commit.
type RunState string

const (
	Ready   RunState = "ready"
	Running RunState = "running"
	Blocked RunState = "blocked"
	Zombie  RunState = "zombie"
)

// Message is one queued IPC message. Bytes are opaque to the kernel. If
// the send transferred a capability, CapSlot names the receiver-space slot
// the token was installed into.
type Message struct {
	From    uint64  `json:"from"`
	Tag     uint32  `json:"tag"`
	Data    []byte  `json:"data"`
	CapSlot *uint32 `json:"cap_slot,omitempty"`
}

type queue struct {
	bound int
	msgs  []Message
}

// Router owns every endpoint queue and the run-state table. All access is
// serialized under one lock, so a queue append is a single insertion point
// with no torn writes even under concurrent senders.
type Router struct {
	mu      sync.Mutex
	queues  map[uint64]*queue
	run     map[uint64]RunState
	blocked map[uint64]uint64 // pid -> endpoint it parked on

	// rrCursor rotates the wake scan start so no blocked process is
	// starved when several are eligible (liveness).
	rrCursor int
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{
		queues:  make(map[uint64]*queue),
		run:     make(map[uint64]RunState),
		blocked: make(map[uint64]uint64),
	}
}

// RegisterProcess enters a new process in Ready state.
func (r *Router) RegisterProcess(pid uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.run[pid]; !ok {
		r.run[pid] = Ready
	}
}

// RunStateOf returns the run state of pid, defaulting to Zombie for
// unknown processes.
func (r *Router) RunStateOf(pid uint64) RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.run[pid]; ok {
		return st
	}
	return Zombie
}

// SetRunning marks a Ready process Running. Scheduler convenience.
func (r *Router) SetRunning(pid uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run[pid] != Ready {
		return errcode.New(errcode.InvalidArgument, "process %d not ready", pid)
	}
	r.run[pid] = Running
	return nil
}

// Yield returns a Running process to Ready.
func (r *Router) Yield(pid uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.run[pid] {
	case Running:
		r.run[pid] = Ready
		return nil
	case Ready:
		return nil
	default:
		return errcode.New(errcode.InvalidArgument, "process %d cannot yield", pid)
	}
}

// CreateQueue installs the transient queue for a newly committed endpoint.
func (r *Router) CreateQueue(endpointID uint64, bound int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[endpointID] = &queue{bound: bound}
}

// DestroyQueue drops an endpoint's queue and any pending messages.
func (r *Router) DestroyQueue(endpointID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queues, endpointID)
}

// QueueLen returns the number of pending messages on an endpoint.
func (r *Router) QueueLen(endpointID uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[endpointID]
	if !ok {
		return 0
	}
	return len(q.msgs)
}

// Send appends a message. Busy when the queue is at its bound; callers
// back off and retry. The append never exceeds the bound.
func (r *Router) Send(endpointID uint64, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[endpointID]
	if !ok {
		return errcode.New(errcode.NotFound, "endpoint %d has no queue", endpointID)
	}
	if len(q.msgs) >= q.bound {
		return errcode.New(errcode.Busy, "endpoint %d queue full", endpointID)
	}
	q.msgs = append(q.msgs, msg)
	return nil
}

// Receive pops the oldest message (FIFO). Non-blocking: WouldBlock when
// the queue is empty.
func (r *Router) Receive(endpointID uint64) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[endpointID]
	if !ok {
		return Message{}, errcode.New(errcode.NotFound, "endpoint %d has no queue", endpointID)
	}
	if len(q.msgs) == 0 {
		return Message{}, errcode.New(errcode.WouldBlock, "endpoint %d queue empty", endpointID)
	}
	msg := q.msgs[0]
	q.msgs = q.msgs[1:]
	return msg, nil
}

// Block parks a Ready/Running process on an empty endpoint. Busy when the
// endpoint already has messages (the caller should receive instead).
func (r *Router) Block(pid, endpointID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.run[pid]
	if st != Ready && st != Running {
		return errcode.New(errcode.InvalidArgument, "process %d cannot block from %s", pid, st)
	}
	q, ok := r.queues[endpointID]
	if !ok {
		return errcode.New(errcode.NotFound, "endpoint %d has no queue", endpointID)
	}
	if len(q.msgs) > 0 {
		return errcode.New(errcode.Busy, "endpoint %d has pending messages", endpointID)
	}
	r.run[pid] = Blocked
	r.blocked[pid] = endpointID
	return nil
}

// WakeEligible transitions Blocked processes back to Ready when some
// endpoint they can read from is non-empty. canRead answers whether a pid
// holds read capability on an endpoint; the gateway supplies it from the
// authoritative capability state. The scan starts at a rotating cursor
// over the sorted blocked set so every eligible process is eventually
// woken. Returns the woken pids.
func (r *Router) WakeEligible(canRead func(pid, endpointID uint64) bool) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	pids := make([]uint64, 0, len(r.blocked))
	for pid := range r.blocked {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	if len(pids) == 0 {
		return nil
	}

	var woken []uint64
	start := r.rrCursor % len(pids)
	for i := 0; i < len(pids); i++ {
		pid := pids[(start+i)%len(pids)]
		if r.eligible(pid, canRead) {
			r.run[pid] = Ready
			delete(r.blocked, pid)
			woken = append(woken, pid)
		}
	}
	r.rrCursor++
	return woken
}

// eligible assumes r.mu is held: any readable non-empty endpoint unblocks.
func (r *Router) eligible(pid uint64, canRead func(pid, endpointID uint64) bool) bool {
	for epID, q := range r.queues {
		if len(q.msgs) > 0 && canRead(pid, epID) {
			return true
		}
	}
	return false
}

// Kill moves a process to Zombie from any non-Zombie state and clears its
// scheduler bookkeeping. Capability clearing is the state reducer's job,
// in the same commit batch as the process-exited record.
func (r *Router) Kill(pid uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.run[pid]
	if !ok {
		return errcode.New(errcode.NotFound, "process %d never registered", pid)
	}
	if st == Zombie {
		return errcode.New(errcode.InvalidArgument, "process %d already zombie", pid)
	}
	r.run[pid] = Zombie
	delete(r.blocked, pid)
	return nil
}
