// Package gateway implements the verification gateway, the trust boundary
// every state-changing request must pass through. Dispatch verifies the
// sender from trusted context, records the request in the audit trail,
// checks capability authority, executes the operation, appends the
// resulting mutations to the commit log under one causal link and records
// the response. Failed requests produce exactly zero commits.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cypher-asi/zero-os-sub004/pkg/canonical"
	"github.com/cypher-asi/zero-os-sub004/pkg/captable"
	"github.com/cypher-asi/zero-os-sub004/pkg/commitlog"
	"github.com/cypher-asi/zero-os-sub004/pkg/errcode"
	"github.com/cypher-asi/zero-os-sub004/pkg/eventlog"
	"github.com/cypher-asi/zero-os-sub004/pkg/exechost"
	"github.com/cypher-asi/zero-os-sub004/pkg/ipc"
	"github.com/cypher-asi/zero-os-sub004/pkg/observability"
	"github.com/cypher-asi/zero-os-sub004/pkg/signer"
	"github.com/cypher-asi/zero-os-sub004/pkg/state"
)

// Persister is the slice of the durable store the gateway drives. Nil
// disables persistence (ephemeral kernel, used heavily in tests).
type Persister interface {
	PersistCommits(ctx context.Context, commits []commitlog.Commit) error
	PersistEvents(ctx context.Context, events []eventlog.Event) error
	SaveSnapshot(ctx context.Context, seq uint64, blob []byte) error
}

// Options configures a Gateway.
type Options struct {
	Host       exechost.Host
	Store      Persister
	Keyring    *signer.Keyring
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	QueueBound int
	// Durable makes every successful dispatch wait for the persistence
	// ack before returning.
	Durable bool
}

// Gateway orchestrates the logs, the capability state and the IPC router.
// One dispatch runs to completion at a time; the commit-log append inside
// it is the system's single serialization point.
type Gateway struct {
	mu sync.Mutex

	events  *eventlog.Log
	commits *commitlog.Log
	st      *state.State
	router  *ipc.Router

	host    exechost.Host
	store   Persister
	keyring *signer.Keyring
	log     *slog.Logger
	metrics *observability.Metrics

	queueBound int
	durable    bool

	handles map[uint64]exechost.Handle

	persistMu sync.Mutex
	// persistedSeq is the durable high-water mark; -1 before anything,
	// genesis included, has been persisted.
	persistedSeq int64
	eventMark    int
}

// New seeds a fresh kernel from a genesis configuration.
func New(cfg commitlog.GenesisConfig, opts Options) (*Gateway, error) {
	ts := opts.Host.Now()
	log, err := commitlog.New(cfg, ts)
	if err != nil {
		return nil, err
	}
	st := state.Empty()
	for _, c := range log.Commits() {
		if err := state.Apply(st, c); err != nil {
			return nil, err
		}
	}
	g, err := assemble(log, st, opts)
	if err != nil {
		return nil, err
	}
	// Nothing of this log exists in the store yet, genesis included.
	g.persistedSeq = -1
	g.flush(context.Background(), true)
	return g, nil
}

// Resume wraps an already-booted log and state (see pkg/replay.Boot).
func Resume(log *commitlog.Log, st *state.State, opts Options) (*Gateway, error) {
	return assemble(log, st, opts)
}

func assemble(log *commitlog.Log, st *state.State, opts Options) (*Gateway, error) {
	if opts.QueueBound <= 0 {
		opts.QueueBound = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	g := &Gateway{
		events:     eventlog.New(),
		commits:    log,
		st:         st,
		router:     ipc.NewRouter(),
		host:       opts.Host,
		store:      opts.Store,
		keyring:    opts.Keyring,
		log:        opts.Logger.With("component", "gateway"),
		metrics:    opts.Metrics,
		queueBound: opts.QueueBound,
		durable:    opts.Durable,
		handles:    make(map[uint64]exechost.Handle),
	}

	// Mirror replayed state into the transient router: live processes
	// are schedulable, existing endpoints get empty queues (contents are
	// transient and do not survive a boot).
	for pid, p := range st.Processes {
		if p.Alive {
			g.router.RegisterProcess(pid)
		}
	}
	for id, ep := range st.Endpoints {
		g.router.CreateQueue(id, ep.Bound)
	}
	g.persistedSeq = int64(st.AppliedSeq)
	return g, nil
}

// State returns the resident state. Callers must treat it as read-only;
// it is mutated only by commits applied inside dispatch.
func (g *Gateway) State() *state.State { return g.st }

// Events returns the audit trail.
func (g *Gateway) Events() *eventlog.Log { return g.events }

// Commits returns the commit log.
func (g *Gateway) Commits() *commitlog.Log { return g.commits }

// Router returns the IPC router, which the surrounding scheduler drives
// directly for block/yield decisions.
func (g *Gateway) Router() *ipc.Router { return g.router }

// Dispatch runs one operation to completion on behalf of the trusted
// caller. The returned error always carries a kernel error code; a nil
// error means the response payload and produced commit ids are in Result.
func (g *Gateway) Dispatch(ctx context.Context, caller CallerContext, op Opcode, args Args) (Result, error) {
	started := g.host.Now()
	sender := caller.PID()

	opName, known := op.EventOp()
	if !known {
		// Unknown opcodes are still audited: the request is recorded
		// under a synthetic name before being rejected.
		opName = eventlog.Op(op.String())
	}

	rawArgs, err := json.Marshal(args)
	if err != nil {
		return Result{}, errcode.New(errcode.InvalidArgument, "unencodable args: %v", err)
	}
	reqID, err := g.events.AppendRequest(sender, opName, rawArgs, started)
	if err != nil {
		return Result{}, err
	}

	var res Result
	var opErr error
	if !known {
		opErr = errcode.New(errcode.NotImplemented, "opcode 0x%02x", uint16(op))
	} else {
		g.mu.Lock()
		res, opErr = g.execute(sender, op, args, reqID, started)
		g.mu.Unlock()
	}

	done := g.host.Now()
	if opErr != nil {
		code := errcode.CodeOf(opErr)
		if _, aerr := g.events.AppendErr(reqID, code, done); aerr != nil {
			g.log.Error("append error response", "err", aerr)
		}
		g.log.Warn("dispatch failed", "op", op.String(), "sender", sender, "code", code.String())
		g.metrics.RecordDispatch(ctx, op.String(), false, done.Sub(started))
		g.flush(ctx, false)
		return Result{}, opErr
	}

	if _, aerr := g.events.AppendOk(reqID, res.Data, done); aerr != nil {
		g.log.Error("append ok response", "err", aerr)
	}
	g.log.Debug("dispatch ok", "op", op.String(), "sender", sender, "commits", len(res.CommitIDs))
	g.metrics.RecordDispatch(ctx, op.String(), true, done.Sub(started))
	g.flush(ctx, g.durable)
	return res, nil
}

// commit appends staged mutations as one atomic batch causally linked to
// the request, then applies them to the resident state so that resident
// state stays identical to a replay of the log.
func (g *Gateway) commit(muts []commitlog.Mutation, causedBy canonical.ID, ts time.Time) ([]canonical.ID, error) {
	if len(muts) == 0 {
		return nil, nil
	}
	ids, err := g.commits.AppendBatch(muts, causedBy, ts)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		c, _ := g.commits.ByID(id)
		if err := state.Apply(g.st, c); err != nil {
			// The batch was validated before append; an apply failure
			// here is a bug, and continuing would fork resident state
			// from the log.
			panic(err)
		}
	}
	return ids, nil
}

// flush pushes unpersisted commits and events to the durable store.
// Asynchronous by default; wait forces the dispatch to carry the
// durability ack. Persistence failures are logged and retried on the next
// flush: the commit log is the source of truth, the store a copy.
func (g *Gateway) flush(ctx context.Context, wait bool) {
	if g.store == nil {
		return
	}
	if !wait {
		go g.persistPending(context.WithoutCancel(ctx))
		return
	}
	g.persistPending(ctx)
}

func (g *Gateway) persistPending(ctx context.Context) {
	g.persistMu.Lock()
	defer g.persistMu.Unlock()

	var commits []commitlog.Commit
	if g.persistedSeq < 0 {
		commits = g.commits.Commits()
	} else {
		commits = g.commits.CommitsSince(uint64(g.persistedSeq))
	}
	events := g.events.Range(g.eventMark, g.events.Len())
	if len(commits) == 0 && len(events) == 0 {
		return
	}
	if err := g.store.PersistCommits(ctx, commits); err != nil {
		g.log.Error("persist commits", "err", err)
		return
	}
	if err := g.store.PersistEvents(ctx, events); err != nil {
		g.log.Error("persist events", "err", err)
		return
	}
	if n := len(commits); n > 0 {
		g.persistedSeq = int64(commits[n-1].Seq)
	}
	g.eventMark += len(events)
}

// AppendInternal admits a system-internal (non-syscall) mutation into the
// commit log, bypassing the audit trail. It is audited implicitly by its
// presence in the commit log, with no causal event link.
func (g *Gateway) AppendInternal(mut commitlog.Mutation, ts time.Time) (canonical.ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids, err := g.commit([]commitlog.Mutation{mut}, "", ts)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// KillProcess forcibly moves a process to zombie via the internal path,
// for host-driven termination (crash, OOM). The same teardown batch as a
// voluntary exit: capabilities cleared, owned endpoints destroyed.
func (g *Gateway) KillProcess(pid uint64, ts time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.st.ProcessAlive(pid) {
		return errcode.New(errcode.NotFound, "process %d not alive", pid)
	}
	muts, owned := g.exitMutations(pid)
	if _, err := g.commit(muts, "", ts); err != nil {
		return err
	}
	_ = g.router.Kill(pid)
	for _, epID := range owned {
		g.router.DestroyQueue(epID)
	}
	if h, ok := g.handles[pid]; ok {
		_ = g.host.Kill(h)
		delete(g.handles, pid)
	}
	return nil
}

// CollectExpired removes expired tokens through the internal path.
// Returns the number of tokens collected. Time-driven cleanup reaches the
// commit log without a syscall event, per the internal-append contract.
func (g *Gateway) CollectExpired(now time.Time) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var muts []commitlog.Mutation
	for pid, sp := range g.st.Spaces {
		for _, slot := range sp.Slots() {
			c, _ := sp.Get(slot)
			if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
				muts = append(muts, commitlog.Mutation{
					Kind:              commitlog.MutCapabilityRemoved,
					CapabilityRemoved: &commitlog.CapabilityRemoved{PID: pid, Slot: slot},
				})
			}
		}
	}
	if len(muts) == 0 {
		return 0, nil
	}
	if _, err := g.commit(muts, "", now); err != nil {
		return 0, err
	}
	return len(muts), nil
}

// TruncateEvents drops audit entries strictly older than the latest
// checkpoint commit. The checkpoint anchors retention: everything before
// it is summarized by the signed state hash in the chain, so the trail
// behind it may be shed. Fails when no checkpoint exists.
func (g *Gateway) TruncateEvents() (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp, ok := g.commits.LatestCheckpoint()
	if !ok {
		return 0, errcode.New(errcode.NotFound, "no checkpoint to anchor retention")
	}
	dropped := g.events.TruncateBefore(cp.Timestamp)

	g.persistMu.Lock()
	g.eventMark -= dropped
	if g.eventMark < 0 {
		g.eventMark = 0
	}
	g.persistMu.Unlock()
	return dropped, nil
}

// Block parks a process on an empty endpoint it can read, on behalf of
// the surrounding scheduler. Blocking is voluntary scheduler state, not a
// commit; the process wakes through the router's fairness scan when a
// readable endpoint becomes non-empty.
func (g *Gateway) Block(pid uint64, endpointSlot uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	space, ok := g.st.Space(pid)
	if !ok {
		return errcode.New(errcode.NotFound, "no space for process %d", pid)
	}
	epCap, err := space.Check(endpointSlot, ObjectTypeEndpoint, captable.Perms{Read: true}, g.st.Revoked, g.host.Now())
	if err != nil {
		return err
	}
	return g.router.Block(pid, epCap.ObjectID)
}

// Checkpoint snapshots the resident state, signs its hash and anchors it
// into the commit log. The snapshot blob is stored out of band keyed by
// the checkpoint commit's sequence.
func (g *Gateway) Checkpoint(ctx context.Context) (canonical.ID, error) {
	if g.keyring == nil {
		return "", errcode.New(errcode.NotImplemented, "no checkpoint keyring configured")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := g.st.Clone()
	stateHash, err := state.Hash(snap)
	if err != nil {
		return "", err
	}
	sig, err := g.keyring.SignHex([]byte(stateHash))
	if err != nil {
		return "", err
	}

	ts := g.host.Now()
	id, err := g.commits.AppendCheckpoint(stateHash, sig, g.keyring.PublicKeyHex(), ts)
	if err != nil {
		return "", err
	}
	cp, _ := g.commits.ByID(id)
	if err := state.Apply(g.st, cp); err != nil {
		panic(err)
	}

	if g.store != nil {
		snap.AppliedSeq = cp.Seq
		blob, err := state.EncodeSnapshot(state.Snapshot(snap))
		if err != nil {
			return "", err
		}
		if err := g.store.SaveSnapshot(ctx, cp.Seq, blob); err != nil {
			return "", err
		}
	}
	g.flush(ctx, true)
	return id, nil
}
