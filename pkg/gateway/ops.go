package gateway

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/cypher-asi/zero-os-sub004/pkg/canonical"
	"github.com/cypher-asi/zero-os-sub004/pkg/captable"
	"github.com/cypher-asi/zero-os-sub004/pkg/commitlog"
	"github.com/cypher-asi/zero-os-sub004/pkg/errcode"
	"github.com/cypher-asi/zero-os-sub004/pkg/ipc"
)

// ObjectTypeEndpoint is the object type of endpoint capabilities.
const ObjectTypeEndpoint = "endpoint"

// execute runs the authorized portion of a dispatch: capability checks,
// operation logic, commit production. Called with g.mu held. Any returned
// error means zero commits were appended.
func (g *Gateway) execute(sender uint64, op Opcode, args Args, reqID canonical.ID, ts time.Time) (Result, error) {
	if !g.st.ProcessAlive(sender) {
		return Result{}, errcode.New(errcode.NotFound, "sender %d not alive", sender)
	}

	switch op {
	case OpDebugWrite:
		if args.Debug == nil {
			return Result{}, errcode.New(errcode.InvalidArgument, "missing debug args")
		}
		g.log.Info("debug", "pid", sender, "msg", args.Debug.Message)
		return Result{}, nil

	case OpGetTime:
		return marshalResult(GetTimeResult{UnixNano: ts.UnixNano()})

	case OpGetPid:
		return marshalResult(GetPidResult{PID: sender})

	case OpGrant:
		if args.Grant == nil {
			return Result{}, errcode.New(errcode.InvalidArgument, "missing grant args")
		}
		return g.opGrant(sender, args.Grant.ParentSlot, args.Grant.Grantee, args.Grant.Perms, reqID, ts)

	case OpDerive:
		if args.Derive == nil {
			return Result{}, errcode.New(errcode.InvalidArgument, "missing derive args")
		}
		// Derive is grant to oneself with reduced permissions: identical
		// rule, same target space.
		return g.opGrant(sender, args.Derive.ParentSlot, sender, args.Derive.Perms, reqID, ts)

	case OpRevoke:
		if args.Revoke == nil {
			return Result{}, errcode.New(errcode.InvalidArgument, "missing revoke args")
		}
		return g.opRevoke(sender, args.Revoke.Slot, reqID, ts)

	case OpDelete:
		if args.Delete == nil {
			return Result{}, errcode.New(errcode.InvalidArgument, "missing delete args")
		}
		return g.opDelete(sender, args.Delete.Slot, reqID, ts)

	case OpUpdate:
		if args.Update == nil {
			return Result{}, errcode.New(errcode.InvalidArgument, "missing update args")
		}
		return g.opUpdate(sender, args.Update, reqID, ts)

	case OpEndpointCreate:
		if args.EndpointCreate == nil {
			return Result{}, errcode.New(errcode.InvalidArgument, "missing endpoint_create args")
		}
		return g.opEndpointCreate(sender, args.EndpointCreate.Bound, reqID, ts)

	case OpSend:
		if args.Send == nil {
			return Result{}, errcode.New(errcode.InvalidArgument, "missing send args")
		}
		return g.opSend(sender, args.Send.EndpointSlot, ipc.Message{
			From: sender, Tag: args.Send.Tag, Data: args.Send.Data,
		}, nil, reqID, ts)

	case OpSendCap:
		if args.SendCap == nil {
			return Result{}, errcode.New(errcode.InvalidArgument, "missing send_cap args")
		}
		return g.opSend(sender, args.SendCap.EndpointSlot, ipc.Message{
			From: sender, Tag: args.SendCap.Tag, Data: args.SendCap.Data,
		}, &args.SendCap.CapSlot, reqID, ts)

	case OpReceive:
		if args.Receive == nil {
			return Result{}, errcode.New(errcode.InvalidArgument, "missing receive args")
		}
		return g.opReceive(sender, args.Receive.EndpointSlot, ts)

	case OpSpawn:
		if args.Spawn == nil {
			return Result{}, errcode.New(errcode.InvalidArgument, "missing spawn args")
		}
		return g.opSpawn(sender, args.Spawn.Name, args.Spawn.Image, reqID, ts)

	case OpExit:
		return g.opExit(sender, reqID, ts)

	case OpYield:
		if err := g.router.Yield(sender); err != nil {
			return Result{}, err
		}
		return Result{}, nil

	default:
		return Result{}, errcode.New(errcode.NotImplemented, "opcode 0x%02x", uint16(op))
	}
}

func (g *Gateway) opGrant(sender uint64, parentSlot uint32, grantee uint64, perms captable.Perms, reqID canonical.ID, ts time.Time) (Result, error) {
	space, ok := g.st.Space(sender)
	if !ok {
		return Result{}, errcode.New(errcode.NotFound, "no space for sender %d", sender)
	}
	// Parent must be present, unrevoked and unexpired.
	parent, err := space.Check(parentSlot, "", captable.Perms{}, g.st.Revoked, ts)
	if err != nil {
		return Result{}, err
	}
	// Non-escalation: requested bits must be a subset of the parent's.
	// Checked before grant authority so an escalation attempt reports
	// invalid_argument regardless of the parent's grant bit.
	if err := captable.CheckDerive(parent, perms); err != nil {
		return Result{}, err
	}
	if !parent.Perms.Grant {
		return Result{}, errcode.New(errcode.PermissionDenied, "slot %d lacks grant authority", parentSlot)
	}
	if !g.st.ProcessAlive(grantee) {
		return Result{}, errcode.New(errcode.NotFound, "grantee %d not alive", grantee)
	}
	target, ok := g.st.Space(grantee)
	if !ok {
		return Result{}, errcode.New(errcode.NotFound, "no space for grantee %d", grantee)
	}

	// Same object and generation as the parent: the new token joins the
	// parent's revocation domain.
	token, err := captable.New(parent.ObjectType, parent.ObjectID, perms, parent.Generation, parent.ExpiresAt, parent.ID, reqID)
	if err != nil {
		return Result{}, err
	}
	slot := target.FreeSlot()

	ids, err := g.commit([]commitlog.Mutation{{
		Kind: commitlog.MutCapabilityInserted,
		CapabilityInserted: &commitlog.CapabilityInserted{
			PID: grantee, Slot: slot, Capability: token,
		},
	}}, reqID, ts)
	if err != nil {
		return Result{}, err
	}
	return marshalResultWithCommits(GrantResult{Slot: slot, CapabilityID: token.ID}, ids)
}

func (g *Gateway) opRevoke(sender uint64, slot uint32, reqID canonical.ID, ts time.Time) (Result, error) {
	space, ok := g.st.Space(sender)
	if !ok {
		return Result{}, errcode.New(errcode.NotFound, "no space for sender %d", sender)
	}
	// Revoking a domain requires holding a live token of that domain
	// with grant authority; the token itself stays in place until
	// deleted or collected.
	tok, err := space.Check(slot, "", captable.Perms{Grant: true}, g.st.Revoked, ts)
	if err != nil {
		return Result{}, err
	}

	ids, err := g.commit([]commitlog.Mutation{{
		Kind: commitlog.MutGenerationRevoked,
		GenerationRevoked: &commitlog.GenerationRevoked{
			ObjectID: tok.ObjectID, Generation: tok.Generation,
		},
	}}, reqID, ts)
	if err != nil {
		return Result{}, err
	}
	return Result{CommitIDs: ids}, nil
}

func (g *Gateway) opDelete(sender uint64, slot uint32, reqID canonical.ID, ts time.Time) (Result, error) {
	space, ok := g.st.Space(sender)
	if !ok {
		return Result{}, errcode.New(errcode.NotFound, "no space for sender %d", sender)
	}
	if _, ok := space.Get(slot); !ok {
		return Result{}, errcode.New(errcode.InvalidSlot, "slot %d empty", slot)
	}

	ids, err := g.commit([]commitlog.Mutation{{
		Kind:              commitlog.MutCapabilityRemoved,
		CapabilityRemoved: &commitlog.CapabilityRemoved{PID: sender, Slot: slot},
	}}, reqID, ts)
	if err != nil {
		return Result{}, err
	}
	return Result{CommitIDs: ids}, nil
}

func (g *Gateway) opUpdate(sender uint64, args *UpdateArgs, reqID canonical.ID, ts time.Time) (Result, error) {
	space, ok := g.st.Space(sender)
	if !ok {
		return Result{}, errcode.New(errcode.NotFound, "no space for sender %d", sender)
	}
	cur, err := space.Check(args.Slot, "", captable.Perms{}, g.st.Revoked, ts)
	if err != nil {
		return Result{}, err
	}
	// Updates only narrow: the same non-escalation rule as derive.
	if err := captable.CheckDerive(cur, args.Perms); err != nil {
		return Result{}, err
	}

	ids, err := g.commit([]commitlog.Mutation{{
		Kind: commitlog.MutCapabilityUpdated,
		CapabilityUpdated: &commitlog.CapabilityUpdated{
			PID: sender, Slot: args.Slot, Perms: args.Perms, ExpiresAt: args.ExpiresAt,
		},
	}}, reqID, ts)
	if err != nil {
		return Result{}, err
	}
	return Result{CommitIDs: ids}, nil
}

func (g *Gateway) opEndpointCreate(sender uint64, bound int, reqID canonical.ID, ts time.Time) (Result, error) {
	if bound < 0 {
		return Result{}, errcode.New(errcode.InvalidArgument, "negative bound")
	}
	if bound == 0 {
		bound = g.queueBound
	}
	space, ok := g.st.Space(sender)
	if !ok {
		return Result{}, errcode.New(errcode.NotFound, "no space for sender %d", sender)
	}

	endpointID := g.st.NextObjectID
	generation := g.st.NextGeneration
	token, err := captable.New(ObjectTypeEndpoint, endpointID, captable.FullPerms(), generation, nil, "", reqID)
	if err != nil {
		return Result{}, err
	}
	slot := space.FreeSlot()

	// One authorized action, two state changes: endpoint existence plus
	// the owner's root token, appended as a single batch.
	ids, err := g.commit([]commitlog.Mutation{
		{
			Kind: commitlog.MutEndpointCreated,
			EndpointCreated: &commitlog.EndpointCreated{
				EndpointID: endpointID, Owner: sender, Bound: bound,
			},
		},
		{
			Kind: commitlog.MutCapabilityInserted,
			CapabilityInserted: &commitlog.CapabilityInserted{
				PID: sender, Slot: slot, Capability: token,
			},
		},
	}, reqID, ts)
	if err != nil {
		return Result{}, err
	}
	g.router.CreateQueue(endpointID, bound)
	return marshalResultWithCommits(EndpointCreateResult{
		EndpointID: endpointID, Slot: slot, CapabilityID: token.ID,
	}, ids)
}

func (g *Gateway) opSend(sender uint64, endpointSlot uint32, msg ipc.Message, transferSlot *uint32, reqID canonical.ID, ts time.Time) (Result, error) {
	space, ok := g.st.Space(sender)
	if !ok {
		return Result{}, errcode.New(errcode.NotFound, "no space for sender %d", sender)
	}
	epCap, err := space.Check(endpointSlot, ObjectTypeEndpoint, captable.Perms{Write: true}, g.st.Revoked, ts)
	if err != nil {
		return Result{}, err
	}
	ep, ok := g.st.Endpoints[epCap.ObjectID]
	if !ok {
		return Result{}, errcode.New(errcode.NotFound, "endpoint %d destroyed", epCap.ObjectID)
	}
	if g.router.QueueLen(ep.ID) >= ep.Bound {
		return Result{}, errcode.New(errcode.Busy, "endpoint %d queue full", ep.ID)
	}

	var ids []canonical.ID
	if transferSlot != nil {
		// Transfer moves the token into the owner's space; it never
		// aliases. The move is replayed state, the message is not.
		moved, ok := space.Get(*transferSlot)
		if !ok {
			return Result{}, errcode.New(errcode.InvalidSlot, "transfer slot %d empty", *transferSlot)
		}
		ownerSpace, ok := g.st.Space(ep.Owner)
		if !ok {
			return Result{}, errcode.New(errcode.NotFound, "no space for endpoint owner %d", ep.Owner)
		}
		destSlot := ownerSpace.FreeSlot()
		ids, err = g.commit([]commitlog.Mutation{
			{
				Kind:              commitlog.MutCapabilityRemoved,
				CapabilityRemoved: &commitlog.CapabilityRemoved{PID: sender, Slot: *transferSlot},
			},
			{
				Kind: commitlog.MutCapabilityInserted,
				CapabilityInserted: &commitlog.CapabilityInserted{
					PID: ep.Owner, Slot: destSlot, Capability: moved,
				},
			},
		}, reqID, ts)
		if err != nil {
			return Result{}, err
		}
		msg.CapSlot = &destSlot
	}

	if err := g.router.Send(ep.ID, msg); err != nil {
		// The bound was checked above under the dispatch lock and every
		// committed endpoint has a queue; a failure here means the
		// endpoint table and router diverged, which is a bug.
		panic(err)
	}
	g.wakeReaders()
	return Result{CommitIDs: ids}, nil
}

func (g *Gateway) opReceive(sender uint64, endpointSlot uint32, ts time.Time) (Result, error) {
	space, ok := g.st.Space(sender)
	if !ok {
		return Result{}, errcode.New(errcode.NotFound, "no space for sender %d", sender)
	}
	epCap, err := space.Check(endpointSlot, ObjectTypeEndpoint, captable.Perms{Read: true}, g.st.Revoked, ts)
	if err != nil {
		return Result{}, err
	}
	if _, ok := g.st.Endpoints[epCap.ObjectID]; !ok {
		return Result{}, errcode.New(errcode.NotFound, "endpoint %d destroyed", epCap.ObjectID)
	}

	msg, err := g.router.Receive(epCap.ObjectID)
	if err != nil {
		return Result{}, err
	}
	return marshalResult(ReceiveResult{Message: msg})
}

func (g *Gateway) opSpawn(sender uint64, name, image string, reqID canonical.ID, ts time.Time) (Result, error) {
	if name == "" {
		return Result{}, errcode.New(errcode.InvalidArgument, "empty process name")
	}
	handle, err := g.host.Spawn(name, image)
	if err != nil {
		return Result{}, errcode.New(errcode.OutOfMemory, "host spawn: %v", err)
	}

	pid := g.st.NextPID
	ids, err := g.commit([]commitlog.Mutation{{
		Kind:           commitlog.MutProcessCreated,
		ProcessCreated: &commitlog.ProcessCreated{PID: pid, Name: name},
	}}, reqID, ts)
	if err != nil {
		_ = g.host.Kill(handle)
		return Result{}, err
	}
	g.handles[pid] = handle
	g.router.RegisterProcess(pid)
	return marshalResultWithCommits(SpawnResult{PID: pid}, ids)
}

func (g *Gateway) opExit(sender uint64, reqID canonical.ID, ts time.Time) (Result, error) {
	muts, owned := g.exitMutations(sender)
	ids, err := g.commit(muts, reqID, ts)
	if err != nil {
		return Result{}, err
	}
	_ = g.router.Kill(sender)
	for _, epID := range owned {
		g.router.DestroyQueue(epID)
	}
	if h, ok := g.handles[sender]; ok {
		_ = g.host.Kill(h)
		delete(g.handles, sender)
	}
	return Result{CommitIDs: ids}, nil
}

// exitMutations builds the atomic teardown batch for a process: the exit
// record plus one endpoint-destroyed per endpoint it owns, in ascending
// id order so replay sees the same sequence. Pending messages on those
// endpoints are transient and simply dropped.
func (g *Gateway) exitMutations(pid uint64) ([]commitlog.Mutation, []uint64) {
	muts := []commitlog.Mutation{{
		Kind:          commitlog.MutProcessExited,
		ProcessExited: &commitlog.ProcessExited{PID: pid},
	}}
	var owned []uint64
	for id, ep := range g.st.Endpoints {
		if ep.Owner == pid {
			owned = append(owned, id)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i] < owned[j] })
	for _, id := range owned {
		muts = append(muts, commitlog.Mutation{
			Kind:              commitlog.MutEndpointDestroyed,
			EndpointDestroyed: &commitlog.EndpointDestroyed{EndpointID: id},
		})
	}
	return muts, owned
}

// wakeReaders unblocks processes that can now read a non-empty endpoint.
// Read authority is answered from the authoritative capability state.
func (g *Gateway) wakeReaders() {
	now := g.host.Now()
	g.router.WakeEligible(func(pid, endpointID uint64) bool {
		space, ok := g.st.Space(pid)
		if !ok {
			return false
		}
		for _, slot := range space.Slots() {
			c, _ := space.Get(slot)
			if c.ObjectType != ObjectTypeEndpoint || c.ObjectID != endpointID {
				continue
			}
			if _, err := space.Check(slot, ObjectTypeEndpoint, captable.Perms{Read: true}, g.st.Revoked, now); err == nil {
				return true
			}
		}
		return false
	})
}

func marshalResult(v interface{}) (Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Result{}, errcode.New(errcode.InvalidArgument, "encode result: %v", err)
	}
	return Result{Data: data}, nil
}

func marshalResultWithCommits(v interface{}, ids []canonical.ID) (Result, error) {
	res, err := marshalResult(v)
	if err != nil {
		return Result{}, err
	}
	res.CommitIDs = ids
	return res, nil
}
