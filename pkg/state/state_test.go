package state_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cypher-asi/zero-os-sub004/pkg/captable"
	"github.com/cypher-asi/zero-os-sub004/pkg/commitlog"
	"github.com/cypher-asi/zero-os-sub004/pkg/state"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fold builds a log from genesis plus muts and applies every commit to a
// fresh state.
func fold(t *testing.T, cfg commitlog.GenesisConfig, muts ...commitlog.Mutation) (*state.State, *commitlog.Log) {
	t.Helper()
	l, err := commitlog.New(cfg, t0)
	require.NoError(t, err)
	for _, m := range muts {
		_, err := l.Append(m, "", t0)
		require.NoError(t, err)
	}
	st := state.Empty()
	for _, c := range l.Commits() {
		require.NoError(t, state.Apply(st, c))
	}
	return st, l
}

func rootToken(t *testing.T) captable.Capability {
	t.Helper()
	c, err := captable.New("endpoint", 1, captable.FullPerms(), 1, nil, "", "genesis")
	require.NoError(t, err)
	return c
}

func TestApply_Genesis(t *testing.T) {
	tok := rootToken(t)
	st, _ := fold(t, commitlog.GenesisConfig{
		RootName: "root",
		RootCaps: []commitlog.RootCap{{Slot: 0, Capability: tok}},
	})

	require.True(t, st.ProcessAlive(1))
	assert.Equal(t, "root", st.Processes[1].Name)

	sp, ok := st.Space(1)
	require.True(t, ok)
	got, ok := sp.Get(0)
	require.True(t, ok)
	assert.Equal(t, tok.ID, got.ID)

	// Generators sit past the genesis allocations.
	assert.Equal(t, uint64(2), st.NextPID)
	assert.Equal(t, uint64(2), st.NextObjectID)
	assert.Equal(t, uint64(2), st.NextGeneration)
	assert.Equal(t, uint64(0), st.AppliedSeq)
}

func TestApply_ProcessLifecycle(t *testing.T) {
	tok := rootToken(t)
	st, _ := fold(t, commitlog.GenesisConfig{RootName: "root"},
		commitlog.Mutation{
			Kind:           commitlog.MutProcessCreated,
			ProcessCreated: &commitlog.ProcessCreated{PID: 2, Name: "worker"},
		},
		commitlog.Mutation{
			Kind: commitlog.MutCapabilityInserted,
			CapabilityInserted: &commitlog.CapabilityInserted{
				PID: 2, Slot: 0, Capability: tok,
			},
		},
		commitlog.Mutation{
			Kind:          commitlog.MutProcessExited,
			ProcessExited: &commitlog.ProcessExited{PID: 2},
		},
	)

	// Zombies hold zero capabilities, permanently.
	assert.False(t, st.ProcessAlive(2))
	sp, ok := st.Space(2)
	require.True(t, ok)
	assert.Equal(t, 0, sp.Len())
	assert.Equal(t, uint64(3), st.AppliedSeq)
}

func TestApply_DuplicateProcessFails(t *testing.T) {
	l, err := commitlog.New(commitlog.GenesisConfig{RootName: "root"}, t0)
	require.NoError(t, err)
	_, err = l.Append(commitlog.Mutation{
		Kind:           commitlog.MutProcessCreated,
		ProcessCreated: &commitlog.ProcessCreated{PID: 1, Name: "imposter"},
	}, "", t0)
	require.NoError(t, err)

	st := state.Empty()
	commits := l.Commits()
	require.NoError(t, state.Apply(st, commits[0]))

	err = state.Apply(st, commits[1])
	require.Error(t, err)
	var aerr *state.ApplyError
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, uint64(1), aerr.Seq)
}

func TestApply_UnknownMutationFatal(t *testing.T) {
	l, err := commitlog.New(commitlog.GenesisConfig{RootName: "root"}, t0)
	require.NoError(t, err)
	_, err = l.Append(commitlog.Mutation{Kind: commitlog.MutationKind("warp_core")}, "", t0)
	require.NoError(t, err)

	st := state.Empty()
	commits := l.Commits()
	require.NoError(t, state.Apply(st, commits[0]))

	err = state.Apply(st, commits[1])
	assert.ErrorIs(t, err, state.ErrUnknownMutation)
}

func TestApply_RevocationAndGenerators(t *testing.T) {
	tok := rootToken(t)
	st, _ := fold(t, commitlog.GenesisConfig{RootName: "root"},
		commitlog.Mutation{
			Kind:            commitlog.MutEndpointCreated,
			EndpointCreated: &commitlog.EndpointCreated{EndpointID: 5, Owner: 1, Bound: 8},
		},
		commitlog.Mutation{
			Kind: commitlog.MutCapabilityInserted,
			CapabilityInserted: &commitlog.CapabilityInserted{
				PID: 1, Slot: 0, Capability: tok,
			},
		},
		commitlog.Mutation{
			Kind:              commitlog.MutGenerationRevoked,
			GenerationRevoked: &commitlog.GenerationRevoked{ObjectID: 1, Generation: 1},
		},
	)

	assert.True(t, st.Revoked.Revoked(tok))
	ep, ok := st.Endpoints[5]
	require.True(t, ok)
	assert.Equal(t, uint64(1), ep.Owner)
	assert.Equal(t, 8, ep.Bound)
	// Generators advance past every recorded allocation, never backwards.
	assert.Equal(t, uint64(6), st.NextObjectID)
	assert.Equal(t, uint64(2), st.NextGeneration)
}

func TestApply_CapabilityUpdated(t *testing.T) {
	tok := rootToken(t)
	exp := t0.Add(time.Hour)
	st, _ := fold(t, commitlog.GenesisConfig{
		RootName: "root",
		RootCaps: []commitlog.RootCap{{Slot: 0, Capability: tok}},
	},
		commitlog.Mutation{
			Kind: commitlog.MutCapabilityUpdated,
			CapabilityUpdated: &commitlog.CapabilityUpdated{
				PID: 1, Slot: 0, Perms: captable.Perms{Read: true}, ExpiresAt: &exp,
			},
		},
	)

	sp, _ := st.Space(1)
	got, ok := sp.Get(0)
	require.True(t, ok)
	assert.Equal(t, captable.Perms{Read: true}, got.Perms)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(exp))
}

func TestHash_Deterministic(t *testing.T) {
	tok := rootToken(t)
	cfg := commitlog.GenesisConfig{
		RootName: "root",
		RootCaps: []commitlog.RootCap{{Slot: 0, Capability: tok}},
	}
	muts := []commitlog.Mutation{
		{
			Kind:           commitlog.MutProcessCreated,
			ProcessCreated: &commitlog.ProcessCreated{PID: 2, Name: "worker"},
		},
		{
			Kind:            commitlog.MutEndpointCreated,
			EndpointCreated: &commitlog.EndpointCreated{EndpointID: 3, Owner: 2, Bound: 4},
		},
	}

	st1, _ := fold(t, cfg, muts...)
	st2, _ := fold(t, cfg, muts...)

	h1, err := state.Hash(st1)
	require.NoError(t, err)
	h2, err := state.Hash(st2)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHash_ExcludesAppliedSeq(t *testing.T) {
	st, _ := fold(t, commitlog.GenesisConfig{RootName: "root"})
	h1, err := state.Hash(st)
	require.NoError(t, err)

	st.AppliedSeq = 99
	h2, err := state.Hash(st)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestSnapshot_Roundtrip(t *testing.T) {
	tok := rootToken(t)
	st, _ := fold(t, commitlog.GenesisConfig{
		RootName: "root",
		RootCaps: []commitlog.RootCap{{Slot: 0, Capability: tok}},
	},
		commitlog.Mutation{
			Kind:           commitlog.MutProcessCreated,
			ProcessCreated: &commitlog.ProcessCreated{PID: 2, Name: "worker"},
		},
		commitlog.Mutation{
			Kind:              commitlog.MutGenerationRevoked,
			GenerationRevoked: &commitlog.GenerationRevoked{ObjectID: 1, Generation: 1},
		},
	)

	blob, err := state.EncodeSnapshot(state.Snapshot(st))
	require.NoError(t, err)

	doc, err := state.DecodeSnapshot(blob)
	require.NoError(t, err)
	restored, err := state.FromSnapshot(doc)
	require.NoError(t, err)

	h1, err := state.Hash(st)
	require.NoError(t, err)
	h2, err := state.Hash(restored)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, st.AppliedSeq, restored.AppliedSeq)
}

func TestClone_Independent(t *testing.T) {
	st, _ := fold(t, commitlog.GenesisConfig{RootName: "root"})
	cl := st.Clone()

	cl.Processes[9] = state.Process{PID: 9, Name: "ghost", Alive: true}
	cl.Revoked.Add(4, 4)

	_, ok := st.Processes[9]
	assert.False(t, ok)
	assert.Empty(t, st.Revoked)

	h1, err := state.Hash(st)
	require.NoError(t, err)
	h2, err := state.Hash(cl)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
