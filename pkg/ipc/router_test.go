package ipc_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cypher-asi/zero-os-sub004/pkg/errcode"
	"github.com/cypher-asi/zero-os-sub004/pkg/ipc"
)

func TestRegisterProcess_StartsReady(t *testing.T) {
	r := ipc.NewRouter()
	r.RegisterProcess(1)

	assert.Equal(t, ipc.Ready, r.RunStateOf(1))
	// Unknown processes are zombies.
	assert.Equal(t, ipc.Zombie, r.RunStateOf(99))
}

func TestRunState_Transitions(t *testing.T) {
	r := ipc.NewRouter()
	r.RegisterProcess(1)

	require.NoError(t, r.SetRunning(1))
	assert.Equal(t, ipc.Running, r.RunStateOf(1))

	require.NoError(t, r.Yield(1))
	assert.Equal(t, ipc.Ready, r.RunStateOf(1))

	// Yield from Ready is a no-op, not an error.
	require.NoError(t, r.Yield(1))

	err := r.SetRunning(99)
	assert.True(t, errors.Is(err, errcode.ErrInvalidArgument))
}

func TestSendReceive_FIFO(t *testing.T) {
	r := ipc.NewRouter()
	r.CreateQueue(1, 4)

	for i := uint32(0); i < 3; i++ {
		require.NoError(t, r.Send(1, ipc.Message{From: 1, Tag: i}))
	}

	for i := uint32(0); i < 3; i++ {
		msg, err := r.Receive(1)
		require.NoError(t, err)
		assert.Equal(t, i, msg.Tag)
	}
}

func TestSend_QueueBoundNeverExceeded(t *testing.T) {
	r := ipc.NewRouter()
	r.CreateQueue(1, 2)

	require.NoError(t, r.Send(1, ipc.Message{From: 1}))
	require.NoError(t, r.Send(1, ipc.Message{From: 1}))

	err := r.Send(1, ipc.Message{From: 1})
	assert.True(t, errors.Is(err, errcode.ErrBusy))
	assert.Equal(t, 2, r.QueueLen(1))

	// Draining one slot admits exactly one more.
	_, err = r.Receive(1)
	require.NoError(t, err)
	require.NoError(t, r.Send(1, ipc.Message{From: 1}))
	err = r.Send(1, ipc.Message{From: 1})
	assert.True(t, errors.Is(err, errcode.ErrBusy))
}

func TestSend_UnknownEndpoint(t *testing.T) {
	r := ipc.NewRouter()

	err := r.Send(9, ipc.Message{From: 1})
	assert.True(t, errors.Is(err, errcode.ErrNotFound))
	_, err = r.Receive(9)
	assert.True(t, errors.Is(err, errcode.ErrNotFound))
}

func TestReceive_EmptyWouldBlock(t *testing.T) {
	r := ipc.NewRouter()
	r.CreateQueue(1, 4)

	_, err := r.Receive(1)
	assert.True(t, errors.Is(err, errcode.ErrWouldBlock))
}

func TestBlock_OnlyOnEmptyEndpoint(t *testing.T) {
	r := ipc.NewRouter()
	r.RegisterProcess(1)
	r.CreateQueue(1, 4)

	require.NoError(t, r.Send(1, ipc.Message{From: 2}))
	err := r.Block(1, 1)
	assert.True(t, errors.Is(err, errcode.ErrBusy), "message already pending, receive instead")

	_, err = r.Receive(1)
	require.NoError(t, err)
	require.NoError(t, r.Block(1, 1))
	assert.Equal(t, ipc.Blocked, r.RunStateOf(1))

	// Blocked processes cannot block again.
	err = r.Block(1, 1)
	assert.True(t, errors.Is(err, errcode.ErrInvalidArgument))
}

func TestWakeEligible_WakesReader(t *testing.T) {
	r := ipc.NewRouter()
	r.RegisterProcess(1)
	r.CreateQueue(1, 4)
	require.NoError(t, r.Block(1, 1))

	// Nothing to read yet.
	woken := r.WakeEligible(func(pid, ep uint64) bool { return true })
	assert.Empty(t, woken)

	require.NoError(t, r.Send(1, ipc.Message{From: 2}))

	// Still blocked if the process cannot read the endpoint.
	woken = r.WakeEligible(func(pid, ep uint64) bool { return false })
	assert.Empty(t, woken)
	assert.Equal(t, ipc.Blocked, r.RunStateOf(1))

	woken = r.WakeEligible(func(pid, ep uint64) bool { return true })
	assert.Equal(t, []uint64{1}, woken)
	assert.Equal(t, ipc.Ready, r.RunStateOf(1))
}

func TestWakeEligible_AnyReadableEndpointUnblocks(t *testing.T) {
	r := ipc.NewRouter()
	r.RegisterProcess(1)
	r.CreateQueue(1, 4)
	r.CreateQueue(2, 4)
	require.NoError(t, r.Block(1, 1))

	// A message on a different endpoint the process can read still wakes it.
	require.NoError(t, r.Send(2, ipc.Message{From: 3}))
	woken := r.WakeEligible(func(pid, ep uint64) bool { return ep == 2 })
	assert.Equal(t, []uint64{1}, woken)
}

func TestWakeEligible_EventuallyWakesEveryEligible(t *testing.T) {
	r := ipc.NewRouter()
	for pid := uint64(1); pid <= 3; pid++ {
		r.RegisterProcess(pid)
	}
	r.CreateQueue(1, 8)
	for pid := uint64(1); pid <= 3; pid++ {
		require.NoError(t, r.Block(pid, 1))
	}
	require.NoError(t, r.Send(1, ipc.Message{From: 9}))

	// All three can read; a single scan must wake all of them regardless
	// of where the rotating cursor starts.
	woken := r.WakeEligible(func(pid, ep uint64) bool { return true })
	assert.ElementsMatch(t, []uint64{1, 2, 3}, woken)
	for pid := uint64(1); pid <= 3; pid++ {
		assert.Equal(t, ipc.Ready, r.RunStateOf(pid))
	}
}

func TestKill_TerminalZombie(t *testing.T) {
	r := ipc.NewRouter()
	r.RegisterProcess(1)
	r.CreateQueue(1, 4)
	require.NoError(t, r.Block(1, 1))

	require.NoError(t, r.Kill(1))
	assert.Equal(t, ipc.Zombie, r.RunStateOf(1))

	// Terminal: no way back.
	err := r.Kill(1)
	assert.True(t, errors.Is(err, errcode.ErrInvalidArgument))
	assert.True(t, errors.Is(r.Yield(1), errcode.ErrInvalidArgument))
	assert.True(t, errors.Is(r.Block(1, 1), errcode.ErrInvalidArgument))

	// A killed process is no longer in the wake scan.
	require.NoError(t, r.Send(1, ipc.Message{From: 2}))
	woken := r.WakeEligible(func(pid, ep uint64) bool { return true })
	assert.Empty(t, woken)
}

func TestKill_UnknownPid(t *testing.T) {
	r := ipc.NewRouter()

	err := r.Kill(99)
	assert.True(t, errors.Is(err, errcode.ErrNotFound))
	// The failed kill materializes no run-state entry; unknown pids keep
	// reporting Zombie by default.
	assert.Equal(t, ipc.Zombie, r.RunStateOf(99))
}

func TestDestroyQueue_DropsMessages(t *testing.T) {
	r := ipc.NewRouter()
	r.CreateQueue(1, 4)
	require.NoError(t, r.Send(1, ipc.Message{From: 1}))

	r.DestroyQueue(1)
	assert.Equal(t, 0, r.QueueLen(1))
	err := r.Send(1, ipc.Message{From: 1})
	assert.True(t, errors.Is(err, errcode.ErrNotFound))
}
