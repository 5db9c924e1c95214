package signal

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/veos-project/veosd/task"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestTask(pid, tgid int32) *task.Task {
	return &task.Task{PID: pid, TGID: tgid, Sighand: &task.SigHand{}}
}

func TestSendEnforcesRealtimeLimit(t *testing.T) {
	g := NewGenerator(testLogger(), 2, nil, nil)
	tsk := newTestTask(1, 1)

	for i := 0; i < 2; i++ {
		_, err := g.Send(tsk, SIGRTMIN, SendOpts{})
		require.NoError(t, err)
	}
	_, err := g.Send(tsk, SIGRTMIN, SendOpts{}) // third one should be dropped, not erred
	require.NoError(t, err)

	queue := tsk.Pending.(*Queue)
	require.Equal(t, 2, queue.Total())
}

// TestSendSigPrivBypassesRealtimeLimit is a regression test for the minor
// review bug: SEND_SIG_PRIV must never be dropped by RLIMIT_SIGPENDING,
// regardless of whether the caller also set SenderPrivileged.
func TestSendSigPrivBypassesRealtimeLimit(t *testing.T) {
	g := NewGenerator(testLogger(), 2, nil, nil)
	tsk := newTestTask(1, 1)

	for i := 0; i < 2; i++ {
		_, err := g.Send(tsk, SIGRTMIN, SendOpts{})
		require.NoError(t, err)
	}
	_, err := g.Send(tsk, SIGRTMIN, SendOpts{Info: SendSigPriv})
	require.NoError(t, err)

	queue := tsk.Pending.(*Queue)
	require.Equal(t, 3, queue.Total())
}

func TestSendCollapsesDuplicateNonRealtimeSignal(t *testing.T) {
	g := NewGenerator(testLogger(), 10, nil, nil)
	tsk := newTestTask(1, 1)

	_, err := g.Send(tsk, SIGUSR1, SendOpts{})
	require.NoError(t, err)
	_, err = g.Send(tsk, SIGUSR1, SendOpts{})
	require.NoError(t, err)

	queue := tsk.Pending.(*Queue)
	require.Equal(t, 1, queue.Total())
}

// TestSendSIGCONTRunsWholeThreadGroup is a regression test for the group.go
// wiring bug: SIGCONTINUE must transition every stopped thread in the
// group to RUNNING and drop stop-class records from every thread's queue,
// not just the signaled task's.
func TestSendSIGCONTRunsWholeThreadGroup(t *testing.T) {
	registry := task.New()
	leader := newTestTask(1, 1)
	other := newTestTask(2, 1)
	other.Sighand = leader.Sighand // same thread group shares one SigHand
	registry.Add(leader)
	registry.Add(other)

	other.SetState(task.Stop)
	otherQueue := NewQueue()
	otherQueue.Push(SIGTSTP, Info{Signo: SIGTSTP})
	other.Pending = otherQueue

	g := NewGenerator(testLogger(), 10, nil, registry)
	_, err := g.Send(leader, SIGCONT, SendOpts{})
	require.NoError(t, err)

	require.Equal(t, task.Running, other.State())
	require.False(t, otherQueue.Has(SIGTSTP))
}

func TestKillSendsSIGKILLUnconditionally(t *testing.T) {
	g := NewGenerator(testLogger(), 1, nil, nil)
	tsk := newTestTask(1, 1)
	// Fill the pending queue to its limit first; Kill must still queue.
	_, err := g.Send(tsk, SIGRTMIN, SendOpts{})
	require.NoError(t, err)

	require.NoError(t, g.Kill(tsk, 0))

	queue := tsk.Pending.(*Queue)
	require.True(t, queue.Has(SIGKILL))
}
