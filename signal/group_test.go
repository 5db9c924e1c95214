package signal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veos-project/veosd/task"
)

func TestGroupActionContinueRunsStoppedThreadsAndDropsStopClass(t *testing.T) {
	sh := &task.SigHand{}
	a := newTestTask(1, 1)
	b := newTestTask(2, 1)
	a.Sighand, b.Sighand = sh, sh
	a.SetState(task.Stop)
	b.SetState(task.Stop)
	bq := NewQueue()
	bq.Push(SIGTTOU, Info{Signo: SIGTTOU})
	b.Pending = bq

	GroupAction([]*task.Task{a, b}, GroupContinue, 0, nil, nil)

	require.Equal(t, task.Running, a.State())
	require.Equal(t, task.Running, b.State())
	require.False(t, bq.Has(SIGTTOU))
}

func TestGroupActionCleanThreadSkipsCaller(t *testing.T) {
	sh := &task.SigHand{}
	caller := newTestTask(1, 1)
	other := newTestTask(2, 1)
	caller.Sighand, other.Sighand = sh, sh

	GroupAction([]*task.Task{caller, other}, GroupCleanThread, 0, nil, caller)

	require.Equal(t, task.Running, caller.State())
	require.Equal(t, task.Stop, other.State())
}

func TestGroupActionMaskingRemovesSignoFromEveryQueue(t *testing.T) {
	sh := &task.SigHand{}
	a := newTestTask(1, 1)
	b := newTestTask(2, 1)
	a.Sighand, b.Sighand = sh, sh
	aq, bq := NewQueue(), NewQueue()
	aq.Push(SIGUSR1, Info{Signo: SIGUSR1})
	bq.Push(SIGUSR1, Info{Signo: SIGUSR1})
	a.Pending, b.Pending = aq, bq

	GroupAction([]*task.Task{a, b}, GroupMasking, SIGUSR1, nil, nil)

	require.False(t, aq.Has(SIGUSR1))
	require.False(t, bq.Has(SIGUSR1))
}

type fakeProcStatus struct {
	stopped map[int32]bool
}

func (f fakeProcStatus) IsStopped(pid int32) (bool, error) {
	return f.stopped[pid], nil
}

// TestGroupActionStopProcBreaksWalkOnFirstNonStoppedTask checks the
// STOPPROC rule's early exit: once one task's pseudo process isn't actually
// stopped yet, the walk leaves it and everything after it alone.
func TestGroupActionStopProcBreaksWalkOnFirstNonStoppedTask(t *testing.T) {
	a := newTestTask(1, 1)
	b := newTestTask(2, 1)
	proc := fakeProcStatus{stopped: map[int32]bool{1: true, 2: false}}

	GroupAction([]*task.Task{a, b}, GroupStopProc, 0, proc, nil)

	require.Equal(t, task.Stop, a.State())
	require.Equal(t, task.Running, b.State())
}

// TestGroupActionLockedDoesNotReacquireSigLock guards against a regression
// of the deadlock this package's locking split exists to avoid: a caller
// that already holds sighand.siglock (as Generator.sendLocked does for
// SIGCONT) must be able to drive the walk through GroupActionLocked without
// blocking on its own lock.
func TestGroupActionLockedDoesNotReacquireSigLock(t *testing.T) {
	sh := &task.SigHand{}
	a := newTestTask(1, 1)
	a.Sighand = sh
	a.SetState(task.Stop)

	sh.SigLock.Lock()
	defer sh.SigLock.Unlock()
	GroupActionLocked([]*task.Task{a}, GroupContinue, 0, nil, nil)

	require.Equal(t, task.Running, a.State())
}
