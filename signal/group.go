package signal

import (
	"github.com/veos-project/veosd/task"
)

// GroupMode selects one of the five group-action walks of spec §4.5.
type GroupMode int

const (
	GroupContinue GroupMode = iota
	GroupStopping
	GroupStopProc
	GroupCleanThread
	GroupMasking
)

// ProcStatusReader reports whether the pseudo process backing a task is
// actually stopped, consulted by STOPPROC before transitioning a task to
// STOP (spec §4.5).
type ProcStatusReader interface {
	IsStopped(pid int32) (bool, error)
}

// GroupAction iterates a thread group applying one of the five modes
// (spec §4.5). caller is the task to skip for CLEANTHREAD (spec: "skips
// the caller task itself"), or nil for the other modes.
//
// GroupContinue and GroupMasking touch each member's pending queue, which
// is guarded by sighand.siglock; since every member of a thread group shares
// the same *SigHand, GroupAction locks it once for the whole walk rather
// than per task. Callers that already hold that lock (signal generation's
// SIGCONT rule, spec §4.3) must use GroupActionLocked instead — sync.Mutex
// is not reentrant, so locking it again here would deadlock.
func GroupAction(group []*task.Task, mode GroupMode, signo int32, proc ProcStatusReader, caller *task.Task) {
	if needsSigLock(mode) && len(group) > 0 {
		group[0].Sighand.SigLock.Lock()
		defer group[0].Sighand.SigLock.Unlock()
	}
	groupActionLocked(group, mode, signo, proc, caller)
}

// GroupActionLocked is GroupAction's counterpart for callers that already
// hold the group's sighand.siglock.
func GroupActionLocked(group []*task.Task, mode GroupMode, signo int32, proc ProcStatusReader, caller *task.Task) {
	groupActionLocked(group, mode, signo, proc, caller)
}

func needsSigLock(mode GroupMode) bool {
	return mode == GroupContinue || mode == GroupMasking
}

func groupActionLocked(group []*task.Task, mode GroupMode, signo int32, proc ProcStatusReader, caller *task.Task) {
	for _, t := range group {
		if mode == GroupCleanThread && t == caller {
			continue
		}
		switch mode {
		case GroupContinue:
			continueOneLocked(t)
		case GroupStopping, GroupCleanThread:
			stopOne(t)
		case GroupStopProc:
			if !stopProcOne(t, proc) {
				return // "leave the task alone and break out of the group walk"
			}
		case GroupMasking:
			maskOneLocked(t, signo)
		}
	}
}

// continueOneLocked assumes t.Sighand.SigLock is already held.
func continueOneLocked(t *task.Task) {
	if t.VforkState != 0 || t.BlockStatus != 0 {
		return
	}
	if queue, ok := t.Pending.(*Queue); ok && queue != nil {
		queue.RemoveStopClass()
	}
	if t.State() == task.Stop {
		t.SetState(task.Running)
	}
}

func stopOne(t *task.Task) {
	t.SetState(task.Stop)
}

func stopProcOne(t *task.Task, proc ProcStatusReader) bool {
	if proc == nil {
		return true
	}
	stopped, err := proc.IsStopped(t.PID)
	if err != nil || !stopped {
		return false
	}
	t.SetState(task.Stop)
	return true
}

// maskOneLocked assumes t.Sighand.SigLock is already held.
func maskOneLocked(t *task.Task, signo int32) {
	if queue, ok := t.Pending.(*Queue); ok && queue != nil {
		queue.RemoveSigno(signo)
	}
}
