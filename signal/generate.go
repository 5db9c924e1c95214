package signal

import (
	"github.com/sirupsen/logrus"

	"github.com/veos-project/veosd/metrics"
	"github.com/veos-project/veosd/task"
)

// Generator holds the config-provided soft RLIMIT_SIGPENDING default, the
// instruction-counter reader needed to stamp si_addr on hardware-fault
// signals (spec §3's RLIMIT_SIGPENDING, §4.3's si_addr rule), and the
// registry needed to find a SIGCONT target's thread-group siblings for
// the group-wide continue rule (spec §4.3, §4.5 "SIGCONTINUE").
type Generator struct {
	log            *logrus.Entry
	defaultLimit   int
	instructionCtr InstructionCounter
	registry       *task.Registry
}

// InstructionCounter reads the VE instruction counter of the task currently
// taking a hardware-exception signal, used to stamp si_addr (spec §4.3:
// "overwrite si_addr with the current VE instruction counter").
type InstructionCounter interface {
	InstructionPointer(pid int32) (uint64, error)
}

// NewGenerator constructs a Generator with the thread-group soft limit from
// config (spec §3 RLIMIT_SIGPENDING default). registry may be nil, in which
// case SIGCONT's continue rule only applies to the signaled task itself
// rather than its whole thread group.
func NewGenerator(log *logrus.Logger, defaultLimit int, ic InstructionCounter, registry *task.Registry) *Generator {
	return &Generator{log: log.WithField("component", "signal"), defaultLimit: defaultLimit, instructionCtr: ic, registry: registry}
}

// SendOpts carries the caller-supplied fields Send needs beyond the
// target task and signal number.
type SendOpts struct {
	Info          *Info // nil or SendSigPriv per spec §4.3
	Synchronous   bool
	SenderPrivileged bool
	// GroupLimit overrides the generator's default RLIMIT_SIGPENDING for
	// this thread group (0 means "use the default").
	GroupLimit int
}

// Send implements psm_send_ve_signal (spec §4.3). Callers are responsible
// for tasklist/ve_tasklist_lock; Send itself acquires sighand.SigLock (via
// t.Sighand.SigLock) then the task lock, matching the order of spec §5. It
// reports whether the signal was synchronous, which the caller uses to
// decide between issuing an unblock request or kicking the per-core
// scheduler (spec §4.3's post-release step; both are owned by the
// scheduler, outside this package).
func (g *Generator) Send(t *task.Task, signo int32, opts SendOpts) (synchronous bool, err error) {
	t.Sighand.SigLock.Lock()
	t.Lock()
	synchronous, err = g.sendLocked(t, signo, opts)
	t.Unlock()
	t.RecalcSigPending()
	t.Sighand.SigLock.Unlock()
	return synchronous, err
}

func (g *Generator) sendLocked(t *task.Task, signo int32, opts SendOpts) (synchronous bool, err error) {
	group := t.Sighand

	if group.GroupCoredump && signo != SIGINT {
		return false, nil
	}
	if group.GroupCoredump && signo == SIGINT {
		group.GotSigint = true
		return false, nil
	}

	queue, ok := t.Pending.(*Queue)
	if !ok || queue == nil {
		queue = NewQueue()
		t.Pending = queue
	}

	if signo == SIGCONT {
		// SIGCONTINUE applies to the whole thread group, not just t (spec
		// §4.3, §4.5): every stopped thread runs again and every thread's
		// queue drops its stop-class records. GroupActionLocked is used
		// because Send already holds t.Sighand.SigLock, which every
		// member of the group shares.
		group := []*task.Task{t}
		if g.registry != nil {
			group = g.registry.ThreadGroup(t.TGID)
		}
		GroupActionLocked(group, GroupContinue, 0, nil, nil)
	}
	if isStopClass(signo) {
		queue.RemoveSigno(SIGCONT)
	}
	if signo < SIGRTMIN && queue.Has(signo) {
		return false, nil // legacy-queue collapse
	}

	limit := g.defaultLimit
	if opts.GroupLimit > 0 {
		limit = opts.GroupLimit
	}
	overridden := opts.SenderPrivileged || opts.Info == SendSigPriv || (opts.Info != nil && opts.Info.Code >= 0)
	if signo >= SIGRTMIN && !overridden && queue.Total() >= limit {
		metrics.IncSignalDropped()
		return false, nil
	}

	info := g.buildInfo(t, signo, opts)
	queue.Push(signo, info)

	t.Blocked = neverBlockable(t.Blocked)

	return isSynchronous(signo), nil
}

func (g *Generator) buildInfo(t *task.Task, signo int32, opts SendOpts) Info {
	var info Info
	switch {
	case opts.Info == nil || opts.Info == SendSigPriv:
		info = Info{Signo: signo, Code: SIKernel, PID: 0, UID: 0}
	default:
		info = *opts.Info
		info.Signo = signo
	}
	if info.HWFault && g.instructionCtr != nil {
		if addr, err := g.instructionCtr.InstructionPointer(t.PID); err == nil {
			info.Addr = addr
		} else {
			g.log.WithError(err).WithField("pid", t.PID).Warn("signal: instruction counter read failed")
		}
	}
	return info
}

// Kill sends signo (SIGKILL when signo is 0) as a privileged, kernel-origin
// signal, so the RLIMIT_SIGPENDING limit never drops it; it is otherwise
// subject to Send's rules. Used by delivery's terminate-class and the coredump orchestrator's
// step 6 (spec §4.4, §4.6).
func (g *Generator) Kill(t *task.Task, signo int32) error {
	if signo == 0 {
		signo = SIGKILL
	}
	_, err := g.Send(t, signo, SendOpts{Info: SendSigPriv, SenderPrivileged: true})
	return err
}
