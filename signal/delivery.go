package signal

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/veos-project/veosd/internal/errno"
	"github.com/veos-project/veosd/metrics"
	"github.com/veos-project/veosd/task"
)

// Outcome reports what Deliver did, so the caller (the scheduler dispatch
// loop) knows whether the task is still runnable (spec §4.4).
type Outcome int

const (
	OutcomeNoDelivery Outcome = iota
	OutcomeHandlerInstalled
	OutcomeStopped
	OutcomeTerminated
)

// RegisterAccess reads and rewrites a task's VE register image, crossing
// into VE memory the way the memory-transfer facade does for everything
// else (spec §3: "all register state residing on the VE").
type RegisterAccess interface {
	ReadRegisters(pid int32) (RegisterImage, error)
	WriteRegisters(pid int32, img RegisterImage) error
}

// FrameTransport DMA-writes and reads back a signal frame in VE stack
// memory (spec §4.4 step 5, §4.4 "Sigreturn").
type FrameTransport interface {
	WriteFrame(pid int32, addr uint64, frame Frame) error
	ReadFrame(pid int32, addr uint64) (Frame, error)
}

// Killer terminates a pseudo process, used by delivery's terminate-class
// default action. Sigreturn's fatal-fault and frame-read-failure paths go
// through the Generator instead.
type Killer interface {
	Kill(pid int32, signo int32) error
}

// CoredumpStarter launches spec §4.6's freeze/dump/kill pipeline for a
// thread-group leader already promoted to GROUP_COREDUMP and STOP.
// Implemented by *coredump.Orchestrator via a small adapter in cmd/veosd,
// the same arm's-length pattern as RegisterAccess/FrameTransport/Killer
// above, so this package never imports coredump directly.
type CoredumpStarter interface {
	StartDump(leader *task.Task) error
}

// Delivery implements psm_do_signal_ve and its sigreturn counterpart
// (spec §4.4).
type Delivery struct {
	log      *logrus.Entry
	regs     RegisterAccess
	frame    FrameTransport
	kill     Killer
	gen      *Generator
	coredump CoredumpStarter
}

// NewDelivery constructs a Delivery. coredump may be nil, in which case the
// core-class default action still promotes the group to GROUP_COREDUMP and
// stops the task, but never spawns the dump pipeline (used by tests that
// only exercise handler delivery).
func NewDelivery(log *logrus.Logger, regs RegisterAccess, frame FrameTransport, kill Killer, gen *Generator, coredump CoredumpStarter) *Delivery {
	return &Delivery{log: log.WithField("component", "signal-delivery"), regs: regs, frame: frame, kill: kill, gen: gen, coredump: coredump}
}

// restartState mirrors the syscall-restart classification of spec §4.4
// step 6.
type restartState int32

const (
	RestartNone restartState = iota
	RestartERESTARTSYS
	RestartENORESTART
)

// Deliver runs one pass of the delivery algorithm (spec §4.4). It must be
// called with the task already selected to run by the scheduler; Deliver
// itself takes SigLock then the task lock to dequeue, mirroring Send's
// order, and releases both before touching VE memory (register/frame I/O
// must never happen with a lock held, per spec §5's "no lock is held
// across DMA waits except the engine mutex").
func (d *Delivery) Deliver(t *task.Task, restart restartState) (Outcome, error) {
	if t.Sighand.GroupCoredump {
		t.SetState(task.Stop)
		return OutcomeNoDelivery, nil
	}

	for {
		info, signo, ok := d.dequeue(t)
		if !ok {
			return OutcomeNoDelivery, nil
		}

		handler, flags, mask := d.lookupHandler(t, signo)
		switch handler {
		case task.SigIgn:
			continue
		case task.SigDfl:
			outcome, err := d.defaultAction(t, signo, info)
			if outcome == OutcomeNoDelivery {
				continue // ignore-class default action
			}
			return outcome, err
		default:
			return d.installHandler(t, signo, info, handler, flags, mask, restart)
		}
	}
}

func (d *Delivery) dequeue(t *task.Task) (Info, int32, bool) {
	t.Sighand.SigLock.Lock()
	defer t.Sighand.SigLock.Unlock()
	t.Lock()
	queue, ok := t.Pending.(*Queue)
	if !ok || queue == nil {
		t.Unlock()
		return Info{}, 0, false
	}
	info, ok := queue.Pop(t.Blocked)
	t.Unlock()
	if !ok {
		return Info{}, 0, false
	}
	t.RecalcSigPending()
	return info, info.Signo, true
}

func (d *Delivery) lookupHandler(t *task.Task, signo int32) (uint64, uint32, task.Mask) {
	t.Sighand.SigLock.Lock()
	defer t.Sighand.SigLock.Unlock()
	entry := t.Sighand.Handlers[signo-1]
	return entry.Handler, entry.Flags, entry.Mask
}

func (d *Delivery) defaultAction(t *task.Task, signo int32, info Info) (Outcome, error) {
	switch defaultActionFor(signo) {
	case actionIgnore:
		return OutcomeNoDelivery, nil
	case actionStop:
		metrics.IncSignalDelivered()
		t.SetState(task.Stop)
		return OutcomeStopped, nil
	case actionCore:
		t.Sighand.SigLock.Lock()
		t.Sighand.GroupCoredump = true
		t.Sighand.SigLock.Unlock()
		t.SetState(task.Stop)
		metrics.IncCoredumpStarted()
		if d.coredump != nil {
			go d.runDump(t)
		}
		return OutcomeTerminated, nil
	default: // actionTerm
		killSigno := int32(SIGKILL)
		if isSynchronous(signo) {
			killSigno = signo
		}
		if d.kill != nil {
			if err := d.kill.Kill(t.PID, int32(killSigno)); err != nil {
				return OutcomeTerminated, err
			}
		}
		return OutcomeTerminated, nil
	}
}

// runDump hands the frozen group's leader to the core-dump pipeline (spec
// §4.6 steps 1-6, including its own opening delete-lock/CLEANTHREAD freeze
// and RLIMIT_CORE check), which is the "detached worker thread" spec §4.6
// describes — run here as a goroutine so Deliver itself never blocks on a
// fork/exec/SCM_RIGHTS round trip.
func (d *Delivery) runDump(t *task.Task) {
	if err := d.coredump.StartDump(t); err != nil {
		d.log.WithError(err).WithField("pid", t.PID).Error("signal: core dump failed")
	}
	metrics.IncCoredumpFinished()
}

func (d *Delivery) installHandler(t *task.Task, signo int32, info Info, handler uint64, flags uint32, handlerMask task.Mask, restart restartState) (Outcome, error) {
	regs, err := d.regs.ReadRegisters(t.PID)
	if err != nil {
		return OutcomeNoDelivery, fmt.Errorf("signal: read registers: %w", err)
	}

	t.Lock()
	altstack := t.AltStack
	onAlt := flags&SAOnStack != 0 && altstack.SP != 0 && altstack.Size != 0 && !altstack.Active
	savedMask := t.Blocked
	if t.SavedSet {
		savedMask = t.Saved
	}
	t.Unlock()

	frameAddr := regs.SR[srFrameAddr]
	if onAlt {
		frameAddr = altstack.SP + altstack.Size
		t.Lock()
		t.AltStack.Active = true
		t.Unlock()
	}

	frame := Frame{
		Trampoline: TrampolineWords,
		Signum:     signo,
		Info:       info,
	}
	frame.UContext.SigMask = savedMask
	frame.UContext.MContext = regs
	if info.HWFault {
		frame.Flag = frameFatalHWFault
	}

	if err := d.frame.WriteFrame(t.PID, frameAddr, frame); err != nil {
		return d.faultDuringInstall(t, signo)
	}

	regs.SR[srSignum] = uint64(signo)
	regs.SR[srSiginfo] = frameAddr
	regs.SR[srUcontext] = frameAddr
	regs.SR[srTrampAddr] = frameAddr
	regs.SR[srFrameAddr] = frameAddr - HandlerFrameSize
	regs.SR[srHandlerPC] = handler
	regs.IC = handler
	if onAlt {
		regs.SR[srAltSP] = altstack.SP
	}

	switch restart {
	case RestartERESTARTSYS:
		if flags&SARestart == 0 {
			regs.SR[srSignum] = uint64(errno.EINTR.Negate())
		} else {
			regs.IC -= 8
		}
	case RestartENORESTART:
		regs.SR[srSignum] = uint64(errno.EINTR.Negate())
	}

	if err := d.regs.WriteRegisters(t.PID, regs); err != nil {
		return OutcomeNoDelivery, fmt.Errorf("signal: write registers: %w", err)
	}

	t.Lock()
	newBlocked := t.Blocked | handlerMask
	if flags&SANoDefer == 0 {
		newBlocked = newBlocked.Set(signo)
	}
	t.Blocked = neverBlockable(newBlocked)
	t.Unlock()

	if flags&SAResetHand != 0 {
		t.Sighand.SigLock.Lock()
		t.Sighand.Handlers[signo-1].Handler = task.SigDfl
		t.Sighand.SigLock.Unlock()
	}

	metrics.IncSignalDelivered()
	return OutcomeHandlerInstalled, nil
}

// faultDuringInstall handles a DMA failure while writing the frame: spec
// §4.4's sigreturn fault rule applies equally here so a broken frame never
// leaves the task unable to make progress.
func (d *Delivery) faultDuringInstall(t *task.Task, signo int32) (Outcome, error) {
	d.log.WithField("pid", t.PID).WithField("signo", signo).Warn("signal: frame write faulted, forcing SIGSEGV")
	return d.forceSegv(t)
}

func (d *Delivery) forceSegv(t *task.Task) (Outcome, error) {
	t.Sighand.SigLock.Lock()
	t.Sighand.Handlers[SIGSEGV-1].Handler = task.SigDfl
	t.Sighand.SigLock.Unlock()
	t.Lock()
	t.Blocked = t.Blocked.Clear(SIGSEGV)
	t.Unlock()
	if _, err := d.gen.Send(t, SIGSEGV, SendOpts{Info: SendSigPriv, SenderPrivileged: true}); err != nil {
		return OutcomeNoDelivery, err
	}
	return OutcomeTerminated, errno.EFAULT
}

// Sigreturn implements spec §4.4 "Sigreturn": reads the frame back from the
// VE stack, restores the register image and blocked mask, and clears the
// alternate-stack active flag. The frame's LSHM field is neither filled when
// the frame is written nor written back here, so the lshm region is not
// saved or restored across a handler. frameAddr is SR11 + HandlerFrameSize, i.e. the address the
// trampoline originally wrote.
func (d *Delivery) Sigreturn(t *task.Task, frameAddr uint64) error {
	regs, err := d.regs.ReadRegisters(t.PID)
	if err != nil {
		return fmt.Errorf("signal: read registers for sigreturn: %w", err)
	}
	frame, err := d.frame.ReadFrame(t.PID, regs.SR[srFrameAddr]+HandlerFrameSize)
	if err != nil {
		_, serr := d.forceSegv(t)
		if serr != nil {
			return serr
		}
		return fmt.Errorf("signal: frame read: %w", err)
	}

	if err := d.regs.WriteRegisters(t.PID, frame.UContext.MContext); err != nil {
		return fmt.Errorf("signal: restore registers: %w", err)
	}

	t.Lock()
	t.Blocked = neverBlockable(frame.UContext.SigMask)
	t.AltStack.Active = false
	t.Unlock()

	if frame.Flag&frameFatalHWFault != 0 {
		return d.gen.Kill(t, frame.Signum)
	}

	t.RecalcSigPending()
	return nil
}
