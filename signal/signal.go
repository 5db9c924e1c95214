// Package signal implements the POSIX-like signal subsystem of spec §4.3–
// §4.5: per-task pending queues, masking, generation, and delivery for VE
// tasks whose register state lives on the VE rather than in this process.
package signal

import "github.com/veos-project/veosd/task"

// Signal numbers, matching the Linux numbering the wire protocol and the
// pseudo process both assume.
const (
	SIGHUP  = 1
	SIGINT  = 2
	SIGQUIT = 3
	SIGILL  = 4
	SIGTRAP = 5
	SIGABRT = 6
	SIGBUS  = 7
	SIGFPE  = 8
	SIGKILL = 9
	SIGUSR1 = 10
	SIGSEGV = 11
	SIGUSR2 = 12
	SIGPIPE = 13
	SIGALRM = 14
	SIGTERM = 15
	SIGCHLD = 17
	SIGCONT = 18
	SIGSTOP = 19
	SIGTSTP = 20
	SIGTTIN = 21
	SIGTTOU = 22

	SIGURG = 23

	SIGRTMIN = 34
	SIGRTMAX = 64
)

const (
	SAOnStack   = 0x08000000
	SANoDefer   = 0x40000000
	SAResetHand = 0x80000000
	SARestart   = 0x10000000
)

// Origin codes mirror si_code values that matter to delivery/sigreturn.
const (
	SIKernel = 0x80
	SIUser   = 0
)

// SendSigPriv is the sentinel siginfo pointer value meaning "synthesize a
// kernel-origin siginfo" (spec §4.3).
var SendSigPriv = &Info{}

// Info is a queued signal record's payload (spec §3 "Queued signal record").
type Info struct {
	Signo   int32
	Code    int32
	PID     int32
	UID     uint32
	Addr    uint64 // si_addr, valid when HWFault is set
	HWFault bool   // signal originated from a hardware exception
}

func isStopClass(signo int32) bool {
	return signo == SIGTSTP || signo == SIGTTIN || signo == SIGTTOU
}

func isSynchronous(signo int32) bool {
	switch signo {
	case SIGSEGV, SIGBUS, SIGILL, SIGFPE, SIGTRAP:
		return true
	default:
		return false
	}
}

// defaultAction classifies SIG_DFL behavior for delivery (spec §4.4 step 4).
type defaultAction int

const (
	actionIgnore defaultAction = iota
	actionStop
	actionCore
	actionTerm
)

func defaultActionFor(signo int32) defaultAction {
	switch signo {
	case SIGCHLD, SIGCONT, SIGURG:
		return actionIgnore
	case SIGTSTP, SIGTTIN, SIGTTOU, SIGSTOP:
		return actionStop
	case SIGQUIT, SIGILL, SIGABRT, SIGFPE, SIGSEGV, SIGBUS, SIGTRAP:
		return actionCore
	default:
		return actionTerm
	}
}

// neverBlockable enforces spec §8's invariant that SIGKILL, SIGSTOP, and
// SIGCONT are never present in a blocked or saved mask.
func neverBlockable(m task.Mask) task.Mask {
	return m.Clear(SIGKILL).Clear(SIGSTOP).Clear(SIGCONT)
}
