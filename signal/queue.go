package signal

import "github.com/veos-project/veosd/task"

// record is one queued signal: the payload plus the flag of spec §3
// ("flag marks whether the signal originated from a hardware exception").
type record struct {
	signo int32
	info  Info
}

// Queue is a task's pending-signal structure (spec §3, §9 "Signal queue =
// list + bitset"): the bitset accelerates membership checks and
// recalc_sigpending, the ordered list preserves siginfo and delivery order.
// Both are kept consistent by the caller under the owning task's SigLock.
type Queue struct {
	bits task.Mask
	list []record
}

// NewQueue constructs an empty pending queue.
func NewQueue() *Queue {
	return &Queue{}
}

// HasUnblocked implements task.PendingQueueHandle for task.RecalcSigPending.
func (q *Queue) HasUnblocked(blocked task.Mask) bool {
	return uint64(q.bits)&^uint64(blocked) != 0
}

// Has reports whether signo has at least one queued record, used by the
// non-realtime collapse rule (spec §4.3).
func (q *Queue) Has(signo int32) bool {
	return q.bits.Has(signo)
}

// Count returns the number of queued records for signo, realtime or not.
// RLIMIT_SIGPENDING is enforced against Total, not Count.
func (q *Queue) Count(signo int32) int {
	n := 0
	for _, r := range q.list {
		if r.signo == signo {
			n++
		}
	}
	return n
}

// Total returns the number of records queued across every signal number,
// the quantity RLIMIT_SIGPENDING actually bounds.
func (q *Queue) Total() int {
	return len(q.list)
}

// Bits returns the raw membership bitset, used to answer sigpending(2)
// without copying the ordered list.
func (q *Queue) Bits() uint64 {
	return uint64(q.bits)
}

// Push appends a record and sets its bit. Callers must have already applied
// the collapse and RLIMIT_SIGPENDING rules.
func (q *Queue) Push(signo int32, info Info) {
	q.list = append(q.list, record{signo: signo, info: info})
	q.bits = q.bits.Set(signo)
}

// Pop removes and returns the chosen record (spec §4.4 step 2): a
// synchronous signal if any is queued and unblocked, else the
// lowest-numbered unblocked pending signal. Ordering within one signal
// number is FIFO.
func (q *Queue) Pop(blocked task.Mask) (Info, bool) {
	if idx := q.indexOfSynchronous(blocked); idx >= 0 {
		return q.removeAt(idx), true
	}
	best := -1
	for i, r := range q.list {
		if blocked.Has(r.signo) {
			continue
		}
		if best == -1 || r.signo < q.list[best].signo {
			best = i
		}
	}
	if best == -1 {
		return Info{}, false
	}
	return q.removeAt(best), true
}

func (q *Queue) indexOfSynchronous(blocked task.Mask) int {
	for i, r := range q.list {
		if isSynchronous(r.signo) && !blocked.Has(r.signo) {
			return i
		}
	}
	return -1
}

func (q *Queue) removeAt(idx int) Info {
	r := q.list[idx]
	q.list = append(q.list[:idx], q.list[idx+1:]...)
	if !q.hasRemaining(r.signo) {
		q.bits = q.bits.Clear(r.signo)
	}
	return r.info
}

// hasRemaining scans the list directly, unlike Has: it must reflect the
// list's state *after* removeAt has already spliced the popped record out,
// whereas q.bits is only updated by this same check and so cannot be
// trusted as its own answer.
func (q *Queue) hasRemaining(signo int32) bool {
	for _, r := range q.list {
		if r.signo == signo {
			return true
		}
	}
	return false
}

// RemoveSigno drops every queued record for signo (spec §4.5 "SIGMASKING",
// and the SIGCONT stop-class removal rule of §4.3).
func (q *Queue) RemoveSigno(signo int32) {
	out := q.list[:0]
	for _, r := range q.list {
		if r.signo != signo {
			out = append(out, r)
		}
	}
	q.list = out
	q.bits = q.bits.Clear(signo)
}

// RemoveStopClass drops every SIGTSTP/SIGTTIN/SIGTTOU record, used when
// SIGCONT is generated (spec §4.3).
func (q *Queue) RemoveStopClass() {
	q.RemoveSigno(SIGTSTP)
	q.RemoveSigno(SIGTTIN)
	q.RemoveSigno(SIGTTOU)
}
