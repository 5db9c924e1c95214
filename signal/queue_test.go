package signal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veos-project/veosd/task"
)

func TestQueuePopFIFOOrderWithinOneSignal(t *testing.T) {
	q := NewQueue()
	q.Push(SIGUSR1, Info{Signo: SIGUSR1, Code: 1})
	q.Push(SIGUSR1, Info{Signo: SIGUSR1, Code: 2})

	first, ok := q.Pop(0)
	require.True(t, ok)
	require.Equal(t, int32(1), first.Code)

	second, ok := q.Pop(0)
	require.True(t, ok)
	require.Equal(t, int32(2), second.Code)
}

// TestQueueBitClearedAfterLastRecordPopped is a regression test: removeAt
// must clear the bitset bit once the last queued record for a signo is
// popped. sigpending (and the non-realtime collapse check in generate.go)
// both read this bit directly, so a bit that never clears would make a
// delivered signal look permanently pending.
func TestQueueBitClearedAfterLastRecordPopped(t *testing.T) {
	q := NewQueue()
	q.Push(SIGUSR1, Info{Signo: SIGUSR1})
	require.True(t, q.Has(SIGUSR1))
	require.True(t, q.HasUnblocked(0))

	_, ok := q.Pop(0)
	require.True(t, ok)

	require.False(t, q.Has(SIGUSR1))
	require.False(t, q.HasUnblocked(0))
}

func TestQueueBitStaysSetWhileRecordsRemain(t *testing.T) {
	q := NewQueue()
	q.Push(SIGRTMIN, Info{Signo: SIGRTMIN})
	q.Push(SIGRTMIN, Info{Signo: SIGRTMIN})

	_, ok := q.Pop(0)
	require.True(t, ok)
	require.True(t, q.Has(SIGRTMIN))
	require.Equal(t, 1, q.Count(SIGRTMIN))
}

func TestQueuePopPrefersUnblockedSynchronousSignal(t *testing.T) {
	q := NewQueue()
	q.Push(SIGUSR1, Info{Signo: SIGUSR1}) // 10, not synchronous
	q.Push(SIGSEGV, Info{Signo: SIGSEGV}) // 11, synchronous

	info, ok := q.Pop(0)
	require.True(t, ok)
	require.Equal(t, int32(SIGSEGV), info.Signo)
}

func TestQueuePopSkipsBlockedSignals(t *testing.T) {
	q := NewQueue()
	q.Push(SIGUSR1, Info{Signo: SIGUSR1})
	q.Push(SIGUSR2, Info{Signo: SIGUSR2})

	blocked := task.Mask(0).Set(SIGUSR1)
	info, ok := q.Pop(blocked)
	require.True(t, ok)
	require.Equal(t, int32(SIGUSR2), info.Signo)
}

func TestQueueRemoveSignoDropsAllRecordsAndBit(t *testing.T) {
	q := NewQueue()
	q.Push(SIGTSTP, Info{Signo: SIGTSTP})
	q.Push(SIGTSTP, Info{Signo: SIGTSTP})

	q.RemoveSigno(SIGTSTP)

	require.False(t, q.Has(SIGTSTP))
	require.Equal(t, 0, q.Total())
}

func TestQueueRemoveStopClassLeavesOtherSignalsQueued(t *testing.T) {
	q := NewQueue()
	q.Push(SIGTTIN, Info{Signo: SIGTTIN})
	q.Push(SIGUSR1, Info{Signo: SIGUSR1})

	q.RemoveStopClass()

	require.False(t, q.Has(SIGTTIN))
	require.True(t, q.Has(SIGUSR1))
}
