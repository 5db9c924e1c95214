// Package dma implements the DMA engine manager (spec.md §4.1): a
// request/response scheduler over a fixed-size hardware descriptor ring.
package dma

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/veos-project/veosd/internal/errno"
	"github.com/veos-project/veosd/metrics"
)

// interruptPollTimeout bounds how long the interrupt helper blocks on a
// single WaitInterrupt call, so should_stop is observed promptly even
// without a pending interrupt (spec.md §4.1 "a completion interrupt or a
// short timeout").
const interruptPollTimeout = 50 * time.Millisecond

// Engine owns one descriptor ring per VE node (spec.md §3 "DMA engine
// handle"). All fields below the mutex are guarded by it; the ring
// invariant is: desc_num_used equals the number of non-empty slots, and
// slots from desc_used_begin (mod len(slots)) are occupied contiguously up
// to desc_num_used. Terminate is the exception: it empties the slots it
// cancels without decrementing desc_num_used, so a canceled slot stays
// counted, as an empty hole that the reaper skips, until the read pointer
// passes it.
type Engine struct {
	driver driverHandle
	log    *logrus.Entry

	mu sync.Mutex
	slots []*entry // len == N_DESC; nil means empty
	// descUsedBeginAbs is the absolute (non-ring-wrapped) count of
	// descriptors the hardware has completed up to the start of the
	// occupied range; the ring-order read pointer a real device (and the
	// fake one used in tests) reports is exactly this value, never taken
	// modulo the ring size, so a completion burst spanning a full lap is
	// still distinguishable from no completions at all. The occupied ring
	// slot at offset i is e.slots[(descUsedBeginAbs+uint64(i))%len(slots)].
	descUsedBeginAbs uint64
	descNumUsed      int
	waiting          []*entry

	stopOnce sync.Once
	stopCh   chan struct{}
	group    *errgroup.Group
	cancel   context.CancelFunc
}

// New constructs the engine: maps the control-register window, verifies the
// engine is halted (halting and clearing every descriptor if not),
// snapshots the read pointer, and spawns the interrupt helper thread
// (spec.md §4.1 Construction).
func New(driver driverHandle, numDesc int, log *logrus.Logger) (*Engine, error) {
	if numDesc <= 0 {
		return nil, fmt.Errorf("dma: num_descriptors must be positive")
	}
	halted, err := driver.Halted()
	if err != nil {
		return nil, fmt.Errorf("dma: query halt state: %w", err)
	}
	if !halted {
		if err := driver.Halt(); err != nil {
			return nil, fmt.Errorf("dma: halt: %w", err)
		}
		for i := 0; i < numDesc; i++ {
			if err := driver.ClearDescriptor(i); err != nil {
				return nil, fmt.Errorf("dma: clear descriptor %d: %w", i, err)
			}
		}
	}
	readPtr, err := driver.ReadPointer()
	if err != nil {
		return nil, fmt.Errorf("dma: read pointer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	e := &Engine{
		driver:           driver,
		log:              log.WithField("component", "dma"),
		slots:            make([]*entry, numDesc),
		descUsedBeginAbs: readPtr,
		stopCh:           make(chan struct{}),
		group:            group,
		cancel:           cancel,
	}
	group.Go(func() error {
		e.interruptHelper(gctx)
		return nil
	})
	return e, nil
}

// Post validates and splits (src, dst, length) into reqlist entries
// (spec.md §4.1 "Posting") and enqueues them, returning a handle the caller
// waits on.
func (e *Engine) Post(src, dst Endpoint, length uint64, tr Translator) (*Request, error) {
	entries, err := BuildReqList(src, dst, length, tr)
	if err != nil {
		return nil, err
	}
	req := newRequest(e, entries)

	e.mu.Lock()
	posted := e.postLocked(entries)
	e.mu.Unlock()

	if posted {
		e.driver.CommitOrder()
	}
	// Entries whose translation already failed are terminal; surface that
	// immediately rather than waiting for a reap pass that will never touch
	// them (they were never placed in a slot).
	req.notifyIfTerminal()
	return req, nil
}

// postLocked places as many Pending entries as there are free slots,
// queuing the remainder on the waiting list, and toggles the start bit if
// anything new was placed. Must be called with e.mu held.
func (e *Engine) postLocked(entries []*entry) (placedAny bool) {
	for _, en := range entries {
		if en.Status() != Pending {
			continue // already terminal (translation failure)
		}
		if e.descNumUsed >= len(e.slots) {
			e.waiting = append(e.waiting, en)
			continue
		}
		idx := e.freeSlotIndexLocked()
		if err := e.driver.PostDescriptor(idx, Descriptor{
			SrcSpace: en.src.Space(), DstSpace: en.dst.Space(),
			SrcAddr: en.src.Addr(), DstAddr: en.dst.Addr(), Length: en.length,
		}); err != nil {
			en.err = err
			en.setStatus(Error)
			continue
		}
		e.slots[idx] = en
		en.setStatus(Posted)
		e.descNumUsed++
		placedAny = true
	}
	metrics.SetDescUsed(int64(e.descNumUsed))
	if placedAny {
		e.driver.Start()
	}
	return placedAny
}

// freeSlotIndexLocked returns the ring index of the next free slot after the
// descNumUsed currently occupied ones. Must be called with e.mu held.
func (e *Engine) freeSlotIndexLocked() int {
	n := uint64(len(e.slots))
	return int((e.descUsedBeginAbs + uint64(e.descNumUsed)) % n)
}

// interruptHelper is the engine thread of spec.md §4.1 "Completion": it
// waits for a completion interrupt or a short timeout, then reaps finished
// descriptors and refills from the waiting list.
func (e *Engine) interruptHelper(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		default:
		}
		fired, err := e.driver.WaitInterrupt(interruptPollTimeout)
		if err != nil {
			e.log.WithError(err).Error("dma: interrupt wait failed")
			continue
		}
		if !fired {
			continue
		}
		e.reap()
	}
}

// reap marks every descriptor between the old and new read pointer
// complete, drains the waiting list into the freed slots, and wakes every
// request whose last pending entry just finished (spec.md §4.1
// "Completion").
func (e *Engine) reap() {
	newPtr, err := e.driver.ReadPointer()
	if err != nil {
		e.log.WithError(err).Error("dma: read pointer failed")
		return
	}

	var finished []*Request
	e.mu.Lock()
	n := uint64(len(e.slots))
	for e.descNumUsed > 0 && e.descUsedBeginAbs != newPtr {
		idx := int(e.descUsedBeginAbs % n)
		en := e.slots[idx]
		if en != nil {
			complete, hwErr, serr := e.driver.SlotStatus(idx)
			if serr == nil && complete {
				if hwErr {
					en.setStatus(Error)
					metrics.IncRequestError()
				} else {
					en.setStatus(OK)
					metrics.IncRequestOK()
					metrics.AddBytesMoved(int64(en.length))
				}
				if en.req != nil {
					finished = append(finished, en.req)
				}
			}
			e.driver.ClearDescriptor(idx)
			e.slots[idx] = nil
		}
		e.descUsedBeginAbs++
		e.descNumUsed--
	}
	placedAny := e.drainWaitingLocked()
	metrics.SetDescUsed(int64(e.descNumUsed))
	e.mu.Unlock()

	if placedAny {
		e.driver.CommitOrder()
	}
	for _, req := range finished {
		req.notifyIfTerminal()
	}
}

// drainWaitingLocked moves waiting-list entries into newly freed slots.
// Must be called with e.mu held.
func (e *Engine) drainWaitingLocked() bool {
	placedAny := false
	for len(e.waiting) > 0 && e.descNumUsed < len(e.slots) {
		en := e.waiting[0]
		e.waiting = e.waiting[1:]
		idx := e.freeSlotIndexLocked()
		if err := e.driver.PostDescriptor(idx, Descriptor{
			SrcSpace: en.src.Space(), DstSpace: en.dst.Space(),
			SrcAddr: en.src.Addr(), DstAddr: en.dst.Addr(), Length: en.length,
		}); err != nil {
			en.err = err
			en.setStatus(Error)
			continue
		}
		e.slots[idx] = en
		en.setStatus(Posted)
		e.descNumUsed++
		placedAny = true
	}
	if placedAny {
		e.driver.Start()
	}
	return placedAny
}

// Terminate halts the engine, marks every entry of req Error-canceled,
// drains the waiting list (other requests' work may still advance), and
// restarts the engine if descriptors remain in use (spec.md §4.1
// "Cancellation").
func (e *Engine) Terminate(req *Request) error {
	e.mu.Lock()
	if err := e.driver.Halt(); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("dma: halt for terminate: %w", err)
	}
	for _, en := range req.entries {
		switch en.Status() {
		case Pending, Posted:
			en.setStatus(Canceled)
			if idx := e.findSlotLocked(en); idx >= 0 {
				e.driver.ClearDescriptor(idx)
				e.slots[idx] = nil
			}
			e.removeFromWaitingLocked(en)
		}
	}
	placedAny := e.drainWaitingLocked()
	restart := e.descNumUsed > 0
	metrics.SetDescUsed(int64(e.descNumUsed))
	e.mu.Unlock()

	if placedAny {
		e.driver.CommitOrder()
	}
	if restart {
		if err := e.driver.Start(); err != nil {
			return fmt.Errorf("dma: restart after terminate: %w", err)
		}
	}
	metrics.IncRequestCanceled()
	req.notifyIfTerminal()
	return nil
}

func (e *Engine) findSlotLocked(en *entry) int {
	for i, s := range e.slots {
		if s == en {
			return i
		}
	}
	return -1
}

func (e *Engine) removeFromWaitingLocked(en *entry) {
	for i, w := range e.waiting {
		if w == en {
			e.waiting = append(e.waiting[:i], e.waiting[i+1:]...)
			return
		}
	}
}

// TerminateAll cancels every in-flight and waiting entry across every
// request the engine knows about, clears the descriptor table, resets
// counters to match the current read pointer, and leaves the engine halted
// (spec.md §4.1 "A global terminate_all").
func (e *Engine) TerminateAll() error {
	e.mu.Lock()
	if err := e.driver.Halt(); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("dma: halt for terminate_all: %w", err)
	}
	var affected []*Request
	for i, en := range e.slots {
		if en == nil {
			continue
		}
		en.setStatus(Canceled)
		if en.req != nil {
			affected = append(affected, en.req)
		}
		e.driver.ClearDescriptor(i)
		e.slots[i] = nil
	}
	for _, en := range e.waiting {
		en.setStatus(Canceled)
		if en.req != nil {
			affected = append(affected, en.req)
		}
	}
	e.waiting = nil
	readPtr, err := e.driver.ReadPointer()
	if err == nil {
		e.descUsedBeginAbs = readPtr
	}
	e.descNumUsed = 0
	metrics.SetDescUsed(0)
	e.mu.Unlock()

	for _, req := range affected {
		metrics.IncRequestCanceled()
		req.notifyIfTerminal()
	}
	return nil
}

// Close requires desc_num_used == 0, then stops and joins the helper
// thread (spec.md §4.1 "Close").
func (e *Engine) Close() error {
	e.mu.Lock()
	used := e.descNumUsed
	e.mu.Unlock()
	if used != 0 {
		return errno.EBUSY
	}

	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	if err := e.driver.Halt(); err != nil {
		e.cancel()
		e.group.Wait()
		return fmt.Errorf("dma: halt on close: %w", err)
	}
	e.cancel()
	e.group.Wait()
	return e.driver.Close()
}
