package dma

import (
	"fmt"
	"sync/atomic"

	"github.com/veos-project/veosd/internal/errno"
)

// entry is one atomic fragment of a logical transfer after alignment/page
// splitting (spec.md §3 "reqlist entry"). It is co-owned by its Request and,
// while posted, by the Engine slot holding it.
type entry struct {
	src, dst Endpoint
	length   uint64

	status atomic.Int32 // Status, accessed without the engine mutex for Test()
	err    error         // set when status == Error

	req *Request
}

func newEntry(src, dst Endpoint, length uint64, req *Request) *entry {
	e := &entry{src: src, dst: dst, length: length, req: req}
	e.status.Store(int32(Pending))
	return e
}

func (e *entry) Status() Status {
	return Status(e.status.Load())
}

func (e *entry) setStatus(s Status) {
	e.status.Store(int32(s))
}

// BuildReqList splits a logical (src, dst, length) transfer into the minimal
// set of entries such that each entry spans at most one page of whichever
// endpoint is virtual (spec.md §4.1), translating virtual endpoints through
// tr. A translation failure does not abort the split: the offending entry is
// marked Error immediately so the caller observes it on Wait, while the rest
// of the transfer is still attempted (spec.md §4.1, §7).
func BuildReqList(src, dst Endpoint, length uint64, tr Translator) ([]*entry, error) {
	if err := checkLength(length); err != nil {
		return nil, err
	}
	if err := checkAligned(src.Addr(), length); err != nil {
		return nil, err
	}
	if err := checkAddrAligned(dst.Addr()); err != nil {
		return nil, err
	}
	if !legalSpacePair(src.Space(), dst.Space()) {
		return nil, fmt.Errorf("dma: illegal address-space pair %s -> %s: %w", src.Space(), dst.Space(), errno.EINVAL)
	}

	var entries []*entry
	remaining := length
	srcAddr, dstAddr := src.Addr(), dst.Addr()
	for remaining > 0 {
		srcPhys, srcRun, srcErr := resolve(tr, src, srcAddr, remaining)
		dstPhys, dstRun, dstErr := resolve(tr, dst, dstAddr, remaining)

		run := remaining
		if srcRun > 0 && srcRun < run {
			run = srcRun
		}
		if dstRun > 0 && dstRun < run {
			run = dstRun
		}
		run -= run % AlignBytes
		if run == 0 {
			run = min(remaining, AlignBytes)
		}

		e := newEntry(src.withAddr(srcPhys), dst.withAddr(dstPhys), run, nil)
		if srcErr != nil {
			e.err = srcErr
			e.setStatus(Error)
		} else if dstErr != nil {
			e.err = dstErr
			e.setStatus(Error)
		}
		entries = append(entries, e)

		srcAddr += run
		dstAddr += run
		remaining -= run
	}
	return entries, nil
}

// resolve returns the physical address and remaining run length (bytes to
// the end of the containing page, 0 meaning "unbounded") for one endpoint at
// the given logical address and budget.
func resolve(tr Translator, e Endpoint, addr, budget uint64) (phys uint64, run uint64, err error) {
	if !e.Space().IsVirtual() {
		return addr, 0, nil
	}
	phys, run, err = tr.Translate(e.withAddr(addr))
	if err != nil {
		return 0, min(budget, pageSizeFor(e)), err
	}
	return phys, run, nil
}

func pageSizeFor(e Endpoint) uint64 {
	if e.Space().IsVE() {
		return VEPageSize
	}
	return HostPageSize
}

