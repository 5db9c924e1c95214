package dma

import "github.com/veos-project/veosd/internal/errno"

const (
	// HostPageSize is the host MMU page size used to bound a reqlist entry
	// whose virtual endpoint is on the host.
	HostPageSize = 4096

	// VEPageSize is the VE MMU page size used to bound a reqlist entry whose
	// virtual endpoint is on the VE. 2 MiB matches the VE's huge-page-only
	// translation granularity (spec.md §8: "exactly two 2 MiB pages").
	VEPageSize = 2 * 1024 * 1024

	// AlignBytes is the mandatory alignment for every transfer length,
	// source, and destination address (spec.md §3).
	AlignBytes = 8

	// MaxLength is the largest legal transfer length: 2^63 - 8.
	MaxLength = (uint64(1) << 63) - 8
)

// Status is the terminal-or-not state of a reqlist entry or a request
// (spec.md §3). The zero value is Pending.
type Status int32

const (
	Pending Status = iota
	Posted
	OK
	Error
	Canceled
)

func (s Status) Terminal() bool {
	return s == OK || s == Error || s == Canceled
}

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Posted:
		return "posted"
	case OK:
		return "ok"
	case Error:
		return "error"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Translator resolves a virtual Endpoint to a contiguous physical run,
// bounded by the page containing addr. It is how the engine queries "the
// task's page tables" (spec.md §4.1) without depending on a concrete VE
// driver implementation.
type Translator interface {
	// Translate returns the physical address backing addr in the given
	// endpoint's address space, along with the number of contiguous bytes
	// available from addr to the end of that page. There is no separate
	// no-protection argument: an endpoint in SpaceVEVirtualNoProt carries
	// that distinction itself.
	Translate(e Endpoint) (phys uint64, runLen uint64, err error)
}

func checkAddrAligned(addr uint64) error {
	if addr%AlignBytes != 0 {
		return errno.EINVAL
	}
	return nil
}

func checkAligned(addr, length uint64) error {
	if err := checkAddrAligned(addr); err != nil {
		return err
	}
	if length%AlignBytes != 0 {
		return errno.EINVAL
	}
	return nil
}

func checkLength(length uint64) error {
	if length == 0 || length > MaxLength {
		return errno.EINVAL
	}
	return nil
}

func legalSpacePair(src, dst AddrSpace) bool {
	// Every combination is legal except pairing two register-access
	// endpoints, which would make the transfer meaningless (MMIO-to-MMIO),
	// and except a register endpoint paired with a host-physical endpoint,
	// which the hardware descriptor format cannot express in one entry.
	if src == SpaceVERegister && dst == SpaceVERegister {
		return false
	}
	if (src == SpaceVERegister && dst == SpaceHostPhysical) ||
		(dst == SpaceVERegister && src == SpaceHostPhysical) {
		return false
	}
	return true
}
