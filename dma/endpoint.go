package dma

import "fmt"

// AddrSpace is the stable wire enumeration of address-space tags (spec.md §6):
// 0 VE virtual, 1 VE virtual w/o prot, 2 host virtual, 3 VE physical,
// 4 VE register-access physical, 5 host system-bus physical.
type AddrSpace uint8

const (
	SpaceVEVirtual       AddrSpace = 0
	SpaceVEVirtualNoProt AddrSpace = 1
	SpaceHostVirtual     AddrSpace = 2
	SpaceVEPhysical      AddrSpace = 3
	SpaceVERegister      AddrSpace = 4
	SpaceHostPhysical    AddrSpace = 5
)

func (s AddrSpace) String() string {
	switch s {
	case SpaceVEVirtual:
		return "ve-virtual"
	case SpaceVEVirtualNoProt:
		return "ve-virtual-noprot"
	case SpaceHostVirtual:
		return "host-virtual"
	case SpaceVEPhysical:
		return "ve-physical"
	case SpaceVERegister:
		return "ve-register"
	case SpaceHostPhysical:
		return "host-physical"
	default:
		return fmt.Sprintf("addrspace(%d)", uint8(s))
	}
}

// IsVirtual reports whether s needs a (pid, addr) pair translated through a
// task's page tables before the engine can touch it.
func (s AddrSpace) IsVirtual() bool {
	return s == SpaceVEVirtual || s == SpaceVEVirtualNoProt || s == SpaceHostVirtual
}

// IsVE reports whether s addresses VE-resident memory (as opposed to host
// memory), used to decide which endpoint's page size bounds a reqlist entry.
func (s AddrSpace) IsVE() bool {
	return s == SpaceVEVirtual || s == SpaceVEVirtualNoProt || s == SpaceVEPhysical || s == SpaceVERegister
}

// Endpoint names one end of a transfer. Design note (spec.md §9): rather
// than a single C-style struct with a pid field that is meaningless for
// physical endpoints, Endpoint is always built through one of the
// constructors below, each of which only accepts the parameters that make
// sense for its address space — a physical endpoint has no pid field to
// leave dangling.
type Endpoint struct {
	space AddrSpace
	pid   int32
	addr  uint64
}

// VEVirtual builds a VE-virtual endpoint, translated (with protection checks)
// through the owning task's page tables.
func VEVirtual(pid int32, addr uint64) Endpoint {
	return Endpoint{space: SpaceVEVirtual, pid: pid, addr: addr}
}

// VEVirtualNoProt builds a VE-virtual endpoint translated without a
// protection check (used for kernel-internal transfers such as frame setup).
func VEVirtualNoProt(pid int32, addr uint64) Endpoint {
	return Endpoint{space: SpaceVEVirtualNoProt, pid: pid, addr: addr}
}

// HostVirtual builds a host-virtual endpoint in the given host process.
func HostVirtual(pid int32, addr uint64) Endpoint {
	return Endpoint{space: SpaceHostVirtual, pid: pid, addr: addr}
}

// VEPhysical builds a VE-physical (VEMAA) endpoint; no translation needed.
func VEPhysical(addr uint64) Endpoint {
	return Endpoint{space: SpaceVEPhysical, addr: addr}
}

// VERegister builds a VE register-access physical (VERAA) endpoint, used to
// touch MMIO.
func VERegister(addr uint64) Endpoint {
	return Endpoint{space: SpaceVERegister, addr: addr}
}

// HostPhysical builds a host system-bus physical (VHSAA) endpoint.
func HostPhysical(addr uint64) Endpoint {
	return Endpoint{space: SpaceHostPhysical, addr: addr}
}

func (e Endpoint) Space() AddrSpace { return e.space }
func (e Endpoint) PID() int32       { return e.pid }
func (e Endpoint) Addr() uint64     { return e.addr }

func (e Endpoint) withAddr(addr uint64) Endpoint {
	e.addr = addr
	return e
}
