package mmtransfer

import (
	"fmt"
	"os"
	"strconv"

	"github.com/veos-project/veosd/dma"
	"github.com/veos-project/veosd/internal/errno"
)

// pagemapPageSize is the host MMU page size /proc/<pid>/pagemap entries are
// indexed by, matching dma.HostPageSize.
const pagemapPageSize = dma.HostPageSize

// pagemapPFNMask extracts the page-frame number from a pagemap entry; bit
// 63 is the present bit (see Documentation/admin-guide/mm/pagemap.rst).
const (
	pagemapPresentBit = 1 << 63
	pagemapPFNMask    = (1 << 55) - 1
)

// PagemapTranslator resolves host-virtual addresses to host-physical ones
// by reading /proc/<pid>/pagemap, the standard Linux technique for
// user-space virtual-to-physical translation (requires CAP_SYS_ADMIN on
// most kernels). It implements dma.Translator for SpaceHostVirtual and
// passes SpaceHostPhysical through unchanged; any other address space is
// rejected, since VE-side translation is the VE driver's responsibility
// (spec.md §1 lists the driver as an out-of-scope external collaborator).
type PagemapTranslator struct{}

func (PagemapTranslator) Translate(e dma.Endpoint) (phys uint64, runLen uint64, err error) {
	switch e.Space() {
	case dma.SpaceHostPhysical:
		return e.Addr(), 0, nil
	case dma.SpaceHostVirtual:
		return translateHostVirtual(e.PID(), e.Addr())
	default:
		return 0, 0, fmt.Errorf("mmtransfer: pagemap translator cannot resolve %s: %w", e.Space(), errno.ENOSYS)
	}
}

func translateHostVirtual(pid int32, addr uint64) (uint64, uint64, error) {
	f, err := os.Open("/proc/" + strconv.Itoa(int(pid)) + "/pagemap")
	if err != nil {
		return 0, 0, fmt.Errorf("mmtransfer: open pagemap: %w", err)
	}
	defer f.Close()

	vpn := addr / pagemapPageSize
	var entry [8]byte
	if _, err := f.ReadAt(entry[:], int64(vpn)*8); err != nil {
		return 0, 0, fmt.Errorf("mmtransfer: read pagemap: %w", err)
	}
	raw := uint64(0)
	for i := 7; i >= 0; i-- {
		raw = raw<<8 | uint64(entry[i])
	}
	if raw&pagemapPresentBit == 0 {
		return 0, 0, errno.EFAULT
	}
	pfn := raw & pagemapPFNMask
	off := addr % pagemapPageSize
	phys := pfn*pagemapPageSize + off
	return phys, pagemapPageSize - off, nil
}

// VETranslator is satisfied by whatever the VE driver integration provides
// for VE-virtual-to-physical translation; this package never implements it
// directly (spec.md §1: the VE driver character device is out of scope).
type VETranslator interface {
	dma.Translator
}

// CombinedTranslator routes a transfer's two endpoints to the translator
// appropriate for their address space, so callers can Post a single
// (src, dst) pair spanning host and VE memory (spec.md §9's tagged
// Endpoint design).
type CombinedTranslator struct {
	Host dma.Translator
	VE   VETranslator
}

func (c CombinedTranslator) Translate(e dma.Endpoint) (uint64, uint64, error) {
	if e.Space().IsVE() {
		if c.VE == nil {
			return 0, 0, fmt.Errorf("mmtransfer: no VE translator configured: %w", errno.ENOSYS)
		}
		return c.VE.Translate(e)
	}
	if c.Host == nil {
		return 0, 0, fmt.Errorf("mmtransfer: no host translator configured: %w", errno.ENOSYS)
	}
	return c.Host.Translate(e)
}
