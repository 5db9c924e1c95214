// Package mmtransfer implements the memory-transfer facade of spec.md §4.2:
// the bridge between pseudo-process memory requests and the DMA engine,
// handling sub-word alignment and safe string reads across page boundaries.
package mmtransfer

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/veos-project/veosd/dma"
	"github.com/veos-project/veosd/internal/errno"
)

// StringResult is the outcome of RecvString (spec.md §4.2).
type StringResult int32

const (
	StringOK StringResult = iota
	// NullNotFound mirrors the reference's NULLNTFND: no NUL byte was
	// found within the scanned window.
	NullNotFound
	// DestTooSmall mirrors DSTSMLL: the string (not counting its NUL, which
	// is never copied) is longer than the caller's buffer.
	DestTooSmall
	// FailedToReceive mirrors FAIL2RCV: the underlying DMA itself failed.
	FailedToReceive
)

func (r StringResult) String() string {
	switch r {
	case StringOK:
		return "ok"
	case NullNotFound:
		return "NULLNTFND"
	case DestTooSmall:
		return "DSTSMLL"
	case FailedToReceive:
		return "FAIL2RCV"
	default:
		return "unknown"
	}
}

// Facade is the aligned send/recv and string-receive bridge (spec.md
// §4.2). It owns no state of its own beyond the engine and translator it
// was built with; every call is independently alignable and cancelable
// through the underlying dma.Request.
type Facade struct {
	engine     *dma.Engine
	translator dma.Translator
	log        *logrus.Entry
	hostPID    int32
}

// New builds a facade over an already-constructed DMA engine, using tr to
// resolve both endpoints of every transfer (spec.md §9's tagged Endpoint
// design: the facade never inherits a raw C dma_args layout).
func New(engine *dma.Engine, tr dma.Translator, log *logrus.Logger) *Facade {
	return &Facade{
		engine:     engine,
		translator: tr,
		log:        log.WithField("component", "mmtransfer"),
		hostPID:    int32(os.Getpid()),
	}
}

func hostAddr(buf []byte) uint64 {
	if len(buf) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}

// Send implements the host→VE path of spec.md §4.2: when the VE target
// range is not 8-byte aligned on either end, it reads the boundary words
// into a bounce buffer, overlays the payload, and writes back the
// enlarged, aligned region as a single DMA.
func (f *Facade) Send(vePID int32, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	headPad := addr % dma.AlignBytes
	end := addr + uint64(len(data))
	tailPad := (dma.AlignBytes - end%dma.AlignBytes) % dma.AlignBytes
	alignedAddr := addr - headPad
	alignedLen := headPad + uint64(len(data)) + tailPad

	if headPad == 0 && tailPad == 0 {
		return f.send8(vePID, alignedAddr, data)
	}

	bounce := make([]byte, alignedLen)
	if headPad != 0 {
		word, err := f.recv8(vePID, alignedAddr, dma.AlignBytes)
		if err != nil {
			return fmt.Errorf("mmtransfer: send head word: %w", err)
		}
		copy(bounce, word)
	}
	if tailPad != 0 {
		tailAddr := alignedAddr + alignedLen - dma.AlignBytes
		word, err := f.recv8(vePID, tailAddr, dma.AlignBytes)
		if err != nil {
			return fmt.Errorf("mmtransfer: send tail word: %w", err)
		}
		copy(bounce[alignedLen-dma.AlignBytes:], word)
	}
	copy(bounce[headPad:headPad+uint64(len(data))], data)
	return f.send8(vePID, alignedAddr, bounce)
}

// Recv implements the VE→host path of spec.md §4.2: DMA the enlarged
// aligned region into a bounce buffer, then copy out the requested
// sub-range.
func (f *Facade) Recv(vePID int32, addr uint64, length uint64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	headPad := addr % dma.AlignBytes
	end := addr + length
	tailPad := (dma.AlignBytes - end%dma.AlignBytes) % dma.AlignBytes
	alignedAddr := addr - headPad
	alignedLen := headPad + length + tailPad

	if headPad == 0 && tailPad == 0 {
		return f.recv8(vePID, alignedAddr, alignedLen)
	}
	bounce, err := f.recv8(vePID, alignedAddr, alignedLen)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, bounce[headPad:headPad+length])
	return out, nil
}

// send8 is the unsafe lower rung of spec.md §4.2: addr and len(data) must
// already be 8-byte aligned, or it fails invalid-argument by design.
func (f *Facade) send8(vePID int32, addr uint64, data []byte) error {
	if uint64(len(data))%dma.AlignBytes != 0 {
		return errno.EINVAL
	}
	req, err := f.engine.Post(dma.HostVirtual(f.hostPID, hostAddr(data)), dma.VEVirtual(vePID, addr), uint64(len(data)), f.translator)
	if err != nil {
		return err
	}
	if status := req.Wait(); status != dma.OK {
		return errno.EIO
	}
	return nil
}

func (f *Facade) recv8(vePID int32, addr uint64, length uint64) ([]byte, error) {
	if length%dma.AlignBytes != 0 {
		return nil, errno.EINVAL
	}
	buf := make([]byte, length)
	req, err := f.engine.Post(dma.VEVirtual(vePID, addr), dma.HostVirtual(f.hostPID, hostAddr(buf)), length, f.translator)
	if err != nil {
		return nil, err
	}
	if status := req.Wait(); status != dma.OK {
		return nil, errno.EIO
	}
	return buf, nil
}

const stringChunkSize = 4096

// RecvString implements spec.md §4.2 "String receive": reads stringChunkSize
// bytes at a time starting at addr, never crossing more than one VE page
// boundary (at most two VE pages touched), scanning each chunk for a NUL.
// Non-printable bytes other than '\n' are logged but accepted, never
// treated as an error (spec.md §4.2).
func (f *Facade) RecvString(vePID int32, addr uint64, dst []byte) (int, StringResult) {
	pageStart := addr - addr%dma.VEPageSize
	limit := pageStart + 2*dma.VEPageSize
	cursor := addr
	written := 0
	overflow := false

	for cursor < limit {
		chunkLen := uint64(stringChunkSize)
		if cursor+chunkLen > limit {
			chunkLen = limit - cursor
		}
		skip := cursor % dma.AlignBytes
		chunk, err := f.recv8(vePID, cursor-skip, alignUp(skip+chunkLen))
		if err != nil {
			return 0, FailedToReceive
		}
		chunk = chunk[skip : skip+chunkLen]

		for _, b := range chunk {
			if b == 0 {
				if overflow {
					return 0, DestTooSmall
				}
				return written, StringOK
			}
			if written >= len(dst) {
				overflow = true
				continue
			}
			if b < 0x20 && b != '\n' || b == 0x7f {
				f.log.WithField("pid", vePID).WithField("byte", b).Debug("mmtransfer: non-printable byte in string receive")
			}
			dst[written] = b
			written++
		}
		cursor += chunkLen
	}
	return 0, NullNotFound
}

func alignUp(n uint64) uint64 {
	return (n + dma.AlignBytes - 1) &^ (dma.AlignBytes - 1)
}
