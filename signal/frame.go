package signal

import "github.com/veos-project/veosd/task"

// Trampoline bytes (little-endian, spec §6): five fixed 64-bit words
// written at the top of every signal frame so a handler's return jumps
// into sigreturn. Treated as an opaque ABI blob per spec §9's design note,
// never as source-language structures.
var TrampolineWords = [5]uint64{
	0x462eaeae00000000,
	0x012e008e00000018,
	0x45000f0000000000,
	0x310003ae00000000,
	0x3f00000000000000,
}

// RegisterImage is the VE register set a signal frame saves and restores.
// Its layout is intentionally abstract here: only the fields delivery and
// sigreturn actually touch are named, matching the spec's treatment of
// `p_ve_thread` as an opaque image the DMA facade moves whole.
type RegisterImage struct {
	IC      uint64 // instruction counter
	SR      [64]uint64
}

const (
	srHandlerPC = 12
	srSignum    = 0
	srSiginfo   = 1
	srUcontext  = 2
	srTrampAddr = 10
	srFrameAddr = 11
	srAltSP     = 8
)

// LSHMSnapshot is the fixed-size per-task shared-memory region snapshotted
// into a signal frame (spec §3 "lshm_area (fixed size)").
type LSHMSnapshot [256]byte

// UContext mirrors ucontext_t's fields that matter to this service.
type UContext struct {
	Flags uint32
	Link  uint64
	Stack struct {
		SP    uint64
		Size  uint64
		Flags uint32
	}
	SigMask  task.Mask
	MContext RegisterImage
}

// Frame is the fixed binary shape of spec §3 "Signal frame", laid out in VE
// stack memory. HandlerFrameSize is the padding delivery subtracts when
// computing SR11 (spec §4.4 step 5: "frame − handler-stack-frame-size").
type Frame struct {
	Trampoline [5]uint64
	Signum     int32
	Flag       uint32
	Info       Info
	UContext   UContext
	LSHM       LSHMSnapshot
}

const HandlerFrameSize = 176

// frameFatalHWFault marks a frame whose originating signal came from a
// fatal hardware exception (spec §4.4 Sigreturn: "If the frame's flag
// indicates a fatal hardware-exception origin").
const frameFatalHWFault = 1
