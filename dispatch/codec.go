// Package dispatch wires the wire protocol (proto) to the memory-transfer
// facade and signal subsystem, and encodes every handler's result as a
// negated-errno ack (spec.md §6, §7). There is no protobuf dependency here
// by design (spec.md §1 lists protocol-buffer wire encoding as an
// out-of-scope external collaborator); payloads are fixed little-endian
// binary layouts, decoded the same way proto.Header is.
package dispatch

import (
	"encoding/binary"
	"fmt"
)

// DMARequestPayload is CmdDMARequest's payload.
type DMARequestPayload struct {
	SrcSpace, DstSpace uint8
	SrcPID, DstPID     int32
	SrcAddr, DstAddr   uint64
	Length             uint64
}

func decodeDMARequest(b []byte) (DMARequestPayload, error) {
	const size = 1 + 1 + 4 + 4 + 8 + 8 + 8
	if len(b) < size {
		return DMARequestPayload{}, fmt.Errorf("dispatch: dma-request payload too short")
	}
	return DMARequestPayload{
		SrcSpace: b[0],
		DstSpace: b[1],
		SrcPID:   int32(binary.LittleEndian.Uint32(b[2:6])),
		DstPID:   int32(binary.LittleEndian.Uint32(b[6:10])),
		SrcAddr:  binary.LittleEndian.Uint64(b[10:18]),
		DstAddr:  binary.LittleEndian.Uint64(b[18:26]),
		Length:   binary.LittleEndian.Uint64(b[26:34]),
	}, nil
}

// SignalSendPayload is CmdSignalSend's payload.
type SignalSendPayload struct {
	TargetPID int32
	Signo     int32
	Code      int32
	SenderPID int32
	SenderUID uint32
	Addr      uint64
	HWFault   bool
}

func decodeSignalSend(b []byte) (SignalSendPayload, error) {
	const size = 4 + 4 + 4 + 4 + 4 + 8 + 1
	if len(b) < size {
		return SignalSendPayload{}, fmt.Errorf("dispatch: signal-send payload too short")
	}
	return SignalSendPayload{
		TargetPID: int32(binary.LittleEndian.Uint32(b[0:4])),
		Signo:     int32(binary.LittleEndian.Uint32(b[4:8])),
		Code:      int32(binary.LittleEndian.Uint32(b[8:12])),
		SenderPID: int32(binary.LittleEndian.Uint32(b[12:16])),
		SenderUID: binary.LittleEndian.Uint32(b[16:20]),
		Addr:      binary.LittleEndian.Uint64(b[20:28]),
		HWFault:   b[28] != 0,
	}, nil
}

// SigactionPayload is CmdSigaction's payload: install a new handler for
// Signo and report the table entry it replaced.
type SigactionPayload struct {
	Signo   int32
	Handler uint64
	Flags   uint32
	Mask    uint64
}

func decodeSigaction(b []byte) (SigactionPayload, error) {
	const size = 4 + 8 + 4 + 8
	if len(b) < size {
		return SigactionPayload{}, fmt.Errorf("dispatch: sigaction payload too short")
	}
	return SigactionPayload{
		Signo:   int32(binary.LittleEndian.Uint32(b[0:4])),
		Handler: binary.LittleEndian.Uint64(b[4:12]),
		Flags:   binary.LittleEndian.Uint32(b[12:16]),
		Mask:    binary.LittleEndian.Uint64(b[16:24]),
	}, nil
}

func encodeSigaction(p SigactionPayload) []byte {
	b := make([]byte, 24)
	binary.LittleEndian.PutUint32(b[0:4], uint32(p.Signo))
	binary.LittleEndian.PutUint64(b[4:12], p.Handler)
	binary.LittleEndian.PutUint32(b[12:16], p.Flags)
	binary.LittleEndian.PutUint64(b[16:24], p.Mask)
	return b
}

// SigprocmaskPayload is CmdSigprocmask's payload.
type SigprocmaskPayload struct {
	How int32
	Set uint64
}

const (
	SigBlock = iota
	SigUnblock
	SigSetmask
)

func decodeSigprocmask(b []byte) (SigprocmaskPayload, error) {
	const size = 4 + 8
	if len(b) < size {
		return SigprocmaskPayload{}, fmt.Errorf("dispatch: sigprocmask payload too short")
	}
	return SigprocmaskPayload{
		How: int32(binary.LittleEndian.Uint32(b[0:4])),
		Set: binary.LittleEndian.Uint64(b[4:12]),
	}, nil
}

func encodeMask(m uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, m)
	return b
}

// SigaltstackPayload is CmdSigaltstack's payload.
type SigaltstackPayload struct {
	SP   uint64
	Size uint64
}

func decodeSigaltstack(b []byte) (SigaltstackPayload, error) {
	const size = 16
	if len(b) < size {
		return SigaltstackPayload{}, fmt.Errorf("dispatch: sigaltstack payload too short")
	}
	return SigaltstackPayload{
		SP:   binary.LittleEndian.Uint64(b[0:8]),
		Size: binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}

func encodeSigaltstack(p SigaltstackPayload) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], p.SP)
	binary.LittleEndian.PutUint64(b[8:16], p.Size)
	return b
}

// SigreturnPayload is CmdSigreturn's payload: the frame address the
// trampoline originally wrote (spec.md §4.4 "Sigreturn").
type SigreturnPayload struct {
	FrameAddr uint64
}

func decodeSigreturn(b []byte) (SigreturnPayload, error) {
	if len(b) < 8 {
		return SigreturnPayload{}, fmt.Errorf("dispatch: sigreturn payload too short")
	}
	return SigreturnPayload{FrameAddr: binary.LittleEndian.Uint64(b[0:8])}, nil
}

// CoredumpAckPayload is CmdCoredumpAck's payload: the pseudo process's
// report, on the request socket, of whether the dump file was written
// successfully (spec.md §4.6 step 5). The helper itself only hands back the
// dump fd over SCM_RIGHTS.
type CoredumpAckPayload struct {
	TGID int32
	OK   bool
}

func decodeCoredumpAck(b []byte) (CoredumpAckPayload, error) {
	if len(b) < 5 {
		return CoredumpAckPayload{}, fmt.Errorf("dispatch: coredump-ack payload too short")
	}
	return CoredumpAckPayload{TGID: int32(binary.LittleEndian.Uint32(b[0:4])), OK: b[4] != 0}, nil
}
