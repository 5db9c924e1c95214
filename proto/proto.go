// Package proto implements the pseudo-process wire protocol of spec.md §6:
// length-prefixed messages over a UNIX stream socket, each carrying a
// command id, caller pid, and an opaque payload.
package proto

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Command identifies a message's operation (spec.md §6).
type Command uint32

const (
	CmdDMARequest Command = iota + 1
	CmdSignalSend
	CmdSigaction
	CmdSigprocmask
	CmdSigpending
	CmdSigsuspend
	CmdSigaltstack
	CmdGetContext
	CmdSetContext

	// CmdSigreturn and CmdCoredumpAck are not named by the distilled
	// protocol table but are required by the delivery pipeline (signal
	// §4.4's Sigreturn) and the core-dump orchestrator (§4.6 step 6) to
	// round-trip over the same socket as every other command.
	CmdSigreturn
	CmdCoredumpAck
)

func (c Command) String() string {
	switch c {
	case CmdDMARequest:
		return "dma-request"
	case CmdSignalSend:
		return "signal-send"
	case CmdSigaction:
		return "sigaction"
	case CmdSigprocmask:
		return "sigprocmask"
	case CmdSigpending:
		return "sigpending"
	case CmdSigsuspend:
		return "sigsuspend"
	case CmdSigaltstack:
		return "sigaltstack"
	case CmdGetContext:
		return "getcontext"
	case CmdSetContext:
		return "setcontext"
	case CmdSigreturn:
		return "sigreturn"
	case CmdCoredumpAck:
		return "coredump-ack"
	default:
		return fmt.Sprintf("command(%d)", uint32(c))
	}
}

// maxPayload bounds a single message's payload to guard against a
// malformed length prefix driving an unbounded allocation.
const maxPayload = 16 << 20

// Header is the fixed portion of every message (spec.md §6: "{command id,
// caller pid, opaque payload bytes, payload length}").
type Header struct {
	Command Command
	PID     int32
	Length  uint32
}

const headerSize = 4 + 4 + 4

// Message is one complete request or response.
type Message struct {
	Header  Header
	Payload []byte
}

// Response is the ack message of spec.md §6/§7: "every handler returns a
// negated errno in the ack message" alongside any result payload.
type Response struct {
	Result  int64
	Payload []byte
}

const responseHeaderSize = 8 + 4

// ReadMessage reads one length-prefixed request from r (spec.md §6).
func ReadMessage(r *bufio.Reader) (Message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	h := Header{
		Command: Command(binary.LittleEndian.Uint32(hdr[0:4])),
		PID:     int32(binary.LittleEndian.Uint32(hdr[4:8])),
		Length:  binary.LittleEndian.Uint32(hdr[8:12]),
	}
	if h.Length > maxPayload {
		return Message{}, fmt.Errorf("proto: payload length %d exceeds limit", h.Length)
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, err
	}
	return Message{Header: h, Payload: payload}, nil
}

// WriteMessage writes one length-prefixed request to w.
func WriteMessage(w io.Writer, m Message) error {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(m.Header.Command))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(m.Header.PID))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(m.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(m.Payload)
	return err
}

// WriteResponse writes one ack message: a negated-errno (or zero/positive
// result) int64 followed by its payload (spec.md §6).
func WriteResponse(w io.Writer, resp Response) error {
	var hdr [responseHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(resp.Result))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(resp.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(resp.Payload)
	return err
}

// ReadResponse reads one ack message, the client-side counterpart of
// WriteResponse.
func ReadResponse(r *bufio.Reader) (Response, error) {
	var hdr [responseHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Response{}, err
	}
	result := int64(binary.LittleEndian.Uint64(hdr[0:8]))
	length := binary.LittleEndian.Uint32(hdr[8:12])
	if length > maxPayload {
		return Response{}, fmt.Errorf("proto: response payload length %d exceeds limit", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Response{}, err
	}
	return Response{Result: result, Payload: payload}, nil
}
