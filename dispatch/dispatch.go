package dispatch

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/veos-project/veosd/coredump"
	"github.com/veos-project/veosd/dma"
	"github.com/veos-project/veosd/internal/errno"
	"github.com/veos-project/veosd/mmtransfer"
	"github.com/veos-project/veosd/proto"
	"github.com/veos-project/veosd/signal"
	"github.com/veos-project/veosd/task"
)

// Dispatcher routes decoded wire messages to the memory-transfer facade,
// the signal subsystem, and the core-dump orchestrator, and turns every
// result into a negated-errno ack (spec.md §2 "Data flow", §7
// "Surfaced to the pseudo process").
type Dispatcher struct {
	log       *logrus.Entry
	engine    *dma.Engine
	facade    *mmtransfer.Facade
	generator *signal.Generator
	delivery  *signal.Delivery
	coredump  *coredump.Orchestrator
	registry  *task.Registry
}

func New(log *logrus.Logger, engine *dma.Engine, facade *mmtransfer.Facade, gen *signal.Generator, del *signal.Delivery, cd *coredump.Orchestrator, registry *task.Registry) *Dispatcher {
	return &Dispatcher{
		log:       log.WithField("component", "dispatch"),
		engine:    engine,
		facade:    facade,
		generator: gen,
		delivery:  del,
		coredump:  cd,
		registry:  registry,
	}
}

// Handle decodes one request and produces its ack (spec.md §6). Only the
// result field ever carries an error signal; dispatch never touches any
// ambient errno-like state (spec.md §9's Open Question resolution).
func (d *Dispatcher) Handle(msg proto.Message) proto.Response {
	payload, err := d.route(msg)
	if err != nil {
		e, ok := errno.FromError(err)
		if !ok {
			d.log.WithError(err).WithField("command", msg.Header.Command).Error("dispatch: unmapped error")
			e = errno.EIO
		}
		return proto.Response{Result: e.Negate()}
	}
	return proto.Response{Result: 0, Payload: payload}
}

func (d *Dispatcher) route(msg proto.Message) ([]byte, error) {
	switch msg.Header.Command {
	case proto.CmdDMARequest:
		return nil, d.handleDMARequest(msg)
	case proto.CmdSignalSend:
		return nil, d.handleSignalSend(msg)
	case proto.CmdSigaction:
		return d.handleSigaction(msg)
	case proto.CmdSigprocmask:
		return d.handleSigprocmask(msg)
	case proto.CmdSigpending:
		return d.handleSigpending(msg)
	case proto.CmdSigsuspend:
		return nil, d.handleSigsuspend(msg)
	case proto.CmdSigaltstack:
		return d.handleSigaltstack(msg)
	case proto.CmdGetContext, proto.CmdSetContext:
		return nil, errno.ENOSYS // register-image I/O: owned by signal.RegisterAccess's concrete binding
	case proto.CmdSigreturn:
		return nil, d.handleSigreturn(msg)
	case proto.CmdCoredumpAck:
		return nil, d.handleCoredumpAck(msg)
	default:
		return nil, fmt.Errorf("dispatch: unknown command %s: %w", msg.Header.Command, errno.EINVAL)
	}
}

func (d *Dispatcher) lookup(pid int32) (*task.Task, error) {
	t, ok := d.registry.Lookup(pid)
	if !ok {
		return nil, errno.ENOENT
	}
	return t, nil
}

func (d *Dispatcher) handleDMARequest(msg proto.Message) error {
	p, err := decodeDMARequest(msg.Payload)
	if err != nil {
		return fmt.Errorf("%w", errno.EINVAL)
	}
	src := endpointFromWire(p.SrcSpace, p.SrcPID, p.SrcAddr)
	dst := endpointFromWire(p.DstSpace, p.DstPID, p.DstAddr)
	req, err := d.engine.Post(src, dst, p.Length, d.translatorOrNil())
	if err != nil {
		return err
	}
	if status := req.Wait(); status != dma.OK {
		return errno.EIO
	}
	return nil
}

func (d *Dispatcher) translatorOrNil() dma.Translator {
	return mmtransfer.PagemapTranslator{}
}

func endpointFromWire(space uint8, pid int32, addr uint64) dma.Endpoint {
	switch dma.AddrSpace(space) {
	case dma.SpaceVEVirtual:
		return dma.VEVirtual(pid, addr)
	case dma.SpaceVEVirtualNoProt:
		return dma.VEVirtualNoProt(pid, addr)
	case dma.SpaceHostVirtual:
		return dma.HostVirtual(pid, addr)
	case dma.SpaceVEPhysical:
		return dma.VEPhysical(addr)
	case dma.SpaceVERegister:
		return dma.VERegister(addr)
	default:
		return dma.HostPhysical(addr)
	}
}

func (d *Dispatcher) handleSignalSend(msg proto.Message) error {
	p, err := decodeSignalSend(msg.Payload)
	if err != nil {
		return fmt.Errorf("%w", errno.EINVAL)
	}
	t, err := d.lookup(p.TargetPID)
	if err != nil {
		return err
	}
	info := &signal.Info{Code: p.Code, PID: p.SenderPID, UID: p.SenderUID, Addr: p.Addr, HWFault: p.HWFault}
	_, err = d.generator.Send(t, p.Signo, signal.SendOpts{Info: info})
	return err
}

func (d *Dispatcher) handleSigaction(msg proto.Message) ([]byte, error) {
	p, err := decodeSigaction(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w", errno.EINVAL)
	}
	if p.Signo < 1 || int(p.Signo) > len(task.SigHand{}.Handlers) {
		return nil, errno.EINVAL
	}
	t, err := d.lookup(msg.Header.PID)
	if err != nil {
		return nil, err
	}
	t.Sighand.SigLock.Lock()
	old := t.Sighand.Handlers[p.Signo-1]
	t.Sighand.Handlers[p.Signo-1] = task.HandlerEntry{Handler: p.Handler, Flags: p.Flags, Mask: task.Mask(p.Mask)}
	t.Sighand.SigLock.Unlock()
	return encodeSigaction(SigactionPayload{Signo: p.Signo, Handler: old.Handler, Flags: old.Flags, Mask: uint64(old.Mask)}), nil
}

func (d *Dispatcher) handleSigprocmask(msg proto.Message) ([]byte, error) {
	p, err := decodeSigprocmask(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w", errno.EINVAL)
	}
	t, err := d.lookup(msg.Header.PID)
	if err != nil {
		return nil, err
	}
	t.Lock()
	old := t.Blocked
	switch p.How {
	case SigBlock:
		t.Blocked |= task.Mask(p.Set)
	case SigUnblock:
		t.Blocked &^= task.Mask(p.Set)
	case SigSetmask:
		t.Blocked = task.Mask(p.Set)
	default:
		t.Unlock()
		return nil, errno.EINVAL
	}
	t.Blocked = t.Blocked.Clear(signal.SIGKILL).Clear(signal.SIGSTOP)
	t.Unlock()
	t.RecalcSigPending()
	return encodeMask(uint64(old)), nil
}

func (d *Dispatcher) handleSigpending(msg proto.Message) ([]byte, error) {
	t, err := d.lookup(msg.Header.PID)
	if err != nil {
		return nil, err
	}
	t.Sighand.SigLock.Lock()
	defer t.Sighand.SigLock.Unlock()
	t.Lock()
	defer t.Unlock()
	q, ok := t.Pending.(*signal.Queue)
	if !ok || q == nil {
		return encodeMask(0), nil
	}
	return encodeMask(uint64(pendingBits(q))), nil
}

func (d *Dispatcher) handleSigsuspend(msg proto.Message) error {
	// sigsuspend blocks the calling thread until a signal is delivered;
	// that suspension is owned by the scheduler's dispatch loop, not this
	// handler, which only has a request/response round trip to work with.
	return errno.ENOSYS
}

func (d *Dispatcher) handleSigaltstack(msg proto.Message) ([]byte, error) {
	p, err := decodeSigaltstack(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w", errno.EINVAL)
	}
	t, err := d.lookup(msg.Header.PID)
	if err != nil {
		return nil, err
	}
	t.Lock()
	old := t.AltStack
	if !old.Active {
		t.AltStack.SP = p.SP
		t.AltStack.Size = p.Size
	}
	active := old.Active
	t.Unlock()
	if active {
		return nil, errno.EPERM
	}
	return encodeSigaltstack(SigaltstackPayload{SP: old.SP, Size: old.Size}), nil
}

func (d *Dispatcher) handleSigreturn(msg proto.Message) error {
	p, err := decodeSigreturn(msg.Payload)
	if err != nil {
		return fmt.Errorf("%w", errno.EINVAL)
	}
	t, err := d.lookup(msg.Header.PID)
	if err != nil {
		return err
	}
	return d.delivery.Sigreturn(t, p.FrameAddr)
}

func (d *Dispatcher) handleCoredumpAck(msg proto.Message) error {
	p, err := decodeCoredumpAck(msg.Payload)
	if err != nil {
		return fmt.Errorf("%w", errno.EINVAL)
	}
	return d.coredump.Ack(p.TGID, p.OK)
}

// pendingBits exposes the bitset half of a signal.Queue without letting
// dispatch reach into its internals directly.
func pendingBits(q *signal.Queue) uint64 {
	return q.Bits()
}
