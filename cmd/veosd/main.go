// Command veosd is the VE-side OS service of spec.md §1: it owns the DMA
// engine, the signal subsystem, the memory-transfer facade, and the
// core-dump orchestrator for every pseudo process attached to one VE node.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/veos-project/veosd/config"
	"github.com/veos-project/veosd/coredump"
	"github.com/veos-project/veosd/dispatch"
	"github.com/veos-project/veosd/dma"
	"github.com/veos-project/veosd/mmtransfer"
	sig "github.com/veos-project/veosd/procwatch"
	"github.com/veos-project/veosd/proto"
	vesignal "github.com/veos-project/veosd/signal"
	"github.com/veos-project/veosd/task"
)

func main() {
	configPath := flag.String("config", "/etc/veos/veosd.yaml", "path to the node configuration file")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("veosd: load config")
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("veosd: exited with error")
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	driver, err := dma.OpenCharDevDriver(cfg.DriverDevice, cfg.NumDescriptors)
	if err != nil {
		return fmt.Errorf("open driver device: %w", err)
	}
	engine, err := dma.New(driver, cfg.NumDescriptors, log)
	if err != nil {
		return fmt.Errorf("start dma engine: %w", err)
	}
	defer engine.Close()

	translator := mmtransfer.CombinedTranslator{
		Host: mmtransfer.PagemapTranslator{},
		VE:   nil, // the VE driver's page-table translation is an out-of-scope external collaborator (spec.md §1)
	}
	facade := mmtransfer.New(engine, translator, log)

	registry := task.New()

	// Register-image I/O and signal-frame transport both cross into VE
	// memory the same way dma.Translator's VE half does; their concrete
	// bindings live on top of the VE driver character device, the same
	// out-of-scope external collaborator cited for CombinedTranslator.VE
	// above (spec.md §1).
	generator := vesignal.NewGenerator(log, cfg.RlimitSigpendingDefault, nil, registry)
	orchestrator := coredump.New(log, cfg.CoredumpHelperPath, nil, taskKiller{gen: generator}, registry)
	delivery := vesignal.NewDelivery(log, nil, nil, pidKiller{registry: registry, gen: generator}, generator, coredumpStarter{orch: orchestrator})

	disp := dispatch.New(log, engine, facade, generator, delivery, orchestrator, registry)

	stopping := sig.NewStoppingThread(log, registry, sig.ProcStatusReader{})
	go stopping.Run(ctx)

	death := sig.NewDeathListener(log, registry, cfg.DeadPIDAttribute)
	go func() {
		if err := death.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("veosd: death listener stopped")
		}
	}()

	return serve(ctx, cfg.SocketPath, disp, log)
}

// pidKiller adapts the task registry + signal generator to signal.Killer's
// pid-indexed shape used by delivery's terminate-class path.
type pidKiller struct {
	registry *task.Registry
	gen      *vesignal.Generator
}

func (k pidKiller) Kill(pid int32, signo int32) error {
	t, ok := k.registry.Lookup(pid)
	if !ok {
		return fmt.Errorf("veosd: kill: no such task %d", pid)
	}
	return k.gen.Kill(t, signo)
}

// taskKiller adapts the signal generator to coredump.Killer's task-indexed
// shape, needed because the orchestrator already holds the thread-group
// leader directly.
type taskKiller struct {
	gen *vesignal.Generator
}

func (k taskKiller) Kill(t *task.Task, signo int32) error {
	return k.gen.Kill(t, signo)
}

// coredumpStarter adapts the orchestrator to signal.CoredumpStarter, filling
// in the VE executable directory and credentials the orchestrator needs
// from the task it already has its hands on (spec §4.6 steps 3, 5).
type coredumpStarter struct {
	orch *coredump.Orchestrator
}

func (c coredumpStarter) StartDump(leader *task.Task) error {
	return c.orch.Start(leader, leader.ExecDir, leader.UID, leader.GID)
}

// serve accepts pseudo-process connections on the UNIX socket of spec.md
// §6 and runs one handler goroutine per connection until ctx is canceled.
func serve(ctx context.Context, socketPath string, disp *dispatch.Dispatcher, log *logrus.Logger) error {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go handleConn(conn, disp, log)
	}
}

func handleConn(conn net.Conn, disp *dispatch.Dispatcher, log *logrus.Logger) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		msg, err := proto.ReadMessage(r)
		if err != nil {
			return
		}
		resp := disp.Handle(msg)
		if err := proto.WriteResponse(conn, resp); err != nil {
			log.WithError(err).Warn("veosd: write response failed")
			return
		}
	}
}
