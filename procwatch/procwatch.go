// Package procwatch implements the stopping and polling threads of
// spec.md §4.7: mirroring pseudo-process state into VE task state, and
// harvesting death notifications from the driver.
package procwatch

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/veos-project/veosd/signal"
	"github.com/veos-project/veosd/task"
)

// stoppingInterval is the sleep between passes of the stopping thread
// (spec.md §4.7: "Sleeps 1 ms between passes").
const stoppingInterval = time.Millisecond

// ProcStatusReader implements signal.ProcStatusReader on top of
// github.com/shirou/gopsutil/v4/process, grounded in the teacher's own use
// of gopsutil for /proc introspection (kernel/sysinfo.go).
type ProcStatusReader struct{}

func (ProcStatusReader) IsStopped(pid int32) (bool, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return false, err
	}
	status, err := p.Status()
	if err != nil {
		return false, err
	}
	for _, s := range status {
		if s == process.Stop {
			return true, nil
		}
	}
	return false, nil
}

// StoppingThread implements spec.md §4.7's stopping thread: it wakes
// whenever the registry is non-empty, walks every registered task, and
// issues group STOPPROC for any whose pseudo process has actually stopped.
type StoppingThread struct {
	log      *logrus.Entry
	registry *task.Registry
	reader   signal.ProcStatusReader
}

func NewStoppingThread(log *logrus.Logger, registry *task.Registry, reader signal.ProcStatusReader) *StoppingThread {
	return &StoppingThread{log: log.WithField("component", "procwatch-stopping"), registry: registry, reader: reader}
}

// Run blocks until ctx is canceled, implementing the cooperative shutdown
// of spec.md §5 ("terminate_flag ... check these between blocking calls").
func (s *StoppingThread) Run(ctx context.Context) {
	ticker := time.NewTicker(stoppingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.registry.Len() == 0 {
			continue
		}
		s.pass()
	}
}

func (s *StoppingThread) pass() {
	seen := make(map[int32]struct{})
	s.registry.Each(func(t *task.Task) {
		if t.State() == task.Stop {
			return
		}
		tgid := t.TGID
		if _, ok := seen[tgid]; ok {
			return
		}
		seen[tgid] = struct{}{}
		group := s.registry.ThreadGroup(tgid)
		signal.GroupAction(group, signal.GroupStopProc, 0, s.reader, nil)
	})
}

// DeathListener implements spec.md §4.7's polling thread: it opens the
// driver's dead-PID sysfs attribute, polls it with POLLPRI, and retires
// every reported PID.
type DeathListener struct {
	log      *logrus.Entry
	registry *task.Registry
	path     string

	mu sync.Mutex
	f  *os.File
}

func NewDeathListener(log *logrus.Logger, registry *task.Registry, path string) *DeathListener {
	return &DeathListener{log: log.WithField("component", "procwatch-polling"), registry: registry, path: path}
}

// Run blocks until ctx is canceled, opening the attribute file once and
// rewinding it to offset 0 between reads (spec.md §6).
func (d *DeathListener) Run(ctx context.Context) error {
	f, err := os.Open(d.path)
	if err != nil {
		return err
	}
	defer f.Close()
	d.mu.Lock()
	d.f = f
	d.mu.Unlock()

	fds := []unix.PollFd{{Fd: int32(f.Fd()), Events: unix.POLLPRI}}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, err := unix.Poll(fds, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n == 0 || fds[0].Revents&unix.POLLPRI == 0 {
			continue
		}
		if err := d.harvest(f); err != nil {
			d.log.WithError(err).Warn("procwatch: harvest failed")
		}
	}
}

func (d *DeathListener) harvest(f *os.File) error {
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(f)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		if err != nil {
			continue
		}
		d.retire(int32(pid))
	}
	return scanner.Err()
}

func (d *DeathListener) retire(pid int32) {
	t, ok := d.registry.Lookup(pid)
	if !ok {
		return
	}
	t.MarkDying(int32(signal.SIGKILL))
	if t.Unref() {
		d.registry.Remove(pid)
	}
}
