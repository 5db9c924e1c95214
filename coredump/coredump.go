// Package coredump implements the core-dump orchestrator of spec.md §4.6:
// freezing a thread group, deriving the dump path from core_pattern,
// handing a writable fd to a privilege-dropping helper process over
// SCM_RIGHTS, running the ELF writer, and finally killing the group.
package coredump

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/veos-project/veosd/internal/errno"
	"github.com/veos-project/veosd/signal"
	"github.com/veos-project/veosd/task"
)

// ElfWriter is the out-of-scope collaborator of spec.md §1: veosd hands it
// an open, writable fd and the frozen task whose register/memory state it
// should serialize; the actual ELF layout lives outside this module.
type ElfWriter interface {
	WriteCore(f *os.File, leader *task.Task) error
}

// Killer finishes step 6 of spec.md §4.6: mark the group for exit and
// deliver the kill. Implemented by *signal.Generator in production.
type Killer interface {
	Kill(t *task.Task, signo int32) error
}

// corePatternPath is read once per thread group at group-creation time
// (§5, OQ-2) rather than freshly for every dump: under concurrent coredumps
// of distinct groups, re-reading mid-dump could race a sysctl edit against
// an in-flight dump and produce a filename nobody asked for. Caching at
// group-creation time trades that race for a tiny staleness window, which
// is the documented REDESIGN in DESIGN.md. Nothing in this module calls
// CacheCorePattern, so every group gets the fallback pattern "core".
const corePatternPath = "/proc/sys/kernel/core_pattern"

// Orchestrator runs spec.md §4.6's freeze/dump/kill pipeline for one
// thread group at a time; callers serialize it per group via
// sighand.DelLock the same way spec §5's lock ordering requires.
type Orchestrator struct {
	log        *logrus.Entry
	helperPath string
	elf        ElfWriter
	killer     Killer
	hostname   string
	registry   *task.Registry

	mu       sync.Mutex
	patterns map[int32]string   // tgid -> cached core_pattern, set at group creation
	pending  map[int32]struct{} // tgids with a dump awaiting CmdCoredumpAck
}

// New builds an orchestrator. helperPath is the path to the
// cmd/veosd-coredump-helper binary. registry may be nil, in which case
// Start's opening CLEANTHREAD freeze only reaches leader itself rather than
// its whole thread group.
func New(log *logrus.Logger, helperPath string, elf ElfWriter, killer Killer, registry *task.Registry) *Orchestrator {
	hostname, _ := os.Hostname()
	return &Orchestrator{
		log:        log.WithField("component", "coredump"),
		helperPath: helperPath,
		elf:        elf,
		killer:     killer,
		hostname:   hostname,
		registry:   registry,
		patterns:   make(map[int32]string),
		pending:    make(map[int32]struct{}),
	}
}

// CacheCorePattern snapshots /proc/sys/kernel/core_pattern for tgid at
// group-creation time (spec.md §5, OQ-2). No code in this module calls it;
// a tgid without a snapshot uses the pattern "core" (see corePatternFor).
func (o *Orchestrator) CacheCorePattern(tgid int32) error {
	raw, err := os.ReadFile(corePatternPath)
	if err != nil {
		return fmt.Errorf("coredump: read core_pattern: %w", err)
	}
	o.mu.Lock()
	o.patterns[tgid] = strings.TrimSpace(string(raw))
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) corePatternFor(tgid int32) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.patterns[tgid]; ok {
		return p
	}
	return "core"
}

// dumpPath expands core_pattern per spec.md §4.6 step 3: %p -> tgid,
// %h -> hostname, %% -> %, any other %-escape silently dropped.
func (o *Orchestrator) dumpPath(tgid int32, vePath string) string {
	pattern := o.corePatternFor(tgid)
	sawPID := strings.Contains(pattern, "%p")

	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c != '%' || i == len(pattern)-1 {
			b.WriteByte(c)
			continue
		}
		i++
		switch pattern[i] {
		case 'p':
			fmt.Fprintf(&b, "%d", tgid)
		case 'h':
			b.WriteString(o.hostname)
		case '%':
			b.WriteByte('%')
		default:
			// unknown escape: dropped entirely, including the percent
		}
	}
	expanded := b.String()

	switch {
	case strings.HasPrefix(expanded, "|"):
		expanded = strings.TrimSuffix(vePath, "/") + "/core"
	case !strings.HasPrefix(expanded, "/"):
		expanded = strings.TrimSuffix(vePath, "/") + "/" + expanded
	}

	if sawPID {
		return expanded + ".ve"
	}
	return fmt.Sprintf("%s.%d.ve", expanded, tgid)
}

// Start runs spec.md §4.6 for leader's thread group: leader must already be
// in GROUP_COREDUMP/STOP (spec §4.4 step 4) before this is called. It opens
// by taking the delete-lock and freezing the whole group with CLEANTHREAD,
// then checks the soft RLIMIT_CORE==0 skip before running steps 2-5. It
// returns once the dump file has been written (or has failed, or been
// skipped), and performs the final kill itself (step 6) so callers need not
// sequence anything after it returns.
func (o *Orchestrator) Start(leader *task.Task, vePath string, uid, gid uint32) error {
	o.freezeGroup(leader)

	if limit, err := softCoreLimit(leader.PID); err != nil {
		o.log.WithError(err).WithField("pid", leader.PID).Warn("coredump: read RLIMIT_CORE failed, proceeding with dump")
	} else if limit == 0 {
		o.log.WithField("tgid", leader.TGID).Info("coredump: soft RLIMIT_CORE is 0, skipping dump")
		return o.finish(leader, nil)
	}

	sp, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return o.finish(leader, fmt.Errorf("coredump: socketpair: %w", err))
	}
	parentFile := os.NewFile(uintptr(sp[0]), "coredump-parent")
	childFile := os.NewFile(uintptr(sp[1]), "coredump-child")
	defer parentFile.Close()

	path := o.dumpPath(leader.TGID, vePath)
	o.markPending(leader.TGID)

	cmd := exec.Command(o.helperPath, path)
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uid, Gid: gid},
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		childFile.Close()
		return o.finish(leader, fmt.Errorf("coredump: start helper: %w", err))
	}
	childFile.Close()

	f, recvErr := recvFD(parentFile)
	waitErr := cmd.Wait()
	if recvErr != nil {
		o.clearPending(leader.TGID)
		return o.finish(leader, fmt.Errorf("coredump: receive fd from helper: %w", recvErr))
	}
	if waitErr != nil {
		o.log.WithError(waitErr).WithField("tgid", leader.TGID).Warn("coredump: helper exited non-zero")
	}
	defer f.Close()

	writeErr := o.elf.WriteCore(f, leader)
	if writeErr != nil {
		o.log.WithError(writeErr).WithField("tgid", leader.TGID).Error("coredump: ELF write failed")
	}

	return o.finish(leader, writeErr)
}

// freezeGroup implements spec §4.6's opening step: take the delete-lock,
// freeze the whole group with CLEANTHREAD before anything else runs. leader
// is skipped as the caller (it is already STOP, and CLEANTHREAD always
// skips the caller task).
func (o *Orchestrator) freezeGroup(leader *task.Task) {
	group := []*task.Task{leader}
	if o.registry != nil {
		group = o.registry.ThreadGroup(leader.TGID)
	}
	leader.Sighand.DelLock.Lock()
	defer leader.Sighand.DelLock.Unlock()
	signal.GroupAction(group, signal.GroupCleanThread, 0, nil, leader)
}

// softCoreLimit reads the pseudo process's soft RLIMIT_CORE via prlimit(2)
// (spec §4.6 step 1: "If soft RLIMIT_CORE == 0, skip dump").
func softCoreLimit(pid int32) (uint64, error) {
	var rlim unix.Rlimit
	if err := unix.Prlimit(int(pid), unix.RLIMIT_CORE, nil, &rlim); err != nil {
		return 0, fmt.Errorf("coredump: prlimit RLIMIT_CORE: %w", err)
	}
	return rlim.Cur, nil
}

// finish runs spec §4.6 step 6 unconditionally, whether or not a dump was
// actually written: mark the group for exit and deliver the kill.
func (o *Orchestrator) finish(leader *task.Task, writeErr error) error {
	leader.Sighand.DelLock.Lock()
	leader.Sighand.GroupExit = true
	leader.Sighand.DelLock.Unlock()

	signo := int32(unix.SIGKILL)
	if killErr := o.killer.Kill(leader, signo); killErr != nil {
		return fmt.Errorf("coredump: final kill: %w", killErr)
	}
	return writeErr
}

// recvFD receives the single fd the helper sends back over SCM_RIGHTS
// (spec.md §4.6 step 4).
func recvFD(conn *os.File) (*os.File, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := unix.Recvmsg(int(conn.Fd()), buf, oob, 0)
	if err != nil {
		return nil, err
	}
	if n == 0 && oobn == 0 {
		return nil, fmt.Errorf("coredump: helper closed without sending an fd")
	}
	messages, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, err
	}
	for _, m := range messages {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			return os.NewFile(uintptr(fds[0]), "core"), nil
		}
	}
	return nil, fmt.Errorf("coredump: no fd in SCM_RIGHTS message")
}

func (o *Orchestrator) markPending(tgid int32) {
	o.mu.Lock()
	o.pending[tgid] = struct{}{}
	o.mu.Unlock()
}

func (o *Orchestrator) clearPending(tgid int32) {
	o.mu.Lock()
	delete(o.pending, tgid)
	o.mu.Unlock()
}

// Ack records the pseudo process's own acknowledgement of a completed dump
// (CmdCoredumpAck), closing the loop on the normal request socket rather
// than only the private SCM_RIGHTS one; Start does not block on it, so a
// slow or absent ack never stalls the kill in step 6.
func (o *Orchestrator) Ack(tgid int32, ok bool) error {
	o.mu.Lock()
	_, wasPending := o.pending[tgid]
	delete(o.pending, tgid)
	o.mu.Unlock()
	if !wasPending {
		return errno.ENOENT
	}
	if !ok {
		o.log.WithField("tgid", tgid).Warn("coredump: pseudo process reported a failed dump")
	}
	return nil
}
