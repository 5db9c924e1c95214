package signal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veos-project/veosd/task"
)

type fakeKiller struct {
	mu     sync.Mutex
	killed []killCall
}

type killCall struct {
	pid   int32
	signo int32
}

func (k *fakeKiller) Kill(pid int32, signo int32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.killed = append(k.killed, killCall{pid: pid, signo: signo})
	return nil
}

// fakeCoredumpStarter stands in for *coredump.Orchestrator across the
// arm's-length CoredumpStarter interface, closing done once StartDump runs
// so a test can wait on Deliver's detached goroutine without a sleep.
type fakeCoredumpStarter struct {
	done    chan struct{}
	started *task.Task
}

func newFakeCoredumpStarter() *fakeCoredumpStarter {
	return &fakeCoredumpStarter{done: make(chan struct{})}
}

func (c *fakeCoredumpStarter) StartDump(leader *task.Task) error {
	c.started = leader
	close(c.done)
	return nil
}

func TestDeliverIgnoreClassDropsSignalSilently(t *testing.T) {
	log := testLogger()
	gen := NewGenerator(log, 10, nil, nil)
	d := NewDelivery(log, nil, nil, nil, gen, nil)
	tsk := newTestTask(1, 1)

	_, err := gen.Send(tsk, SIGCHLD, SendOpts{Info: SendSigPriv, SenderPrivileged: true})
	require.NoError(t, err)

	outcome, err := d.Deliver(tsk, RestartNone)
	require.NoError(t, err)
	require.Equal(t, OutcomeNoDelivery, outcome)
}

func TestDeliverStopClassStopsTask(t *testing.T) {
	log := testLogger()
	gen := NewGenerator(log, 10, nil, nil)
	d := NewDelivery(log, nil, nil, nil, gen, nil)
	tsk := newTestTask(1, 1)

	_, err := gen.Send(tsk, SIGSTOP, SendOpts{Info: SendSigPriv, SenderPrivileged: true})
	require.NoError(t, err)

	outcome, err := d.Deliver(tsk, RestartNone)
	require.NoError(t, err)
	require.Equal(t, OutcomeStopped, outcome)
	require.Equal(t, task.Stop, tsk.State())
}

func TestDeliverTermClassKillsTask(t *testing.T) {
	log := testLogger()
	gen := NewGenerator(log, 10, nil, nil)
	killer := &fakeKiller{}
	d := NewDelivery(log, nil, nil, killer, gen, nil)
	tsk := newTestTask(7, 7)

	_, err := gen.Send(tsk, SIGTERM, SendOpts{Info: SendSigPriv, SenderPrivileged: true})
	require.NoError(t, err)

	outcome, err := d.Deliver(tsk, RestartNone)
	require.NoError(t, err)
	require.Equal(t, OutcomeTerminated, outcome)
	require.Equal(t, []killCall{{pid: 7, signo: SIGKILL}}, killer.killed)
}

// TestDeliverCoreClassLaunchesCoredumpPipeline is a regression test for the
// review's central finding: the core-class default action must actually
// launch the coredump pipeline rather than leaving Orchestrator.Start
// unreachable.
func TestDeliverCoreClassLaunchesCoredumpPipeline(t *testing.T) {
	log := testLogger()
	gen := NewGenerator(log, 10, nil, nil)
	starter := newFakeCoredumpStarter()
	d := NewDelivery(log, nil, nil, nil, gen, starter)
	tsk := newTestTask(5, 5)

	_, err := gen.Send(tsk, SIGSEGV, SendOpts{Info: SendSigPriv, SenderPrivileged: true})
	require.NoError(t, err)

	outcome, err := d.Deliver(tsk, RestartNone)
	require.NoError(t, err)
	require.Equal(t, OutcomeTerminated, outcome)
	require.True(t, tsk.Sighand.GroupCoredump)
	require.Equal(t, task.Stop, tsk.State())

	select {
	case <-starter.done:
	case <-time.After(time.Second):
		t.Fatal("coredump pipeline was never started")
	}
	require.Equal(t, tsk, starter.started)
}

func TestDeliverCoreClassWithoutStarterStillStopsGroup(t *testing.T) {
	log := testLogger()
	gen := NewGenerator(log, 10, nil, nil)
	d := NewDelivery(log, nil, nil, nil, gen, nil)
	tsk := newTestTask(5, 5)

	_, err := gen.Send(tsk, SIGABRT, SendOpts{Info: SendSigPriv, SenderPrivileged: true})
	require.NoError(t, err)

	outcome, err := d.Deliver(tsk, RestartNone)
	require.NoError(t, err)
	require.Equal(t, OutcomeTerminated, outcome)
	require.True(t, tsk.Sighand.GroupCoredump)
}
