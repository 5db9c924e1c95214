package mmtransfer

import (
	"io"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/veos-project/veosd/dma"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// identityTranslator treats virtual addresses as already physical, bounding
// each run at the endpoint's page size, mirroring dma's own test translator
// (dma/entry_test.go) since mmtransfer has no translator of its own.
type identityTranslator struct{}

func (identityTranslator) Translate(e dma.Endpoint) (uint64, uint64, error) {
	page := uint64(dma.HostPageSize)
	if e.Space().IsVE() {
		page = dma.VEPageSize
	}
	off := e.Addr() % page
	return e.Addr(), page - off, nil
}

// fakeVEMem backs every VE-space address with real storage, so a send/recv
// round trip through the Facade can be checked byte-for-byte.
type fakeVEMem struct {
	mu  sync.Mutex
	mem []byte
}

func newFakeVEMem(size int) *fakeVEMem {
	return &fakeVEMem{mem: make([]byte, size)}
}

func (m *fakeVEMem) read(addr, length uint64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, length)
	copy(out, m.mem[addr:addr+length])
	return out
}

func (m *fakeVEMem) write(addr uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.mem[addr:], data)
}

// fakeDriver is an in-memory driverHandle that actually performs the copy a
// descriptor describes: fakeVEMem backs the VE side, real process memory
// (via unsafe, the same idiom Facade.hostAddr already uses) backs the host
// side. Completion is synchronous with PostDescriptor, so no polling delay
// is needed to exercise the alignment math this package is about.
type fakeDriver struct {
	mu        sync.Mutex
	numDesc   int
	ve        *fakeVEMem
	readPtr   uint64
	status    []byte
	interrupt chan struct{}
}

func newFakeDriver(numDesc int, ve *fakeVEMem) *fakeDriver {
	return &fakeDriver{
		numDesc:   numDesc,
		ve:        ve,
		status:    make([]byte, numDesc),
		interrupt: make(chan struct{}, numDesc),
	}
}

func (d *fakeDriver) Halted() (bool, error) { return true, nil }
func (d *fakeDriver) Halt() error           { return nil }
func (d *fakeDriver) Start() error          { return nil }

func (d *fakeDriver) ClearDescriptor(idx int) error {
	d.mu.Lock()
	d.status[idx] = 0
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) readSpace(space dma.AddrSpace, addr, length uint64) []byte {
	if space.IsVE() {
		return d.ve.read(addr, length)
	}
	out := make([]byte, length)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), int(length)))
	return out
}

func (d *fakeDriver) writeSpace(space dma.AddrSpace, addr uint64, data []byte) {
	if space.IsVE() {
		d.ve.write(addr, data)
		return
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(data)), data)
}

func (d *fakeDriver) PostDescriptor(idx int, desc dma.Descriptor) error {
	data := d.readSpace(desc.SrcSpace, desc.SrcAddr, desc.Length)
	d.writeSpace(desc.DstSpace, desc.DstAddr, data)

	d.mu.Lock()
	d.status[idx] = 1
	d.readPtr++
	d.mu.Unlock()
	select {
	case d.interrupt <- struct{}{}:
	default:
	}
	return nil
}

func (d *fakeDriver) ReadPointer() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readPtr, nil
}

func (d *fakeDriver) SlotStatus(idx int) (bool, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status[idx] != 0, false, nil
}

func (d *fakeDriver) WaitInterrupt(timeout time.Duration) (bool, error) {
	select {
	case <-d.interrupt:
		return true, nil
	case <-time.After(timeout):
		return false, nil
	}
}

func (d *fakeDriver) CommitOrder() {}
func (d *fakeDriver) Close() error { return nil }

func newTestFacade(t *testing.T, numDesc, veSize int) (*Facade, *fakeVEMem) {
	t.Helper()
	ve := newFakeVEMem(veSize)
	driver := newFakeDriver(numDesc, ve)
	engine, err := dma.New(driver, numDesc, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = engine.Close()
	})
	return New(engine, identityTranslator{}, testLogger()), ve
}

func TestSendRecvAlignedRoundTrip(t *testing.T) {
	f, _ := newTestFacade(t, 4, 4096)
	data := []byte("ABCDEFGH")
	require.NoError(t, f.Send(1, 800, data))

	got, err := f.Recv(1, 800, 8)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

// TestSendMisalignedTailPreservesNeighboringBytes exercises the tail-pad
// bounce buffer: a write ending mid-word must read the trailing word first
// so the bytes beyond the payload come back unchanged.
func TestSendMisalignedTailPreservesNeighboringBytes(t *testing.T) {
	f, ve := newTestFacade(t, 4, 4096)
	seed := make([]byte, 16)
	for i := range seed {
		seed[i] = 0xFF
	}
	ve.write(100, seed)

	require.NoError(t, f.Send(1, 104, []byte{1, 2, 3}))

	got := ve.read(100, 16)
	require.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, got[0:4]) // 100-103 untouched
	require.Equal(t, []byte{1, 2, 3}, got[4:7])                // 104-106 written
	for _, b := range got[7:] {                                // 107-115 preserved
		require.Equal(t, byte(0xFF), b)
	}
}

// TestSendMisalignedHeadPreservesNeighboringBytes exercises the head-pad
// bounce buffer: a write starting mid-word must read the leading word first.
func TestSendMisalignedHeadPreservesNeighboringBytes(t *testing.T) {
	f, ve := newTestFacade(t, 4, 4096)
	seed := make([]byte, 16)
	for i := range seed {
		seed[i] = 0xAA
	}
	ve.write(96, seed)

	require.NoError(t, f.Send(1, 103, []byte{9}))

	got := ve.read(96, 16)
	for _, b := range got[0:7] { // 96-102 preserved
		require.Equal(t, byte(0xAA), b)
	}
	require.Equal(t, byte(9), got[7]) // 103 written
	for _, b := range got[8:] {       // 104-111 preserved
		require.Equal(t, byte(0xAA), b)
	}
}

// TestRecvMisalignedReturnsOnlyRequestedRange checks that Recv's own
// head/tail trimming hands back exactly the requested bytes, not the
// enlarged aligned region it DMA'd to get them.
func TestRecvMisalignedReturnsOnlyRequestedRange(t *testing.T) {
	f, ve := newTestFacade(t, 4, 4096)
	ve.write(96, []byte("0123456789ABCDEF"))

	got, err := f.Recv(1, 99, 5)
	require.NoError(t, err)
	require.Equal(t, []byte("34567"), got)
}

func TestRecvStringFindsNUL(t *testing.T) {
	f, ve := newTestFacade(t, 4, 1<<16)
	ve.write(1024, append([]byte("hello"), 0))

	dst := make([]byte, 16)
	n, result := f.RecvString(1, 1024, dst)
	require.Equal(t, StringOK, result)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(dst[:n]))
}

func TestRecvStringDestTooSmall(t *testing.T) {
	f, ve := newTestFacade(t, 4, 1<<16)
	ve.write(1024, append([]byte("hello"), 0))

	dst := make([]byte, 3)
	n, result := f.RecvString(1, 1024, dst)
	require.Equal(t, DestTooSmall, result)
	require.Equal(t, 0, n)
}

// TestRecvStringNullNotFound fills the full two-VE-page scan window (spec
// §4.2: "never crossing more than one VE page boundary [...] at most two VE
// pages touched") with non-NUL bytes, so the scan must exhaust its bound and
// report NullNotFound rather than looping forever or reading past the bound.
func TestRecvStringNullNotFound(t *testing.T) {
	windowSize := 2 * dma.VEPageSize
	f, ve := newTestFacade(t, 4, windowSize+4096)
	filler := make([]byte, windowSize)
	for i := range filler {
		filler[i] = 'A'
	}
	ve.write(0, filler)

	dst := make([]byte, 64)
	n, result := f.RecvString(1, 0, dst)
	require.Equal(t, NullNotFound, result)
	require.Equal(t, 0, n)
}
