package dma

import (
	"sync"
	"time"
)

// fakeDriver is an in-memory driverHandle used to exercise Engine's
// scheduling logic without real VE hardware.
type fakeDriver struct {
	mu          sync.Mutex
	numDesc     int
	halted      bool
	readPtr     uint64 // absolute completed-descriptor count, not wrapped
	slotStatus  []byte // descStatusPending/OK/Error
	descs       []Descriptor
	interrupt   chan struct{}
	closeCalled bool
}

func newFakeDriver(numDesc int) *fakeDriver {
	return &fakeDriver{
		numDesc:    numDesc,
		halted:     true,
		slotStatus: make([]byte, numDesc),
		descs:      make([]Descriptor, numDesc),
		interrupt:  make(chan struct{}, 1),
	}
}

func (d *fakeDriver) Halted() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halted, nil
}

func (d *fakeDriver) Halt() error {
	d.mu.Lock()
	d.halted = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) Start() error {
	d.mu.Lock()
	d.halted = false
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) ClearDescriptor(idx int) error {
	d.mu.Lock()
	d.slotStatus[idx] = descStatusPending
	d.descs[idx] = Descriptor{}
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) PostDescriptor(idx int, desc Descriptor) error {
	d.mu.Lock()
	d.descs[idx] = desc
	d.slotStatus[idx] = descStatusPending
	d.mu.Unlock()
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
	s := d.slotStatus[idx]
	return s != descStatusPending, s == descStatusError, nil
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

func (d *fakeDriver) Close() error {
	d.closeCalled = true
	return nil
}

// complete advances the fake read pointer past n slots starting at ring
// position startIdx, marking each with hwErr or success, and wakes the
// interrupt helper. The read pointer is an absolute completed-descriptor
// count rather than a ring position, so a completion that laps the ring
// (n >= numDesc) is still observable by the engine's reaper.
func (d *fakeDriver) complete(startIdx, n int, hwErr bool) {
	d.mu.Lock()
	for i := 0; i < n; i++ {
		idx := (startIdx + i) % d.numDesc
		if hwErr {
			d.slotStatus[idx] = descStatusError
		} else {
			d.slotStatus[idx] = descStatusOK
		}
	}
	d.readPtr += uint64(n)
	d.mu.Unlock()
	select {
	case d.interrupt <- struct{}{}:
	default:
	}
}
