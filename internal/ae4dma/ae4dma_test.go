package ae4dma

import (
	"sync"
	"testing"

	"github.com/dataplane-run/datapath/internal/memory"
	"github.com/dataplane-run/datapath/internal/pci"
)

func newTestDriver(t *testing.T, numQueues int) (*Driver, *memory.SimTranslator) {
	t.Helper()
	bus := pci.NewSimEnumerator()
	var dev *pci.Device
	bus.AddDevice(pci.Address{Bus: 1}, 0x1022, 0x1234, [6]int{regsSize * MaxHWQueues, 0, 0, 0, 0, 0})
	err := bus.Probe(0x1022, 0x1234, func(d *pci.Device) error {
		dev = d
		return nil
	})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if dev == nil {
		t.Fatal("device not attached")
	}
	tr := memory.NewSimTranslator(0x4000)
	d, err := Attach(dev, tr, numQueues)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	return d, tr
}

func iov(b []byte) []memory.IOV { return []memory.IOV{{Base: b}} }

type countingDMAObserver struct {
	submitted, completed, ringFull int
	lastErr                        error
}

func (o *countingDMAObserver) ObserveDMASubmit(n int) { o.submitted += n }
func (o *countingDMAObserver) ObserveDMAComplete(n int, err error) {
	o.completed += n
	o.lastErr = err
}
func (o *countingDMAObserver) ObserveRingFull() { o.ringFull++ }

func TestChannelObserverReportsSubmitAndComplete(t *testing.T) {
	d, tr := newTestDriver(t, 1)
	ch, err := d.Channel(0)
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	obs := &countingDMAObserver{}
	ch.Observer = obs

	srcRegion := tr.Alloc(4096)
	dstRegion := tr.Alloc(4096)
	copy(srcRegion.Bytes, []byte("hello world"))

	if err := ch.BuildCopy(iov(dstRegion.Bytes[:11]), iov(srcRegion.Bytes[:11]), tr, nil); err != nil {
		t.Fatalf("BuildCopy: %v", err)
	}
	if obs.submitted != 1 {
		t.Fatalf("expected 1 descriptor submitted, got %d", obs.submitted)
	}
	ch.Flush()
	ch.ProcessEvents()
	if obs.completed != 1 {
		t.Fatalf("expected 1 descriptor completed, got %d", obs.completed)
	}
	if obs.lastErr != nil {
		t.Fatalf("unexpected completion error: %v", obs.lastErr)
	}
}

func TestChannelObserverReportsRingFull(t *testing.T) {
	d, tr := newTestDriver(t, 1)
	ch, _ := d.Channel(0)
	obs := &countingDMAObserver{}
	ch.Observer = obs

	srcRegion := tr.Alloc(4096)
	dstRegion := tr.Alloc(4096)

	for i := 0; i < DescriptorsPerQueue-ReserveSlots; i++ {
		if err := ch.BuildCopy(iov(dstRegion.Bytes[:8]), iov(srcRegion.Bytes[:8]), tr, nil); err != nil {
			t.Fatalf("BuildCopy %d: %v", i, err)
		}
	}
	if err := ch.BuildCopy(iov(dstRegion.Bytes[:8]), iov(srcRegion.Bytes[:8]), tr, nil); err == nil {
		t.Fatalf("expected queue-full error")
	}
	if obs.ringFull != 1 {
		t.Fatalf("expected 1 ring-full observation, got %d", obs.ringFull)
	}
}

func TestBuildCopyAndProcessEvents(t *testing.T) {
	d, tr := newTestDriver(t, 1)
	ch, err := d.Channel(0)
	if err != nil {
		t.Fatalf("channel: %v", err)
	}

	srcRegion := tr.Alloc(4096)
	dstRegion := tr.Alloc(4096)
	copy(srcRegion.Bytes, []byte("hello world"))

	var wg sync.WaitGroup
	wg.Add(1)
	var cbErr error
	if err := ch.BuildCopy(iov(dstRegion.Bytes[:11]), iov(srcRegion.Bytes[:11]), tr, func(err error) {
		cbErr = err
		wg.Done()
	}); err != nil {
		t.Fatalf("BuildCopy: %v", err)
	}
	ch.Flush()
	if n := ch.ProcessEvents(); n != 1 {
		t.Fatalf("expected 1 descriptor reaped, got %d", n)
	}
	wg.Wait()
	if cbErr != nil {
		t.Fatalf("callback error: %v", cbErr)
	}
	if string(dstRegion.Bytes[:11]) != "hello world" {
		t.Fatalf("copy did not complete: got %q", dstRegion.Bytes[:11])
	}
	if ch.InFlight() != 0 {
		t.Fatalf("expected 0 in flight after drain, got %d", ch.InFlight())
	}
}

func TestBuildCopyGathersAndScattersAcrossSegments(t *testing.T) {
	d, tr := newTestDriver(t, 1)
	ch, _ := d.Channel(0)

	srcA := tr.Alloc(64)
	srcB := tr.Alloc(64)
	dst := tr.Alloc(128)
	copy(srcA.Bytes[:5], []byte("hello"))
	copy(srcB.Bytes[:5], []byte("world"))

	src := []memory.IOV{{Base: srcA.Bytes[:5]}, {Base: srcB.Bytes[:5]}}
	dstIovs := []memory.IOV{{Base: dst.Bytes[:3]}, {Base: dst.Bytes[3:10]}}

	var wg sync.WaitGroup
	wg.Add(1)
	var cbErr error
	if err := ch.BuildCopy(dstIovs, src, tr, func(err error) {
		cbErr = err
		wg.Done()
	}); err != nil {
		t.Fatalf("BuildCopy: %v", err)
	}
	ch.Flush()
	ch.ProcessEvents()
	wg.Wait()
	if cbErr != nil {
		t.Fatalf("callback error: %v", cbErr)
	}
	if string(dst.Bytes[:10]) != "helloworld" {
		t.Fatalf("expected scattered copy %q, got %q", "helloworld", dst.Bytes[:10])
	}
}

func TestBuildCopySplitsOversizedRunAtPageBoundary(t *testing.T) {
	d, tr := newTestDriver(t, 1)
	ch, _ := d.Channel(0)

	// simPageSize is 4096; an 8192-byte region spans two simulated pages,
	// so a single-segment copy across it must become two descriptors.
	src := tr.Alloc(8192)
	dst := tr.Alloc(8192)
	for i := range src.Bytes {
		src.Bytes[i] = byte(i)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var cbErr error
	if err := ch.BuildCopy(iov(dst.Bytes), iov(src.Bytes), tr, func(err error) {
		cbErr = err
		wg.Done()
	}); err != nil {
		t.Fatalf("BuildCopy: %v", err)
	}
	ch.Flush()
	if n := ch.ProcessEvents(); n != 2 {
		t.Fatalf("expected the 8192-byte run split into 2 descriptors, got %d", n)
	}
	wg.Wait()
	if cbErr != nil {
		t.Fatalf("callback error: %v", cbErr)
	}
	for i := range dst.Bytes {
		if dst.Bytes[i] != byte(i) {
			t.Fatalf("copy mismatch at offset %d", i)
		}
	}
}

func TestBuildCopyRejectsMismatchedIovecTotals(t *testing.T) {
	d, tr := newTestDriver(t, 1)
	ch, _ := d.Channel(0)
	src := tr.Alloc(16)
	dst := tr.Alloc(8)
	if err := ch.BuildCopy(iov(dst.Bytes), iov(src.Bytes), tr, func(error) {}); err == nil {
		t.Fatal("expected mismatched-iovec-totals error")
	}
}

func TestBuildCopyRejectsZeroLengthSegment(t *testing.T) {
	d, tr := newTestDriver(t, 1)
	ch, _ := d.Channel(0)
	src := tr.Alloc(8)
	dst := tr.Alloc(8)
	src2 := []memory.IOV{{Base: src.Bytes[:0]}, {Base: src.Bytes}}
	if err := ch.BuildCopy(iov(dst.Bytes), src2, tr, func(error) {}); err == nil {
		t.Fatal("expected zero-length segment error")
	}
}

func TestQueueFullAtReserve(t *testing.T) {
	d, tr := newTestDriver(t, 1)
	ch, _ := d.Channel(0)

	src := tr.Alloc(64)
	dst := tr.Alloc(64)

	max := DescriptorsPerQueue - ReserveSlots
	for i := 0; i < max; i++ {
		if err := ch.BuildCopy(iov(dst.Bytes[:8]), iov(src.Bytes[:8]), tr, func(error) {}); err != nil {
			t.Fatalf("BuildCopy %d: %v", i, err)
		}
	}
	if err := ch.BuildCopy(iov(dst.Bytes[:8]), iov(src.Bytes[:8]), tr, func(error) {}); err == nil {
		t.Fatal("expected queue-full error")
	}
}

func TestAttachRejectsTooManyQueues(t *testing.T) {
	bus := pci.NewSimEnumerator()
	bus.AddDevice(pci.Address{}, 1, 2, [6]int{regsSize * MaxHWQueues, 0, 0, 0, 0, 0})
	var dev *pci.Device
	bus.Probe(1, 2, func(d *pci.Device) error { dev = d; return nil })
	tr := memory.NewSimTranslator(0)
	if _, err := Attach(dev, tr, MaxHWQueues+1); err == nil {
		t.Fatal("expected error for too many queues")
	}
}
