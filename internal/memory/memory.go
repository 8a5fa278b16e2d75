// Package memory provides the scatter-gather iovec helper and the
// virtual-to-physical translation interface that the AE4DMA driver and the
// vhost-scsi virtqueue consumer build on. Real PCI-attached DMA hardware
// needs a guest/host virtual address translated to a physical (or IOMMU)
// address before it can be placed in a hardware descriptor; on a real
// target this is `spdk_vtophys`, backed by a hugepage-pinned memory pool
// registered with the IOMMU. Outside of that hardware this package
// provides a simulated translator — a Go-heap-backed allocator that
// hands out synthetic "physical" addresses — which is sufficient to
// exercise every bookkeeping path (descriptor build, ring-full detection,
// translation-failure handling) without real hardware.
package memory

import (
	"fmt"
	"sync"
	"unsafe"
)

// IOV is one segment of a scatter-gather list.
type IOV struct {
	Base []byte
}

// Len returns the segment length in bytes.
func (v IOV) Len() int { return len(v.Base) }

// IOVIter walks a list of IOVs as a single logical byte stream, the way the
// bdev I/O path and the vhost virtqueue descriptor chain both need to.
type IOVIter struct {
	iovs   []IOV
	seg    int
	segOff int
}

// NewIOVIter creates an iterator positioned at the start of iovs.
func NewIOVIter(iovs []IOV) *IOVIter {
	return &IOVIter{iovs: iovs}
}

// Remaining returns the number of bytes left to iterate.
func (it *IOVIter) Remaining() int {
	total := 0
	if it.seg < len(it.iovs) {
		total += it.iovs[it.seg].Len() - it.segOff
	}
	for i := it.seg + 1; i < len(it.iovs); i++ {
		total += it.iovs[i].Len()
	}
	return total
}

// Next returns the next contiguous slice of up to n bytes. It never spans
// more than one underlying IOV segment (callers loop until they have
// gathered the amount they need), matching how a hardware descriptor can
// only address one physically-contiguous span at a time.
func (it *IOVIter) Next(n int) ([]byte, bool) {
	for it.seg < len(it.iovs) && it.segOff >= it.iovs[it.seg].Len() {
		it.seg++
		it.segOff = 0
	}
	if it.seg >= len(it.iovs) {
		return nil, false
	}
	seg := it.iovs[it.seg]
	avail := seg.Len() - it.segOff
	take := n
	if take > avail {
		take = avail
	}
	out := seg.Base[it.segOff : it.segOff+take]
	it.segOff += take
	return out, true
}

// SegRemaining returns the bytes left in the iterator's current segment
// without advancing it, letting a joint iterator over two IOV lists (e.g.
// ae4dma's BuildCopy) size its next matched slice to whichever of the two
// segments runs out first.
func (it *IOVIter) SegRemaining() int {
	for it.seg < len(it.iovs) && it.segOff >= it.iovs[it.seg].Len() {
		it.seg++
		it.segOff = 0
	}
	if it.seg >= len(it.iovs) {
		return 0
	}
	return it.iovs[it.seg].Len() - it.segOff
}

// Reset rewinds the iterator to the beginning of iovs.
func (it *IOVIter) Reset() {
	it.seg = 0
	it.segOff = 0
}

// Translator maps a virtual memory region to the address a DMA-capable
// device should use to reach it.
type Translator interface {
	// Translate returns the device-visible address for buf. buf must have
	// previously been returned by the same Translator's Alloc.
	Translate(buf []byte) (uint64, error)
}

// Region is one allocation returned by a Translator.
type Region struct {
	Bytes []byte
	Phys  uint64
}

// RunLengther is implemented by translators that can report how many bytes
// starting at buf[0] remain physically contiguous, the way spdk_vtophys
// reports a run capped at a hugepage boundary. A DMA driver building a
// hardware descriptor from a logically-contiguous span must split it at
// whatever this returns, since one descriptor can only address one
// physically-contiguous run.
type RunLengther interface {
	ContiguousLen(buf []byte) int
}

// Allocator is implemented by translators that can also hand out fresh
// DMA-visible buffers (as opposed to merely translating caller-provided
// ones), which every real vtophys pool does via hugepage reservation.
type Allocator interface {
	Alloc(size int) *Region
}

// SimTranslator is a software stand-in for spdk_vtophys / a hugepage DMA
// pool: every allocation gets a synthetic, monotonically increasing
// "physical" address, and translation is a reverse lookup keyed by the
// slice's backing array pointer. It is the only Translator this module
// ships, since real IOMMU/hugepage mapping requires privileged host
// access that does not exist in this environment; production deployments
// substitute a Translator backed by spdk_vtophys over cgo.
type SimTranslator struct {
	mu       sync.Mutex
	regions  map[uintptr]*Region
	nextPhys uint64
	pageSize uint64
}

// simPageSize is the synthetic hugepage size SimTranslator reports a
// contiguous run cannot cross, standing in for the real IOMMU/hugepage
// granularity spdk_vtophys is bound by.
const simPageSize = 4096

// NewSimTranslator creates a translator whose physical address space
// starts at base (nonzero so 0 can still mean "untranslated").
func NewSimTranslator(base uint64) *SimTranslator {
	if base == 0 {
		base = 0x100000
	}
	return &SimTranslator{
		regions:  make(map[uintptr]*Region),
		nextPhys: base,
		pageSize: simPageSize,
	}
}

// Alloc allocates a size-byte DMA buffer and assigns it a synthetic
// physical address aligned to the simulated page size.
func (t *SimTranslator) Alloc(size int) *Region {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rem := t.nextPhys % t.pageSize; rem != 0 {
		t.nextPhys += t.pageSize - rem
	}
	buf := make([]byte, size)
	r := &Region{Bytes: buf, Phys: t.nextPhys}
	t.nextPhys += uint64(size)
	t.regions[sliceKey(buf)] = r
	return r
}

// Translate looks up the physical address previously assigned by Alloc. buf
// may be a sub-slice of the original allocation; the offset within the
// backing array is added to the region's base physical address.
func (t *SimTranslator) Translate(buf []byte) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	phys, _, ok := t.lookupLocked(buf)
	if !ok {
		return 0, fmt.Errorf("memory: virtual-to-physical translation failed: unregistered buffer")
	}
	return phys, nil
}

// ContiguousLen returns how many bytes starting at buf[0] remain both
// within their backing allocation and within the same simulated page,
// satisfying RunLengther.
func (t *SimTranslator) ContiguousLen(buf []byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(buf) == 0 {
		return 0
	}
	phys, regionEnd, ok := t.lookupLocked(buf)
	if !ok {
		return len(buf)
	}
	run := int(regionEnd - phys)
	if pageRem := int(t.pageSize - phys%t.pageSize); pageRem < run {
		run = pageRem
	}
	if run > len(buf) {
		run = len(buf)
	}
	if run < 0 {
		run = 0
	}
	return run
}

// lookupLocked resolves buf to its physical address and the physical
// address one past the end of its owning region. Callers must hold t.mu.
func (t *SimTranslator) lookupLocked(buf []byte) (phys uint64, regionEnd uint64, ok bool) {
	if len(buf) == 0 {
		return 0, 0, false
	}
	key := sliceKey(buf)
	if r, found := t.regions[key]; found {
		return r.Phys, r.Phys + uint64(len(r.Bytes)), true
	}
	// Sub-slice of a registered allocation: search for a region whose
	// backing array contains buf's first byte.
	target := uintptr(unsafe.Pointer(&buf[0]))
	for base, r := range t.regions {
		if len(r.Bytes) == 0 {
			continue
		}
		start := base
		end := start + uintptr(cap(r.Bytes))
		if target >= start && target < end {
			return r.Phys + uint64(target-start), r.Phys + uint64(len(r.Bytes)), true
		}
	}
	return 0, 0, false
}

var _ RunLengther = (*SimTranslator)(nil)

// Free removes buf's registration.
func (t *SimTranslator) Free(buf []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.regions, sliceKey(buf))
}

func sliceKey(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
