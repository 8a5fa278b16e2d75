// Package ae4dma drives an AMD AE4DMA-class copy engine: up to 16 hardware
// queues, each holding a fixed ring of 32 descriptors, submitted by writing
// a descriptor into the ring and ringing a doorbell (the MMIO write_idx
// register) and completed by polling a read_idx register advanced by the
// device. The descriptor and register layouts below are taken directly
// from the AE4DMA hardware specification; the only thing this package
// swaps out for its own domain is the mechanism driving completion, since
// no physical AE4DMA device is attached in this environment — see
// Channel.ProcessEvents.
package ae4dma

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dataplane-run/datapath/internal/memory"
	"github.com/dataplane-run/datapath/internal/pci"
)

// Hardware constants from the AE4DMA specification.
const (
	MaxHWQueues         = 16
	DescriptorsPerQueue = 32
	// ae4dma_desc_cmdq_full: a queue is considered full once only 4 slots
	// remain, so in-flight submissions always have headroom to drain.
	ReserveSlots = 4
	descSize     = 32 // bytes, SPDK_STATIC_ASSERT'd in the hardware spec
	regsSize     = 32 // bytes per struct spdk_ae4dma_hwq_regs
)

// DescStatus mirrors enum spdk_ae4dma_dma_status.
type DescStatus uint8

const (
	DescSubmitted DescStatus = 0
	DescValidated DescStatus = 1
	DescProcessed DescStatus = 2
	DescCompleted DescStatus = 3
	DescError     DescStatus = 4
)

// HWQueueStatus mirrors enum spdk_ae4dma_hwqueue_status.
type HWQueueStatus uint32

const (
	HWQueueEmpty    HWQueueStatus = 0
	HWQueueFull     HWQueueStatus = 1
	HWQueueNotEmpty HWQueueStatus = 4
)

// Descriptor control bits (dword 0, byte 0).
const (
	DescStopOnCompletion        = 1 << 0
	DescInterruptOnCompletion   = 1 << 1
	DescStartOfMessage          = 1 << 3
	DescEndOfMessage            = 1 << 4
	descDestMemTypeShift        = 4
	descSrcMemTypeShift         = 6
	DescDestMemTypeMemory       = 0x0
	DescDestMemTypeIOMemory     = 1 << descDestMemTypeShift
	DescSrcMemTypeMemory        = 0x0
	DescSrcMemTypeIOMemory      = 1 << descSrcMemTypeShift
)

// descriptor is the 32-byte on-the-wire hardware descriptor:
//
//	word0: byte0 control bits, byte1 reserved, timestamp (u16)
//	word1: status (u8), err_code (u8), desc_id (u16)
//	word2: length
//	word3: reserved
//	word4/5: source pointer (hi/lo)
//	word6/7: destination pointer (hi/lo)
type descriptor struct {
	ctrl     byte
	reserved byte
	ts       uint16
	status   DescStatus
	errCode  uint8
	descID   uint16
	length   uint32
	_        uint32
	srcHi    uint32
	srcLo    uint32
	dstHi    uint32
	dstLo    uint32
}

func (d descriptor) encode(buf []byte) {
	buf[0] = d.ctrl
	buf[1] = d.reserved
	binary.LittleEndian.PutUint16(buf[2:4], d.ts)
	buf[4] = byte(d.status)
	buf[5] = d.errCode
	binary.LittleEndian.PutUint16(buf[6:8], d.descID)
	binary.LittleEndian.PutUint32(buf[8:12], d.length)
	binary.LittleEndian.PutUint32(buf[16:20], d.srcHi)
	binary.LittleEndian.PutUint32(buf[20:24], d.srcLo)
	binary.LittleEndian.PutUint32(buf[24:28], d.dstHi)
	binary.LittleEndian.PutUint32(buf[28:32], d.dstLo)
}

func decodeDescriptor(buf []byte) descriptor {
	return descriptor{
		ctrl:     buf[0],
		reserved: buf[1],
		ts:       binary.LittleEndian.Uint16(buf[2:4]),
		status:   DescStatus(buf[4]),
		errCode:  buf[5],
		descID:   binary.LittleEndian.Uint16(buf[6:8]),
		length:   binary.LittleEndian.Uint32(buf[8:12]),
		srcHi:    binary.LittleEndian.Uint32(buf[16:20]),
		srcLo:    binary.LittleEndian.Uint32(buf[20:24]),
		dstHi:    binary.LittleEndian.Uint32(buf[24:28]),
		dstLo:    binary.LittleEndian.Uint32(buf[28:32]),
	}
}

// hwqRegs offsets within one struct spdk_ae4dma_hwq_regs, each field 4 bytes.
const (
	regControl    = 0
	regStatus     = 4
	regMaxIdx     = 8
	regReadIdx    = 12
	regWriteIdx   = 16
	regIntrStatus = 20
	regQBaseLo    = 24
	regQBaseHi    = 28
)

// hwq is an accessor over one queue's register block, a 32-byte window
// into the AE4DMA BAR (AE4DMA_PCIE_BAR, offset regsSize*queueIndex).
type hwq struct {
	window []byte
}

func (h hwq) readIdx() uint32     { return binary.LittleEndian.Uint32(h.window[regReadIdx:]) }
func (h hwq) writeIdx() uint32    { return binary.LittleEndian.Uint32(h.window[regWriteIdx:]) }
func (h hwq) setWriteIdx(v uint32) {
	binary.LittleEndian.PutUint32(h.window[regWriteIdx:], v)
}
func (h hwq) setReadIdx(v uint32) {
	binary.LittleEndian.PutUint32(h.window[regReadIdx:], v)
}
func (h hwq) setControl(v uint32)  { binary.LittleEndian.PutUint32(h.window[regControl:], v) }
func (h hwq) status() HWQueueStatus {
	return HWQueueStatus(binary.LittleEndian.Uint32(h.window[regStatus:]) & 0x3)
}
func (h hwq) setStatus(s HWQueueStatus) {
	binary.LittleEndian.PutUint32(h.window[regStatus:], uint32(s))
}

// copyState is the shared completion bookkeeping for one BuildCopy call
// that expanded into multiple hardware descriptors: the caller's callback
// fires exactly once, after the last of those descriptors reaps, carrying
// the first error encountered (if any).
type copyState struct {
	mu        sync.Mutex
	remaining int
	err       error
	cb        func(err error)
}

func (s *copyState) descriptorDone(err error) {
	s.mu.Lock()
	if err != nil && s.err == nil {
		s.err = err
	}
	s.remaining--
	done := s.remaining == 0
	final := s.err
	s.mu.Unlock()
	if done && s.cb != nil {
		s.cb(final)
	}
}

// pending is the software-side bookkeeping entry accompanying a submitted
// descriptor, mirroring struct ae4dma_descriptor (callback_fn/callback_arg)
// plus the source/destination buffers, which a real device would reach
// through DMA and this simulated one reaches directly to perform the copy.
type pending struct {
	state *copyState
	src   []byte
	dst   []byte
}

// DMAObserver receives per-channel descriptor telemetry. It is satisfied
// structurally by telemetry.Observer, so this package never imports
// internal/telemetry: a Channel only needs the handful of methods it
// actually calls.
type DMAObserver interface {
	ObserveDMASubmit(descriptors int)
	ObserveDMAComplete(descriptors int, err error)
	ObserveRingFull()
}

// Channel is one AE4DMA hardware queue: a 32-descriptor ring plus its
// software-side completion bookkeeping.
type Channel struct {
	mu       sync.Mutex
	index    int
	regs     hwq
	ring     []byte // DescriptorsPerQueue * descSize bytes
	pend     [DescriptorsPerQueue]pending
	tail     uint32 // consumer index, next descriptor to reap
	write    uint32 // producer index, next descriptor to fill
	inflight uint32 // ring_buff_count
	nextID   uint16

	// Observer, if set, is reported to from BuildCopy and ProcessEvents.
	// Left nil by Attach; the caller wires it in after Attach returns.
	Observer DMAObserver
}

func (c *Channel) full() bool {
	return c.inflight >= DescriptorsPerQueue-ReserveSlots
}

// Driver owns every hardware queue on one attached AE4DMA function.
type Driver struct {
	dev        *pci.Device
	translator memory.Translator
	bar        []byte
	channels   [MaxHWQueues]*Channel
	numQueues  int
}

// Attach maps BAR0 of dev and brings up numQueues hardware queues
// (ae4dma_attach + ae4dma_channel_start), backing each descriptor ring
// with memory allocated through tr.
func Attach(dev *pci.Device, tr memory.Translator, numQueues int) (*Driver, error) {
	if numQueues <= 0 || numQueues > MaxHWQueues {
		return nil, fmt.Errorf("ae4dma: invalid queue count %d (max %d)", numQueues, MaxHWQueues)
	}
	const pcieBAR = 0 // AE4DMA_PCIE_BAR
	bar, err := dev.MapBAR(pcieBAR)
	if err != nil {
		return nil, fmt.Errorf("ae4dma: map BAR0: %w", err)
	}
	needed := regsSize * numQueues
	if len(bar) < needed {
		return nil, fmt.Errorf("ae4dma: BAR0 too small for %d queues: have %d need %d", numQueues, len(bar), needed)
	}
	allocator, ok := tr.(memory.Allocator)
	if !ok {
		return nil, fmt.Errorf("ae4dma: translator does not support allocation")
	}

	d := &Driver{dev: dev, translator: tr, bar: bar, numQueues: numQueues}
	for i := 0; i < numQueues; i++ {
		ringRegion := allocator.Alloc(DescriptorsPerQueue * descSize)
		ch := &Channel{
			index: i,
			regs:  hwq{window: bar[i*regsSize : (i+1)*regsSize]},
			ring:  ringRegion.Bytes,
		}
		ch.regs.setControl(0x1) // AE4DMA_CMD_QUEUE_ENABLE
		binary.LittleEndian.PutUint32(ch.regs.window[regMaxIdx:], DescriptorsPerQueue)
		binary.LittleEndian.PutUint32(ch.regs.window[regQBaseLo:], uint32(ringRegion.Phys))
		binary.LittleEndian.PutUint32(ch.regs.window[regQBaseHi:], uint32(ringRegion.Phys>>32))
		ch.regs.setStatus(HWQueueEmpty)
		d.channels[i] = ch
	}
	return d, nil
}

// NumQueues returns how many hardware queues were brought up.
func (d *Driver) NumQueues() int { return d.numQueues }

// Channel returns the queue at index i.
func (d *Driver) Channel(i int) (*Channel, error) {
	if i < 0 || i >= d.numQueues {
		return nil, fmt.Errorf("ae4dma: invalid channel index %d", i)
	}
	return d.channels[i], nil
}

// translatedPiece is one matched, physically-contiguous (src, dst) span
// produced by ioviter splitting two iovec lists against each other and
// against vtophys run-length, ready to become one hardware descriptor.
type translatedPiece struct {
	src, dst         []byte
	srcPhys, dstPhys uint64
}

func iovecTotal(iovs []memory.IOV) int {
	n := 0
	for _, v := range iovs {
		n += v.Len()
	}
	return n
}

// ioviterSplit walks src and dst as matched logical byte streams
// (spdk_ioviter_first/spdk_ioviter_next), producing one translatedPiece per
// maximal span that is simultaneously within one src segment, within one
// dst segment, and within one vtophys-contiguous run on both sides —
// exactly the span a single hardware descriptor can address.
func ioviterSplit(src, dst []memory.IOV, tr memory.Translator) ([]translatedPiece, error) {
	for _, v := range src {
		if v.Len() == 0 {
			return nil, fmt.Errorf("ae4dma: zero-length source iovec segment")
		}
	}
	for _, v := range dst {
		if v.Len() == 0 {
			return nil, fmt.Errorf("ae4dma: zero-length destination iovec segment")
		}
	}
	srcTotal, dstTotal := iovecTotal(src), iovecTotal(dst)
	if srcTotal != dstTotal {
		return nil, fmt.Errorf("ae4dma: mismatched iovec totals: src=%d dst=%d", srcTotal, dstTotal)
	}
	if srcTotal == 0 {
		return nil, fmt.Errorf("ae4dma: zero-length copy request")
	}

	runLen, splitsByRun := tr.(memory.RunLengther)
	srcIt, dstIt := memory.NewIOVIter(src), memory.NewIOVIter(dst)
	var pieces []translatedPiece
	for srcIt.Remaining() > 0 {
		segLen := srcIt.SegRemaining()
		if d := dstIt.SegRemaining(); d < segLen {
			segLen = d
		}
		srcSeg, _ := srcIt.Next(segLen)
		dstSeg, _ := dstIt.Next(segLen)

		for off := 0; off < len(srcSeg); {
			srcPhys, err := tr.Translate(srcSeg[off:])
			if err != nil {
				return nil, fmt.Errorf("ae4dma: translate source: %w", err)
			}
			dstPhys, err := tr.Translate(dstSeg[off:])
			if err != nil {
				return nil, fmt.Errorf("ae4dma: translate destination: %w", err)
			}
			run := len(srcSeg) - off
			if splitsByRun {
				if r := runLen.ContiguousLen(srcSeg[off:]); r < run {
					run = r
				}
				if r := runLen.ContiguousLen(dstSeg[off:]); r < run {
					run = r
				}
			}
			if run <= 0 {
				return nil, fmt.Errorf("ae4dma: vtophys reported a zero-length contiguous run at offset %d", off)
			}
			pieces = append(pieces, translatedPiece{
				src: srcSeg[off : off+run], dst: dstSeg[off : off+run],
				srcPhys: srcPhys, dstPhys: dstPhys,
			})
			off += run
		}
	}
	return pieces, nil
}

// BuildCopy enqueues a copy spanning the matched src/dst iovec lists
// (spdk_ae4dma_build_copy) without ringing the doorbell; Flush submits
// everything queued so far. It splits the logical copy into as many
// hardware descriptors as the joint src/dst iteration and vtophys
// contiguous-run translation require, and invokes cb exactly once, from
// ProcessEvents, after the last of those descriptors completes.
func (ch *Channel) BuildCopy(dst, src []memory.IOV, tr memory.Translator, cb func(err error)) error {
	pieces, err := ioviterSplit(src, dst, tr)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.inflight+uint32(len(pieces)) > DescriptorsPerQueue-ReserveSlots {
		if ch.Observer != nil {
			ch.Observer.ObserveRingFull()
		}
		return fmt.Errorf("ae4dma: queue %d full (%d/%d in flight, need %d more descriptors)",
			ch.index, ch.inflight, DescriptorsPerQueue-ReserveSlots, len(pieces))
	}

	state := &copyState{remaining: len(pieces), cb: cb}
	for _, p := range pieces {
		slot := ch.write % DescriptorsPerQueue
		ch.nextID++
		desc := descriptor{
			ctrl:   DescStartOfMessage | DescEndOfMessage,
			status: DescSubmitted,
			descID: ch.nextID,
			length: uint32(len(p.src)),
			srcHi:  uint32(p.srcPhys >> 32),
			srcLo:  uint32(p.srcPhys),
			dstHi:  uint32(p.dstPhys >> 32),
			dstLo:  uint32(p.dstPhys),
		}
		desc.encode(ch.ring[slot*descSize : (slot+1)*descSize])
		ch.pend[slot] = pending{state: state, src: p.src, dst: p.dst}

		ch.write++
		ch.inflight++
	}
	if ch.Observer != nil {
		ch.Observer.ObserveDMASubmit(len(pieces))
	}
	return nil
}

// Flush rings the doorbell for every descriptor queued since the last
// Flush (spdk_ae4dma_flush): it writes the new producer index to the
// write_idx MMIO register.
func (ch *Channel) Flush() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.regs.setWriteIdx(ch.write % DescriptorsPerQueue)
	if ch.inflight > 0 {
		ch.regs.setStatus(HWQueueNotEmpty)
	}
}

// ProcessEvents drains completed descriptors (ae4dma_process_channel_events):
// in real hardware this polls read_idx advanced by the device; since no
// physical engine is attached here, completion is performed synchronously
// at this call by copying src to dst for every descriptor between tail and
// the current write_idx doorbell value, then invoking its callback. It
// returns the number of descriptors reaped, matching the poller-return
// convention used across the data plane.
func (ch *Channel) ProcessEvents() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	target := ch.regs.writeIdx()
	reaped := 0
	var firstErr error
	for ch.tail%DescriptorsPerQueue != target && ch.inflight > 0 {
		slot := ch.tail % DescriptorsPerQueue
		p := ch.pend[slot]
		desc := decodeDescriptor(ch.ring[slot*descSize : (slot+1)*descSize])

		var err error
		if copy(p.dst, p.src) != int(desc.length) {
			err = fmt.Errorf("ae4dma: short copy on descriptor %d", desc.descID)
			desc.status = DescError
			if firstErr == nil {
				firstErr = err
			}
		} else {
			desc.status = DescCompleted
		}
		desc.encode(ch.ring[slot*descSize : (slot+1)*descSize])

		if p.state != nil {
			p.state.descriptorDone(err)
		}
		ch.pend[slot] = pending{}
		ch.tail++
		ch.inflight--
		reaped++
	}
	ch.regs.setReadIdx(ch.tail % DescriptorsPerQueue)
	if ch.inflight == 0 {
		ch.regs.setStatus(HWQueueEmpty)
	}
	if reaped > 0 && ch.Observer != nil {
		ch.Observer.ObserveDMAComplete(reaped, firstErr)
	}
	return reaped
}

// InFlight returns the number of descriptors currently submitted but not
// yet reaped, used by tests and the RPC diagnostics surface.
func (ch *Channel) InFlight() uint32 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.inflight
}
