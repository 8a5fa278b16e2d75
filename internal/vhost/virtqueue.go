// Package vhost implements the vhost-user virtio-scsi controller: a
// split virtqueue (descriptor table, avail ring, used ring) pulled from
// shared guest memory and drained one request at a time into the SCSI
// LUN task layer, grounded on vq_avail_ring_get / vq_used_ring_enqueue /
// process_requestq from the vhost-user SCSI controller this package is
// ported from, and on the virtio-scsi wire layout in
// hanwen/go-fuse's vhostuser-types.go.
package vhost

import (
	"encoding/binary"

	"github.com/dataplane-run/datapath/internal/errs"
)

const (
	descFNext     = 0x1
	descFWrite    = 0x2
	descFIndirect = 0x4

	availFNoInterrupt    = 0x1
	featureNotifyOnEmpty = uint64(1) << 24

	descSize     = 16 // addr(8) + len(4) + flags(2) + next(2)
	usedElemSize = 8  // id(4) + len(4)
)

// Desc is one descriptor-table entry, mirroring struct vring_desc.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func decodeDesc(b []byte) Desc {
	return Desc{
		Addr:  binary.LittleEndian.Uint64(b[0:8]),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}
}

func (d Desc) hasNext() bool { return d.Flags&descFNext != 0 }
func (d Desc) isWrite() bool { return d.Flags&descFWrite != 0 }

// GuestMemory translates a guest-physical address from a descriptor into
// a host byte slice of the given length, the vhost-user analogue of
// gpa_to_vva.
type GuestMemory interface {
	Translate(gpa uint64, length uint32) ([]byte, error)
}

// VirtQueue is one split virtqueue backed by guest memory regions for
// its descriptor table, avail ring and used ring.
type VirtQueue struct {
	Size uint16

	descTable []byte // Size*descSize bytes
	avail     []byte // 4 + 2*Size + 2 bytes
	used      []byte // 4 + 8*Size + 2 bytes

	lastAvailIdx uint16
	lastUsedIdx  uint16

	negotiatedFeatures uint64
	notify             func()
}

// NewVirtQueue wraps the three guest-memory regions backing one
// virtqueue. size must be a power of two, matching virtio's ring-size
// requirement.
func NewVirtQueue(size uint16, descTable, avail, used []byte, notify func()) *VirtQueue {
	return &VirtQueue{Size: size, descTable: descTable, avail: avail, used: used, notify: notify}
}

func (vq *VirtQueue) sizeMask() uint16 { return vq.Size - 1 }

func (vq *VirtQueue) availIdx() uint16 {
	return binary.LittleEndian.Uint16(vq.avail[2:4])
}

func (vq *VirtQueue) availFlags() uint16 {
	return binary.LittleEndian.Uint16(vq.avail[0:2])
}

func (vq *VirtQueue) availRing(i uint16) uint16 {
	off := 4 + int(i)*2
	return binary.LittleEndian.Uint16(vq.avail[off : off+2])
}

// PopAvail drains up to len(reqs) newly-available descriptor-chain head
// indices, mirroring vq_avail_ring_get. It returns the number popped.
func (vq *VirtQueue) PopAvail(reqs []uint16) int {
	availIdx := vq.availIdx()
	count := (availIdx - vq.lastAvailIdx) & vq.sizeMask()
	if int(count) > len(reqs) {
		count = uint16(len(reqs))
	}
	if count == 0 {
		return 0
	}
	last := vq.lastAvailIdx
	vq.lastAvailIdx += count
	for i := uint16(0); i < count; i++ {
		reqs[i] = vq.availRing((last + i) & vq.sizeMask())
	}
	return int(count)
}

// shouldNotify mirrors vq_should_notify: notify if NOTIFY_ON_EMPTY was
// negotiated and the avail ring just went empty, or if the guest hasn't
// suppressed interrupts for this queue.
func (vq *VirtQueue) shouldNotify() bool {
	if vq.negotiatedFeatures&featureNotifyOnEmpty != 0 && vq.availIdx() == vq.lastAvailIdx {
		return true
	}
	return vq.availFlags()&availFNoInterrupt == 0
}

// EnqueueUsed publishes a completed descriptor-chain head id and the
// number of bytes written back to the guest, mirroring
// vq_used_ring_enqueue, then calls the configured notify callback
// (analogous to an eventfd_write on the call fd) if the guest wants one.
func (vq *VirtQueue) EnqueueUsed(id uint16, length uint32) {
	last := vq.lastUsedIdx & vq.sizeMask()
	off := 4 + int(last)*usedElemSize
	binary.LittleEndian.PutUint32(vq.used[off:off+4], uint32(id))
	binary.LittleEndian.PutUint32(vq.used[off+4:off+8], length)

	vq.lastUsedIdx++
	binary.LittleEndian.PutUint16(vq.used[2:4], vq.lastUsedIdx)

	if vq.shouldNotify() && vq.notify != nil {
		vq.notify()
	}
}

// DescChain walks the descriptor chain starting at head, mirroring
// vring_desc_has_next/vring_desc_get_next, invoking visit for each
// descriptor in order. It stops at the first descriptor without
// VRING_DESC_F_NEXT set.
func (vq *VirtQueue) DescChain(head uint16, visit func(d Desc) error) error {
	idx := head
	for {
		if int(idx)*descSize+descSize > len(vq.descTable) {
			return errs.New("vhost", "desc_chain", errs.ErrCodeProtocolViolation, "descriptor index out of range")
		}
		d := decodeDesc(vq.descTable[idx*descSize : idx*descSize+descSize])
		if err := visit(d); err != nil {
			return err
		}
		if !d.hasNext() {
			return nil
		}
		idx = d.Next
	}
}
