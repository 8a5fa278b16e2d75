package vhost

import (
	"encoding/binary"

	"github.com/dataplane-run/datapath/internal/bdev"
	"github.com/dataplane-run/datapath/internal/errs"
	"github.com/dataplane-run/datapath/internal/scsi"
)

// CDBSize is VIRTIO_SCSI_CDB_SIZE.
const CDBSize = 32

// SenseSize is VIRTIO_SCSI_SENSE_SIZE.
const SenseSize = 96

// virtio_scsi_cmd_req layout (little-endian, no padding): lun[8],
// tag(8), task_attr(1), prio(1), crn(1), cdb[32].
const reqHeaderSize = 8 + 8 + 1 + 1 + 1 + CDBSize

// virtio_scsi_cmd_resp layout: sense_len(4), resid(4), status_qualifier(2),
// status(1), response(1), sense[96].
const respHeaderSize = 4 + 4 + 2 + 1 + 1 + SenseSize

// Response codes, mirroring VIRTIO_SCSI_S_*.
const (
	RespOK      = 0
	RespAborted = 1
	RespFailure = 9
)

// Request decodes a virtio_scsi_cmd_req header.
type Request struct {
	LUN      [8]byte
	Tag      uint64
	TaskAttr byte
	CDB      [CDBSize]byte
}

func decodeRequest(b []byte) (Request, error) {
	if len(b) < reqHeaderSize {
		return Request{}, errs.New("vhost", "decode_request", errs.ErrCodeProtocolViolation, "request header truncated")
	}
	var r Request
	copy(r.LUN[:], b[0:8])
	r.Tag = binary.LittleEndian.Uint64(b[8:16])
	r.TaskAttr = b[16]
	copy(r.CDB[:], b[19:19+CDBSize])
	return r, nil
}

// TargetNum extracts the virtio-scsi target (scsi_dev) number encoded in
// byte 1 of the 8-byte LUN field, matching get_scsi_dev's lun[1] lookup.
func (r Request) TargetNum() uint8 { return r.LUN[1] }

// encodeResponse writes a virtio_scsi_cmd_resp into b (which must be at
// least respHeaderSize bytes), mirroring the fields submit_completion's
// task->resp carries back to the guest.
func encodeResponse(b []byte, status, response byte, senseLen uint32) {
	binary.LittleEndian.PutUint32(b[0:4], senseLen)
	binary.LittleEndian.PutUint32(b[4:8], 0) // resid
	binary.LittleEndian.PutUint16(b[8:10], 0)
	b[10] = status
	b[11] = response
}

// Dev is one virtio-scsi target (scsi_dev) exposed on the controller,
// holding up to 1 LUN the way SPDK's vhost-scsi target binds exactly one
// bdev per virtio target number.
type Dev struct {
	LUN *scsi.LUN
}

// Controller is a vhost-user SCSI controller: a named set of virtio-scsi
// targets plus the request/control virtqueues draining into them.
type Controller struct {
	Name string
	mem  GuestMemory
	devs [8]*Dev // VIRTIO_SCSI_MAX_TARGET in the original
}

// NewController creates a controller backed by mem for guest-address
// translation.
func NewController(name string, mem GuestMemory) *Controller {
	return &Controller{Name: name, mem: mem}
}

// AddDev binds lun to target scsiDevNum, mirroring
// spdk_vhost_scsi_ctrlr_add_dev.
func (c *Controller) AddDev(scsiDevNum int, lun *scsi.LUN) error {
	if scsiDevNum < 0 || scsiDevNum >= len(c.devs) {
		return errs.New("vhost", "add_dev", errs.ErrCodeInvalidArgument, "scsi target number out of range")
	}
	if c.devs[scsiDevNum] != nil {
		return errs.New("vhost", "add_dev", errs.ErrCodeAlreadyExists, "target already bound")
	}
	c.devs[scsiDevNum] = &Dev{LUN: lun}
	return nil
}

// RemoveDev unbinds a target, mirroring the hot-remove path that tears
// a vhost-scsi target down without taking the whole controller offline.
func (c *Controller) RemoveDev(scsiDevNum int) {
	if scsiDevNum >= 0 && scsiDevNum < len(c.devs) {
		c.devs[scsiDevNum] = nil
	}
}

// ProcessRequestQueue drains every newly available descriptor chain on
// vq, decodes its virtio-scsi request header, routes the CDB to the
// bound LUN and enqueues the completion once the task finishes,
// mirroring process_requestq / task_data_setup / process_request /
// submit_completion.
func (c *Controller) ProcessRequestQueue(vq *VirtQueue) int {
	var heads [32]uint16
	n := vq.PopAvail(heads[:])
	for i := 0; i < n; i++ {
		c.handleRequest(vq, heads[i])
	}
	return n
}

// handleRequest walks one descriptor chain and dispatches it, following
// task_data_setup's two layouts:
//
//	FROM_DEV (read):  [RD req][WR resp][WR data0]...[WR dataN]
//	TO_DEV   (write): [RD req][RD data0]...[RD dataN][WR resp]
//
// The direction is determined by the second descriptor's write flag,
// exactly as task_data_setup inspects it before deciding how to walk
// the remainder of the chain.
func (c *Controller) handleRequest(vq *VirtQueue, head uint16) {
	var reqBuf []byte
	var respBuf []byte
	var dataChunks [][]byte
	fromDev := false
	descIdx := -1

	err := vq.DescChain(head, func(d Desc) error {
		descIdx++
		buf, terr := c.mem.Translate(d.Addr, d.Len)
		if terr != nil {
			return terr
		}
		switch descIdx {
		case 0:
			if d.isWrite() {
				return errs.New("vhost", "handle_request", errs.ErrCodeProtocolViolation, "request descriptor must be readable")
			}
			reqBuf = buf
		case 1:
			fromDev = d.isWrite()
			if fromDev {
				respBuf = buf
			} else {
				dataChunks = append(dataChunks, buf)
			}
		default:
			if fromDev {
				dataChunks = append(dataChunks, buf)
			} else if d.isWrite() && respBuf == nil {
				respBuf = buf
			} else {
				dataChunks = append(dataChunks, buf)
			}
		}
		return nil
	})
	if err != nil || reqBuf == nil || respBuf == nil {
		if respBuf != nil && len(respBuf) >= respHeaderSize {
			encodeResponse(respBuf, 0, RespAborted, 0)
			vq.EnqueueUsed(head, respHeaderSize)
		}
		return
	}

	req, err := decodeRequest(reqBuf)
	if err != nil {
		encodeResponse(respBuf, 0, RespAborted, 0)
		vq.EnqueueUsed(head, uint32(len(respBuf)))
		return
	}

	dev := c.devs[req.TargetNum()]
	if dev == nil || dev.LUN == nil {
		encodeResponse(respBuf, 0, RespFailure, 0)
		vq.EnqueueUsed(head, uint32(len(respBuf)))
		return
	}

	ioType, offset, length := decodeCDB(req.CDB)
	buf := make([]byte, totalLen(dataChunks))
	if !fromDev {
		gather(dataChunks, buf)
	}

	dev.LUN.AppendTask(&scsi.Task{
		Type:   ioType,
		Offset: offset,
		Length: length,
		Buf:    buf,
		Complete: func(t *scsi.Task) {
			status := byte(0)
			if t.Status != scsi.StatusGood {
				status = 2 // CHECK CONDITION
			}
			if fromDev {
				scatter(dataChunks, buf)
			}
			encodeResponse(respBuf, status, RespOK, 0)
			vq.EnqueueUsed(head, uint32(len(respBuf))+uint32(len(buf)))
		},
	})
	dev.LUN.ExecuteTasks()
}

// decodeCDB maps a small, common subset of SCSI CDBs (READ(10)/WRITE(10)
// and their 512-byte-block convention) to a bdev.IOType plus byte
// range. Unrecognized CDBs are treated as zero-length no-ops, matching
// how TEST UNIT READY and similar commands carry no payload.
func decodeCDB(cdb [CDBSize]byte) (bdev.IOType, int64, int64) {
	const blockSize = 512
	switch cdb[0] {
	case 0x28: // READ(10)
		lba := int64(binary.BigEndian.Uint32(cdb[2:6]))
		blocks := int64(binary.BigEndian.Uint16(cdb[7:9]))
		return bdev.IOTypeRead, lba * blockSize, blocks * blockSize
	case 0x2A: // WRITE(10)
		lba := int64(binary.BigEndian.Uint32(cdb[2:6]))
		blocks := int64(binary.BigEndian.Uint16(cdb[7:9]))
		return bdev.IOTypeWrite, lba * blockSize, blocks * blockSize
	case 0x35: // SYNCHRONIZE CACHE(10)
		return bdev.IOTypeFlush, 0, 0
	default:
		return bdev.IOTypeFlush, 0, 0
	}
}

func totalLen(chunks [][]byte) int {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	return total
}

// gather copies guest-provided write-command data out of chunks into buf,
// the host-side equivalent of the guest's scatter-gather TO_DEV payload.
func gather(chunks [][]byte, buf []byte) {
	off := 0
	for _, c := range chunks {
		off += copy(buf[off:], c)
	}
}

// scatter copies a completed read command's result back out across the
// guest's writable FROM_DEV descriptor chain.
func scatter(chunks [][]byte, buf []byte) {
	off := 0
	for _, c := range chunks {
		off += copy(c, buf[off:])
	}
}
