package vhost

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/dataplane-run/datapath/internal/bdev"
	"github.com/dataplane-run/datapath/internal/bdev/malloc"
	"github.com/dataplane-run/datapath/internal/scsi"
)

const qSize = 4

// testRig lays out one virtqueue's descriptor table, avail ring, used
// ring and a data region inside one flat guest-memory buffer.
type testRig struct {
	mem       []byte
	descBase  uint64
	availBase uint64
	usedBase  uint64
	dataBase  uint64
	gm        *FlatGuestMemory
	vq        *VirtQueue
	notified  int
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	const memSize = 8192
	mem := make([]byte, memSize)

	descBase := uint64(0)
	availBase := uint64(qSize * descSize)
	usedBase := availBase + 4 + 2*qSize + 2
	dataBase := usedBase + 4 + usedElemSize*qSize + 2

	gm := NewFlatGuestMemory(0, mem)
	r := &testRig{mem: mem, descBase: descBase, availBase: availBase, usedBase: usedBase, dataBase: dataBase, gm: gm}

	descTable := mem[descBase : availBase]
	avail := mem[availBase:usedBase]
	used := mem[usedBase : usedBase+4+usedElemSize*qSize+2]
	r.vq = NewVirtQueue(qSize, descTable, avail, used, func() { r.notified++ })
	return r
}

func (r *testRig) putDesc(idx int, addr uint64, length uint32, flags uint16, next uint16) {
	off := r.descBase + uint64(idx*descSize)
	b := r.mem[off : off+descSize]
	binary.LittleEndian.PutUint64(b[0:8], addr)
	binary.LittleEndian.PutUint32(b[8:12], length)
	binary.LittleEndian.PutUint16(b[12:14], flags)
	binary.LittleEndian.PutUint16(b[14:16], next)
}

func (r *testRig) pushAvail(head uint16) {
	idx := binary.LittleEndian.Uint16(r.mem[r.availBase+2 : r.availBase+4])
	slot := r.availBase + 4 + uint64(idx%qSize)*2
	binary.LittleEndian.PutUint16(r.mem[slot:slot+2], head)
	binary.LittleEndian.PutUint16(r.mem[r.availBase+2:r.availBase+4], idx+1)
}

func TestProcessRequestQueueHandlesRead(t *testing.T) {
	rig := newTestRig(t)

	// Layout: desc0 = req header (read-only), desc1 = resp (write), desc2 = data (write).
	reqOff := rig.dataBase
	respOff := reqOff + 256
	dataOff := respOff + 256

	rig.putDesc(0, reqOff, reqHeaderSize, descFNext, 1)
	rig.putDesc(1, respOff, respHeaderSize, descFNext|descFWrite, 2)
	rig.putDesc(2, dataOff, 512, descFWrite, 0)
	rig.pushAvail(0)

	reqBuf := rig.mem[reqOff : reqOff+reqHeaderSize]
	reqBuf[1] = 0 // target num 0
	reqBuf[19] = 0x28
	binary.BigEndian.PutUint32(reqBuf[21:25], 0) // LBA 0
	binary.BigEndian.PutUint16(reqBuf[26:28], 1) // 1 block

	reg := bdev.NewRegistry()
	base := malloc.NewBdev("Malloc0", 8, 512)
	_ = reg.Register(base)
	desc, err := reg.Open("Malloc0")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	want := make([]byte, 512)
	for i := range want {
		want[i] = byte(i)
	}
	done := make(chan struct{})
	desc.SubmitRequest(&bdev.BdevIO{Type: bdev.IOTypeWrite, Offset: 0, Length: 512, Buf: want, Complete: func(error) { close(done) }})
	<-done

	lun := scsi.NewLUN("lun0", desc)
	ctrl := NewController("naa.test", rig.gm)
	if err := ctrl.AddDev(0, lun); err != nil {
		t.Fatalf("AddDev: %v", err)
	}

	n := ctrl.ProcessRequestQueue(rig.vq)
	if n != 1 {
		t.Fatalf("expected 1 request popped, got %d", n)
	}

	deadline := time.Now().Add(time.Second)
	for lun.InFlightCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	gotData := rig.mem[dataOff : dataOff+512]
	for i := range want {
		if gotData[i] != want[i] {
			t.Fatalf("data mismatch at byte %d: got %x want %x", i, gotData[i], want[i])
		}
	}
	respBuf := rig.mem[respOff : respOff+respHeaderSize]
	if respBuf[11] != RespOK {
		t.Fatalf("expected RespOK, got %d", respBuf[11])
	}
	if rig.notified == 0 {
		t.Fatalf("expected guest notification on used-ring update")
	}
}

func TestProcessRequestQueueRejectsUnboundTarget(t *testing.T) {
	rig := newTestRig(t)
	reqOff := rig.dataBase
	respOff := reqOff + 256

	rig.putDesc(0, reqOff, reqHeaderSize, descFNext, 1)
	rig.putDesc(1, respOff, respHeaderSize, descFWrite, 0)
	rig.pushAvail(0)

	reqBuf := rig.mem[reqOff : reqOff+reqHeaderSize]
	reqBuf[1] = 3 // unbound target

	ctrl := NewController("naa.test", rig.gm)
	ctrl.ProcessRequestQueue(rig.vq)

	respBuf := rig.mem[respOff : respOff+respHeaderSize]
	if respBuf[11] != RespFailure {
		t.Fatalf("expected RespFailure for unbound target, got %d", respBuf[11])
	}
}
