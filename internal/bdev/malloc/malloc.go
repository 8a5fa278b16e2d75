// Package malloc implements the in-memory bdev backend: a plain byte
// slice standing in for a RAM disk, used both as a first-class bdev
// module and as the backing store vbdev tests (split, delay, crypto)
// stack on top of.
package malloc

import (
	"sync"

	"github.com/dataplane-run/datapath/internal/bdev"
	"github.com/dataplane-run/datapath/internal/errs"
)

// Driver is a bdev.Driver backed entirely by process memory.
type Driver struct {
	mu   sync.RWMutex
	data []byte
}

// New creates a malloc bdev driver of the given size in bytes.
func New(size int64) *Driver {
	return &Driver{data: make([]byte, size)}
}

func (d *Driver) GetIOChannel() *bdev.IOChannel {
	return &bdev.IOChannel{}
}

func (d *Driver) IOTypeSupported(t bdev.IOType) bool {
	switch t {
	case bdev.IOTypeRead, bdev.IOTypeWrite, bdev.IOTypeUnmap, bdev.IOTypeFlush, bdev.IOTypeWriteZeroes:
		return true
	default:
		return false
	}
}

func (d *Driver) SubmitRequest(ch *bdev.IOChannel, io *bdev.BdevIO) error {
	var err error
	switch io.Type {
	case bdev.IOTypeRead:
		d.mu.RLock()
		n := copy(io.Buf, d.data[io.Offset:io.Offset+io.Length])
		d.mu.RUnlock()
		if int64(n) != io.Length {
			err = errs.New("malloc", "read", errs.ErrCodeBackendFailure, "short read")
		}
	case bdev.IOTypeWrite:
		d.mu.Lock()
		n := copy(d.data[io.Offset:io.Offset+io.Length], io.Buf)
		d.mu.Unlock()
		if int64(n) != io.Length {
			err = errs.New("malloc", "write", errs.ErrCodeBackendFailure, "short write")
		}
	case bdev.IOTypeUnmap, bdev.IOTypeWriteZeroes:
		d.mu.Lock()
		for i := io.Offset; i < io.Offset+io.Length; i++ {
			d.data[i] = 0
		}
		d.mu.Unlock()
	case bdev.IOTypeFlush:
		// No-op: writes are already visible once SubmitRequest returns.
	default:
		err = errs.New("malloc", io.Type.String(), errs.ErrCodeInvalidArgument, "unsupported operation")
	}
	if io.Complete != nil {
		io.Complete(err)
	}
	return nil
}

func (d *Driver) Destruct(done func(err error)) {
	d.mu.Lock()
	d.data = nil
	d.mu.Unlock()
	if done != nil {
		done(nil)
	}
}

func (d *Driver) DumpInfo() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return map[string]any{"driver": "malloc", "size_bytes": len(d.data)}
}

// NewBdev is a convenience constructor combining a malloc Driver with a
// registry-ready *bdev.Bdev, mirroring bdev_malloc_create's RPC signature.
func NewBdev(name string, numBlocks uint64, blockSize uint32) *bdev.Bdev {
	return &bdev.Bdev{
		Name:        name,
		ProductName: "Malloc disk",
		BlockSize:   blockSize,
		NumBlocks:   numBlocks,
		Driver:      New(int64(numBlocks) * int64(blockSize)),
	}
}

var _ bdev.Driver = (*Driver)(nil)
