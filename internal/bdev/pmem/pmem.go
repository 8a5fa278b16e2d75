// Package pmem implements the pmem vbdev: a bdev backed by a single pool
// file, memory-mapped the way a real persistent-memory pool would be,
// exposing the pmem module's create_pool/delete_pool/get_pool_info RPC
// surface on top of a plain regular file when no real PMEM device is
// present.
package pmem

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/dataplane-run/datapath/internal/bdev"
	"github.com/dataplane-run/datapath/internal/errs"
)

// PoolInfo describes a pool file, returned by GetPoolInfo and mirroring
// the fields reported by the bdev_pmem_get_pool_info RPC.
type PoolInfo struct {
	Path      string `json:"path"`
	NumBlocks uint64 `json:"num_blocks"`
	BlockSize uint32 `json:"block_size"`
}

// CreatePool creates a new pool file at path sized to hold numBlocks of
// blockSize bytes each, mirroring bdev_pmem_create_pool's pmemblk_create.
// It fails if a file already exists at path. The pool is not mapped until
// a Driver opens it.
func CreatePool(path string, numBlocks uint64, blockSize uint32) (*PoolInfo, error) {
	size := int64(numBlocks) * int64(blockSize)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errs.Wrap("pmem", "create_pool", errs.ErrCodeAlreadyExists, err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		os.Remove(path)
		return nil, errs.Wrap("pmem", "create_pool", errs.ErrCodeBackendFailure, err)
	}
	return &PoolInfo{Path: path, NumBlocks: numBlocks, BlockSize: blockSize}, nil
}

// DeletePool removes the pool file at path, mirroring bdev_pmem_delete_pool.
func DeletePool(path string) error {
	if err := os.Remove(path); err != nil {
		return errs.Wrap("pmem", "delete_pool", errs.ErrCodeNotFound, err)
	}
	return nil
}

// GetPoolInfo stats path and reports its size as a block count, mirroring
// bdev_pmem_get_pool_info.
func GetPoolInfo(path string, blockSize uint32) (*PoolInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errs.Wrap("pmem", "get_pool_info", errs.ErrCodeNotFound, err)
	}
	return &PoolInfo{
		Path:      path,
		NumBlocks: uint64(fi.Size()) / uint64(blockSize),
		BlockSize: blockSize,
	}, nil
}

// Driver is a bdev.Driver backed by a pool file mapped into memory with
// mmap, so reads and writes are plain slice operations against mapped
// pages instead of file I/O syscalls per request.
type Driver struct {
	mu   sync.RWMutex
	path string
	file *os.File
	data []byte
}

// Open mmaps the pool file at path (already created via CreatePool) for
// read/write access.
func Open(path string) (*Driver, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errs.Wrap("pmem", "open", errs.ErrCodeNotFound, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrap("pmem", "open", errs.ErrCodeBackendFailure, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errs.Wrap("pmem", "open", errs.ErrCodeBackendFailure, err)
	}
	return &Driver{path: path, file: f, data: data}, nil
}

// NewBdev opens the pool at path and wraps it in a ready-to-register
// *bdev.Bdev.
func NewBdev(name, path string, numBlocks uint64, blockSize uint32) (*bdev.Bdev, error) {
	d, err := Open(path)
	if err != nil {
		return nil, err
	}
	return &bdev.Bdev{
		Name:        name,
		ProductName: "PMEM disk",
		BlockSize:   blockSize,
		NumBlocks:   numBlocks,
		Driver:      d,
	}, nil
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
		copy(io.Buf, d.data[io.Offset:io.Offset+io.Length])
		d.mu.RUnlock()
	case bdev.IOTypeWrite:
		d.mu.Lock()
		copy(d.data[io.Offset:io.Offset+io.Length], io.Buf)
		d.mu.Unlock()
	case bdev.IOTypeUnmap, bdev.IOTypeWriteZeroes:
		d.mu.Lock()
		for i := io.Offset; i < io.Offset+io.Length; i++ {
			d.data[i] = 0
		}
		d.mu.Unlock()
	case bdev.IOTypeFlush:
		d.mu.RLock()
		err = unix.Msync(d.data, unix.MS_SYNC)
		d.mu.RUnlock()
		if err != nil {
			err = errs.Wrap("pmem", "flush", errs.ErrCodeBackendFailure, err)
		}
	default:
		err = errs.New("pmem", io.Type.String(), errs.ErrCodeInvalidArgument, "unsupported operation")
	}
	if io.Complete != nil {
		io.Complete(err)
	}
	return nil
}

func (d *Driver) Destruct(done func(err error)) {
	d.mu.Lock()
	var err error
	if d.data != nil {
		err = unix.Munmap(d.data)
		d.data = nil
	}
	closeErr := d.file.Close()
	if err == nil {
		err = closeErr
	}
	d.mu.Unlock()
	if done != nil {
		if err != nil {
			err = errs.Wrap("pmem", "destruct", errs.ErrCodeBackendFailure, err)
		}
		done(err)
	}
}

func (d *Driver) DumpInfo() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return map[string]any{
		"driver":     "pmem",
		"pool_path":  d.path,
		"size_bytes": len(d.data),
	}
}

func (d *Driver) String() string {
	return fmt.Sprintf("pmem driver %s", d.path)
}

var _ bdev.Driver = (*Driver)(nil)
