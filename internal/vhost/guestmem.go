package vhost

import "github.com/dataplane-run/datapath/internal/errs"

// FlatGuestMemory is a single contiguous region GuestMemory implementation,
// standing in for a real vhost-user memory-region table (which maps
// several mmap'd regions by guest physical address range) when only one
// region is registered — the common case in tests and in this
// environment's absence of a real guest.
type FlatGuestMemory struct {
	base uint64
	mem  []byte
}

// NewFlatGuestMemory wraps mem, treating gpa as base+offset.
func NewFlatGuestMemory(base uint64, mem []byte) *FlatGuestMemory {
	return &FlatGuestMemory{base: base, mem: mem}
}

func (g *FlatGuestMemory) Translate(gpa uint64, length uint32) ([]byte, error) {
	if gpa < g.base {
		return nil, errs.New("vhost", "gpa_to_vva", errs.ErrCodeInvalidArgument, "address below region base")
	}
	off := gpa - g.base
	end := off + uint64(length)
	if end > uint64(len(g.mem)) {
		return nil, errs.New("vhost", "gpa_to_vva", errs.ErrCodeInvalidArgument, "address range out of region")
	}
	return g.mem[off:end], nil
}

var _ GuestMemory = (*FlatGuestMemory)(nil)
