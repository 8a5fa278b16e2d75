// Package ocssd is an interface-depth-only stub for the Open-Channel SSD
// bdev module. A real ocssd bdev exposes zone/chunk geometry and
// zone-append semantics backed by the NVMe vendor-specific Open-Channel
// command set; wiring that requires an NVMe command-plane this module
// does not implement, so this package only establishes the shape a
// future driver would fill in (geometry reporting and a Driver that
// rejects every I/O) rather than silently omitting the module entirely.
package ocssd

import (
	"github.com/dataplane-run/datapath/internal/bdev"
	"github.com/dataplane-run/datapath/internal/errs"
)

// Geometry describes an Open-Channel SSD's zone layout, mirroring the
// fields reported by an NVMe Geometry (0xE2) vendor command.
type Geometry struct {
	NumGroups    uint32
	NumPUs       uint32
	NumChunks    uint32
	ClbaPerChunk uint32
	MinWriteSize uint32
}

// Driver is a placeholder bdev.Driver: it reports geometry via DumpInfo
// but fails every actual I/O request, since no NVMe vendor command
// transport is wired up for it yet.
type Driver struct {
	geometry Geometry
}

// New creates an ocssd stub driver reporting the given geometry.
func New(geometry Geometry) *Driver {
	return &Driver{geometry: geometry}
}

func (d *Driver) GetIOChannel() *bdev.IOChannel {
	return &bdev.IOChannel{}
}

// IOTypeSupported always returns false: no I/O path is implemented.
func (d *Driver) IOTypeSupported(bdev.IOType) bool { return false }

func (d *Driver) SubmitRequest(ch *bdev.IOChannel, io *bdev.BdevIO) error {
	if io.Complete != nil {
		io.Complete(errs.New("ocssd", io.Type.String(), errs.ErrCodeInvalidArgument, "ocssd I/O path not implemented"))
	}
	return nil
}

func (d *Driver) Destruct(done func(err error)) {
	if done != nil {
		done(nil)
	}
}

func (d *Driver) DumpInfo() map[string]any {
	return map[string]any{
		"driver":   "ocssd",
		"geometry": d.geometry,
	}
}

var _ bdev.Driver = (*Driver)(nil)
