// Package split implements the split vbdev: it claims one base bdev and
// exposes N equal-sized child bdevs carved out of contiguous block
// ranges, the way bdev_split_create partitions a single backing device
// into several smaller ones without any on-disk metadata.
package split

import (
	"fmt"
	"sync"

	"github.com/dataplane-run/datapath/internal/bdev"
	"github.com/dataplane-run/datapath/internal/errs"
	"github.com/dataplane-run/datapath/internal/logging"
)

// Module implements bdev.Module, claiming base bdevs configured for
// splitting and registering their child bdevs.
type Module struct {
	mu       sync.Mutex
	registry *bdev.Registry
	requests map[string]splitRequest // base bdev name -> requested split
	groups   map[string]*splitGroup  // base bdev name -> live split, for bdev_split_delete
}

type splitRequest struct {
	count          int
	blocksPerSplit uint64
}

// splitGroup tracks the children created for one base bdev so
// bdev_split_delete can tear every one of them down together.
type splitGroup struct {
	base     *bdev.Bdev
	children []string
	// desc is an open descriptor against base whose remove callback tears
	// down every child the way part_base_hotremove walks a split_base's
	// Part children when the base disk is hot-removed.
	desc *bdev.Descriptor
}

// NewModule creates a split module bound to registry, which it uses both
// to look up configured base bdevs and to register the child bdevs it
// creates.
func NewModule(registry *bdev.Registry) *Module {
	return &Module{
		registry: registry,
		requests: make(map[string]splitRequest),
		groups:   make(map[string]*splitGroup),
	}
}

func (m *Module) Name() string { return "split" }

// RequestSplit records that baseBdevName should be split into count equal
// child bdevs of blocksPerSplit blocks each, mirroring the [Split]
// configuration section's "Split <base> <count> <size_mb>" directive.
// The actual split happens in ExamineDisk, once the base bdev exists.
func (m *Module) RequestSplit(baseBdevName string, count int, blocksPerSplit uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[baseBdevName] = splitRequest{count: count, blocksPerSplit: blocksPerSplit}
}

func (m *Module) ExamineConfig(name string) error { return nil }

// ExamineDisk claims b if a split was requested for it and registers the
// resulting child bdevs.
func (m *Module) ExamineDisk(b *bdev.Bdev) {
	m.mu.Lock()
	req, ok := m.requests[b.Name]
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := b.Claim(m.Name()); err != nil {
		return
	}
	m.registerChildren(b, req.count, req.blocksPerSplit)
}

// registerChildren clamps count to whatever fits b's capacity (warning if
// it had to), then registers one child bdev per remaining split, recording
// the group so it can be torn down as a unit later.
func (m *Module) registerChildren(b *bdev.Bdev, count int, blocksPerSplit uint64) []*bdev.Bdev {
	if max := b.NumBlocks / blocksPerSplit; uint64(count) > max {
		logging.Warn("split: requested split count oversubscribes base bdev, clamping",
			"base_bdev", b.Name, "requested", count, "clamped_to", max)
		count = int(max)
	}
	group := &splitGroup{base: b}
	if desc, err := m.registry.Open(b.Name); err == nil {
		desc.SetRemoveCb(func() { _ = m.DeleteSplit(b.Name) })
		group.desc = desc
	}
	children := make([]*bdev.Bdev, 0, count)
	for i := 0; i < count; i++ {
		offsetBlocks := uint64(i) * blocksPerSplit
		child := &bdev.Bdev{
			Name:        fmt.Sprintf("%sp%d", b.Name, i),
			ProductName: "Split disk",
			BlockSize:   b.BlockSize,
			NumBlocks:   blocksPerSplit,
			Driver:      newDriver(b, offsetBlocks, blocksPerSplit),
		}
		if err := m.registry.Register(child); err != nil {
			continue
		}
		group.children = append(group.children, child.Name)
		children = append(children, child)
	}
	m.mu.Lock()
	m.groups[b.Name] = group
	m.mu.Unlock()
	return children
}

// CreateSplit claims baseName and carves it into count equal child bdevs
// of blocksPerSplit blocks each, the immediate-apply path behind the
// bdev_split_create RPC method (as opposed to RequestSplit, which waits
// for a base bdev named in config to show up later). Oversubscription
// (count*blocksPerSplit > base capacity) is clamped to the maximum split
// count that fits, with a warning, rather than rejected.
func (m *Module) CreateSplit(baseName string, count int, blocksPerSplit uint64) ([]*bdev.Bdev, error) {
	if count <= 0 {
		return nil, errs.New("split", "create", errs.ErrCodeInvalidArgument, "split count must be positive")
	}
	b, err := m.registry.Find(baseName)
	if err != nil {
		return nil, err
	}
	if blocksPerSplit == 0 {
		blocksPerSplit = b.NumBlocks / uint64(count)
	}
	if blocksPerSplit == 0 {
		return nil, errs.New("split", "create", errs.ErrCodeInvalidArgument, "split size too small for base bdev block size")
	}
	if err := b.Claim(m.Name()); err != nil {
		return nil, err
	}
	children := m.registerChildren(b, count, blocksPerSplit)
	if len(children) == 0 {
		b.Unclaim()
		return nil, errs.New("split", "create", errs.ErrCodeInvalidArgument, "no splits fit within base bdev capacity")
	}
	return children, nil
}

// DeleteSplit unregisters every child bdev created for baseName, destructs
// each child's driver, closes the base descriptor opened to catch its
// hot-remove, and unclaims the base. It is both the reverse of CreateSplit
// behind the bdev_split_delete RPC method and the cascade
// part_base_hotremove drives when the base bdev itself is hot-removed
// (via the remove callback registered in registerChildren). Safe to call
// more than once for the same baseName: the second call finds no group
// and returns ErrNotFound.
func (m *Module) DeleteSplit(baseName string) error {
	m.mu.Lock()
	group, ok := m.groups[baseName]
	if ok {
		delete(m.groups, baseName)
	}
	m.mu.Unlock()
	if !ok {
		return errs.Wrap("split", "delete", errs.ErrCodeNotFound, errs.ErrNotFound)
	}
	for _, name := range group.children {
		child, err := m.registry.Find(name)
		if err != nil {
			continue
		}
		if err := m.registry.Unregister(name); err != nil {
			continue
		}
		done := make(chan error, 1)
		child.Driver.Destruct(func(err error) { done <- err })
		<-done
	}
	if group.desc != nil {
		group.desc.Close()
	}
	group.base.Unclaim()
	return nil
}

// Driver forwards I/O to its base bdev, offset by the child's partition
// start, the way the split module's submit_request shifts bdev_io->offset
// before handing the request to the base bdev's channel.
type driver struct {
	base         *bdev.Bdev
	offsetBlocks uint64
	numBlocks    uint64
	desc         *bdev.Descriptor
}

func newDriver(base *bdev.Bdev, offsetBlocks, numBlocks uint64) *driver {
	return &driver{base: base, offsetBlocks: offsetBlocks, numBlocks: numBlocks}
}

func (d *driver) GetIOChannel() *bdev.IOChannel {
	return &bdev.IOChannel{}
}

func (d *driver) IOTypeSupported(t bdev.IOType) bool {
	return d.base.Driver.IOTypeSupported(t)
}

func (d *driver) offsetBytes() int64 {
	return int64(d.offsetBlocks) * int64(d.base.BlockSize)
}

func (d *driver) SubmitRequest(ch *bdev.IOChannel, io *bdev.BdevIO) error {
	limit := int64(d.numBlocks) * int64(d.base.BlockSize)
	if io.Offset+io.Length > limit {
		if io.Complete != nil {
			io.Complete(errs.New("split", io.Type.String(), errs.ErrCodeInvalidArgument, "I/O beyond partition boundary"))
		}
		return nil
	}
	shifted := *io
	shifted.Offset = io.Offset + d.offsetBytes()
	shifted.Complete = io.Complete
	// Submit directly on the base bdev's own driver to avoid re-validating
	// against the base's full (unshifted) geometry through a Descriptor.
	// The base's own submit status (including resource exhaustion) is
	// returned unchanged, so a caller parks this I/O exactly as it would
	// one submitted straight to the base.
	return d.base.Driver.SubmitRequest(ch, &shifted)
}

func (d *driver) Destruct(done func(err error)) {
	if done != nil {
		done(nil)
	}
}

func (d *driver) DumpInfo() map[string]any {
	return map[string]any{
		"driver":        "split",
		"base_bdev":     d.base.Name,
		"offset_blocks": d.offsetBlocks,
		"num_blocks":    d.numBlocks,
	}
}

var _ bdev.Driver = (*driver)(nil)
var _ bdev.Module = (*Module)(nil)
