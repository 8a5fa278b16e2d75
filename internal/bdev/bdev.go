// Package bdev implements the block-device abstraction at the center of
// the data plane: a name-indexed registry of Bdevs, each backed by a
// Driver (the analogue of an SPDK bdev module's function table), opened
// through Descriptors that route I/O via per-reactor IOChannels. Virtual
// bdevs (split, delay, crypto) are built by claiming a base Bdev and
// layering a Driver of their own on top, exactly like the Bdev itself is
// built on top of whatever backing store its module chooses (malloc,
// pmem and ocssd own their backing store and claim no base bdev).
package bdev

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dataplane-run/datapath/internal/errs"
	"github.com/dataplane-run/datapath/internal/telemetry"
)

// IOType enumerates the operations a Driver may be asked to perform.
type IOType int

const (
	IOTypeRead IOType = iota
	IOTypeWrite
	IOTypeUnmap
	IOTypeFlush
	IOTypeReset
	IOTypeWriteZeroes
)

func (t IOType) String() string {
	switch t {
	case IOTypeRead:
		return "read"
	case IOTypeWrite:
		return "write"
	case IOTypeUnmap:
		return "unmap"
	case IOTypeFlush:
		return "flush"
	case IOTypeReset:
		return "reset"
	case IOTypeWriteZeroes:
		return "write_zeroes"
	default:
		return "unknown"
	}
}

// IOChannel is a per-caller handle used to submit I/O to a specific Bdev.
// A real target allocates one per reactor the first time that reactor
// touches the bdev (spdk_bdev_get_io_channel); here it is cheap enough to
// allocate per Descriptor, since there is no per-core hardware resource to
// amortize in the simulated drivers this module ships.
type IOChannel struct {
	Bdev    *Bdev
	private any // driver-specific channel state, e.g. an open file handle
}

// Private returns the driver-specific state stashed in this channel.
func (c *IOChannel) Private() any { return c.private }

// SetPrivate stores driver-specific state in this channel.
func (c *IOChannel) SetPrivate(v any) { c.private = v }

// BdevIO is one in-flight request submitted to a Driver.
type BdevIO struct {
	Type     IOType
	Offset   int64 // byte offset
	Length   int64 // byte length
	Buf      []byte
	Complete func(err error)
}

// Driver is the function-table every bdev module (malloc, split, delay,
// crypto, pmem, ocssd, ...) implements.
type Driver interface {
	// SubmitRequest processes io asynchronously, calling io.Complete
	// exactly once when finished (possibly synchronously, before
	// SubmitRequest returns, for in-memory backends). The return value
	// mirrors submit()'s 0/-ENOMEM/fatal contract: nil means io was
	// accepted (io.Complete fires later, or already fired above); an
	// *errs.Error with Code == ErrCodeResourceExhausted means capacity is
	// exhausted and io was NOT accepted — io.Complete must not have been
	// called, and the caller is responsible for parking io until capacity
	// returns; any other error means io failed outright and io.Complete
	// has already been invoked with it.
	SubmitRequest(ch *IOChannel, io *BdevIO) error
	// IOTypeSupported reports whether this driver implements t.
	IOTypeSupported(t IOType) bool
	// GetIOChannel allocates a new per-caller I/O channel.
	GetIOChannel() *IOChannel
	// Destruct releases any resources held by the driver. DestructDone is
	// called once teardown completes, matching the two-phase
	// destruct/destruct_done shutdown every bdev module exposes so that
	// modules needing asynchronous teardown (flushing a cache, closing a
	// pool file) aren't forced into a synchronous Destruct.
	Destruct(destructDone func(err error))
	// DumpInfo returns a JSON-able map of driver-specific debug state,
	// surfaced by the RPC layer's bdev diagnostics call.
	DumpInfo() map[string]any
}

// Module registers bdevs at startup from configuration, mirroring an SPDK
// bdev module's examine_config/examine_disk split: ExamineConfig runs once
// per configured bdev name before any bdevs exist, offering the module a
// chance to validate its own config section; ExamineDisk runs once per
// Bdev actually registered by any module, offering every other module a
// chance to claim it into a vbdev stack.
type Module interface {
	Name() string
	ExamineConfig(name string) error
	ExamineDisk(b *Bdev)
}

// Bdev is one named block device in the registry.
type Bdev struct {
	Name        string
	ProductName string
	BlockSize   uint32
	NumBlocks   uint64
	Driver      Driver

	// UUID uniquely identifies this bdev across its lifetime, mirroring
	// spdk_bdev.uuid: a client that reopens a bdev by name after a
	// restart can confirm it is talking to the device it expects.
	// Assigned by Registry.Register if left zero.
	UUID uuid.UUID

	mu       sync.Mutex
	claimant string // module name holding this bdev as a vbdev base, "" if unclaimed

	// descriptors holds every open Descriptor against this bdev, so a
	// hot-remove can reach every one of them; Registry.Open adds to it,
	// Descriptor.Close removes from it.
	descriptors map[*Descriptor]struct{}

	// ioWaitMu/ioWait hold I/O parked after a resource-exhausted submit,
	// mirroring bdev->internal.qos_mod_time-adjacent io_wait_entry list
	// spdk_bdev_queue_io_wait maintains; RetryIOWait drains it.
	ioWaitMu sync.Mutex
	ioWait   *list.List

	Metrics  *telemetry.Metrics
	Observer telemetry.Observer
}

// ioWaitEntry is one I/O parked waiting for capacity, the Go analogue of
// spdk_bdev_io_wait_entry.
type ioWaitEntry struct {
	ch *IOChannel
	io *BdevIO
}

// parkIOWait registers io for later redrive, mirroring
// spdk_bdev_queue_io_wait's registration of an io_wait_entry against the
// bdev once submit() returns -ENOMEM.
func (b *Bdev) parkIOWait(ch *IOChannel, io *BdevIO) {
	b.ioWaitMu.Lock()
	if b.ioWait == nil {
		b.ioWait = list.New()
	}
	b.ioWait.PushBack(&ioWaitEntry{ch: ch, io: io})
	b.ioWaitMu.Unlock()
}

// RetryIOWait redrives the oldest I/O parked on b, if any. A Driver
// backed by a finite resource (a channel queue depth, a descriptor ring)
// calls this once it has freed capacity, mirroring the bdev layer's
// responsibility to call cb_fn again once the condition that produced
// -ENOMEM clears. If the redriven submit is itself resource-exhausted,
// the I/O is re-parked at the back of the queue rather than dropped.
func (b *Bdev) RetryIOWait() {
	b.ioWaitMu.Lock()
	var entry *ioWaitEntry
	if b.ioWait != nil {
		if front := b.ioWait.Front(); front != nil {
			b.ioWait.Remove(front)
			entry = front.Value.(*ioWaitEntry)
		}
	}
	b.ioWaitMu.Unlock()
	if entry == nil {
		return
	}
	if err := b.Driver.SubmitRequest(entry.ch, entry.io); err != nil {
		if isResourceExhausted(err) {
			b.parkIOWait(entry.ch, entry.io)
			return
		}
		if entry.io.Complete != nil {
			entry.io.Complete(err)
		}
	}
}

// isResourceExhausted reports whether err signals submit()'s -ENOMEM
// case: capacity exhausted, io not accepted, caller must park.
func isResourceExhausted(err error) bool {
	var e *errs.Error
	return errors.As(err, &e) && e.Code == errs.ErrCodeResourceExhausted
}

func (b *Bdev) registerDescriptor(d *Descriptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.descriptors == nil {
		b.descriptors = make(map[*Descriptor]struct{})
	}
	b.descriptors[d] = struct{}{}
}

func (b *Bdev) unregisterDescriptor(d *Descriptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.descriptors, d)
}

// HotRemove notifies every currently open Descriptor that b is going
// away, mirroring spdk_bdev_unregister's walk over bdev->internal.open_descs
// invoking each one's remove_cb (spdk_bdev_module_examine_done's
// counterpart on the teardown side). Each callback runs in its own
// goroutine, matching "asynchronously invoked": a descriptor's remove
// callback may itself call back into the bdev layer (e.g. to Close or to
// tear down a vbdev stack built on top), which must never happen while
// holding b.mu or blocking whatever triggered the hot-remove.
func (b *Bdev) HotRemove() {
	b.mu.Lock()
	descs := make([]*Descriptor, 0, len(b.descriptors))
	for d := range b.descriptors {
		descs = append(descs, d)
	}
	b.mu.Unlock()
	for _, d := range descs {
		cb := d.removeCb
		if cb != nil {
			go cb()
		}
	}
}

// SizeBytes returns the bdev's total capacity in bytes.
func (b *Bdev) SizeBytes() uint64 { return uint64(b.BlockSize) * b.NumBlocks }

// Claim marks b as the base of a vbdev owned by module, failing if it is
// already claimed (a bdev may only back one vbdev stack at a time).
func (b *Bdev) Claim(module string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.claimant != "" {
		return errs.Wrap("bdev", "claim", errs.ErrCodeAlreadyExists, fmt.Errorf("%s already claimed by %s", b.Name, b.claimant))
	}
	b.claimant = module
	return nil
}

// Unclaim releases a previous Claim.
func (b *Bdev) Unclaim() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.claimant = ""
}

// Claimant returns the module name holding this bdev, or "" if unclaimed.
func (b *Bdev) Claimant() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.claimant
}

// Descriptor is an open handle to a Bdev through which I/O is submitted,
// analogous to spdk_bdev_desc_t returned by spdk_bdev_open_ext.
type Descriptor struct {
	bdev      *Bdev
	channel   *IOChannel
	removeCb  func()
}

// Bdev returns the underlying device this descriptor was opened against.
func (d *Descriptor) Bdev() *Bdev { return d.bdev }

// SetRemoveCb registers cb to be invoked if the underlying bdev is
// hot-removed while this descriptor is open, the analogue of the
// remove_cb passed to spdk_bdev_open_ext. Only one callback may be
// registered per descriptor; a later call replaces an earlier one.
func (d *Descriptor) SetRemoveCb(cb func()) {
	d.removeCb = cb
}

func validateIO(b *Bdev, io *BdevIO) error {
	if io.Offset < 0 || io.Length < 0 {
		return errs.New("bdev", io.Type.String(), errs.ErrCodeInvalidArgument, "negative offset/length")
	}
	if uint64(io.Offset+io.Length) > b.SizeBytes() {
		return errs.New("bdev", io.Type.String(), errs.ErrCodeInvalidArgument, "I/O out of bounds")
	}
	if !b.Driver.IOTypeSupported(io.Type) {
		return errs.New("bdev", io.Type.String(), errs.ErrCodeInvalidArgument, fmt.Sprintf("%s does not support %s", b.Name, io.Type))
	}
	return nil
}

// SubmitRequest validates io against the descriptor's bdev geometry and
// supported operation set, then forwards it to the driver. Observability
// (metrics) is recorded around the driver's completion callback. If the
// driver reports resource exhaustion, io is parked on the bdev's io_wait
// queue instead of being failed, mirroring submit()'s -ENOMEM contract:
// the bdev, not the caller, is responsible for redriving it once capacity
// returns (see Bdev.RetryIOWait).
func (d *Descriptor) SubmitRequest(io *BdevIO) {
	if err := validateIO(d.bdev, io); err != nil {
		if io.Complete != nil {
			io.Complete(err)
		}
		return
	}
	observer := d.bdev.Observer
	userComplete := io.Complete
	io.Complete = func(err error) {
		if observer != nil {
			ok := err == nil
			switch io.Type {
			case IOTypeRead:
				observer.ObserveRead(uint64(io.Length), 0, ok)
			case IOTypeWrite:
				observer.ObserveWrite(uint64(io.Length), 0, ok)
			case IOTypeUnmap, IOTypeWriteZeroes:
				observer.ObserveUnmap(uint64(io.Length), 0, ok)
			case IOTypeFlush:
				observer.ObserveFlush(0, ok)
			}
		}
		if userComplete != nil {
			userComplete(err)
		}
	}
	if err := d.bdev.Driver.SubmitRequest(d.channel, io); err != nil {
		if isResourceExhausted(err) {
			d.bdev.parkIOWait(d.channel, io)
			return
		}
		if io.Complete != nil {
			io.Complete(err)
		}
	}
}

// Registry is the process-wide table of registered Bdevs.
type Registry struct {
	mu      sync.RWMutex
	bdevs   map[string]*Bdev
	modules []Module
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bdevs: make(map[string]*Bdev)}
}

// Register adds b to the registry, then calls ExamineDisk on every
// registered module so vbdev modules get a chance to claim it.
func (r *Registry) Register(b *Bdev) error {
	r.mu.Lock()
	if _, exists := r.bdevs[b.Name]; exists {
		r.mu.Unlock()
		return errs.Wrap("bdev", "register", errs.ErrCodeAlreadyExists, errs.ErrNameExists)
	}
	if b.Metrics == nil {
		b.Metrics = telemetry.NewMetrics()
	}
	if b.Observer == nil {
		b.Observer = telemetry.NewMetricsObserver(b.Metrics)
	}
	if b.UUID == uuid.Nil {
		b.UUID = uuid.New()
	}
	r.bdevs[b.Name] = b
	modules := append([]Module(nil), r.modules...)
	r.mu.Unlock()

	for _, m := range modules {
		m.ExamineDisk(b)
	}
	return nil
}

// Unregister removes a bdev. It fails if the bdev is still claimed by a
// vbdev (the vbdev must be torn down first).
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bdevs[name]
	if !ok {
		return errs.Wrap("bdev", "unregister", errs.ErrCodeNotFound, errs.ErrNotFound)
	}
	if b.Claimant() != "" {
		return errs.New("bdev", "unregister", errs.ErrCodeInvalidArgument, fmt.Sprintf("%s still claimed by %s", name, b.Claimant()))
	}
	delete(r.bdevs, name)
	return nil
}

// Find returns the bdev registered under name.
func (r *Registry) Find(name string) (*Bdev, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bdevs[name]
	if !ok {
		return nil, errs.Wrap("bdev", "find", errs.ErrCodeNotFound, errs.ErrNotFound)
	}
	return b, nil
}

// List returns every registered bdev, in no particular order.
func (r *Registry) List() []*Bdev {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Bdev, 0, len(r.bdevs))
	for _, b := range r.bdevs {
		out = append(out, b)
	}
	return out
}

// RegisterModule adds m to the set of modules consulted on every future
// Register call, and immediately calls ExamineDisk for every bdev already
// registered (handles modules brought up after some bdevs already exist).
func (r *Registry) RegisterModule(m Module) {
	r.mu.Lock()
	r.modules = append(r.modules, m)
	existing := make([]*Bdev, 0, len(r.bdevs))
	for _, b := range r.bdevs {
		existing = append(existing, b)
	}
	r.mu.Unlock()
	for _, b := range existing {
		m.ExamineDisk(b)
	}
}

// Open returns a Descriptor for name, allocating a fresh IOChannel from
// the bdev's driver.
func (r *Registry) Open(name string) (*Descriptor, error) {
	b, err := r.Find(name)
	if err != nil {
		return nil, err
	}
	d := &Descriptor{bdev: b, channel: b.Driver.GetIOChannel()}
	b.registerDescriptor(d)
	return d, nil
}

// Close releases a Descriptor. Bdevs are only actually torn down by
// Unregister + the driver's Destruct, mirroring spdk_bdev_close leaving
// the underlying bdev registered for other openers.
func (d *Descriptor) Close() {
	d.bdev.unregisterDescriptor(d)
}
