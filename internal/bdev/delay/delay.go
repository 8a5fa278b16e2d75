// Package delay implements the delay vbdev: it claims one base bdev and
// injects a configurable artificial latency in front of every I/O type
// before forwarding it, the way bdev_delay_create is used to simulate a
// slow backing device in tests without any real slow hardware. Delay is
// modeled the same way the rest of the data plane models time: a request
// is parked on a per-channel FIFO stamped with its target completion
// time, and a registered poller — not a host-runtime timer — drains
// whatever has come due on every tick.
package delay

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dataplane-run/datapath/internal/bdev"
	"github.com/dataplane-run/datapath/internal/errs"
)

// p99Probability is the chance a given request is delayed by its p99
// latency instead of its average, mirroring bdev_delay's 1-in-100 draw.
const p99Probability = 0.01

// maxQueueDepth bounds how many I/Os one channel may have parked waiting
// on their delay deadline; past this the channel reports resource
// exhaustion instead of growing without bound, mirroring every other
// bdev channel's finite outstanding-I/O depth.
const maxQueueDepth = 256

// LatencyPair is the average and (rarely selected) tail latency injected
// for one I/O type, mirroring a delay vbdev's avg_latency/p99_latency
// pair for that type.
type LatencyPair struct {
	Avg time.Duration
	P99 time.Duration
}

// validate enforces the delay vbdev's p99 >= avg construction invariant.
// A zero P99 means "no configured tail" and defaults to Avg, so it never
// fails validation.
func (p LatencyPair) validate() error {
	if p.P99 != 0 && p.P99 < p.Avg {
		return fmt.Errorf("p99 latency %s is less than avg latency %s", p.P99, p.Avg)
	}
	return nil
}

func (p LatencyPair) effectiveP99() time.Duration {
	if p.P99 == 0 {
		return p.Avg
	}
	return p.P99
}

// Latencies holds the per-IOType injected latency, mirroring the
// avg_read_latency/p99_read_latency/... fields of a delay vbdev's config.
type Latencies struct {
	Read        LatencyPair
	Write       LatencyPair
	Unmap       LatencyPair
	Flush       LatencyPair
	WriteZeroes LatencyPair
}

func (l Latencies) forType(t bdev.IOType) LatencyPair {
	switch t {
	case bdev.IOTypeRead:
		return l.Read
	case bdev.IOTypeWrite:
		return l.Write
	case bdev.IOTypeUnmap:
		return l.Unmap
	case bdev.IOTypeFlush:
		return l.Flush
	case bdev.IOTypeWriteZeroes:
		return l.WriteZeroes
	default:
		return LatencyPair{}
	}
}

func (l Latencies) validate() error {
	for name, p := range map[string]LatencyPair{
		"read": l.Read, "write": l.Write, "unmap": l.Unmap,
		"flush": l.Flush, "write_zeroes": l.WriteZeroes,
	} {
		if err := p.validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// pendingCompletion is one I/O parked until its delay deadline, queued in
// place of the *bdev.BdevIO's own Complete firing early.
type pendingCompletion struct {
	deadline time.Time
	ch       *bdev.IOChannel
	io       *bdev.BdevIO
}

// fifoKey selects one of a channel's per-(type, avg-or-p99) FIFOs. Every
// entry in a given FIFO was stamped with the same constant latency, so
// enqueue order is also deadline order and the poller never has to sort.
type fifoKey struct {
	t   bdev.IOType
	p99 bool
}

type channelState struct {
	mu    sync.Mutex
	fifos map[fifoKey][]*pendingCompletion
	depth int
	rng   *rand.Rand
}

func newChannelState(seed int64) *channelState {
	return &channelState{fifos: make(map[fifoKey][]*pendingCompletion), rng: rand.New(rand.NewSource(seed))}
}

// enqueue parks io until now+delay, choosing the p99 latency with
// p99Probability. queued is false when the configured latency is zero,
// telling the caller to submit immediately instead.
func (cs *channelState) enqueue(lat LatencyPair, t bdev.IOType, ch *bdev.IOChannel, io *bdev.BdevIO) (queued bool, err error) {
	delay := lat.Avg
	isP99 := false
	if lat.P99 != 0 && cs.rng.Float64() < p99Probability {
		delay = lat.effectiveP99()
		isP99 = true
	}
	if delay <= 0 {
		return false, nil
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.depth >= maxQueueDepth {
		return false, errs.New("delay", t.String(), errs.ErrCodeResourceExhausted, "delay channel queue full")
	}
	key := fifoKey{t: t, p99: isP99}
	cs.fifos[key] = append(cs.fifos[key], &pendingCompletion{deadline: time.Now().Add(delay), ch: ch, io: io})
	cs.depth++
	return true, nil
}

// popDue removes and returns every completion across all of the
// channel's FIFOs whose deadline has passed.
func (cs *channelState) popDue(now time.Time) []*pendingCompletion {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var due []*pendingCompletion
	for key, q := range cs.fifos {
		i := 0
		for i < len(q) && !q[i].deadline.After(now) {
			i++
		}
		if i == 0 {
			continue
		}
		due = append(due, q[:i]...)
		cs.fifos[key] = q[i:]
		cs.depth -= i
	}
	return due
}

// Driver wraps a base bdev, delaying forwarding of every request it
// accepts by the configured per-type latency.
type Driver struct {
	base  *bdev.Bdev
	owner *bdev.Bdev // the delay vbdev itself, for RetryIOWait once a channel slot frees
	lat   Latencies

	mu       sync.Mutex
	channels []*channelState
	seedFn   func() int64
}

// New creates a delay driver over base with the given per-type latencies,
// rejecting any type whose p99 latency is configured below its average.
func New(base *bdev.Bdev, lat Latencies) (*Driver, error) {
	if err := lat.validate(); err != nil {
		return nil, errs.Wrap("delay", "new", errs.ErrCodeInvalidArgument, err)
	}
	return &Driver{base: base, lat: lat, seedFn: func() int64 { return time.Now().UnixNano() }}, nil
}

// UpdateLatency replaces the driver's injected per-type latencies,
// rejecting the update (leaving the previous latencies untouched) if any
// type's p99 would be configured below its average, mirroring
// bdev_delay_update_latency.
func (d *Driver) UpdateLatency(lat Latencies) error {
	if err := lat.validate(); err != nil {
		return errs.Wrap("delay", "update_latency", errs.ErrCodeInvalidArgument, err)
	}
	d.mu.Lock()
	d.lat = lat
	d.mu.Unlock()
	return nil
}

// WithSeed overrides the per-channel latency-selection RNG's seed
// function, letting tests get reproducible avg/p99 draws instead of the
// real time-based default New uses.
func (d *Driver) WithSeed(seedFn func() int64) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seedFn = seedFn
	return d
}

// NewBdev builds a ready-to-register *bdev.Bdev backed by a delay Driver
// over base, claiming base in the process.
func NewBdev(name string, base *bdev.Bdev, lat Latencies) (*bdev.Bdev, error) {
	if err := base.Claim("delay"); err != nil {
		return nil, err
	}
	d, err := New(base, lat)
	if err != nil {
		base.Unclaim()
		return nil, err
	}
	out := &bdev.Bdev{
		Name:        name,
		ProductName: "Delay disk",
		BlockSize:   base.BlockSize,
		NumBlocks:   base.NumBlocks,
		Driver:      d,
	}
	d.owner = out
	return out, nil
}

func (d *Driver) GetIOChannel() *bdev.IOChannel {
	ch := &bdev.IOChannel{}
	d.mu.Lock()
	cs := newChannelState(d.seedFn())
	d.channels = append(d.channels, cs)
	d.mu.Unlock()
	ch.SetPrivate(cs)
	return ch
}

func (d *Driver) IOTypeSupported(t bdev.IOType) bool {
	return d.base.Driver.IOTypeSupported(t)
}

// SubmitRequest parks io on ch's FIFO for its configured latency, or
// forwards it to the base bdev immediately if no latency is configured
// for io.Type. Poll, not this call, is what eventually forwards a parked
// I/O on to the base driver. A full FIFO reports resource exhaustion
// rather than failing io outright, mirroring submit()'s 0/-ENOMEM/fatal
// contract: the caller is expected to park io on the owning bdev's
// io_wait queue and retry once RetryIOWait redrives it.
func (d *Driver) SubmitRequest(ch *bdev.IOChannel, io *bdev.BdevIO) error {
	cs := ch.Private().(*channelState)
	d.mu.Lock()
	lat := d.lat.forType(io.Type)
	d.mu.Unlock()
	queued, err := cs.enqueue(lat, io.Type, ch, io)
	if err != nil {
		return err
	}
	if !queued {
		return d.base.Driver.SubmitRequest(ch, io)
	}
	return nil
}

// Poll drains every channel's due completions, forwarding each to the
// base bdev's driver. This is the poller a delay bdev's owning reactor
// registers in place of the general-purpose async runtime (time.AfterFunc)
// a single-core, no-preemption, no-blocking data plane cannot rely on.
// Every completion it reaps frees one FIFO slot, so it redrives the
// owning bdev's io_wait queue once per slot freed, the way a real bdev
// module calls back into the generic io_wait machinery once it has
// capacity again instead of leaving a parked caller waiting indefinitely.
func (d *Driver) Poll() int {
	d.mu.Lock()
	channels := append([]*channelState(nil), d.channels...)
	owner := d.owner
	d.mu.Unlock()

	now := time.Now()
	reaped := 0
	for _, cs := range channels {
		for _, p := range cs.popDue(now) {
			d.base.Driver.SubmitRequest(p.ch, p.io)
			reaped++
		}
	}
	if owner != nil {
		for i := 0; i < reaped; i++ {
			owner.RetryIOWait()
		}
	}
	return reaped
}

func (d *Driver) Destruct(done func(err error)) {
	d.base.Unclaim()
	if done != nil {
		done(nil)
	}
}

func (d *Driver) DumpInfo() map[string]any {
	pairUs := func(p LatencyPair) map[string]int64 {
		return map[string]int64{"avg_us": p.Avg.Microseconds(), "p99_us": p.P99.Microseconds()}
	}
	d.mu.Lock()
	lat := d.lat
	d.mu.Unlock()
	return map[string]any{
		"driver":    "delay",
		"base_bdev": d.base.Name,
		"latency": map[string]any{
			"read":         pairUs(lat.Read),
			"write":        pairUs(lat.Write),
			"unmap":        pairUs(lat.Unmap),
			"flush":        pairUs(lat.Flush),
			"write_zeroes": pairUs(lat.WriteZeroes),
		},
	}
}

var _ bdev.Driver = (*Driver)(nil)
