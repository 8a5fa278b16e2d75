// Package datapath wires together the reactor pool, bdev registry, SCSI
// LUN layer, vhost-user SCSI controllers, NVMe-oF target and JSON-RPC
// server into one running data-plane process, the Go analogue of SPDK's
// spdk_app_start plus its subsystem init/fini sequencing.
package datapath

import (
	"context"
	"fmt"
	"time"

	"github.com/dataplane-run/datapath/internal/ae4dma"
	"github.com/dataplane-run/datapath/internal/bdev"
	"github.com/dataplane-run/datapath/internal/bdev/crypto"
	"github.com/dataplane-run/datapath/internal/bdev/delay"
	"github.com/dataplane-run/datapath/internal/bdev/malloc"
	"github.com/dataplane-run/datapath/internal/bdev/ocssd"
	"github.com/dataplane-run/datapath/internal/bdev/pmem"
	"github.com/dataplane-run/datapath/internal/bdev/split"
	"github.com/dataplane-run/datapath/internal/config"
	"github.com/dataplane-run/datapath/internal/logging"
	"github.com/dataplane-run/datapath/internal/memory"
	"github.com/dataplane-run/datapath/internal/nvmf"
	"github.com/dataplane-run/datapath/internal/pci"
	"github.com/dataplane-run/datapath/internal/reactor"
	"github.com/dataplane-run/datapath/internal/rpc"
	"github.com/dataplane-run/datapath/internal/scsi"
	"github.com/dataplane-run/datapath/internal/subsystem"
	"github.com/dataplane-run/datapath/internal/telemetry"
	"github.com/dataplane-run/datapath/internal/vhost"
	"github.com/prometheus/client_golang/prometheus"
)

// Options configures a Target at construction time, gathering what
// cmd/datapathd collects from its -c/-m/-r flags.
type Options struct {
	// Cores is the set of logical cores the reactor pool runs on. A nil
	// or empty slice defaults to a single reactor on core 0.
	Cores []int

	// Config, if non-nil, is parsed for [Nvmf] and [Subsystem<N>]
	// sections and used to pre-populate the NVMf target.
	Config *config.Config

	// Logger overrides the package default logger. If nil, logging.Default()
	// is used.
	Logger *logging.Logger
}

// Target is one running instance of the data plane: its bdev registry,
// SCSI LUNs, vhost-user controllers, NVMf target and RPC server, plus the
// reactor pool driving all of it.
type Target struct {
	Bdevs     *bdev.Registry
	SplitMod  *split.Module
	Nvmf      *nvmf.Target
	RPC       *rpc.Server
	// AE4DMA is the simulated copy-engine attached at construction time
	// (no real AE4DMA hardware is ever present in this environment; see
	// internal/pci and internal/memory for the simulated PCI/vtophys
	// backing this drives descriptor-ring bookkeeping against).
	AE4DMA *ae4dma.Driver
	// Metrics is the Prometheus registry every bdev created through
	// CreateMallocBdev/CreateDelayBdev/CreateCryptoBdev reports into.
	// cmd/datapathd exposes it over HTTP when -metrics-addr is set.
	Metrics    *prometheus.Registry
	subsystems *subsystem.Registry
	reactors   *reactor.Pool
	logger     *logging.Logger

	vhostCtrls map[string]*vhost.Controller
	luns       map[string]*scsi.LUN
}

// observerFor returns a telemetry.Observer that reports into t.Metrics
// under the given component/name labels, for attaching to a freshly
// created Bdev.
func (t *Target) observerFor(component, name string) telemetry.Observer {
	return telemetry.NewPrometheusObserver(t.Metrics, component, name)
}

// ae4dmaNumQueues is how many hardware queues the simulated AE4DMA
// function brings up, well under MaxHWQueues — no deployment here drives
// anywhere near 16 concurrent copy queues.
const ae4dmaNumQueues = 4

// attachAE4DMA brings up a simulated AE4DMA PCI function (no real AE4DMA
// hardware or IOMMU is ever present in this environment) and registers a
// continuous poller on the master reactor that drains every queue's
// completion ring, mirroring how a production target's accel subsystem
// polls ae4dma_process_channel_events from a reactor poller rather than
// from an interrupt handler.
func (t *Target) attachAE4DMA() error {
	enumerator := pci.NewSimEnumerator()
	dev := enumerator.AddDevice(pci.Address{Bus: 0, Device: 0x1f, Function: 0}, 0x1022, 0x148c,
		[6]int{ae4dmaNumQueues * 64, 0, 0, 0, 0, 0})
	translator := memory.NewSimTranslator(0x1_0000_0000)
	driver, err := ae4dma.Attach(dev, translator, ae4dmaNumQueues)
	if err != nil {
		return fmt.Errorf("datapath: ae4dma attach: %w", err)
	}
	t.AE4DMA = driver
	dmaObserver := t.observerFor("ae4dma", "engine0")
	for i := 0; i < driver.NumQueues(); i++ {
		ch, err := driver.Channel(i)
		if err != nil {
			continue
		}
		ch.Observer = dmaObserver
	}

	// Completion events are recorded into a lock-free Sink rather than
	// logged directly, since this poller runs on every reactor iteration
	// and cannot take the shared Logger's mutex without contending with
	// every other subsystem's logging; a second, coarsely-throttled poller
	// drains it through a component-tagged logger below.
	sink := logging.NewSink(256)
	reactor0 := t.reactors.Reactors()[0]
	reactor0.RegisterPoller("ae4dma:process_events", func() int {
		total := 0
		for i := 0; i < driver.NumQueues(); i++ {
			ch, err := driver.Channel(i)
			if err != nil {
				continue
			}
			processed := ch.ProcessEvents()
			total += processed
			dmaObserver.ObserveQueueDepth(ch.InFlight())
			if processed > 0 {
				sink.Push(logging.LevelDebug, "ae4dma completions drained", "queue", i, "count", processed)
			}
		}
		return total
	}, 0)
	reactor0.RegisterPoller("ae4dma:drain_log", func() int {
		return sink.Drain(t.logger.With("ae4dma"))
	}, time.Second)
	return nil
}

// NewTarget builds a Target and its dependency-ordered subsystem chain
// but does not start the reactor pool or run any Init function yet; call
// Run to bring everything up.
func NewTarget(opts Options) (*Target, error) {
	cores := opts.Cores
	if len(cores) == 0 {
		cores = []int{0}
	}
	pool, err := reactor.NewPool(cores)
	if err != nil {
		return nil, fmt.Errorf("datapath: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	t := &Target{
		Bdevs:      bdev.NewRegistry(),
		RPC:        rpc.NewServer(),
		Metrics:    prometheus.NewRegistry(),
		subsystems: subsystem.NewRegistry(),
		reactors:   pool,
		logger:     logger,
		vhostCtrls: make(map[string]*vhost.Controller),
		luns:       make(map[string]*scsi.LUN),
	}

	t.SplitMod = split.NewModule(t.Bdevs)
	t.Bdevs.RegisterModule(t.SplitMod)

	nvmfCfg := nvmf.DefaultTargetConfig()
	if opts.Config != nil {
		if err := applyNvmfConfigSection(&nvmfCfg, opts.Config); err != nil {
			return nil, err
		}
	}
	nvmfTarget, err := nvmf.NewTarget(nvmfCfg)
	if err != nil {
		return nil, fmt.Errorf("datapath: nvmf target: %w", err)
	}
	nvmfTarget.Observer = t.observerFor("nvmf", "target")
	t.Nvmf = nvmfTarget

	if err := t.attachAE4DMA(); err != nil {
		return nil, err
	}

	if opts.Config != nil {
		if err := t.loadSubsystemSections(opts.Config); err != nil {
			return nil, err
		}
	}

	t.registerSubsystems()
	t.registerRPCMethods()

	return t, nil
}

// registerSubsystems declares the dependency-ordered bringup chain:
// bdev has no dependencies, scsi and nvmf depend on bdev, vhost depends
// on scsi, and rpc (which exposes all of the above) comes up last.
// Mirrors spdk_subsystem_init's ordering of the bdev/scsi/vhost/nvmf
// subsystems.
func (t *Target) registerSubsystems() {
	t.subsystems.Register(subsystem.Subsystem{
		Name: "bdev",
		Init: func() error {
			t.logger.With("bdev").Info("subsystem ready")
			return nil
		},
	})
	t.subsystems.Register(subsystem.Subsystem{
		Name:      "scsi",
		DependsOn: []string{"bdev"},
		Init: func() error {
			t.logger.With("scsi").Info("subsystem ready")
			return nil
		},
	})
	t.subsystems.Register(subsystem.Subsystem{
		Name:      "nvmf",
		DependsOn: []string{"bdev"},
		Init: func() error {
			t.logger.With("nvmf").Infof("target ready with %d subsystem(s)", len(t.Nvmf.ListSubsystems()))
			return nil
		},
	})
	t.subsystems.Register(subsystem.Subsystem{
		Name:      "vhost",
		DependsOn: []string{"scsi"},
		Init: func() error {
			t.logger.With("vhost").Info("subsystem ready")
			return nil
		},
	})
	t.subsystems.Register(subsystem.Subsystem{
		Name:      "rpc",
		DependsOn: []string{"bdev", "scsi", "nvmf", "vhost"},
		Init: func() error {
			t.logger.With("rpc").Info("subsystem ready")
			return nil
		},
	})
}

// Run brings up every subsystem in dependency order, then blocks
// running the reactor pool until ctx is cancelled or Stop is called.
func (t *Target) Run(ctx context.Context) error {
	if err := t.subsystems.InitAll(); err != nil {
		return fmt.Errorf("datapath: subsystem init: %w", err)
	}
	t.reactors.Run(ctx)
	return nil
}

// Stop tears down every subsystem in reverse dependency order and
// signals the reactor pool to exit.
func (t *Target) Stop() {
	t.reactors.Stop()
	t.subsystems.FiniAll()
}

// Reactors exposes the underlying pool for callers (tests, the RPC
// diagnostics surface) that need per-reactor tick counts.
func (t *Target) Reactors() *reactor.Pool { return t.reactors }

// CreateMallocBdev registers a new in-memory bdev, the Go analogue of the
// bdev_malloc_create RPC method.
func (t *Target) CreateMallocBdev(name string, numBlocks uint64, blockSize uint32) (*bdev.Bdev, error) {
	b := malloc.NewBdev(name, numBlocks, blockSize)
	b.Observer = t.observerFor("malloc", name)
	if err := t.Bdevs.Register(b); err != nil {
		return nil, err
	}
	return b, nil
}

// CreateDelayBdev layers injected per-operation latency on top of an
// already-registered base bdev, the analogue of bdev_delay_create.
func (t *Target) CreateDelayBdev(name, baseName string, lat delay.Latencies) (*bdev.Bdev, error) {
	base, err := t.Bdevs.Find(baseName)
	if err != nil {
		return nil, err
	}
	b, err := delay.NewBdev(name, base, lat)
	if err != nil {
		return nil, err
	}
	b.Observer = t.observerFor("delay", name)
	if err := t.Bdevs.Register(b); err != nil {
		return nil, err
	}
	// A delay bdev's parked completions only drain when something polls
	// them; register that poller on the master reactor so a delay bdev
	// created through the RPC surface actually completes I/O once the
	// target is running, mirroring every other poller-driven subsystem.
	t.reactors.Reactors()[0].RegisterPoller("delay:"+name, b.Driver.(*delay.Driver).Poll, 0)
	return b, nil
}

// CreateCryptoBdev layers AES-XTS encryption on top of an
// already-registered base bdev, the analogue of bdev_crypto_create.
func (t *Target) CreateCryptoBdev(name, baseName string, key crypto.KeyHandle) (*bdev.Bdev, error) {
	base, err := t.Bdevs.Find(baseName)
	if err != nil {
		return nil, err
	}
	b, err := crypto.NewBdev(name, base, key)
	if err != nil {
		return nil, err
	}
	b.Observer = t.observerFor("crypto", name)
	if err := t.Bdevs.Register(b); err != nil {
		return nil, err
	}
	return b, nil
}

// CreateOCSSDBdev registers an Open-Channel SSD geometry-reporting bdev.
// No zone-append I/O path is implemented (see internal/bdev/ocssd); the
// bdev exists so geometry can be queried over RPC ahead of that work.
func (t *Target) CreateOCSSDBdev(name string, geometry ocssd.Geometry) (*bdev.Bdev, error) {
	b := &bdev.Bdev{
		Name:        name,
		ProductName: "Open-Channel SSD",
		BlockSize:   uint32(geometry.MinWriteSize),
		NumBlocks:   uint64(geometry.NumChunks) * uint64(geometry.ClbaPerChunk),
		Driver:      ocssd.New(geometry),
		Observer:    t.observerFor("ocssd", name),
	}
	if err := t.Bdevs.Register(b); err != nil {
		return nil, err
	}
	return b, nil
}

// CreatePmemBdev opens the pool file at poolPath (already sized by
// CreatePmemPool) and registers it as a bdev, the analogue of
// bdev_pmem_create.
func (t *Target) CreatePmemBdev(name, poolPath string, blockSize uint32) (*bdev.Bdev, error) {
	info, err := pmem.GetPoolInfo(poolPath, blockSize)
	if err != nil {
		return nil, err
	}
	b, err := pmem.NewBdev(name, poolPath, info.NumBlocks, blockSize)
	if err != nil {
		return nil, err
	}
	b.Observer = t.observerFor("pmem", name)
	if err := t.Bdevs.Register(b); err != nil {
		return nil, err
	}
	return b, nil
}

// CreatePmemPool creates a new pool file on disk, the analogue of
// bdev_pmem_create_pool. It does not register a bdev; CreatePmemBdev does
// that against an already-created pool.
func (t *Target) CreatePmemPool(path string, numBlocks uint64, blockSize uint32) (*pmem.PoolInfo, error) {
	return pmem.CreatePool(path, numBlocks, blockSize)
}

// DeletePmemPool removes a pool file, the analogue of bdev_pmem_delete_pool.
func (t *Target) DeletePmemPool(path string) error {
	return pmem.DeletePool(path)
}

// GetPmemPoolInfo reports a pool file's size, the analogue of
// bdev_pmem_get_pool_info.
func (t *Target) GetPmemPoolInfo(path string, blockSize uint32) (*pmem.PoolInfo, error) {
	return pmem.GetPoolInfo(path, blockSize)
}

// UpdateDelayLatency replaces the injected per-type latencies of an
// already-created delay bdev, the analogue of bdev_delay_update_latency.
func (t *Target) UpdateDelayLatency(name string, lat delay.Latencies) error {
	b, err := t.Bdevs.Find(name)
	if err != nil {
		return err
	}
	d, ok := b.Driver.(*delay.Driver)
	if !ok {
		return NewError("datapath", "update_delay_latency", ErrCodeInvalidArgument, fmt.Sprintf("%s is not a delay bdev", name))
	}
	return d.UpdateLatency(lat)
}

// DeleteBdev unregisters name and destructs its driver, the shared
// teardown path behind bdev_delay_delete, bdev_pmem_delete and
// delete_ocssd_bdev: HotRemove first so every open descriptor (e.g. a SCSI
// LUN built on this bdev, or a split module's base-bdev descriptor) gets
// its remove-callback before anything disappears, then Unregister so no
// new opens can race the destruct, then Destruct to release resources and
// unclaim any base bdev.
func (t *Target) DeleteBdev(name string) error {
	b, err := t.Bdevs.Find(name)
	if err != nil {
		return err
	}
	b.HotRemove()
	if err := t.Bdevs.Unregister(name); err != nil {
		return err
	}
	done := make(chan error, 1)
	b.Driver.Destruct(func(err error) { done <- err })
	return <-done
}

// DeleteSplitBdev unregisters every child bdev created by
// CreateSplitBdev for baseName and unclaims the base, the analogue of
// bdev_split_delete.
func (t *Target) DeleteSplitBdev(baseName string) error {
	return t.SplitMod.DeleteSplit(baseName)
}

// CreateSplitBdev claims baseName and carves it into count equal child
// bdevs of blocksPerSplit blocks each, the analogue of bdev_split_create.
func (t *Target) CreateSplitBdev(baseName string, count int, blocksPerSplit uint64) ([]*bdev.Bdev, error) {
	children, err := t.SplitMod.CreateSplit(baseName, count, blocksPerSplit)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		c.Observer = t.observerFor("split", c.Name)
	}
	return children, nil
}

// CreateLUN wraps a bdev descriptor in a SCSI LUN task-execution
// pipeline, ready to be attached to a vhost-user target device. The
// descriptor's remove callback clears every pending and in-flight task
// with CHECK CONDITION if the backing bdev is ever hot-removed, the way
// a real initiator sees I/O fail rather than hang against a LUN whose
// bdev vanished underneath it.
func (t *Target) CreateLUN(lunName, bdevName string) (*scsi.LUN, error) {
	desc, err := t.Bdevs.Open(bdevName)
	if err != nil {
		return nil, err
	}
	lun := scsi.NewLUN(lunName, desc)
	desc.SetRemoveCb(func() { lun.ClearAll() })
	t.luns[lunName] = lun
	return lun, nil
}

// CreateVhostSCSIController creates a named vhost-user SCSI controller
// backed by mem, the analogue of vhost_create_scsi_controller.
func (t *Target) CreateVhostSCSIController(name string, mem vhost.GuestMemory) *vhost.Controller {
	c := vhost.NewController(name, mem)
	t.vhostCtrls[name] = c
	return c
}

func applyNvmfConfigSection(cfg *nvmf.TargetConfig, cfgFile *config.Config) error {
	sections := cfgFile.SectionsNamed("Nvmf")
	if len(sections) == 0 {
		return nil
	}
	sec := sections[0]
	if d, ok := sec.First("MaxQueueDepth"); ok {
		v, err := d.IntField(0)
		if err != nil {
			return fmt.Errorf("datapath: [Nvmf] MaxQueueDepth: %w", err)
		}
		cfg.MaxQueueDepth = v
	}
	if d, ok := sec.First("MaxQueuesPerSession"); ok {
		v, err := d.IntField(0)
		if err != nil {
			return fmt.Errorf("datapath: [Nvmf] MaxQueuesPerSession: %w", err)
		}
		cfg.MaxQueuesPerSession = v
	}
	if d, ok := sec.First("InCapsuleDataSize"); ok {
		v, err := d.IntField(0)
		if err != nil {
			return fmt.Errorf("datapath: [Nvmf] InCapsuleDataSize: %w", err)
		}
		cfg.InCapsuleDataSize = v
	}
	if d, ok := sec.First("MaxIOSize"); ok {
		v, err := d.IntField(0)
		if err != nil {
			return fmt.Errorf("datapath: [Nvmf] MaxIOSize: %w", err)
		}
		cfg.MaxIOSize = v
	}
	return cfg.Validate()
}

// loadSubsystemSections reads every [Subsystem<N>] section and registers
// the described NQN with the NVMf target, mirroring spdk's legacy .ini
// config handling of NQN/Mode/Listen/Host/Namespace directives.
func (t *Target) loadSubsystemSections(cfgFile *config.Config) error {
	for _, sec := range cfgFile.SectionsWithPrefix("Subsystem") {
		nqnDirective, ok := sec.First("NQN")
		if !ok {
			continue
		}
		nqn := nqnDirective.Field(0)

		mode := nvmf.ModeVirtual
		if modeDirective, ok := sec.First("Mode"); ok && modeDirective.Field(0) == "Direct" {
			mode = nvmf.ModeDirect
		}

		sub := nvmf.NewSubsystem(nqn, mode)
		for _, listen := range sec.All("Listen") {
			transport := listen.Field(0)
			addr, err := nvmf.ParseListenAddr(transport, listen.Field(1))
			if err != nil {
				return fmt.Errorf("datapath: subsystem %s: %w", nqn, err)
			}
			sub.AddListener(addr)
		}
		for _, host := range sec.All("Host") {
			sub.AddAllowedHost(host.Field(0))
		}
		for _, ns := range sec.All("Namespace") {
			b, err := t.Bdevs.Find(ns.Field(0))
			if err != nil {
				return fmt.Errorf("datapath: subsystem %s namespace: %w", nqn, err)
			}
			if err := sub.AddNamespace(uint32(len(sub.Namespaces)+1), b); err != nil {
				return fmt.Errorf("datapath: subsystem %s: %w", nqn, err)
			}
		}
		if err := t.Nvmf.AddSubsystem(sub); err != nil {
			return fmt.Errorf("datapath: %w", err)
		}
	}
	return nil
}
