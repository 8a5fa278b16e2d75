// Package nvmf implements the NVMe-oF target's subsystem model,
// listener-address parsing, and per-connection state machine, grounded
// on lib/nvmf/conf.c (config clamps), lib/nvmf/port.c (listener address
// parsing) and lib/nvmf/conn.c (connection lifecycle) from the original
// SPDK nvmf library. No real RDMA transport is wired up — Poll operates
// against a pluggable Transport interface so a future RDMA/TCP backend
// can be dropped in without reworking the state machine.
package nvmf

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/dataplane-run/datapath/internal/bdev"
	"github.com/dataplane-run/datapath/internal/errs"
)

// DiscoveryNQN is the reserved discovery-subsystem NQN allocated at
// startup, mirroring SPDK_NVMF_DISCOVERY_NQN.
const DiscoveryNQN = "nqn.2014-08.org.nvmexpress.discovery"

// DefaultPort mirrors SPDK_NVMF_DEFAULT_SIN_PORT.
const DefaultPort = 4420

// MaxVirtualNamespace bounds how many bdevs one Virtual-mode subsystem
// may expose as namespaces.
const MaxVirtualNamespace = 32

// Config clamp bounds, preserved verbatim from the original nvmf config
// parser's validation.
const (
	MinQueueDepth = 16
	MaxQueueDepth = 1024
	DefaultQueueDepth = 128

	MinQueuesPerSession = 2
	MaxQueuesPerSession = 1024
	DefaultQueuesPerSession = 4

	MinInCapsuleDataSize = 4096
	MaxInCapsuleDataSize = 131072
	DefaultInCapsuleDataSize = 4096

	MinIOSize = 4096
	MaxIOSize = 131072
	DefaultIOSize = 131072
)

// TargetConfig holds the clamped global knobs a subsystem is created
// with, mirroring the [Nvmf] config section.
type TargetConfig struct {
	MaxQueueDepth      int
	MaxQueuesPerSession int
	InCapsuleDataSize  int
	MaxIOSize          int
}

// DefaultTargetConfig returns the documented defaults.
func DefaultTargetConfig() TargetConfig {
	return TargetConfig{
		MaxQueueDepth:       DefaultQueueDepth,
		MaxQueuesPerSession: DefaultQueuesPerSession,
		InCapsuleDataSize:   DefaultInCapsuleDataSize,
		MaxIOSize:           DefaultIOSize,
	}
}

// Validate rejects out-of-range values exactly as the original
// config parser does: values are range- and multiple-checked, not
// silently clamped.
func (c TargetConfig) Validate() error {
	if c.MaxQueueDepth < MinQueueDepth || c.MaxQueueDepth > MaxQueueDepth {
		return errs.New("nvmf", "validate_config", errs.ErrCodeInvalidArgument, fmt.Sprintf("max_queue_depth %d out of range [%d,%d]", c.MaxQueueDepth, MinQueueDepth, MaxQueueDepth))
	}
	if c.MaxQueuesPerSession < MinQueuesPerSession || c.MaxQueuesPerSession > MaxQueuesPerSession {
		return errs.New("nvmf", "validate_config", errs.ErrCodeInvalidArgument, fmt.Sprintf("max_queues_per_session %d out of range [%d,%d]", c.MaxQueuesPerSession, MinQueuesPerSession, MaxQueuesPerSession))
	}
	if c.InCapsuleDataSize < MinInCapsuleDataSize || c.InCapsuleDataSize > MaxInCapsuleDataSize || c.InCapsuleDataSize%16 != 0 {
		return errs.New("nvmf", "validate_config", errs.ErrCodeInvalidArgument, fmt.Sprintf("in_capsule_data_size %d invalid", c.InCapsuleDataSize))
	}
	if c.MaxIOSize < MinIOSize || c.MaxIOSize > MaxIOSize || c.MaxIOSize%4096 != 0 {
		return errs.New("nvmf", "validate_config", errs.ErrCodeInvalidArgument, fmt.Sprintf("max_io_size %d invalid", c.MaxIOSize))
	}
	return nil
}

// ListenAddr is a parsed listener tuple, mirroring the
// (transport, traddr, trsvcid) triple each subsystem listener config
// line carries.
type ListenAddr struct {
	Transport string
	Host      string
	Port      int
	Iface     string // informational only, parsed from "@iface"
}

// ParseListenAddr parses "[ipv6]:port@iface" or "ipv4:port@iface",
// defaulting port to DefaultPort when omitted, mirroring the address
// parsing in lib/nvmf/port.c. The @iface suffix is optional.
func ParseListenAddr(transport, s string) (ListenAddr, error) {
	addr := ListenAddr{Transport: transport, Port: DefaultPort}

	if i := strings.IndexByte(s, '@'); i >= 0 {
		addr.Iface = s[i+1:]
		s = s[:i]
	}

	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return ListenAddr{}, errs.New("nvmf", "parse_listen_addr", errs.ErrCodeInvalidArgument, "unterminated ipv6 literal")
		}
		addr.Host = s[1:end]
		rest := s[end+1:]
		if strings.HasPrefix(rest, ":") {
			port, err := strconv.Atoi(rest[1:])
			if err != nil {
				return ListenAddr{}, errs.New("nvmf", "parse_listen_addr", errs.ErrCodeInvalidArgument, "invalid port")
			}
			addr.Port = port
		}
		return addr, nil
	}

	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		addr.Host = s[:i]
		port, err := strconv.Atoi(s[i+1:])
		if err != nil {
			return ListenAddr{}, errs.New("nvmf", "parse_listen_addr", errs.ErrCodeInvalidArgument, "invalid port")
		}
		addr.Port = port
		return addr, nil
	}

	addr.Host = s
	return addr, nil
}

// Mode selects whether a subsystem maps directly to one physical NVMe
// controller, or to a list of virtual namespaces backed by bdevs.
type Mode int

const (
	ModeVirtual Mode = iota
	ModeDirect
)

// Namespace is one Virtual-mode namespace, a bdev exposed under an NSID.
type Namespace struct {
	NSID uint32
	Bdev *bdev.Bdev
}

// Subsystem is one NVMe-oF subsystem: an NQN, its listeners, allowed
// hosts, and either a namespace list (Virtual) or a direct controller
// reference (Direct, modeled only as a name here since no physical NVMe
// controller driver is wired up in this package).
type Subsystem struct {
	NQN       string
	Mode      Mode
	Listeners []ListenAddr
	AllowAnyHost bool
	AllowedHosts map[string]bool
	Namespaces   []Namespace
	DirectCtrlrName string

	mu sync.Mutex
}

// NewSubsystem creates a subsystem with the given NQN and mode.
func NewSubsystem(nqn string, mode Mode) *Subsystem {
	return &Subsystem{NQN: nqn, Mode: mode, AllowedHosts: make(map[string]bool)}
}

// AddListener appends addr to the subsystem's listener set.
func (s *Subsystem) AddListener(addr ListenAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Listeners = append(s.Listeners, addr)
}

// AddAllowedHost whitelists a host NQN, mirroring the [Subsystem] config
// section's "Host <nqn>" directive.
func (s *Subsystem) AddAllowedHost(hostNQN string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AllowedHosts[hostNQN] = true
}

// HostAllowed reports whether hostNQN may connect, mirroring the host
// access-control check performed on every fabric connect.
func (s *Subsystem) HostAllowed(hostNQN string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AllowAnyHost || s.AllowedHosts[hostNQN]
}

// AddNamespace maps b under nsid, failing once MaxVirtualNamespace is
// reached or the subsystem is not in Virtual mode.
func (s *Subsystem) AddNamespace(nsid uint32, b *bdev.Bdev) error {
	if s.Mode != ModeVirtual {
		return errs.New("nvmf", "add_namespace", errs.ErrCodeInvalidArgument, "subsystem is not in virtual mode")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Namespaces) >= MaxVirtualNamespace {
		return errs.New("nvmf", "add_namespace", errs.ErrCodeResourceExhausted, "namespace limit reached")
	}
	s.Namespaces = append(s.Namespaces, Namespace{NSID: nsid, Bdev: b})
	return nil
}

// ConnState mirrors the per-connection lifecycle states from lib/nvmf/conn.c.
type ConnState int

const (
	ConnInvalid ConnState = iota
	ConnRunning
	ConnFabricDisconnect
	ConnExiting
)

// Transport abstracts the fabric-specific completion pump a real
// connection would drive (RDMA completions, TCP socket reads); nothing
// implements a real fabric in this package, so Poll always reports no
// work when Transport is nil.
type Transport interface {
	// PollCompletions drives pending fabric completions for this
	// connection, returning the number processed.
	PollCompletions(c *Connection) int
}

// ConnectionObserver receives connection lifecycle events for telemetry. It
// is satisfied structurally by telemetry.Observer, so this package never
// imports internal/telemetry.
type ConnectionObserver interface {
	ObserveConnectionOpen(isAdmin bool)
	ObserveConnectionClose()
}

// Connection is one NVMe-oF fabric connection (admin or I/O queue).
type Connection struct {
	Subsystem    *Subsystem
	IsAdminQueue bool
	HostNQN      string
	QueueDepth   int

	mu     sync.Mutex
	state  ConnState
	exited bool

	transport Transport
	observer  ConnectionObserver
	children  []*Connection // I/O connections spawned off this admin connection
}

// NewConnection creates a connection in the Running state. obs, if
// non-nil, is reported ObserveConnectionOpen immediately and
// ObserveConnectionClose exactly once when the connection reaches Exiting.
func NewConnection(sub *Subsystem, isAdmin bool, hostNQN string, queueDepth int, transport Transport, obs ConnectionObserver) *Connection {
	c := &Connection{
		Subsystem:    sub,
		IsAdminQueue: isAdmin,
		HostNQN:      hostNQN,
		QueueDepth:   queueDepth,
		state:        ConnRunning,
		transport:    transport,
		observer:     obs,
	}
	if obs != nil {
		obs.ObserveConnectionOpen(isAdmin)
	}
	return c
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AttachChild registers an I/O connection as belonging to this admin
// connection, so destroying the admin queue cascades to it.
func (c *Connection) AttachChild(child *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children = append(c.children, child)
}

// Disconnect transitions the connection (and, if this is an admin
// connection, every attached I/O connection) to FabricDisconnect,
// mirroring the cascade teardown triggered by admin-queue destruction.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.state = ConnFabricDisconnect
	children := append([]*Connection(nil), c.children...)
	c.mu.Unlock()
	for _, ch := range children {
		ch.Disconnect()
	}
}

// Exit transitions the connection to Exiting, its final state before
// teardown, and reports ObserveConnectionClose to its observer exactly
// once even if Exit is called more than once.
func (c *Connection) Exit() {
	c.mu.Lock()
	c.state = ConnExiting
	alreadyExited := c.exited
	c.exited = true
	obs := c.observer
	c.mu.Unlock()
	if !alreadyExited && obs != nil {
		obs.ObserveConnectionClose()
	}
}

// Poll drives one iteration of per-connection work: pump fabric
// completions, then observe state and report whether the connection
// should be torn down, mirroring conn.c's per-poll sequence (drive
// pending completions; drive NVMe admin/I/O completions; tear down if
// Exiting or FabricDisconnect).
func (c *Connection) Poll() (shouldTeardown bool) {
	if c.transport != nil {
		c.transport.PollCompletions(c)
	}
	switch c.State() {
	case ConnExiting, ConnFabricDisconnect:
		return true
	default:
		return false
	}
}

// Target owns the discovery subsystem and every configured subsystem.
type Target struct {
	Config TargetConfig

	// Observer, if set, is attached to every Connection created through
	// Connect.
	Observer ConnectionObserver

	mu         sync.RWMutex
	subsystems map[string]*Subsystem
}

// NewTarget creates a target with the given clamped config and the
// reserved discovery subsystem pre-registered.
func NewTarget(cfg TargetConfig) (*Target, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Target{Config: cfg, subsystems: make(map[string]*Subsystem)}
	t.subsystems[DiscoveryNQN] = NewSubsystem(DiscoveryNQN, ModeVirtual)
	t.subsystems[DiscoveryNQN].AllowAnyHost = true
	return t, nil
}

// AddSubsystem registers a new subsystem under its NQN.
func (t *Target) AddSubsystem(s *Subsystem) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.subsystems[s.NQN]; exists {
		return errs.Wrap("nvmf", "add_subsystem", errs.ErrCodeAlreadyExists, errs.ErrNameExists)
	}
	t.subsystems[s.NQN] = s
	return nil
}

// RemoveSubsystem unregisters the subsystem under nqn, the analogue of
// delete_nvmf_subsystem. The reserved discovery subsystem cannot be
// removed.
func (t *Target) RemoveSubsystem(nqn string) error {
	if nqn == DiscoveryNQN {
		return errs.New("nvmf", "remove_subsystem", errs.ErrCodeInvalidArgument, "cannot delete the discovery subsystem")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subsystems[nqn]; !ok {
		return errs.Wrap("nvmf", "remove_subsystem", errs.ErrCodeNotFound, errs.ErrNotFound)
	}
	delete(t.subsystems, nqn)
	return nil
}

// Subsystem returns the subsystem registered under nqn.
func (t *Target) Subsystem(nqn string) (*Subsystem, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.subsystems[nqn]
	if !ok {
		return nil, errs.Wrap("nvmf", "subsystem", errs.ErrCodeNotFound, errs.ErrNotFound)
	}
	return s, nil
}

// Connect establishes a fabric connection against the subsystem registered
// under nqn, the Go analogue of nvmf_ctrlr_create admitting a new host. The
// returned Connection reports through t.Observer, if one is set.
func (t *Target) Connect(nqn string, isAdmin bool, hostNQN string, transport Transport) (*Connection, error) {
	sub, err := t.Subsystem(nqn)
	if err != nil {
		return nil, err
	}
	return NewConnection(sub, isAdmin, hostNQN, t.Config.MaxQueueDepth, transport, t.Observer), nil
}

// ListSubsystems returns every registered subsystem, in no particular
// order; used by the discovery log page and RPC diagnostics.
func (t *Target) ListSubsystems() []*Subsystem {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Subsystem, 0, len(t.subsystems))
	for _, s := range t.subsystems {
		out = append(out, s)
	}
	return out
}
