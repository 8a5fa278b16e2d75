package nvmf

import (
	"testing"

	"github.com/dataplane-run/datapath/internal/bdev/malloc"
)

func TestTargetConfigValidateRejectsOutOfRange(t *testing.T) {
	cfg := DefaultTargetConfig()
	cfg.MaxQueueDepth = 4
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for max_queue_depth below minimum")
	}

	cfg = DefaultTargetConfig()
	cfg.InCapsuleDataSize = 4097
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for non-multiple-of-16 in_capsule_data_size")
	}
}

func TestParseListenAddrIPv4AndIPv6(t *testing.T) {
	a, err := ParseListenAddr("RDMA", "192.168.1.1:4420")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.Host != "192.168.1.1" || a.Port != 4420 {
		t.Fatalf("unexpected parse: %+v", a)
	}

	b, err := ParseListenAddr("TCP", "[::1]:4421@eth0")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if b.Host != "::1" || b.Port != 4421 || b.Iface != "eth0" {
		t.Fatalf("unexpected parse: %+v", b)
	}

	c, err := ParseListenAddr("TCP", "10.0.0.5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Port != DefaultPort {
		t.Fatalf("expected default port, got %d", c.Port)
	}
}

func TestNewTargetRegistersDiscoverySubsystem(t *testing.T) {
	target, err := NewTarget(DefaultTargetConfig())
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}
	sub, err := target.Subsystem(DiscoveryNQN)
	if err != nil {
		t.Fatalf("expected discovery subsystem registered: %v", err)
	}
	if !sub.HostAllowed("nqn.anything") {
		t.Fatalf("expected discovery subsystem to allow any host")
	}
}

func TestSubsystemNamespaceLimitAndHostACL(t *testing.T) {
	sub := NewSubsystem("nqn.2016-06.io.datapath:sub1", ModeVirtual)
	sub.AddAllowedHost("nqn.host1")
	if sub.HostAllowed("nqn.host2") {
		t.Fatalf("expected unlisted host to be rejected")
	}
	if !sub.HostAllowed("nqn.host1") {
		t.Fatalf("expected listed host to be allowed")
	}

	b := malloc.NewBdev("Malloc0", 8, 512)
	for i := 0; i < MaxVirtualNamespace; i++ {
		if err := sub.AddNamespace(uint32(i+1), b); err != nil {
			t.Fatalf("AddNamespace %d: %v", i, err)
		}
	}
	if err := sub.AddNamespace(uint32(MaxVirtualNamespace+1), b); err == nil {
		t.Fatalf("expected namespace limit to be enforced")
	}
}

func TestConnectionDisconnectCascadesToChildren(t *testing.T) {
	sub := NewSubsystem("nqn.test", ModeVirtual)
	admin := NewConnection(sub, true, "nqn.host1", DefaultQueueDepth, nil, nil)
	io1 := NewConnection(sub, false, "nqn.host1", DefaultQueueDepth, nil, nil)
	io2 := NewConnection(sub, false, "nqn.host1", DefaultQueueDepth, nil, nil)
	admin.AttachChild(io1)
	admin.AttachChild(io2)

	admin.Disconnect()

	if admin.State() != ConnFabricDisconnect {
		t.Fatalf("expected admin connection to be in FabricDisconnect")
	}
	if io1.State() != ConnFabricDisconnect || io2.State() != ConnFabricDisconnect {
		t.Fatalf("expected child connections to cascade to FabricDisconnect")
	}
	if !admin.Poll() {
		t.Fatalf("expected Poll to report teardown once disconnected")
	}
}

type countingConnObserver struct {
	opened, closed int
}

func (o *countingConnObserver) ObserveConnectionOpen(bool) { o.opened++ }
func (o *countingConnObserver) ObserveConnectionClose()    { o.closed++ }

func TestTargetConnectReportsOpenAndCloseOnce(t *testing.T) {
	cfg := DefaultTargetConfig()
	tgt, err := NewTarget(cfg)
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}
	obs := &countingConnObserver{}
	tgt.Observer = obs

	sub := NewSubsystem("nqn.test", ModeVirtual)
	if err := tgt.AddSubsystem(sub); err != nil {
		t.Fatalf("AddSubsystem: %v", err)
	}

	conn, err := tgt.Connect("nqn.test", true, "nqn.host1", nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if obs.opened != 1 {
		t.Fatalf("expected 1 open observation, got %d", obs.opened)
	}

	conn.Exit()
	conn.Exit()
	if obs.closed != 1 {
		t.Fatalf("expected exactly 1 close observation even after repeated Exit, got %d", obs.closed)
	}
}
