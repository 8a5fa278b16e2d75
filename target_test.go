package datapath

import (
	"context"
	"testing"
	"time"

	"github.com/dataplane-run/datapath/internal/bdev"
	"github.com/dataplane-run/datapath/internal/bdev/ocssd"
	"github.com/dataplane-run/datapath/internal/rpc"
	"github.com/dataplane-run/datapath/internal/scsi"
)

func TestNewTestTargetRegistersMallocBdev(t *testing.T) {
	tgt, err := NewTestTarget("Malloc0", 64, 512)
	if err != nil {
		t.Fatalf("NewTestTarget: %v", err)
	}

	b, err := tgt.Bdevs.Find("Malloc0")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if b.SizeBytes() != 64*512 {
		t.Fatalf("unexpected size: %d", b.SizeBytes())
	}
}

func TestTargetRunInitializesSubsystemsInOrder(t *testing.T) {
	tgt, err := NewTestTarget("Malloc0", 16, 512)
	if err != nil {
		t.Fatalf("NewTestTarget: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tgt.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for tgt.Reactors().Reactors()[0].TickCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if tgt.Reactors().Reactors()[0].TickCount() == 0 {
		t.Fatalf("expected reactor to have ticked")
	}

	cancel()
	<-done
}

func TestTargetRPCBdevCreateRoundTrip(t *testing.T) {
	tgt, err := NewTarget(Options{Cores: []int{0}})
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}

	conn := rpc.NewConn(tgt.RPC)
	resps, err := conn.Feed([]byte(`{"jsonrpc":"2.0","method":"bdev_malloc_create","params":{"name":"Malloc1","num_blocks":32,"block_size":512},"id":1}`))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(resps) != 1 {
		t.Fatalf("expected 1 response, got %d", len(resps))
	}

	b, err := tgt.Bdevs.Find("Malloc1")
	if err != nil {
		t.Fatalf("expected Malloc1 to be registered via RPC: %v", err)
	}
	if b.NumBlocks != 32 {
		t.Fatalf("unexpected NumBlocks: %d", b.NumBlocks)
	}
}

func TestCreateOCSSDBdevReportsGeometry(t *testing.T) {
	tgt, err := NewTarget(Options{Cores: []int{0}})
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}

	b, err := tgt.CreateOCSSDBdev("OCSSD0", ocssd.Geometry{
		NumGroups:    4,
		NumPUs:       8,
		NumChunks:    100,
		ClbaPerChunk: 1024,
		MinWriteSize: 4096,
	})
	if err != nil {
		t.Fatalf("CreateOCSSDBdev: %v", err)
	}
	if b.NumBlocks != 100*1024 {
		t.Fatalf("unexpected NumBlocks: %d", b.NumBlocks)
	}
	if b.UUID.String() == "" {
		t.Fatalf("expected bdev to be assigned a UUID")
	}
}

func TestNewTargetAttachesAE4DMA(t *testing.T) {
	tgt, err := NewTarget(Options{Cores: []int{0}})
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}
	if tgt.AE4DMA == nil {
		t.Fatalf("expected AE4DMA driver to be attached")
	}
	if tgt.AE4DMA.NumQueues() != ae4dmaNumQueues {
		t.Fatalf("unexpected queue count: %d", tgt.AE4DMA.NumQueues())
	}
}

func TestRPCDelayCreateUpdateDelete(t *testing.T) {
	tgt, err := NewTestTarget("Malloc0", 32, 512)
	if err != nil {
		t.Fatalf("NewTestTarget: %v", err)
	}
	conn := rpc.NewConn(tgt.RPC)

	if _, err := conn.Feed([]byte(`{"jsonrpc":"2.0","method":"bdev_delay_create","params":{"name":"Delay0","base_bdev_name":"Malloc0","avg_read_latency_us":1000,"p99_read_latency_us":5000},"id":1}`)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := tgt.Bdevs.Find("Delay0"); err != nil {
		t.Fatalf("expected Delay0 registered: %v", err)
	}

	if _, err := conn.Feed([]byte(`{"jsonrpc":"2.0","method":"bdev_delay_update_latency","params":{"name":"Delay0","avg_read_latency_us":2000,"p99_read_latency_us":9000},"id":2}`)); err != nil {
		t.Fatalf("update_latency: %v", err)
	}

	if _, err := conn.Feed([]byte(`{"jsonrpc":"2.0","method":"bdev_delay_delete","params":{"name":"Delay0"},"id":3}`)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := tgt.Bdevs.Find("Delay0"); err == nil {
		t.Fatalf("expected Delay0 to be gone after delete")
	}
	if b, _ := tgt.Bdevs.Find("Malloc0"); b.Claimant() != "" {
		t.Fatalf("expected base bdev unclaimed after delay delete")
	}
}

func TestRPCSplitCreateDelete(t *testing.T) {
	tgt, err := NewTestTarget("Malloc0", 64, 512)
	if err != nil {
		t.Fatalf("NewTestTarget: %v", err)
	}
	conn := rpc.NewConn(tgt.RPC)

	resps, err := conn.Feed([]byte(`{"jsonrpc":"2.0","method":"bdev_split_create","params":{"base_bdev_name":"Malloc0","split_count":4,"split_size_mb":0},"id":1}`))
	if err != nil || len(resps) != 1 {
		t.Fatalf("split_create: resps=%d err=%v", len(resps), err)
	}
	if _, err := tgt.Bdevs.Find("Malloc0p0"); err != nil {
		t.Fatalf("expected child bdev: %v", err)
	}

	if _, err := conn.Feed([]byte(`{"jsonrpc":"2.0","method":"bdev_split_delete","params":{"base_bdev_name":"Malloc0"},"id":2}`)); err != nil {
		t.Fatalf("split_delete: %v", err)
	}
	if _, err := tgt.Bdevs.Find("Malloc0p0"); err == nil {
		t.Fatalf("expected child bdev removed after split delete")
	}
}

func TestRPCNvmfSubsystemConstructAndDelete(t *testing.T) {
	tgt, err := NewTestTarget("Malloc0", 16, 512)
	if err != nil {
		t.Fatalf("NewTestTarget: %v", err)
	}
	conn := rpc.NewConn(tgt.RPC)

	req := `{"jsonrpc":"2.0","method":"construct_nvmf_subsystem","params":{"nqn":"nqn.2016-06.io.spdk:cnode1","mode":"Virtual","listen_addresses":[{"trtype":"TCP","traddr":"127.0.0.1:4420"}],"namespaces":["Malloc0"]},"id":1}`
	if _, err := conn.Feed([]byte(req)); err != nil {
		t.Fatalf("construct: %v", err)
	}
	if _, err := tgt.Nvmf.Subsystem("nqn.2016-06.io.spdk:cnode1"); err != nil {
		t.Fatalf("expected subsystem registered: %v", err)
	}

	del := `{"jsonrpc":"2.0","method":"delete_nvmf_subsystem","params":{"nqn":"nqn.2016-06.io.spdk:cnode1"},"id":2}`
	if _, err := conn.Feed([]byte(del)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := tgt.Nvmf.Subsystem("nqn.2016-06.io.spdk:cnode1"); err == nil {
		t.Fatalf("expected subsystem removed after delete")
	}
}

func TestRPCAE4DMAScanAccelModuleReportsQueues(t *testing.T) {
	tgt, err := NewTarget(Options{Cores: []int{0}})
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}
	conn := rpc.NewConn(tgt.RPC)

	resps, err := conn.Feed([]byte(`{"jsonrpc":"2.0","method":"ae4dma_scan_accel_module","params":{},"id":1}`))
	if err != nil || len(resps) != 1 {
		t.Fatalf("ae4dma_scan_accel_module: resps=%d err=%v", len(resps), err)
	}
}

func TestCreateLUNOpensDescriptorAgainstBdev(t *testing.T) {
	tgt, err := NewTestTarget("Malloc0", 16, 512)
	if err != nil {
		t.Fatalf("NewTestTarget: %v", err)
	}
	lun, err := tgt.CreateLUN("LUN0", "Malloc0")
	if err != nil {
		t.Fatalf("CreateLUN: %v", err)
	}
	if lun.Name != "LUN0" {
		t.Fatalf("unexpected LUN name: %s", lun.Name)
	}
}

func TestHotRemoveBdevClearsLUNTasks(t *testing.T) {
	tgt, err := NewTestTarget("Malloc0", 16, 512)
	if err != nil {
		t.Fatalf("NewTestTarget: %v", err)
	}
	lun, err := tgt.CreateLUN("LUN0", "Malloc0")
	if err != nil {
		t.Fatalf("CreateLUN: %v", err)
	}
	lun.AppendTask(&scsi.Task{Type: bdev.IOTypeRead, Offset: 0, Length: 512, Buf: make([]byte, 512), Complete: func(*scsi.Task) {}})
	if lun.PendingCount() != 1 {
		t.Fatalf("expected 1 pending task before hot-remove, got %d", lun.PendingCount())
	}

	b, err := tgt.Bdevs.Find("Malloc0")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	b.HotRemove()

	deadline := time.Now().Add(time.Second)
	for lun.PendingCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected hot-remove to clear pending tasks, still have %d", lun.PendingCount())
		}
		time.Sleep(time.Millisecond)
	}
}
