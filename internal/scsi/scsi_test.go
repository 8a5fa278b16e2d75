package scsi

import (
	"sync"
	"testing"

	"github.com/dataplane-run/datapath/internal/bdev"
	"github.com/dataplane-run/datapath/internal/bdev/malloc"
)

func newTestLUN(t *testing.T) *LUN {
	t.Helper()
	reg := bdev.NewRegistry()
	b := malloc.NewBdev("Malloc0", 16, 512)
	if err := reg.Register(b); err != nil {
		t.Fatalf("register: %v", err)
	}
	desc, err := reg.Open("Malloc0")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return NewLUN("lun0", desc)
}

func TestExecuteTasksRunsFIFOAndCompletes(t *testing.T) {
	lun := newTestLUN(t)

	var wg sync.WaitGroup
	var completedOrder []uint64
	var mu sync.Mutex
	for i := 0; i < 3; i++ {
		wg.Add(1)
		task := &Task{
			Type:   bdev.IOTypeWrite,
			Offset: int64(i) * 512,
			Length: 512,
			Buf:    make([]byte, 512),
			Complete: func(t *Task) {
				mu.Lock()
				completedOrder = append(completedOrder, t.ID)
				mu.Unlock()
				wg.Done()
			},
		}
		lun.AppendTask(task)
	}
	if lun.PendingCount() != 3 {
		t.Fatalf("expected 3 pending tasks, got %d", lun.PendingCount())
	}
	lun.ExecuteTasks()
	wg.Wait()

	if len(completedOrder) != 3 || completedOrder[0] != 0 || completedOrder[2] != 2 {
		t.Fatalf("expected FIFO completion order, got %v", completedOrder)
	}
	if lun.PendingCount() != 0 || lun.InFlightCount() != 0 {
		t.Fatalf("expected empty queues after completion")
	}
}

func TestAppendTaskWithNoLUNCompletesImmediately(t *testing.T) {
	lun := NewLUN("orphan", nil)
	done := make(chan struct{})
	var status TaskStatus
	lun.AppendTask(&Task{Type: bdev.IOTypeRead, Complete: func(t *Task) {
		status = t.Status
		close(done)
	}})
	<-done
	if status != StatusCheckCondition {
		t.Fatalf("expected CHECK CONDITION for LUN with no backing bdev")
	}
}

func TestLUNResetClearsAllTasksWithCheckCondition(t *testing.T) {
	lun := newTestLUN(t)
	status := StatusGood
	lun.AppendTask(&Task{Type: bdev.IOTypeWrite, Offset: 0, Length: 512, Buf: make([]byte, 512), Complete: func(t *Task) { status = t.Status }})

	mt := &MgmtTask{Function: TaskFuncLUNReset}
	lun.ExecuteTaskMgmt(mt)
	if mt.Response != MgmtRespComplete {
		t.Fatalf("expected LUN reset to complete, got %v", mt.Response)
	}
	if lun.PendingCount() != 0 {
		t.Fatalf("expected reset to clear pending tasks")
	}
	if status != StatusCheckCondition {
		t.Fatalf("expected the cleared task to complete with CHECK CONDITION, got %v", status)
	}
}

func TestAbortTaskIsRejectedAsUnsupported(t *testing.T) {
	lun := newTestLUN(t)
	mt := &MgmtTask{Function: TaskFuncAbortTask, AbortID: 1}
	lun.ExecuteTaskMgmt(mt)
	if mt.Response != MgmtRespRejectFuncNotSupported {
		t.Fatalf("expected ABORT_TASK to be rejected, got %v", mt.Response)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	lun := newTestLUN(t)
	if !lun.Claim() {
		t.Fatalf("expected first claim to succeed")
	}
	if lun.Claim() {
		t.Fatalf("expected second claim to fail while still held")
	}
	lun.Unclaim()
	if !lun.Claim() {
		t.Fatalf("expected claim to succeed again after unclaim")
	}
}
