// Package scsi implements the SCSI LUN task execution state machine: a
// pending-task queue drained into a bdev, an in-flight task list for
// tasks still outstanding at the driver, and the management-function
// handling (abort task, abort task set, LUN reset) a SCSI initiator
// expects every logical unit to support, grounded on
// spdk_scsi_lun_execute_tasks / spdk_scsi_lun_append_task /
// spdk_scsi_lun_task_mgmt_execute.
package scsi

import (
	"container/list"
	"sync"

	"github.com/dataplane-run/datapath/internal/bdev"
)

// TaskStatus mirrors the SCSI status byte values this state machine
// cares about.
type TaskStatus int

const (
	StatusGood TaskStatus = iota
	StatusCheckCondition
	StatusTaskSetFull
)

// TaskFunction enumerates the task management functions a LUN accepts,
// mirroring SPDK_SCSI_TASK_FUNC_*.
type TaskFunction int

const (
	TaskFuncAbortTask TaskFunction = iota
	TaskFuncAbortTaskSet
	TaskFuncLUNReset
)

// MgmtResponse mirrors SPDK_SCSI_TASK_MGMT_RESP_*.
type MgmtResponse int

const (
	MgmtRespComplete MgmtResponse = iota
	MgmtRespInvalidLUN
	MgmtRespRejectFuncNotSupported
)

// Task is one SCSI command in flight against a LUN.
type Task struct {
	ID       uint64
	Type     bdev.IOType
	Offset   int64
	Length   int64
	Buf      []byte
	Status   TaskStatus
	Complete func(*Task)

	elem *list.Element // position in whichever queue currently owns this task
}

// MgmtTask is a task management request (abort/reset), mirroring
// spdk_scsi_task_mgmt_execute's mtask argument.
type MgmtTask struct {
	Function TaskFunction
	AbortID  uint64
	Response MgmtResponse
}

// LUN is one logical unit: a named SCSI-facing wrapper around a bdev
// descriptor, queueing tasks until the backing bdev can accept them and
// tracking which tasks are still outstanding.
type LUN struct {
	Name string
	desc *bdev.Descriptor

	mu       sync.Mutex
	pending  *list.List // tasks not yet submitted to the bdev
	inFlight *list.List // tasks submitted, awaiting completion
	claimed  bool
	nextID   uint64
}

// NewLUN constructs a LUN backed by desc, mirroring spdk_scsi_lun_construct.
func NewLUN(name string, desc *bdev.Descriptor) *LUN {
	return &LUN{
		Name:     name,
		desc:     desc,
		pending:  list.New(),
		inFlight: list.New(),
	}
}

// Claim marks the LUN claimed by its owning SCSI target device,
// mirroring spdk_scsi_lun_claim's single-owner LUN database entry.
func (l *LUN) Claim() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.claimed {
		return false
	}
	l.claimed = true
	return true
}

// Unclaim releases a previous Claim, mirroring spdk_scsi_lun_unclaim.
func (l *LUN) Unclaim() {
	l.mu.Lock()
	l.claimed = false
	l.mu.Unlock()
}

// AppendTask enqueues task for execution, mirroring
// spdk_scsi_lun_append_task. If the LUN has no backing bdev (desc is
// nil), the task is completed immediately with CHECK CONDITION /
// LOGICAL UNIT NOT SUPPORTED, matching complete_task_with_no_lun for
// every CDB except INQUIRY (which this package leaves to the caller's
// CDB decoder, not modeled here).
func (l *LUN) AppendTask(t *Task) {
	if l.desc == nil {
		t.Status = StatusCheckCondition
		if t.Complete != nil {
			t.Complete(t)
		}
		return
	}
	l.mu.Lock()
	t.ID = l.nextID
	l.nextID++
	t.elem = l.pending.PushBack(t)
	l.mu.Unlock()
}

// ExecuteTasks drains the pending queue into the backing bdev, mirroring
// spdk_scsi_lun_execute_tasks: tasks are submitted in FIFO order, and
// execution stops (leaving the remainder queued) the moment one returns
// TASK SET FULL, so an overloaded bdev channel doesn't get flooded.
func (l *LUN) ExecuteTasks() {
	for {
		l.mu.Lock()
		front := l.pending.Front()
		if front == nil {
			l.mu.Unlock()
			return
		}
		t := front.Value.(*Task)
		l.mu.Unlock()

		if !l.submit(t) {
			return
		}
	}
}

// submit hands t to the backing bdev. It returns false if the bdev
// channel is saturated (StatusTaskSetFull), leaving t at the head of the
// pending queue for a later ExecuteTasks call to retry.
func (l *LUN) submit(t *Task) bool {
	if fullTaskSet(l) {
		t.Status = StatusTaskSetFull
		return false
	}

	l.mu.Lock()
	l.pending.Remove(t.elem)
	t.elem = l.inFlight.PushBack(t)
	l.mu.Unlock()

	t.Status = StatusGood
	l.desc.SubmitRequest(&bdev.BdevIO{
		Type:   t.Type,
		Offset: t.Offset,
		Length: t.Length,
		Buf:    t.Buf,
		Complete: func(err error) {
			if err != nil {
				t.Status = StatusCheckCondition
			}
			l.completeTask(t)
		},
	})
	return true
}

// maxInFlight bounds how many tasks a LUN keeps outstanding at once,
// mirroring a bdev channel's finite queue depth; exceeding it yields
// SPDK_SCSI_STATUS_TASK_SET_FULL instead of submitting anyway.
const maxInFlight = 128

func fullTaskSet(l *LUN) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight.Len() >= maxInFlight
}

// completeTask removes t from the in-flight list, invokes its
// completion, and restarts execution of any still-pending tasks,
// mirroring spdk_scsi_lun_complete_task's "kick the pending queue again"
// tail call.
func (l *LUN) completeTask(t *Task) {
	l.mu.Lock()
	if t.elem != nil {
		l.inFlight.Remove(t.elem)
		t.elem = nil
	}
	hasPending := l.pending.Len() > 0
	l.mu.Unlock()

	if t.Complete != nil {
		t.Complete(t)
	}
	if hasPending {
		l.ExecuteTasks()
	}
}

// ClearAll aborts every pending and in-flight task with CHECK CONDITION,
// mirroring spdk_scsi_lun_clear_all (called after a backing bdev reset,
// when no tasks are assumed to still be active in the backend).
func (l *LUN) ClearAll() {
	l.mu.Lock()
	var drained []*Task
	for e := l.inFlight.Front(); e != nil; e = e.Next() {
		drained = append(drained, e.Value.(*Task))
	}
	l.inFlight.Init()
	for e := l.pending.Front(); e != nil; e = e.Next() {
		drained = append(drained, e.Value.(*Task))
	}
	l.pending.Init()
	l.mu.Unlock()

	for _, t := range drained {
		t.elem = nil
		t.Status = StatusCheckCondition
		if t.Complete != nil {
			t.Complete(t)
		}
	}
}

// ExecuteTaskMgmt handles a task management request, mirroring
// spdk_scsi_lun_task_mgmt_execute. Only LUN reset is actually carried
// out; abort variants are acknowledged as unsupported, exactly as the
// function table this was ported from rejects them.
func (l *LUN) ExecuteTaskMgmt(mt *MgmtTask) {
	switch mt.Function {
	case TaskFuncLUNReset:
		l.ClearAll()
		mt.Response = MgmtRespComplete
	case TaskFuncAbortTask, TaskFuncAbortTaskSet:
		mt.Response = MgmtRespRejectFuncNotSupported
	default:
		mt.Response = MgmtRespRejectFuncNotSupported
	}
}

// PendingCount reports the number of tasks still queued, used by tests
// and RPC diagnostics.
func (l *LUN) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending.Len()
}

// InFlightCount reports the number of tasks submitted to the bdev and
// not yet completed.
func (l *LUN) InFlightCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight.Len()
}
