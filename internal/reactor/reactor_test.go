package reactor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSendEventRunsOnLoop(t *testing.T) {
	pool, err := NewPool([]int{0})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	r := pool.Get(0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	var ran atomic.Bool
	result := make(chan int, 1)
	r.SendEvent(func(arg any) {
		ran.Store(true)
		result <- arg.(int)
	}, 42)

	select {
	case v := <-result:
		if v != 42 {
			t.Fatalf("expected arg 42, got %d", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event did not run within timeout")
	}
	if !ran.Load() {
		t.Fatal("event function never ran")
	}

	cancel()
	<-done
}

func TestRegisterPollerRunsRepeatedly(t *testing.T) {
	pool, err := NewPool([]int{0})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	r := pool.Get(0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	var count atomic.Int32
	r.RegisterPoller("test-poller", func() int {
		count.Add(1)
		return 1
	}, 0)

	deadline := time.After(2 * time.Second)
	for count.Load() < 5 {
		select {
		case <-deadline:
			t.Fatalf("poller only ran %d times", count.Load())
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	<-done
}

func TestNewPoolRejectsEmptyMask(t *testing.T) {
	if _, err := NewPool(nil); err == nil {
		t.Fatal("expected error for empty core mask")
	}
}

func TestUnregisterPollerStopsExecution(t *testing.T) {
	pool, err := NewPool([]int{0})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	r := pool.Get(0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	var count atomic.Int32
	id := r.RegisterPoller("toggle", func() int {
		count.Add(1)
		return 1
	}, 0)

	time.Sleep(10 * time.Millisecond)
	r.UnregisterPoller(id)
	after := count.Load()
	time.Sleep(10 * time.Millisecond)
	if count.Load() > after+2 {
		t.Fatalf("poller kept running after unregister: before=%d after=%d", after, count.Load())
	}

	cancel()
	<-done
}
