package bdev_test

import (
	"testing"
	"time"

	"github.com/dataplane-run/datapath/internal/bdev"
	"github.com/dataplane-run/datapath/internal/bdev/malloc"
)

func TestHotRemoveInvokesEveryOpenDescriptorsRemoveCb(t *testing.T) {
	reg := bdev.NewRegistry()
	b := malloc.NewBdev("Malloc0", 16, 512)
	if err := reg.Register(b); err != nil {
		t.Fatalf("register: %v", err)
	}

	descA, err := reg.Open("Malloc0")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	descB, err := reg.Open("Malloc0")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	fired := make(chan string, 2)
	descA.SetRemoveCb(func() { fired <- "a" })
	descB.SetRemoveCb(func() { fired <- "b" })

	b.HotRemove()

	seen := map[string]bool{}
	deadline := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case name := <-fired:
			seen[name] = true
		case <-deadline:
			t.Fatalf("expected both remove callbacks to fire, got %v", seen)
		}
	}
}

func TestClosedDescriptorDoesNotReceiveHotRemove(t *testing.T) {
	reg := bdev.NewRegistry()
	b := malloc.NewBdev("Malloc1", 16, 512)
	if err := reg.Register(b); err != nil {
		t.Fatalf("register: %v", err)
	}

	desc, err := reg.Open("Malloc1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	called := false
	desc.SetRemoveCb(func() { called = true })
	desc.Close()

	b.HotRemove()
	time.Sleep(10 * time.Millisecond)
	if called {
		t.Fatalf("expected closed descriptor's remove callback not to fire")
	}
}
