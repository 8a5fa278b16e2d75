package malloc

import (
	"bytes"
	"sync"
	"testing"

	"github.com/dataplane-run/datapath/internal/bdev"
)

func TestReadWriteRoundTrip(t *testing.T) {
	d := New(4096)
	ch := d.GetIOChannel()

	want := bytes.Repeat([]byte{0xAB}, 512)
	var wg sync.WaitGroup
	wg.Add(1)
	var writeErr error
	d.SubmitRequest(ch, &bdev.BdevIO{
		Type:   bdev.IOTypeWrite,
		Offset: 512,
		Length: 512,
		Buf:    want,
		Complete: func(err error) {
			writeErr = err
			wg.Done()
		},
	})
	wg.Wait()
	if writeErr != nil {
		t.Fatalf("write: %v", writeErr)
	}

	got := make([]byte, 512)
	wg.Add(1)
	var readErr error
	d.SubmitRequest(ch, &bdev.BdevIO{
		Type:   bdev.IOTypeRead,
		Offset: 512,
		Length: 512,
		Buf:    got,
		Complete: func(err error) {
			readErr = err
			wg.Done()
		},
	})
	wg.Wait()
	if readErr != nil {
		t.Fatalf("read: %v", readErr)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch")
	}
}

func TestUnmapZeroesRegion(t *testing.T) {
	d := New(1024)
	ch := d.GetIOChannel()

	fill := bytes.Repeat([]byte{0xFF}, 1024)
	done := make(chan struct{})
	d.SubmitRequest(ch, &bdev.BdevIO{Type: bdev.IOTypeWrite, Offset: 0, Length: 1024, Buf: fill, Complete: func(error) { close(done) }})
	<-done

	done = make(chan struct{})
	d.SubmitRequest(ch, &bdev.BdevIO{Type: bdev.IOTypeUnmap, Offset: 0, Length: 1024, Complete: func(error) { close(done) }})
	<-done

	got := make([]byte, 1024)
	done = make(chan struct{})
	d.SubmitRequest(ch, &bdev.BdevIO{Type: bdev.IOTypeRead, Offset: 0, Length: 1024, Buf: got, Complete: func(error) { close(done) }})
	<-done

	for _, b := range got {
		if b != 0 {
			t.Fatalf("expected zeroed region after unmap")
		}
	}
}

func TestRegistryOpenEnforcesBounds(t *testing.T) {
	reg := bdev.NewRegistry()
	b := NewBdev("Malloc0", 8, 512)
	if err := reg.Register(b); err != nil {
		t.Fatalf("register: %v", err)
	}
	desc, err := reg.Open("Malloc0")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var ioErr error
	done := make(chan struct{})
	desc.SubmitRequest(&bdev.BdevIO{
		Type:     bdev.IOTypeRead,
		Offset:   4000,
		Length:   512,
		Buf:      make([]byte, 512),
		Complete: func(err error) { ioErr = err; close(done) },
	})
	<-done
	if ioErr == nil {
		t.Fatalf("expected out-of-bounds error")
	}
}

var _ bdev.Module = (*stubModule)(nil)

type stubModule struct{}

func (stubModule) Name() string                 { return "stub" }
func (stubModule) ExamineConfig(string) error    { return nil }
func (stubModule) ExamineDisk(*bdev.Bdev)         {}
