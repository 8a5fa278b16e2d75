package pmem

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/dataplane-run/datapath/internal/bdev"
)

func TestCreateOpenWriteReadDeletePool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool0")

	info, err := CreatePool(path, 8, 512)
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	if info.NumBlocks != 8 || info.BlockSize != 512 {
		t.Fatalf("unexpected pool info: %+v", info)
	}

	b, err := NewBdev("Pmem0", path, 8, 512)
	if err != nil {
		t.Fatalf("NewBdev: %v", err)
	}
	ch := b.Driver.GetIOChannel()

	want := bytes.Repeat([]byte{0x11}, 512)
	done := make(chan struct{})
	b.Driver.SubmitRequest(ch, &bdev.BdevIO{Type: bdev.IOTypeWrite, Offset: 0, Length: 512, Buf: want, Complete: func(error) { close(done) }})
	<-done

	done = make(chan struct{})
	b.Driver.SubmitRequest(ch, &bdev.BdevIO{Type: bdev.IOTypeFlush, Complete: func(error) { close(done) }})
	<-done

	got := make([]byte, 512)
	done = make(chan struct{})
	b.Driver.SubmitRequest(ch, &bdev.BdevIO{Type: bdev.IOTypeRead, Offset: 0, Length: 512, Buf: got, Complete: func(error) { close(done) }})
	<-done
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch")
	}

	queriedInfo, err := GetPoolInfo(path, 512)
	if err != nil {
		t.Fatalf("GetPoolInfo: %v", err)
	}
	if queriedInfo.NumBlocks != 8 {
		t.Fatalf("expected 8 blocks, got %d", queriedInfo.NumBlocks)
	}

	destructDone := make(chan error, 1)
	b.Driver.Destruct(func(err error) { destructDone <- err })
	if err := <-destructDone; err != nil {
		t.Fatalf("destruct: %v", err)
	}

	if err := DeletePool(path); err != nil {
		t.Fatalf("DeletePool: %v", err)
	}
}

func TestCreatePoolRejectsExistingPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool1")
	if _, err := CreatePool(path, 4, 512); err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	if _, err := CreatePool(path, 4, 512); err == nil {
		t.Fatalf("expected error creating pool at existing path")
	}
}
