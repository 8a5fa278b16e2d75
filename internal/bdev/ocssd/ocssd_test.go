package ocssd

import (
	"testing"

	"github.com/dataplane-run/datapath/internal/bdev"
)

func TestDriverReportsGeometryAndRejectsIO(t *testing.T) {
	d := New(Geometry{NumGroups: 2, NumPUs: 4, NumChunks: 1024, ClbaPerChunk: 4096, MinWriteSize: 4})
	info := d.DumpInfo()
	if info["driver"] != "ocssd" {
		t.Fatalf("unexpected DumpInfo: %+v", info)
	}
	if d.IOTypeSupported(bdev.IOTypeRead) {
		t.Fatalf("expected ocssd stub to support no I/O types")
	}

	var gotErr error
	done := make(chan struct{})
	d.SubmitRequest(d.GetIOChannel(), &bdev.BdevIO{Type: bdev.IOTypeRead, Complete: func(err error) {
		gotErr = err
		close(done)
	}})
	<-done
	if gotErr == nil {
		t.Fatalf("expected SubmitRequest to fail")
	}
}
