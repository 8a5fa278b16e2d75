package datapath

import "github.com/dataplane-run/datapath/internal/bdev/delay"

// NewTestTarget builds a Target wired with a single in-memory malloc bdev
// (it creates no SCSI LUN), for use by integration tests that need a
// minimally-populated data plane without parsing a config file. Mirrors
// the teacher's MockBackend convenience constructor, adapted to this
// module's bdev/LUN shape.
func NewTestTarget(bdevName string, numBlocks uint64, blockSize uint32) (*Target, error) {
	t, err := NewTarget(Options{Cores: []int{0}})
	if err != nil {
		return nil, err
	}
	if _, err := t.CreateMallocBdev(bdevName, numBlocks, blockSize); err != nil {
		return nil, err
	}
	return t, nil
}

// NewTestTargetWithDelay is NewTestTarget plus a delay vbdev stacked on
// top of the malloc bdev, named bdevName+"Delay", for tests exercising
// latency-sensitive completion ordering.
func NewTestTargetWithDelay(bdevName string, numBlocks uint64, blockSize uint32, lat delay.Latencies) (*Target, error) {
	t, err := NewTestTarget(bdevName, numBlocks, blockSize)
	if err != nil {
		return nil, err
	}
	if _, err := t.CreateDelayBdev(bdevName+"Delay", bdevName, lat); err != nil {
		return nil, err
	}
	return t, nil
}
