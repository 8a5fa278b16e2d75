// Package pci provides the PCI enumeration and BAR-mapping interface that
// the AE4DMA driver attaches through. Real PCI config-space enumeration and
// BAR mapping require `/sys/bus/pci` + VFIO/UIO access that does not exist
// in this environment, so this package defines the interface a real
// implementation would satisfy and ships a simulated backing store (an
// anonymous, process-local byte buffer standing in for an mmap'd MMIO BAR)
// used by the AE4DMA driver's tests and by deployments without the target
// hardware attached.
package pci

import (
	"fmt"
	"sync"
)

// Address identifies a PCI function as domain:bus:device.function.
type Address struct {
	Domain   uint16
	Bus      uint8
	Device   uint8
	Function uint8
}

func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Device, a.Function)
}

// Device represents one attached PCI function and its mapped BARs.
type Device struct {
	Addr      Address
	VendorID  uint16
	DeviceID  uint16
	bars      [6][]byte
}

// MapBAR returns the mapped memory for BAR index n (0-5), mapping it if
// this is the first access.
func (d *Device) MapBAR(n int) ([]byte, error) {
	if n < 0 || n > 5 {
		return nil, fmt.Errorf("pci: invalid BAR index %d", n)
	}
	if d.bars[n] == nil {
		return nil, fmt.Errorf("pci: BAR %d not present on %s", n, d.Addr)
	}
	return d.bars[n], nil
}

// Enumerator discovers and attaches to PCI devices matching a vendor/device
// filter — the role of spdk_pci_enumerate plus spdk_pci_device_map_bar.
type Enumerator interface {
	// Probe calls attach for every matching device found. attach returning
	// an error skips that device without aborting the scan.
	Probe(vendorID, deviceID uint16, attach func(*Device) error) error
}

// SimEnumerator is a software PCI bus: devices are registered directly by
// tests or by configuration rather than discovered from sysfs, and each
// BAR is backed by a plain byte slice instead of an mmap'd MMIO region.
// Writes to bar 0 by the driver and reads by a simulated "hardware" side
// behave like real doorbell/status registers would, which is enough to
// exercise the AE4DMA descriptor ring's producer/consumer bookkeeping.
type SimEnumerator struct {
	mu      sync.Mutex
	devices []*Device
}

// NewSimEnumerator creates an empty simulated bus.
func NewSimEnumerator() *SimEnumerator {
	return &SimEnumerator{}
}

// AddDevice registers a simulated device with the given BAR sizes (a zero
// size means that BAR is absent).
func (e *SimEnumerator) AddDevice(addr Address, vendorID, deviceID uint16, barSizes [6]int) *Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := &Device{Addr: addr, VendorID: vendorID, DeviceID: deviceID}
	for i, sz := range barSizes {
		if sz > 0 {
			d.bars[i] = make([]byte, sz)
		}
	}
	e.devices = append(e.devices, d)
	return d
}

// Probe implements Enumerator.
func (e *SimEnumerator) Probe(vendorID, deviceID uint16, attach func(*Device) error) error {
	e.mu.Lock()
	devices := append([]*Device(nil), e.devices...)
	e.mu.Unlock()
	for _, d := range devices {
		if d.VendorID != vendorID || d.DeviceID != deviceID {
			continue
		}
		if err := attach(d); err != nil {
			continue
		}
	}
	return nil
}
