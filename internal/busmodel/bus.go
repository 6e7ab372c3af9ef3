// Package busmodel holds the in-memory topology the bus service loop
// walks: the ordered device chain on a bus, the "next responder" hint,
// and the cached per-device response-length advertisement. It carries
// no back-reference from Device to Bus (the owning bus is always passed
// explicitly on the call path) so the type graph stays a tree.
package busmodel

import (
	"go.uber.org/atomic"

	"github.com/ironpi/spi-hub/internal/devqueue"
)

// DeviceInfo is the opaque descriptive information a device advertises;
// the broker never interprets it further than echoing it into the
// device-list IPC frame.
type DeviceInfo struct {
	Model   string `json:"model"`
	Version string `json:"version"`
}

// Device is one microcontroller on a bus's daisy chain.
type Device struct {
	ID   uint8
	Info DeviceInfo

	Queue *devqueue.Queue

	// NextMsgLen is the response length the device last advertised for
	// its next frame. HasNextMsgLen is false until the first clean
	// response naming this device arrives.
	NextMsgLen    uint16
	HasNextMsgLen bool
}

// ClearNextMsgLen marks the cached response length absent, so the
// service loop falls back to spiframe.DefaultResponseLen.
func (d *Device) ClearNextMsgLen() {
	d.HasNextMsgLen = false
	d.NextMsgLen = 0
}

// SetNextMsgLen records a freshly advertised response length.
func (d *Device) SetNextMsgLen(n uint16) {
	d.NextMsgLen = n
	d.HasNextMsgLen = true
}

// Bus is an ordered collection of devices sharing one chip-select
// multiplexed SPI channel.
type Bus struct {
	ID int

	// NextDeviceID is 0 ("no device primed") or the id of the device
	// expected to respond to the next transaction on this bus.
	NextDeviceID atomic.Uint32

	// ServicePending coalesces a "this bus needs service" signal raised
	// from IPC arrivals or a GPIO interrupt.
	ServicePending atomic.Bool

	devices []*Device
	byID    map[uint8]*Device
}

// NewBus returns a bus with the given devices in chain order.
func NewBus(id int, devices []*Device) *Bus {
	b := &Bus{ID: id, devices: devices, byID: make(map[uint8]*Device, len(devices))}
	for _, d := range devices {
		b.byID[d.ID] = d
	}
	return b
}

// Devices returns the chain in declaration/detection order. Callers
// must not mutate the returned slice.
func (b *Bus) Devices() []*Device { return b.devices }

// ByID resolves a device id to its Device, or ok=false if unknown.
func (b *Bus) ByID(id uint8) (*Device, bool) {
	d, ok := b.byID[id]
	return d, ok
}

// Next returns the device chain-order-next after from, wrapping to the
// first device. from must be present in the chain.
func (b *Bus) Next(from *Device) *Device {
	for i, d := range b.devices {
		if d == from {
			return b.devices[(i+1)%len(b.devices)]
		}
	}
	return from
}

// RestrictTo replaces the device chain with only the devices whose ids
// are in seen, preserving existing chain order. Used by the detection
// pass; never adds a device that wasn't already present.
func (b *Bus) RestrictTo(seen map[uint8]bool) {
	kept := b.devices[:0:0]
	for _, d := range b.devices {
		if seen[d.ID] {
			kept = append(kept, d)
		}
	}
	b.devices = kept
	b.byID = make(map[uint8]*Device, len(kept))
	for _, d := range kept {
		b.byID[d.ID] = d
	}
}
