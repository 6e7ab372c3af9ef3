package busmodel

import (
	"testing"

	"go.viam.com/test"

	"github.com/ironpi/spi-hub/internal/devqueue"
)

func newDevices(ids ...uint8) []*Device {
	devs := make([]*Device, len(ids))
	for i, id := range ids {
		devs[i] = &Device{ID: id, Queue: devqueue.New()}
	}
	return devs
}

func TestNextWraps(t *testing.T) {
	devs := newDevices(1, 2, 3)
	b := NewBus(0, devs)

	test.That(t, b.Next(devs[0]), test.ShouldEqual, devs[1])
	test.That(t, b.Next(devs[2]), test.ShouldEqual, devs[0])
}

func TestByID(t *testing.T) {
	devs := newDevices(1, 2)
	b := NewBus(0, devs)

	d, ok := b.ByID(2)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, d, test.ShouldEqual, devs[1])

	_, ok = b.ByID(99)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestRestrictToPrunesAndPreservesOrder(t *testing.T) {
	devs := newDevices(1, 2, 3, 4, 5)
	b := NewBus(0, devs)

	b.RestrictTo(map[uint8]bool{1: true, 3: true})

	got := b.Devices()
	test.That(t, len(got), test.ShouldEqual, 2)
	test.That(t, got[0].ID, test.ShouldEqual, uint8(1))
	test.That(t, got[1].ID, test.ShouldEqual, uint8(3))

	_, ok := b.ByID(2)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestRestrictToEmptyLeavesNoDevices(t *testing.T) {
	devs := newDevices(1, 2)
	b := NewBus(0, devs)

	b.RestrictTo(map[uint8]bool{})

	test.That(t, len(b.Devices()), test.ShouldEqual, 0)
}

func TestNextMsgLenLifecycle(t *testing.T) {
	d := &Device{ID: 1, Queue: devqueue.New()}
	test.That(t, d.HasNextMsgLen, test.ShouldBeFalse)

	d.SetNextMsgLen(64)
	test.That(t, d.HasNextMsgLen, test.ShouldBeTrue)
	test.That(t, d.NextMsgLen, test.ShouldEqual, uint16(64))

	d.ClearNextMsgLen()
	test.That(t, d.HasNextMsgLen, test.ShouldBeFalse)
}
