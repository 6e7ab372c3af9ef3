package broker

import (
	"context"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/ironpi/spi-hub/internal/brokerconfig"
	"github.com/ironpi/spi-hub/internal/busmodel"
	"github.com/ironpi/spi-hub/internal/busservice"
	"github.com/ironpi/spi-hub/internal/ipcframe"
	"github.com/ironpi/spi-hub/internal/ipcserver"
	"github.com/ironpi/spi-hub/internal/logging"
)

type noopTransceiver struct{}

func (noopTransceiver) Exchange(context.Context, []byte) error { return nil }
func (noopTransceiver) Close() error                           { return nil }

func TestNewDeclaredDevicesMatchesChain(t *testing.T) {
	devices := newDeclaredDevices()
	test.That(t, len(devices), test.ShouldEqual, 5)
	test.That(t, devices[0].ID, test.ShouldEqual, uint8(1))
	test.That(t, devices[0].Info.Model, test.ShouldEqual, "iron-pi-cm8")
	for i := 1; i < 5; i++ {
		test.That(t, devices[i].ID, test.ShouldEqual, uint8(i+1))
		test.That(t, devices[i].Info.Model, test.ShouldEqual, "iron-pi-io16")
	}
}

func TestParseIRQPin(t *testing.T) {
	chip, line, err := parseIRQPin("/dev/gpiochip0:17")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, chip, test.ShouldEqual, "/dev/gpiochip0")
	test.That(t, line, test.ShouldEqual, uint32(17))

	_, _, err = parseIRQPin("bad-format")
	test.That(t, err, test.ShouldNotBeNil)

	_, _, err = parseIRQPin("/dev/gpiochip0:notanumber")
	test.That(t, err, test.ShouldNotBeNil)
}

func newTestBroker(t *testing.T) (*Broker, *busEntry) {
	t.Helper()
	b := New(logging.NewTestLogger(t), brokerconfig.Config{}, "")

	bus := busmodel.NewBus(0, newDeclaredDevices())
	runner := busservice.NewRunner(bus, noopTransceiver{}, logging.NewTestLogger(t), b.handleDeviceMessage)
	entry := &busEntry{bus: bus, tx: noopTransceiver{}, runner: runner}

	b.mu.Lock()
	b.buses = []*busEntry{entry}
	b.busByID[bus.ID] = entry
	b.mu.Unlock()

	return b, entry
}

func TestDispatchInboundEnqueuesAndNotifies(t *testing.T) {
	b, entry := newTestBroker(t)

	b.dispatchInbound([]ipcframe.Message{
		{BusID: 0, DeviceID: 1, ChannelID: 3, DedupeID: 0, Payload: []byte("hi")},
	})

	dev, ok := entry.bus.ByID(1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, dev.Queue.Len(), test.ShouldEqual, 1)
	test.That(t, entry.bus.ServicePending.Load(), test.ShouldBeTrue)
}

func TestDispatchInboundUnknownBusIsDropped(t *testing.T) {
	b, entry := newTestBroker(t)

	b.dispatchInbound([]ipcframe.Message{
		{BusID: 99, DeviceID: 1, Payload: []byte("x")},
	})

	for _, d := range entry.bus.Devices() {
		test.That(t, d.Queue.Len(), test.ShouldEqual, 0)
	}
	test.That(t, entry.bus.ServicePending.Load(), test.ShouldBeFalse)
}

func TestHandleDeviceMessageBroadcastsFrame(t *testing.T) {
	b, _ := newTestBroker(t)
	b.ipc = ipcserver.NewServer(logging.NewTestLogger(t), nil)

	// No clients are connected; this only exercises that
	// handleDeviceMessage encodes and forwards to Broadcast without
	// panicking when the client set is empty.
	b.handleDeviceMessage(0, 1, 7, []byte("payload"))
}

// TestDispatchInboundWakesSharedScheduler confirms an IPC message
// routed through dispatchInbound reaches the one shared service loop
// (not a per-bus goroutine of its own) and that the loop services the
// bus and drains its queue.
func TestDispatchInboundWakesSharedScheduler(t *testing.T) {
	b, entry := newTestBroker(t)
	b.scheduler = busservice.NewScheduler(logging.NewTestLogger(t), entry.runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.scheduler.Run(ctx) }()

	b.dispatchInbound([]ipcframe.Message{
		{BusID: 0, DeviceID: 1, ChannelID: 3, DedupeID: 0, Payload: []byte("hi")},
	})

	test.That(t, pollUntil(t, func() bool {
		dev, _ := entry.bus.ByID(1)
		return dev.Queue.Len() == 0
	}), test.ShouldBeTrue)

	cancel()
	test.That(t, <-done, test.ShouldBeNil)
}

func pollUntil(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
