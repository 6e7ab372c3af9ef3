// Package broker wires every other package into the running daemon:
// it owns the bus map, the IPC server, the cached devices-list frame,
// and the single shared service loop that the teacher's Design Notes
// equivalent (spec §9 "Global state") calls out as module-globals in
// the source this was distilled from.
package broker

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/ironpi/spi-hub/internal/brokerconfig"
	"github.com/ironpi/spi-hub/internal/busmodel"
	"github.com/ironpi/spi-hub/internal/busservice"
	"github.com/ironpi/spi-hub/internal/devqueue"
	"github.com/ironpi/spi-hub/internal/gpioirq"
	"github.com/ironpi/spi-hub/internal/identity"
	"github.com/ironpi/spi-hub/internal/ipcframe"
	"github.com/ironpi/spi-hub/internal/ipcserver"
	"github.com/ironpi/spi-hub/internal/logging"
	"github.com/ironpi/spi-hub/internal/rdkutils"
	"github.com/ironpi/spi-hub/internal/spitransceiver"
)

// DefaultSocketPath is where the IPC server listens, per spec.
const DefaultSocketPath = "/tmp/socket-spi-hub"

// Identity source defaults. Neither the declared chain nor the config
// format spec.md describes names where the identity EEPROM lives, so
// this repo fixes it to the conventional Raspberry-Pi-family I2C bus
// and a typical small-EEPROM address (see DESIGN.md).
const (
	defaultIdentityBus  = "/dev/i2c-1"
	defaultIdentityAddr = 0x50
)

type busEntry struct {
	bus    *busmodel.Bus
	tx     spitransceiver.Transceiver
	runner *busservice.Runner
	irq    *gpioirq.Pin
}

// Broker is the single value that replaces the source's module-global
// state (bus_map, ipc_server, devices_list_message, and the service
// guard flags, which live on busmodel.Bus and busservice.Scheduler
// instead).
type Broker struct {
	logger     logging.Logger
	cfg        brokerconfig.Config
	socketPath string

	ipc       *ipcserver.Server
	workers   rdkutils.StoppableWorkers
	scheduler *busservice.Scheduler

	mu      sync.Mutex
	buses   []*busEntry
	busByID map[int]*busEntry
}

// New returns a Broker ready to Run against cfg.
func New(logger logging.Logger, cfg brokerconfig.Config, socketPath string) *Broker {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Broker{
		logger:     logger,
		cfg:        cfg,
		socketPath: socketPath,
		busByID:    make(map[int]*busEntry),
	}
}

// Run executes the startup sequence (spec §4.7) and then blocks until
// ctx is cancelled or the service loop fails fatally. Any startup
// failure is fatal: it tears down whatever was already opened and
// returns a non-nil error for the caller to log and turn into a
// nonzero exit code.
func (b *Broker) Run(ctx context.Context) error {
	_ = os.Remove(b.socketPath)
	ln, err := net.Listen("unix", b.socketPath)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", b.socketPath)
	}

	b.ipc = ipcserver.NewServer(b.logger.Named("ipc"), b.dispatchInbound)
	b.workers = rdkutils.NewStoppableWorkers()
	b.workers.AddWorkers(b.ipc.AcceptLoop(ln, b.workers))

	entries := make([]*busEntry, len(b.cfg.Buses))
	g, gctx := errgroup.WithContext(ctx)
	for i, bc := range b.cfg.Buses {
		i, bc := i, bc
		g.Go(func() error {
			entry, err := b.openBus(gctx, i, bc)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		b.teardown(entries)
		b.workers.Stop()
		return errors.Wrap(err, "broker startup")
	}

	rec, err := identity.Read(ctx, defaultIdentityBus, defaultIdentityAddr)
	if err != nil {
		b.teardown(entries)
		b.workers.Stop()
		return errors.Wrap(err, "read identity")
	}

	b.mu.Lock()
	b.buses = entries
	for _, e := range entries {
		b.busByID[e.bus.ID] = e
	}
	b.mu.Unlock()

	frame, err := ipcframe.EncodeDevicesList(b.buildDevicesListPayload(rec))
	if err != nil {
		b.teardown(entries)
		b.workers.Stop()
		return errors.Wrap(err, "build devices list frame")
	}
	b.ipc.SetDevicesList(frame)

	runners := make([]*busservice.Runner, len(entries))
	for i, e := range entries {
		runners[i] = e.runner
	}
	b.scheduler = busservice.NewScheduler(b.logger.Named("service-loop"), runners...)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	var fatalMu sync.Mutex
	var fatalErr error

	// A single worker runs the one shared service loop across every
	// bus: spec §5/§9 requires at most one transaction sequence in
	// flight at a time across all buses, so there is exactly one
	// Scheduler.Run goroutine, not one per bus.
	b.workers.AddWorkers(func(ctx context.Context) {
		if runErr := b.scheduler.Run(ctx); runErr != nil && ctx.Err() == nil {
			b.logger.Errorw("service loop exited fatally", "err", runErr)
			fatalMu.Lock()
			fatalErr = errors.Wrap(runErr, "service loop")
			fatalMu.Unlock()
			cancelRun()
		}
	})

	b.logger.Infow("broker started", "buses", len(entries), "socket", b.socketPath)
	<-runCtx.Done()

	fatalMu.Lock()
	defer fatalMu.Unlock()
	if fatalErr != nil {
		return fatalErr
	}
	return nil
}

// Close stops every worker goroutine and releases bus and GPIO handles.
func (b *Broker) Close() {
	if b.workers != nil {
		b.workers.Stop()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.teardown(b.buses)
}

func (b *Broker) teardown(entries []*busEntry) {
	for _, e := range entries {
		if e == nil {
			continue
		}
		if e.irq != nil {
			if err := e.irq.Close(); err != nil {
				b.logger.Warnw("close gpio interrupt failed", "bus", e.bus.ID, "err", err)
			}
		}
		if e.tx != nil {
			if err := e.tx.Close(); err != nil {
				b.logger.Warnw("close spi transceiver failed", "bus", e.bus.ID, "err", err)
			}
		}
	}
}

func (b *Broker) openBus(ctx context.Context, index int, bc brokerconfig.BusConfig) (*busEntry, error) {
	tx, err := spitransceiver.Open(bc.Path, bc.Speed)
	if err != nil {
		return nil, errors.Wrapf(err, "open bus %d (%s)", index, bc.Path)
	}

	bus := busmodel.NewBus(index, newDeclaredDevices())
	entryLogger := b.logger.Named(fmt.Sprintf("bus%d", index))
	runner := busservice.NewRunner(bus, tx, entryLogger, b.handleDeviceMessage)

	if err := runner.RunDetectionPass(ctx); err != nil {
		_ = tx.Close()
		return nil, errors.Wrapf(err, "bus %d detection pass", index)
	}

	entry := &busEntry{bus: bus, tx: tx, runner: runner}

	if bc.IRQPin != "" {
		chipDev, line, err := parseIRQPin(bc.IRQPin)
		if err != nil {
			_ = tx.Close()
			return nil, errors.Wrapf(err, "bus %d irq pin %q", index, bc.IRQPin)
		}
		pin, err := gpioirq.Register(chipDev, line, bc.ActiveLow(), runner.Notify)
		if err != nil {
			_ = tx.Close()
			return nil, errors.Wrapf(err, "bus %d register gpio interrupt", index)
		}
		entry.irq = pin
	}

	return entry, nil
}

// parseIRQPin splits "irqPin" config values of the form
// "/dev/gpiochip0:17" into a chip device path and a line number.
func parseIRQPin(spec string) (string, uint32, error) {
	chipDev, lineStr, ok := strings.Cut(spec, ":")
	if !ok {
		return "", 0, errors.Errorf("expected \"chipDev:line\", got %q", spec)
	}
	line, err := strconv.ParseUint(lineStr, 10, 32)
	if err != nil {
		return "", 0, errors.Wrapf(err, "parse gpio line from %q", spec)
	}
	return chipDev, uint32(line), nil
}

func (b *Broker) dispatchInbound(msgs []ipcframe.Message) {
	touched := make(map[int]struct{})

	b.mu.Lock()
	for _, m := range msgs {
		entry, ok := b.busByID[int(m.BusID)]
		if !ok {
			b.logger.Warnw("ipc message for unknown bus", "bus", m.BusID)
			continue
		}
		dev, ok := entry.bus.ByID(m.DeviceID)
		if !ok {
			b.logger.Warnw("ipc message for unknown device", "bus", m.BusID, "device", m.DeviceID)
			continue
		}
		dev.Queue.Enqueue(devqueue.Entry{DedupeID: m.DedupeID, Channel: m.ChannelID, Payload: m.Payload})
		touched[int(m.BusID)] = struct{}{}
	}
	entriesToNotify := make([]*busEntry, 0, len(touched))
	for busID := range touched {
		if entry, ok := b.busByID[busID]; ok {
			entriesToNotify = append(entriesToNotify, entry)
		}
	}
	b.mu.Unlock()

	for _, e := range entriesToNotify {
		e.runner.Notify()
	}
}

func (b *Broker) handleDeviceMessage(busID int, deviceID uint8, channel uint8, payload []byte) {
	frame := ipcframe.EncodeMessageFromDevice(uint8(busID), deviceID, channel, payload)
	b.ipc.Broadcast(frame)
}

func (b *Broker) buildDevicesListPayload(rec identity.Record) ipcframe.DevicesListPayload {
	b.mu.Lock()
	defer b.mu.Unlock()

	var listings []ipcframe.DeviceListing
	for _, e := range b.buses {
		for _, d := range e.bus.Devices() {
			listings = append(listings, ipcframe.DeviceListing{
				BusID:      uint8(e.bus.ID),
				DeviceID:   d.ID,
				DeviceInfo: d.Info,
			})
		}
	}
	return ipcframe.DevicesListPayload{
		Devices:      listings,
		SerialNumber: rec.SerialNumber,
		AccessCode:   rec.AccessCode,
	}
}
