// Package busservice implements the bus service loop: the scheduler
// that drains per-device transmit queues and gives every device on a
// bus a chance to deliver an unsolicited message, honoring the
// one-transaction look-ahead the full-duplex SPI protocol requires.
//
// There is exactly one service loop across the whole broker, not one
// per bus: it runs at most one transaction sequence at a time across
// every configured bus, matching the data model's cross-bus exclusion
// invariant. A Runner knows how to run a pass over a single bus; a
// Scheduler owns every Runner and is the sole goroutine that ever
// calls runPass, so two buses' Transceiver.Exchange calls can never
// overlap.
package busservice

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/ironpi/spi-hub/internal/busmodel"
	"github.com/ironpi/spi-hub/internal/logging"
	"github.com/ironpi/spi-hub/internal/spiframe"
	"github.com/ironpi/spi-hub/internal/spitransceiver"
)

// InterTransactionGap is the minimum time between two SPI transactions
// on the same bus (every transaction but the very first of a pass).
const InterTransactionGap = 2 * time.Millisecond

// MaxReentryRuns is the sanity cap on consecutive back-to-back sweeps
// of the scheduler (the first sweep after a wake plus the immediate
// re-sweeps triggered by a service request arriving while a sweep was
// already in progress). Exceeding it indicates a runaway producer. The cap is process-wide: it counts re-sweeps across every
// bus, not per bus, since there is only one service loop.
const MaxReentryRuns = 10

// ErrRunawayReentry is returned by Scheduler.Run when MaxReentryRuns
// is exceeded.
var ErrRunawayReentry = errors.New("busservice: exceeded service-loop re-entry sanity limit")

// OnMessage is invoked for every device-originated message observed on
// the wire whose payload is non-empty and whose command is
// msg-from-device. It must not block on anything the service loop
// itself depends on.
type OnMessage func(busID int, deviceID uint8, channel uint8, payload []byte)

// Runner drives one bus's service passes. It holds no goroutine and no
// wake channel of its own: a Scheduler is the only thing that ever
// calls runPass, which is what guarantees at most one transaction
// sequence runs at a time across every bus.
type Runner struct {
	bus       *busmodel.Bus
	tx        spitransceiver.Transceiver
	logger    logging.Logger
	onMessage OnMessage

	// wake is the owning Scheduler's shared wake channel. It is nil
	// until the Runner is passed to NewScheduler, so Notify calls
	// arriving before that (e.g. a GPIO interrupt registered during
	// concurrent bus startup) still record pending work on the bus
	// without a channel send; Scheduler.Run performs one unconditional
	// sweep on startup to pick up anything marked pending that way.
	wake chan<- struct{}
}

// NewRunner returns a Runner for bus, exchanging frames over tx and
// reporting device-originated messages to onMessage. It must be
// registered with a Scheduler via NewScheduler before Notify can wake
// a running service loop.
func NewRunner(bus *busmodel.Bus, tx spitransceiver.Transceiver, logger logging.Logger, onMessage OnMessage) *Runner {
	return &Runner{
		bus:       bus,
		tx:        tx,
		logger:    logger,
		onMessage: onMessage,
	}
}

// Notify signals that this bus needs service. It never blocks: if a
// signal is already pending on the scheduler's shared wake channel,
// this call is a no-op.
func (r *Runner) Notify() {
	r.bus.ServicePending.Store(true)
	if r.wake == nil {
		return
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RunDetectionPass runs exactly one pass in detection mode, pruning
// bus.Devices() to only those ids that produced a clean, matching
// response. Intended to be called once per bus at startup, before any
// Scheduler.Run is started.
func (r *Runner) RunDetectionPass(ctx context.Context) error {
	return r.runPass(ctx, true)
}

// runPass implements one walk of spec §4.5 across bus.Devices().
func (r *Runner) runPass(ctx context.Context, detect bool) error {
	devices := r.bus.Devices()
	if len(devices) == 0 {
		return nil
	}

	isFirst := true
	seen := make(map[uint8]bool, len(devices))

	for _, d := range devices {
		if uint8(r.bus.NextDeviceID.Load()) != d.ID {
			if !isFirst {
				r.sleepGap(ctx)
			}
			isFirst = false

			sel := spiframe.Request{TargetID: 0, NextID: d.ID, Command: spiframe.CmdNone}
			buf := spiframe.EncodeRequest(sel, 0)
			if err := r.tx.Exchange(ctx, buf); err != nil {
				return errors.Wrapf(err, "bus %d: selection transaction for device %d", r.bus.ID, d.ID)
			}
			r.bus.NextDeviceID.Store(uint32(d.ID))
		}

		for {
			entry, hasEntry := d.Queue.PopFront()

			next := r.bus.Next(d)
			if d.Queue.Len() > 0 {
				next = d
			}

			req := spiframe.Request{TargetID: d.ID, NextID: next.ID, Command: spiframe.CmdNone}
			if hasEntry {
				req.Command = spiframe.CmdToDevice
				req.Channel = entry.Channel
				req.Payload = entry.Payload
			}

			expected := uint16(spiframe.DefaultResponseLen)
			if d.HasNextMsgLen {
				expected = d.NextMsgLen
			}

			buf := spiframe.EncodeRequest(req, expected)

			if !isFirst {
				r.sleepGap(ctx)
			}
			isFirst = false

			if err := r.tx.Exchange(ctx, buf); err != nil {
				return errors.Wrapf(err, "bus %d: data transaction for device %d", r.bus.ID, d.ID)
			}

			resp, err := spiframe.DecodeResponse(buf)
			switch {
			case err != nil:
				r.logger.Warnw("spi response decode error", "bus", r.bus.ID, "device", d.ID, "err", err)
				d.ClearNextMsgLen()
			case resp.DeviceID == d.ID:
				d.SetNextMsgLen(resp.NextMsgLen)
				if detect {
					seen[d.ID] = true
				}
				if len(resp.Payload) > 0 && resp.Command == spiframe.CmdFromDevice {
					r.onMessage(r.bus.ID, resp.DeviceID, resp.Channel, resp.Payload)
				}
			default:
				if !detect {
					r.logger.Warnw("spi response device id mismatch", "bus", r.bus.ID, "expected", d.ID, "got", resp.DeviceID)
				}
				d.ClearNextMsgLen()
			}

			r.bus.NextDeviceID.Store(uint32(next.ID))

			if d.Queue.Len() == 0 {
				break
			}
		}
	}

	if detect {
		r.bus.RestrictTo(seen)
	}
	return nil
}

func (r *Runner) sleepGap(ctx context.Context) {
	t := time.NewTimer(InterTransactionGap)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Scheduler is the single, process-wide service loop. It owns every
// bus's Runner and is the only goroutine that ever exchanges a
// transaction sequence, so two buses never run Transceiver.Exchange
// concurrently.
type Scheduler struct {
	logger  logging.Logger
	runners []*Runner
	wake    chan struct{} // capacity 1: coalesces "something needs service"
}

// NewScheduler returns a Scheduler driving every one of runners. It
// wires each Runner's Notify to this Scheduler's shared wake channel.
func NewScheduler(logger logging.Logger, runners ...*Runner) *Scheduler {
	s := &Scheduler{
		logger:  logger,
		runners: runners,
		wake:    make(chan struct{}, 1),
	}
	for _, r := range runners {
		r.wake = s.wake
	}
	return s
}

// Notify wakes the scheduler without marking any particular bus
// pending. Runner.Notify is the usual way to request service for one
// bus; Run calls this once on startup to kick its own initial sweep.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run blocks, waiting for any Runner.Notify (or ctx cancellation).
// Each wake sweeps every runner in order, running one pass for every
// bus whose ServicePending flag is set, and keeps sweeping immediately
// as long as a new signal arrives mid-sweep, up to MaxReentryRuns
// consecutive sweeps. Because the sweep body never runs concurrently
// with itself, at most one transaction sequence is in flight across
// every bus at any instant.
//
// Run returns nil when ctx is done, or ErrRunawayReentry if the sanity
// cap is exceeded — a fatal condition the caller must treat as fatal
// per the broker's error handling design.
func (s *Scheduler) Run(ctx context.Context) error {
	// Pick up any bus marked pending by a Notify that raced the
	// scheduler's own construction (see Runner.wake's doc comment).
	s.Notify()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		}

		runs := 0
		for {
			runs++
			if runs > MaxReentryRuns {
				return ErrRunawayReentry
			}

			for _, r := range s.runners {
				if !r.bus.ServicePending.Load() {
					continue
				}
				r.bus.ServicePending.Store(false)
				if err := r.runPass(ctx, false); err != nil {
					s.logger.Errorw("bus service pass failed", "bus", r.bus.ID, "err", err)
				}
			}

			select {
			case <-s.wake:
				continue // a signal arrived mid-sweep: sweep again immediately
			default:
			}
			break
		}
	}
}
