// Package gpioirq wires an optional per-bus GPIO interrupt pin. It is
// the external wake signal described by the broker's design: the
// callback only records that a bus needs service and returns — it must
// never touch device queues.
//
// Grounded on createDigitalInterrupt/startMonitor in
// components/board/genericlinux/digital_interrupts.go: open the gpio
// chip, open the line with both-edges events, and a goroutine filters
// for the configured active edge and invokes the callback.
package gpioirq

import (
	"context"

	"github.com/mkch/gpio"
	"github.com/pkg/errors"
)

// Pin is an open, monitored GPIO interrupt line.
type Pin struct {
	line       *gpio.LineWithEvent
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// Register opens line on chipDev and starts a monitor goroutine that
// invokes onEdge whenever the configured active edge fires. activeLow
// selects a falling-edge interrupt ("irqActive": "low"); otherwise the
// interrupt fires on the rising edge.
func Register(chipDev string, line uint32, activeLow bool, onEdge func()) (*Pin, error) {
	chip, err := gpio.OpenChip(chipDev)
	if err != nil {
		return nil, errors.Wrapf(err, "open gpio chip %s", chipDev)
	}
	defer chip.Close()

	l, err := chip.OpenLineWithEvents(line, gpio.Input, gpio.BothEdges, "spi-hub-interrupt")
	if err != nil {
		return nil, errors.Wrapf(err, "open gpio line %d with events", line)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pin{line: l, cancelFunc: cancel, done: make(chan struct{})}

	go func() {
		defer close(p.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-l.Events():
				if !ok {
					return
				}
				rising := event.RisingEdge
				if (activeLow && !rising) || (!activeLow && rising) {
					onEdge()
				}
			}
		}
	}()

	return p, nil
}

// Close stops the monitor goroutine and releases the line. It does not
// wait for the goroutine to exit: like the teacher's digitalInterrupt
// it only consumes a channel of events the line generates, so it is
// safe for that goroutine to observe the cancellation slightly after
// Close returns.
func (p *Pin) Close() error {
	p.cancelFunc()
	return p.line.Close()
}
