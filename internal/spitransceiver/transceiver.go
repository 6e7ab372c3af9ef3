// Package spitransceiver opens an SPI bus device node and performs the
// full-duplex fixed-length exchanges the bus service loop drives.
//
// Grounded on components/board/genericlinux/board.go's spiHandle.Xfer:
// spireg.Open the named port, Connect at the configured clock in SPI
// mode 0 with 8 bits per word, then conn.Tx(tx, rx). Unlike that board
// abstraction (which opens/closes a port per transfer because multiple
// callers can take turns owning the bus), the broker is the bus's sole
// owner for the process lifetime, so the port is opened once and held.
package spitransceiver

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

var initHost sync.Once

// Transceiver performs full-duplex exchanges against one SPI bus
// device node.
type Transceiver interface {
	// Exchange writes buf and overwrites it in place with the bytes
	// shifted in on the same clocks.
	Exchange(ctx context.Context, buf []byte) error
	Close() error
}

type device struct {
	port conn.Conn
	closer interface{ Close() error }
}

// Open configures path (e.g. "/dev/spidev0.0", or a periph.io port name
// such as "SPI0.0") at speedHz in SPI mode 0, 8 bits per word, and
// returns a Transceiver that keeps the port open until Close.
func Open(path string, speedHz int64) (Transceiver, error) {
	initHost.Do(func() {
		_, _ = host.Init()
	})

	port, err := spireg.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open spi bus %s", path)
	}

	c, err := port.Connect(physic.Hertz*physic.Frequency(speedHz), spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, errors.Wrapf(err, "connect spi bus %s at %d Hz", path, speedHz)
	}

	return &device{port: c, closer: port}, nil
}

func (d *device) Exchange(ctx context.Context, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rx := make([]byte, len(buf))
	if err := d.port.Tx(buf, rx); err != nil {
		return errors.Wrap(err, "spi transfer")
	}
	copy(buf, rx)
	return nil
}

func (d *device) Close() error {
	return d.closer.Close()
}
