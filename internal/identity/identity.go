// Package identity reads the serial number and access code embedded in
// a local I²C EEPROM. The broker treats the result as an opaque input:
// it is read once at startup and embedded verbatim in the device-list
// IPC frame.
//
// Grounded on the same periph.io bus family the broker's SPI
// transceiver uses (periph.io/x/conn/v3), here its i2c subpackage,
// rather than introducing a second, unrelated I²C driver dependency.
package identity

import (
	"context"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
)

// Record is the identity the broker embeds in its device-list frame.
type Record struct {
	SerialNumber string
	AccessCode   string
}

// layout: [serialLen u8][serial bytes][accessLen u8][access bytes]
const headerLen = 1

// Read opens busName (e.g. "/dev/i2c-1"), issues a single read
// transaction against addr, and parses the length-prefixed identity
// record. Any error aborts startup per the broker's error handling
// design.
func Read(ctx context.Context, busName string, addr uint16) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	bus, err := i2creg.Open(busName)
	if err != nil {
		return Record{}, errors.Wrapf(err, "open i2c bus %s", busName)
	}
	defer bus.Close()

	dev := &i2c.Dev{Addr: addr, Bus: bus}

	// Read a generously sized block; the two length-prefixed fields
	// tell us how much of it is meaningful.
	raw := make([]byte, 64)
	if err := dev.Tx(nil, raw); err != nil {
		return Record{}, errors.Wrap(err, "read identity eeprom")
	}

	return parse(raw)
}

func parse(raw []byte) (Record, error) {
	if len(raw) < headerLen {
		return Record{}, errors.New("identity: eeprom read too short")
	}
	serialLen := int(raw[0])
	off := headerLen
	if len(raw) < off+serialLen+headerLen {
		return Record{}, errors.New("identity: eeprom serial field truncated")
	}
	serial := string(raw[off : off+serialLen])
	off += serialLen

	accessLen := int(raw[off])
	off += headerLen
	if len(raw) < off+accessLen {
		return Record{}, errors.New("identity: eeprom access code field truncated")
	}
	access := string(raw[off : off+accessLen])

	return Record{SerialNumber: serial, AccessCode: access}, nil
}
