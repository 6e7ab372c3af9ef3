// Package ipcframe implements the IPC wire protocol (version 2) carried
// over the broker's local stream socket: inbound batches of messages to
// devices, outbound device-originated messages, and the outbound
// devices-list bootstrap frame.
package ipcframe

import (
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/ironpi/spi-hub/internal/busmodel"
)

const (
	// Version is the only IPC protocol version this broker speaks.
	Version = 2

	// CmdMessagesToDevices is the inbound command: a batch of
	// per-device outbound messages.
	CmdMessagesToDevices = 1
	// CmdMessageFromDevice is the outbound command: one
	// device-originated message.
	CmdMessageFromDevice = 2
	// CmdDevicesList is the outbound bootstrap command.
	CmdDevicesList = 100

	recordPreamble = 0xA3

	headerLen = 2 // version, command
	countLen  = 2 // u16 count, inbound only
	recordLen = 8 // preamble, bus, device, channel, dedupe(2), payload len(2)
)

// Sentinel decode errors, checked with errors.Is.
var (
	ErrTooShort        = errors.New("ipcframe: frame too short")
	ErrVersionMismatch = errors.New("ipcframe: unsupported protocol version")
	ErrUnknownCommand  = errors.New("ipcframe: unexpected command")
	ErrBadPreamble     = errors.New("ipcframe: sub-record preamble mismatch")
	ErrRecordTruncated = errors.New("ipcframe: sub-record payload truncated")
)

// Message is one decoded "message to device" sub-record.
type Message struct {
	BusID     uint8
	DeviceID  uint8
	ChannelID uint8
	DedupeID  uint16
	Payload   []byte
}

// DecodeInbound parses a command-1 "messages to devices" frame.
//
// Per spec, a malformed sub-record aborts the rest of the frame but
// leaves already-parsed sub-records valid: the returned slice always
// holds every sub-record successfully parsed before the failure, even
// when the returned error is non-nil. Callers enqueue the returned
// messages regardless of whether err is nil.
func DecodeInbound(buf []byte) ([]Message, error) {
	if len(buf) < headerLen+countLen {
		return nil, ErrTooShort
	}
	if buf[0] != Version {
		return nil, errors.Wrapf(ErrVersionMismatch, "got version %d", buf[0])
	}
	if buf[1] != CmdMessagesToDevices {
		return nil, errors.Wrapf(ErrUnknownCommand, "got command %d", buf[1])
	}

	count := binary.LittleEndian.Uint16(buf[headerLen : headerLen+countLen])
	offset := headerLen + countLen

	messages := make([]Message, 0, count)
	for i := 0; i < int(count); i++ {
		rest := buf[offset:]
		if len(rest) < recordLen {
			return messages, errors.Wrapf(ErrTooShort, "sub-record %d", i)
		}
		if rest[0] != recordPreamble {
			return messages, errors.Wrapf(ErrBadPreamble, "sub-record %d: got 0x%02x", i, rest[0])
		}
		payloadLen := int(binary.LittleEndian.Uint16(rest[6:8]))
		if len(rest) < recordLen+payloadLen {
			return messages, errors.Wrapf(ErrRecordTruncated, "sub-record %d", i)
		}

		msg := Message{
			BusID:     rest[1],
			DeviceID:  rest[2],
			ChannelID: rest[3],
			DedupeID:  binary.LittleEndian.Uint16(rest[4:6]),
		}
		if payloadLen > 0 {
			msg.Payload = append([]byte(nil), rest[recordLen:recordLen+payloadLen]...)
		}
		messages = append(messages, msg)

		offset += recordLen + payloadLen
	}

	return messages, nil
}

// EncodeMessageFromDevice builds an outbound command-2 frame. The
// dedupe-id field is unused in this direction and always written 0.
func EncodeMessageFromDevice(busID, deviceID, channelID uint8, payload []byte) []byte {
	buf := make([]byte, headerLen+3+2+len(payload))
	buf[0] = Version
	buf[1] = CmdMessageFromDevice
	buf[2] = busID
	buf[3] = deviceID
	buf[4] = channelID
	binary.LittleEndian.PutUint16(buf[5:7], 0)
	copy(buf[7:], payload)
	return buf
}

// DeviceListing is one entry of the devices-list bootstrap frame's
// JSON body, in chain order.
type DeviceListing struct {
	BusID      uint8               `json:"busId"`
	DeviceID   uint8               `json:"deviceId"`
	DeviceInfo busmodel.DeviceInfo `json:"deviceInfo"`
}

// DevicesListPayload is the JSON body of the outbound command-100 frame.
type DevicesListPayload struct {
	Devices      []DeviceListing `json:"devices"`
	SerialNumber string          `json:"serialNumber"`
	AccessCode   string          `json:"accessCode"`
}

// EncodeDevicesList builds the outbound bootstrap frame: the two-byte
// header followed by the JSON document verbatim.
func EncodeDevicesList(payload DevicesListPayload) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal devices list")
	}
	buf := make([]byte, headerLen+len(body))
	buf[0] = Version
	buf[1] = CmdDevicesList
	copy(buf[headerLen:], body)
	return buf, nil
}
