// Package spiframe encodes and decodes the asymmetric request/response
// frames that share a single full-duplex SPI buffer, per the wire
// format in the broker's design notes: the host writes a request
// starting at byte 0 while the device's previously staged response is
// shifted in on the same clocks.
package spiframe

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Command values carried in both request and response headers.
const (
	CmdNone       = 0
	CmdToDevice   = 1
	CmdFromDevice = 2
)

// DefaultResponseLen is used for the expected response length of a
// device that has never advertised one.
const DefaultResponseLen = 40

// Sentinel decode errors, checked with errors.Is.
var (
	ErrTooShort  = errors.New("spiframe: buffer too short for a response header")
	ErrTruncated = errors.New("spiframe: declared payload length exceeds buffer")
)

const (
	reqHeaderLen  = 6
	respHeaderLen = 9
)

// Request is a host-issued SPI request frame.
type Request struct {
	TargetID uint8
	NextID   uint8
	Command  uint8
	Channel  uint8
	Payload  []byte
}

// Response is a device-issued SPI response frame.
type Response struct {
	DeviceID    uint8
	QueuedCount uint8
	NextMsgLen  uint16
	Command     uint8
	Channel     uint8
	Payload     []byte
}

// EncodeRequest writes req into a zero-padded buffer sized to
// max(tx_required, rx_required), where tx_required = 6+len(payload) and
// rx_required = 9+expectedRespLen when expectedRespLen > 0, else 0.
func EncodeRequest(req Request, expectedRespLen uint16) []byte {
	txRequired := reqHeaderLen + len(req.Payload)
	rxRequired := 0
	if expectedRespLen > 0 {
		rxRequired = respHeaderLen + int(expectedRespLen)
	}
	size := txRequired
	if rxRequired > size {
		size = rxRequired
	}

	buf := make([]byte, size)
	buf[0] = req.TargetID
	buf[1] = req.NextID
	buf[2] = req.Command
	buf[3] = req.Channel
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(req.Payload)))
	copy(buf[6:], req.Payload)
	return buf
}

// DecodeRequest parses a request frame previously produced by
// EncodeRequest. It exists primarily so the wire format round-trips in
// tests; the service loop never decodes its own outgoing requests.
func DecodeRequest(buf []byte) (Request, error) {
	if len(buf) < reqHeaderLen {
		return Request{}, ErrTooShort
	}
	n := binary.LittleEndian.Uint16(buf[4:6])
	if len(buf)-reqHeaderLen < int(n) {
		return Request{}, ErrTruncated
	}
	req := Request{
		TargetID: buf[0],
		NextID:   buf[1],
		Command:  buf[2],
		Channel:  buf[3],
	}
	if n > 0 {
		req.Payload = buf[reqHeaderLen : reqHeaderLen+int(n)]
	}
	return req, nil
}

// DecodeResponse parses a response frame read back from the bus. Byte 0
// is a bus-turnaround slot and is ignored.
func DecodeResponse(buf []byte) (Response, error) {
	if len(buf) < respHeaderLen {
		return Response{}, ErrTooShort
	}
	n := binary.LittleEndian.Uint16(buf[7:9])
	if len(buf)-respHeaderLen < int(n) {
		return Response{}, ErrTruncated
	}
	resp := Response{
		DeviceID:    buf[1],
		QueuedCount: buf[2],
		NextMsgLen:  binary.LittleEndian.Uint16(buf[3:5]),
		Command:     buf[5],
		Channel:     buf[6],
	}
	if n > 0 {
		resp.Payload = buf[respHeaderLen : respHeaderLen+int(n)]
	}
	return resp, nil
}

// EncodeResponse returns a new buffer of exactly
// respHeaderLen+len(resp.Payload) bytes holding resp in the response
// layout; byte 0 (the bus turnaround slot) is left zero. This is used
// by tests to synthesize device responses.
func EncodeResponse(resp Response) []byte {
	buf := make([]byte, respHeaderLen+len(resp.Payload))
	buf[1] = resp.DeviceID
	buf[2] = resp.QueuedCount
	binary.LittleEndian.PutUint16(buf[3:5], resp.NextMsgLen)
	buf[5] = resp.Command
	buf[6] = resp.Channel
	binary.LittleEndian.PutUint16(buf[7:9], uint16(len(resp.Payload)))
	copy(buf[respHeaderLen:], resp.Payload)
	return buf
}
