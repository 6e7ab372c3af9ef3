package identity

import (
	"testing"

	"go.viam.com/test"
)

func TestParseValidRecord(t *testing.T) {
	raw := []byte{}
	serial := "SN12345"
	access := "ABCD"
	raw = append(raw, byte(len(serial)))
	raw = append(raw, serial...)
	raw = append(raw, byte(len(access)))
	raw = append(raw, access...)
	raw = append(raw, make([]byte, 32)...) // trailing padding as a real eeprom read would have

	rec, err := parse(raw)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.SerialNumber, test.ShouldEqual, serial)
	test.That(t, rec.AccessCode, test.ShouldEqual, access)
}

func TestParseTruncatedSerial(t *testing.T) {
	raw := []byte{10, 'a', 'b'}
	_, err := parse(raw)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestParseTruncatedAccessCode(t *testing.T) {
	raw := []byte{1, 'a', 5, 'b', 'c'}
	_, err := parse(raw)
	test.That(t, err, test.ShouldNotBeNil)
}
