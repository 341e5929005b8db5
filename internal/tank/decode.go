package tank

import (
	"errors"
	"fmt"
)

// Vendor advertisement layout (SeeLevel BLE transmitter, manufacturer specific data).
// Offsets are relative to the start of the manufacturer payload. A shifted offset
// decodes silently into wrong numbers, so every field position is named here.
const (
	// DefaultManufacturerID is the company identifier the transmitter advertises under.
	// The vendor ships it as 0xFFFF (reserved/test range); deployments may override it.
	DefaultManufacturerID uint16 = 0xFFFF

	// PayloadLen is the minimum payload size covering every decoded field.
	PayloadLen = 13

	offsetSensorType = 3
	offsetText       = 4
	textLen          = 3
	offsetVolume     = 7
	offsetTotal      = 10
	uint24Len        = 3

	// MaxUint24 is the largest value a 3-byte field can carry.
	MaxUint24 = 1<<24 - 1
)

var (
	ErrConfig          = errors.New("configuration error")
	ErrPayloadMissing  = errors.New("manufacturer payload missing")
	ErrInvalidEncoding = errors.New("invalid text encoding")
)

// Decode parses a vendor payload. It never reads past len(payload).
func Decode(payload []byte) (Reading, error) {
	if len(payload) < PayloadLen {
		return Reading{}, fmt.Errorf("%w: payload too short: %d < %d", ErrPayloadMissing, len(payload), PayloadLen)
	}

	text := payload[offsetText : offsetText+textLen]
	for i, c := range text {
		if c > 0x7f {
			return Reading{}, fmt.Errorf("%w: byte %d is 0x%02x", ErrInvalidEncoding, offsetText+i, c)
		}
	}

	return Reading{
		Type:   SensorType(payload[offsetSensorType]),
		Text:   string(text),
		Volume: DecodeUint24(payload[offsetVolume : offsetVolume+uint24Len]),
		Total:  DecodeUint24(payload[offsetTotal : offsetTotal+uint24Len]),
	}, nil
}

// PayloadFor returns the manufacturer payload stored under companyID.
func PayloadFor(d DiscoveredDevice, companyID uint16) ([]byte, error) {
	b, ok := d.ManufacturerData[companyID]
	if !ok {
		return nil, fmt.Errorf("%w: no data for company 0x%04X", ErrPayloadMissing, companyID)
	}
	return b, nil
}

// DecodeUint24 reads a 3-byte little-endian unsigned integer.
func DecodeUint24(b []byte) uint32 {
	_ = b[2]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// EncodeUint24 writes the low 24 bits of v into b, little-endian.
func EncodeUint24(b []byte, v uint32) {
	_ = b[2]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}
