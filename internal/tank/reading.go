package tank

// SensorType is the tank category reported in byte 3 of the vendor payload.
type SensorType uint8

const (
	SensorFresh SensorType = iota
	SensorBlack
	SensorGray
	SensorLPG
	SensorLPG2
	SensorGalley
	SensorGalley2
)

var sensorTypeNames = [...]string{
	SensorFresh:   "Fresh",
	SensorBlack:   "Black",
	SensorGray:    "Gray",
	SensorLPG:     "LPG",
	SensorLPG2:    "LPG2",
	SensorGalley:  "Galley",
	SensorGalley2: "Galley2",
}

// String returns the display name, or "Unknown" for codes outside the table.
func (t SensorType) String() string {
	if int(t) < len(sensorTypeNames) {
		return sensorTypeNames[t]
	}
	return "Unknown"
}

// Known reports whether the code is part of the vendor table.
func (t SensorType) Known() bool {
	return int(t) < len(sensorTypeNames)
}

// Reading is one decoded tank advertisement. Volumes are in gallons.
type Reading struct {
	Type   SensorType
	Text   string
	Volume uint32
	Total  uint32
}

// Encode builds a PayloadLen-byte vendor payload carrying r.
// Bytes 0-2 are left zero; Text is truncated or zero-padded to 3 bytes.
func (r Reading) Encode() []byte {
	b := make([]byte, PayloadLen)
	b[offsetSensorType] = byte(r.Type)
	copy(b[offsetText:offsetText+textLen], r.Text)
	EncodeUint24(b[offsetVolume:offsetVolume+uint24Len], r.Volume)
	EncodeUint24(b[offsetTotal:offsetTotal+uint24Len], r.Total)
	return b
}
