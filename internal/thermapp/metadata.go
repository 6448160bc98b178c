package thermapp

// Temperature calibration. The device reports an uncalibrated sensor reading;
// these constants map it to degrees Celsius and were measured empirically.
const (
	TemperatureOffset = 14336
	TemperatureScale  = 0.00652
)

// Metadata holds the header fields of a completed frame.
type Metadata struct {
	SerialNumber    uint32 `json:"serial_number"`
	HardwareVersion uint16 `json:"hardware_version"`
	FirmwareVersion uint16 `json:"firmware_version"`
	RawTemperature  int16  `json:"raw_temperature"`
	FrameCount      uint16 `json:"frame_count"`
	Modes           uint16 `json:"modes"`
}

// ExtractMetadata reads the header fields from the start of a completed frame
// buffer. buf must hold at least HeaderSize bytes.
func ExtractMetadata(buf []byte) Metadata {
	return Metadata{
		SerialNumber:    uint32(headerWord(buf, wordSerialLo)) | uint32(headerWord(buf, wordSerialHi))<<16,
		HardwareVersion: headerWord(buf, wordHardware),
		FirmwareVersion: headerWord(buf, wordFirmware),
		RawTemperature:  int16(headerWord(buf, wordTemperature)),
		FrameCount:      headerWord(buf, wordFrameCount),
		Modes:           headerWord(buf, wordModes),
	}
}

// Celsius converts the raw temperature reading to degrees Celsius.
func (m Metadata) Celsius() float64 {
	return RawToCelsius(m.RawTemperature)
}

// RawToCelsius applies the fixed linear calibration to a raw reading.
func RawToCelsius(raw int16) float64 {
	return float64(int(raw)-TemperatureOffset) * TemperatureScale
}
