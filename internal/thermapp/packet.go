package thermapp

import (
	"bytes"
	"encoding/binary"
)

// Header word indices shared by the configuration packet and frame headers.
// Words not named here are device tuning values whose meaning is not
// documented; they are carried as opaque constants.
const (
	wordMarker      = 0 // four words
	wordModes       = 4
	wordSerialLo    = 5
	wordSerialHi    = 6
	wordHardware    = 7
	wordFirmware    = 8
	wordHeightA     = 0x09
	wordWidthA      = 0x0a
	wordHeightB     = 0x0b
	wordWidthB      = 0x0c
	wordTemperature = 0x0f
	wordVoutA       = 0x10
	wordVoutC       = 0x12
	wordVoutD       = 0x13
	wordVoutE       = 0x14
	wordFrameCount  = 0x1a
)

// Marker is the frame-start pattern at the head of every configuration
// packet and frame header.
var Marker = [4]uint16{0xa5a5, 0xa5a5, 0xa5a5, 0xa5d5}

var markerBytes = func() []byte {
	b := make([]byte, len(Marker)*2)
	for i, w := range Marker {
		binary.LittleEndian.PutUint16(b[i*2:], w)
	}
	return b
}()

// HasMarker reports whether b starts with the frame marker.
func HasMarker(b []byte) bool {
	return bytes.HasPrefix(b, markerBytes)
}

// ConfigPacket is the outbound record sent to the device on every keep-alive
// transfer.
type ConfigPacket [HeaderWords]uint16

// DefaultConfigPacket returns the configuration observed from the vendor
// software, with the frame geometry words taken from l.
func DefaultConfigPacket(l Layout) ConfigPacket {
	var p ConfigPacket
	copy(p[wordMarker:], Marker[:])
	p[wordModes] = 0x0002
	p[wordHeightA] = uint16(l.Height)
	p[wordWidthA] = uint16(l.Width)
	p[wordHeightB] = uint16(l.Height)
	p[wordWidthB] = uint16(l.Width)
	p[0x0d] = 0x0019
	p[0x0e] = 0x0000
	p[wordVoutA] = 0x075c
	p[0x11] = 0x0b85
	p[wordVoutC] = 0x05f4
	p[wordVoutD] = 0x0800
	p[wordVoutE] = 0x0b85
	p[0x15] = 0x0b85
	p[0x16] = 0x0000
	p[0x17] = 0x0570
	p[0x18] = 0x0b85
	p[0x19] = 0x0040
	p[0x1b] = 0x0000
	p[0x1c] = 0x0050
	p[0x1d] = 0x0003
	p[0x1e] = 0x0000
	p[0x1f] = 0x0fff
	return p
}

// MarshalBinary encodes the packet as it is sent on the wire.
func (p ConfigPacket) MarshalBinary() ([]byte, error) {
	return p.Bytes(), nil
}

// Bytes encodes the packet little-endian.
func (p ConfigPacket) Bytes() []byte {
	b := make([]byte, HeaderSize)
	for i, w := range p {
		binary.LittleEndian.PutUint16(b[i*2:], w)
	}
	return b
}

// Modes returns the mode word. Only its low nibble is used by the device.
func (p ConfigPacket) Modes() uint16 { return p[wordModes] }

func headerWord(b []byte, word int) uint16 {
	return binary.LittleEndian.Uint16(b[word*2:])
}
