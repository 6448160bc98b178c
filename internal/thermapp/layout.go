package thermapp

import (
	"fmt"

	"github.com/banshee-data/thermcap/internal/usbdev"
)

// Device identification and wire constants.
const (
	VendorID  = 0x1772
	ProductID = 0x0002

	// ChunkSize is the granularity the device delivers data in. Frames are
	// padded to a multiple of it.
	ChunkSize = 512

	// TransferSize is the largest single bulk-in request.
	TransferSize = 8192

	FrameWidth  = 384
	FrameHeight = 288

	// HeaderWords is the number of 16-bit words in a configuration packet
	// and in a frame header.
	HeaderWords = 32
	HeaderSize  = HeaderWords * 2
)

// DeviceSpec is the USB identity and endpoint layout of the sensor.
var DeviceSpec = usbdev.DeviceSpec{
	VendorID:      VendorID,
	ProductID:     ProductID,
	Configuration: 1,
	Interface:     0,
	AltSetting:    0,
	InEndpoint:    1,
	OutEndpoint:   2,
}

// Layout describes the frame geometry and transfer sizing of a stream.
// Sizes are computed once by Validate and stay fixed for the session.
type Layout struct {
	Width        int
	Height       int
	ChunkSize    int
	TransferSize int
}

// DefaultLayout is the layout of the ThermApp sensor.
func DefaultLayout() Layout {
	return Layout{
		Width:        FrameWidth,
		Height:       FrameHeight,
		ChunkSize:    ChunkSize,
		TransferSize: TransferSize,
	}
}

// PixelCount is Width*Height.
func (l Layout) PixelCount() int { return l.Width * l.Height }

// PayloadSize is the size of the pixel payload in bytes.
func (l Layout) PayloadSize() int { return l.PixelCount() * 2 }

// FrameSize is the number of bytes the device sends per frame: header plus
// payload, rounded up to the chunk size.
func (l Layout) FrameSize() int {
	return roundUp(HeaderSize+l.PayloadSize(), l.ChunkSize)
}

// Validate checks that the layout can be used to size capture buffers.
func (l Layout) Validate() error {
	if l.Width <= 0 || l.Height <= 0 {
		return fmt.Errorf("invalid frame geometry %dx%d", l.Width, l.Height)
	}
	if l.Width > 0xffff || l.Height > 0xffff {
		return fmt.Errorf("frame geometry %dx%d does not fit the header", l.Width, l.Height)
	}
	if l.ChunkSize <= 0 || l.ChunkSize%2 != 0 {
		return fmt.Errorf("invalid chunk size %d", l.ChunkSize)
	}
	if l.ChunkSize < len(markerBytes) {
		return fmt.Errorf("chunk size %d is smaller than the frame marker", l.ChunkSize)
	}
	if l.TransferSize < l.ChunkSize || l.TransferSize%l.ChunkSize != 0 {
		return fmt.Errorf("transfer size %d must be a positive multiple of %d", l.TransferSize, l.ChunkSize)
	}
	return nil
}

func roundUp(n, multiple int) int {
	return (n + multiple - 1) / multiple * multiple
}
