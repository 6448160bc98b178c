package thermapp

import (
	"encoding/binary"
	"fmt"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Frame is one decoded sensor frame.
type Frame struct {
	Metadata
	Width      int
	Height     int
	Pixels     []int16 // row-major, Width*Height samples
	ReceivedAt time.Time
}

// decodeFrame copies the header fields and pixel payload out of a completed
// frame buffer.
func decodeFrame(buf []byte, l Layout, at time.Time) *Frame {
	f := &Frame{
		Metadata:   ExtractMetadata(buf),
		Width:      l.Width,
		Height:     l.Height,
		Pixels:     make([]int16, l.PixelCount()),
		ReceivedAt: at,
	}
	payload := buf[HeaderSize : HeaderSize+l.PayloadSize()]
	for i := range f.Pixels {
		f.Pixels[i] = int16(binary.LittleEndian.Uint16(payload[i*2:]))
	}
	return f
}

// EncodeFrame builds the wire form of a frame: a marker-aligned header
// carrying m, followed by pixels, padded to l.FrameSize(). Missing pixels are
// zero. It is used to synthesise streams for replay and tests.
func EncodeFrame(l Layout, m Metadata, pixels []int16) []byte {
	buf := make([]byte, l.FrameSize())
	var words ConfigPacket
	copy(words[wordMarker:], Marker[:])
	words[wordModes] = m.Modes
	words[wordSerialLo] = uint16(m.SerialNumber)
	words[wordSerialHi] = uint16(m.SerialNumber >> 16)
	words[wordHardware] = m.HardwareVersion
	words[wordFirmware] = m.FirmwareVersion
	words[wordTemperature] = uint16(m.RawTemperature)
	words[wordFrameCount] = m.FrameCount
	copy(buf, words.Bytes())

	n := min(len(pixels), l.PixelCount())
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[HeaderSize+i*2:], uint16(pixels[i]))
	}
	return buf
}

// At returns the sample at column x, row y.
func (f *Frame) At(x, y int) int16 {
	return f.Pixels[y*f.Width+x]
}

// FrameSummary holds pixel statistics for a frame.
type FrameSummary struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

func (s FrameSummary) String() string {
	return fmt.Sprintf("min=%.0f max=%.0f mean=%.1f sd=%.1f", s.Min, s.Max, s.Mean, s.StdDev)
}

// Summary computes min, max, mean and standard deviation of the samples.
func (f *Frame) Summary() FrameSummary {
	if len(f.Pixels) == 0 {
		return FrameSummary{}
	}
	v := f.Values()
	mean, sd := stat.MeanStdDev(v, nil)
	return FrameSummary{
		Min:    floats.Min(v),
		Max:    floats.Max(v),
		Mean:   mean,
		StdDev: sd,
	}
}

// Values returns the samples as float64.
func (f *Frame) Values() []float64 {
	v := make([]float64, len(f.Pixels))
	for i, p := range f.Pixels {
		v[i] = float64(p)
	}
	return v
}
