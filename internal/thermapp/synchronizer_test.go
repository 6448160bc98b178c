package thermapp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSynchronizer(l Layout) (*Synchronizer, *Exchange) {
	ex := NewExchange(make([]byte, l.FrameSize()))
	return NewSynchronizer(l, make([]byte, l.FrameSize()), ex), ex
}

// fetchNow fetches a frame that must already be available.
func fetchNow(t *testing.T, ex *Exchange, l Layout) *Frame {
	t.Helper()
	var f *Frame
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A cancelled context still returns a frame that is already fresh.
	err := ex.Fetch(ctx, func(buf []byte) { f = decodeFrame(buf, l, testEpoch) })
	require.NoError(t, err)
	return f
}

func TestSynchronizerWindow(t *testing.T) {
	l := testLayout()
	s, _ := newTestSynchronizer(l)

	assert.Len(t, s.Window(), 128)
	copy(s.Window(), buildFrame(l, testMeta, func(int) int16 { return 0 }))
	s.Complete(128)
	assert.Equal(t, 128, s.Cursor())
	assert.Len(t, s.Window(), 128)
	s.Complete(128)
	assert.Equal(t, 256, s.Cursor())
	assert.Len(t, s.Window(), 64, "window must not exceed the bytes still needed")
}

func TestSynchronizerAlignedFrame(t *testing.T) {
	l := testLayout()
	s, ex := newTestSynchronizer(l)

	frame := buildFrame(l, testMeta, func(i int) int16 { return int16(i * 3) })
	results := feed(s, frame)

	require.Len(t, results, 3)
	assert.True(t, results[2].Completed)
	assert.Equal(t, 0, totalSkipped(results))
	assert.Equal(t, 0, s.Cursor())

	f := fetchNow(t, ex, l)
	assert.Equal(t, testMeta, f.Metadata)
	for i, p := range f.Pixels {
		require.Equal(t, int16(i*3), p, "pixel %d", i)
	}
}

func TestSynchronizerSkipsLeadingStrides(t *testing.T) {
	l := testLayout()
	frame := buildFrame(l, testMeta, func(i int) int16 { return int16(1000 - i) })

	for _, n := range []int{1, 2, 3, 7} {
		s, ex := newTestSynchronizer(l)
		stream := append(junk(l, n), frame...)

		results := feed(s, stream)
		assert.Equal(t, n, totalSkipped(results), "leading junk strides %d", n)
		assert.True(t, results[len(results)-1].Completed, "leading junk strides %d", n)

		f := fetchNow(t, ex, l)
		assert.Equal(t, testMeta.FrameCount, f.FrameCount)
		assert.Equal(t, int16(1000), f.At(0, 0))
		assert.Equal(t, int16(1000-l.PixelCount()+1), f.At(l.Width-1, l.Height-1))
	}
}

func TestSynchronizerMarkerMidTransfer(t *testing.T) {
	l := testLayout()
	s, ex := newTestSynchronizer(l)

	// One junk chunk then the marker chunk arrive in the same transfer; the
	// marker chunk must be compacted to the start of the buffer.
	frame := buildFrame(l, testMeta, func(i int) int16 { return int16(i) })
	results := feed(s, append(junk(l, 1), frame...))

	require.NotEmpty(t, results)
	assert.Equal(t, 1, results[0].Skipped)
	assert.Equal(t, 1, totalSkipped(results))

	f := fetchNow(t, ex, l)
	assert.Equal(t, testMeta, f.Metadata)
	assert.Equal(t, int16(5), f.Pixels[5])
}

func TestSynchronizerMalformedChunkResyncs(t *testing.T) {
	l := testLayout()
	s, ex := newTestSynchronizer(l)

	first := buildFrame(l, Metadata{FrameCount: 1}, func(int) int16 { return 1 })
	second := buildFrame(l, Metadata{FrameCount: 2}, func(int) int16 { return 2 })

	// Two full windows of the first frame, then a short completion.
	copy(s.Window(), first)
	s.Complete(128)
	copy(s.Window(), first[128:])
	s.Complete(128)
	require.Equal(t, 256, s.Cursor())

	res := s.Complete(10)
	assert.True(t, res.Discarded)
	assert.Equal(t, 0, s.Cursor())
	assert.Len(t, s.Window(), l.TransferSize)

	results := feed(s, second)
	assert.True(t, results[len(results)-1].Completed)

	f := fetchNow(t, ex, l)
	assert.Equal(t, uint16(2), f.FrameCount)
	assert.Equal(t, int16(2), f.At(3, 3))
	assert.Equal(t, ExchangeStats{Published: 1, Fetched: 1}, ex.Stats())
}

func TestSynchronizerMalformedThenJunk(t *testing.T) {
	l := testLayout()
	s, ex := newTestSynchronizer(l)

	res := s.Complete(1)
	assert.True(t, res.Discarded)

	frame := buildFrame(l, testMeta, func(int) int16 { return 7 })
	results := feed(s, append(junk(l, 2), frame...))
	assert.Equal(t, 2, totalSkipped(results))

	f := fetchNow(t, ex, l)
	assert.Equal(t, testMeta, f.Metadata)
}

func TestSynchronizerZeroLengthCompletion(t *testing.T) {
	l := testLayout()
	s, _ := newTestSynchronizer(l)

	copy(s.Window(), buildFrame(l, testMeta, func(int) int16 { return 0 }))
	s.Complete(128)

	res := s.Complete(0)
	assert.Equal(t, ChunkResult{}, res)
	assert.Equal(t, 128, s.Cursor())
}

func TestSynchronizerAllJunk(t *testing.T) {
	l := testLayout()
	s, ex := newTestSynchronizer(l)

	results := feed(s, junk(l, 10))
	assert.Equal(t, 10, totalSkipped(results))
	assert.Equal(t, 0, s.Cursor())
	assert.Equal(t, uint64(0), ex.Stats().Published)
}

func TestSynchronizerConsecutiveFrames(t *testing.T) {
	l := testLayout()
	s, ex := newTestSynchronizer(l)

	for i := uint16(1); i <= 5; i++ {
		frame := buildFrame(l, Metadata{FrameCount: i}, func(int) int16 { return int16(i) })
		feed(s, frame)
		f := fetchNow(t, ex, l)
		assert.Equal(t, i, f.FrameCount)
		assert.Equal(t, int16(i), f.At(0, 0))
	}
	assert.Equal(t, ExchangeStats{Published: 5, Fetched: 5}, ex.Stats())
}
