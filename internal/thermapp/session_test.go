package thermapp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/thermcap/internal/testutil"
	"github.com/banshee-data/thermcap/internal/timeutil"
	"github.com/banshee-data/thermcap/internal/usbdev"
)

func fetchWithin(t *testing.T, s *Session, d time.Duration) (*Frame, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.FetchFrameContext(ctx)
}

func TestOpenInvalidLayout(t *testing.T) {
	tests := []struct {
		name   string
		layout Layout
	}{
		{"bad transfer size", Layout{Width: 16, Height: 8, ChunkSize: 64, TransferSize: 100}},
		{"empty geometry", Layout{ChunkSize: 512, TransferSize: 8192}},
		{"oversized frame", Layout{Width: 0xffff, Height: 0xffff, ChunkSize: 512, TransferSize: 8192}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(WithLayout(tt.layout), WithOpener(usbdev.NewMockOpener(nil)))
			assert.ErrorIs(t, err, ErrAllocation)
			assert.Nil(t, s)
		})
	}
}

func TestOpenDefaults(t *testing.T) {
	s, err := Open(WithOpener(usbdev.NewMockOpener(nil)))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, StateCreated, s.State())
	assert.Equal(t, DefaultLayout(), s.Layout())
	assert.Len(t, s.sync.Window(), TransferSize)
	assert.Nil(t, s.LastFrame())
	_, ok := s.Metadata()
	assert.False(t, ok)
}

func TestSessionFetchFrame(t *testing.T) {
	tr := usbdev.NewTestableTransport()
	l := testLayout()
	tr.AddReadData(buildFrame(l, testMeta, func(i int) int16 { return int16(i - 50) }))

	opener := usbdev.NewMockOpener(tr)
	s, err := Open(WithLayout(l), WithOpener(opener), WithStatsInterval(0),
		WithClock(timeutil.NewMockClock(testEpoch)))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Connect())
	assert.Equal(t, StateConnected, s.State())
	require.NotNil(t, opener.LastCall())
	assert.Equal(t, DeviceSpec, *opener.LastCall())

	require.NoError(t, s.StartStreaming())
	assert.Equal(t, StateStreaming, s.State())

	f, err := fetchWithin(t, s, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, testMeta, f.Metadata)
	assert.Equal(t, l.Width, f.Width)
	assert.Equal(t, l.Height, f.Height)
	assert.Equal(t, testEpoch, f.ReceivedAt)
	require.Len(t, f.Pixels, l.PixelCount())
	assert.Equal(t, int16(-50), f.At(0, 0))
	assert.Equal(t, int16(l.PixelCount()-51), f.At(l.Width-1, l.Height-1))

	assert.Equal(t, testMeta.SerialNumber, s.SerialNumber())
	assert.Equal(t, testMeta.HardwareVersion, s.HardwareVersion())
	assert.Equal(t, testMeta.FirmwareVersion, s.FirmwareVersion())
	assert.Equal(t, testMeta.FrameCount, s.FrameCount())
	assert.InDelta(t, 2.0, s.Temperature(), 0.01)
	assert.Same(t, f, s.LastFrame())

	testutil.Eventually(t, 2*time.Second, func() bool { return tr.Writes() > 0 }, "keep-alive write")
	assert.Equal(t, DefaultConfigPacket(l).Bytes(), tr.LastWrite())

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, tr.CloseCalls())

	_, err = s.FetchFrame()
	assert.ErrorIs(t, err, ErrStreamEnded)

	// Accessors keep the last values after close.
	assert.Equal(t, testMeta.SerialNumber, s.SerialNumber())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, tr.CloseCalls())
}

func TestSessionOverwriteSemantics(t *testing.T) {
	tr := usbdev.NewTestableTransport()
	l := testLayout()
	tr.AddReadData(
		buildFrame(l, Metadata{FrameCount: 1}, func(int) int16 { return 111 }),
		buildFrame(l, Metadata{FrameCount: 2}, func(int) int16 { return 222 }),
	)
	s := startTestSession(t, tr)

	testutil.Eventually(t, 5*time.Second, func() bool {
		return s.Stats().Stream.FramesCompleted == 2
	}, "two completed frames")

	f, err := fetchWithin(t, s, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), f.FrameCount)
	assert.Equal(t, int16(222), f.At(5, 5))
	assert.Equal(t, uint64(1), s.Stats().Exchange.Dropped)

	// The superseded frame is never delivered.
	_, err = fetchWithin(t, s, 30*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSessionSequentialFrames(t *testing.T) {
	tr := usbdev.NewTestableTransport()
	l := testLayout()
	s := startTestSession(t, tr)

	for i := uint16(1); i <= 3; i++ {
		tr.AddReadData(buildFrame(l, Metadata{FrameCount: i}, func(int) int16 { return int16(i) }))
		f, err := fetchWithin(t, s, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, i, f.FrameCount)
		assert.Equal(t, i, s.FrameCount())
	}
	st := s.Stats()
	assert.Equal(t, uint64(3), st.Stream.FramesCompleted)
	assert.Equal(t, uint64(3*l.FrameSize()), st.Stream.BytesReceived)
	assert.Equal(t, uint64(9), st.Stream.Transfers)
	assert.Equal(t, uint64(0), st.Exchange.Dropped)
}

func TestSessionResyncAfterMalformedChunk(t *testing.T) {
	tr := usbdev.NewTestableTransport()
	l := testLayout()
	partial := buildFrame(l, Metadata{FrameCount: 1}, func(int) int16 { return 1 })
	tr.AddReadData(
		partial[:128],
		make([]byte, 30), // not a whole chunk
		junk(l, 3),
		buildFrame(l, Metadata{FrameCount: 2}, func(int) int16 { return 2 }),
	)
	s := startTestSession(t, tr)

	f, err := fetchWithin(t, s, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), f.FrameCount)
	assert.Equal(t, int16(2), f.At(0, 0))

	st := s.Stats().Stream
	assert.Equal(t, uint64(1), st.ChunksDiscarded)
	assert.Equal(t, uint64(3), st.ChunksSkipped)
	assert.Equal(t, uint64(1), st.FramesCompleted)
}

func TestSessionZeroLengthCompletion(t *testing.T) {
	tr := usbdev.NewTestableTransport()
	l := testLayout()
	frame := buildFrame(l, testMeta, func(int) int16 { return 3 })
	tr.AddReadData(frame[:128], nil, frame[128:])
	s := startTestSession(t, tr)

	f, err := fetchWithin(t, s, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, testMeta, f.Metadata)
	assert.Zero(t, s.Stats().Stream.ChunksDiscarded)
}

func TestSessionCloseWakesBlockedFetch(t *testing.T) {
	tr := usbdev.NewTestableTransport()
	s := startTestSession(t, tr)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.FetchFrame()
		errCh <- err
	}()

	select {
	case err := <-errCh:
		t.Fatalf("FetchFrame returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStreamEnded)
	case <-time.After(2 * time.Second):
		t.Fatal("FetchFrame still blocked after Close")
	}
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Zero(t, s.Stats().Stream.ChannelErrors)
}

func TestSessionDeviceErrorEndsStream(t *testing.T) {
	tests := []struct {
		name  string
		setup func(tr *usbdev.TestableTransport)
	}{
		{"device gone", func(tr *usbdev.TestableTransport) { tr.AddReadError(usbdev.ErrNoDevice) }},
		{"read error", func(tr *usbdev.TestableTransport) { tr.AddReadError(usbdev.ErrTransfer) }},
		{"submit failure", func(tr *usbdev.TestableTransport) { tr.AddReadError(usbdev.ErrSubmit) }},
		{"keep-alive error", func(tr *usbdev.TestableTransport) { tr.SetWriteError(usbdev.ErrTransfer) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := usbdev.NewTestableTransport()
			tt.setup(tr)
			s := startTestSession(t, tr)

			_, err := fetchWithin(t, s, 5*time.Second)
			assert.ErrorIs(t, err, ErrStreamEnded)
			assert.Equal(t, uint64(1), s.Stats().Stream.ChannelErrors)

			// The session still owns the device until it is closed.
			assert.Equal(t, StateStreaming, s.State())
			require.NoError(t, s.Close())
			assert.Equal(t, 1, tr.CloseCalls())
		})
	}
}

func TestSessionLifecycleErrors(t *testing.T) {
	t.Run("start before connect", func(t *testing.T) {
		s := newTestSession(t, usbdev.NewTestableTransport())
		assert.ErrorIs(t, s.StartStreaming(), ErrStartStreaming)
	})

	t.Run("start twice", func(t *testing.T) {
		s := startTestSession(t, usbdev.NewTestableTransport())
		assert.ErrorIs(t, s.StartStreaming(), ErrStartStreaming)
	})

	t.Run("connect twice", func(t *testing.T) {
		s := newTestSession(t, usbdev.NewTestableTransport())
		require.NoError(t, s.Connect())
		assert.Error(t, s.Connect())
	})

	t.Run("connect after close", func(t *testing.T) {
		s := newTestSession(t, usbdev.NewTestableTransport())
		require.NoError(t, s.Close())
		assert.ErrorIs(t, s.Connect(), ErrClosed)
		assert.ErrorIs(t, s.StartStreaming(), ErrStartStreaming)
	})

	t.Run("device not found", func(t *testing.T) {
		opener := usbdev.NewMockOpener(nil)
		opener.Error = usbdev.ErrDeviceNotFound
		s, err := Open(WithLayout(testLayout()), WithOpener(opener))
		require.NoError(t, err)
		defer s.Close()

		err = s.Connect()
		assert.ErrorIs(t, err, ErrDeviceNotFound)
		assert.Equal(t, StateCreated, s.State())
	})

	t.Run("claim failure", func(t *testing.T) {
		opener := usbdev.NewMockOpener(nil)
		opener.Error = errors.Join(usbdev.ErrInterfaceClaim, errors.New("busy"))
		s, err := Open(WithLayout(testLayout()), WithOpener(opener))
		require.NoError(t, err)
		defer s.Close()
		assert.ErrorIs(t, s.Connect(), ErrInterfaceClaim)
	})

	t.Run("close in every state", func(t *testing.T) {
		created := newTestSession(t, usbdev.NewTestableTransport())
		assert.NoError(t, created.Close())

		tr := usbdev.NewTestableTransport()
		connected := newTestSession(t, tr)
		require.NoError(t, connected.Connect())
		assert.NoError(t, connected.Close())
		assert.Equal(t, 1, tr.CloseCalls())
	})

	t.Run("close reports release error", func(t *testing.T) {
		tr := usbdev.NewTestableTransport()
		tr.CloseError = errors.New("release failed")
		s := newTestSession(t, tr)
		require.NoError(t, s.Connect())
		assert.Error(t, s.Close())
		assert.NoError(t, s.Close())
	})
}

func TestSessionReplay(t *testing.T) {
	l := testLayout()
	frame := buildFrame(l, testMeta, func(i int) int16 { return int16(i % 7) })

	var packets []usbdev.CapturePacket
	for off := 0; off < len(frame); off += l.ChunkSize {
		packets = append(packets, usbdev.CapturePacket{Data: frame[off : off+l.ChunkSize]})
	}
	opener := &usbdev.ReplayOpener{
		Reader:  usbdev.NewSliceCaptureReader(packets),
		Options: usbdev.ReplayOptions{WriteInterval: time.Millisecond, Hold: true},
	}
	s, err := Open(WithLayout(l), WithOpener(opener), WithStatsInterval(0))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Connect())
	require.NoError(t, s.StartStreaming())

	f, err := fetchWithin(t, s, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, testMeta, f.Metadata)
	assert.Equal(t, int16(3), f.Pixels[10])
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "State(9)", State(9).String())
}
