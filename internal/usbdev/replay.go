package usbdev

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/thermcap/internal/monitoring"
	"github.com/banshee-data/thermcap/internal/timeutil"
)

// CapturePacket is one recorded bulk-in completion.
type CapturePacket struct {
	Data      []byte
	Timestamp time.Time
}

// CaptureReader yields recorded bulk-in completions in capture order.
// This abstraction enables replay without a real capture file.
type CaptureReader interface {
	// Next returns the next packet, or io.EOF when the capture is exhausted.
	Next() (*CapturePacket, error)
	// Close releases the underlying capture.
	Close() error
}

// SliceCaptureReader is a CaptureReader over packets held in memory.
type SliceCaptureReader struct {
	mu      sync.Mutex
	packets []CapturePacket
	index   int
	closed  bool
}

// NewSliceCaptureReader creates a reader returning packets in order.
func NewSliceCaptureReader(packets []CapturePacket) *SliceCaptureReader {
	return &SliceCaptureReader{packets: packets}
}

// Next implements CaptureReader.
func (r *SliceCaptureReader) Next() (*CapturePacket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("capture reader closed")
	}
	if r.index >= len(r.packets) {
		return nil, io.EOF
	}
	pkt := r.packets[r.index]
	r.index++
	return &pkt, nil
}

// Close implements CaptureReader.
func (r *SliceCaptureReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// ReplayOptions configures a ReplayTransport.
type ReplayOptions struct {
	// Realtime paces reads by the gaps between capture timestamps.
	Realtime bool
	// WriteInterval is how long each keep-alive write takes to complete.
	// Zero uses DefaultReplayWriteInterval.
	WriteInterval time.Duration
	// Clock drives pacing. Nil uses the real clock.
	Clock timeutil.Clock
	// Hold blocks reads once the capture is exhausted instead of failing
	// them, so the last frame stays available until the session is closed.
	Hold bool
}

// DefaultReplayWriteInterval approximates the device's keep-alive pacing.
const DefaultReplayWriteInterval = 10 * time.Millisecond

// ReplayTransport is a Transport that serves recorded bulk-in data and
// discards writes. When the capture is exhausted reads fail with ErrNoDevice,
// which ends the stream the same way an unplugged device does.
type ReplayTransport struct {
	reader   CaptureReader
	clock    timeutil.Clock
	realtime bool
	hold     bool
	interval time.Duration

	mu       sync.Mutex
	pending  []byte
	lastTS   time.Time
	packets  int
	writes   int
	closed   bool
	closedCh chan struct{}
}

// NewReplayTransport wraps reader.
func NewReplayTransport(reader CaptureReader, opts ReplayOptions) *ReplayTransport {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	interval := opts.WriteInterval
	if interval <= 0 {
		interval = DefaultReplayWriteInterval
	}
	return &ReplayTransport{
		reader:   reader,
		clock:    clock,
		realtime: opts.Realtime,
		hold:     opts.Hold,
		interval: interval,
		closedCh: make(chan struct{}),
	}
}

// ReadBulk implements Transport. A recorded completion larger than p is split
// across reads.
func (r *ReplayTransport) ReadBulk(ctx context.Context, p []byte) (int, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrClosed
	}
	if len(r.pending) > 0 {
		n := copy(p, r.pending)
		r.pending = r.pending[n:]
		r.mu.Unlock()
		return n, nil
	}
	r.mu.Unlock()

	pkt, err := r.reader.Next()
	if errors.Is(err, io.EOF) {
		if r.hold {
			return 0, r.holdOpen(ctx)
		}
		monitoring.Logf("usbdev: replay exhausted after %d packets", r.Packets())
		return 0, fmt.Errorf("%w: end of capture", ErrNoDevice)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransfer, err)
	}

	if err := r.pace(ctx, pkt.Timestamp); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets++
	n := copy(p, pkt.Data)
	if n < len(pkt.Data) {
		r.pending = append(r.pending[:0], pkt.Data[n:]...)
	}
	return n, nil
}

func (r *ReplayTransport) pace(ctx context.Context, ts time.Time) error {
	r.mu.Lock()
	last := r.lastTS
	r.lastTS = ts
	r.mu.Unlock()

	if !r.realtime || last.IsZero() || ts.IsZero() {
		return nil
	}
	gap := ts.Sub(last)
	if gap <= 0 {
		return nil
	}
	return r.wait(ctx, gap)
}

func (r *ReplayTransport) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case <-r.closedCh:
		return ErrClosed
	case <-r.clock.After(d):
		return nil
	}
}

// holdOpen blocks until ctx is done or the transport is closed.
func (r *ReplayTransport) holdOpen(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case <-r.closedCh:
		return ErrClosed
	}
}

// WriteBulk implements Transport. The payload is discarded after the write
// interval elapses.
func (r *ReplayTransport) WriteBulk(ctx context.Context, p []byte) (int, error) {
	if err := r.wait(ctx, r.interval); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	r.writes++
	return len(p), nil
}

// Close closes the capture reader.
func (r *ReplayTransport) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.closedCh)
	r.mu.Unlock()
	return r.reader.Close()
}

// Packets returns the number of capture packets served.
func (r *ReplayTransport) Packets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packets
}

// Writes returns the number of keep-alive writes absorbed.
func (r *ReplayTransport) Writes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

// ReplayOpener opens a ReplayTransport in place of a device. The spec is
// recorded but not matched against the capture.
type ReplayOpener struct {
	Reader  CaptureReader
	Options ReplayOptions
}

// Open implements Opener.
func (o *ReplayOpener) Open(spec DeviceSpec) (Transport, error) {
	if o.Reader == nil {
		return nil, fmt.Errorf("%w: no capture to replay for %s", ErrDeviceNotFound, spec)
	}
	monitoring.Logf("usbdev: replaying capture in place of %s (realtime=%v)", spec, o.Options.Realtime)
	return NewReplayTransport(o.Reader, o.Options), nil
}
