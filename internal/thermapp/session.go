// Package thermapp captures frames from a ThermApp USB thermal sensor.
//
// A Session keeps two bulk transfers in flight: a keep-alive that resends the
// configuration packet and a data transfer whose completions are resynchronised
// to the frame marker and assembled into frames. The latest completed frame is
// handed to a single consumer through FetchFrame.
package thermapp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/thermcap/internal/monitoring"
	"github.com/banshee-data/thermcap/internal/timeutil"
	"github.com/banshee-data/thermcap/internal/usbdev"
)

// maxFrameSize bounds the capture buffers a layout may ask for.
const maxFrameSize = 64 << 20

// DefaultStatsInterval is how often a streaming session logs its counters.
const DefaultStatsInterval = 30 * time.Second

// State is the lifecycle state of a Session.
type State int32

const (
	StateCreated State = iota
	StateConnected
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type options struct {
	layout        Layout
	opener        usbdev.Opener
	clock         timeutil.Clock
	statsInterval time.Duration
}

// Option configures a Session.
type Option func(*options)

// WithLayout overrides the frame layout. Mainly useful for tests.
func WithLayout(l Layout) Option {
	return func(o *options) { o.layout = l }
}

// WithOpener sets how the device is opened. The default opens the sensor
// through libusb.
func WithOpener(op usbdev.Opener) Option {
	return func(o *options) { o.opener = op }
}

// WithClock sets the clock used for frame timestamps and stats logging.
func WithClock(c timeutil.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithStatsInterval sets how often stream counters are logged. Zero or
// negative disables periodic logging.
func WithStatsInterval(d time.Duration) Option {
	return func(o *options) { o.statsInterval = d }
}

// Session owns one sensor connection and everything needed to stream from
// it. All methods are safe for concurrent use; FetchFrame is meant to be
// called from a single consumer.
type Session struct {
	layout        Layout
	opener        usbdev.Opener
	clock         timeutil.Clock
	statsInterval time.Duration

	config   []byte
	sync     *Synchronizer
	exchange *Exchange
	counters streamCounters

	mu        sync.Mutex
	state     State
	transport usbdev.Transport
	cancel    context.CancelFunc
	done      chan struct{}

	meta atomic.Pointer[Metadata]
	last atomic.Pointer[Frame]
}

// Open sizes and allocates the capture buffers and the configuration packet.
// It does not touch the device.
func Open(opts ...Option) (*Session, error) {
	o := options{
		layout:        DefaultLayout(),
		clock:         timeutil.RealClock{},
		statsInterval: DefaultStatsInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.opener == nil {
		o.opener = usbdev.NewGousbOpener()
	}

	if err := o.layout.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocation, err)
	}
	frameSize := o.layout.FrameSize()
	if frameSize > maxFrameSize {
		return nil, fmt.Errorf("%w: frame size %d exceeds %d bytes", ErrAllocation, frameSize, maxFrameSize)
	}

	s := &Session{
		layout:        o.layout,
		opener:        o.opener,
		clock:         o.clock,
		statsInterval: o.statsInterval,
		config:        DefaultConfigPacket(o.layout).Bytes(),
		state:         StateCreated,
	}
	s.exchange = NewExchange(make([]byte, frameSize))
	s.sync = NewSynchronizer(o.layout, make([]byte, frameSize), s.exchange)
	return s, nil
}

// Connect locates the sensor, selects its configuration and claims its
// interface. A failed Connect leaves the session unusable except for Close.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCreated:
	case StateClosed:
		return ErrClosed
	default:
		return fmt.Errorf("session already %s", s.state)
	}

	t, err := s.opener.Open(DeviceSpec)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", DeviceSpec, err)
	}
	s.transport = t
	s.state = StateConnected
	monitoring.Logf("thermapp: connected to %s", DeviceSpec)
	return nil
}

// StartStreaming submits both transfers and starts the goroutine that drives
// them. Frames become available through FetchFrame.
func (s *Session) StartStreaming() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return fmt.Errorf("%w: session is %s", ErrStartStreaming, s.state)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	sched := newScheduler(s.transport, s.config, s.sync, s.exchange, &s.counters)

	go func() {
		defer close(done)
		statsDone := make(chan struct{})
		go func() {
			defer close(statsDone)
			logStats(ctx, s.clock, s.statsInterval, &s.counters, s.exchange)
		}()
		sched.run(ctx)
		cancel()
		<-statsDone
	}()

	s.cancel = cancel
	s.done = done
	s.state = StateStreaming
	monitoring.Logf("thermapp: streaming %dx%d frames of %d bytes", s.layout.Width, s.layout.Height, s.layout.FrameSize())
	return nil
}

// FetchFrame blocks until a frame newer than the last one fetched is
// available and returns a copy of it. Once both transfers have stopped,
// whether through a device error or Close, it returns ErrStreamEnded.
//
// There is no timeout: a device that stalls without failing its transfers
// leaves the caller blocked until Close. Use FetchFrameContext to bound the
// wait.
func (s *Session) FetchFrame() (*Frame, error) {
	return s.FetchFrameContext(context.Background())
}

// FetchFrameContext is FetchFrame with a context bounding the wait. When ctx
// is done first its error is returned.
func (s *Session) FetchFrameContext(ctx context.Context) (*Frame, error) {
	var f *Frame
	err := s.exchange.Fetch(ctx, func(buf []byte) {
		f = decodeFrame(buf, s.layout, s.clock.Now())
	})
	if err != nil {
		return nil, err
	}
	m := f.Metadata
	s.meta.Store(&m)
	s.last.Store(f)
	return f, nil
}

// Close stops streaming, wakes any blocked FetchFrame and releases the
// device. It is safe to call in any state and more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	prev := s.state
	s.state = StateClosed
	cancel, done, transport := s.cancel, s.done, s.transport
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.exchange.End()

	var err error
	if transport != nil {
		if err = transport.Close(); err != nil {
			err = fmt.Errorf("release device: %w", err)
		}
	}
	monitoring.Logf("thermapp: session closed (was %s)", prev)
	return err
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Layout returns the frame layout the session was opened with.
func (s *Session) Layout() Layout { return s.layout }

// Metadata returns the header fields of the last fetched frame and whether a
// frame has been fetched yet.
func (s *Session) Metadata() (Metadata, bool) {
	m := s.meta.Load()
	if m == nil {
		return Metadata{}, false
	}
	return *m, true
}

// SerialNumber returns the serial number from the last fetched frame.
func (s *Session) SerialNumber() uint32 {
	m, _ := s.Metadata()
	return m.SerialNumber
}

func (s *Session) HardwareVersion() uint16 {
	m, _ := s.Metadata()
	return m.HardwareVersion
}

func (s *Session) FirmwareVersion() uint16 {
	m, _ := s.Metadata()
	return m.FirmwareVersion
}

// FrameCount returns the device frame counter from the last fetched frame.
func (s *Session) FrameCount() uint16 {
	m, _ := s.Metadata()
	return m.FrameCount
}

// Temperature returns the sensor temperature in degrees Celsius reported by
// the last fetched frame.
func (s *Session) Temperature() float64 {
	m, _ := s.Metadata()
	return m.Celsius()
}

// LastFrame returns the last fetched frame, or nil.
func (s *Session) LastFrame() *Frame {
	return s.last.Load()
}

// Stats combines the transfer counters with the exchange counters.
type Stats struct {
	State    string        `json:"state"`
	Stream   StreamStats   `json:"stream"`
	Exchange ExchangeStats `json:"exchange"`
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		State:    s.State().String(),
		Stream:   s.counters.snapshot(),
		Exchange: s.exchange.Stats(),
	}
}
