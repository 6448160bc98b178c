package usbdev

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TestableTransport implements Transport with scripted behaviour for testing.
// Inbound data and errors are queued in order; reads block on an empty queue
// until more is queued, the context is cancelled, or the transport is closed.
type TestableTransport struct {
	mu sync.Mutex

	queue    []readItem
	wake     chan struct{}
	closedCh chan struct{}
	closed   bool

	// WriteLatency delays every write. NewTestableTransport sets a small
	// default so keep-alive loops do not spin.
	WriteLatency time.Duration

	// WriteError is returned by every write while set.
	WriteError error

	// CloseError is returned by Close if set.
	CloseError error

	reads      int
	writes     int
	lastWrite  []byte
	closeCalls int
}

type readItem struct {
	data []byte
	err  error
}

// NewTestableTransport creates an empty TestableTransport.
func NewTestableTransport() *TestableTransport {
	return &TestableTransport{
		wake:         make(chan struct{}, 1),
		closedCh:     make(chan struct{}),
		WriteLatency: time.Millisecond,
	}
}

// AddReadData queues data to be returned by subsequent reads. A read returns
// at most one queued item; an item larger than the read buffer is split.
func (t *TestableTransport) AddReadData(data ...[]byte) {
	t.mu.Lock()
	for _, d := range data {
		buf := make([]byte, len(d))
		copy(buf, d)
		t.queue = append(t.queue, readItem{data: buf})
	}
	t.mu.Unlock()
	t.signal()
}

// AddReadError queues err to be returned by a read, in order with the data.
func (t *TestableTransport) AddReadError(err error) {
	t.mu.Lock()
	t.queue = append(t.queue, readItem{err: err})
	t.mu.Unlock()
	t.signal()
}

func (t *TestableTransport) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// ReadBulk implements Transport.
func (t *TestableTransport) ReadBulk(ctx context.Context, p []byte) (int, error) {
	t.mu.Lock()
	t.reads++
	t.mu.Unlock()

	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return 0, ErrClosed
		}
		if len(t.queue) > 0 {
			item := t.queue[0]
			if item.err != nil {
				t.queue = t.queue[1:]
				t.mu.Unlock()
				return 0, item.err
			}
			n := copy(p, item.data)
			if n < len(item.data) {
				t.queue[0].data = item.data[n:]
			} else {
				t.queue = t.queue[1:]
			}
			t.mu.Unlock()
			return n, nil
		}
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		case <-t.closedCh:
			return 0, ErrClosed
		case <-t.wake:
		}
	}
}

// WriteBulk implements Transport.
func (t *TestableTransport) WriteBulk(ctx context.Context, p []byte) (int, error) {
	t.mu.Lock()
	latency := t.WriteLatency
	t.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	if t.WriteError != nil {
		return 0, t.WriteError
	}
	t.writes++
	t.lastWrite = append(t.lastWrite[:0], p...)
	return len(p), nil
}

// Close marks the transport closed and wakes blocked readers.
func (t *TestableTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCalls++
	if !t.closed {
		t.closed = true
		close(t.closedCh)
	}
	return t.CloseError
}

// SetWriteError sets WriteError under the transport lock.
func (t *TestableTransport) SetWriteError(err error) {
	t.mu.Lock()
	t.WriteError = err
	t.mu.Unlock()
}

// Pending returns the number of queued read items not yet consumed.
func (t *TestableTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Reads returns the number of ReadBulk calls.
func (t *TestableTransport) Reads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reads
}

// Writes returns the number of successful writes.
func (t *TestableTransport) Writes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes
}

// LastWrite returns a copy of the most recent successful write.
func (t *TestableTransport) LastWrite() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, len(t.lastWrite))
	copy(out, t.lastWrite)
	return out
}

// CloseCalls returns the number of Close calls.
func (t *TestableTransport) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

// MockOpener implements Opener for testing.
type MockOpener struct {
	mu sync.Mutex

	// Transport is returned from Open.
	Transport Transport

	// Error is returned by Open if set.
	Error error

	// OpenCalls records all Open calls.
	OpenCalls []DeviceSpec
}

// NewMockOpener creates a MockOpener returning t.
func NewMockOpener(t Transport) *MockOpener {
	return &MockOpener{Transport: t}
}

// Open records the call and returns the configured transport or error.
func (o *MockOpener) Open(spec DeviceSpec) (Transport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.OpenCalls = append(o.OpenCalls, spec)
	if o.Error != nil {
		return nil, o.Error
	}
	return o.Transport, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (o *MockOpener) LastCall() *DeviceSpec {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.OpenCalls) == 0 {
		return nil
	}
	spec := o.OpenCalls[len(o.OpenCalls)-1]
	return &spec
}
