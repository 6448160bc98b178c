package thermapp

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/banshee-data/thermcap/internal/monitoring"
	"github.com/banshee-data/thermcap/internal/timeutil"
	"github.com/banshee-data/thermcap/internal/usbdev"
)

// channel identifies one of the two transfer channels.
type channel int

const (
	channelKeepAlive channel = iota
	channelData
)

func (c channel) String() string {
	if c == channelKeepAlive {
		return "keep-alive"
	}
	return "data"
}

// completion is posted by a transfer goroutine when its transfer finishes.
// The driving loop owns it once received.
type completion struct {
	ch  channel
	n   int
	err error
}

// StreamStats is a snapshot of the scheduler counters.
type StreamStats struct {
	KeepAlives      uint64 `json:"keep_alives"`
	Transfers       uint64 `json:"transfers"`
	BytesReceived   uint64 `json:"bytes_received"`
	FramesCompleted uint64 `json:"frames_completed"`
	ChunksDiscarded uint64 `json:"chunks_discarded"`
	ChunksSkipped   uint64 `json:"chunks_skipped"`
	ChannelErrors   uint64 `json:"channel_errors"`
}

type streamCounters struct {
	keepAlives      atomic.Uint64
	transfers       atomic.Uint64
	bytesReceived   atomic.Uint64
	framesCompleted atomic.Uint64
	chunksDiscarded atomic.Uint64
	chunksSkipped   atomic.Uint64
	channelErrors   atomic.Uint64
}

func (c *streamCounters) snapshot() StreamStats {
	return StreamStats{
		KeepAlives:      c.keepAlives.Load(),
		Transfers:       c.transfers.Load(),
		BytesReceived:   c.bytesReceived.Load(),
		FramesCompleted: c.framesCompleted.Load(),
		ChunksDiscarded: c.chunksDiscarded.Load(),
		ChunksSkipped:   c.chunksSkipped.Load(),
		ChannelErrors:   c.channelErrors.Load(),
	}
}

// scheduler keeps the keep-alive and data transfers in flight. Every
// submission runs the blocking transport call on its own goroutine, which
// posts a completion to events; run handles completions one at a time, so
// the synchroniser and the resubmission logic never run concurrently.
type scheduler struct {
	transport usbdev.Transport
	config    []byte
	sync      *Synchronizer
	exchange  *Exchange
	counters  *streamCounters
	events    chan completion
}

func newScheduler(t usbdev.Transport, config []byte, s *Synchronizer, e *Exchange, c *streamCounters) *scheduler {
	return &scheduler{
		transport: t,
		config:    config,
		sync:      s,
		exchange:  e,
		counters:  c,
		// One slot per channel: a channel has at most one transfer in
		// flight, so a completing transfer never blocks.
		events: make(chan completion, 2),
	}
}

// run drives both channels until both have been torn down, then ends the
// stream on the exchange. Cancelling ctx tears both channels down.
func (s *scheduler) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.submit(ctx, channelKeepAlive, s.config)
	s.submit(ctx, channelData, s.sync.Window())
	live := 2

	for live > 0 {
		c := <-s.events

		status := statusOf(c.err)
		if status == StatusCompleted && ctx.Err() != nil {
			status = StatusCancelled
		}
		if status != StatusCompleted {
			live--
			s.release(c, status, live)
			// Losing either channel ends the stream; cancel the other one
			// so it is released too.
			cancel()
			continue
		}

		switch c.ch {
		case channelKeepAlive:
			s.counters.keepAlives.Add(1)
			s.submit(ctx, channelKeepAlive, s.config)
		case channelData:
			s.handleData(c.n)
			s.submit(ctx, channelData, s.sync.Window())
		}
	}

	s.exchange.End()
	monitoring.Logf("thermapp: both transfer channels released, stream ended")
}

func (s *scheduler) handleData(n int) {
	s.counters.transfers.Add(1)
	s.counters.bytesReceived.Add(uint64(n))

	res := s.sync.Complete(n)
	if res.Discarded {
		s.counters.chunksDiscarded.Add(1)
		monitoring.Logf("thermapp: discarding partial transfer of size %d", n)
	}
	if res.Skipped > 0 {
		s.counters.chunksSkipped.Add(uint64(res.Skipped))
		monitoring.Debugf("thermapp: resync skipped %d chunks", res.Skipped)
	}
	if res.Completed {
		s.counters.framesCompleted.Add(1)
	}
}

func (s *scheduler) release(c completion, status TransferStatus, live int) {
	if status == StatusCancelled {
		monitoring.Debugf("thermapp: %s channel cancelled (%d still live)", c.ch, live)
		return
	}
	s.counters.channelErrors.Add(1)
	monitoring.Logf("thermapp: %s channel torn down: %s: %v (%d still live)", c.ch, status, c.err, live)
}

func (s *scheduler) submit(ctx context.Context, ch channel, buf []byte) {
	go func() {
		var n int
		var err error
		if ch == channelKeepAlive {
			n, err = s.transport.WriteBulk(ctx, buf)
		} else {
			n, err = s.transport.ReadBulk(ctx, buf)
		}
		s.events <- completion{ch: ch, n: n, err: err}
	}()
}

// logStats periodically logs stream counters until ctx is done.
func logStats(ctx context.Context, clock timeutil.Clock, interval time.Duration, counters *streamCounters, exchange *Exchange) {
	if interval <= 0 {
		return
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	last := counters.snapshot()
	lastAt := clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			cur := counters.snapshot()
			elapsed := clock.Since(lastAt).Seconds()
			fps := 0.0
			if elapsed > 0 {
				fps = float64(cur.FramesCompleted-last.FramesCompleted) / elapsed
			}
			ex := exchange.Stats()
			monitoring.Logf("thermapp: frames=%d (%.1f fps) fetched=%d dropped=%d bytes=%d discarded=%d skipped=%d keepalives=%d errors=%d",
				cur.FramesCompleted, fps, ex.Fetched, ex.Dropped, cur.BytesReceived,
				cur.ChunksDiscarded, cur.ChunksSkipped, cur.KeepAlives, cur.ChannelErrors)
			last = cur
			lastAt = clock.Now()
		}
	}
}
