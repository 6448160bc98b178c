package thermapp

import (
	"context"
	"sync"
)

// Exchange is a single-slot mailbox between the synchroniser, which publishes
// completed frame buffers, and the consumer, which fetches them.
//
// The two capture buffers move between the producer and the exchange by
// ownership transfer under mu: Publish hands in a completed buffer and takes
// back the previous one. A consumer only ever reads the completed buffer
// while holding mu, so the producer cannot get it back mid-read.
type Exchange struct {
	mu        sync.Mutex
	cond      *sync.Cond
	completed []byte
	fresh     bool
	ended     bool

	published uint64
	fetched   uint64
	dropped   uint64
}

// NewExchange creates an exchange holding spare as the initial completed
// buffer. spare carries no frame until the first Publish.
func NewExchange(spare []byte) *Exchange {
	e := &Exchange{completed: spare}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Publish swaps buf in as the completed frame, wakes any waiting consumer and
// returns the buffer it replaced, which now belongs to the caller. A frame
// that was never fetched is overwritten and counted as dropped.
func (e *Exchange) Publish(buf []byte) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fresh {
		e.dropped++
	}
	prev := e.completed
	e.completed = buf
	e.fresh = true
	e.published++
	e.cond.Broadcast()
	return prev
}

// Fetch blocks until a frame newer than the last fetched one is available or
// the stream has ended, then calls visit with the completed buffer. visit
// must copy what it needs; the buffer is reused once Fetch returns.
//
// The end of the stream takes priority over an unfetched frame. A nil or
// never-cancelled ctx waits indefinitely.
func (e *Exchange) Fetch(ctx context.Context, visit func(frame []byte)) error {
	if ctx != nil && ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			e.mu.Lock()
			e.cond.Broadcast()
			e.mu.Unlock()
		})
		defer stop()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for !e.fresh && !e.ended {
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		e.cond.Wait()
	}
	if e.ended {
		return ErrStreamEnded
	}

	visit(e.completed)
	e.fresh = false
	e.fetched++
	return nil
}

// End sets the completion flag and wakes every waiting consumer. It is safe to
// call more than once.
func (e *Exchange) End() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ended = true
	e.cond.Broadcast()
}

// Ended reports whether the completion flag is set.
func (e *Exchange) Ended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ended
}

// ExchangeStats counts mailbox traffic.
type ExchangeStats struct {
	Published uint64 `json:"published"`
	Fetched   uint64 `json:"fetched"`
	Dropped   uint64 `json:"dropped"`
}

// Stats returns the mailbox counters.
func (e *Exchange) Stats() ExchangeStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ExchangeStats{Published: e.published, Fetched: e.fetched, Dropped: e.dropped}
}
