package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/thermcap/internal/monitoring"
	"github.com/banshee-data/thermcap/internal/thermapp"
)

// frameSource is the part of a thermapp.Session the capture loop consumes.
type frameSource interface {
	FetchFrameContext(ctx context.Context) (*thermapp.Frame, error)
}

// frameRecorder persists delivered frames. journal.Journal implements it.
type frameRecorder interface {
	RecordFrame(runID string, seq int64, f *thermapp.Frame) error
}

type captureOptions struct {
	// DiscardFirst drops the first frame after connect, whose header is
	// repeated and whose pixels are shifted.
	DiscardFirst bool
	// FetchTimeout bounds each wait for a frame. Zero waits until ctx ends.
	FetchTimeout time.Duration
	// MaxFrames stops the loop after this many delivered frames. Zero is
	// unlimited.
	MaxFrames int
	// RunID identifies the journal run frames are recorded under.
	RunID string
}

// errFetchTimeout is returned when no frame arrives within FetchTimeout.
var errFetchTimeout = errors.New("no frame received")

// runCapture fetches frames from src until ctx is done, the stream ends or
// MaxFrames have been delivered. Each delivered frame is recorded to rec when
// it is non-nil. It returns the number of frames delivered.
func runCapture(ctx context.Context, src frameSource, rec frameRecorder, opts captureOptions) (int, error) {
	delivered := 0
	discard := opts.DiscardFirst
	for opts.MaxFrames <= 0 || delivered < opts.MaxFrames {
		f, err := fetch(ctx, src, opts.FetchTimeout)
		switch {
		case errors.Is(err, thermapp.ErrStreamEnded):
			monitoring.Logf("capture: stream ended after %d frames", delivered)
			return delivered, nil
		case ctx.Err() != nil:
			return delivered, nil
		case errors.Is(err, context.DeadlineExceeded):
			return delivered, fmt.Errorf("%w within %v", errFetchTimeout, opts.FetchTimeout)
		case err != nil:
			return delivered, err
		}

		if discard {
			discard = false
			monitoring.Debugf("capture: discarding first frame (counter %d)", f.FrameCount)
			continue
		}

		if rec != nil {
			if err := rec.RecordFrame(opts.RunID, int64(delivered), f); err != nil {
				monitoring.Logf("capture: failed to record frame %d: %v", f.FrameCount, err)
			}
		}
		delivered++
		monitoring.Debugf("capture: frame %d %.2f°C %s", f.FrameCount, f.Celsius(), f.Summary())
	}
	return delivered, nil
}

func fetch(ctx context.Context, src frameSource, timeout time.Duration) (*thermapp.Frame, error) {
	if timeout <= 0 {
		return src.FetchFrameContext(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return src.FetchFrameContext(ctx)
}
