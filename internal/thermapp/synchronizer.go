package thermapp

// Synchronizer assembles frames from bulk-in completions. It owns the
// in-progress capture buffer, tells the scheduler where the next transfer
// should land, and publishes the buffer to the exchange once a full frame has
// been accumulated from a verified marker.
//
// It is driven from a single goroutine and is not safe for concurrent use.
type Synchronizer struct {
	layout    Layout
	frameSize int
	exchange  *Exchange

	buf    []byte
	cursor int
}

// ChunkResult describes what the synchroniser did with one completion.
type ChunkResult struct {
	// Discarded is set when the completion was not a whole number of
	// chunks; it and all progress on the current frame were dropped.
	Discarded bool
	// Skipped is the number of chunks dropped while searching for the
	// frame marker.
	Skipped int
	// Completed is set when the completion finished a frame.
	Completed bool
}

// NewSynchronizer creates a synchroniser filling buf, which must be
// layout.FrameSize() bytes long.
func NewSynchronizer(layout Layout, buf []byte, exchange *Exchange) *Synchronizer {
	return &Synchronizer{
		layout:    layout,
		frameSize: layout.FrameSize(),
		exchange:  exchange,
		buf:       buf,
	}
}

// Window returns the region the next bulk-in transfer must fill: it starts at
// the write cursor and never asks for more than the current frame still
// needs, bounded by the transfer size.
func (s *Synchronizer) Window() []byte {
	n := s.frameSize - s.cursor
	if n > s.layout.TransferSize {
		n = s.layout.TransferSize
	}
	return s.buf[s.cursor : s.cursor+n]
}

// Cursor returns the number of bytes accumulated for the current frame.
func (s *Synchronizer) Cursor() int { return s.cursor }

// Complete accounts for n bytes written by the device into the last Window.
func (s *Synchronizer) Complete(n int) ChunkResult {
	var res ChunkResult

	if n%s.layout.ChunkSize != 0 {
		// The device only sends whole chunks. A short completion means the
		// stream is misaligned; start over from a fresh marker.
		s.cursor = 0
		res.Discarded = true
		return res
	}
	if n == 0 {
		return res
	}

	length := s.cursor + n
	if s.cursor == 0 {
		start := 0
		for length-start >= s.layout.ChunkSize && !HasMarker(s.buf[start:length]) {
			start += s.layout.ChunkSize
		}
		res.Skipped = start / s.layout.ChunkSize
		if start > 0 {
			copy(s.buf, s.buf[start:length])
			length -= start
		}
	}

	if length == s.frameSize {
		s.buf = s.exchange.Publish(s.buf)
		length = 0
		res.Completed = true
	}
	s.cursor = length
	return res
}
