package stream

// SequenceWindow reorders inbound media frames by their producer-assigned
// index. In-order frames pass straight through; out-of-order frames are held
// until the expected index arrives. When the hold buffer exceeds its limit
// the missing frame is presumed lost and the window skips ahead to the
// lowest buffered index.
//
// Not safe for concurrent use; the pump's read loop is the only caller.
type SequenceWindow struct {
	next    uint64
	primed  bool
	limit   int
	pending map[uint64][]byte
}

// NewSequenceWindow returns a window that buffers at most limit out-of-order
// frames before skipping ahead.
func NewSequenceWindow(limit int) *SequenceWindow {
	if limit < 1 {
		limit = 1
	}
	return &SequenceWindow{
		limit:   limit,
		pending: make(map[uint64][]byte, limit),
	}
}

// Push offers a frame and returns the frames now deliverable in order.
// The first frame ever pushed primes the expected index; frames older than
// the expected index are dropped as duplicates.
func (w *SequenceWindow) Push(seq uint64, frame []byte) [][]byte {
	if !w.primed {
		w.primed = true
		w.next = seq
	}
	if seq < w.next {
		return nil
	}
	if seq > w.next {
		if _, dup := w.pending[seq]; !dup {
			w.pending[seq] = frame
		}
		if len(w.pending) > w.limit {
			w.next = w.lowestPending()
			return w.drain()
		}
		return nil
	}

	out := [][]byte{frame}
	w.next++
	return append(out, w.drain()...)
}

// Pending reports how many out-of-order frames are currently held.
func (w *SequenceWindow) Pending() int {
	return len(w.pending)
}

// drain releases the run of consecutive buffered frames starting at the
// expected index.
func (w *SequenceWindow) drain() [][]byte {
	var out [][]byte
	for {
		frame, ok := w.pending[w.next]
		if !ok {
			return out
		}
		delete(w.pending, w.next)
		out = append(out, frame)
		w.next++
	}
}

func (w *SequenceWindow) lowestPending() uint64 {
	var low uint64
	first := true
	for seq := range w.pending {
		if first || seq < low {
			low = seq
			first = false
		}
	}
	return low
}
