package vad

// ring is a bounded FIFO of frames. Pushing onto a full ring evicts the
// oldest frame; a ring of capacity zero holds nothing.
type ring struct {
	buf   [][]byte
	head  int // index of the oldest frame
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([][]byte, max(capacity, 0))}
}

func (r *ring) len() int { return r.count }

func (r *ring) push(frame []byte) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = frame
		r.count++
		return
	}
	r.buf[r.head] = frame
	r.head = (r.head + 1) % len(r.buf)
}

// frames returns the held frames oldest first without removing them.
func (r *ring) frames() [][]byte {
	out := make([][]byte, r.count)
	for i := range r.count {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// drain returns the held frames oldest first and empties the ring.
func (r *ring) drain() [][]byte {
	out := r.frames()
	r.reset()
	return out
}

func (r *ring) reset() {
	clear(r.buf)
	r.head, r.count = 0, 0
}
