package syncengine

import "sync/atomic"

// Sequence allocates order numbers.
//
// Numbers are strictly increasing within a session. The only way a number
// comes back is Release of the latest allocation, which a failed create uses
// so the next order does not leave a gap.
//
// Thread-safety: Sequence is safe for concurrent use (atomic operations).
type Sequence struct {
	n atomic.Int64
}

// NewSequence creates a sequence whose next number is 1.
func NewSequence() *Sequence {
	return &Sequence{}
}

// Next allocates the next number.
func (s *Sequence) Next() int {
	return int(s.n.Add(1))
}

// Current returns the last allocated number.
func (s *Sequence) Current() int {
	return int(s.n.Load())
}

// Release gives n back if it is still the latest allocation. It reports
// whether the number was released.
func (s *Sequence) Release(n int) bool {
	return s.n.CompareAndSwap(int64(n), int64(n-1))
}

// Raise moves the sequence up to at least to. It never lowers it.
func (s *Sequence) Raise(to int) {
	for {
		cur := s.n.Load()
		if int64(to) <= cur {
			return
		}
		if s.n.CompareAndSwap(cur, int64(to)) {
			return
		}
	}
}

// Reset starts a new session at zero.
func (s *Sequence) Reset() {
	s.n.Store(0)
}
