package obs

import "sync/atomic"

// Sequence hands out monotonically increasing ids, used to number coalesced
// passes and supervised launches in the logs.
type Sequence struct {
	last uint64
}

// NewSequence returns a sequence whose first id is seed+1.
func NewSequence(seed uint64) *Sequence {
	return &Sequence{last: seed}
}

// Next returns the next id.
func (s *Sequence) Next() uint64 {
	if s == nil {
		return 0
	}
	return atomic.AddUint64(&s.last, 1)
}

// Current returns the last id handed out.
func (s *Sequence) Current() uint64 {
	if s == nil {
		return 0
	}
	return atomic.LoadUint64(&s.last)
}
