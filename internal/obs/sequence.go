package obs

import (
	"sync/atomic"
	"time"
)

// Sequence hands out increasing batch numbers used to correlate log lines of
// one dispatch.
type Sequence struct {
	next atomic.Uint64
}

// NewSequence seeds the sequence; zero seeds from the clock so restarts do
// not reuse numbers.
func NewSequence(seed uint64) *Sequence {
	if seed == 0 {
		seed = uint64(time.Now().UTC().UnixNano())
	}
	s := &Sequence{}
	s.next.Store(seed)
	return s
}

func (s *Sequence) Next() uint64 {
	if s == nil {
		return 0
	}
	return s.next.Add(1)
}
