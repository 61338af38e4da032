package feed

import "sync/atomic"

// LogSampler lets one event in every N through to the log.
type LogSampler struct {
	every uint64
	seen  atomic.Uint64
}

// NewLogSampler samples the first event and then every nth one.
func NewLogSampler(every int) *LogSampler {
	if every <= 0 {
		every = 1
	}
	return &LogSampler{every: uint64(every)}
}

// Sample counts an event and reports whether it should be logged, together
// with the running total.
func (s *LogSampler) Sample() (bool, uint64) {
	n := s.seen.Add(1)
	return n == 1 || n%s.every == 0, n
}

// Seen returns the number of events counted so far.
func (s *LogSampler) Seen() uint64 {
	return s.seen.Load()
}
