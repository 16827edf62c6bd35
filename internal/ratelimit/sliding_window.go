package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow keeps the timestamps of accepted requests and allows Max of
// them within any trailing Window.
type SlidingWindow struct {
	name   string
	max    int
	window time.Duration
	now    Clock

	mu   sync.Mutex
	logs map[string][]time.Time
}

func NewSlidingWindow(name string, max int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		name:   name,
		max:    max,
		window: window,
		now:    time.Now,
		logs:   make(map[string][]time.Time),
	}
}

func (s *SlidingWindow) WithClock(c Clock) *SlidingWindow {
	s.now = c
	return s
}

func (s *SlidingWindow) Name() string { return s.name }

func (s *SlidingWindow) Check(identifier string) Result {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	retained := s.retained(s.logs[key(s.name, identifier)], now)

	reset := now
	if len(retained) > 0 {
		reset = retained[0].Add(s.window)
	}

	return Result{
		Allowed:       len(retained) < s.max,
		Remaining:     maxInt(s.max-len(retained), 0),
		ResetTime:     reset,
		TotalRequests: len(retained),
	}
}

// Increment records a request at the current time and prunes expired entries.
func (s *SlidingWindow) Increment(identifier string) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(s.name, identifier)
	s.logs[k] = append(s.retained(s.logs[k], now), now)
}

func (s *SlidingWindow) Reset(identifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, key(s.name, identifier))
}

// retained returns the suffix of log newer than now-window. log is ordered.
func (s *SlidingWindow) retained(log []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	return log[i:]
}

func (s *SlidingWindow) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, log := range s.logs {
		if len(log) == 0 || now.Sub(log[len(log)-1]) > IdleTTL {
			delete(s.logs, k)
			removed++
		}
	}
	return removed
}
