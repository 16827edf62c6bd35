package ratelimit

import (
	"sync"
	"time"
)

type fixedRecord struct {
	count     int
	lastReset time.Time
	lastSeen  time.Time
}

// FixedWindow allows Max requests per Window, counted from the first request
// of the window.
type FixedWindow struct {
	name   string
	max    int
	window time.Duration
	now    Clock

	mu      sync.Mutex
	records map[string]*fixedRecord
}

func NewFixedWindow(name string, max int, window time.Duration) *FixedWindow {
	return &FixedWindow{
		name:    name,
		max:     max,
		window:  window,
		now:     time.Now,
		records: make(map[string]*fixedRecord),
	}
}

// WithClock replaces the time source. Used by tests.
func (f *FixedWindow) WithClock(c Clock) *FixedWindow {
	f.now = c
	return f
}

func (f *FixedWindow) Name() string { return f.name }

// Check reports whether another request fits in the current window. An
// expired window is reset here so the next Increment starts a fresh count.
func (f *FixedWindow) Check(identifier string) Result {
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[key(f.name, identifier)]
	if !ok {
		return Result{Allowed: f.max > 0, Remaining: f.max, ResetTime: now.Add(f.window)}
	}

	if now.Sub(rec.lastReset) >= f.window {
		rec.count = 0
		rec.lastReset = now
	}

	return Result{
		Allowed:       rec.count < f.max,
		Remaining:     maxInt(f.max-rec.count, 0),
		ResetTime:     rec.lastReset.Add(f.window),
		TotalRequests: rec.count,
	}
}

// Increment counts one request. Call it only after an allowed Check.
func (f *FixedWindow) Increment(identifier string) {
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	k := key(f.name, identifier)
	rec, ok := f.records[k]
	if !ok {
		rec = &fixedRecord{lastReset: now}
		f.records[k] = rec
	}
	if now.Sub(rec.lastReset) >= f.window {
		rec.count = 0
		rec.lastReset = now
	}
	rec.count++
	rec.lastSeen = now
}

// Reset forgets identifier entirely.
func (f *FixedWindow) Reset(identifier string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, key(f.name, identifier))
}

func (f *FixedWindow) Sweep(now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	for k, rec := range f.records {
		if now.Sub(rec.lastSeen) > IdleTTL {
			delete(f.records, k)
			removed++
		}
	}
	return removed
}

func (f *FixedWindow) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}
