package ratelimit

import (
	"sync"
	"time"
)

type backoffRecord struct {
	failures     int
	delay        time.Duration
	backoffUntil time.Time
	lastFailure  time.Time
}

// Backoff delays an identifier after consecutive failures. The delay starts
// at Initial and doubles per failure up to Max; after MaxAttempts failures the
// identifier is locked out for IdleTTL after the last failure, or until
// RecordSuccess or Reset.
type Backoff struct {
	name        string
	initial     time.Duration
	max         time.Duration
	maxAttempts int
	now         Clock

	mu      sync.Mutex
	records map[string]*backoffRecord
}

func NewBackoff(name string, initial, max time.Duration, maxAttempts int) *Backoff {
	return &Backoff{
		name:        name,
		initial:     initial,
		max:         max,
		maxAttempts: maxAttempts,
		now:         time.Now,
		records:     make(map[string]*backoffRecord),
	}
}

func (b *Backoff) WithClock(c Clock) *Backoff {
	b.now = c
	return b
}

func (b *Backoff) Name() string { return b.name }

func (b *Backoff) Check(identifier string) Result {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	k := key(b.name, identifier)
	rec, ok := b.records[k]
	if ok && rec.failures >= b.maxAttempts && !now.Before(rec.lastFailure.Add(IdleTTL)) {
		// lockout expired before the sweep got to it
		delete(b.records, k)
		ok = false
	}
	if !ok {
		return Result{Allowed: true, Remaining: b.maxAttempts, ResetTime: now}
	}

	res := Result{
		Remaining:     maxInt(b.maxAttempts-rec.failures, 0),
		ResetTime:     rec.backoffUntil,
		TotalRequests: rec.failures,
	}

	if rec.failures >= b.maxAttempts {
		res.ResetTime = rec.lastFailure.Add(IdleTTL)
		return res
	}

	res.Allowed = !now.Before(rec.backoffUntil)
	return res
}

// RecordFailure registers a failed attempt and pushes the backoff window out.
func (b *Backoff) RecordFailure(identifier string) {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	k := key(b.name, identifier)
	rec, ok := b.records[k]
	if !ok {
		rec = &backoffRecord{}
		b.records[k] = rec
	}

	if rec.delay == 0 {
		rec.delay = b.initial
	} else {
		rec.delay *= 2
	}
	if rec.delay > b.max {
		rec.delay = b.max
	}

	rec.failures++
	rec.lastFailure = now
	until := now.Add(rec.delay)
	if until.After(rec.backoffUntil) {
		rec.backoffUntil = until
	}
}

// RecordSuccess clears the identifier's history.
func (b *Backoff) RecordSuccess(identifier string) {
	b.Reset(identifier)
}

func (b *Backoff) Reset(identifier string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, key(b.name, identifier))
}

func (b *Backoff) Sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for k, rec := range b.records {
		if now.Sub(rec.lastFailure) > IdleTTL {
			delete(b.records, k)
			removed++
		}
	}
	return removed
}
