// Package queue keeps the live waiting line of each practitioner's day.
//
// Entries exist from check-in until the appointment completes, is cancelled
// or is marked no-show. Positions are always 1..N by check-in time.
package queue

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

var ErrEntryNotFound = errors.New("queue entry not found")

type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
)

type Entry struct {
	AppointmentID        uuid.UUID  `json:"appointment_id"`
	RequesterID          uuid.UUID  `json:"requester_id"`
	PractitionerID       uuid.UUID  `json:"practitioner_id"`
	Date                 string     `json:"date"`
	Position             int        `json:"position"`
	EstimatedWaitMinutes int        `json:"estimated_wait_minutes"`
	Status               Status     `json:"status"`
	CheckedInAt          time.Time  `json:"checked_in_at"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
}

// Store persists the entries of one practitioner's day.
type Store interface {
	List(ctx context.Context, practitionerID uuid.UUID, date string) ([]Entry, error)
	// Save writes upsert and deletes remove in one step.
	Save(ctx context.Context, practitionerID uuid.UUID, date string, upsert []Entry, remove []uuid.UUID) error
	// Observe records a completed consultation's length, keeping the most
	// recent observedWindow per practitioner.
	Observe(ctx context.Context, practitionerID uuid.UUID, d time.Duration) error
	// Observed returns the retained lengths, newest first.
	Observed(ctx context.Context, practitionerID uuid.UUID) ([]time.Duration, error)
}

// rank orders entries by check-in time and assigns positions 1..N and
// estimated waits. Position k waits k times avg, less the time the entry
// being served has already taken, never below zero. The entry being served
// waits zero.
func rank(entries []Entry, avg time.Duration, now time.Time) []Entry {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CheckedInAt.Equal(entries[j].CheckedInAt) {
			return entries[i].CheckedInAt.Before(entries[j].CheckedInAt)
		}
		return entries[i].AppointmentID.String() < entries[j].AppointmentID.String()
	})

	var elapsed time.Duration
	for _, e := range entries {
		if e.Status == StatusInProgress && e.StartedAt != nil {
			if d := now.Sub(*e.StartedAt); d > elapsed {
				elapsed = d
			}
		}
	}

	for i := range entries {
		entries[i].Position = i + 1
		if entries[i].Status == StatusInProgress {
			entries[i].EstimatedWaitMinutes = 0
			continue
		}
		wait := time.Duration(i+1)*avg - elapsed
		if wait < 0 {
			wait = 0
		}
		entries[i].EstimatedWaitMinutes = int(math.Ceil(wait.Minutes()))
	}
	return entries
}

// moved reports whether a client watching e would see a difference.
func moved(before, after Entry) bool {
	return before.Position != after.Position ||
		before.EstimatedWaitMinutes != after.EstimatedWaitMinutes ||
		before.Status != after.Status
}

// same reports whether two entries would serialize identically.
func same(a, b Entry) bool {
	if moved(a, b) || !a.CheckedInAt.Equal(b.CheckedInAt) {
		return false
	}
	switch {
	case a.StartedAt == nil && b.StartedAt == nil:
		return true
	case a.StartedAt == nil || b.StartedAt == nil:
		return false
	}
	return a.StartedAt.Equal(*b.StartedAt)
}
