package appointment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/consultation-queue/internal/events"
)

type Status string

const (
	StatusBooked     Status = "booked"
	StatusConfirmed  Status = "confirmed"
	StatusCheckedIn  Status = "checked_in"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

// transitions lists the statuses reachable from each non-terminal status.
var transitions = map[Status][]Status{
	StatusBooked:     {StatusConfirmed, StatusCheckedIn, StatusCancelled, StatusNoShow},
	StatusConfirmed:  {StatusCheckedIn, StatusCancelled, StatusNoShow},
	StatusCheckedIn:  {StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow},
	StatusInProgress: {StatusCompleted, StatusCancelled, StatusNoShow},
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusBooked, StatusConfirmed, StatusCheckedIn, StatusInProgress,
		StatusCompleted, StatusCancelled, StatusNoShow:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, s)
}

func (s Status) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// Active reports whether an appointment in this status still holds its
// interval on the practitioner's calendar.
func (s Status) Active() bool {
	return s != StatusCancelled && s != StatusNoShow
}

// Queued reports whether the appointment has a live queue entry.
func (s Status) Queued() bool {
	return s == StatusCheckedIn || s == StatusInProgress
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError reports a status change the lifecycle does not allow.
// It matches ErrInvalidTransition with errors.Is.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority accepts any casing and defaults an empty value to normal.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, s)
}

type Practitioner struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Requester struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	Phone     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Appointment struct {
	ID             uuid.UUID
	RequesterID    uuid.UUID
	PractitionerID uuid.UUID
	Date           time.Time // midnight of the calendar day
	StartTime      time.Time
	EndTime        time.Time
	Status         Status
	Priority       Priority
	Reason         string
	CheckInToken   string
	CancelReason   string
	CheckedInAt    *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CancelledAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DateKey is the calendar day as YYYY-MM-DD, used in lock and queue keys.
func (a Appointment) DateKey() string {
	return DateKey(a.Date)
}

func (a Appointment) Interval() Interval {
	return Interval{Start: a.StartTime, End: a.EndTime}
}

func (a Appointment) payload(previous Status) events.AppointmentPayload {
	p := events.AppointmentPayload{
		AppointmentID:  a.ID.String(),
		RequesterID:    a.RequesterID.String(),
		PractitionerID: a.PractitionerID.String(),
		Date:           a.DateKey(),
		StartTime:      a.StartTime,
		EndTime:        a.EndTime,
		Status:         string(a.Status),
		Priority:       string(a.Priority),
		Reason:         a.Reason,
	}
	if previous != "" && previous != a.Status {
		p.PreviousStatus = string(previous)
	}
	return p
}

// StatusChange carries what a status update records besides the status.
type StatusChange struct {
	At     time.Time
	Reason string // cancellation reason
}

// apply stamps the lifecycle timestamp matching to onto a.
func (c StatusChange) apply(a *Appointment, to Status) {
	at := c.At
	a.Status = to
	a.UpdatedAt = at
	switch to {
	case StatusCheckedIn:
		a.CheckedInAt = &at
	case StatusInProgress:
		a.StartedAt = &at
	case StatusCompleted:
		a.CompletedAt = &at
	case StatusCancelled, StatusNoShow:
		a.CancelledAt = &at
		if c.Reason != "" {
			a.CancelReason = c.Reason
		}
	}
}

func DateKey(t time.Time) string {
	return t.Format(time.DateOnly)
}

var errEmptyID = errors.New("empty id")

// ParseID parses a path or body identifier, reporting ErrInvalidRequest.
func ParseID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidRequest, errEmptyID)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return id, nil
}
