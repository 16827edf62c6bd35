package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrReferenceNotFound   = errors.New("practitioner or requester not found")
	ErrStoreUnavailable    = errors.New("store unavailable, try again shortly")
)

// Repository contains all persistence needed by the service.
type Repository interface {
	// Create inserts a BOOKED appointment. Implementations refuse an active
	// appointment overlapping another for the same practitioner with
	// ErrSlotUnavailable.
	Create(ctx context.Context, appt *Appointment) error

	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetByCheckInToken(ctx context.Context, token string) (*Appointment, error)

	// ListForDay returns the practitioner's appointments on date ordered by
	// start time. activeOnly skips cancelled and no-show rows.
	ListForDay(ctx context.Context, practitionerID uuid.UUID, date time.Time, activeOnly bool) ([]Appointment, error)
	ListByRequester(ctx context.Context, requesterID uuid.UUID, limit, offset int) ([]Appointment, error)

	// UpdateStatus moves id from `from` to `to`. It returns
	// ErrAppointmentNotFound when the row is missing or no longer in `from`.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, change StatusChange) (*Appointment, error)

	// No-show worker
	FindOverdue(ctx context.Context, endedBefore time.Time) ([]Appointment, error)
}
