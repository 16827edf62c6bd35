package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/config"
	"github.com/hackgods/consultation-queue/internal/events"
	"github.com/hackgods/consultation-queue/internal/metrics"
	redisclient "github.com/hackgods/consultation-queue/internal/redis"
)

var (
	ErrSlotUnavailable   = errors.New("requested time overlaps an existing appointment")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidRequest    = errors.New("invalid request")
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// QueueHook is driven by status transitions while the schedule lock is held.
// The live queue implements it.
type QueueHook interface {
	Enqueue(ctx context.Context, appt Appointment) error
	MarkServing(ctx context.Context, appt Appointment) error
	Dequeue(ctx context.Context, appt Appointment) error
}

type nopQueue struct{}

func (nopQueue) Enqueue(context.Context, Appointment) error     { return nil }
func (nopQueue) MarkServing(context.Context, Appointment) error { return nil }
func (nopQueue) Dequeue(context.Context, Appointment) error     { return nil }

type Service struct {
	repo         Repository
	locker       redisclient.Locker
	queue        QueueHook
	publisher    events.Publisher
	hours        Hours
	slot         time.Duration
	storeTimeout time.Duration
	noShowGrace  time.Duration
	log          zerolog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

type Option func(*Service)

func WithQueue(q QueueHook) Option {
	return func(s *Service) { s.queue = q }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log.With().Str("component", "scheduling").Logger() }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, locker redisclient.Locker, cfg config.Config, opts ...Option) *Service {
	s := &Service{
		repo:         repo,
		locker:       locker,
		queue:        nopQueue{},
		publisher:    events.Discard,
		hours:        HoursFromConfig(cfg.Clinic),
		slot:         cfg.Clinic.SlotDuration,
		storeTimeout: cfg.StoreTimeout,
		noShowGrace:  cfg.NoShowGrace,
		log:          zerolog.Nop(),
		now:          time.Now,
	}
	if s.slot <= 0 {
		s.slot = 30 * time.Minute
	}
	if s.storeTimeout <= 0 {
		s.storeTimeout = 3 * time.Second
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Hours() Hours {
	return s.hours
}

// ClassifyStoreError marks lock contention and deadline failures as
// ErrStoreUnavailable so callers can tell "try again" from "refused".
func ClassifyStoreError(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, redisclient.ErrLockNotAcquired) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}

func scheduleKey(practitionerID uuid.UUID, date time.Time) string {
	return "schedule:" + practitionerID.String() + ":" + DateKey(date)
}

type CreateRequest struct {
	PractitionerID uuid.UUID
	RequesterID    uuid.UUID
	Date           time.Time
	StartTime      time.Time
	EndTime        time.Time
	Priority       Priority
	Reason         string
}

func (s *Service) validate(req *CreateRequest) error {
	if req.PractitionerID == uuid.Nil || req.RequesterID == uuid.Nil {
		return fmt.Errorf("%w: practitioner and requester are required", ErrInvalidRequest)
	}
	if !req.StartTime.Before(req.EndTime) {
		return fmt.Errorf("%w: start time must be before end time", ErrInvalidRequest)
	}

	day := s.hours.Day(req.Date)
	if !s.hours.Day(req.StartTime).Equal(day) || req.EndTime.After(day.AddDate(0, 0, 1)) {
		return fmt.Errorf("%w: interval must fall on %s", ErrInvalidRequest, DateKey(day))
	}
	if !s.hours.Admits(Interval{Start: req.StartTime, End: req.EndTime}) {
		return fmt.Errorf("%w: interval is outside business hours", ErrInvalidRequest)
	}
	req.Date = day

	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	return nil
}

// CreateAppointment books [start, end) with the practitioner. Concurrent
// bookings for the same practitioner and day are serialized, so of several
// overlapping requests exactly one succeeds and the rest get
// ErrSlotUnavailable.
func (s *Service) CreateAppointment(ctx context.Context, req CreateRequest) (*Appointment, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	var created *Appointment

	err := s.locker.WithLock(ctx, scheduleKey(req.PractitionerID, req.Date), func(lockCtx context.Context) error {
		storeCtx, cancel := context.WithTimeout(lockCtx, s.storeTimeout)
		defer cancel()

		// Inside the critical section re-read the day before deciding
		existing, err := s.repo.ListForDay(storeCtx, req.PractitionerID, req.Date, true)
		if err != nil {
			return fmt.Errorf("list appointments for day: %w", err)
		}

		iv := Interval{Start: req.StartTime, End: req.EndTime}
		if other := conflicts(iv, existing); other != nil {
			s.log.Debug().
				Str("practitioner_id", req.PractitionerID.String()).
				Str("conflicts_with", other.ID.String()).
				Time("start", req.StartTime).
				Msg("booking refused, interval taken")
			return ErrSlotUnavailable
		}

		appt := &Appointment{
			ID:             uuid.New(),
			RequesterID:    req.RequesterID,
			PractitionerID: req.PractitionerID,
			Date:           req.Date,
			StartTime:      req.StartTime,
			EndTime:        req.EndTime,
			Status:         StatusBooked,
			Priority:       req.Priority,
			Reason:         req.Reason,
			CheckInToken:   uuid.NewString(),
		}
		if err := s.repo.Create(storeCtx, appt); err != nil {
			if errors.Is(err, ErrSlotUnavailable) {
				return err
			}
			return fmt.Errorf("create appointment: %w", err)
		}

		created = appt
		return nil
	})

	if err != nil {
		if errors.Is(err, ErrSlotUnavailable) {
			s.metrics.IncBookingConflict()
		}
		return nil, ClassifyStoreError(err)
	}

	s.metrics.IncTransition(string(StatusBooked))
	s.emit(events.AppointmentCreated, *created, "")

	return created, nil
}

// FindAvailableSlots lists free slots of length d (the configured slot length
// when zero) within business hours, in chronological order. It takes no lock
// and may race with a booking; CreateAppointment has the final word.
func (s *Service) FindAvailableSlots(ctx context.Context, practitionerID uuid.UUID, date time.Time, d time.Duration) ([]Interval, error) {
	if d == 0 {
		d = s.slot
	}
	if d < 0 || practitionerID == uuid.Nil {
		return nil, fmt.Errorf("%w: slot length must be positive", ErrInvalidRequest)
	}

	day := s.hours.Day(date)
	candidates := s.hours.Candidates(day, d)
	if len(candidates) == 0 {
		return []Interval{}, nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	booked, err := s.repo.ListForDay(storeCtx, practitionerID, day, true)
	if err != nil {
		return nil, ClassifyStoreError(fmt.Errorf("list appointments for day: %w", err))
	}

	return FreeSlots(candidates, booked), nil
}

func (s *Service) ConfirmAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusConfirmed, "")
}

func (s *Service) CheckIn(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusCheckedIn, "")
}

// CheckInByToken checks in the appointment holding token, as presented at
// the reception kiosk.
func (s *Service) CheckInByToken(ctx context.Context, token string) (*Appointment, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: check-in token is required", ErrInvalidRequest)
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	appt, err := s.repo.GetByCheckInToken(storeCtx, token)
	cancel()
	if err != nil {
		return nil, ClassifyStoreError(fmt.Errorf("load appointment by token: %w", err))
	}

	return s.transition(ctx, appt.ID, StatusCheckedIn, "")
}

func (s *Service) StartConsultation(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusInProgress, "")
}

func (s *Service) CompleteAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusCompleted, "")
}

func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	return s.transition(ctx, id, StatusCancelled, reason)
}

func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusNoShow, "")
}

// UpdateStatus applies whichever lifecycle operation leads to status.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, reason string) (*Appointment, error) {
	return s.transition(ctx, id, status, reason)
}

// transition moves id to `to` under the schedule lock and drives the queue.
// When the status is written but the queue could not follow, the updated
// appointment is returned together with an error wrapping
// ErrStoreUnavailable.
func (s *Service) transition(ctx context.Context, id uuid.UUID, to Status, reason string) (*Appointment, error) {
	current, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	var (
		updated  *Appointment
		from     Status
		queueErr error
	)

	err = s.locker.WithLock(ctx, scheduleKey(current.PractitionerID, current.Date), func(lockCtx context.Context) error {
		latest, err := s.get(lockCtx, id)
		if err != nil {
			return err
		}
		if !CanTransition(latest.Status, to) {
			return &TransitionError{From: latest.Status, To: to}
		}

		storeCtx, cancel := context.WithTimeout(lockCtx, s.storeTimeout)
		defer cancel()

		u, err := s.repo.UpdateStatus(storeCtx, id, latest.Status, to, StatusChange{At: s.now(), Reason: reason})
		if err != nil {
			return fmt.Errorf("update status to %s: %w", to, err)
		}

		updated, from = u, latest.Status
		queueErr = s.syncQueue(lockCtx, from, *u)
		return nil
	})

	if err != nil {
		return nil, ClassifyStoreError(err)
	}

	s.metrics.IncTransition(string(to))
	s.emit(eventFor(to), *updated, from)

	if queueErr != nil {
		s.log.Error().Err(queueErr).
			Str("appointment_id", id.String()).
			Str("status", string(to)).
			Msg("queue did not follow status change")
		return updated, fmt.Errorf("queue update after %s: %w", to, ClassifyStoreError(queueErr))
	}

	return updated, nil
}

func (s *Service) syncQueue(ctx context.Context, from Status, appt Appointment) error {
	switch {
	case appt.Status == StatusCheckedIn:
		return s.queue.Enqueue(ctx, appt)
	case appt.Status == StatusInProgress:
		return s.queue.MarkServing(ctx, appt)
	case appt.Status.Terminal() && from.Queued():
		return s.queue.Dequeue(ctx, appt)
	}
	return nil
}

func eventFor(to Status) events.Type {
	switch to {
	case StatusCheckedIn:
		return events.AppointmentCheckedIn
	case StatusCompleted:
		return events.AppointmentCompleted
	case StatusCancelled:
		return events.AppointmentCancelled
	case StatusNoShow:
		return events.AppointmentNoShow
	}
	return events.AppointmentUpdated
}

// emit hands the event to the distributor. It never fails the caller.
func (s *Service) emit(t events.Type, appt Appointment, previous Status) {
	ev, err := events.NewAppointmentEvent(t, appt.payload(previous))
	if err != nil {
		s.log.Warn().Err(err).Str("event_type", string(t)).Msg("could not build event")
		return
	}
	s.publisher.Distribute(ev)
}

func (s *Service) get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	appt, err := s.repo.GetByID(storeCtx, id)
	if err != nil {
		return nil, ClassifyStoreError(fmt.Errorf("load appointment %s: %w", id, err))
	}
	return appt, nil
}

// GetAppointment retrieves an appointment by ID
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.get(ctx, id)
}

// ListAppointmentsByRequester retrieves a requester's appointments, newest first
func (s *Service) ListAppointmentsByRequester(ctx context.Context, requesterID uuid.UUID, limit, offset int) ([]Appointment, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	appts, err := s.repo.ListByRequester(storeCtx, requesterID, limit, offset)
	if err != nil {
		return nil, ClassifyStoreError(fmt.Errorf("list appointments by requester: %w", err))
	}
	return appts, nil
}

// ListAppointmentsForDay returns the practitioner's whole day, any status.
func (s *Service) ListAppointmentsForDay(ctx context.Context, practitionerID uuid.UUID, date time.Time) ([]Appointment, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	appts, err := s.repo.ListForDay(storeCtx, practitionerID, s.hours.Day(date), false)
	if err != nil {
		return nil, ClassifyStoreError(fmt.Errorf("list appointments for day: %w", err))
	}
	return appts, nil
}
