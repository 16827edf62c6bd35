package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/appointment"
	"github.com/hackgods/consultation-queue/internal/events"
	"github.com/hackgods/consultation-queue/internal/metrics"
	redisclient "github.com/hackgods/consultation-queue/internal/redis"
)

// observedWindow bounds how many recent consultations the rolling average
// remembers per practitioner.
const observedWindow = 20

// Manager maintains queue order and wait estimates. It implements
// appointment.QueueHook.
type Manager struct {
	store     Store
	locker    redisclient.Locker
	publisher events.Publisher
	base      time.Duration
	log       zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewManager(store Store, locker redisclient.Locker, publisher events.Publisher, average time.Duration, log zerolog.Logger, m *metrics.Metrics) *Manager {
	if average <= 0 {
		average = 15 * time.Minute
	}
	if publisher == nil {
		publisher = events.Discard
	}
	return &Manager{
		store:     store,
		locker:    locker,
		publisher: publisher,
		base:      average,
		log:       log.With().Str("component", "queue").Logger(),
		metrics:   m,
		now:       time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func queueKey(practitionerID uuid.UUID) string {
	return "queue:" + practitionerID.String()
}

// Enqueue adds a checked-in appointment at the end of its practitioner's line.
func (m *Manager) Enqueue(ctx context.Context, appt appointment.Appointment) error {
	checkedIn := m.now()
	if appt.CheckedInAt != nil {
		checkedIn = *appt.CheckedInAt
	}

	return m.mutate(ctx, appt.PractitionerID, appt.DateKey(), func(entries map[uuid.UUID]Entry) change {
		if _, ok := entries[appt.ID]; ok {
			return change{}
		}
		entries[appt.ID] = Entry{
			AppointmentID:  appt.ID,
			RequesterID:    appt.RequesterID,
			PractitionerID: appt.PractitionerID,
			Date:           appt.DateKey(),
			Status:         StatusWaiting,
			CheckedInAt:    checkedIn,
		}
		return change{added: appt.ID}
	})
}

// MarkServing flags the entry as being seen. An entry lost from the store is
// recreated rather than failing the consultation start.
func (m *Manager) MarkServing(ctx context.Context, appt appointment.Appointment) error {
	started := m.now()
	if appt.StartedAt != nil {
		started = *appt.StartedAt
	}

	return m.mutate(ctx, appt.PractitionerID, appt.DateKey(), func(entries map[uuid.UUID]Entry) change {
		e, ok := entries[appt.ID]
		var ch change
		if !ok {
			e = Entry{
				AppointmentID:  appt.ID,
				RequesterID:    appt.RequesterID,
				PractitionerID: appt.PractitionerID,
				Date:           appt.DateKey(),
				CheckedInAt:    started,
			}
			if appt.CheckedInAt != nil {
				e.CheckedInAt = *appt.CheckedInAt
			}
			ch.added = appt.ID
		}
		e.Status = StatusInProgress
		e.StartedAt = &started
		entries[appt.ID] = e
		return ch
	})
}

// Dequeue removes the appointment's entry and closes the gap. A completed
// consultation that had been started feeds the rolling average.
func (m *Manager) Dequeue(ctx context.Context, appt appointment.Appointment) error {
	return m.mutate(ctx, appt.PractitionerID, appt.DateKey(), func(entries map[uuid.UUID]Entry) change {
		e, ok := entries[appt.ID]
		if !ok {
			return change{}
		}
		delete(entries, appt.ID)

		ch := change{removed: &e}
		if appt.Status == appointment.StatusCompleted && e.StartedAt != nil {
			done := m.now()
			if appt.CompletedAt != nil {
				done = *appt.CompletedAt
			}
			ch.served = done.Sub(*e.StartedAt)
		}
		return ch
	})
}

// Snapshot returns the line ordered by position with waits as of now.
func (m *Manager) Snapshot(ctx context.Context, practitionerID uuid.UUID, date time.Time) ([]Entry, error) {
	entries, err := m.store.List(ctx, practitionerID, appointment.DateKey(date))
	if err != nil {
		return nil, appointment.ClassifyStoreError(fmt.Errorf("load queue: %w", err))
	}
	return rank(entries, m.Average(ctx, practitionerID), m.now()), nil
}

// Lookup returns one appointment's place in line.
func (m *Manager) Lookup(ctx context.Context, appt appointment.Appointment) (Entry, error) {
	entries, err := m.Snapshot(ctx, appt.PractitionerID, appt.Date)
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		if e.AppointmentID == appt.ID {
			return e, nil
		}
	}
	return Entry{}, ErrEntryNotFound
}

// Average is the consultation length used for estimates: the configured
// value blended evenly with the mean of recently observed consultations.
// History is kept in the store, so every instance sharing it agrees.
func (m *Manager) Average(ctx context.Context, practitionerID uuid.UUID) time.Duration {
	observed, err := m.store.Observed(ctx, practitionerID)
	if err != nil {
		m.log.Warn().Err(err).
			Str("practitioner_id", practitionerID.String()).
			Msg("consultation history unavailable, using configured average")
		return m.base
	}
	if len(observed) == 0 {
		return m.base
	}

	var sum time.Duration
	for _, d := range observed {
		sum += d
	}
	return (m.base + sum/time.Duration(len(observed))) / 2
}

type change struct {
	added   uuid.UUID
	removed *Entry
	served  time.Duration
}

// mutate loads one line under the practitioner's queue lock, applies fn,
// re-ranks, persists what changed and announces it.
func (m *Manager) mutate(ctx context.Context, practitionerID uuid.UUID, date string, fn func(map[uuid.UUID]Entry) change) error {
	err := m.locker.WithLock(ctx, queueKey(practitionerID), func(lockCtx context.Context) error {
		before, err := m.store.List(lockCtx, practitionerID, date)
		if err != nil {
			return fmt.Errorf("load queue: %w", err)
		}

		prev := make(map[uuid.UUID]Entry, len(before))
		working := make(map[uuid.UUID]Entry, len(before))
		for _, e := range before {
			prev[e.AppointmentID] = e
			working[e.AppointmentID] = e
		}

		ch := fn(working)
		if ch.served > 0 {
			if err := m.store.Observe(lockCtx, practitionerID, ch.served); err != nil {
				m.log.Warn().Err(err).
					Str("practitioner_id", practitionerID.String()).
					Msg("could not record consultation length")
			}
		}

		after := make([]Entry, 0, len(working))
		for _, e := range working {
			after = append(after, e)
		}
		after = rank(after, m.Average(lockCtx, practitionerID), m.now())

		var upsert []Entry
		for _, e := range after {
			if old, ok := prev[e.AppointmentID]; !ok || !same(old, e) {
				upsert = append(upsert, e)
			}
		}
		var remove []uuid.UUID
		if ch.removed != nil {
			remove = append(remove, ch.removed.AppointmentID)
		}

		if len(upsert) > 0 || len(remove) > 0 {
			if err := m.store.Save(lockCtx, practitionerID, date, upsert, remove); err != nil {
				return fmt.Errorf("save queue: %w", err)
			}
		}

		m.metrics.SetQueueLength(practitionerID.String(), date, len(after))
		m.announce(prev, after, ch)
		return nil
	})
	return appointment.ClassifyStoreError(err)
}

func (m *Manager) announce(prev map[uuid.UUID]Entry, after []Entry, ch change) {
	if ch.removed != nil {
		m.publish(events.QueueEntryRemoved, *ch.removed, 0)
	}

	for _, e := range after {
		if e.AppointmentID == ch.added {
			m.publish(events.QueueEntryAdded, e, 0)
			continue
		}
		if old, ok := prev[e.AppointmentID]; ok && moved(old, e) {
			m.publish(events.QueuePositionUpdated, e, old.Position)
		}
	}
}

func (m *Manager) publish(t events.Type, e Entry, previous int) {
	p := events.QueuePayload{
		AppointmentID:        e.AppointmentID.String(),
		PractitionerID:       e.PractitionerID.String(),
		Date:                 e.Date,
		Position:             e.Position,
		EstimatedWaitMinutes: e.EstimatedWaitMinutes,
		Status:               string(e.Status),
	}
	if previous != e.Position {
		p.PreviousPosition = previous
	}

	ev, err := events.NewQueueEvent(t, e.RequesterID.String(), p)
	if err != nil {
		m.log.Warn().Err(err).Str("event_type", string(t)).Msg("could not build event")
		return
	}
	m.publisher.Distribute(ev)
}
