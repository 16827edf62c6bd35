package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps appointments in process. It enforces the same
// no-overlap rule as the Postgres exclusion constraint, so it can stand in
// for Postgres in tests and single-node deployments.
//
// Practitioner and requester references are only checked once at least one
// of each has been added.
type MemoryRepository struct {
	mu            sync.RWMutex
	appointments  map[uuid.UUID]*Appointment
	byToken       map[string]uuid.UUID
	practitioners map[uuid.UUID]Practitioner
	requesters    map[uuid.UUID]Requester
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		appointments:  make(map[uuid.UUID]*Appointment),
		byToken:       make(map[string]uuid.UUID),
		practitioners: make(map[uuid.UUID]Practitioner),
		requesters:    make(map[uuid.UUID]Requester),
	}
}

func (r *MemoryRepository) AddPractitioner(p Practitioner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.practitioners[p.ID] = p
}

func (r *MemoryRepository) AddRequester(q Requester) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requesters[q.ID] = q
}

func (r *MemoryRepository) Create(ctx context.Context, appt *Appointment) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.practitioners) > 0 {
		if _, ok := r.practitioners[appt.PractitionerID]; !ok {
			return ErrReferenceNotFound
		}
	}
	if len(r.requesters) > 0 {
		if _, ok := r.requesters[appt.RequesterID]; !ok {
			return ErrReferenceNotFound
		}
	}

	if appt.Status.Active() {
		for _, other := range r.appointments {
			if other.PractitionerID == appt.PractitionerID && other.Status.Active() &&
				other.Interval().Overlaps(appt.Interval()) {
				return ErrSlotUnavailable
			}
		}
	}

	now := time.Now()
	appt.CreatedAt = now
	appt.UpdatedAt = now

	stored := *appt
	r.appointments[appt.ID] = &stored
	r.byToken[appt.CheckInToken] = appt.ID
	return nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryRepository) GetByCheckInToken(ctx context.Context, token string) (*Appointment, error) {
	r.mu.RLock()
	id, ok := r.byToken[token]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *MemoryRepository) ListForDay(ctx context.Context, practitionerID uuid.UUID, date time.Time, activeOnly bool) ([]Appointment, error) {
	day := DateKey(date)
	return r.filter(ctx, func(a *Appointment) bool {
		return a.PractitionerID == practitionerID && a.DateKey() == day &&
			(!activeOnly || a.Status.Active())
	}, func(a, b Appointment) bool { return a.StartTime.Before(b.StartTime) })
}

func (r *MemoryRepository) ListByRequester(ctx context.Context, requesterID uuid.UUID, limit, offset int) ([]Appointment, error) {
	all, err := r.filter(ctx, func(a *Appointment) bool {
		return a.RequesterID == requesterID
	}, func(a, b Appointment) bool { return a.StartTime.After(b.StartTime) })
	if err != nil {
		return nil, err
	}

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *MemoryRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, change StatusChange) (*Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}

	change.apply(a, to)
	cp := *a
	return &cp, nil
}

func (r *MemoryRepository) FindOverdue(ctx context.Context, endedBefore time.Time) ([]Appointment, error) {
	return r.filter(ctx, func(a *Appointment) bool {
		return (a.Status == StatusBooked || a.Status == StatusConfirmed) && a.EndTime.Before(endedBefore)
	}, func(a, b Appointment) bool { return a.EndTime.Before(b.EndTime) })
}

func (r *MemoryRepository) filter(ctx context.Context, keep func(*Appointment) bool, less func(a, b Appointment) bool) ([]Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	var out []Appointment
	for _, a := range r.appointments {
		if keep(a) {
			out = append(out, *a)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}
