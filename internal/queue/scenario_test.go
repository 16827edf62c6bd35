package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/appointment"
	"github.com/hackgods/consultation-queue/internal/config"
	"github.com/hackgods/consultation-queue/internal/events"
	"github.com/hackgods/consultation-queue/internal/queue"
	redisclient "github.com/hackgods/consultation-queue/internal/redis"
)

type collector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *collector) Distribute(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

func (c *collector) ofType(t events.Type) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// TestBookingAndQueueScenario walks one practitioner's morning: two
// competing bookings, two arrivals and a completion that moves the line.
func TestBookingAndQueueScenario(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	now := day.Add(8 * time.Hour)
	clock := func() time.Time { return now }

	cfg := config.Config{
		StoreTimeout: time.Second,
		Clinic: config.ClinicConfig{
			Location:            time.UTC,
			OpenMinute:          9 * 60,
			CloseMinute:         18 * 60,
			ClosedWeekday:       time.Sunday,
			SlotDuration:        30 * time.Minute,
			AverageConsultation: 30 * time.Minute,
		},
	}

	pub := &collector{}
	locker := redisclient.NewLocalLocker()
	mgr := queue.NewManager(queue.NewMemoryStore(), locker, pub, cfg.Clinic.AverageConsultation, zerolog.Nop(), nil).
		WithClock(clock)
	svc := appointment.NewService(appointment.NewMemoryRepository(), locker, cfg,
		appointment.WithQueue(mgr),
		appointment.WithPublisher(pub),
		appointment.WithClock(clock),
	)

	practitioner := uuid.New()
	book := func(h, m int) (*appointment.Appointment, error) {
		start := time.Date(2026, 3, 2, h, m, 0, 0, time.UTC)
		return svc.CreateAppointment(ctx, appointment.CreateRequest{
			PractitionerID: practitioner,
			RequesterID:    uuid.New(),
			Date:           day,
			StartTime:      start,
			EndTime:        start.Add(30 * time.Minute),
		})
	}

	a, err := book(9, 0)
	if err != nil {
		t.Fatalf("booking A: %v", err)
	}
	if _, err := book(9, 15); !errors.Is(err, appointment.ErrSlotUnavailable) {
		t.Fatalf("booking B should be refused, got %v", err)
	}

	now = day.Add(8*time.Hour + 50*time.Minute)
	if _, err := svc.CheckIn(ctx, a.ID); err != nil {
		t.Fatalf("check in A: %v", err)
	}
	line, _ := mgr.Snapshot(ctx, practitioner, day)
	if len(line) != 1 || line[0].AppointmentID != a.ID || line[0].Position != 1 {
		t.Fatalf("A should be first in line, got %+v", line)
	}

	c, err := book(10, 0)
	if err != nil {
		t.Fatalf("booking C: %v", err)
	}
	now = now.Add(5 * time.Minute)
	if _, err := svc.CheckIn(ctx, c.ID); err != nil {
		t.Fatalf("check in C: %v", err)
	}
	line, _ = mgr.Snapshot(ctx, practitioner, day)
	if len(line) != 2 || line[1].AppointmentID != c.ID || line[1].Position != 2 {
		t.Fatalf("C should be second in line, got %+v", line)
	}

	pub.reset()
	now = now.Add(20 * time.Minute)
	if _, err := svc.CompleteAppointment(ctx, a.ID); err != nil {
		t.Fatalf("complete A: %v", err)
	}

	line, _ = mgr.Snapshot(ctx, practitioner, day)
	if len(line) != 1 || line[0].AppointmentID != c.ID || line[0].Position != 1 {
		t.Fatalf("C should now be first, got %+v", line)
	}

	updates := pub.ofType(events.QueuePositionUpdated)
	if len(updates) != 1 || updates[0].EntityID != c.ID.String() {
		t.Fatalf("expected exactly one position update for C, got %+v", updates)
	}
	if removed := pub.ofType(events.QueueEntryRemoved); len(removed) != 1 || removed[0].EntityID != a.ID.String() {
		t.Fatalf("expected A's entry removal, got %+v", removed)
	}
	if completed := pub.ofType(events.AppointmentCompleted); len(completed) != 1 {
		t.Fatalf("expected one appointment-completed, got %d", len(completed))
	}
}
