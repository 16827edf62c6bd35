package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/config"
	"github.com/hackgods/consultation-queue/internal/events"
	redisclient "github.com/hackgods/consultation-queue/internal/redis"
)

func testConfig() config.Config {
	return config.Config{
		StoreTimeout: time.Second,
		NoShowGrace:  15 * time.Minute,
		Clinic: config.ClinicConfig{
			Location:            time.UTC,
			OpenMinute:          9 * 60,
			CloseMinute:         18 * 60,
			ClosedWeekday:       time.Sunday,
			SlotDuration:        30 * time.Minute,
			AverageConsultation: 30 * time.Minute,
		},
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Distribute(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type recordingQueue struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (q *recordingQueue) record(op string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, op)
	return q.err
}

func (q *recordingQueue) Enqueue(context.Context, Appointment) error     { return q.record("enqueue") }
func (q *recordingQueue) MarkServing(context.Context, Appointment) error { return q.record("serving") }
func (q *recordingQueue) Dequeue(context.Context, Appointment) error     { return q.record("dequeue") }

type fixture struct {
	svc   *Service
	repo  *MemoryRepository
	pub   *recordingPublisher
	queue *recordingQueue
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:  NewMemoryRepository(),
		pub:   &recordingPublisher{},
		queue: &recordingQueue{},
		now:   at(monday, 8, 0),
	}
	f.svc = NewService(f.repo, redisclient.NewLocalLocker(), testConfig(),
		WithQueue(f.queue),
		WithPublisher(f.pub),
		WithLogger(zerolog.Nop()),
		WithClock(func() time.Time { return f.now }),
	)
	return f
}

func (f *fixture) book(t *testing.T, practitioner uuid.UUID, h, m, minutes int) (*Appointment, error) {
	t.Helper()
	start := at(monday, h, m)
	return f.svc.CreateAppointment(context.Background(), CreateRequest{
		PractitionerID: practitioner,
		RequesterID:    uuid.New(),
		Date:           monday,
		StartTime:      start,
		EndTime:        start.Add(time.Duration(minutes) * time.Minute),
	})
}

func TestCreateAppointment(t *testing.T) {
	f := newFixture(t)
	p := uuid.New()

	appt, err := f.book(t, p, 9, 0, 30)
	if err != nil {
		t.Fatalf("CreateAppointment: %v", err)
	}
	if appt.Status != StatusBooked || appt.Priority != PriorityNormal || appt.CheckInToken == "" {
		t.Fatalf("unexpected appointment %+v", appt)
	}
	if got := f.pub.types(); len(got) != 1 || got[0] != events.AppointmentCreated {
		t.Fatalf("expected one appointment-created event, got %v", got)
	}

	if _, err := f.book(t, p, 9, 15, 30); !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("expected ErrSlotUnavailable, got %v", err)
	}
	if _, err := f.book(t, p, 9, 30, 30); err != nil {
		t.Fatalf("back to back booking should succeed: %v", err)
	}
	if _, err := f.book(t, uuid.New(), 9, 0, 30); err != nil {
		t.Fatalf("another practitioner is independent: %v", err)
	}
	if len(f.pub.types()) != 3 {
		t.Fatalf("refused booking must not emit, got %v", f.pub.types())
	}
}

func TestCreateAppointment_Validation(t *testing.T) {
	f := newFixture(t)
	p, r := uuid.New(), uuid.New()
	sunday := monday.AddDate(0, 0, 6)

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"end before start", CreateRequest{PractitionerID: p, RequesterID: r, Date: monday, StartTime: at(monday, 10, 0), EndTime: at(monday, 9, 0)}},
		{"empty interval", CreateRequest{PractitionerID: p, RequesterID: r, Date: monday, StartTime: at(monday, 10, 0), EndTime: at(monday, 10, 0)}},
		{"other day", CreateRequest{PractitionerID: p, RequesterID: r, Date: monday, StartTime: at(monday, 10, 0).AddDate(0, 0, 1), EndTime: at(monday, 11, 0).AddDate(0, 0, 1)}},
		{"missing requester", CreateRequest{PractitionerID: p, Date: monday, StartTime: at(monday, 10, 0), EndTime: at(monday, 11, 0)}},
		{"before opening", CreateRequest{PractitionerID: p, RequesterID: r, Date: monday, StartTime: at(monday, 8, 0), EndTime: at(monday, 9, 0)}},
		{"past closing", CreateRequest{PractitionerID: p, RequesterID: r, Date: monday, StartTime: at(monday, 17, 30), EndTime: at(monday, 18, 30)}},
		{"closed weekday", CreateRequest{PractitionerID: p, RequesterID: r, Date: sunday, StartTime: at(sunday, 10, 0), EndTime: at(sunday, 11, 0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.CreateAppointment(context.Background(), tt.req); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestCreateAppointment_ConcurrentOverlapsHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	p := uuid.New()

	const n = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		refused   int
	)
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			// every request overlaps 10:00-10:30
			_, err := f.book(t, p, 9, 45+i%15, 30)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrSlotUnavailable):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if succeeded != 1 || refused != n-1 {
		t.Fatalf("expected exactly one winner, got %d succeeded and %d refused", succeeded, refused)
	}

	active, _ := f.repo.ListForDay(context.Background(), p, monday, true)
	if len(active) != 1 {
		t.Fatalf("expected one stored appointment, got %d", len(active))
	}
}

func TestLifecycle_DrivesQueueAndEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, _ := f.book(t, uuid.New(), 9, 0, 30)

	steps := []struct {
		op    func(context.Context, uuid.UUID) (*Appointment, error)
		want  Status
		event events.Type
	}{
		{f.svc.ConfirmAppointment, StatusConfirmed, events.AppointmentUpdated},
		{f.svc.CheckIn, StatusCheckedIn, events.AppointmentCheckedIn},
		{f.svc.StartConsultation, StatusInProgress, events.AppointmentUpdated},
		{f.svc.CompleteAppointment, StatusCompleted, events.AppointmentCompleted},
	}

	for _, step := range steps {
		f.now = f.now.Add(5 * time.Minute)
		got, err := step.op(ctx, appt.ID)
		if err != nil {
			t.Fatalf("transition to %s: %v", step.want, err)
		}
		if got.Status != step.want {
			t.Fatalf("expected %s, got %s", step.want, got.Status)
		}
		types := f.pub.types()
		if last := types[len(types)-1]; last != step.event {
			t.Fatalf("expected %s event, got %s", step.event, last)
		}
	}

	final, _ := f.svc.GetAppointment(ctx, appt.ID)
	if final.CheckedInAt == nil || final.StartedAt == nil || final.CompletedAt == nil {
		t.Fatalf("lifecycle timestamps missing: %+v", final)
	}
	if want := []string{"enqueue", "serving", "dequeue"}; !equalStrings(f.queue.calls, want) {
		t.Fatalf("queue calls = %v, want %v", f.queue.calls, want)
	}

	var payload events.AppointmentPayload
	last := f.pub.events[len(f.pub.events)-1]
	if err := last.Decode(&payload); err != nil || payload.PreviousStatus != string(StatusInProgress) {
		t.Fatalf("unexpected completed payload %+v (%v)", payload, err)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTransitions_Invalid(t *testing.T) {
	f := newFixture(t)
	appt, _ := f.book(t, uuid.New(), 9, 0, 30)

	if _, err := f.svc.StartConsultation(context.Background(), appt.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("start before check-in should fail, got %v", err)
	}

	if _, err := f.svc.CancelAppointment(context.Background(), appt.ID, "changed plans"); err != nil {
		t.Fatalf("CancelAppointment: %v", err)
	}

	_, err := f.svc.CheckIn(context.Background(), appt.ID)
	var te *TransitionError
	if !errors.As(err, &te) || te.From != StatusCancelled || te.To != StatusCheckedIn {
		t.Fatalf("expected TransitionError from cancelled, got %v", err)
	}

	cancelled, _ := f.svc.GetAppointment(context.Background(), appt.ID)
	if cancelled.CancelReason != "changed plans" || cancelled.CancelledAt == nil {
		t.Fatalf("cancel details not stored: %+v", cancelled)
	}
	if len(f.queue.calls) != 0 {
		t.Fatalf("cancelling a booked appointment must not touch the queue: %v", f.queue.calls)
	}
}

func TestCancel_FreesInterval(t *testing.T) {
	f := newFixture(t)
	p := uuid.New()

	appt, _ := f.book(t, p, 11, 0, 30)
	if _, err := f.svc.CancelAppointment(context.Background(), appt.ID, ""); err != nil {
		t.Fatalf("CancelAppointment: %v", err)
	}
	if _, err := f.book(t, p, 11, 0, 30); err != nil {
		t.Fatalf("rebooking a cancelled interval: %v", err)
	}
}

func TestCheckInByToken(t *testing.T) {
	f := newFixture(t)
	appt, _ := f.book(t, uuid.New(), 9, 0, 30)

	got, err := f.svc.CheckInByToken(context.Background(), appt.CheckInToken)
	if err != nil {
		t.Fatalf("CheckInByToken: %v", err)
	}
	if got.ID != appt.ID || got.Status != StatusCheckedIn {
		t.Fatalf("unexpected appointment %+v", got)
	}

	if _, err := f.svc.CheckInByToken(context.Background(), "nope"); !errors.Is(err, ErrAppointmentNotFound) {
		t.Fatalf("expected ErrAppointmentNotFound, got %v", err)
	}
	if _, err := f.svc.CheckInByToken(context.Background(), ""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestTransition_QueueFailureStillCommits(t *testing.T) {
	f := newFixture(t)
	f.queue.err = redisclient.ErrLockNotAcquired
	appt, _ := f.book(t, uuid.New(), 9, 0, 30)

	got, err := f.svc.CheckIn(context.Background(), appt.ID)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if got == nil || got.Status != StatusCheckedIn {
		t.Fatalf("status should be committed, got %+v", got)
	}
}

func TestOperations_SucceedWhenDeliveryFails(t *testing.T) {
	attempts := make(chan struct{}, 8)
	sink := events.SinkFunc(func(context.Context, []string, events.Event) error {
		attempts <- struct{}{}
		return errors.New("push channel unreachable")
	})
	dist := events.NewDistributor(sink, events.Options{Buffer: 8}, zerolog.Nop(), nil)
	dist.Start(context.Background())
	defer dist.Stop(context.Background())

	repo := NewMemoryRepository()
	svc := NewService(repo, redisclient.NewLocalLocker(), testConfig(),
		WithQueue(&recordingQueue{}),
		WithPublisher(dist),
		WithLogger(zerolog.Nop()),
		WithClock(func() time.Time { return at(monday, 8, 0) }),
	)
	ctx := context.Background()

	start := at(monday, 9, 0)
	appt, err := svc.CreateAppointment(ctx, CreateRequest{
		PractitionerID: uuid.New(),
		RequesterID:    uuid.New(),
		Date:           monday,
		StartTime:      start,
		EndTime:        start.Add(30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("CreateAppointment: %v", err)
	}
	if _, err := svc.CheckIn(ctx, appt.ID); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if _, err := svc.CancelAppointment(ctx, appt.ID, "feeling better"); err != nil {
		t.Fatalf("CancelAppointment: %v", err)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-attempts:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for delivery attempt %d", i+1)
		}
	}

	got, err := repo.GetByID(ctx, appt.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != StatusCancelled || got.CheckedInAt == nil || got.CancelledAt == nil {
		t.Fatalf("state not committed: %+v", got)
	}
}

// blockingLocker never acquires, to exercise the unavailable path.
type blockingLocker struct{}

func (blockingLocker) WithLock(context.Context, string, func(context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

func TestCreateAppointment_LockUnavailable(t *testing.T) {
	svc := NewService(NewMemoryRepository(), blockingLocker{}, testConfig())
	_, err := svc.CreateAppointment(context.Background(), CreateRequest{
		PractitionerID: uuid.New(),
		RequesterID:    uuid.New(),
		Date:           monday,
		StartTime:      at(monday, 9, 0),
		EndTime:        at(monday, 9, 30),
	})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestFindAvailableSlots(t *testing.T) {
	f := newFixture(t)
	p := uuid.New()
	_, _ = f.book(t, p, 9, 0, 30)
	_, _ = f.book(t, p, 10, 10, 20)

	slots, err := f.svc.FindAvailableSlots(context.Background(), p, monday, 0)
	if err != nil {
		t.Fatalf("FindAvailableSlots: %v", err)
	}
	if len(slots) != 16 {
		t.Fatalf("expected 16 free slots, got %d", len(slots))
	}
	if slots[0].Start.Equal(at(monday, 9, 0)) {
		t.Fatal("booked slot offered")
	}

	// every offered slot can actually be booked
	for _, s := range slots[:3] {
		if _, err := f.svc.CreateAppointment(context.Background(), CreateRequest{
			PractitionerID: p, RequesterID: uuid.New(), Date: monday, StartTime: s.Start, EndTime: s.End,
		}); err != nil {
			t.Fatalf("booking offered slot %v: %v", s.Start, err)
		}
	}

	sunday, err := f.svc.FindAvailableSlots(context.Background(), p, monday.AddDate(0, 0, 6), 30*time.Minute)
	if err != nil || len(sunday) != 0 {
		t.Fatalf("closed day should be empty, got %d (%v)", len(sunday), err)
	}

	if _, err := f.svc.FindAvailableSlots(context.Background(), p, monday, -time.Minute); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestBulkOperations(t *testing.T) {
	f := newFixture(t)
	p := uuid.New()
	a, _ := f.book(t, p, 9, 0, 30)
	b, _ := f.book(t, p, 9, 30, 30)
	missing := uuid.New()

	res, err := f.svc.BulkUpdateStatus(context.Background(), []uuid.UUID{a.ID, missing, b.ID}, StatusConfirmed)
	if err != nil {
		t.Fatalf("BulkUpdateStatus: %v", err)
	}
	if res.Succeeded != 2 || len(res.Failed) != 1 || res.Failed[0].ID != missing {
		t.Fatalf("unexpected result %+v", res)
	}
	if !errors.Is(res.Failed[0].Err(), ErrAppointmentNotFound) {
		t.Fatalf("failure should keep its cause, got %v", res.Failed[0].Err())
	}

	if _, err := f.svc.BulkUpdateStatus(context.Background(), []uuid.UUID{a.ID}, StatusBooked); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("booked is not a target status, got %v", err)
	}

	res = f.svc.BulkCancel(context.Background(), []uuid.UUID{a.ID, b.ID, a.ID}, "clinic closed")
	if res.Succeeded != 2 || len(res.Failed) != 1 || !errors.Is(res.Failed[0].Err(), ErrInvalidTransition) {
		t.Fatalf("unexpected cancel result %+v", res)
	}
}

func TestMarkOverdueNoShows(t *testing.T) {
	f := newFixture(t)
	p := uuid.New()
	early, _ := f.book(t, p, 9, 0, 30)
	arrived, _ := f.book(t, p, 9, 30, 30)
	later, _ := f.book(t, p, 16, 0, 30)
	_, _ = f.svc.CheckIn(context.Background(), arrived.ID)

	f.now = at(monday, 10, 30)
	marked, err := f.svc.MarkOverdueNoShows(context.Background())
	if err != nil {
		t.Fatalf("MarkOverdueNoShows: %v", err)
	}
	if marked != 1 {
		t.Fatalf("expected one no-show, got %d", marked)
	}

	for id, want := range map[uuid.UUID]Status{early.ID: StatusNoShow, arrived.ID: StatusCheckedIn, later.ID: StatusBooked} {
		got, _ := f.svc.GetAppointment(context.Background(), id)
		if got.Status != want {
			t.Fatalf("appointment %s: expected %s, got %s", id, want, got.Status)
		}
	}
}

func TestListAppointments(t *testing.T) {
	f := newFixture(t)
	r := uuid.New()
	p := uuid.New()

	for h := 9; h < 14; h++ {
		start := at(monday, h, 0)
		if _, err := f.svc.CreateAppointment(context.Background(), CreateRequest{
			PractitionerID: p, RequesterID: r, Date: monday, StartTime: start, EndTime: start.Add(30 * time.Minute),
		}); err != nil {
			t.Fatalf("CreateAppointment: %v", err)
		}
	}

	page, err := f.svc.ListAppointmentsByRequester(context.Background(), r, 2, 1)
	if err != nil {
		t.Fatalf("ListAppointmentsByRequester: %v", err)
	}
	if len(page) != 2 || page[0].StartTime.Hour() != 12 || page[1].StartTime.Hour() != 11 {
		t.Fatalf("unexpected page %+v", page)
	}

	all, _ := f.svc.ListAppointmentsByRequester(context.Background(), r, 0, 0)
	if len(all) != 5 {
		t.Fatalf("default page should hold all 5, got %d", len(all))
	}

	_, _ = f.svc.CancelAppointment(context.Background(), all[0].ID, "")
	day, _ := f.svc.ListAppointmentsForDay(context.Background(), p, monday)
	if len(day) != 5 {
		t.Fatalf("day listing includes cancelled rows, got %d", len(day))
	}
}

func TestMemoryRepository_References(t *testing.T) {
	repo := NewMemoryRepository()
	known := uuid.New()
	repo.AddPractitioner(Practitioner{ID: known, Name: "Dr. Known"})

	err := repo.Create(context.Background(), &Appointment{
		ID: uuid.New(), PractitionerID: uuid.New(), RequesterID: uuid.New(),
		Date: monday, StartTime: at(monday, 9, 0), EndTime: at(monday, 9, 30), Status: StatusBooked,
	})
	if !errors.Is(err, ErrReferenceNotFound) {
		t.Fatalf("expected ErrReferenceNotFound, got %v", err)
	}
}

func TestParseStatusAndPriority(t *testing.T) {
	if s, err := ParseStatus("Checked_In"); err != nil || s != StatusCheckedIn {
		t.Fatalf("ParseStatus = %v, %v", s, err)
	}
	if _, err := ParseStatus("lost"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if p, err := ParsePriority(""); err != nil || p != PriorityNormal {
		t.Fatalf("empty priority should default to normal, got %v %v", p, err)
	}
	if p, err := ParsePriority("URGENT"); err != nil || p != PriorityUrgent {
		t.Fatalf("ParsePriority = %v, %v", p, err)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusBooked, StatusConfirmed, true},
		{StatusBooked, StatusCheckedIn, true},
		{StatusBooked, StatusInProgress, false},
		{StatusConfirmed, StatusCheckedIn, true},
		{StatusCheckedIn, StatusCompleted, true},
		{StatusInProgress, StatusNoShow, true},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusBooked, false},
		{StatusNoShow, StatusCheckedIn, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusNoShow} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}
