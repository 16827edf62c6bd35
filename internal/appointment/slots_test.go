package appointment

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(day time.Time, hour, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location())
}

func TestInterval_Overlaps(t *testing.T) {
	nine := Interval{Start: at(monday, 9, 0), End: at(monday, 9, 30)}

	tests := []struct {
		name  string
		other Interval
		want  bool
	}{
		{"identical", nine, true},
		{"starts inside", Interval{Start: at(monday, 9, 15), End: at(monday, 9, 45)}, true},
		{"contains", Interval{Start: at(monday, 8, 0), End: at(monday, 10, 0)}, true},
		{"back to back after", Interval{Start: at(monday, 9, 30), End: at(monday, 10, 0)}, false},
		{"back to back before", Interval{Start: at(monday, 8, 30), End: at(monday, 9, 0)}, false},
		{"disjoint", Interval{Start: at(monday, 11, 0), End: at(monday, 11, 30)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nine.Overlaps(tt.other); got != tt.want {
				t.Fatalf("Overlaps() = %v, want %v", got, tt.want)
			}
			if got := tt.other.Overlaps(nine); got != tt.want {
				t.Fatalf("Overlaps() is not symmetric")
			}
		})
	}
}

func testHours() Hours {
	return Hours{Location: time.UTC, Open: 9 * 60, Close: 18 * 60, ClosedWeekday: time.Sunday}
}

func TestHours_Candidates(t *testing.T) {
	h := testHours()

	slots := h.Candidates(monday, 30*time.Minute)
	if len(slots) != 18 {
		t.Fatalf("expected 18 half hour slots, got %d", len(slots))
	}
	if !slots[0].Start.Equal(at(monday, 9, 0)) || !slots[17].End.Equal(at(monday, 18, 0)) {
		t.Fatalf("unexpected bounds %v .. %v", slots[0].Start, slots[17].End)
	}
	for i := 1; i < len(slots); i++ {
		if !slots[i].Start.Equal(slots[i-1].End) {
			t.Fatalf("slot %d does not follow slot %d", i, i-1)
		}
	}

	// 09:00-18:00 in 40 minute steps leaves a trailing 20 minutes unused
	slots = h.Candidates(monday, 40*time.Minute)
	if len(slots) != 13 || slots[12].End.After(at(monday, 18, 0)) {
		t.Fatalf("unexpected 40 minute slots: %d, last ends %v", len(slots), slots[len(slots)-1].End)
	}

	sunday := monday.AddDate(0, 0, -1)
	if got := h.Candidates(sunday, 30*time.Minute); len(got) != 0 {
		t.Fatalf("closed weekday should have no slots, got %d", len(got))
	}
}

func TestHours_Admits(t *testing.T) {
	h := testHours()

	tests := []struct {
		name string
		iv   Interval
		want bool
	}{
		{"first slot", Interval{Start: at(monday, 9, 0), End: at(monday, 9, 30)}, true},
		{"ends at closing", Interval{Start: at(monday, 17, 30), End: at(monday, 18, 0)}, true},
		{"starts before opening", Interval{Start: at(monday, 8, 45), End: at(monday, 9, 15)}, false},
		{"runs past closing", Interval{Start: at(monday, 17, 45), End: at(monday, 18, 15)}, false},
		{"closed weekday", Interval{Start: at(monday.AddDate(0, 0, -1), 10, 0), End: at(monday.AddDate(0, 0, -1), 10, 30)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.Admits(tt.iv); got != tt.want {
				t.Fatalf("Admits() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHours_CandidatesInClinicZone(t *testing.T) {
	loc := time.FixedZone("clinic", 5*60*60)
	h := Hours{Location: loc, Open: 9 * 60, Close: 10 * 60, ClosedWeekday: time.Sunday}

	day, err := h.ParseDay("2026-03-02")
	if err != nil {
		t.Fatalf("ParseDay: %v", err)
	}
	slots := h.Candidates(day, 30*time.Minute)
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(slots))
	}
	if slots[0].Start.UTC().Hour() != 4 {
		t.Fatalf("09:00 clinic time should be 04:00 UTC, got %v", slots[0].Start.UTC())
	}
}

func TestFreeSlots(t *testing.T) {
	h := testHours()
	candidates := h.Candidates(monday, 30*time.Minute)

	booked := []Appointment{
		{ID: uuid.New(), StartTime: at(monday, 9, 0), EndTime: at(monday, 9, 30), Status: StatusBooked},
		// straddles 10:00-10:30 and 10:30-11:00
		{ID: uuid.New(), StartTime: at(monday, 10, 15), EndTime: at(monday, 10, 45), Status: StatusCheckedIn},
		// cancelled rows free their slot
		{ID: uuid.New(), StartTime: at(monday, 12, 0), EndTime: at(monday, 12, 30), Status: StatusCancelled},
	}

	free := FreeSlots(candidates, booked)
	if len(free) != len(candidates)-3 {
		t.Fatalf("expected %d free slots, got %d", len(candidates)-3, len(free))
	}
	for i := 1; i < len(free); i++ {
		if !free[i].Start.After(free[i-1].Start) {
			t.Fatal("free slots are not chronological")
		}
	}
	for _, f := range free {
		if conflicts(f, booked) != nil {
			t.Fatalf("free slot %v conflicts", f.Start)
		}
		if f.Start.Equal(at(monday, 12, 0)) {
			return
		}
	}
	t.Fatal("slot freed by cancellation is missing")
}

func TestFreeSlots_EveryFreeSlotCanBeBooked(t *testing.T) {
	h := testHours()
	booked := []Appointment{
		{StartTime: at(monday, 9, 20), EndTime: at(monday, 9, 50), Status: StatusBooked},
		{StartTime: at(monday, 14, 0), EndTime: at(monday, 15, 0), Status: StatusConfirmed},
	}

	for _, slot := range FreeSlots(h.Candidates(monday, 15*time.Minute), booked) {
		for _, b := range booked {
			if slot.Overlaps(b.Interval()) {
				t.Fatalf("slot %v overlaps booked %v", slot.Start, b.StartTime)
			}
		}
	}
}
