package appointment

import (
	"fmt"
	"time"

	"github.com/hackgods/consultation-queue/internal/config"
)

// Interval is a half-open [Start, End) span of time.
type Interval struct {
	Start time.Time `json:"start_time"`
	End   time.Time `json:"end_time"`
}

// Overlaps reports whether two half-open intervals share any instant.
// Back to back intervals do not overlap.
func (a Interval) Overlaps(b Interval) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

func (a Interval) Duration() time.Duration {
	return a.End.Sub(a.Start)
}

// Hours describes when the clinic takes appointments.
type Hours struct {
	Location      *time.Location
	Open          int // minutes after midnight
	Close         int
	ClosedWeekday time.Weekday
}

func HoursFromConfig(c config.ClinicConfig) Hours {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	return Hours{
		Location:      loc,
		Open:          c.OpenMinute,
		Close:         c.CloseMinute,
		ClosedWeekday: c.ClosedWeekday,
	}
}

// Day returns midnight of t's calendar day in the clinic location.
func (h Hours) Day(t time.Time) time.Time {
	y, m, d := t.In(h.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, h.Location)
}

// ParseDay parses YYYY-MM-DD as a clinic calendar day.
func (h Hours) ParseDay(s string) (time.Time, error) {
	day, err := time.ParseInLocation(time.DateOnly, s, h.Location)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q: %v", ErrInvalidRequest, s, err)
	}
	return day, nil
}

// Admits reports whether iv lies within business hours of a single open day.
func (h Hours) Admits(iv Interval) bool {
	day := h.Day(iv.Start)
	if day.Weekday() == h.ClosedWeekday {
		return false
	}
	y, m, d := day.Date()
	open := time.Date(y, m, d, 0, h.Open, 0, 0, h.Location)
	closing := time.Date(y, m, d, 0, h.Close, 0, 0, h.Location)
	return !iv.Start.Before(open) && !iv.End.After(closing)
}

// Candidates generates back to back slots of length d inside business hours
// for day. The closed weekday has none, and a trailing slot that would run
// past closing time is left out.
func (h Hours) Candidates(day time.Time, d time.Duration) []Interval {
	day = h.Day(day)
	if day.Weekday() == h.ClosedWeekday || d <= 0 {
		return nil
	}

	y, m, dd := day.Date()
	open := time.Date(y, m, dd, 0, h.Open, 0, 0, h.Location)
	closing := time.Date(y, m, dd, 0, h.Close, 0, 0, h.Location)

	var slots []Interval
	for start := open; !start.Add(d).After(closing); start = start.Add(d) {
		slots = append(slots, Interval{Start: start, End: start.Add(d)})
	}
	return slots
}

// FreeSlots drops every candidate that overlaps a booked interval. Order is
// preserved.
func FreeSlots(candidates []Interval, booked []Appointment) []Interval {
	free := make([]Interval, 0, len(candidates))
	for _, c := range candidates {
		if conflicts(c, booked) == nil {
			free = append(free, c)
		}
	}
	return free
}

// conflicts returns the first active appointment overlapping iv.
func conflicts(iv Interval, booked []Appointment) *Appointment {
	for i := range booked {
		if !booked[i].Status.Active() {
			continue
		}
		if iv.Overlaps(booked[i].Interval()) {
			return &booked[i]
		}
	}
	return nil
}
