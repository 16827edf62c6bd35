// Package events distributes state changes to interested live connections.
//
// An Event is built once by the component that changed state, handed to a
// Distributor, and delivered best-effort to the rooms computed by RoomsFor.
// Nothing here ever reports a delivery failure back to the producer.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	AppointmentCreated   Type = "appointment-created"
	AppointmentUpdated   Type = "appointment-updated"
	AppointmentCancelled Type = "appointment-cancelled"
	AppointmentCheckedIn Type = "appointment-checked-in"
	AppointmentCompleted Type = "appointment-completed"
	AppointmentNoShow    Type = "appointment-no-show"
	QueueEntryAdded      Type = "queue-entry-added"
	QueueEntryRemoved    Type = "queue-entry-removed"
	QueuePositionUpdated Type = "queue-position-updated"
	SystemNotice         Type = "system-notice"
)

// Event is an immutable fact about one state change. Pass it by value.
type Event struct {
	ID             uuid.UUID       `json:"id"`
	Type           Type            `json:"type"`
	EntityID       string          `json:"entity_id"`
	RequesterID    string          `json:"requester_id,omitempty"`
	PractitionerID string          `json:"practitioner_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AppointmentPayload is the snapshot carried by appointment-* events.
type AppointmentPayload struct {
	AppointmentID  string    `json:"appointment_id"`
	RequesterID    string    `json:"requester_id"`
	PractitionerID string    `json:"practitioner_id"`
	Date           string    `json:"date"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	Priority       string    `json:"priority"`
	Reason         string    `json:"reason,omitempty"`
}

// QueuePayload is carried by queue-* events.
type QueuePayload struct {
	AppointmentID        string `json:"appointment_id"`
	PractitionerID       string `json:"practitioner_id"`
	Date                 string `json:"date"`
	Position             int    `json:"position"`
	PreviousPosition     int    `json:"previous_position,omitempty"`
	EstimatedWaitMinutes int    `json:"estimated_wait_minutes"`
	Status               string `json:"status"`
}

type NoticePayload struct {
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

// Targets names the personal rooms an event should also reach.
type Targets struct {
	RequesterID    string
	PractitionerID string
}

// New builds an event with a fresh id and timestamp. payload is marshalled
// immediately so later changes to it cannot leak into the event.
func New(t Type, entityID string, targets Targets, payload any) (Event, error) {
	ev := Event{
		ID:             uuid.New(),
		Type:           t,
		EntityID:       entityID,
		RequesterID:    targets.RequesterID,
		PractitionerID: targets.PractitionerID,
		CreatedAt:      time.Now().UTC(),
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		ev.Payload = data
	}

	return ev, nil
}

func NewAppointmentEvent(t Type, p AppointmentPayload) (Event, error) {
	return New(t, p.AppointmentID, Targets{RequesterID: p.RequesterID, PractitionerID: p.PractitionerID}, p)
}

func NewQueueEvent(t Type, requesterID string, p QueuePayload) (Event, error) {
	return New(t, p.AppointmentID, Targets{RequesterID: requesterID, PractitionerID: p.PractitionerID}, p)
}

func NewNotice(message, severity string) (Event, error) {
	return New(SystemNotice, "system", Targets{}, NoticePayload{Message: message, Severity: severity})
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.ID)
	}
	return json.Unmarshal(e.Payload, v)
}
