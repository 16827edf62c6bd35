package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/consultation-queue/internal/appointment"
	"github.com/hackgods/consultation-queue/internal/queue"
)

const maxBodyBytes = 1 << 20

type CreateAppointmentRequest struct {
	PractitionerID string    `json:"practitioner_id"`
	RequesterID    string    `json:"requester_id"`
	Date           string    `json:"date"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Priority       string    `json:"priority,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CheckInRequest struct {
	Token string `json:"token"`
}

type BulkStatusRequest struct {
	IDs    []string `json:"ids"`
	Status string   `json:"status"`
}

type BulkCancelRequest struct {
	IDs    []string `json:"ids"`
	Reason string   `json:"reason,omitempty"`
}

type NoticeRequest struct {
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

type AppointmentResponse struct {
	ID             uuid.UUID  `json:"id"`
	RequesterID    uuid.UUID  `json:"requester_id"`
	PractitionerID uuid.UUID  `json:"practitioner_id"`
	Date           string     `json:"date"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        time.Time  `json:"end_time"`
	Status         string     `json:"status"`
	Priority       string     `json:"priority"`
	Reason         string     `json:"reason,omitempty"`
	CheckInToken   string     `json:"check_in_token,omitempty"`
	CancelReason   string     `json:"cancel_reason,omitempty"`
	CheckedInAt    *time.Time `json:"checked_in_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func toAppointmentResponse(a appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:             a.ID,
		RequesterID:    a.RequesterID,
		PractitionerID: a.PractitionerID,
		Date:           a.DateKey(),
		StartTime:      a.StartTime,
		EndTime:        a.EndTime,
		Status:         string(a.Status),
		Priority:       string(a.Priority),
		Reason:         a.Reason,
		CheckInToken:   a.CheckInToken,
		CancelReason:   a.CancelReason,
		CheckedInAt:    a.CheckedInAt,
		StartedAt:      a.StartedAt,
		CompletedAt:    a.CompletedAt,
		CancelledAt:    a.CancelledAt,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

type AppointmentListResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
	Limit        int                   `json:"limit,omitempty"`
	Offset       int                   `json:"offset,omitempty"`
}

func toAppointmentList(list []appointment.Appointment) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(list))
	for _, a := range list {
		out = append(out, toAppointmentResponse(a))
	}
	return out
}

type SlotsResponse struct {
	PractitionerID  uuid.UUID              `json:"practitioner_id"`
	Date            string                 `json:"date"`
	DurationMinutes int                    `json:"duration_minutes"`
	Slots           []appointment.Interval `json:"slots"`
}

type QueueResponse struct {
	PractitionerID uuid.UUID     `json:"practitioner_id"`
	Date           string        `json:"date"`
	Entries        []queue.Entry `json:"entries"`
}

type ErrorResponse struct {
	Error     string     `json:"error"`
	Details   string     `json:"details,omitempty"`
	ResetTime *time.Time `json:"reset_time,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// decodeJSON reads a single JSON object of at most maxBodyBytes into v.
// Unknown fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", appointment.ErrInvalidRequest)
		}
		return fmt.Errorf("%w: %v", appointment.ErrInvalidRequest, err)
	}
	return nil
}

func parseIDs(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: ids are required", appointment.ErrInvalidRequest)
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := appointment.ParseID(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
