package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/appointment"
	"github.com/hackgods/consultation-queue/internal/events"
	"github.com/hackgods/consultation-queue/internal/queue"
	"github.com/hackgods/consultation-queue/internal/ratelimit"
)

// TransitionResponse is returned by lifecycle endpoints. Warning is set when
// the status change was stored but the live queue could not follow it.
type TransitionResponse struct {
	AppointmentResponse
	Warning string `json:"warning,omitempty"`
}

type transitionFunc func(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)

func createAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeServiceError(w, err)
			return
		}

		practitionerID, err := appointment.ParseID(req.PractitionerID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_practitioner_id", "practitioner_id must be a valid UUID")
			return
		}
		requesterID, err := appointment.ParseID(req.RequesterID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_requester_id", "requester_id must be a valid UUID")
			return
		}
		priority, err := appointment.ParsePriority(req.Priority)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		var date time.Time
		if req.Date != "" {
			if date, err = svc.Hours().ParseDay(req.Date); err != nil {
				writeServiceError(w, err)
				return
			}
		} else {
			date = svc.Hours().Day(req.StartTime)
		}

		appt, err := svc.CreateAppointment(r.Context(), appointment.CreateRequest{
			PractitionerID: practitionerID,
			RequesterID:    requesterID,
			Date:           date,
			StartTime:      req.StartTime,
			EndTime:        req.EndTime,
			Priority:       priority,
			Reason:         req.Reason,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(*appt))
	}
}

func getAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := appointment.ParseID(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func listRequesterAppointmentsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requesterID, err := appointment.ParseID(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_requester_id", "id must be a valid UUID")
			return
		}

		limit := queryInt(r, "limit", 0)
		offset := queryInt(r, "offset", 0)

		list, err := svc.ListAppointmentsByRequester(r.Context(), requesterID, limit, offset)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, AppointmentListResponse{
			Appointments: toAppointmentList(list),
			Limit:        limit,
			Offset:       offset,
		})
	}
}

func listPractitionerDayHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		practitionerID, date, ok := practitionerDay(w, r, svc.Hours())
		if !ok {
			return
		}

		list, err := svc.ListAppointmentsForDay(r.Context(), practitionerID, date)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, AppointmentListResponse{Appointments: toAppointmentList(list)})
	}
}

// transitionHandler serves one of the POST /appointments/{id}/<action> routes.
func transitionHandler(op transitionFunc, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := appointment.ParseID(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := op(r.Context(), id)
		writeTransition(w, appt, err, log)
	}
}

func cancelAppointmentHandler(svc *appointment.Service, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := appointment.ParseID(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		var req CancelRequest
		if r.ContentLength != 0 {
			if err := decodeJSON(w, r, &req); err != nil {
				writeServiceError(w, err)
				return
			}
		}

		appt, err := svc.CancelAppointment(r.Context(), id, req.Reason)
		writeTransition(w, appt, err, log)
	}
}

// checkInByTokenHandler is the kiosk arrival endpoint. Unknown tokens count
// as failed attempts against the login backoff so tokens cannot be guessed
// at speed.
func checkInByTokenHandler(svc *appointment.Service, backoff *ratelimit.Backoff, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client := ratelimit.ClientIdentifier(r)
		if backoff != nil {
			if res := backoff.Check(client); !res.Allowed {
				setRateLimitHeaders(w, res)
				writeRateLimited(w, res)
				return
			}
		}

		var req CheckInRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeServiceError(w, err)
			return
		}

		appt, err := svc.CheckInByToken(r.Context(), strings.TrimSpace(req.Token))
		if backoff != nil {
			switch {
			case errors.Is(err, appointment.ErrAppointmentNotFound):
				backoff.RecordFailure(client)
			case err == nil:
				backoff.RecordSuccess(client)
			}
		}
		writeTransition(w, appt, err, log)
	}
}

func bulkStatusHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BulkStatusRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeServiceError(w, err)
			return
		}

		ids, err := parseIDs(req.IDs)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		status, err := appointment.ParseStatus(req.Status)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		res, err := svc.BulkUpdateStatus(r.Context(), ids, status)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, res)
	}
}

func bulkCancelHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BulkCancelRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeServiceError(w, err)
			return
		}

		ids, err := parseIDs(req.IDs)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, svc.BulkCancel(r.Context(), ids, req.Reason))
	}
}

func availableSlotsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		practitionerID, date, ok := practitionerDay(w, r, svc.Hours())
		if !ok {
			return
		}

		minutes := queryInt(r, "duration", 0)
		if minutes < 0 {
			writeError(w, http.StatusBadRequest, "invalid_duration", "duration must be a positive number of minutes")
			return
		}

		slots, err := svc.FindAvailableSlots(r.Context(), practitionerID, date, time.Duration(minutes)*time.Minute)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		if minutes == 0 && len(slots) > 0 {
			minutes = int(slots[0].Duration() / time.Minute)
		}
		writeJSON(w, http.StatusOK, SlotsResponse{
			PractitionerID:  practitionerID,
			Date:            appointment.DateKey(date),
			DurationMinutes: minutes,
			Slots:           slots,
		})
	}
}

func queueSnapshotHandler(svc *appointment.Service, mgr *queue.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		practitionerID, date, ok := practitionerDay(w, r, svc.Hours())
		if !ok {
			return
		}

		entries, err := mgr.Snapshot(r.Context(), practitionerID, date)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if entries == nil {
			entries = []queue.Entry{}
		}

		writeJSON(w, http.StatusOK, QueueResponse{
			PractitionerID: practitionerID,
			Date:           appointment.DateKey(date),
			Entries:        entries,
		})
	}
}

// queuePositionHandler is the polling fallback for a requester who may have
// missed a queue-position-updated push.
func queuePositionHandler(svc *appointment.Service, mgr *queue.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := appointment.ParseID(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		entry, err := mgr.Lookup(r.Context(), *appt)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, entry)
	}
}

func noticeHandler(publisher events.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req NoticeRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeServiceError(w, err)
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
			return
		}

		ev, err := events.NewNotice(req.Message, req.Severity)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		publisher.Distribute(ev)

		writeJSON(w, http.StatusAccepted, map[string]string{"id": ev.ID.String()})
	}
}

func practitionerDay(w http.ResponseWriter, r *http.Request, hours appointment.Hours) (uuid.UUID, time.Time, bool) {
	practitionerID, err := appointment.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_practitioner_id", "id must be a valid UUID")
		return uuid.Nil, time.Time{}, false
	}

	raw := r.URL.Query().Get("date")
	if raw == "" {
		return practitionerID, hours.Day(time.Now()), true
	}

	date, err := hours.ParseDay(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return uuid.Nil, time.Time{}, false
	}
	return practitionerID, date, true
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func writeTransition(w http.ResponseWriter, appt *appointment.Appointment, err error, log zerolog.Logger) {
	if err != nil && appt == nil {
		writeServiceError(w, err)
		return
	}

	resp := TransitionResponse{AppointmentResponse: toAppointmentResponse(*appt)}
	if err != nil {
		log.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("status stored, queue out of sync")
		resp.Warning = "queue update pending, refresh the queue shortly"
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeServiceError maps domain errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, appointment.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrReferenceNotFound):
		writeError(w, http.StatusNotFound, "reference_not_found", err.Error())
	case errors.Is(err, queue.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "queue_entry_not_found", err.Error())
	case errors.Is(err, appointment.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, appointment.ErrStoreUnavailable):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", appointment.ErrStoreUnavailable.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
