package appointment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type BulkFailure struct {
	ID    uuid.UUID `json:"id"`
	Error string    `json:"error"`
	err   error
}

func (f BulkFailure) Err() error { return f.err }

type BulkResult struct {
	Succeeded int           `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// BulkUpdateStatus applies the lifecycle operation for status to every id.
// Items are independent: one failure does not stop or undo the others.
func (s *Service) BulkUpdateStatus(ctx context.Context, ids []uuid.UUID, status Status) (BulkResult, error) {
	if !reachable(status) {
		return BulkResult{}, fmt.Errorf("%w: %s is not a target status", ErrInvalidRequest, status)
	}
	return s.bulk(ctx, ids, func(id uuid.UUID) error {
		_, err := s.transition(ctx, id, status, "")
		return err
	}), nil
}

// BulkCancel cancels every id with the same reason, best effort.
func (s *Service) BulkCancel(ctx context.Context, ids []uuid.UUID, reason string) BulkResult {
	return s.bulk(ctx, ids, func(id uuid.UUID) error {
		_, err := s.transition(ctx, id, StatusCancelled, reason)
		return err
	})
}

func (s *Service) bulk(ctx context.Context, ids []uuid.UUID, apply func(uuid.UUID) error) BulkResult {
	result := BulkResult{Failed: []BulkFailure{}}

	for _, id := range ids {
		err := ctx.Err()
		if err == nil {
			err = apply(id)
		}
		if err != nil {
			result.Failed = append(result.Failed, BulkFailure{ID: id, Error: err.Error(), err: err})
			continue
		}
		result.Succeeded++
	}

	if len(result.Failed) > 0 {
		s.log.Info().
			Int("succeeded", result.Succeeded).
			Int("failed", len(result.Failed)).
			Msg("bulk operation finished with failures")
	}
	return result
}

func reachable(status Status) bool {
	for from := range transitions {
		if CanTransition(from, status) {
			return true
		}
	}
	return false
}

// MarkOverdueNoShows marks BOOKED and CONFIRMED appointments whose end time
// passed more than the grace period ago as NO_SHOW. It is called by the
// no-show worker periodically and returns how many were marked.
func (s *Service) MarkOverdueNoShows(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.noShowGrace)

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	overdue, err := s.repo.FindOverdue(storeCtx, cutoff)
	cancel()
	if err != nil {
		return 0, ClassifyStoreError(fmt.Errorf("find overdue appointments: %w", err))
	}

	marked := 0
	for _, appt := range overdue {
		if err := ctx.Err(); err != nil {
			return marked, err
		}

		_, err := s.transition(ctx, appt.ID, StatusNoShow, "not checked in")
		switch {
		case err == nil:
			marked++
		case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrAppointmentNotFound):
			// checked in or cancelled since it was listed
		default:
			s.log.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("failed to mark no-show")
		}
	}

	return marked, nil
}
