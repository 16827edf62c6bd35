package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgExclusionViolation  = "23P01"
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

const appointmentColumns = `
	id, requester_id, practitioner_id, appointment_date, start_time, end_time,
	status, priority, COALESCE(reason, ''), check_in_token, COALESCE(cancel_reason, ''),
	checked_in_at, started_at, completed_at, cancelled_at, created_at, updated_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.RequesterID,
		&a.PractitionerID,
		&a.Date,
		&a.StartTime,
		&a.EndTime,
		&a.Status,
		&a.Priority,
		&a.Reason,
		&a.CheckInToken,
		&a.CancelReason,
		&a.CheckedInAt,
		&a.StartedAt,
		&a.CompletedAt,
		&a.CancelledAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, mapPgError(err)
	}

	return &a, nil
}

func collectAppointments(rows pgx.Rows, err error) ([]Appointment, error) {
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}

	return result, nil
}

// mapPgError turns constraint violations into domain errors and connection
// or deadline failures into ErrStoreUnavailable.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgExclusionViolation:
			return ErrSlotUnavailable
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrReferenceNotFound, pgErr.ConstraintName)
		}
		return err
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

// Interface methods

func (r *PgRepository) Create(ctx context.Context, appt *Appointment) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (
			id, requester_id, practitioner_id, appointment_date, start_time, end_time,
			status, priority, reason, check_in_token, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, now(), now())
		RETURNING created_at, updated_at
	`, appt.ID, appt.RequesterID, appt.PractitionerID, appt.DateKey(), appt.StartTime, appt.EndTime,
		appt.Status, appt.Priority, appt.Reason, appt.CheckInToken)

	if err := row.Scan(&appt.CreatedAt, &appt.UpdatedAt); err != nil {
		return mapPgError(err)
	}
	return nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetByCheckInToken(ctx context.Context, token string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE check_in_token = $1
	`, token)
	return scanAppointment(row)
}

func (r *PgRepository) ListForDay(ctx context.Context, practitionerID uuid.UUID, date time.Time, activeOnly bool) ([]Appointment, error) {
	return collectAppointments(r.pool.Query(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE practitioner_id = $1
		  AND appointment_date = $2
		  AND (NOT $3 OR status NOT IN ('cancelled', 'no_show'))
		ORDER BY start_time
	`, practitionerID, DateKey(date), activeOnly))
}

func (r *PgRepository) ListByRequester(ctx context.Context, requesterID uuid.UUID, limit, offset int) ([]Appointment, error) {
	return collectAppointments(r.pool.Query(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE requester_id = $1
		ORDER BY start_time DESC
		LIMIT $2 OFFSET $3
	`, requesterID, limit, offset))
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, change StatusChange) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status        = $2,
		    updated_at    = $4,
		    checked_in_at = CASE WHEN $2 = 'checked_in' THEN $4 ELSE checked_in_at END,
		    started_at    = CASE WHEN $2 = 'in_progress' THEN $4 ELSE started_at END,
		    completed_at  = CASE WHEN $2 = 'completed' THEN $4 ELSE completed_at END,
		    cancelled_at  = CASE WHEN $2 IN ('cancelled', 'no_show') THEN $4 ELSE cancelled_at END,
		    cancel_reason = COALESCE(NULLIF($5, ''), cancel_reason)
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns,
		id, to, from, change.At, change.Reason)

	return scanAppointment(row)
}

func (r *PgRepository) FindOverdue(ctx context.Context, endedBefore time.Time) ([]Appointment, error) {
	return collectAppointments(r.pool.Query(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status IN ('booked', 'confirmed')
		  AND end_time < $1
		ORDER BY end_time
	`, endedBefore))
}

// Reference data, used by the seeder.

func (r *PgRepository) CreatePractitioner(ctx context.Context, tx pgx.Tx, p Practitioner) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO practitioners (id, name, specialty, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
	`, p.ID, p.Name, p.Specialty)
	return mapReferenceError(err)
}

func (r *PgRepository) CreateRequester(ctx context.Context, tx pgx.Tx, q Requester) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO requesters (id, name, email, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
	`, q.ID, q.Name, q.Email, q.Phone)
	return mapReferenceError(err)
}

func mapReferenceError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("duplicate %s: %w", pgErr.ConstraintName, err)
	}
	return mapPgError(err)
}

// Begin starts a transaction for batched reference inserts.
func (r *PgRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// Ping reports whether Postgres answers, for readiness checks.
func (r *PgRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
