package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation    = "23505"
	openSlotConstraint = "appointments_open_slot_uniq"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const appointmentCols = `a.id, a.token, a.villager_id, a.health_worker_id, a.date, a.time,
	a.reason, a.urgency, a.status, a.note, a.document_key, a.created_at, a.updated_at`

// urgencyRankSQL mirrors Urgency.Rank so that paging in SQL agrees with
// the in-memory priority queue.
const urgencyRankSQL = `CASE a.urgency WHEN 'critical' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END`

// Helpers

func scanAccount(row pgx.Row) (*Account, error) {
	var acc Account
	var email *string

	err := row.Scan(
		&acc.ID,
		&acc.Name,
		&email,
		&acc.Role,
		&acc.Available,
		&acc.CreatedAt,
		&acc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	acc.Email = email
	return &acc, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var date pgtype.Date
	var clock pgtype.Time
	var urgency string

	err := row.Scan(
		&a.ID,
		&a.Token,
		&a.VillagerID,
		&a.HealthWorkerID,
		&date,
		&clock,
		&a.Reason,
		&urgency,
		&a.Status,
		&a.Note,
		&a.DocumentKey,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Date = date.Time
	a.Time = timeOfDayFromPg(clock)
	a.Urgency = ParseUrgency(urgency)
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
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
		return nil, err
	}

	return result, nil
}

func pgDate(t time.Time) pgtype.Date {
	y, m, d := t.Date()
	return pgtype.Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC), Valid: true}
}

func pgTimeOfDay(t TimeOfDay) pgtype.Time {
	return pgtype.Time{Microseconds: int64(t.Minutes()) * int64(time.Minute/time.Microsecond), Valid: true}
}

func timeOfDayFromPg(t pgtype.Time) TimeOfDay {
	minutes := t.Microseconds / int64(time.Minute/time.Microsecond)
	return TimeOfDay{Hour: int(minutes / 60), Minute: int(minutes % 60)}
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func mapConstraintErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == openSlotConstraint {
		return ErrDuplicateSlot
	}
	return err
}

// Interface methods

func (r *PgRepository) GetAccountByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, role, available, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`, id)
	return scanAccount(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id int64) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments a
		WHERE a.id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentByToken(ctx context.Context, token uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments a
		WHERE a.token = $1
	`, token)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.VillagerID != nil {
		where = append(where, "a.villager_id = "+arg(*f.VillagerID))
	}
	if f.HealthWorkerID != nil {
		where = append(where, "a.health_worker_id = "+arg(*f.HealthWorkerID))
	}
	if f.Status != nil {
		where = append(where, "a.status = "+arg(string(*f.Status)))
	}
	if f.Urgency != nil {
		where = append(where, "a.urgency = "+arg(string(*f.Urgency)))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		p := arg("%" + s + "%")
		where = append(where, fmt.Sprintf("(a.reason ILIKE %[1]s OR v.name ILIKE %[1]s OR h.name ILIKE %[1]s)", p))
	}

	q := `
		SELECT ` + appointmentCols + `
		FROM appointments a
		LEFT JOIN accounts v ON v.id = a.villager_id
		LEFT JOIN accounts h ON h.id = a.health_worker_id`
	if len(where) > 0 {
		q += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	q += "\n\t\tORDER BY " + urgencyRankSQL + ", a.date, a.time, a.id"
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		q += " OFFSET " + arg(f.Offset)
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) FindOpenAtSlot(ctx context.Context, healthWorkerID uuid.UUID, date time.Time, at TimeOfDay, excludeID int64) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments a
		WHERE a.health_worker_id = $1
		  AND a.date = $2
		  AND a.time = $3
		  AND a.status IN ('pending', 'approved')
		  AND a.id <> $4
		LIMIT 1
	`, healthWorkerID, pgDate(date), pgTimeOfDay(at), excludeID)
	return scanAppointment(row)
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments AS a (token, villager_id, health_worker_id, date, time,
			reason, urgency, status, note, document_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, now()), COALESCE($11, now()))
		RETURNING `+appointmentCols,
		a.Token, a.VillagerID, a.HealthWorkerID, pgDate(a.Date), pgTimeOfDay(a.Time),
		a.Reason, string(a.Urgency), string(a.Status), a.Note, a.DocumentKey, nullableTime(a.CreatedAt),
	)

	created, err := scanAppointment(row)
	if err != nil {
		return nil, mapConstraintErr(err)
	}
	return created, nil
}

// UpdateAppointment writes the mutable fields. token and created_at are
// never touched.
func (r *PgRepository) UpdateAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments AS a
		SET health_worker_id = $2,
		    date = $3,
		    time = $4,
		    reason = $5,
		    urgency = $6,
		    status = $7,
		    note = $8,
		    document_key = $9,
		    updated_at = now()
		WHERE a.id = $1
		RETURNING `+appointmentCols,
		a.ID, a.HealthWorkerID, pgDate(a.Date), pgTimeOfDay(a.Time),
		a.Reason, string(a.Urgency), string(a.Status), a.Note, a.DocumentKey,
	)

	updated, err := scanAppointment(row)
	if err != nil {
		return nil, mapConstraintErr(err)
	}
	return updated, nil
}

func (r *PgRepository) DeleteAppointment(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) FindOverdue(ctx context.Context, today time.Time, cutoff time.Duration) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments a
		WHERE a.status IN ('pending', 'approved')
		  AND (a.date < $1 OR (a.date = $1 AND a.time < $2))
		ORDER BY a.id
	`, pgDate(today), pgtype.Time{Microseconds: cutoff.Microseconds(), Valid: true})
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) UpdateStatusBatch(ctx context.Context, ids []int64, from []Status, to Status) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx, `
		UPDATE appointments
		SET status = $1,
		    updated_at = now()
		WHERE id = ANY($2)
		  AND status = ANY($3)
		RETURNING id
	`, string(to), ids, statusStrings(from))
	if err != nil {
		return nil, err
	}

	changed, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	return changed, nil
}

func (r *PgRepository) Stats(ctx context.Context, today time.Time, upcomingDays int) (*Stats, error) {
	st := &Stats{
		ByStatus:  map[Status]int{},
		ByUrgency: map[Urgency]int{},
	}

	rows, err := r.pool.Query(ctx, `SELECT status, urgency, count(*) FROM appointments GROUP BY status, urgency`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status, urgency string
		var n int
		if err := rows.Scan(&status, &urgency, &n); err != nil {
			return nil, err
		}
		st.Total += n
		st.ByStatus[Status(status)] += n
		st.ByUrgency[ParseUrgency(urgency)] += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = r.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE date = $1),
			count(*) FILTER (WHERE date >= $1 AND date <= $2 AND status IN ('pending', 'approved'))
		FROM appointments
	`, pgDate(today), pgDate(today.AddDate(0, 0, upcomingDays))).Scan(&st.Today, &st.Upcoming)
	if err != nil {
		return nil, fmt.Errorf("count today and upcoming: %w", err)
	}

	return st, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
