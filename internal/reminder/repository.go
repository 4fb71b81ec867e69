package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Period filters for the list tool.
type Period string

const (
	PeriodToday Period = "today"
	PeriodWeek  Period = "week"
)

// ErrNotFound is returned when a reminder does not exist or is deleted.
var ErrNotFound = errors.New("reminder not found")

// Store is the repository surface the scheduler and the tool plugins use.
type Store interface {
	Create(ctx context.Context, r *Reminder) error
	Get(ctx context.Context, id uuid.UUID) (*Reminder, error)
	List(ctx context.Context, deviceUUID uuid.UUID, period Period, status Status) ([]*Reminder, error)
	ListDue(ctx context.Context, before time.Time) ([]*Reminder, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error
	IncrementRetry(ctx context.Context, id uuid.UUID, nextAttempt time.Time) error
	Delete(ctx context.Context, ids []uuid.UUID) (int, error)
}

// Repository is the pgx-backed Store.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const reminderColumns = `id, device_uuid, device_mac, title, content, metadata, remind_at, status, retry_count, received_at, created_at, updated_at`

func (s *Repository) Create(ctx context.Context, r *Reminder) error {
	query := `
		INSERT INTO reminders (` + reminderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.pool.Exec(ctx, query,
		r.ID, r.DeviceUUID, r.DeviceMAC, r.Title, r.Content, r.Metadata,
		r.RemindAt, r.Status, r.RetryCount, r.ReceivedAt, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create reminder: %w", err)
	}
	return nil
}

func scanReminder(row pgx.Row) (*Reminder, error) {
	r := &Reminder{}
	err := row.Scan(&r.ID, &r.DeviceUUID, &r.DeviceMAC, &r.Title, &r.Content,
		&r.Metadata, &r.RemindAt, &r.Status, &r.RetryCount, &r.ReceivedAt,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan reminder: %w", err)
	}
	return r, nil
}

func (s *Repository) Get(ctx context.Context, id uuid.UUID) (*Reminder, error) {
	query := `
		SELECT ` + reminderColumns + `
		FROM reminders
		WHERE id = $1 AND deleted_at IS NULL`
	return scanReminder(s.pool.QueryRow(ctx, query, id))
}

func (s *Repository) List(ctx context.Context, deviceUUID uuid.UUID, period Period, status Status) ([]*Reminder, error) {
	from := time.Now().UTC()
	var to time.Time
	switch period {
	case PeriodWeek:
		to = from.AddDate(0, 0, 7)
	default:
		year, month, day := from.Date()
		to = time.Date(year, month, day, 23, 59, 59, 0, time.UTC)
	}

	query := `
		SELECT ` + reminderColumns + `
		FROM reminders
		WHERE device_uuid = $1 AND status = $2
		  AND remind_at BETWEEN $3 AND $4
		  AND deleted_at IS NULL
		ORDER BY remind_at ASC`

	rows, err := s.pool.Query(ctx, query, deviceUUID, status, from, to)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	defer rows.Close()

	return collectReminders(rows)
}

// ListDue returns pending reminders whose fire time has passed; the
// scheduler loads these at startup and on poll.
func (s *Repository) ListDue(ctx context.Context, before time.Time) ([]*Reminder, error) {
	query := `
		SELECT ` + reminderColumns + `
		FROM reminders
		WHERE status = $1 AND remind_at <= $2 AND deleted_at IS NULL
		ORDER BY remind_at ASC`

	rows, err := s.pool.Query(ctx, query, StatusPending, before)
	if err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}
	defer rows.Close()

	return collectReminders(rows)
}

func collectReminders(rows pgx.Rows) ([]*Reminder, error) {
	var out []*Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := current.Transition(status, time.Now().UTC()); err != nil {
		return err
	}

	query := `
		UPDATE reminders
		SET status = $1, received_at = $2, updated_at = $3
		WHERE id = $4 AND deleted_at IS NULL`

	tag, err := s.pool.Exec(ctx, query, current.Status, current.ReceivedAt, current.UpdatedAt, id)
	if err != nil {
		return fmt.Errorf("update reminder status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementRetry bumps the retry counter and pushes remind_at to the next
// attempt time, keeping the reminder PENDING.
func (s *Repository) IncrementRetry(ctx context.Context, id uuid.UUID, nextAttempt time.Time) error {
	query := `
		UPDATE reminders
		SET retry_count = retry_count + 1, remind_at = $1, updated_at = $2
		WHERE id = $3 AND deleted_at IS NULL`

	tag, err := s.pool.Exec(ctx, query, nextAttempt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("increment reminder retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes the given reminders and reports how many rows
// were affected.
func (s *Repository) Delete(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `UPDATE reminders SET deleted_at = $1 WHERE id = ANY($2) AND deleted_at IS NULL`
	tag, err := s.pool.Exec(ctx, query, time.Now().UTC(), ids)
	if err != nil {
		return 0, fmt.Errorf("delete reminders: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
