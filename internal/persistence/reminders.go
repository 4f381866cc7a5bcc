package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrReminderNotFound is returned when a reminder id does not exist.
var ErrReminderNotFound = errors.New("reminder not found")

// Reminder is a scheduled prompt injection. Schedule holds a cron
// expression for recurring reminders; one-shot reminders use FireAt.
type Reminder struct {
	ID          string
	Message     string
	Schedule    string
	FireAt      *time.Time
	Active      bool
	CreatedAt   time.Time
	LastFiredAt *time.Time
}

// CreateReminder persists a new reminder.
func (s *Store) CreateReminder(ctx context.Context, r Reminder) error {
	if r.ID == "" {
		return fmt.Errorf("reminder id required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO reminders (id, message, schedule, fire_at, active, created_at)
			 VALUES (?, ?, ?, ?, 1, ?)`,
			r.ID, r.Message, r.Schedule, r.FireAt, r.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert reminder: %w", err)
		}
		return nil
	})
}

// ActiveReminders returns all reminders still eligible to fire.
func (s *Store) ActiveReminders(ctx context.Context) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message, schedule, fire_at, active, created_at, last_fired_at
		 FROM reminders WHERE active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		var r Reminder
		if err := rows.Scan(&r.ID, &r.Message, &r.Schedule, &r.FireAt, &r.Active, &r.CreatedAt, &r.LastFiredAt); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetReminder loads one reminder by id.
func (s *Store) GetReminder(ctx context.Context, id string) (*Reminder, error) {
	var r Reminder
	err := s.db.QueryRowContext(ctx,
		`SELECT id, message, schedule, fire_at, active, created_at, last_fired_at
		 FROM reminders WHERE id = ?`, id).
		Scan(&r.ID, &r.Message, &r.Schedule, &r.FireAt, &r.Active, &r.CreatedAt, &r.LastFiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReminderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query reminder: %w", err)
	}
	return &r, nil
}

// MarkReminderFired stamps the fire time. One-shot reminders (no schedule)
// are deactivated in the same statement.
func (s *Store) MarkReminderFired(ctx context.Context, id string, at time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE reminders
			 SET last_fired_at = ?, active = CASE WHEN schedule = '' THEN 0 ELSE active END
			 WHERE id = ?`, at.UTC(), id)
		if err != nil {
			return fmt.Errorf("mark reminder fired: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrReminderNotFound
		}
		return nil
	})
}

// DeactivateReminder cancels a reminder without deleting its record.
func (s *Store) DeactivateReminder(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE reminders SET active = 0 WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deactivate reminder: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrReminderNotFound
		}
		return nil
	})
}
