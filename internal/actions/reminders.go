// Package actions ships the built-in device-action skills: reminders,
// user notifications, and device state.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"

	"github.com/stoatlabs/vigil/internal/persistence"
	"github.com/stoatlabs/vigil/internal/skills"
)

// cronParser accepts standard 5-field expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextFireTime computes the next fire time of a cron expression after the
// given instant.
func NextFireTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched.Next(after), nil
}

// ReminderStore is the persistence surface the reminders skill needs.
type ReminderStore interface {
	CreateReminder(ctx context.Context, r persistence.Reminder) error
	ActiveReminders(ctx context.Context) ([]persistence.Reminder, error)
	MarkReminderFired(ctx context.Context, id string, at time.Time) error
	DeactivateReminder(ctx context.Context, id string) error
}

// RemindersSkill lets the agent set, list, and cancel reminders. Fired
// reminders re-enter the system through the heartbeat gateway; the Fire
// callback is injected by the runtime to avoid owning that path here.
type RemindersSkill struct {
	store  ReminderStore
	logger *slog.Logger
	clock  func() time.Time
}

func NewRemindersSkill(store ReminderStore, logger *slog.Logger) *RemindersSkill {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemindersSkill{store: store, logger: logger, clock: time.Now}
}

func (s *RemindersSkill) ID() string   { return "reminders" }
func (s *RemindersSkill) Name() string { return "Reminders" }

func (s *RemindersSkill) BaseManifest() skills.Manifest {
	return skills.Manifest{
		Description: "Set, list, and cancel reminders. Fired reminders wake the assistant.",
		Tools: []skills.ToolDefinition{
			{
				Name:        "remind_set",
				Description: "Set a reminder. Use in_minutes for one-shot reminders or cron for recurring ones.",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"message":    {"type": "string", "description": "what to remind about"},
						"in_minutes": {"type": "number", "minimum": 1},
						"cron":       {"type": "string", "description": "5-field cron expression"}
					},
					"required": ["message"]
				}`),
			},
			{
				Name:        "remind_list",
				Description: "List active reminders.",
				InputSchema: json.RawMessage(`{"type":"object"}`),
			},
			{
				Name:        "remind_cancel",
				Description: "Cancel a reminder by id.",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {"id": {"type": "string"}},
					"required": ["id"]
				}`),
			},
		},
	}
}

func (s *RemindersSkill) PrivilegedManifest() *skills.Manifest { return nil }

func (s *RemindersSkill) Execute(ctx context.Context, tool string, params map[string]any, _ skills.Tier) skills.Result {
	switch tool {
	case "remind_set":
		return s.set(ctx, params)
	case "remind_list":
		return s.list(ctx)
	case "remind_cancel":
		return s.cancel(ctx, params)
	default:
		return skills.Errorf("Unknown tool: %s", tool)
	}
}

func (s *RemindersSkill) set(ctx context.Context, params map[string]any) skills.Result {
	message, _ := params["message"].(string)
	if strings.TrimSpace(message) == "" {
		return skills.Errorf("message is required")
	}
	r := persistence.Reminder{ID: uuid.NewString(), Message: message}

	if expr, ok := params["cron"].(string); ok && strings.TrimSpace(expr) != "" {
		if _, err := NextFireTime(expr, s.clock()); err != nil {
			return skills.Errorf("invalid cron expression: %v", err)
		}
		r.Schedule = strings.TrimSpace(expr)
	} else if mins, ok := numberParam(params["in_minutes"]); ok && mins >= 1 {
		at := s.clock().Add(time.Duration(mins * float64(time.Minute)))
		r.FireAt = &at
	} else {
		return skills.Errorf("either in_minutes or cron is required")
	}

	if err := s.store.CreateReminder(ctx, r); err != nil {
		return skills.Errorf("save reminder: %v", err)
	}
	s.logger.Info("reminder created", "reminder_id", r.ID, "recurring", r.Schedule != "")
	if r.FireAt != nil {
		return skills.Success(fmt.Sprintf("Reminder %s set for %s: %s", r.ID, r.FireAt.Format(time.RFC3339), message))
	}
	return skills.Success(fmt.Sprintf("Recurring reminder %s set (%s): %s", r.ID, r.Schedule, message))
}

func (s *RemindersSkill) list(ctx context.Context) skills.Result {
	active, err := s.store.ActiveReminders(ctx)
	if err != nil {
		return skills.Errorf("list reminders: %v", err)
	}
	if len(active) == 0 {
		return skills.Success("No active reminders.")
	}
	var sb strings.Builder
	for _, r := range active {
		when := r.Schedule
		if r.FireAt != nil {
			when = r.FireAt.Format(time.RFC3339)
		}
		fmt.Fprintf(&sb, "- %s (%s): %s\n", r.ID, when, r.Message)
	}
	return skills.Success(strings.TrimSpace(sb.String()))
}

func (s *RemindersSkill) cancel(ctx context.Context, params map[string]any) skills.Result {
	id, _ := params["id"].(string)
	if id == "" {
		return skills.Errorf("id is required")
	}
	if err := s.store.DeactivateReminder(ctx, id); err != nil {
		return skills.Errorf("cancel reminder: %v", err)
	}
	return skills.Success("Reminder " + id + " cancelled.")
}

// numberParam accepts the numeric types JSON decoding may produce.
func numberParam(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// ReminderScheduler polls active reminders and fires due ones through the
// injected callback (wired by the runtime to the heartbeat gateway).
type ReminderScheduler struct {
	store    ReminderStore
	logger   *slog.Logger
	interval time.Duration
	clock    func() time.Time

	// Fire delivers a due reminder. Required before Start.
	Fire func(ctx context.Context, r persistence.Reminder)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReminderScheduler(store ReminderStore, logger *slog.Logger, interval time.Duration) *ReminderScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &ReminderScheduler{
		store:    store,
		logger:   logger,
		interval: interval,
		clock:    time.Now,
	}
}

// Start begins the polling loop in a background goroutine.
func (rs *ReminderScheduler) Start(ctx context.Context) {
	ctx, rs.cancel = context.WithCancel(ctx)
	rs.wg.Add(1)
	go rs.loop(ctx)
	rs.logger.Info("reminder scheduler started", "interval", rs.interval)
}

// Stop cancels the loop and waits for it to exit.
func (rs *ReminderScheduler) Stop() {
	if rs.cancel != nil {
		rs.cancel()
	}
	rs.wg.Wait()
	rs.logger.Info("reminder scheduler stopped")
}

func (rs *ReminderScheduler) loop(ctx context.Context) {
	defer rs.wg.Done()
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	rs.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.tick(ctx)
		}
	}
}

func (rs *ReminderScheduler) tick(ctx context.Context) {
	active, err := rs.store.ActiveReminders(ctx)
	if err != nil {
		rs.logger.Error("query reminders failed", "error", err)
		return
	}
	now := rs.clock()
	for _, r := range active {
		if !rs.due(r, now) {
			continue
		}
		if err := rs.store.MarkReminderFired(ctx, r.ID, now); err != nil {
			rs.logger.Error("mark reminder fired failed", "reminder_id", r.ID, "error", err)
			continue
		}
		rs.logger.Info("reminder fired", "reminder_id", r.ID)
		if rs.Fire != nil {
			rs.Fire(ctx, r)
		}
	}
}

// due decides whether the reminder should fire now. One-shots fire once
// their time has passed; recurring ones fire when the next cron instant
// after the last fire (or creation) has passed.
func (rs *ReminderScheduler) due(r persistence.Reminder, now time.Time) bool {
	if r.FireAt != nil {
		return !now.Before(*r.FireAt)
	}
	if r.Schedule == "" {
		return false
	}
	since := r.CreatedAt
	if r.LastFiredAt != nil {
		since = *r.LastFiredAt
	}
	next, err := NextFireTime(r.Schedule, since)
	if err != nil {
		rs.logger.Warn("unparseable reminder schedule", "reminder_id", r.ID, "error", err)
		return false
	}
	return !now.Before(next)
}
