package actions

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/stoatlabs/vigil/internal/bus"
	"github.com/stoatlabs/vigil/internal/skills"
)

// NotifySkill raises user-visible notifications on the event bus; whatever
// channels are active (Telegram, the local gateway) deliver them.
type NotifySkill struct {
	events *bus.Bus
	logger *slog.Logger
}

func NewNotifySkill(events *bus.Bus, logger *slog.Logger) *NotifySkill {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifySkill{events: events, logger: logger}
}

func (s *NotifySkill) ID() string   { return "notify" }
func (s *NotifySkill) Name() string { return "Notify" }

func (s *NotifySkill) BaseManifest() skills.Manifest {
	return skills.Manifest{
		Description: "Send a notification to the user.",
		Tools: []skills.ToolDefinition{{
			Name:        "notify_user",
			Description: "Show the user a notification with a short title and body.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"title": {"type": "string"},
					"body":  {"type": "string"}
				},
				"required": ["body"]
			}`),
		}},
	}
}

func (s *NotifySkill) PrivilegedManifest() *skills.Manifest { return nil }

func (s *NotifySkill) Execute(_ context.Context, tool string, params map[string]any, _ skills.Tier) skills.Result {
	if tool != "notify_user" {
		return skills.Errorf("Unknown tool: %s", tool)
	}
	body, _ := params["body"].(string)
	if strings.TrimSpace(body) == "" {
		return skills.Errorf("body is required")
	}
	title, _ := params["title"].(string)

	s.events.Publish(bus.TopicNotification, bus.NotificationEvent{Title: title, Body: body})
	s.logger.Info("notification raised", "title", title)
	return skills.Success("Notification sent.")
}
