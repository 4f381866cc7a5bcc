package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/stoatlabs/vigil/internal/skills"
)

// DeviceSkill exposes device state readings at the base tier and a reboot
// tool, behind the approval gate, at the privileged tier.
type DeviceSkill struct {
	logger *slog.Logger

	// sysfs roots, overridable for tests.
	powerSupplyDir string
	uptimePath     string

	// reboot runs the actual reboot command; injected for tests.
	reboot func(ctx context.Context) error
}

func NewDeviceSkill(logger *slog.Logger) *DeviceSkill {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceSkill{
		logger:         logger,
		powerSupplyDir: "/sys/class/power_supply",
		uptimePath:     "/proc/uptime",
		reboot: func(ctx context.Context) error {
			return exec.CommandContext(ctx, "systemctl", "reboot").Run()
		},
	}
}

func (s *DeviceSkill) ID() string   { return "device" }
func (s *DeviceSkill) Name() string { return "Device" }

func (s *DeviceSkill) BaseManifest() skills.Manifest {
	return skills.Manifest{
		Description: "Read device state.",
		Tools: []skills.ToolDefinition{
			{
				Name:        "device_battery",
				Description: "Report the battery charge level and status.",
				InputSchema: json.RawMessage(`{"type":"object"}`),
			},
			{
				Name:        "device_uptime",
				Description: "Report how long the device has been running.",
				InputSchema: json.RawMessage(`{"type":"object"}`),
			},
		},
	}
}

func (s *DeviceSkill) PrivilegedManifest() *skills.Manifest {
	return &skills.Manifest{
		Tools: []skills.ToolDefinition{{
			Name:             "device_reboot",
			Description:      "Reboot the device.",
			InputSchema:      json.RawMessage(`{"type":"object"}`),
			RequiresApproval: true,
		}},
	}
}

func (s *DeviceSkill) Execute(ctx context.Context, tool string, _ map[string]any, tier skills.Tier) skills.Result {
	switch tool {
	case "device_battery":
		return s.battery()
	case "device_uptime":
		return s.uptime()
	case "device_reboot":
		if tier != skills.TierPrivileged {
			return skills.Errorf("device_reboot requires the privileged tier")
		}
		s.logger.Warn("reboot requested")
		if err := s.reboot(ctx); err != nil {
			return skills.Errorf("reboot failed: %v", err)
		}
		return skills.Success("Reboot initiated.")
	default:
		return skills.Errorf("Unknown tool: %s", tool)
	}
}

func (s *DeviceSkill) battery() skills.Result {
	entries, err := os.ReadDir(s.powerSupplyDir)
	if err != nil {
		return skills.Errorf("no battery information available: %v", err)
	}
	for _, e := range entries {
		capPath := filepath.Join(s.powerSupplyDir, e.Name(), "capacity")
		data, err := os.ReadFile(capPath)
		if err != nil {
			continue
		}
		level, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			continue
		}
		status := "unknown"
		if st, err := os.ReadFile(filepath.Join(s.powerSupplyDir, e.Name(), "status")); err == nil {
			status = strings.ToLower(strings.TrimSpace(string(st)))
		}
		return skills.Success(fmt.Sprintf("Battery %s: %d%% (%s)", e.Name(), level, status))
	}
	return skills.Errorf("no battery found under %s", s.powerSupplyDir)
}

func (s *DeviceSkill) uptime() skills.Result {
	data, err := os.ReadFile(s.uptimePath)
	if err != nil {
		return skills.Errorf("read uptime: %v", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return skills.Errorf("malformed uptime data")
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return skills.Errorf("malformed uptime data: %v", err)
	}
	d := time.Duration(secs) * time.Second
	return skills.Success(fmt.Sprintf("Up for %s.", d.Round(time.Second)))
}
