package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/stoatlabs/vigil/internal/actions"
	"github.com/stoatlabs/vigil/internal/agent"
	"github.com/stoatlabs/vigil/internal/bus"
	"github.com/stoatlabs/vigil/internal/channels"
	"github.com/stoatlabs/vigil/internal/config"
	"github.com/stoatlabs/vigil/internal/heartbeat"
	"github.com/stoatlabs/vigil/internal/model"
	otelPkg "github.com/stoatlabs/vigil/internal/otel"
	"github.com/stoatlabs/vigil/internal/persistence"
	"github.com/stoatlabs/vigil/internal/server"
	"github.com/stoatlabs/vigil/internal/skills"
	"github.com/stoatlabs/vigil/internal/telemetry"
	"github.com/stoatlabs/vigil/internal/wake"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the daemon

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s beat [-context <text>]   Trigger an on-demand heartbeat
  %s runs [-limit <n>]        Show recent heartbeat runs

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  VIGIL_HOME              Data directory (default: ~/.vigil)
  VIGIL_GATEWAY_TOKEN     Privileged caller token
  GEMINI_API_KEY          Required for the Google provider
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "beat":
			os.Exit(runBeatCommand(ctx, args[1:]))
		case "runs":
			os.Exit(runRunsCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Quiet logs (file-only) when stdout is not a terminal pipe consumer.
	quietLogs := !isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("VIGIL_LOG_STDOUT") == ""

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.Otel.Enabled,
		Exporter: cfg.Otel.Exporter,
		Endpoint: cfg.Otel.Endpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	eventBus := bus.New()

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	gatewayToken, err := loadGatewayToken(cfg)
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_TOKEN", err)
	}

	tier := skills.TierBase
	if cfg.Privileged() {
		tier = skills.TierPrivileged
	}
	logger.Info("capability tier resolved", "tier", tier.String())

	// Skill registry with the built-in skills.
	registry := skills.NewRegistry(logger)
	registry.Register(actions.NewDeviceSkill(logger))
	registry.Register(actions.NewNotifySkill(eventBus, logger))
	registry.Register(actions.NewRemindersSkill(store, logger))

	client := model.NewGenkitClient(ctx, model.Config{
		Provider:       cfg.LLM.Provider,
		Model:          cfg.LLM.Model,
		APIKey:         cfg.LLM.APIKey,
		CompatProvider: cfg.LLM.CompatProvider,
		CompatBaseURL:  cfg.LLM.CompatBaseURL,
		Tracer:         otelProvider.Tracer,
	}, logger)

	// The runnable agent behind the heartbeat: a loop that can be swapped
	// wholesale on config hot-reload.
	runnable := &swappableAgent{}
	buildLoop := func(c config.Config) *agent.Loop {
		loopTier := skills.TierBase
		if c.Privileged() {
			loopTier = skills.TierPrivileged
		}
		return agent.NewLoop(registry, client, store, nil, eventBus, logger, agent.Config{
			Tier:          loopTier,
			EnabledSkills: c.EnabledSkillIDs,
			AutoApprove:   c.AutoApprove,
		})
	}
	runnable.swap(buildLoop(cfg))

	// Both interval ticks and gateway triggers hold a lease from the same
	// wake source while running.
	wakeSrc := wake.NewSystemdSource(logger)

	runner := heartbeat.NewRunner(runnable, heartbeat.Config{
		Interval:         cfg.HeartbeatInterval(),
		InstructionsPath: cfg.Heartbeat.InstructionsPath,
	},
		heartbeat.WithLogger(logger),
		heartbeat.WithBus(eventBus),
		heartbeat.WithStore(store),
		heartbeat.WithTracer(otelProvider.Tracer),
		heartbeat.WithWakeSource(wakeSrc),
		heartbeat.WithResultHandler(func(res heartbeat.Result) {
			metrics.HeartbeatRuns.Add(context.Background(), 1)
			metrics.HeartbeatDuration.Record(context.Background(), res.Duration.Seconds())
		}),
	)
	gw := heartbeat.NewGateway(gatewayToken, wakeSrc, func(context.Context) (*heartbeat.Runner, error) {
		return runner, nil
	}, logger)
	gw.SetCooldown(cfg.NotificationCooldown())

	runner.Start(ctx)
	defer runner.Stop()
	logger.Info("startup phase", "phase", "heartbeat_started", "interval", runner.Interval())

	// Reminder scheduler delivers due reminders through the gateway so they
	// share the single-flight lock and wake handling.
	reminders := actions.NewReminderScheduler(store, logger, time.Minute)
	reminders.Fire = func(fireCtx context.Context, r persistence.Reminder) {
		metrics.RemindersFired.Add(fireCtx, 1)
		label := "once"
		if r.Schedule != "" {
			label = r.Schedule
		}
		if _, err := gw.ReminderFired(fireCtx, gatewayToken, r.ID, time.Now(), r.Message, label); err != nil {
			logger.Warn("reminder trigger failed", "reminder_id", r.ID, "error", err)
		}
	}
	reminders.Start(ctx)
	defer reminders.Stop()

	// Conversation history retention: drop turns older than 30 days.
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := store.PruneHistory(ctx, time.Now().AddDate(0, 0, -30))
				if err != nil {
					logger.Warn("history prune failed", "error", err)
				} else if n > 0 {
					logger.Info("history pruned", "turns_deleted", n)
				}
			}
		}
	}()

	// Telegram channel, if configured.
	var telegram *channels.TelegramChannel
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			telegram = channels.NewTelegramChannel(
				cfg.Channels.Telegram.Token,
				gatewayToken,
				cfg.Channels.Telegram.AllowedIDs,
				gw,
				eventBus,
				logger,
			)
			go func() {
				if err := telegram.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	// Wire loop callbacks now that the channel exists.
	runnable.setCallbacks(agent.Callbacks{
		OnToken: func(tok string) {
			metrics.StreamTokens.Add(context.Background(), 1)
			eventBus.Publish(bus.TopicStreamToken, bus.StreamTokenEvent{Chunk: tok})
		},
		OnToolResult: func(out agent.ToolOutcome) {
			if out.IsError {
				metrics.ToolCallErrors.Add(context.Background(), 1)
			}
		},
		RequestApproval: func(approvalCtx context.Context, req agent.ApprovalRequest) bool {
			if telegram == nil {
				logger.Warn("approval required but no channel available; denying", "tool", req.Tool)
				return false
			}
			waitCtx, cancel := context.WithTimeout(approvalCtx, 60*time.Second)
			defer cancel()
			approved := telegram.RequestApproval(waitCtx, req.Tool, req.Description)
			if !approved {
				metrics.ApprovalsDenied.Add(context.Background(), 1)
			}
			return approved
		},
		OnPermissionsNeeded: func(skillID string, missing []string) bool {
			// No interactive grant flow on the daemon path; surface and fail
			// the call.
			logger.Warn("skill permissions missing", "skill_id", skillID, "missing", missing)
			return false
		},
		OnComplete: func(resp agent.Response) {
			metrics.InvocationSteps.Add(context.Background(), int64(resp.Steps))
		},
	})

	// Bus-fed metrics: skips and tool durations are observed where they
	// happen and counted here.
	go func() {
		sub := eventBus.Subscribe("")
		defer eventBus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.Ch():
				switch p := ev.Payload.(type) {
				case bus.HeartbeatEvent:
					if ev.Topic == bus.TopicHeartbeatSkipped {
						metrics.HeartbeatSkips.Add(context.Background(), 1)
					}
				case bus.ToolDispatchedEvent:
					metrics.ToolCallDuration.Record(context.Background(), p.Duration.Seconds())
				}
			}
		}
	}()

	// Config hot-reload: swap the loop and retune the runner when the hot
	// settings actually change.
	fingerprint := cfg.Fingerprint()
	confWatcher := config.NewWatcher(cfg.HomeDir, logger, cfg.Heartbeat.InstructionsPath)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			if filepath.Base(ev.Path) != "config.yaml" {
				continue
			}
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			newFP := newCfg.Fingerprint()
			if newFP == fingerprint {
				logger.Debug("config unchanged, skipping reload")
				continue
			}
			fingerprint = newFP

			runnable.swap(buildLoop(newCfg))
			runner.UpdateConfig(heartbeat.Config{
				Interval:         newCfg.HeartbeatInterval(),
				InstructionsPath: newCfg.Heartbeat.InstructionsPath,
			})
			gw.SetCooldown(newCfg.NotificationCooldown())
			logger.Info("config.yaml hot-reloaded", "interval", newCfg.HeartbeatInterval(), "fingerprint", newFP)
		}
	}()

	srv := server.New(server.Config{
		Gateway:           gw,
		Store:             store,
		Bus:               eventBus,
		AuthToken:         gatewayToken,
		ConfigFingerprint: fingerprint,
		Tracer:            otelProvider.Tracer,
		Metrics:           metrics,
		Status: func(context.Context) (map[string]any, error) {
			return map[string]any{
				"version":   Version,
				"tier":      tier.String(),
				"interval":  runner.Interval().String(),
				"running":   runner.Running(),
				"bus_subs":  eventBus.SubscriberCount(),
				"tool_list": registry.ToolNames(tier),
			}, nil
		},
	}, logger)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// swappableAgent adapts the agent loop to the heartbeat runner and lets the
// hot-reload path replace the loop between runs.
type swappableAgent struct {
	mu        sync.Mutex
	loop      *agent.Loop
	callbacks agent.Callbacks
}

func (a *swappableAgent) swap(l *agent.Loop) {
	a.mu.Lock()
	a.loop = l
	a.mu.Unlock()
}

func (a *swappableAgent) setCallbacks(cb agent.Callbacks) {
	a.mu.Lock()
	a.callbacks = cb
	a.mu.Unlock()
}

func (a *swappableAgent) Run(ctx context.Context, sessionID, prompt string) (string, bool) {
	a.mu.Lock()
	l := a.loop
	cb := a.callbacks
	a.mu.Unlock()
	resp := l.Run(ctx, sessionID, prompt, cb)
	return resp.Text, resp.IsError
}

// loadGatewayToken resolves the privileged caller secret: config/env first,
// then a persisted token, generated on first run.
func loadGatewayToken(cfg config.Config) (string, error) {
	if tok := strings.TrimSpace(cfg.GatewayToken); tok != "" {
		return tok, nil
	}
	tokenPath := filepath.Join(cfg.HomeDir, "gateway.token")
	if b, err := os.ReadFile(tokenPath); err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist gateway token: %w", err)
	}
	slog.Info("gateway.token generated", "path", tokenPath)
	return token, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"vigil","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
