package heartbeat

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stoatlabs/vigil/internal/wake"
)

// Typed gateway errors.
var (
	ErrCallerUnauthorized = errors.New("caller is not the privileged principal")
	ErrBusy               = errors.New("a heartbeat execution is already in flight")
	ErrCooldown           = errors.New("notification trigger inside cooldown window")
	ErrDuplicateMessage   = errors.New("duplicate message trigger dropped")
	ErrExecutionTimeout   = errors.New("heartbeat execution abandoned after ceiling")
)

// WakeCeiling bounds how long one gateway call may hold the wake source.
// It sits under the 60s window external callers enforce on us.
const WakeCeiling = 55 * time.Second

// DefaultNotificationCooldown throttles notification-triggered runs.
const DefaultNotificationCooldown = 30 * time.Second

// Gateway is the privileged entry point for external heartbeat triggers.
// Callers are authenticated, the runtime is built lazily exactly once, and
// every call acquires the wake source for at most WakeCeiling.
type Gateway struct {
	token    string
	wakeSrc  wake.Source
	logger   *slog.Logger
	ceiling  time.Duration
	cooldown time.Duration

	initOnce sync.Once
	initFn   func(ctx context.Context) (*Runner, error)
	runner   *Runner
	initErr  error

	notifMu   sync.Mutex
	lastNotif time.Time

	// msgMu dedups concurrent duplicate deliveries of the same message
	// event. It gates entry only; the execution body runs outside it.
	msgMu sync.Mutex
}

// NewGateway builds a gateway. initFn constructs the runtime on first use;
// token is the expected privileged principal's secret.
func NewGateway(token string, wakeSrc wake.Source, initFn func(ctx context.Context) (*Runner, error), logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if wakeSrc == nil {
		wakeSrc = wake.NopSource{}
	}
	return &Gateway{
		token:    token,
		wakeSrc:  wakeSrc,
		logger:   logger,
		ceiling:  WakeCeiling,
		cooldown: DefaultNotificationCooldown,
		initFn:   initFn,
	}
}

// SetCooldown overrides the notification cooldown window.
func (g *Gateway) SetCooldown(d time.Duration) {
	if d > 0 {
		g.cooldown = d
	}
}

// verifyCaller rejects anyone but the privileged principal before any side
// effect occurs.
func (g *Gateway) verifyCaller(caller string) error {
	if g.token == "" || subtle.ConstantTimeCompare([]byte(caller), []byte(g.token)) != 1 {
		g.logger.Warn("gateway caller rejected")
		return ErrCallerUnauthorized
	}
	return nil
}

func (g *Gateway) ensureRuntime(ctx context.Context) (*Runner, error) {
	g.initOnce.Do(func() {
		g.runner, g.initErr = g.initFn(ctx)
	})
	if g.initErr != nil {
		return nil, fmt.Errorf("initialize runtime: %w", g.initErr)
	}
	return g.runner, nil
}

// HeartbeatNow runs an on-demand heartbeat for the privileged caller.
func (g *Gateway) HeartbeatNow(ctx context.Context, caller string) (Result, error) {
	return g.HeartbeatNowWithContext(ctx, caller, "")
}

// HeartbeatNowWithContext runs an on-demand heartbeat carrying trigger
// context into the prompt.
func (g *Gateway) HeartbeatNowWithContext(ctx context.Context, caller, triggerContext string) (Result, error) {
	if err := g.verifyCaller(caller); err != nil {
		return Result{}, err
	}
	return g.run(ctx, "manual", triggerContext)
}

// ReminderFired is the entry point for the reminder scheduler.
func (g *Gateway) ReminderFired(ctx context.Context, caller, id string, at time.Time, message, label string) (Result, error) {
	if err := g.verifyCaller(caller); err != nil {
		return Result{}, err
	}
	g.logger.Info("reminder trigger", "id", id, "label", label)
	triggerContext := fmt.Sprintf("Reminder %q fired at %s: %s", label, at.Format(time.RFC3339), message)
	return g.run(ctx, "reminder", triggerContext)
}

// MessageReceived handles an incoming user message. A duplicate delivery
// arriving while the first is being admitted is dropped, not queued.
func (g *Gateway) MessageReceived(ctx context.Context, caller, text string) (Result, error) {
	if err := g.verifyCaller(caller); err != nil {
		return Result{}, err
	}
	if !g.msgMu.TryLock() {
		g.logger.Info("duplicate message trigger dropped")
		return Result{}, ErrDuplicateMessage
	}
	defer g.msgMu.Unlock()
	return g.run(ctx, "message", "The user sent a message: "+text)
}

// NotificationPosted handles a device notification. A second notification
// inside the cooldown window is dropped before any resource acquisition.
func (g *Gateway) NotificationPosted(ctx context.Context, caller, summary string) (Result, error) {
	if err := g.verifyCaller(caller); err != nil {
		return Result{}, err
	}
	g.notifMu.Lock()
	if since := time.Since(g.lastNotif); since < g.cooldown {
		g.notifMu.Unlock()
		g.logger.Info("notification trigger throttled", "since", since)
		return Result{}, ErrCooldown
	}
	g.lastNotif = time.Now()
	g.notifMu.Unlock()
	return g.run(ctx, "notification", "A notification was posted: "+summary)
}

// run acquires the wake source, executes under the ceiling, and releases on
// every exit path. On timeout the execution is abandoned, never killed; its
// own single-flight defer still clears the lock when it finishes.
func (g *Gateway) run(ctx context.Context, source, triggerContext string) (Result, error) {
	runner, err := g.ensureRuntime(ctx)
	if err != nil {
		return Result{}, err
	}

	lease, err := g.wakeSrc.Acquire(ctx, "heartbeat:"+source)
	if err != nil {
		// Run anyway: staying asleep is worse than running without the
		// inhibitor on hosts that lack one.
		g.logger.Warn("wake source unavailable", "error", err)
		lease = nil
	}
	release := func() {
		if lease != nil {
			lease.Release()
		}
	}
	defer release()

	type outcome struct {
		res Result
		ok  bool
	}
	done := make(chan outcome, 1)
	// The execution detaches from the caller's context so abandonment does
	// not force-kill it.
	execCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				g.logger.Error("gateway execution panicked", "panic", rec)
				done <- outcome{Result{Source: source, Outcome: OutcomeError, Err: fmt.Errorf("panic: %v", rec)}, true}
			}
		}()
		res, ok := runner.RequestNow(execCtx, source, triggerContext)
		done <- outcome{res, ok}
	}()

	timer := time.NewTimer(g.ceiling)
	defer timer.Stop()
	select {
	case o := <-done:
		if !o.ok {
			return Result{}, ErrBusy
		}
		return o.res, nil
	case <-timer.C:
		g.logger.Error("heartbeat execution abandoned", "source", source, "ceiling", g.ceiling)
		return Result{Source: source, Outcome: OutcomeError, Err: ErrExecutionTimeout}, ErrExecutionTimeout
	case <-ctx.Done():
		return Result{Source: source, Outcome: OutcomeError, Err: ctx.Err()}, ctx.Err()
	}
}
