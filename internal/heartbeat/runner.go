// Package heartbeat schedules autonomous agent executions: a periodic
// tick plus on-demand triggers, coalesced into single-flight, time-bounded,
// wake-safe runs.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/stoatlabs/vigil/internal/bus"
	obs "github.com/stoatlabs/vigil/internal/otel"
	"github.com/stoatlabs/vigil/internal/persistence"
	"github.com/stoatlabs/vigil/internal/wake"
)

// Outcome classifies one heartbeat execution.
type Outcome string

const (
	OutcomeAlert   Outcome = "alert"
	OutcomeOK      Outcome = "ok"
	OutcomeSkipped Outcome = "skipped"
	OutcomeError   Outcome = "error"
)

// okMarker in the agent's terminal text means "checked, nothing to report".
const okMarker = "HEARTBEAT_OK"

// Result is produced exactly once per execution.
type Result struct {
	RunID    string
	Source   string
	Outcome  Outcome
	Text     string
	Err      error
	Duration time.Duration
}

// Config is the hot-swappable part of the runner. A swap takes effect at
// the next scheduled tick; an in-flight run is unaffected.
type Config struct {
	Interval         time.Duration
	InstructionsPath string
}

// AgentRunner abstracts the agent loop for heartbeat executions.
type AgentRunner interface {
	Run(ctx context.Context, sessionID, prompt string) (text string, isError bool)
}

// BalanceProvider is an optional external collaborator; a reported low
// balance is appended to the heartbeat context.
type BalanceProvider interface {
	CheckBalance(ctx context.Context) (float64, bool)
}

// RunStore persists the execution log. Optional.
type RunStore interface {
	RecordHeartbeatRun(ctx context.Context, run persistence.HeartbeatRun) error
}

// defaultInstructions seeds the instructions file on first run.
const defaultInstructions = `# Heartbeat instructions

You are running an unattended periodic check. Review device state with your
tools and decide whether anything needs the user's attention.

- If everything is fine, reply with exactly: HEARTBEAT_OK
- If something needs attention, reply with one short alert sentence.
- If you have nothing to check this cycle, reply with an empty message.
`

// lowBalanceThreshold triggers the balance warning appended to the prompt.
const lowBalanceThreshold = 1.0

// Runner owns the heartbeat state machine. At most one execution body runs
// at a time; triggers arriving while one is in flight are dropped.
type Runner struct {
	agent    AgentRunner
	balance  BalanceProvider
	store    RunStore
	events   *bus.Bus
	logger   *slog.Logger
	tracer   trace.Tracer
	wakeSrc  wake.Source
	onResult func(Result)

	cfgMu sync.RWMutex
	cfg   Config

	// reconfigured wakes the loop so the pending timer re-arms at the
	// new interval instead of finishing the old one.
	reconfigured chan struct{}

	running atomic.Bool

	loopMu   sync.Mutex
	stopLoop context.CancelFunc
	loopDone chan struct{}
}

func NewRunner(agent AgentRunner, cfg Config, opts ...Option) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}
	r := &Runner{
		agent:        agent,
		cfg:          cfg,
		logger:       slog.Default(),
		reconfigured: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Option configures optional runner collaborators.
type Option func(*Runner)

func WithLogger(l *slog.Logger) Option        { return func(r *Runner) { r.logger = l } }
func WithBus(b *bus.Bus) Option               { return func(r *Runner) { r.events = b } }
func WithStore(s RunStore) Option             { return func(r *Runner) { r.store = s } }
func WithBalance(b BalanceProvider) Option    { return func(r *Runner) { r.balance = b } }
func WithTracer(t trace.Tracer) Option        { return func(r *Runner) { r.tracer = t } }
func WithWakeSource(s wake.Source) Option     { return func(r *Runner) { r.wakeSrc = s } }
func WithResultHandler(f func(Result)) Option { return func(r *Runner) { r.onResult = f } }

// Start arms the repeating timer. Idempotent while running.
func (r *Runner) Start(ctx context.Context) {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.stopLoop != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.stopLoop = cancel
	done := make(chan struct{})
	r.loopDone = done
	go r.loop(loopCtx, done)
	r.logger.Info("heartbeat started", "interval", r.Interval())
}

// Stop cancels the timer and any pending tick. An in-flight execution
// finishes on its own.
func (r *Runner) Stop() {
	r.loopMu.Lock()
	cancel, done := r.stopLoop, r.loopDone
	r.stopLoop, r.loopDone = nil, nil
	r.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("heartbeat stopped")
}

func (r *Runner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(r.Interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.reconfigured:
			// Re-arm the pending timer so the next tick fires at the
			// new interval, not whatever remains of the old one.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(r.Interval())
		case <-timer.C:
			// Ticks run detached from the loop context so Stop never
			// cancels an execution already underway.
			r.runInterval(context.WithoutCancel(ctx))
			timer.Reset(r.Interval())
		}
	}
}

// runInterval executes one timer-triggered run, holding a wake lease for
// its duration when a source is configured. External triggers get the same
// treatment from the gateway.
func (r *Runner) runInterval(ctx context.Context) {
	if r.wakeSrc != nil {
		lease, err := r.wakeSrc.Acquire(ctx, "heartbeat:interval")
		if err != nil {
			r.logger.Warn("wake source unavailable", "error", err)
		} else {
			defer lease.Release()
		}
	}
	r.RequestNow(ctx, "interval", "")
}

// UpdateConfig swaps the active configuration; the next tick observes it.
func (r *Runner) UpdateConfig(cfg Config) {
	if cfg.Interval <= 0 {
		return
	}
	r.cfgMu.Lock()
	r.cfg = cfg
	r.cfgMu.Unlock()
	select {
	case r.reconfigured <- struct{}{}:
	default:
	}
	r.logger.Info("heartbeat config updated", "interval", cfg.Interval)
}

func (r *Runner) Interval() time.Duration {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg.Interval
}

func (r *Runner) instructionsPath() string {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg.InstructionsPath
}

// Running reports whether an execution body is in flight.
func (r *Runner) Running() bool { return r.running.Load() }

// RequestNow starts an execution immediately unless one is already in
// flight, in which case the request is dropped (ok=false), never queued.
func (r *Runner) RequestNow(ctx context.Context, source, extraContext string) (Result, bool) {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Info("heartbeat coalesced", "source", source)
		if r.events != nil {
			r.events.Publish(bus.TopicHeartbeatSkipped, bus.HeartbeatEvent{Source: source})
		}
		return Result{}, false
	}
	defer r.running.Store(false)
	return r.execute(ctx, source, extraContext), true
}

// execute runs one heartbeat body. All panics and agent failures are
// contained here; the single-flight flag is always cleared by the caller.
func (r *Runner) execute(ctx context.Context, source, extraContext string) (res Result) {
	start := time.Now()
	runID := uuid.NewString()
	res = Result{RunID: runID, Source: source}

	if r.tracer != nil {
		var span trace.Span
		ctx, span = obs.StartSpan(ctx, r.tracer, "heartbeat.run",
			obs.AttrRunID.String(runID), obs.AttrSource.String(source))
		defer func() {
			span.SetAttributes(obs.AttrOutcome.String(string(res.Outcome)))
			span.End()
		}()
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("heartbeat panicked", "run_id", runID, "panic", rec)
			res.Outcome = OutcomeError
			res.Err = fmt.Errorf("heartbeat panic: %v", rec)
		}
		res.Duration = time.Since(start)
		r.finish(ctx, start, res)
	}()

	if r.events != nil {
		r.events.Publish(bus.TopicHeartbeatStarted, bus.HeartbeatEvent{RunID: runID, Source: source})
	}
	r.logger.Info("heartbeat run started", "run_id", runID, "source", source)

	prompt, err := r.buildPrompt(ctx, extraContext)
	if err != nil {
		res.Outcome = OutcomeError
		res.Err = err
		return res
	}

	text, isErr := r.agent.Run(ctx, "heartbeat", prompt)
	res.Text = strings.TrimSpace(text)
	switch {
	case isErr:
		res.Outcome = OutcomeError
		res.Err = fmt.Errorf("agent error: %s", res.Text)
	case strings.Contains(res.Text, okMarker):
		res.Outcome = OutcomeOK
	case res.Text == "":
		res.Outcome = OutcomeSkipped
	default:
		res.Outcome = OutcomeAlert
	}
	return res
}

func (r *Runner) finish(ctx context.Context, start time.Time, res Result) {
	r.logger.Info("heartbeat run finished",
		"run_id", res.RunID, "source", res.Source, "outcome", string(res.Outcome),
		"duration_ms", res.Duration.Milliseconds())
	if r.store != nil {
		detail := res.Text
		if res.Err != nil {
			detail = res.Err.Error()
		}
		err := r.store.RecordHeartbeatRun(ctx, persistence.HeartbeatRun{
			ID:         res.RunID,
			Source:     res.Source,
			Outcome:    string(res.Outcome),
			Detail:     detail,
			StartedAt:  start,
			FinishedAt: start.Add(res.Duration),
		})
		if err != nil {
			r.logger.Warn("record heartbeat run failed", "run_id", res.RunID, "error", err)
		}
	}
	if r.events != nil {
		r.events.Publish(bus.TopicHeartbeatCompleted, bus.HeartbeatEvent{
			RunID:    res.RunID,
			Source:   res.Source,
			Outcome:  string(res.Outcome),
			Duration: res.Duration,
		})
	}
	if r.onResult != nil {
		r.onResult(res)
	}
}

// buildPrompt reads the instructions file, seeding the default template on
// first use, and appends trigger context and the balance warning.
func (r *Runner) buildPrompt(ctx context.Context, extraContext string) (string, error) {
	instructions, err := r.readInstructions()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString(instructions)
	if extra := strings.TrimSpace(extraContext); extra != "" {
		sb.WriteString("\n\n# Trigger context\n\n")
		sb.WriteString(extra)
	}
	if r.balance != nil {
		if amount, ok := r.balance.CheckBalance(ctx); ok && amount < lowBalanceThreshold {
			fmt.Fprintf(&sb, "\n\nNote: the account balance is low (%.2f). Mention it if you alert the user.", amount)
		}
	}
	return sb.String(), nil
}

func (r *Runner) readInstructions() (string, error) {
	path := r.instructionsPath()
	if path == "" {
		return defaultInstructions, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return "", fmt.Errorf("create instructions dir: %w", mkErr)
		}
		if wrErr := os.WriteFile(path, []byte(defaultInstructions), 0o644); wrErr != nil {
			return "", fmt.Errorf("seed instructions file: %w", wrErr)
		}
		r.logger.Info("seeded default heartbeat instructions", "path", path)
		return defaultInstructions, nil
	}
	if err != nil {
		return "", fmt.Errorf("read instructions file: %w", err)
	}
	return string(data), nil
}
