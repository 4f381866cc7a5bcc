// Package wake abstracts the host's suspend-inhibition mechanism. A Source
// keeps the device awake between Acquire and Release; Release is safe to
// call more than once and from deferred paths.
package wake

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
)

// Lease is one held wake inhibition. Release is idempotent.
type Lease interface {
	Release()
}

// Source hands out wake leases.
type Source interface {
	Acquire(ctx context.Context, reason string) (Lease, error)
}

// NopSource satisfies Source without touching the host. Used on platforms
// without an inhibitor and in tests.
type NopSource struct{}

func (NopSource) Acquire(context.Context, string) (Lease, error) {
	return nopLease{}, nil
}

type nopLease struct{}

func (nopLease) Release() {}

// ExecSource inhibits suspend by holding a child process alive, e.g.
// `systemd-inhibit --what=sleep --why=<reason> sleep infinity`. Killing the
// child releases the inhibition.
type ExecSource struct {
	// Command and Args form the inhibitor invocation; the reason is
	// appended via ReasonFlag when set.
	Command    string
	Args       []string
	ReasonFlag string
	Logger     *slog.Logger
}

// NewSystemdSource builds an ExecSource backed by systemd-inhibit.
func NewSystemdSource(logger *slog.Logger) *ExecSource {
	return &ExecSource{
		Command:    "systemd-inhibit",
		Args:       []string{"--what=sleep:idle", "--who=vigil", "--mode=block", "sleep", "infinity"},
		ReasonFlag: "--why",
		Logger:     logger,
	}
}

func (s *ExecSource) Acquire(ctx context.Context, reason string) (Lease, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	args := s.Args
	if s.ReasonFlag != "" && reason != "" {
		args = append([]string{fmt.Sprintf("%s=%s", s.ReasonFlag, reason)}, args...)
	}
	// Deliberately not CommandContext: the lease must outlive the acquiring
	// context and is ended only by Release.
	cmd := exec.Command(s.Command, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start wake inhibitor: %w", err)
	}
	logger.Debug("wake lease acquired", "pid", cmd.Process.Pid, "reason", reason)

	lease := &execLease{cmd: cmd, logger: logger}
	// Reap the child when it exits, whether via Release or on its own.
	go func() { _ = cmd.Wait() }()
	return lease, nil
}

type execLease struct {
	cmd    *exec.Cmd
	logger *slog.Logger
	once   sync.Once
}

func (l *execLease) Release() {
	l.once.Do(func() {
		if l.cmd.Process != nil {
			if err := l.cmd.Process.Kill(); err != nil {
				l.logger.Warn("wake lease release failed", "error", err)
				return
			}
		}
		l.logger.Debug("wake lease released")
	})
}
