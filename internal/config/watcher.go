package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the burst of events editors emit per save.
const debounceWindow = 200 * time.Millisecond

// ReloadEvent signals that a watched configuration file changed.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher emits a debounced ReloadEvent whenever config.yaml or the
// heartbeat instructions file changes.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
	extra   []string
}

func NewWatcher(homeDir string, logger *slog.Logger, extraFiles ...string) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
		extra:   extraFiles,
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching until ctx is cancelled. The events channel closes
// on shutdown.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory so files created after startup are still seen.
	_ = fsw.Add(w.homeDir)
	files := append([]string{ConfigPath(w.homeDir)}, w.extra...)
	for _, file := range files {
		_ = fsw.Add(file)
	}
	watched := make(map[string]struct{}, len(files))
	for _, file := range files {
		watched[filepath.Clean(file)] = struct{}{}
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)

		var pending *ReloadEvent
		debounce := time.NewTimer(debounceWindow)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if _, ok := watched[filepath.Clean(ev.Name)]; !ok {
					continue
				}
				pending = &ReloadEvent{Path: ev.Name, Op: ev.Op}
				debounce.Reset(debounceWindow)
			case <-debounce.C:
				if pending == nil {
					continue
				}
				w.logger.Info("config file changed", "path", pending.Path, "op", pending.Op.String())
				select {
				case w.events <- *pending:
				default:
				}
				pending = nil
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
