package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

type ChangeKind string

const (
	ChangeConfig  ChangeKind = "config"
	ChangeArchive ChangeKind = "archive"
)

type ReloadEvent struct {
	Path string
	Kind ChangeKind
}

const defaultDebounce = 150 * time.Millisecond

// Watcher reports changes to config.yaml and to the task archive. Parent
// directories are watched rather than the files themselves so that a file
// replaced by rename is still seen. Bursts are debounced per kind.
type Watcher struct {
	configPath  string
	archivePath string
	debounce    time.Duration
	logger      *slog.Logger
	events      chan ReloadEvent
}

func NewWatcher(cfg Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		configPath:  filepath.Clean(cfg.ConfigPath()),
		archivePath: filepath.Clean(cfg.ArchivePath),
		debounce:    defaultDebounce,
		logger:      logger.With("component", "watcher"),
		events:      make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}

	dirs := map[string]struct{}{
		filepath.Dir(w.configPath):  {},
		filepath.Dir(w.archivePath): {},
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("watch directory failed", "dir", dir, "error", err)
		}
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)

		pending := map[ChangeKind]string{}
		var timer *time.Timer
		var timerC <-chan time.Time
		flush := func() {
			for kind, path := range pending {
				select {
				case w.events <- ReloadEvent{Path: path, Kind: kind}:
				default:
				}
				w.logger.Info("file changed", "path", path, "kind", string(kind))
			}
			clear(pending)
		}

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				kind, ok := w.classify(ev.Name)
				if !ok {
					continue
				}
				pending[kind] = ev.Name
				if timer == nil {
					timer = time.NewTimer(w.debounce)
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(w.debounce)
				}
				timerC = timer.C
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("watcher error", "error", err)
			case <-timerC:
				flush()
				timerC = nil
			}
		}
	}()
	return nil
}

func (w *Watcher) classify(name string) (ChangeKind, bool) {
	switch filepath.Clean(name) {
	case w.configPath:
		return ChangeConfig, true
	case w.archivePath:
		return ChangeArchive, true
	}
	return "", false
}
