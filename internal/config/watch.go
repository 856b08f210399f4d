package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultWatchDebounce collapses the burst of events a single save produces.
const DefaultWatchDebounce = 500 * time.Millisecond

// Watch calls onChange once per burst of writes to path until ctx is done.
// The parent directory is watched so atomic replace-by-rename is seen too.
func Watch(ctx context.Context, path string, logger *logrus.Logger, onChange func()) error {
	return watch(ctx, path, DefaultWatchDebounce, logger, onChange)
}

func watch(ctx context.Context, path string, debounce time.Duration, logger *logrus.Logger, onChange func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close() //nolint:errcheck

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	logger.WithField("path", abs).Debug("Watching config file")

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			logger.WithFields(logrus.Fields{"path": abs, "op": ev.Op.String()}).Debug("Config file event")
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			timerCh = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("Config watcher error")

		case <-timerCh:
			timerCh = nil
			onChange()
		}
	}
}
