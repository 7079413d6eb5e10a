package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/RenatoCabral2022/tsbridge/internal/metrics"
)

// DefaultPollInterval is used when fsnotify is unavailable and as a safety
// net next to it.
const DefaultPollInterval = 2 * time.Second

// settleDelay lets a writer finish before the file is read.
const settleDelay = 50 * time.Millisecond

// Watch calls onChange with the newly parsed file every time the content
// at path changes, until ctx is done. Files that fail to parse are logged
// and skipped. Blocks.
func Watch(ctx context.Context, path string, poll time.Duration, logger *zap.Logger, onChange func(*File)) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	w := &watcher{path: path, logger: logger, onChange: onChange}
	w.last, _ = os.ReadFile(path)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("fsnotify not available, falling back to polling", zap.Error(err))
		w.poll(ctx, poll, nil)
		return
	}
	defer fw.Close()

	// Editors often replace the file, so watch the directory.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		logger.Warn("failed to watch config directory, falling back to polling", zap.Error(err))
		w.poll(ctx, poll, nil)
		return
	}
	logger.Info("config watcher started", zap.String("path", path))
	w.poll(ctx, poll, fw)
}

type watcher struct {
	path     string
	logger   *zap.Logger
	onChange func(*File)
	last     []byte
}

// poll reloads on every tick and, when fw is set, on every event that
// touches the file.
func (w *watcher) poll(ctx context.Context, interval time.Duration, fw *fsnotify.Watcher) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if fw != nil {
		events, errs = fw.Events, fw.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reload()
		case event, ok := <-events:
			if !ok {
				w.logger.Warn("fsnotify watcher closed, switching to polling")
				events, errs = nil, nil
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case <-time.After(settleDelay):
			case <-ctx.Done():
				return
			}
			w.reload()
		case err, ok := <-errs:
			if !ok {
				events, errs = nil, nil
				continue
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *watcher) reload() {
	data, err := os.ReadFile(w.path)
	// An empty read is a file caught mid-rewrite.
	if err != nil || len(data) == 0 || bytes.Equal(data, w.last) {
		return
	}
	w.last = data

	f, err := Parse(data)
	if err != nil {
		metrics.ConfigReloadsTotal.WithLabelValues("error").Inc()
		w.logger.Warn("config reload failed", zap.Error(err))
		return
	}
	metrics.ConfigReloadsTotal.WithLabelValues("ok").Inc()
	w.logger.Info("config reloaded", zap.String("path", w.path))
	w.onChange(f)
}
