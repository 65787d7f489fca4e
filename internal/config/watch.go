package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the burst of events one editor save produces.
const reloadDelay = 100 * time.Millisecond

// Watch calls onChange with the newly loaded Config whenever the file at
// path changes. It runs until ctx is cancelled.
//
// The parent directory is watched, so saves that replace the file through a
// rename keep triggering reloads. Saves that leave the content unchanged are
// ignored. A reload that fails to parse or validate is logged and the
// previous config stays active.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	target := filepath.Clean(path)
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return err
	}
	last, _ := os.ReadFile(target)

	slog.Info("config: watching for changes", "path", target)

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == target && (ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				timer.Reset(reloadDelay)
			}

		case <-timer.C:
			data, err := os.ReadFile(target)
			if err != nil {
				slog.Error("config: read failed, keeping previous config", "path", target, "err", err)
				continue
			}
			if bytes.Equal(data, last) {
				continue
			}
			cfg, err := Parse(data)
			if err != nil {
				slog.Error("config: reload failed, keeping previous config", "path", target, "err", err)
				continue
			}
			last = data
			slog.Info("config: reloaded", "path", target)
			onChange(cfg)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}
