package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDebounce is the quiet period after the last write before a reload.
const reloadDebounce = 300 * time.Millisecond

// WatchServerConfig reloads path whenever it is written, created or renamed
// and hands the new config to apply. Blocks until ctx is done.
func WatchServerConfig(ctx context.Context, path string, logger *zap.Logger, apply func(ServerConfig)) error {
	return watchFile(ctx, path, logger, func(abs string) error {
		sc, err := LoadServerConfig(abs)
		if err != nil {
			return err
		}
		apply(sc)
		return nil
	})
}

// WatchClientConfig is WatchServerConfig for the agent's file.
func WatchClientConfig(ctx context.Context, path string, logger *zap.Logger, apply func(ClientConfig)) error {
	if path == "" {
		path = defaultClientPath
	}
	return watchFile(ctx, path, logger, func(abs string) error {
		cc, err := LoadClientConfig(abs)
		if err != nil {
			return err
		}
		apply(cc)
		return nil
	})
}

// watchFile watches the directory rather than the file so editors that
// replace the file are handled.
func watchFile(ctx context.Context, path string, logger *zap.Logger, reload func(abs string) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("abs path: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch add: %w", err)
	}

	// every matching event restarts the quiet period; the reload happens once
	// it expires, so the last of several quick saves is the one applied
	var (
		timer *time.Timer
		fire  <-chan time.Time
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
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || filepath.Base(ev.Name) != filepath.Base(abs) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := reload(abs); err != nil {
				// a half-written file fails to parse; the next write event retries
				logger.Warn("reload config failed", zap.String("path", abs), zap.Error(err))
				continue
			}
			logger.Info("config reloaded", zap.String("path", abs))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", zap.Error(err))
		}
	}
}
