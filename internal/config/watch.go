package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-yaml"

	"github.com/netmark-org/netmark/internal/logger"
)

// WatchLogLevel follows the configuration file and applies log.level
// changes to the level var without a restart. It blocks until the
// context is canceled. Editors replace files on save, so the watch is
// on the directory and events are filtered by name.
func WatchLogLevel(ctx context.Context, configPath string, level *slog.LevelVar) error {
	if configPath == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	dir := filepath.Dir(configPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config watcher: watch %s: %w", dir, err)
	}

	target := filepath.Clean(configPath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			applyLogLevel(ctx, target, level)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error(ctx, "Config watcher error", "err", err)
		}
	}
}

func applyLogLevel(ctx context.Context, path string, level *slog.LevelVar) {
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Warn(ctx, "Config reload failed", "err", err)
		return
	}
	var probe struct {
		Log struct {
			Level string `yaml:"level"`
		} `yaml:"log"`
	}
	if err := yaml.Unmarshal(raw, &probe); err != nil {
		logger.Warn(ctx, "Config reload failed", "err", err)
		return
	}
	parsed, err := parseLogLevel(probe.Log.Level)
	if err != nil {
		logger.Warn(ctx, "Config reload ignored log level", "err", err)
		return
	}
	if parsed == level.Level() {
		return
	}
	previous := level.Level()
	level.Set(parsed)
	logger.Info(ctx, "Log level changed", "from", previous.String(), "to", parsed.String())
}
