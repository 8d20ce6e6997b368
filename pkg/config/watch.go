package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/marmos91/pwlog/internal/logger"
)

// WatchLogging watches the config file and applies logging changes
// (level, format) without a restart. Other settings still require one.
//
// Returns a stop function that releases the watcher.
func WatchLogging(configPath string) (stop func(), err error) {
	if configPath == "" {
		configPath = GetDefaultConfigPath()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}

	// Watch the directory: editors typically replace the file, which
	// would orphan a watch on the file itself.
	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != configPath {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				cfg, err := Load(configPath)
				if err != nil {
					logger.Warn("Config reload failed, keeping current logging settings",
						logger.KeyError, err)
					continue
				}

				logger.SetLevel(cfg.Logging.Level)
				logger.SetFormat(cfg.Logging.Format)
				logger.Info("Logging configuration reloaded",
					"level", cfg.Logging.Level,
					"format", cfg.Logging.Format)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Config watcher error", logger.KeyError, err)
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
