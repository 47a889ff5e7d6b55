// Package bootstrap wires a storage engine for the command line tools.
package bootstrap

import (
	"LineDB/config"
	"LineDB/logger"
	storageengine "LineDB/storage_engine"
	"log/slog"

	"go.uber.org/dig"
)

// Run builds the container (config, logger, engine), hands the engine to
// fn and closes it afterwards.
func Run(fn func(*storageengine.StorageEngine, *slog.Logger) error) error {
	return RunWith(config.LoadConfig, fn)
}

// RunWith is Run with a custom config constructor.
func RunWith(cfg func() *config.Config, fn func(*storageengine.StorageEngine, *slog.Logger) error) error {
	container := dig.New()
	constructors := []interface{}{
		cfg,
		newLogger,
		newEngine,
	}
	for _, c := range constructors {
		if err := container.Provide(c); err != nil {
			return err
		}
	}

	return container.Invoke(func(se *storageengine.StorageEngine, log *slog.Logger) (err error) {
		defer func() {
			if cerr := se.Close(); err == nil {
				err = cerr
			}
		}()
		return fn(se, log)
	})
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logger.NewStderr(cfg.LogLevel, cfg.LogFormat)
}

func newEngine(cfg *config.Config, log *slog.Logger) (*storageengine.StorageEngine, error) {
	return storageengine.Open(cfg, storageengine.WithLogger(log))
}
