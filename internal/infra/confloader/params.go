package confloader

import (
	"fmt"
	"log/slog"

	"github.com/yndnr/canopy-go/internal/core/domain"
)

// fileSchema is the on-disk shape of a canopy configuration file.
type fileSchema struct {
	Rparams domain.RuntimeParams `koanf:"rparams"`
}

// LoadRuntimeParams loads runtime parameters from the given file (may be
// empty) and the environment, on top of the built-in defaults.
func LoadRuntimeParams(path string) (domain.RuntimeParams, error) {
	cfg := fileSchema{Rparams: domain.DefaultRuntimeParams()}

	l := NewLoader(WithConfigFile(path))
	if path == "" {
		if err := l.LoadEnv(); err != nil {
			return cfg.Rparams, err
		}
		if err := l.Unmarshal(&cfg); err != nil {
			return cfg.Rparams, err
		}
		return cfg.Rparams, nil
	}
	if err := l.Load(&cfg); err != nil {
		return cfg.Rparams, fmt.Errorf("confloader: runtime params: %w", err)
	}
	return cfg.Rparams, nil
}

// WatchRuntimeParams re-loads runtime parameters whenever the file
// changes and hands the result to apply. The returned stop function
// tears the watcher down.
func WatchRuntimeParams(path string, logger *slog.Logger, apply func(domain.RuntimeParams)) (func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}

	w, err := NewWatcher(WithWatcherLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("confloader: watcher: %w", err)
	}
	if err := w.Watch(path); err != nil {
		w.Stop()
		return nil, err
	}

	w.OnChange(func(changed string) {
		rp, err := LoadRuntimeParams(path)
		if err != nil {
			logger.Warn("runtime params reload failed",
				"path", changed,
				"error", err)
			return
		}
		logger.Info("runtime params reloaded", "path", path)
		apply(rp)
	})
	w.StartAsync()

	return w.Stop, nil
}
