package config

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/example/ride-tracker/internal/models"
	"github.com/example/ride-tracker/internal/view"
)

// PolicyConfig is the YAML shape of the cancellation policy file:
//
//	cancel_allowed: [requested, driver_assigned, driver_arriving]
type PolicyConfig struct {
	CancelAllowed []string `mapstructure:"cancel_allowed"`
}

// StaticPolicy converts the file contents into a view policy.
func (c PolicyConfig) StaticPolicy() (view.StaticPolicy, error) {
	p := view.StaticPolicy{Allowed: make(map[models.Phase]bool, len(c.CancelAllowed))}
	for _, s := range c.CancelAllowed {
		phase, err := models.ParsePhase(s)
		if err != nil {
			return view.StaticPolicy{}, fmt.Errorf("cancel_allowed: %w", err)
		}
		if phase.Terminal() {
			return view.StaticPolicy{}, fmt.Errorf("cancel_allowed: %s is terminal", phase)
		}
		p.Allowed[phase] = true
	}
	return p, nil
}

// PolicyWatcher serves the cancellation policy and reloads it whenever the
// file changes. A bad edit keeps the previous policy.
type PolicyWatcher struct {
	v       *viper.Viper
	current atomic.Pointer[view.StaticPolicy]
	logger  *slog.Logger
}

// StaticPolicySource serves a fixed policy.
type StaticPolicySource struct{ P view.CancellationPolicy }

func (s StaticPolicySource) Policy() view.CancellationPolicy { return s.P }

func WatchPolicy(path string, logger *slog.Logger) (*PolicyWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	w := &PolicyWatcher{v: v, logger: logger}
	if err := w.reload(); err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if err := w.reload(); err != nil {
			w.logger.Warn("policy reload rejected", "file", e.Name, "error", err)
			return
		}
		w.logger.Info("cancellation policy reloaded", "file", e.Name)
	})
	v.WatchConfig()
	return w, nil
}

func (w *PolicyWatcher) reload() error {
	var cfg PolicyConfig
	if err := w.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("decode policy file: %w", err)
	}
	p, err := cfg.StaticPolicy()
	if err != nil {
		return err
	}
	w.current.Store(&p)
	return nil
}

func (w *PolicyWatcher) Policy() view.CancellationPolicy {
	return *w.current.Load()
}
