package config

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Weights are the relative importance of each vendor scoring factor.
type Weights struct {
	Price       float64 `mapstructure:"price" yaml:"price"`
	Reliability float64 `mapstructure:"reliability" yaml:"reliability"`
	Proximity   float64 `mapstructure:"proximity" yaml:"proximity"`
	Load        float64 `mapstructure:"load" yaml:"load"`
}

// Normalized scales the weights so they sum to 1.
func (w Weights) Normalized() Weights {
	sum := w.Price + w.Reliability + w.Proximity + w.Load
	if sum <= 0 {
		return Weights{Price: 0.25, Reliability: 0.25, Proximity: 0.25, Load: 0.25}
	}
	return Weights{
		Price:       w.Price / sum,
		Reliability: w.Reliability / sum,
		Proximity:   w.Proximity / sum,
		Load:        w.Load / sum,
	}
}

// Tunables are the routing settings that may change while the process runs.
type Tunables struct {
	Weights            Weights       `mapstructure:"weights" yaml:"weights"`
	TimeoutWindow      time.Duration `mapstructure:"timeout_window" yaml:"timeout_window"`
	MaxAttempts        int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	MinReliability     float64       `mapstructure:"min_reliability" yaml:"min_reliability"`
	DefaultReliability float64       `mapstructure:"default_reliability" yaml:"default_reliability"`
	MaxDistanceKm      float64       `mapstructure:"max_distance_km" yaml:"max_distance_km"`
	DefaultCapacity    int           `mapstructure:"default_capacity" yaml:"default_capacity"`
}

func (t Tunables) Validate() error {
	w := t.Weights
	if w.Price < 0 || w.Reliability < 0 || w.Proximity < 0 || w.Load < 0 {
		return fmt.Errorf("weights must not be negative")
	}
	if t.TimeoutWindow <= 0 {
		return fmt.Errorf("timeout_window must be positive")
	}
	if t.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if t.MinReliability < 0 || t.MinReliability > 100 {
		return fmt.Errorf("min_reliability must be within [0,100]")
	}
	if t.DefaultReliability < 0 || t.DefaultReliability > 100 {
		return fmt.Errorf("default_reliability must be within [0,100]")
	}
	if t.MaxDistanceKm <= 0 {
		return fmt.Errorf("max_distance_km must be positive")
	}
	if t.DefaultCapacity < 1 {
		return fmt.Errorf("default_capacity must be at least 1")
	}
	return nil
}

// TunablesSource yields the routing settings in effect right now.
type TunablesSource interface {
	Current() Tunables
}

// StaticTunables never changes; used when no tunables file is configured.
type StaticTunables Tunables

func (s StaticTunables) Current() Tunables {
	return Tunables(s)
}

// TunablesWatcher reloads tunables from a YAML file whenever it changes.
// An invalid edit is logged and the previous values stay in effect.
type TunablesWatcher struct {
	v       *viper.Viper
	current atomic.Pointer[Tunables]
	logger  *zap.Logger
}

// WatchTunables loads path and starts watching it.
func WatchTunables(path string, defaults Tunables, logger *zap.Logger) (*TunablesWatcher, error) {
	w, err := loadTunables(path, defaults, logger)
	if err != nil {
		return nil, err
	}
	w.v.OnConfigChange(func(e fsnotify.Event) {
		if err := w.reload(); err != nil {
			w.logger.Warn("Ignoring invalid tunables update",
				zap.String("file", e.Name),
				zap.Error(err))
			return
		}
		w.logger.Info("Routing tunables reloaded", zap.String("file", e.Name))
	})
	w.v.WatchConfig()
	return w, nil
}

func loadTunables(path string, defaults Tunables, logger *zap.Logger) (*TunablesWatcher, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("weights.price", defaults.Weights.Price)
	v.SetDefault("weights.reliability", defaults.Weights.Reliability)
	v.SetDefault("weights.proximity", defaults.Weights.Proximity)
	v.SetDefault("weights.load", defaults.Weights.Load)
	v.SetDefault("timeout_window", defaults.TimeoutWindow)
	v.SetDefault("max_attempts", defaults.MaxAttempts)
	v.SetDefault("min_reliability", defaults.MinReliability)
	v.SetDefault("default_reliability", defaults.DefaultReliability)
	v.SetDefault("max_distance_km", defaults.MaxDistanceKm)
	v.SetDefault("default_capacity", defaults.DefaultCapacity)

	w := &TunablesWatcher{v: v, logger: logger}
	if err := w.reload(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *TunablesWatcher) reload() error {
	if err := w.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read tunables: %w", err)
	}
	var t Tunables
	if err := w.v.Unmarshal(&t); err != nil {
		return fmt.Errorf("decode tunables: %w", err)
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid tunables: %w", err)
	}
	w.current.Store(&t)
	return nil
}

func (w *TunablesWatcher) Current() Tunables {
	return *w.current.Load()
}
