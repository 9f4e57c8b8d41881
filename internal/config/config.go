package config

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/spf13/viper"
)

// ScoringConfig holds the scorer's sub-score weights. Weights must sum to 1.
type ScoringConfig struct {
	ComputeWeight   float64 `mapstructure:"compute_weight"`
	MemoryWeight    float64 `mapstructure:"memory_weight"`
	NetworkWeight   float64 `mapstructure:"network_weight"`
	ThermalWeight   float64 `mapstructure:"thermal_weight"`
	BandwidthWeight float64 `mapstructure:"bandwidth_weight"`
}

// ThermalConfig holds the thermal executor's model and threshold parameters.
// Defaults are conservative; device-specific tuning goes through the config
// file, never code changes.
type ThermalConfig struct {
	// HardLimitC is the hardware throttle temperature
	HardLimitC float64 `mapstructure:"hard_limit_c"`

	// PauseMarginC pauses work when margin to the hard limit drops below this
	PauseMarginC float64 `mapstructure:"pause_margin_c"`

	// ResumeMarginC resumes work once margin exceeds this. Must be strictly
	// greater than PauseMarginC so pause/resume cannot oscillate at one
	// temperature.
	ResumeMarginC float64 `mapstructure:"resume_margin_c"`

	// SafeOperatingMaxC is the conservative limit used for precision reduction
	SafeOperatingMaxC float64 `mapstructure:"safe_operating_max_c"`

	// AmbientC is the assumed ambient temperature when no sensor reports one
	AmbientC float64 `mapstructure:"ambient_c"`

	// RC model parameters
	TimeConstantSec         float64 `mapstructure:"time_constant_sec"`
	JunctionResistanceKW    float64 `mapstructure:"junction_resistance_k_w"`
	CaseAmbientResistanceKW float64 `mapstructure:"case_ambient_resistance_k_w"`

	// PredictionHorizon is how far ahead the pause decision looks
	PredictionHorizon time.Duration `mapstructure:"prediction_horizon"`

	// MonitorInterval is the per-device sampling cadence
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`

	// HistoryWindow bounds the retained temperature/power history
	HistoryWindow time.Duration `mapstructure:"history_window"`
}

// SolverConfig bounds the placement search.
type SolverConfig struct {
	// BacktrackDeadline caps the backtracking phase before greedy fallback
	BacktrackDeadline time.Duration `mapstructure:"backtrack_deadline"`

	// MaxBacktrackDepth caps recursion regardless of the deadline
	MaxBacktrackDepth int `mapstructure:"max_backtrack_depth"`
}

// TelemetryConfig bounds the sample store.
type TelemetryConfig struct {
	// Retention is the per-device sample retention window
	Retention time.Duration `mapstructure:"retention"`

	// LivenessTimeout removes a device whose telemetry has gone stale
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
}

// Config is the full scheduler configuration.
type Config struct {
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Thermal   ThermalConfig   `mapstructure:"thermal"`
	Solver    SolverConfig    `mapstructure:"solver"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// Default returns the default scheduler configuration
func Default() Config {
	return Config{
		Scoring: ScoringConfig{
			ComputeWeight:   0.40,
			MemoryWeight:    0.30,
			NetworkWeight:   0.15,
			ThermalWeight:   0.10,
			BandwidthWeight: 0.05,
		},
		Thermal: ThermalConfig{
			HardLimitC:              85.0,
			PauseMarginC:            5.0,
			ResumeMarginC:           10.0,
			SafeOperatingMaxC:       75.0,
			AmbientC:                25.0,
			TimeConstantSec:         30.0,
			JunctionResistanceKW:    0.001,
			CaseAmbientResistanceKW: 0.05,
			PredictionHorizon:       5 * time.Second,
			MonitorInterval:         500 * time.Millisecond,
			HistoryWindow:           60 * time.Second,
		},
		Solver: SolverConfig{
			BacktrackDeadline: 5 * time.Second,
			MaxBacktrackDepth: 100,
		},
		Telemetry: TelemetryConfig{
			Retention:       60 * time.Second,
			LivenessTimeout: 30 * time.Second,
		},
	}
}

// Load reads configuration from an optional file path with env overrides
// (prefix SHARDFLEET, e.g. SHARDFLEET_THERMAL_HARD_LIMIT_C). Missing file is
// fine; defaults apply.
func Load(path string) (Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("scoring.compute_weight", def.Scoring.ComputeWeight)
	v.SetDefault("scoring.memory_weight", def.Scoring.MemoryWeight)
	v.SetDefault("scoring.network_weight", def.Scoring.NetworkWeight)
	v.SetDefault("scoring.thermal_weight", def.Scoring.ThermalWeight)
	v.SetDefault("scoring.bandwidth_weight", def.Scoring.BandwidthWeight)
	v.SetDefault("thermal.hard_limit_c", def.Thermal.HardLimitC)
	v.SetDefault("thermal.pause_margin_c", def.Thermal.PauseMarginC)
	v.SetDefault("thermal.resume_margin_c", def.Thermal.ResumeMarginC)
	v.SetDefault("thermal.safe_operating_max_c", def.Thermal.SafeOperatingMaxC)
	v.SetDefault("thermal.ambient_c", def.Thermal.AmbientC)
	v.SetDefault("thermal.time_constant_sec", def.Thermal.TimeConstantSec)
	v.SetDefault("thermal.junction_resistance_k_w", def.Thermal.JunctionResistanceKW)
	v.SetDefault("thermal.case_ambient_resistance_k_w", def.Thermal.CaseAmbientResistanceKW)
	v.SetDefault("thermal.prediction_horizon", def.Thermal.PredictionHorizon)
	v.SetDefault("thermal.monitor_interval", def.Thermal.MonitorInterval)
	v.SetDefault("thermal.history_window", def.Thermal.HistoryWindow)
	v.SetDefault("solver.backtrack_deadline", def.Solver.BacktrackDeadline)
	v.SetDefault("solver.max_backtrack_depth", def.Solver.MaxBacktrackDepth)
	v.SetDefault("telemetry.retention", def.Telemetry.Retention)
	v.SetDefault("telemetry.liveness_timeout", def.Telemetry.LivenessTimeout)

	v.SetEnvPrefix("SHARDFLEET")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("scheduler")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.shardfleet")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints the schema cannot express
func (c *Config) Validate() error {
	sum := c.Scoring.ComputeWeight + c.Scoring.MemoryWeight + c.Scoring.NetworkWeight +
		c.Scoring.ThermalWeight + c.Scoring.BandwidthWeight
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("scoring weights must sum to 1.0, got %.4f", sum)
	}

	if c.Thermal.ResumeMarginC <= c.Thermal.PauseMarginC {
		return fmt.Errorf("thermal resume margin (%.1fC) must exceed pause margin (%.1fC) for hysteresis",
			c.Thermal.ResumeMarginC, c.Thermal.PauseMarginC)
	}
	if c.Thermal.SafeOperatingMaxC >= c.Thermal.HardLimitC {
		return fmt.Errorf("safe operating max (%.1fC) must be below hard limit (%.1fC)",
			c.Thermal.SafeOperatingMaxC, c.Thermal.HardLimitC)
	}
	if c.Thermal.TimeConstantSec <= 0 {
		return fmt.Errorf("thermal time constant must be positive, got %.1f", c.Thermal.TimeConstantSec)
	}
	if c.Thermal.MonitorInterval <= 0 {
		return fmt.Errorf("thermal monitor interval must be positive, got %v", c.Thermal.MonitorInterval)
	}

	if c.Solver.BacktrackDeadline <= 0 {
		return fmt.Errorf("solver backtrack deadline must be positive, got %v", c.Solver.BacktrackDeadline)
	}
	if c.Solver.MaxBacktrackDepth <= 0 {
		return fmt.Errorf("solver max backtrack depth must be positive, got %d", c.Solver.MaxBacktrackDepth)
	}

	if c.Telemetry.Retention <= 0 {
		return fmt.Errorf("telemetry retention must be positive, got %v", c.Telemetry.Retention)
	}
	if c.Telemetry.LivenessTimeout <= 0 {
		return fmt.Errorf("telemetry liveness timeout must be positive, got %v", c.Telemetry.LivenessTimeout)
	}

	return nil
}
