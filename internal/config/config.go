// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads tendonstat settings from an optional YAML file and
// TENDONSTAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Thermoquad/tendonstat/pkg/actuator"
	"github.com/Thermoquad/tendonstat/pkg/pid"
	"github.com/Thermoquad/tendonstat/pkg/sim"
)

// EnvPrefix is the prefix for environment overrides. board.max_angle is
// read from TENDONSTAT_BOARD_MAX_ANGLE.
const EnvPrefix = "TENDONSTAT"

// BoardConfig describes the actuator set
type BoardConfig struct {
	Actuators     int           `mapstructure:"actuators"`
	Names         []string      `mapstructure:"names"`
	CountsPerRev  float64       `mapstructure:"counts_per_rev"`
	GearRatio     float64       `mapstructure:"gear_ratio"`
	MaxAngle      float64       `mapstructure:"max_angle"`
	FrictionFloor uint16        `mapstructure:"friction_floor"`
	Gains         pid.Gains     `mapstructure:"gains"`
	ControlPeriod time.Duration `mapstructure:"control_period"`
	// Profiles is an optional YAML or CBOR profile file applied at startup
	Profiles string `mapstructure:"profiles"`
}

// ActuatorConfigs expands the board settings into one config per actuator
func (b BoardConfig) ActuatorConfigs() []actuator.Config {
	cfgs := make([]actuator.Config, b.Actuators)
	for i := range cfgs {
		cfgs[i] = actuator.Config{
			CountsPerRev:  b.CountsPerRev,
			GearRatio:     b.GearRatio,
			MaxAngle:      b.MaxAngle,
			FrictionFloor: b.FrictionFloor,
			Gains:         b.Gains,
		}
		if i < len(b.Names) {
			cfgs[i].Name = b.Names[i]
		}
	}
	return cfgs
}

// SimConfig configures the simulated board
type SimConfig struct {
	Plant sim.PlantConfig `mapstructure:"plant"`
	// Listen, if set, serves the board over WebSocket on this address
	Listen string `mapstructure:"listen"`
}

// SerialConfig configures the serial transport
type SerialConfig struct {
	Port string `mapstructure:"port"`
	Baud int    `mapstructure:"baud"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`
}

// MQTTConfig configures the telemetry publisher
type MQTTConfig struct {
	Enable   bool          `mapstructure:"enable"`
	Broker   string        `mapstructure:"broker"`
	Topic    string        `mapstructure:"topic"`
	QoS      byte          `mapstructure:"qos"`
	Interval time.Duration `mapstructure:"interval"`
	ClientID string        `mapstructure:"client_id"`
}

// LumberjackConfig configures log file rotation
type LumberjackConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// LoggingConfig configures the logger
type LoggingConfig struct {
	Level  string           `mapstructure:"level"`
	Format string           `mapstructure:"format"`
	File   LumberjackConfig `mapstructure:"file"`
}

// Config is the top-level configuration
type Config struct {
	Board   BoardConfig   `mapstructure:"board"`
	Sim     SimConfig     `mapstructure:"sim"`
	Serial  SerialConfig  `mapstructure:"serial"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ErrInvalidConfig is wrapped by every Validate failure
var ErrInvalidConfig = errors.New("invalid config")

// Validate rejects settings the board cannot run with
func (c *Config) Validate() error {
	if c.Board.Actuators < 1 || c.Board.Actuators >= 0xFE {
		return fmt.Errorf("%w: board.actuators must be 1..253, got %d", ErrInvalidConfig, c.Board.Actuators)
	}
	if c.Board.CountsPerRev <= 0 || c.Board.GearRatio <= 0 {
		return fmt.Errorf("%w: board.counts_per_rev and board.gear_ratio must be positive", ErrInvalidConfig)
	}
	if c.Board.ControlPeriod < 0 {
		return fmt.Errorf("%w: board.control_period must not be negative", ErrInvalidConfig)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: mqtt.qos must be 0, 1 or 2", ErrInvalidConfig)
	}
	return nil
}

// Load reads configuration from path (optional) and the environment.
// A missing default config file is not an error; defaults and environment
// variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/tendonstat")
		v.SetConfigName("tendonstat")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("board.actuators", 8)
	v.SetDefault("board.names", []string{})
	v.SetDefault("board.counts_per_rev", actuator.DefaultCountsPerRev)
	v.SetDefault("board.gear_ratio", actuator.DefaultGearRatio)
	v.SetDefault("board.max_angle", actuator.DefaultMaxAngle)
	v.SetDefault("board.friction_floor", actuator.DefaultFrictionFloor)
	v.SetDefault("board.gains.kp", actuator.DefaultKp)
	v.SetDefault("board.gains.ki", actuator.DefaultKi)
	v.SetDefault("board.gains.kd", actuator.DefaultKd)
	v.SetDefault("board.gains.umax", pid.DefaultUMax)
	v.SetDefault("board.control_period", "1ms")
	v.SetDefault("board.profiles", "")

	v.SetDefault("sim.plant.stiction_forward", sim.DefaultStictionForward)
	v.SetDefault("sim.plant.stiction_reverse", sim.DefaultStictionReverse)
	v.SetDefault("sim.plant.max_speed", sim.DefaultMaxSpeed)
	v.SetDefault("sim.plant.min_ticks", sim.DefaultMinTicks)
	v.SetDefault("sim.plant.max_ticks", sim.DefaultMaxTicks)
	v.SetDefault("sim.listen", "")

	v.SetDefault("serial.port", "")
	v.SetDefault("serial.baud", 115200)

	v.SetDefault("metrics.enable", false)
	v.SetDefault("metrics.listen", ":9464")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("mqtt.enable", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic", "tendonstat/telemetry")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.interval", "1s")
	v.SetDefault("mqtt.client_id", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file.filename", "")
	v.SetDefault("logging.file.max_size", 100)
	v.SetDefault("logging.file.max_backups", 7)
	v.SetDefault("logging.file.max_age", 30)
	v.SetDefault("logging.file.compress", true)
}
