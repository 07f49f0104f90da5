// Package config loads autoshard settings from defaults, an optional YAML
// file and AUTOSHARD_* environment variables, and turns them into the
// component configs the coordinator and reporter take.
package config

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/autoshard/internal/cluster"
	"github.com/dreamware/autoshard/internal/coordinator"
	"github.com/dreamware/autoshard/internal/logging"
	"github.com/dreamware/autoshard/internal/reporter"
	"github.com/dreamware/autoshard/internal/transport/natsbus"
)

// EnvPrefix is prepended to every environment override, e.g.
// AUTOSHARD_COORDINATOR_MAX_LOAD_PER_SHARD.
const EnvPrefix = "AUTOSHARD"

// Config is the complete autoshard configuration.
type Config struct {
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
	Reporter    ReporterConfig    `mapstructure:"reporter" yaml:"reporter"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Worker      WorkerConfig      `mapstructure:"worker" yaml:"worker"`
	Fleet       FleetConfig       `mapstructure:"fleet" yaml:"fleet"`
	NATS        NATSConfig        `mapstructure:"nats" yaml:"nats"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// CoordinatorConfig holds the decision engine's thresholds.
type CoordinatorConfig struct {
	// MinLoadPerShard is "auto" or a number of at least 500
	MinLoadPerShard coordinator.LoadFloor `mapstructure:"min_load_per_shard" yaml:"min_load_per_shard"`
	Rescale         RescaleConfig         `mapstructure:"rescale" yaml:"rescale"`
	MaxLoadPerShard float64               `mapstructure:"max_load_per_shard" yaml:"max_load_per_shard"`
	// ShardsPerWorker of 0 inherits the fleet's value
	ShardsPerWorker int  `mapstructure:"shards_per_worker" yaml:"shards_per_worker"`
	Debug           bool `mapstructure:"debug" yaml:"debug"`
}

// RescaleConfig is passed to the executor untouched.
type RescaleConfig struct {
	Mode      string `mapstructure:"mode" yaml:"mode"`
	DelayMs   int    `mapstructure:"delay_ms" yaml:"delay_ms"`
	TimeoutMs int    `mapstructure:"timeout_ms" yaml:"timeout_ms"`
}

// ReporterConfig controls the per-worker load reporter.
type ReporterConfig struct {
	Interval        time.Duration `mapstructure:"interval" yaml:"interval"`
	SendImmediately bool          `mapstructure:"send_immediately" yaml:"send_immediately"`
	Debug           bool          `mapstructure:"debug" yaml:"debug"`
}

// ServerConfig controls the coordinator process.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr" yaml:"addr"`
	HealthInterval time.Duration `mapstructure:"health_interval" yaml:"health_interval"`
	TotalShards    int           `mapstructure:"total_shards" yaml:"total_shards"`
	// ShardsPerWorker of 0 spreads shards round-robin over joined workers
	ShardsPerWorker int `mapstructure:"shards_per_worker" yaml:"shards_per_worker"`
}

// WorkerConfig controls the worker process.
type WorkerConfig struct {
	Addr           string `mapstructure:"addr" yaml:"addr"`
	AdvertiseAddr  string `mapstructure:"advertise_addr" yaml:"advertise_addr"`
	CoordinatorURL string `mapstructure:"coordinator_url" yaml:"coordinator_url"`
	// IdleWindow bounds how recently an entity must be touched to count
	// toward its shard's load. 0 counts every stored entity.
	IdleWindow time.Duration `mapstructure:"idle_window" yaml:"idle_window"`
	// ID of -1 lets the coordinator pick one
	ID int `mapstructure:"id" yaml:"id"`
}

// FleetConfig points at the external rescale executor and shard advisor.
type FleetConfig struct {
	ExecutorURL  string `mapstructure:"executor_url" yaml:"executor_url"`
	AdvisorURL   string `mapstructure:"advisor_url" yaml:"advisor_url"`
	AdvisorToken string `mapstructure:"advisor_token" yaml:"advisor_token"`
}

// NATSConfig controls the report transport.
type NATSConfig struct {
	URL           string `mapstructure:"url" yaml:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	cc := coordinator.DefaultConfig()
	return &Config{
		Coordinator: CoordinatorConfig{
			MinLoadPerShard: cc.MinLoadPerShard,
			MaxLoadPerShard: cc.MaxLoadPerShard,
			ShardsPerWorker: cc.ShardsPerWorker,
			Rescale: RescaleConfig{
				Mode:      string(cc.Rescale.Mode),
				DelayMs:   int(cc.Rescale.DelayMs),
				TimeoutMs: int(cc.Rescale.TimeoutMs),
			},
		},
		Reporter: ReporterConfig{
			Interval:        15 * time.Second,
			SendImmediately: true,
		},
		Server: ServerConfig{
			Addr:           ":8080",
			HealthInterval: 5 * time.Second,
			TotalShards:    4,
		},
		Worker: WorkerConfig{
			Addr:           ":8081",
			CoordinatorURL: "http://127.0.0.1:8080",
			IdleWindow:     5 * time.Minute,
			ID:             -1,
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: natsbus.DefaultSubjectPrefix,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: logging.FormatJSON,
		},
	}
}

// SetDefaults registers every default on v so that file values and
// environment variables can override them key by key.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("coordinator.min_load_per_shard", d.Coordinator.MinLoadPerShard.String())
	v.SetDefault("coordinator.max_load_per_shard", d.Coordinator.MaxLoadPerShard)
	v.SetDefault("coordinator.shards_per_worker", d.Coordinator.ShardsPerWorker)
	v.SetDefault("coordinator.debug", d.Coordinator.Debug)
	v.SetDefault("coordinator.rescale.mode", d.Coordinator.Rescale.Mode)
	v.SetDefault("coordinator.rescale.delay_ms", d.Coordinator.Rescale.DelayMs)
	v.SetDefault("coordinator.rescale.timeout_ms", d.Coordinator.Rescale.TimeoutMs)

	v.SetDefault("reporter.interval", d.Reporter.Interval)
	v.SetDefault("reporter.send_immediately", d.Reporter.SendImmediately)
	v.SetDefault("reporter.debug", d.Reporter.Debug)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.health_interval", d.Server.HealthInterval)
	v.SetDefault("server.total_shards", d.Server.TotalShards)
	v.SetDefault("server.shards_per_worker", d.Server.ShardsPerWorker)

	v.SetDefault("worker.addr", d.Worker.Addr)
	v.SetDefault("worker.advertise_addr", d.Worker.AdvertiseAddr)
	v.SetDefault("worker.coordinator_url", d.Worker.CoordinatorURL)
	v.SetDefault("worker.id", d.Worker.ID)
	v.SetDefault("worker.idle_window", d.Worker.IdleWindow)

	v.SetDefault("fleet.executor_url", d.Fleet.ExecutorURL)
	v.SetDefault("fleet.advisor_url", d.Fleet.AdvisorURL)
	v.SetDefault("fleet.advisor_token", d.Fleet.AdvisorToken)

	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.subject_prefix", d.NATS.SubjectPrefix)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// New returns a viper instance with defaults registered and environment
// overrides enabled. When path is non-empty the file is read; a missing file
// is an error only in that case.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return v, nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		loadFloorHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var loadFloorType = reflect.TypeOf(coordinator.LoadFloor{})

// loadFloorHook decodes "auto" or any numeric value into a LoadFloor.
func loadFloorHook() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != loadFloorType {
			return data, nil
		}
		if s, ok := data.(string); ok && strings.EqualFold(strings.TrimSpace(s), "auto") {
			return coordinator.AutoLoadFloor(), nil
		}
		f, err := cast.ToFloat64E(data)
		if err != nil {
			return nil, fmt.Errorf("min_load_per_shard must be \"auto\" or a number, got %v", data)
		}
		return coordinator.FixedLoadFloor(f), nil
	}
}

// Validate checks every section and returns cluster.ValidationErrors listing
// all failures, or nil.
func (c *Config) Validate() error {
	var errs cluster.ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, cluster.ValidationError{Field: field, Value: value, Message: msg})
	}

	var coordErrs cluster.ValidationErrors
	if err := c.CoordinatorConfig().Validate(); errors.As(err, &coordErrs) {
		errs = append(errs, coordErrs...)
	}

	if c.Reporter.Interval < reporter.MinInterval() {
		add("reporter.interval", c.Reporter.Interval, "must be at least "+reporter.MinInterval().String())
	}

	if c.Server.TotalShards < 1 {
		add("server.total_shards", c.Server.TotalShards, "must be at least 1")
	}
	if c.Server.ShardsPerWorker < 0 {
		add("server.shards_per_worker", c.Server.ShardsPerWorker, "must not be negative")
	}
	if c.Server.HealthInterval <= 0 {
		add("server.health_interval", c.Server.HealthInterval, "must be positive")
	}
	if c.Worker.ID < -1 {
		add("worker.id", c.Worker.ID, "must be -1 or a non-negative id")
	}
	if c.Worker.IdleWindow < 0 {
		add("worker.idle_window", c.Worker.IdleWindow, "must not be negative")
	}
	if c.Worker.CoordinatorURL == "" {
		add("worker.coordinator_url", c.Worker.CoordinatorURL, "is required")
	}

	if c.NATS.URL == "" {
		add("nats.url", c.NATS.URL, "is required")
	}
	if c.NATS.SubjectPrefix == "" || strings.ContainsAny(c.NATS.SubjectPrefix, "*> ") {
		add("nats.subject_prefix", c.NATS.SubjectPrefix, "must be a literal subject")
	}

	if c.Coordinator.MinLoadPerShard.Auto && c.Fleet.AdvisorURL == "" {
		add("fleet.advisor_url", c.Fleet.AdvisorURL, "is required when min_load_per_shard is auto")
	}

	level := strings.ToUpper(c.Logging.Level)
	if logging.ParseLevel(level) != level {
		add("logging.level", c.Logging.Level, "must be one of "+strings.Join(logging.ValidLevels(), ", "))
	}
	if !strings.EqualFold(c.Logging.Format, logging.FormatJSON) && !strings.EqualFold(c.Logging.Format, logging.FormatText) {
		add("logging.format", c.Logging.Format, "must be json or text")
	}

	return errs.AsError()
}

// CoordinatorConfig builds the decision engine's config.
func (c *Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		MinLoadPerShard: c.Coordinator.MinLoadPerShard,
		MaxLoadPerShard: c.Coordinator.MaxLoadPerShard,
		ShardsPerWorker: c.Coordinator.ShardsPerWorker,
		Debug:           c.Coordinator.Debug,
		Rescale: cluster.RescaleOptions{
			Mode:      cluster.RescaleMode(c.Coordinator.Rescale.Mode),
			DelayMs:   int64(c.Coordinator.Rescale.DelayMs),
			TimeoutMs: int64(c.Coordinator.Rescale.TimeoutMs),
		},
	}
}

// ReporterConfig builds a reporter config around loadFunc.
func (c *Config) ReporterConfig(loadFunc reporter.LoadFunc) reporter.Config {
	return reporter.Config{
		LoadFunc: loadFunc,
		Interval: c.Reporter.Interval,
		Debug:    c.Reporter.Debug,
	}
}

// Logger builds the process logger.
func (c *Config) Logger(w io.Writer) *logging.Logger {
	return logging.New(w, c.Logging.Level, c.Logging.Format)
}

// Dump writes the effective configuration as YAML. Secrets are masked.
func Dump(w io.Writer, cfg *Config) error {
	redacted := *cfg
	if redacted.Fleet.AdvisorToken != "" {
		redacted.Fleet.AdvisorToken = "********"
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&redacted); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
