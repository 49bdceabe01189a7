// Package config loads the worker host configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/machinefabric/workerchan-go/logging"
)

// Environment overrides applied after the file is read.
const (
	EnvWorkerPath      = "WORKERCHAN_WORKER_PATH"
	EnvOrderedDispatch = "WORKERCHAN_ORDERED_DISPATCH"
	EnvPoolSize        = "WORKERCHAN_POOL_SIZE"
	EnvHostVersion     = "WORKERCHAN_HOST_VERSION"
)

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the whole host configuration.
type Config struct {
	Worker    Worker         `toml:"worker"`
	Channel   Channel        `toml:"channel"`
	Functions []Function     `toml:"functions"`
	Log       logging.Config `toml:"log"`
}

// Worker says how to reach the worker.
type Worker struct {
	ID      string   `toml:"id"`
	Runtime string   `toml:"runtime"`
	Path    string   `toml:"path"`
	Args    []string `toml:"args"`
	Env     []string `toml:"env"`
	Dir     string   `toml:"dir"`
	// URL, when set, dials the worker over websocket instead of spawning Path.
	URL          string `toml:"url"`
	AppDirectory string `toml:"app_directory"`
}

// DynamicConcurrency controls worker status latency sampling.
type DynamicConcurrency struct {
	Enabled       bool     `toml:"enabled"`
	CheckInterval Duration `toml:"check_interval"`
	HistorySize   int      `toml:"history_size"`
}

// Channel holds the channel's protocol settings.
type Channel struct {
	HostVersion string `toml:"host_version"`

	StartupTimeout           Duration `toml:"startup_timeout"`
	InitTimeout              Duration `toml:"init_timeout"`
	EnvironmentReloadTimeout Duration `toml:"environment_reload_timeout"`
	FunctionLoadTimeout      Duration `toml:"function_load_timeout"`
	MetadataTimeout          Duration `toml:"metadata_timeout"`
	WarmupTimeout            Duration `toml:"warmup_timeout"`
	StatusTimeout            Duration `toml:"status_timeout"`
	TerminateGracePeriod     Duration `toml:"terminate_grace_period"`

	OrderedDispatch   bool `toml:"ordered_dispatch"`
	PoolSize          int  `toml:"pool_size"`
	GenericQueueSize  int  `toml:"generic_queue_size"`
	OutboundQueueSize int  `toml:"outbound_queue_size"`
	MaxMessage        int  `toml:"max_message"`

	SendCanceledInvocationsToWorker bool `toml:"send_canceled_invocations_to_worker"`
	SharedMemoryThreshold           int  `toml:"shared_memory_threshold"`
	ManagedDependencies             bool `toml:"managed_dependencies"`

	MultiStream       bool `toml:"multi_stream"`
	V2Compatible      bool `toml:"v2_compatible"`
	FunctionDataCache bool `toml:"function_data_cache"`

	DynamicConcurrency DynamicConcurrency `toml:"dynamic_concurrency"`
}

// Binding is one declared function binding.
type Binding struct {
	Name      string `toml:"name"`
	Type      string `toml:"type"`
	Direction string `toml:"direction"`
	DataType  string `toml:"data_type"`
}

// Function is one function to load into the worker.
type Function struct {
	ID          string            `toml:"id"`
	Name        string            `toml:"name"`
	Directory   string            `toml:"directory"`
	ScriptFile  string            `toml:"script_file"`
	EntryPoint  string            `toml:"entry_point"`
	Language    string            `toml:"language"`
	Disabled    bool              `toml:"disabled"`
	IsProxy     bool              `toml:"is_proxy"`
	LoadTimeout Duration          `toml:"load_timeout"`
	Bindings    []Binding         `toml:"bindings"`
	Properties  map[string]string `toml:"properties"`
}

// DefaultChannel returns the channel defaults.
func DefaultChannel() Channel {
	return Channel{
		HostVersion:              "1.0.0",
		StartupTimeout:           Duration{60 * time.Second},
		InitTimeout:              Duration{30 * time.Second},
		EnvironmentReloadTimeout: Duration{30 * time.Second},
		FunctionLoadTimeout:      Duration{10 * time.Minute},
		MetadataTimeout:          Duration{30 * time.Second},
		WarmupTimeout:            Duration{30 * time.Second},
		StatusTimeout:            Duration{5 * time.Second},
		TerminateGracePeriod:     Duration{5 * time.Second},
		OrderedDispatch:          false,
		PoolSize:                 16,
		GenericQueueSize:         1024,
		OutboundQueueSize:        256,
		MaxMessage:               16_777_216,
		SharedMemoryThreshold:    1 << 20,
		MultiStream:              true,
		DynamicConcurrency: DynamicConcurrency{
			CheckInterval: Duration{time.Second},
			HistorySize:   10,
		},
	}
}

// Default returns a complete default configuration.
func Default() Config {
	return Config{
		Worker:  Worker{ID: "worker-1"},
		Channel: DefaultChannel(),
		Log:     logging.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := Parse(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	ApplyEnv(&cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes TOML data into cfg, rejecting unknown keys.
func Parse(data []byte, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnv overlays the supported environment overrides.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvWorkerPath)); v != "" {
		cfg.Worker.Path = v
	}
	if v := strings.TrimSpace(getenv(EnvHostVersion)); v != "" {
		cfg.Channel.HostVersion = v
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(getenv(EnvOrderedDispatch))); err == nil {
		cfg.Channel.OrderedDispatch = v
	}
	if v, err := strconv.Atoi(strings.TrimSpace(getenv(EnvPoolSize))); err == nil {
		cfg.Channel.PoolSize = v
	}
}

// Validate checks the configuration for values the channel cannot run with.
func (c Config) Validate() error {
	var errs *multierror.Error
	if c.Worker.ID == "" {
		errs = multierror.Append(errs, errors.New("worker.id is required"))
	}
	if err := c.Channel.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}

	seen := make(map[string]bool, len(c.Functions))
	for i, fn := range c.Functions {
		if fn.ID == "" {
			errs = multierror.Append(errs, fmt.Errorf("functions[%d].id is required", i))
			continue
		}
		if seen[fn.ID] {
			errs = multierror.Append(errs, fmt.Errorf("functions[%d]: duplicate id %q", i, fn.ID))
		}
		seen[fn.ID] = true
		for j, b := range fn.Bindings {
			switch b.Direction {
			case "in", "out", "inout":
			default:
				errs = multierror.Append(errs, fmt.Errorf("functions[%d].bindings[%d]: invalid direction %q", i, j, b.Direction))
			}
		}
	}
	return errs.ErrorOrNil()
}

// Validate checks the channel settings.
func (c Channel) Validate() error {
	var errs *multierror.Error
	timeouts := []struct {
		name  string
		value Duration
	}{
		{"startup_timeout", c.StartupTimeout},
		{"init_timeout", c.InitTimeout},
		{"environment_reload_timeout", c.EnvironmentReloadTimeout},
		{"function_load_timeout", c.FunctionLoadTimeout},
		{"metadata_timeout", c.MetadataTimeout},
		{"warmup_timeout", c.WarmupTimeout},
		{"status_timeout", c.StatusTimeout},
	}
	for _, t := range timeouts {
		if t.value.Duration <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("channel.%s must be positive", t.name))
		}
	}
	if c.TerminateGracePeriod.Duration < 0 {
		errs = multierror.Append(errs, errors.New("channel.terminate_grace_period must not be negative"))
	}
	if c.PoolSize <= 0 {
		errs = multierror.Append(errs, errors.New("channel.pool_size must be positive"))
	}
	if c.GenericQueueSize <= 0 {
		errs = multierror.Append(errs, errors.New("channel.generic_queue_size must be positive"))
	}
	if c.OutboundQueueSize <= 0 {
		errs = multierror.Append(errs, errors.New("channel.outbound_queue_size must be positive"))
	}
	if c.MaxMessage <= 0 {
		errs = multierror.Append(errs, errors.New("channel.max_message must be positive"))
	}
	if c.DynamicConcurrency.Enabled {
		if c.DynamicConcurrency.CheckInterval.Duration <= 0 {
			errs = multierror.Append(errs, errors.New("channel.dynamic_concurrency.check_interval must be positive"))
		}
		if c.DynamicConcurrency.HistorySize <= 0 {
			errs = multierror.Append(errs, errors.New("channel.dynamic_concurrency.history_size must be positive"))
		}
	}
	return errs.ErrorOrNil()
}
