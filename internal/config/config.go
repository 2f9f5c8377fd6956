// Package config loads node configuration.
//
// Values come from Default, then an optional YAML or CUE file, then
// LEDGERD_* environment variables. The result is checked against the
// embedded CUE schema before use.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ledgerd/internal/supervisor"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LEDGERD_"

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the complete node configuration.
type Config struct {
	Store      Store      `yaml:"store" json:"store" envPrefix:"STORE_"`
	Cache      Cache      `yaml:"cache" json:"cache" envPrefix:"CACHE_"`
	Intake     Intake     `yaml:"intake" json:"intake" envPrefix:"INTAKE_"`
	Scheduler  Scheduler  `yaml:"scheduler" json:"scheduler" envPrefix:"SCHEDULER_"`
	Runner     Runner     `yaml:"runner" json:"runner" envPrefix:"RUNNER_"`
	Apply      Apply      `yaml:"apply" json:"apply" envPrefix:"APPLY_"`
	DA         DA         `yaml:"da" json:"da" envPrefix:"DA_"`
	Settlement Settlement `yaml:"settlement" json:"settlement" envPrefix:"SETTLEMENT_"`
	Supervisor Supervisor `yaml:"supervisor" json:"supervisor" envPrefix:"SUPERVISOR_"`
	Metrics    Metrics    `yaml:"metrics" json:"metrics" envPrefix:"METRICS_"`
	Genesis    []Genesis  `yaml:"genesis,omitempty" json:"genesis,omitempty"`
}

// Store selects the durable backend.
type Store struct {
	Driver   string `yaml:"driver" json:"driver" env:"DRIVER"`
	Path     string `yaml:"path" json:"path" env:"PATH"`
	PageSize int    `yaml:"page_size" json:"page_size" env:"PAGE_SIZE"`
	InMemory bool   `yaml:"in_memory" json:"in_memory" env:"IN_MEMORY"`
}

// Cache tunes the account cache.
type Cache struct {
	Capacity    int      `yaml:"capacity" json:"capacity" env:"CAPACITY"`
	LeaseTTL    Duration `yaml:"lease_ttl" json:"lease_ttl" env:"LEASE_TTL"`
	CallTimeout Duration `yaml:"call_timeout" json:"call_timeout" env:"CALL_TIMEOUT"`
}

// Intake tunes admission.
type Intake struct {
	HighWater   int      `yaml:"high_water" json:"high_water" env:"HIGH_WATER"`
	CallTimeout Duration `yaml:"call_timeout" json:"call_timeout" env:"CALL_TIMEOUT"`
}

// Scheduler tunes execution.
type Scheduler struct {
	Concurrency   int      `yaml:"concurrency" json:"concurrency" env:"CONCURRENCY"`
	Timeout       Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
	FetchAttempts int      `yaml:"fetch_attempts" json:"fetch_attempts" env:"FETCH_ATTEMPTS"`
	FetchBackoff  Duration `yaml:"fetch_backoff" json:"fetch_backoff" env:"FETCH_BACKOFF"`
	Steps         uint64   `yaml:"steps" json:"steps" env:"STEPS"`
	Memory        int64    `yaml:"memory" json:"memory" env:"MEMORY"`
}

// Runner configures program execution.
type Runner struct {
	ArtifactDir  string   `yaml:"artifact_dir" json:"artifact_dir" env:"ARTIFACT_DIR"`
	ImageCache   int      `yaml:"image_cache" json:"image_cache" env:"IMAGE_CACHE"`
	Command      []string `yaml:"command,omitempty" json:"command,omitempty" env:"COMMAND" envSeparator:" "`
	Kill         []string `yaml:"kill,omitempty" json:"kill,omitempty" env:"KILL" envSeparator:" "`
	HookInterval int      `yaml:"hook_interval" json:"hook_interval" env:"HOOK_INTERVAL"`
}

// Apply tunes state application and batching.
type Apply struct {
	ReorderWindow Duration `yaml:"reorder_window" json:"reorder_window" env:"REORDER_WINDOW"`
	BatchSize     int      `yaml:"batch_size" json:"batch_size" env:"BATCH_SIZE"`
	BatchInterval Duration `yaml:"batch_interval" json:"batch_interval" env:"BATCH_INTERVAL"`
	LeaseWait     Duration `yaml:"lease_wait" json:"lease_wait" env:"LEASE_WAIT"`
}

// DA configures the DA publisher. An empty Endpoint disables publication.
type DA struct {
	Endpoint      string   `yaml:"endpoint" json:"endpoint" env:"ENDPOINT"`
	Timeout       Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
	Workers       int      `yaml:"workers" json:"workers" env:"WORKERS"`
	MaxAttempts   int      `yaml:"max_attempts" json:"max_attempts" env:"MAX_ATTEMPTS"`
	Backoff       Duration `yaml:"backoff" json:"backoff" env:"BACKOFF"`
	MaxBackoff    Duration `yaml:"max_backoff" json:"max_backoff" env:"MAX_BACKOFF"`
	RetryInterval Duration `yaml:"retry_interval" json:"retry_interval" env:"RETRY_INTERVAL"`
}

// Settlement configures the settlement bridge. Empty endpoints disable
// submission and the oracle stream respectively.
type Settlement struct {
	Endpoint            string   `yaml:"endpoint" json:"endpoint" env:"ENDPOINT"`
	OracleEndpoint      string   `yaml:"oracle_endpoint" json:"oracle_endpoint" env:"ORACLE_ENDPOINT"`
	PollWait            Duration `yaml:"poll_wait" json:"poll_wait" env:"POLL_WAIT"`
	Timeout             Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
	SubmitAttempts      int      `yaml:"submit_attempts" json:"submit_attempts" env:"SUBMIT_ATTEMPTS"`
	SubmitBackoff       Duration `yaml:"submit_backoff" json:"submit_backoff" env:"SUBMIT_BACKOFF"`
	RetryInterval       Duration `yaml:"retry_interval" json:"retry_interval" env:"RETRY_INTERVAL"`
	ReconnectBackoff    Duration `yaml:"reconnect_backoff" json:"reconnect_backoff" env:"RECONNECT_BACKOFF"`
	MaxReconnectBackoff Duration `yaml:"max_reconnect_backoff" json:"max_reconnect_backoff" env:"MAX_RECONNECT_BACKOFF"`
	AdmitWait           Duration `yaml:"admit_wait" json:"admit_wait" env:"ADMIT_WAIT"`
}

// Supervisor is the restart policy applied to every actor.
type Supervisor struct {
	MaxRestarts int      `yaml:"max_restarts" json:"max_restarts" env:"MAX_RESTARTS"`
	Window      Duration `yaml:"window" json:"window" env:"WINDOW"`
	Backoff     Duration `yaml:"backoff" json:"backoff" env:"BACKOFF"`
}

// Policy converts s for the supervisor.
func (s Supervisor) Policy() supervisor.Policy {
	return supervisor.Policy{MaxRestarts: s.MaxRestarts, Window: s.Window.D(), Backoff: s.Backoff.D()}
}

// Metrics configures the Prometheus endpoint. Empty Listen disables it.
type Metrics struct {
	Listen string `yaml:"listen" json:"listen" env:"LISTEN"`
}

// Genesis seeds one account on an empty store. Balances map asset
// addresses to decimal amounts.
type Genesis struct {
	Address  string            `yaml:"address" json:"address"`
	Balances map[string]string `yaml:"balances" json:"balances"`
}

// Default returns a configuration suitable for a single local node.
func Default() Config {
	return Config{
		Store: Store{Driver: "sqlite", Path: "ledgerd.db", PageSize: 256},
		Cache: Cache{
			Capacity:    10_000,
			LeaseTTL:    Duration(2 * time.Second),
			CallTimeout: Duration(5 * time.Second),
		},
		Intake: Intake{HighWater: 1_000, CallTimeout: Duration(5 * time.Second)},
		Scheduler: Scheduler{
			Concurrency:   4,
			Timeout:       Duration(2 * time.Second),
			FetchAttempts: 3,
			FetchBackoff:  Duration(100 * time.Millisecond),
			Steps:         10_000_000,
			Memory:        64 << 20,
		},
		Runner: Runner{ArtifactDir: "artifacts", ImageCache: 128, HookInterval: 1_000},
		Apply: Apply{
			ReorderWindow: Duration(5 * time.Second),
			BatchSize:     100,
			BatchInterval: Duration(time.Second),
			LeaseWait:     Duration(3 * time.Second),
		},
		DA: DA{
			Timeout:       Duration(10 * time.Second),
			Workers:       4,
			MaxAttempts:   3,
			Backoff:       Duration(200 * time.Millisecond),
			MaxBackoff:    Duration(5 * time.Second),
			RetryInterval: Duration(30 * time.Second),
		},
		Settlement: Settlement{
			PollWait:            Duration(30 * time.Second),
			Timeout:             Duration(10 * time.Second),
			SubmitAttempts:      3,
			SubmitBackoff:       Duration(200 * time.Millisecond),
			RetryInterval:       Duration(30 * time.Second),
			ReconnectBackoff:    Duration(200 * time.Millisecond),
			MaxReconnectBackoff: Duration(30 * time.Second),
			AdmitWait:           Duration(5 * time.Second),
		},
		Supervisor: Supervisor{MaxRestarts: 3, Window: Duration(time.Minute), Backoff: Duration(100 * time.Millisecond)},
	}
}

// Load builds the configuration from path (optional) and the environment,
// then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeFile merges the file at path into cfg. Unknown keys are errors.
func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".cue":
		v := cuecontext.New().CompileBytes(data, cue.Filename(path))
		if err := v.Err(); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		raw, err := v.MarshalJSON()
		if err != nil {
			return fmt.Errorf("evaluate %s: %w", path, err)
		}
		if err := decodeJSON(raw, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := decodeJSON(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config %s: unsupported extension %q", path, filepath.Ext(path))
	}
	return nil
}

func decodeJSON(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}
