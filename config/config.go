// Package config loads the shieldpool JSON configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/colorfulnotion/shieldpool/fees"
	log "github.com/colorfulnotion/shieldpool/log"
	"github.com/colorfulnotion/shieldpool/pool/consolidate"
	"github.com/colorfulnotion/shieldpool/pool/executor"
	"github.com/colorfulnotion/shieldpool/pool/merkle"
	"github.com/colorfulnotion/shieldpool/pool/relayer"
)

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type PoolConfig struct {
	TreeHeight             uint8 `json:"tree_height"`
	MaxSpendInputs         int   `json:"max_spend_inputs"`
	MaxConsolidationInputs int   `json:"max_consolidation_inputs"`
	MinConsolidationInputs int   `json:"min_consolidation_inputs"`
	MaxConsolidationRounds int   `json:"max_consolidation_rounds"`
}

// ProverConfig with an empty URL uses the in-process mock prover.
type ProverConfig struct {
	URL         string   `json:"url"`
	Timeout     Duration `json:"timeout"`
	MaxAttempts int      `json:"max_attempts"`
	Backoff     Duration `json:"backoff"`
}

type EndpointConfig struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type RelayerConfig struct {
	Endpoints      []EndpointConfig `json:"endpoints"`
	HealthInterval Duration         `json:"health_interval"`
	ProbeTimeout   Duration         `json:"probe_timeout"`
	SubmitTimeout  Duration         `json:"submit_timeout"`
	MaxAttempts    int              `json:"max_attempts"`
	HealthScore    int              `json:"health_score"`
}

type LedgerConfig struct {
	URL             string   `json:"url"`
	Timeout         Duration `json:"timeout"`
	ConfirmTimeout  Duration `json:"confirm_timeout"`
	MaxStaleRetries int      `json:"max_stale_retries"`
	StaleBackoff    Duration `json:"stale_backoff"`
}

type FeesConfig struct {
	ShieldFeeBps   uint16 `json:"shield_fee_bps"`
	PriorityFeeBps uint16 `json:"priority_fee_bps"`
}

type LogConfig struct {
	Level   string `json:"level"`
	Modules string `json:"modules"`
	JSON    bool   `json:"json"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint"`
	Insecure    bool    `json:"insecure"`
	ServiceName string  `json:"service_name"`
	SampleRatio float64 `json:"sample_ratio"`
}

// DevnetConfig places the local ledger, prover and relays started by the
// devnet command.
type DevnetConfig struct {
	LedgerAddr    string   `json:"ledger_addr"`
	ProverAddr    string   `json:"prover_addr"`
	RelayAddrs    []string `json:"relay_addrs"`
	MaxNullifiers int      `json:"max_nullifiers"`
}

type Config struct {
	DataDir string `json:"data_dir"`
	// Owner is the identity used when a command names none.
	Owner string `json:"owner"`

	Pool    PoolConfig    `json:"pool"`
	Prover  ProverConfig  `json:"prover"`
	Relayer RelayerConfig `json:"relayer"`
	Ledger  LedgerConfig  `json:"ledger"`
	Fees    FeesConfig    `json:"fees"`
	Log     LogConfig     `json:"log"`
	Metrics MetricsConfig `json:"metrics"`
	Tracing TracingConfig `json:"tracing"`
	Devnet  DevnetConfig  `json:"devnet"`
}

func DefaultConfig() *Config {
	ex := executor.DefaultConfig()
	rl := relayer.DefaultConfig()
	return &Config{
		DataDir: filepath.Join(os.Getenv("HOME"), ".shieldpool"),
		Owner:   "default",
		Pool: PoolConfig{
			TreeHeight:             merkle.DefaultHeight,
			MaxSpendInputs:         ex.MaxSpendInputs,
			MaxConsolidationInputs: consolidate.DefaultMaxConsolidationInputs,
			MinConsolidationInputs: consolidate.DefaultMinConsolidationInputs,
			MaxConsolidationRounds: consolidate.DefaultMaxRounds,
		},
		Prover: ProverConfig{
			URL:         "http://127.0.0.1:8545",
			Timeout:     Duration(ex.ProofTimeout),
			MaxAttempts: ex.MaxProofAttempts,
			Backoff:     Duration(ex.ProofBackoff),
		},
		Relayer: RelayerConfig{
			Endpoints: []EndpointConfig{
				{Name: "relay-1", URL: "http://127.0.0.1:8601"},
				{Name: "relay-2", URL: "http://127.0.0.1:8602"},
				{Name: "relay-3", URL: "http://127.0.0.1:8603"},
			},
			HealthInterval: Duration(rl.HealthInterval),
			ProbeTimeout:   Duration(rl.ProbeTimeout),
			SubmitTimeout:  Duration(rl.SubmitTimeout),
			MaxAttempts:    rl.MaxAttempts,
			HealthScore:    rl.HealthScore,
		},
		Ledger: LedgerConfig{
			URL:             "http://127.0.0.1:8899",
			Timeout:         Duration(30 * time.Second),
			ConfirmTimeout:  Duration(ex.ConfirmTimeout),
			MaxStaleRetries: ex.MaxStaleRetries,
			StaleBackoff:    Duration(ex.StaleBackoff),
		},
		Fees: FeesConfig{ShieldFeeBps: 25, PriorityFeeBps: 50},
		Log:  LogConfig{Level: "info"},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
		Tracing: TracingConfig{
			Endpoint:    "127.0.0.1:4318",
			Insecure:    true,
			ServiceName: "shieldpool",
			SampleRatio: 1,
		},
		Devnet: DevnetConfig{
			LedgerAddr: "127.0.0.1:8899",
			ProverAddr: "127.0.0.1:8545",
			RelayAddrs: []string{"127.0.0.1:8601", "127.0.0.1:8602", "127.0.0.1:8603"},
		},
	}
}

// Load reads path over the defaults, so a file only needs the fields it
// changes. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Debug(log.Node, "Config file not found, using defaults", "path", path)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as indented JSON, creating the directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.Pool.TreeHeight == 0 || c.Pool.TreeHeight > merkle.MaxHeight {
		return fmt.Errorf("pool.tree_height must be in 1..%d", merkle.MaxHeight)
	}
	if c.Ledger.URL == "" {
		return fmt.Errorf("ledger.url must be set")
	}
	if c.Ledger.Timeout <= 0 {
		return fmt.Errorf("ledger.timeout must be positive")
	}
	if len(c.Relayer.Endpoints) == 0 {
		return fmt.Errorf("relayer.endpoints must list at least one endpoint")
	}
	seen := make(map[string]bool)
	for i, ep := range c.Relayer.Endpoints {
		if ep.Name == "" || ep.URL == "" {
			return fmt.Errorf("relayer.endpoints[%d] needs a name and url", i)
		}
		if seen[ep.Name] {
			return fmt.Errorf("relayer.endpoints: duplicate name %q", ep.Name)
		}
		seen[ep.Name] = true
	}
	if _, err := c.FeeSchedule(); err != nil {
		return err
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Tracing.Enabled && (c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1) {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if err := c.RelayerConfig().Validate(); err != nil {
		return fmt.Errorf("relayer: %w", err)
	}
	if err := c.ExecutorConfig().Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	return nil
}

func (c *Config) FeeSchedule() (fees.Schedule, error) {
	return fees.NewSchedule(c.Fees.ShieldFeeBps, c.Fees.PriorityFeeBps)
}

func (c *Config) ExecutorConfig() executor.Config {
	return executor.Config{
		MaxSpendInputs: c.Pool.MaxSpendInputs,
		Consolidation: consolidate.Config{
			MaxConsolidationInputs: c.Pool.MaxConsolidationInputs,
			MinConsolidationInputs: c.Pool.MinConsolidationInputs,
			MaxRounds:              c.Pool.MaxConsolidationRounds,
		},
		MaxProofAttempts: c.Prover.MaxAttempts,
		ProofTimeout:     c.Prover.Timeout.Std(),
		ProofBackoff:     c.Prover.Backoff.Std(),
		MaxStaleRetries:  c.Ledger.MaxStaleRetries,
		StaleBackoff:     c.Ledger.StaleBackoff.Std(),
		ConfirmTimeout:   c.Ledger.ConfirmTimeout.Std(),
	}
}

func (c *Config) RelayerConfig() relayer.Config {
	return relayer.Config{
		HealthInterval: c.Relayer.HealthInterval.Std(),
		ProbeTimeout:   c.Relayer.ProbeTimeout.Std(),
		SubmitTimeout:  c.Relayer.SubmitTimeout.Std(),
		MaxAttempts:    c.Relayer.MaxAttempts,
		HealthScore:    c.Relayer.HealthScore,
	}
}

// StorePath is where the shielded state lives.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "state")
}

// ApplyLogging installs the configured logger on stderr.
func (c *Config) ApplyLogging() error {
	if c.Log.JSON {
		if err := log.InitJSONLogger(os.Stderr, c.Log.Level); err != nil {
			return err
		}
	} else {
		if _, err := log.ParseLevel(c.Log.Level); err != nil {
			return err
		}
		log.InitLogger(c.Log.Level)
	}
	if strings.TrimSpace(c.Log.Modules) != "" {
		log.EnableModules(c.Log.Modules)
	}
	return nil
}
