package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level application configuration.
type Config struct {
	Data       DataConfig      `koanf:"data"`
	Fetch      FetchConfig     `koanf:"fetch"`
	Process    ProcessConfig   `koanf:"process"`
	Thresholds ThresholdConfig `koanf:"thresholds"`
	Export     ExportConfig    `koanf:"export"`
	Server     ServerConfig    `koanf:"server"`
}

// DataConfig locates on-disk pipeline state.
type DataConfig struct {
	Dir        string `koanf:"dir"`         // partition segments and manifest
	OutDir     string `koanf:"out_dir"`     // published artifacts
	CatalogDir string `koanf:"catalog_dir"` // dataset definition YAML files
}

// FetchConfig tunes the rate-adaptive fetcher.
type FetchConfig struct {
	BaseURL        string `koanf:"base_url"`
	AppToken       string `koanf:"app_token"` // elevated rate limits when set
	PageSize       int    `koanf:"page_size"`
	SamplePercent  int    `koanf:"sample_percent"` // 1-100, scales effective row limits
	LookbackDays   int    `koanf:"lookback_days"`  // 0 = full history
	MinWorkers     int    `koanf:"min_workers"`
	MaxWorkers     int    `koanf:"max_workers"`
	PageTimeout    string `koanf:"page_timeout"`
	RunBudget      string `koanf:"run_budget"` // soft wall-clock budget, 0s = unlimited
	MaxRetries     int    `koanf:"max_retries"`
	BackoffBase    string `koanf:"backoff_base"`
	BackoffCap     string `koanf:"backoff_cap"`
	Cooldown       string `koanf:"cooldown"` // suppresses repeated worker halving
	ForceRefresh   bool   `koanf:"force_refresh"`
	PrefixShardLen int    `koanf:"prefix_shard_len"` // key-prefix chars for sharded datasets
}

// ProcessConfig tunes the join/aggregation stages.
type ProcessConfig struct {
	AggregationShards int `koanf:"aggregation_shards"`
}

// ThresholdConfig carries the minimum-sample gates applied at derivation.
type ThresholdConfig struct {
	Brand         int `koanf:"brand"`
	BrandFeatured int `koanf:"brand_featured"`
	Model         int `koanf:"model"`
	ModelFeatured int `koanf:"model_featured"`
	AgeBracket    int `koanf:"age_bracket"`
}

// ExportConfig enables the optional Postgres metric sink.
type ExportConfig struct {
	DSN          string `koanf:"dsn"` // empty disables the sink
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

// ServerConfig configures the ops HTTP server (health, partition state,
// prometheus metrics).
type ServerConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
	Mode    string `koanf:"mode"` // debug | release
}

func (c FetchConfig) durationField(name, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid fetch.%s %q: %w", name, raw, err)
	}
	return d, nil
}

// PageTimeoutDuration returns the per-page request timeout.
func (c FetchConfig) PageTimeoutDuration() time.Duration {
	d, _ := c.durationField("page_timeout", c.PageTimeout)
	return d
}

// RunBudgetDuration returns the soft wall-clock budget; zero means unlimited.
func (c FetchConfig) RunBudgetDuration() time.Duration {
	d, _ := c.durationField("run_budget", c.RunBudget)
	return d
}

// BackoffBaseDuration returns the first backoff delay.
func (c FetchConfig) BackoffBaseDuration() time.Duration {
	d, _ := c.durationField("backoff_base", c.BackoffBase)
	return d
}

// BackoffCapDuration returns the backoff ceiling.
func (c FetchConfig) BackoffCapDuration() time.Duration {
	d, _ := c.durationField("backoff_cap", c.BackoffCap)
	return d
}

// CooldownDuration returns the worker-halving suppression window.
func (c FetchConfig) CooldownDuration() time.Duration {
	d, _ := c.durationField("cooldown", c.Cooldown)
	return d
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Data.Dir) == "" {
		return fmt.Errorf("data.dir is required")
	}
	if strings.TrimSpace(c.Data.OutDir) == "" {
		return fmt.Errorf("data.out_dir is required")
	}
	if strings.TrimSpace(c.Data.CatalogDir) == "" {
		return fmt.Errorf("data.catalog_dir is required")
	}

	if strings.TrimSpace(c.Fetch.BaseURL) == "" {
		return fmt.Errorf("fetch.base_url is required")
	}
	if c.Fetch.PageSize <= 0 || c.Fetch.PageSize > 50000 {
		return fmt.Errorf("fetch.page_size must be in 1-50000, got %d", c.Fetch.PageSize)
	}
	if c.Fetch.SamplePercent < 1 || c.Fetch.SamplePercent > 100 {
		return fmt.Errorf("fetch.sample_percent must be in 1-100, got %d", c.Fetch.SamplePercent)
	}
	if c.Fetch.LookbackDays < 0 {
		return fmt.Errorf("fetch.lookback_days must be >= 0")
	}
	if c.Fetch.MinWorkers < 1 {
		return fmt.Errorf("fetch.min_workers must be >= 1")
	}
	if c.Fetch.MaxWorkers < c.Fetch.MinWorkers {
		return fmt.Errorf("fetch.max_workers (%d) must be >= fetch.min_workers (%d)",
			c.Fetch.MaxWorkers, c.Fetch.MinWorkers)
	}
	if c.Fetch.MaxRetries < 1 {
		return fmt.Errorf("fetch.max_retries must be >= 1")
	}
	if c.Fetch.PrefixShardLen < 1 || c.Fetch.PrefixShardLen > 2 {
		return fmt.Errorf("fetch.prefix_shard_len must be 1 or 2, got %d", c.Fetch.PrefixShardLen)
	}
	for name, raw := range map[string]string{
		"page_timeout": c.Fetch.PageTimeout,
		"run_budget":   c.Fetch.RunBudget,
		"backoff_base": c.Fetch.BackoffBase,
		"backoff_cap":  c.Fetch.BackoffCap,
		"cooldown":     c.Fetch.Cooldown,
	} {
		if _, err := c.Fetch.durationField(name, raw); err != nil {
			return err
		}
	}
	if c.Fetch.PageTimeoutDuration() <= 0 {
		return fmt.Errorf("fetch.page_timeout must be > 0")
	}
	if c.Fetch.BackoffBaseDuration() <= 0 {
		return fmt.Errorf("fetch.backoff_base must be > 0")
	}
	if c.Fetch.BackoffCapDuration() < c.Fetch.BackoffBaseDuration() {
		return fmt.Errorf("fetch.backoff_cap must be >= fetch.backoff_base")
	}

	if c.Process.AggregationShards < 1 {
		return fmt.Errorf("process.aggregation_shards must be >= 1")
	}

	t := c.Thresholds
	if t.Brand < 1 || t.Model < 1 || t.AgeBracket < 1 {
		return fmt.Errorf("thresholds must all be >= 1")
	}
	if t.BrandFeatured < t.Brand {
		return fmt.Errorf("thresholds.brand_featured (%d) must be >= thresholds.brand (%d)",
			t.BrandFeatured, t.Brand)
	}
	if t.ModelFeatured < t.Model {
		return fmt.Errorf("thresholds.model_featured (%d) must be >= thresholds.model (%d)",
			t.ModelFeatured, t.Model)
	}

	if c.Export.DSN != "" {
		if c.Export.MaxOpenConns <= 0 || c.Export.MaxIdleConns <= 0 {
			return fmt.Errorf("export connection pool sizes must be > 0 when export.dsn is set")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
		}
		if strings.TrimSpace(c.Server.Host) == "" {
			return fmt.Errorf("server.host is required when server.enabled")
		}
		if c.Server.Mode != "debug" && c.Server.Mode != "release" {
			return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
		}
	}

	return nil
}

// Load parses config from defaults + optional file + env and validates it.
// Env vars use the APKLENS_ prefix with __ as the key separator, e.g.
// APKLENS_FETCH__MAX_WORKERS=16.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"data.dir":                   "./data/partitions",
		"data.out_dir":               "./data/processed",
		"data.catalog_dir":           "./config/datasets",
		"fetch.base_url":             "https://opendata.rdw.nl/resource",
		"fetch.app_token":            "",
		"fetch.page_size":            50000,
		"fetch.sample_percent":       100,
		"fetch.lookback_days":        0,
		"fetch.min_workers":          2,
		"fetch.max_workers":          8,
		"fetch.page_timeout":         "3m",
		"fetch.run_budget":           "0s",
		"fetch.max_retries":          5,
		"fetch.backoff_base":         "2s",
		"fetch.backoff_cap":          "32s",
		"fetch.cooldown":             "30s",
		"fetch.force_refresh":        false,
		"fetch.prefix_shard_len":     1,
		"process.aggregation_shards": 8,
		"thresholds.brand":           100,
		"thresholds.brand_featured":  500,
		"thresholds.model":           50,
		"thresholds.model_featured":  100,
		"thresholds.age_bracket":     30,
		"export.dsn":                 "",
		"export.max_open_conns":      10,
		"export.max_idle_conns":      5,
		"export.auto_migrate":        true,
		"server.enabled":             false,
		"server.host":                "0.0.0.0",
		"server.port":                8090,
		"server.mode":                "release",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("APKLENS_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "APKLENS_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
