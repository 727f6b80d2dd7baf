// ABOUTME: YAML configuration with environment variable overrides for the pipeline runner.
// ABOUTME: Defaults are compiled in; a missing config file is not an error.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/docpipe/docpipe/pipeline"
)

// Config is the full runner configuration.
type Config struct {
	Paths       Paths       `yaml:"paths"`
	Concurrency Concurrency `yaml:"concurrency"`
	Retry       Retry       `yaml:"retry"`
	PolicyCache PolicyCache `yaml:"policy_cache"`
	Run         Run         `yaml:"run"`
	Optional    Optional    `yaml:"optional_stages"`
	Server      Server      `yaml:"server"`
	OpenAI      OpenAI      `yaml:"openai"`
	Policies    []Policy    `yaml:"policies"`
}

// Paths locates the store and working directories.
type Paths struct {
	Database    string `yaml:"database"`
	Objects     string `yaml:"objects"`
	Sources     string `yaml:"sources"`
	ProgressDir string `yaml:"progress_dir"`
	ErrorsDir   string `yaml:"errors_dir"`
}

// Concurrency bounds batch parallelism.
type Concurrency struct {
	MaxDocuments int `yaml:"max_documents"`
}

// Retry is the default retry policy applied when no persisted row matches.
type Retry struct {
	DefaultMaxRetries      int     `yaml:"default_max_retries"`
	DefaultBaseDelayMs     int     `yaml:"default_base_delay_ms"`
	DefaultMaxDelayMs      int     `yaml:"default_max_delay_ms"`
	DefaultExponentialBase float64 `yaml:"default_exponential_base"`
	Jitter                 *bool   `yaml:"jitter"`
}

// PolicyCache controls the policy registry's TTL cache.
type PolicyCache struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

// Run selects the scheduler mode.
type Run struct {
	Mode           string   `yaml:"mode"`
	Stages         []string `yaml:"stages"`
	ForceReprocess bool     `yaml:"force_reprocess"`
}

// Optional controls optional-stage failure behavior.
type Optional struct {
	ContinueOnFailure *bool `yaml:"continue_on_failure"`
}

// Server configures the status HTTP server.
type Server struct {
	Addr string `yaml:"addr"`
}

// OpenAI configures the embedding and classification clients.
type OpenAI struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	EmbeddingModel string `yaml:"embedding_model"`
	ChatModel      string `yaml:"chat_model"`
}

// Policy is one per-service retry policy override seeded into the store.
type Policy struct {
	Service         string  `yaml:"service"`
	Stage           string  `yaml:"stage"`
	MaxRetries      int     `yaml:"max_retries"`
	BaseDelayMs     int     `yaml:"base_delay_ms"`
	MaxDelayMs      int     `yaml:"max_delay_ms"`
	ExponentialBase float64 `yaml:"exponential_base"`
	Jitter          bool    `yaml:"jitter"`
}

// Default returns the compiled-in configuration.
func Default() *Config {
	yes := true
	return &Config{
		Paths: Paths{
			Database:    "docpipe.db",
			Objects:     "objects",
			Sources:     "sources",
			ProgressDir: "progress",
			ErrorsDir:   "errors",
		},
		Concurrency: Concurrency{MaxDocuments: 4},
		Retry: Retry{
			DefaultMaxRetries:      3,
			DefaultBaseDelayMs:     1000,
			DefaultMaxDelayMs:      60000,
			DefaultExponentialBase: 2.0,
			Jitter:                 &yes,
		},
		PolicyCache: PolicyCache{TTLSeconds: 300},
		Run:         Run{Mode: string(pipeline.ModeSmart)},
		Optional:    Optional{ContinueOnFailure: &yes},
		Server:      Server{Addr: "127.0.0.1:8640"},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file leaves the defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides selected keys from the environment. Environment wins
// over file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("DOCPIPE_DB"); v != "" {
		c.Paths.Database = v
	}
	if v := os.Getenv("DOCPIPE_OBJECTS"); v != "" {
		c.Paths.Objects = v
	}
	if v := os.Getenv("DOCPIPE_SOURCES"); v != "" {
		c.Paths.Sources = v
	}
	if v := os.Getenv("DOCPIPE_MAX_DOCUMENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Concurrency.MaxDocuments = n
		}
	}
	if v := os.Getenv("DOCPIPE_MODE"); v != "" {
		c.Run.Mode = v
	}
	if v := os.Getenv("DOCPIPE_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.OpenAI.APIKey == "" {
		c.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" && c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = v
	}
}

func (c *Config) validate() error {
	switch pipeline.Mode(c.Run.Mode) {
	case pipeline.ModeRunAll, pipeline.ModeRunSubset, pipeline.ModeSmart, "":
	default:
		return fmt.Errorf("unknown run mode %q", c.Run.Mode)
	}
	if c.Run.Mode == string(pipeline.ModeRunSubset) && len(c.Run.Stages) == 0 {
		return fmt.Errorf("run_subset mode requires run.stages")
	}
	if c.Concurrency.MaxDocuments < 1 {
		return fmt.Errorf("concurrency.max_documents must be at least 1")
	}
	if c.Retry.DefaultExponentialBase < 1 {
		return fmt.Errorf("retry.default_exponential_base must be at least 1")
	}
	return nil
}

// DefaultPolicy builds the fallback retry policy from the retry section.
func (c *Config) DefaultPolicy() pipeline.RetryPolicy {
	p := pipeline.RetryPolicy{
		MaxRetries:      c.Retry.DefaultMaxRetries,
		BaseDelay:       time.Duration(c.Retry.DefaultBaseDelayMs) * time.Millisecond,
		MaxDelay:        time.Duration(c.Retry.DefaultMaxDelayMs) * time.Millisecond,
		ExponentialBase: c.Retry.DefaultExponentialBase,
		Jitter:          true,
	}
	if c.Retry.Jitter != nil {
		p.Jitter = *c.Retry.Jitter
	}
	return p
}

// PolicyTTL returns the policy cache TTL as a duration.
func (c *Config) PolicyTTL() time.Duration {
	return time.Duration(c.PolicyCache.TTLSeconds) * time.Second
}

// RunOptions builds scheduler options from the run section.
func (c *Config) RunOptions() pipeline.RunOptions {
	mode := pipeline.Mode(c.Run.Mode)
	if mode == "" {
		mode = pipeline.ModeSmart
	}
	return pipeline.RunOptions{
		Mode:           mode,
		Stages:         c.Run.Stages,
		ForceReprocess: c.Run.ForceReprocess,
	}
}

// StorePolicies converts the policies section into store rows.
func (c *Config) StorePolicies() []pipeline.RetryPolicy {
	out := make([]pipeline.RetryPolicy, 0, len(c.Policies))
	for _, p := range c.Policies {
		out = append(out, pipeline.RetryPolicy{
			ServiceName:     strings.TrimSpace(p.Service),
			StageName:       strings.TrimSpace(p.Stage),
			MaxRetries:      p.MaxRetries,
			BaseDelay:       time.Duration(p.BaseDelayMs) * time.Millisecond,
			MaxDelay:        time.Duration(p.MaxDelayMs) * time.Millisecond,
			ExponentialBase: p.ExponentialBase,
			Jitter:          p.Jitter,
		})
	}
	return out
}
