// Package config loads the daemon's configuration from a YAML file with
// environment-variable overrides, following the layered precedence used
// throughout the teacher's own configuration package: defaults, then file,
// then environment (highest priority, using "__" to express nesting, e.g.
// IMLD_TRIGGERS__ENABLED=false).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's full configuration surface.
type Config struct {
	HTTP           HTTPConfig            `yaml:"http"`
	Security       SecurityConfig        `yaml:"security"`
	Executor       ExecutorConfig        `yaml:"executor"`
	Triggers       TriggersConfig        `yaml:"triggers"`
	ResourceLimits map[string]int        `yaml:"resource_limits"`
	EventBus       EventBusConfig        `yaml:"event_bus"`
	RateLimit      RateLimitConfig       `yaml:"rate_limit"`
}

type HTTPConfig struct {
	Address     string `yaml:"address" default:":8443"`
	BearerToken string `yaml:"bearer_token"`
}

type SecurityConfig struct {
	Profile       string               `yaml:"profile" default:"LOCAL_WORKER"`
	Scanners      []string             `yaml:"scanners"`
	MLAdapter     MLAdapterConfig      `yaml:"ml_adapter"`
	IntentVerifier IntentVerifierConfig `yaml:"intent_verifier"`
}

type MLAdapterConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout" default:"2s"`
}

type IntentVerifierConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Provider string        `yaml:"provider" default:"anthropic"`
	Model    string        `yaml:"model"`
	Strict   bool          `yaml:"strict"`
	Timeout  time.Duration `yaml:"timeout" default:"10s"`
}

type ExecutorConfig struct {
	MaxConcurrentPlans int           `yaml:"max_concurrent_plans" default:"10"`
	DefaultRetryBase   time.Duration `yaml:"default_retry_base" default:"1s"`
	DefaultRetryMax    time.Duration `yaml:"default_retry_max" default:"30s"`
	MaxOutputBytes     int           `yaml:"max_output_bytes" default:"65536"`
}

type TriggersConfig struct {
	Enabled            bool   `yaml:"enabled" default:"true"`
	DBPath             string `yaml:"db_path" default:"./imld.db"`
	MaxConcurrentPlans int    `yaml:"max_concurrent_plans" default:"5"`
	MaxChainDepth      int    `yaml:"max_chain_depth" default:"5"`
}

type EventBusConfig struct {
	Backend  string `yaml:"backend" default:"memory"`
	RedisURL string `yaml:"redis_url"`
}

type RateLimitConfig struct {
	Backend  string `yaml:"backend" default:"memory"`
	RedisURL string `yaml:"redis_url"`
}

// Default returns a Config with every documented default applied.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{Address: ":8443"},
		Security: SecurityConfig{
			Profile:  "LOCAL_WORKER",
			Scanners: []string{"heuristic"},
			MLAdapter: MLAdapterConfig{Timeout: 2 * time.Second},
			IntentVerifier: IntentVerifierConfig{Provider: "anthropic", Timeout: 10 * time.Second},
		},
		Executor: ExecutorConfig{
			MaxConcurrentPlans: 10,
			DefaultRetryBase:   time.Second,
			DefaultRetryMax:    30 * time.Second,
			MaxOutputBytes:     65536,
		},
		Triggers: TriggersConfig{
			Enabled:            true,
			DBPath:             "./imld.db",
			MaxConcurrentPlans: 5,
			MaxChainDepth:      5,
		},
		ResourceLimits: map[string]int{},
		EventBus:       EventBusConfig{Backend: "memory"},
		RateLimit:      RateLimitConfig{Backend: "memory"},
	}
}

// Load reads path (if non-empty and present) over the defaults, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides applies the finite set of environment scalars the
// daemon recognises, using "__" to express nesting (IMLD_TRIGGERS__ENABLED).
func applyEnvOverrides(cfg *Config) {
	if v, ok := lookupEnv("IMLD_TRIGGERS__ENABLED"); ok {
		cfg.Triggers.Enabled = parseBool(v, cfg.Triggers.Enabled)
	}
	if v, ok := lookupEnv("IMLD_TRIGGERS__DB_PATH"); ok {
		cfg.Triggers.DBPath = v
	}
	if v, ok := lookupEnv("IMLD_TRIGGERS__MAX_CONCURRENT_PLANS"); ok {
		cfg.Triggers.MaxConcurrentPlans = parseInt(v, cfg.Triggers.MaxConcurrentPlans)
	}
	if v, ok := lookupEnv("IMLD_TRIGGERS__MAX_CHAIN_DEPTH"); ok {
		cfg.Triggers.MaxChainDepth = parseInt(v, cfg.Triggers.MaxChainDepth)
	}
	if v, ok := lookupEnv("IMLD_SECURITY__PROFILE"); ok {
		cfg.Security.Profile = v
	}
	if v, ok := lookupEnv("IMLD_SECURITY__SCANNERS"); ok {
		cfg.Security.Scanners = strings.Split(v, ",")
	}
	if v, ok := lookupEnv("IMLD_EXECUTOR__MAX_CONCURRENT_PLANS"); ok {
		cfg.Executor.MaxConcurrentPlans = parseInt(v, cfg.Executor.MaxConcurrentPlans)
	}
	const prefix = "IMLD_RESOURCE_LIMITS__"
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		module := strings.ToLower(strings.TrimPrefix(parts[0], prefix))
		if cfg.ResourceLimits == nil {
			cfg.ResourceLimits = map[string]int{}
		}
		cfg.ResourceLimits[module] = parseInt(parts[1], 0)
	}
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	return v, ok
}

func parseBool(s string, fallback bool) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return b
}

func parseInt(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
