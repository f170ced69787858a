package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a yaml-friendly wrapper around time.Duration accepting
// values such as "30m" or "2h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw == "" || raw == "0" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config models portraitist.yml.
type Config struct {
	App struct {
		ID string `yaml:"id"`
	} `yaml:"app"`
	HTTP struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"http"`
	Session struct {
		// Timeout is the idle interval after which a session counts as dead.
		// Zero disables liveness expiry entirely.
		Timeout      Duration `yaml:"timeout"`
		CacheTTL     Duration `yaml:"cache_ttl"`
		CookieMaxAge Duration `yaml:"cookie_max_age"`
	} `yaml:"session"`
	Pool struct {
		Key             string   `yaml:"key"`
		TTL             Duration `yaml:"ttl"`
		CheckoutRetries int      `yaml:"checkout_retries"`
	} `yaml:"pool"`
	Packages struct {
		Size   int    `yaml:"size"`
		Policy string `yaml:"policy"`
	} `yaml:"packages"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		// LegacyAdminKey, when non-empty, is accepted as a request parameter
		// on operator endpoints. Development use only.
		LegacyAdminKey string `yaml:"legacy_admin_key"`
	} `yaml:"auth"`
	Data struct {
		Dir string `yaml:"dir"`
	} `yaml:"data"`
}

var packagePolicies = map[string]bool{
	"sequence": true,
	"topic":    true,
	"method":   true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.App.ID == "" {
		return fmt.Errorf("config.app.id is required")
	}
	if c.Session.Timeout < 0 {
		return fmt.Errorf("config.session.timeout must not be negative")
	}
	if c.Session.CacheTTL <= 0 {
		return fmt.Errorf("config.session.cache_ttl must be positive")
	}
	if c.Pool.Key == "" {
		return fmt.Errorf("config.pool.key is required")
	}
	if c.Pool.TTL <= 0 {
		return fmt.Errorf("config.pool.ttl must be positive")
	}
	if c.Pool.CheckoutRetries <= 0 {
		return fmt.Errorf("config.pool.checkout_retries must be positive")
	}
	if c.Packages.Size <= 0 {
		return fmt.Errorf("config.packages.size must be positive")
	}
	if !packagePolicies[c.Packages.Policy] {
		return fmt.Errorf("config.packages.policy must be one of sequence, topic, method")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "portraitist.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with portraitist config init", Path(workspace))
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.App.ID = "geo-expertise"
	cfg.HTTP.Addr = "127.0.0.1:8080"
	cfg.HTTP.BasePath = "/api"
	cfg.Session.Timeout = Duration(30 * time.Minute)
	cfg.Session.CacheTTL = Duration(2 * time.Hour)
	cfg.Session.CookieMaxAge = Duration(90 * 24 * time.Hour)
	cfg.Pool.Key = "taskpackage-pool"
	cfg.Pool.TTL = Duration(4 * time.Hour)
	cfg.Pool.CheckoutRetries = 5
	cfg.Packages.Size = 10
	cfg.Packages.Policy = "sequence"
	cfg.Data.Dir = "data"
	return &cfg
}

// GenerateDefault returns the default config rendered as YAML.
func GenerateDefault() (string, error) {
	out, err := yaml.Marshal(Default())
	if err != nil {
		return "", err
	}
	return string(out), nil
}
