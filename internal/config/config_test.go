package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/spacelis/portraitist/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Packages.Size != 10 {
		t.Fatalf("expected default package size 10, got %d", cfg.Packages.Size)
	}
}

func TestFromYAMLOverrides(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
session:
  timeout: 45m
pool:
  key: pool-v2
packages:
  size: 5
  policy: topic
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Session.Timeout.Std() != 45*time.Minute {
		t.Fatalf("timeout not applied: %v", cfg.Session.Timeout.Std())
	}
	if cfg.Pool.Key != "pool-v2" || cfg.Packages.Size != 5 || cfg.Packages.Policy != "topic" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	// untouched sections keep defaults
	if cfg.Session.CacheTTL.Std() != 2*time.Hour {
		t.Fatalf("expected default cache ttl, got %v", cfg.Session.CacheTTL.Std())
	}
}

func TestZeroTimeoutAllowed(t *testing.T) {
	cfg, err := config.FromYAML([]byte("session:\n  timeout: \"0\"\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Session.Timeout != 0 {
		t.Fatalf("expected zero timeout, got %v", cfg.Session.Timeout.Std())
	}
}

func TestBadPolicyRejected(t *testing.T) {
	_, err := config.FromYAML([]byte("packages:\n  policy: alphabetical\n"))
	if err == nil || !strings.Contains(err.Error(), "policy") {
		t.Fatalf("expected policy error, got %v", err)
	}
}
