package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

type nested struct {
	Provider       string        `mapstructure:"provider"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	Endpoints      []string      `mapstructure:"endpoints"`
}

type testConfig struct {
	ServiceConfig `yaml:",inline" mapstructure:",squash"`
	Discovery     nested `mapstructure:"discovery"`
	validated     bool
}

func (c *testConfig) ApplyDefaults() {
	c.ServiceConfig.ApplyDefaults()
	if c.Discovery.Provider == "" {
		c.Discovery.Provider = "memory"
	}
}

func (c *testConfig) Validate() error {
	c.validated = true
	if c.Discovery.Provider == "broken" {
		return fmt.Errorf("discovery.provider is broken")
	}
	return c.ServiceConfig.Validate()
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return p
}

func TestServiceConfigApplyDefaults(t *testing.T) {
	t.Run("empty environment defaults to development", func(t *testing.T) {
		cfg := ServiceConfig{Name: "svc"}
		cfg.ApplyDefaults()
		if cfg.Environment != "development" {
			t.Errorf("expected 'development', got %q", cfg.Environment)
		}
		if !cfg.Debug {
			t.Error("expected debug=true for development")
		}
		if cfg.Logging.ServiceName != "svc" {
			t.Errorf("expected logging service name to follow name, got %q", cfg.Logging.ServiceName)
		}
	})

	t.Run("production keeps debug false", func(t *testing.T) {
		cfg := ServiceConfig{Name: "svc", Environment: "production"}
		cfg.ApplyDefaults()
		if cfg.Debug {
			t.Error("expected debug=false for production")
		}
	})
}

func TestServiceConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServiceConfig
		wantErr string
	}{
		{"valid", ServiceConfig{Name: "svc", Environment: "staging"}, ""},
		{"missing name", ServiceConfig{Environment: "production"}, "config.name is required"},
		{"bad environment", ServiceConfig{Name: "svc", Environment: "qa"}, "config.environment must be one of"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.cfg.Logging.ApplyDefaults()
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoadConfigWithYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yml", `
name: registrar
environment: staging
discovery:
  provider: etcd
  session_timeout: 1500ms
  endpoints: ["127.0.0.1:2379", "127.0.0.2:2379"]
`)

	var cfg testConfig
	if err := LoadConfig("registrar", &cfg, WithConfigFile(path), WithEnvFile(filepath.Join(dir, "none")), WithEnvPrefix("CFGTEST")); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Name != "registrar" || cfg.Environment != "staging" {
		t.Errorf("unexpected service config: %+v", cfg.ServiceConfig)
	}
	if cfg.Discovery.Provider != "etcd" {
		t.Errorf("expected provider etcd, got %q", cfg.Discovery.Provider)
	}
	if cfg.Discovery.SessionTimeout != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %v", cfg.Discovery.SessionTimeout)
	}
	if len(cfg.Discovery.Endpoints) != 2 {
		t.Errorf("expected 2 endpoints, got %v", cfg.Discovery.Endpoints)
	}
	if !cfg.validated {
		t.Error("expected Validate to run")
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yml", "name: registrar\ndiscovery:\n  provider: etcd\n")

	t.Setenv("REGTEST_DISCOVERY_PROVIDER", "consul")
	t.Setenv("REGTEST_DISCOVERY_SESSION_TIMEOUT", "3s")

	var cfg testConfig
	err := LoadConfig("registrar", &cfg,
		WithConfigFile(path),
		WithEnvFile(filepath.Join(dir, "none")),
		WithEnvPrefix("REGTEST"),
	)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Discovery.Provider != "consul" {
		t.Errorf("expected env override consul, got %q", cfg.Discovery.Provider)
	}
	if cfg.Discovery.SessionTimeout != 3*time.Second {
		t.Errorf("expected 3s, got %v", cfg.Discovery.SessionTimeout)
	}
}

func TestLoadConfigEnvFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yml", "name: registrar\n")
	envPath := writeFile(t, dir, ".env", "ENVFILETEST_DISCOVERY_PROVIDER=redis\n")
	defer os.Unsetenv("ENVFILETEST_DISCOVERY_PROVIDER")

	var cfg testConfig
	err := LoadConfig("registrar", &cfg, WithConfigFile(cfgPath), WithEnvFile(envPath), WithEnvPrefix("ENVFILETEST"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Discovery.Provider != "redis" {
		t.Errorf("expected provider from .env, got %q", cfg.Discovery.Provider)
	}
}

func TestLoadConfigDefaultsAndValidation(t *testing.T) {
	dir := t.TempDir()

	var cfg testConfig
	path := writeFile(t, dir, "config.yml", "name: registrar\n")
	if err := LoadConfig("registrar", &cfg, WithConfigFile(path), WithEnvFile(filepath.Join(dir, "none")), WithEnvPrefix("CFGTEST")); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Discovery.Provider != "memory" {
		t.Errorf("expected default provider memory, got %q", cfg.Discovery.Provider)
	}

	var broken testConfig
	path = writeFile(t, dir, "broken.yml", "name: registrar\ndiscovery:\n  provider: broken\n")
	err := LoadConfig("registrar", &broken, WithConfigFile(path), WithEnvFile(filepath.Join(dir, "none")), WithEnvPrefix("CFGTEST"))
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	var cfg testConfig
	err := LoadConfig("nonexistent-service", &cfg, WithFileSystem(&mockFS{}), WithConfigFile("/nonexistent/path.yml"), WithEnvPrefix("CFGTEST"))
	if err == nil || !strings.Contains(err.Error(), "config.name is required") {
		t.Fatalf("expected validation failure on empty config, got %v", err)
	}
}

type mockFS struct {
	files map[string]bool
}

func (m *mockFS) Exists(path string) bool   { return m.files[path] }
func (m *mockFS) LoadEnv(path string) error { return nil }

func TestResolverSearchOrder(t *testing.T) {
	fs := &mockFS{files: map[string]bool{
		"./cmd/registrar/config.yml": true,
		"./config/config.yml":        true,
		"./config/.env":              true,
	}}
	resolver := &Resolver{FileSystem: fs}
	files := resolver.ResolveFiles("registrar", LoaderConfig{})
	if files.ConfigFile != "./cmd/registrar/config.yml" {
		t.Errorf("expected command config to win, got %q", files.ConfigFile)
	}
	if files.EnvFile != "./config/.env" {
		t.Errorf("expected ./config/.env, got %q", files.EnvFile)
	}

	explicit := resolver.ResolveFiles("registrar", LoaderConfig{ConfigFile: "/etc/registrar.yml"})
	if explicit.ConfigFile != "/etc/registrar.yml" {
		t.Errorf("expected explicit path, got %q", explicit.ConfigFile)
	}
}

func TestStructKeys(t *testing.T) {
	keys := structKeys(reflect.TypeOf(&testConfig{}), "")
	want := []string{
		"name", "environment", "version", "debug",
		"logging.service_name", "logging.level",
		"discovery.provider", "discovery.session_timeout", "discovery.endpoints",
	}
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	for _, w := range want {
		if !set[w] {
			t.Errorf("expected key %q in %v", w, keys)
		}
	}
	if set["validated"] {
		t.Error("unexported fields must not be bound")
	}
}
