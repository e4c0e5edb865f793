package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, ErrConfigNotFound) {
		t.Fatalf("explicit missing file: err = %v, want ErrConfigNotFound", err)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, "provider: anthropic\nmodel: claude-sonnet-4\nmax_steps: 12\nallow_execute: true\ndeny_list: [\"rm -rf\"]\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider != "anthropic" || cfg.Model != "claude-sonnet-4" {
		t.Errorf("provider/model = %q/%q", cfg.Provider, cfg.Model)
	}
	if cfg.MaxSteps != 12 {
		t.Errorf("max_steps = %d", cfg.MaxSteps)
	}
	if !cfg.AllowExecute || len(cfg.DenyList) != 1 {
		t.Errorf("execute policy = %v %v", cfg.AllowExecute, cfg.DenyList)
	}
	// Untouched fields keep defaults.
	if cfg.Retries != 2 || cfg.RequestTimeoutMs != 120000 {
		t.Errorf("defaults lost: retries=%d timeout=%d", cfg.Retries, cfg.RequestTimeoutMs)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "provider: anthropic\nmodel: from-file\n")
	t.Setenv("DROVER_MODEL", "from-env")
	t.Setenv("DROVER_ALLOW_LIST", "git status,ls")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model != "from-env" {
		t.Errorf("model = %q, want env value", cfg.Model)
	}
	if cfg.Provider != "anthropic" {
		t.Errorf("provider = %q, file value should survive", cfg.Provider)
	}
	if len(cfg.AllowList) != 2 || cfg.AllowList[1] != "ls" {
		t.Errorf("allow_list = %v", cfg.AllowList)
	}
}

func TestAPIKeyComesFromEnvOnly(t *testing.T) {
	t.Setenv("DROVER_API_KEY", "sk-test")
	cfg, err := Load(writeFile(t, "provider: anthropic\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIKey != "sk-test" {
		t.Errorf("api key = %q", cfg.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"empty provider", func(c *Config) { c.Provider = "" }, true},
		{"zero max steps", func(c *Config) { c.MaxSteps = 0 }, true},
		{"negative retries", func(c *Config) { c.Retries = -1 }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, true},
		{"missing workspace", func(c *Config) { c.Workspace = "/no/such/dir" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateWorkspaceMustBeDirectory(t *testing.T) {
	file := writeFile(t, "x")
	cfg := Default()
	cfg.Workspace = file
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for non-directory workspace")
	}
}
