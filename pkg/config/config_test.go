package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type sample struct {
	Name  string `yaml:"name"`
	Limit int    `yaml:"limit"`
}

func (s *sample) Validate() error {
	if s.Limit < 0 {
		return errors.New("limit must not be negative")
	}
	return nil
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadExpandsEnvAndKeepsDefaults(t *testing.T) {
	t.Setenv("SAMPLE_NAME", "kalendae")
	path := writeFile(t, "name: ${SAMPLE_NAME}\n")

	cfg := sample{Limit: 7}
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "kalendae" || cfg.Limit != 7 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadValidates(t *testing.T) {
	path := writeFile(t, "limit: -1\n")
	var cfg sample
	if err := Load(path, &cfg); err == nil {
		t.Error("expected validation error")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")

	cfg := sample{Name: "default"}
	if err := LoadWithDefaults(missing, "", &cfg); err != nil {
		t.Fatalf("missing file without fallback: %v", err)
	}
	if cfg.Name != "default" {
		t.Errorf("defaults changed: %+v", cfg)
	}

	fallback := writeFile(t, "name: fallback\n")
	if err := LoadWithDefaults(missing, fallback, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "fallback" {
		t.Errorf("fallback not loaded: %+v", cfg)
	}

	bad := sample{Limit: -1}
	if err := LoadWithDefaults(missing, "", &bad); err == nil {
		t.Error("defaults should still be validated")
	}
}
