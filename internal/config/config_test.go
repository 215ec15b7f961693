package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "")
	cfg, err := Load(NewViper(), "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr != ":8000" || cfg.AnalyzeEvery != 5 || cfg.SampleInterval != 100*time.Millisecond {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.StopTimeout != time.Second || cfg.StreamIdleTimeout != 15*time.Second || cfg.Engines != 1 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "http://localhost:3000" {
		t.Errorf("unexpected CORS origins: %v", cfg.CORSOrigins)
	}
	if strings.Join(cfg.ClassifierCmd, " ") != "python3 -u python/emotion_worker.py" {
		t.Errorf("unexpected classifier command: %v", cfg.ClassifierCmd)
	}
	if cfg.DatabaseURL != "" {
		t.Errorf("expected no database by default, got %q", cfg.DatabaseURL)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MOODLENS_ANALYZE_EVERY", "2")
	t.Setenv("MOODLENS_STREAM_IDLE_TIMEOUT", "3s")
	t.Setenv("MOODLENS_CORS_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("MOODLENS_CLASSIFIER_CMD", "python3 worker.py --gpu")

	cfg, err := Load(NewViper(), "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.AnalyzeEvery != 2 || cfg.StreamIdleTimeout != 3*time.Second {
		t.Errorf("env not applied: %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.test" {
		t.Errorf("unexpected CORS origins: %v", cfg.CORSOrigins)
	}
	if len(cfg.ClassifierCmd) != 3 || cfg.ClassifierCmd[2] != "--gpu" {
		t.Errorf("unexpected classifier command: %v", cfg.ClassifierCmd)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moodlens.yaml")
	body := "addr: \":9000\"\nengines: 3\nlog-format: json\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(NewViper(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr != ":9000" || cfg.Engines != 3 || cfg.LogFormat != "json" {
		t.Errorf("file not applied: %+v", cfg)
	}

	if _, err := Load(NewViper(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestPostgresEnvFallback(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")
	t.Setenv("POSTGRES_DB", "moodlens")
	t.Setenv("POSTGRES_PORT", "")

	cfg, err := Load(NewViper(), "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DatabaseURL != "postgres://u:p@db:5432/moodlens" {
		t.Errorf("DatabaseURL=%q", cfg.DatabaseURL)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg, err := Load(NewViper(), "")
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"zero analyze-every", func(c *Config) { c.AnalyzeEvery = 0 }, KeyAnalyzeEvery},
		{"no engines", func(c *Config) { c.Engines = 0 }, KeyEngines},
		{"negative stop timeout", func(c *Config) { c.StopTimeout = -time.Second }, KeyStopTimeout},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, KeyLogLevel},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, KeyLogFormat},
		{"empty classifier", func(c *Config) { c.ClassifierCmd = nil }, KeyClassifierCmd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestComponentConfigs(t *testing.T) {
	cfg, err := Load(NewViper(), "")
	if err != nil {
		t.Fatal(err)
	}
	if s := cfg.Sampler(); s.AnalyzeEvery != 5 || s.RetryBackoff != 50*time.Millisecond {
		t.Errorf("Sampler()=%+v", s)
	}
	if s := cfg.Stream(); s.MaxSessions != 32 || s.MaxFrameDimension != 1280 {
		t.Errorf("Stream()=%+v", s)
	}
	if c := cfg.Capture(nil); c.Device != "/dev/video0" || c.InputFormat != "v4l2" {
		t.Errorf("Capture()=%+v", c)
	}
}
