package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseDefaultConfig(t *testing.T) {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		t.Fatalf("failed to parse default config: %v", err)
	}

	if len(cfg.Sources.Feeds) == 0 {
		t.Error("expected feeds to be populated")
	}

	if cfg.Enrichment.Provider != "ollama" {
		t.Errorf("expected provider 'ollama', got %q", cfg.Enrichment.Provider)
	}

	if cfg.Enrichment.Timeout != 3*time.Minute {
		t.Errorf("expected timeout 3m, got %s", cfg.Enrichment.Timeout)
	}

	if cfg.Pipeline.Lease != 10*time.Minute {
		t.Errorf("expected lease 10m, got %s", cfg.Pipeline.Lease)
	}

	if len(cfg.Enrichment.Tiers) != 3 {
		t.Errorf("expected 3 tiers, got %v", cfg.Enrichment.Tiers)
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("expected port 8000, got %d", cfg.Server.Port)
	}
}

func TestParseMinimalConfig(t *testing.T) {
	data := []byte(`
enrichment:
  provider: openai
  model: gpt-4o
pipeline:
  sampling_rate: 4
  max_retries: 2
server:
  port: 9000
`)
	cfg, err := parse(data)
	if err != nil {
		t.Fatalf("failed to parse minimal config: %v", err)
	}

	if cfg.Enrichment.Provider != "openai" {
		t.Errorf("expected provider 'openai', got %q", cfg.Enrichment.Provider)
	}
	if cfg.Pipeline.SamplingRate != 4 {
		t.Errorf("expected sampling rate 4, got %d", cfg.Pipeline.SamplingRate)
	}
	if cfg.Pipeline.MaxRetries != 2 {
		t.Errorf("expected max retries 2, got %d", cfg.Pipeline.MaxRetries)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	// Defaults should still be set for unspecified fields
	if cfg.Enrichment.OllamaURL != "http://localhost:11434" {
		t.Errorf("expected default ollama_url, got %q", cfg.Enrichment.OllamaURL)
	}
	if cfg.Pipeline.Workers != 4 {
		t.Errorf("expected default workers 4, got %d", cfg.Pipeline.Workers)
	}
}

func TestParseRejectsInvalidPipeline(t *testing.T) {
	cases := map[string]string{
		"zero rate":    "pipeline:\n  sampling_rate: 0\n",
		"bad mode":     "pipeline:\n  sampling_mode: weighted\n",
		"zero retries": "pipeline:\n  max_retries: 0\n",
		"no workers":   "pipeline:\n  workers: 0\n",
		"no tiers":     "enrichment:\n  tiers: []\n",
	}
	for name, data := range cases {
		if _, err := parse([]byte(data)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestFeedEnabled(t *testing.T) {
	cfg, err := parse([]byte(`
sources:
  feeds:
    - url: https://a.example/rss
    - url: https://b.example/rss
      enabled: false
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Sources.Feeds[0].IsEnabled() {
		t.Error("expected feed without flag to be enabled")
	}
	if cfg.Sources.Feeds[1].IsEnabled() {
		t.Error("expected explicitly disabled feed to be disabled")
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, DefaultConfigYAML, 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if len(cfg.Sources.Feeds) == 0 {
		t.Error("expected feeds to be populated from file")
	}
}

func TestGetDataDir(t *testing.T) {
	cfg := &Config{}
	defaultDir := cfg.GetDataDir()
	if defaultDir == "" {
		t.Error("expected non-empty default data dir")
	}

	cfg.Output.DataDir = "/custom/path"
	if cfg.GetDataDir() != "/custom/path" {
		t.Errorf("expected '/custom/path', got %q", cfg.GetDataDir())
	}
	if cfg.GetArtifactsDir() != filepath.Join("/custom/path", "artifacts") {
		t.Errorf("expected artifacts under data dir, got %q", cfg.GetArtifactsDir())
	}

	cfg.Artifacts.Dir = "/srv/artifacts"
	if cfg.GetArtifactsDir() != "/srv/artifacts" {
		t.Errorf("expected '/srv/artifacts', got %q", cfg.GetArtifactsDir())
	}
}
