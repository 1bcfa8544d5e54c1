package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Sources    Sources    `yaml:"sources"`
	Enrichment Enrichment `yaml:"enrichment"`
	Pipeline   Pipeline   `yaml:"pipeline"`
	Artifacts  Artifacts  `yaml:"artifacts"`
	Publish    Publish    `yaml:"publish"`
	Output     Output     `yaml:"output"`
	Server     Server     `yaml:"server"`
	Logging    Logging    `yaml:"logging"`
}

type Sources struct {
	Feeds []Feed `yaml:"feeds"`
}

// Feed is one collection source. Disabled feeds stay in the file but are
// skipped by collect.
type Feed struct {
	URL      string `yaml:"url"`
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
	Enabled  *bool  `yaml:"enabled"`
}

// IsEnabled reports whether collection from the feed is on. Feeds without an
// explicit flag are enabled.
func (f Feed) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

type Enrichment struct {
	Provider         string        `yaml:"provider"`
	Model            string        `yaml:"model"`
	OllamaURL        string        `yaml:"ollama_url"`
	OpenAIModel      string        `yaml:"openai_model"`
	APIKeyEnv        string        `yaml:"api_key_env"`
	MaxTokens        int           `yaml:"max_tokens"`
	Timeout          time.Duration `yaml:"timeout"`
	Tiers            []string      `yaml:"tiers"`
	KeywordsPerTier  int           `yaml:"keywords_per_tier"`
	QuestionsPerTier int           `yaml:"questions_per_tier"`
	MaxContentChars  int           `yaml:"max_content_chars"`
}

type Pipeline struct {
	SamplingRate int           `yaml:"sampling_rate"`
	SamplingMode string        `yaml:"sampling_mode"`
	SamplingSeed string        `yaml:"sampling_seed"`
	BatchSize    int           `yaml:"batch_size"`
	Workers      int           `yaml:"workers"`
	MaxRetries   int           `yaml:"max_retries"`
	Lease        time.Duration `yaml:"lease"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	DaysBack     int           `yaml:"days_back"`
}

type Artifacts struct {
	Dir       string `yaml:"dir"`
	Retain    int    `yaml:"retain"`
	FeedItems int    `yaml:"feed_items"`
	Title     string `yaml:"title"`
	BaseURL   string `yaml:"base_url"`
}

type Publish struct {
	RedisURL string `yaml:"redis_url"`
	Channel  string `yaml:"channel"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for graded.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "graded")
}

// DataDir returns the XDG data directory for graded.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "graded")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/graded/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'graded init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns a config with every default applied and no sources.
func Default() *Config {
	return &Config{
		Enrichment: Enrichment{
			Provider:         "ollama",
			Model:            "qwen2.5:7b",
			OllamaURL:        "http://localhost:11434",
			OpenAIModel:      "gpt-4o-mini",
			APIKeyEnv:        "OPENAI_API_KEY",
			MaxTokens:        4096,
			Timeout:          3 * time.Minute,
			Tiers:            []string{"basic", "intermediate", "advanced"},
			KeywordsPerTier:  5,
			QuestionsPerTier: 5,
			MaxContentChars:  8000,
		},
		Pipeline: Pipeline{
			SamplingRate: 1,
			SamplingMode: "hash",
			SamplingSeed: "graded",
			BatchSize:    50,
			Workers:      4,
			MaxRetries:   3,
			Lease:        10 * time.Minute,
			FetchTimeout: 15 * time.Second,
			DaysBack:     1,
		},
		Artifacts: Artifacts{
			Retain:    5,
			FeedItems: 50,
			Title:     "graded",
		},
		Publish: Publish{Channel: "graded:artifacts"},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO"},
	}
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := Default()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	p := c.Pipeline
	switch {
	case p.SamplingRate < 1:
		return fmt.Errorf("pipeline.sampling_rate must be >= 1, got %d", p.SamplingRate)
	case p.SamplingMode != "hash" && p.SamplingMode != "random":
		return fmt.Errorf("pipeline.sampling_mode must be hash or random, got %q", p.SamplingMode)
	case p.MaxRetries < 1:
		return fmt.Errorf("pipeline.max_retries must be >= 1, got %d", p.MaxRetries)
	case p.Workers < 1:
		return fmt.Errorf("pipeline.workers must be >= 1, got %d", p.Workers)
	case p.Lease <= 0:
		return fmt.Errorf("pipeline.lease must be positive, got %s", p.Lease)
	}
	if len(c.Enrichment.Tiers) == 0 {
		return fmt.Errorf("enrichment.tiers must not be empty")
	}
	if c.Artifacts.Retain < 1 {
		return fmt.Errorf("artifacts.retain must be >= 1, got %d", c.Artifacts.Retain)
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// GetArtifactsDir returns the artifact root, defaulting to <data_dir>/artifacts.
func (c *Config) GetArtifactsDir() string {
	if c.Artifacts.Dir != "" {
		return c.Artifacts.Dir
	}
	return filepath.Join(c.GetDataDir(), "artifacts")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
