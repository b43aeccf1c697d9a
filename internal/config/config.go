// Package config handles Skald configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order. An explicit
// path (from -config flag) is checked first. Then: ./skald.yaml,
// ~/.config/skald/skald.yaml, /etc/skald/skald.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"skald.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "skald", "skald.yaml"))
	}

	paths = append(paths, "/etc/skald/skald.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise the first existing path from DefaultSearchPaths
// wins. Returns an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Skald configuration.
type Config struct {
	Listen       ListenConfig `yaml:"listen"`
	Ollama       OllamaConfig `yaml:"ollama"`
	Window       WindowConfig `yaml:"window"`
	Model        string       `yaml:"model"`
	SystemPrompt string       `yaml:"system_prompt"`
	DataDir      string       `yaml:"data_dir"`
	LogLevel     string       `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// OllamaConfig defines the model provider connection.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// WindowConfig defines the context window budgets. Zero values take
// the built-in defaults.
type WindowConfig struct {
	// MaxTokens is the descriptive ceiling of the model context.
	MaxTokens int `yaml:"max_tokens"`
	// ActiveBufferTokens is the target size of the uncompressed
	// message tail after compaction.
	ActiveBufferTokens int `yaml:"active_buffer_tokens"`
	// SummaryThreshold is the working-set size that triggers
	// compaction.
	SummaryThreshold int `yaml:"summary_threshold"`
}

// Load reads and parses the config file at path, then applies
// defaults for unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a config with all defaults applied, used when no
// config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8655
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = "http://localhost:11434"
	}
	if c.Model == "" {
		c.Model = "llama3.2"
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = "You are Skald, a helpful conversational assistant with long-term memory. Be concise."
	}
	if c.Window.MaxTokens == 0 {
		c.Window.MaxTokens = 8000
	}
	if c.Window.ActiveBufferTokens == 0 {
		c.Window.ActiveBufferTokens = 4000
	}
	if c.Window.SummaryThreshold == 0 {
		c.Window.SummaryThreshold = 6000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
