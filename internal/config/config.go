// Package config loads the assistant's YAML configuration with environment
// variable expansion, optional .env loading, and environment fallbacks for
// provider API keys.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/werdnum/family-assistant/internal/llm"
	"github.com/werdnum/family-assistant/internal/mcp"
)

// Config is the top-level configuration.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	LLM     LLMConfig     `yaml:"llm"`
	Tools   ToolsConfig   `yaml:"tools"`
}

// LoggingConfig mirrors the LOG_LEVEL/LOG_FORMAT env switches.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LLMConfig names the model configurations and which one is the default.
type LLMConfig struct {
	DefaultModel string                      `yaml:"default_model"`
	Models       map[string]llm.ClientConfig `yaml:"models"`
}

// ToolsConfig configures the tool provider stack.
type ToolsConfig struct {
	// Servers are MCP servers to connect for remote tools.
	Servers []mcp.ServerConfig `yaml:"servers"`

	// Permit restricts the exposed tools to the listed names. Empty means
	// no filtering.
	Permit []string `yaml:"permit"`

	// RequireConfirmation lists tools that must be confirmed by the user
	// before running.
	RequireConfirmation []string `yaml:"require_confirmation"`

	// MaxIterations caps the orchestrator's completion/tool cycles.
	MaxIterations int `yaml:"max_iterations"`
}

// Load reads and parses the configuration file. A .env file next to the
// working directory is loaded first so ${VAR} expansion and API-key fallbacks
// can see it.
func Load(path string) (*Config, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Tools.MaxIterations == 0 {
		cfg.Tools.MaxIterations = 5
	}
	for name, model := range cfg.LLM.Models {
		if model.APIKey == "" {
			model.APIKey = apiKeyFromEnv(model.ResolveProvider())
		}
		cfg.LLM.Models[name] = model
	}
	if cfg.LLM.DefaultModel == "" && len(cfg.LLM.Models) == 1 {
		for name := range cfg.LLM.Models {
			cfg.LLM.DefaultModel = name
		}
	}
}

// apiKeyFromEnv returns the conventional environment key for a provider.
func apiKeyFromEnv(provider string) string {
	switch provider {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "gemini":
		return os.Getenv("GEMINI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "proxy":
		// Proxies front OpenAI-compatible endpoints; reuse its key by
		// convention.
		if key := os.Getenv("PROXY_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("OPENAI_API_KEY")
	default:
		return ""
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if len(c.LLM.Models) == 0 {
		return fmt.Errorf("config: no llm models defined")
	}
	if c.LLM.DefaultModel != "" {
		if _, ok := c.LLM.Models[c.LLM.DefaultModel]; !ok {
			return fmt.Errorf("config: default_model %q is not defined under llm.models", c.LLM.DefaultModel)
		}
	}
	for name, model := range c.LLM.Models {
		if model.Model == "" {
			return fmt.Errorf("config: llm model %q has no model id", name)
		}
	}
	seen := make(map[string]bool)
	for i := range c.Tools.Servers {
		server := &c.Tools.Servers[i]
		if err := server.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if seen[server.ID] {
			return fmt.Errorf("config: duplicate tool server id %q", server.ID)
		}
		seen[server.ID] = true
	}
	return nil
}

// DefaultModel returns the configured default model's client config.
func (c *Config) DefaultModel() (llm.ClientConfig, error) {
	model, ok := c.LLM.Models[c.LLM.DefaultModel]
	if !ok {
		return llm.ClientConfig{}, fmt.Errorf("config: default model %q not found", c.LLM.DefaultModel)
	}
	return model, nil
}
