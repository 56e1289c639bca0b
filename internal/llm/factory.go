package llm

import (
	"context"
	"fmt"
	"strings"
)

// ModelParams are per-call generation parameters. Patterns in
// ClientConfig.ModelParameters override the defaults field by field.
type ModelParams struct {
	Temperature *float32 `yaml:"temperature" json:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens" json:"max_tokens,omitempty"`

	// Reasoning is honored only for proxy models; native providers drop it
	// during merging.
	Reasoning string `yaml:"reasoning" json:"reasoning,omitempty"`
}

// merge overlays non-zero fields of other onto a copy of p.
func (p ModelParams) merge(other ModelParams) ModelParams {
	out := p
	if other.Temperature != nil {
		out.Temperature = other.Temperature
	}
	if other.MaxTokens != 0 {
		out.MaxTokens = other.MaxTokens
	}
	if other.Reasoning != "" {
		out.Reasoning = other.Reasoning
	}
	return out
}

// ClientConfig configures one provider client plus its optional fallback.
type ClientConfig struct {
	// Provider selects the client family. When empty it is inferred from
	// the model id prefix.
	Provider string `yaml:"provider"`

	// Model is the vendor model identifier. Required.
	Model string `yaml:"model"`

	APIKey  string `yaml:"api_key"`
	APIBase string `yaml:"api_base"`

	// DefaultParameters apply to every call.
	DefaultParameters ModelParams `yaml:"default_parameters"`

	// ModelParameters maps model-name patterns to parameter overrides. A
	// pattern matches its model exactly, or, when it ends in "-", any
	// model id starting with that prefix.
	ModelParameters map[string]ModelParams `yaml:"model_parameters"`

	// FallbackModelID configures the retry wrapper's fallback client. Empty
	// disables fallback; a value equal to Model is ignored.
	FallbackModelID         string      `yaml:"fallback_model_id"`
	FallbackModelParameters ModelParams `yaml:"fallback_model_parameters"`

	// RetryInvalidRequests opts the retry wrapper into treating 400s as
	// retriable.
	RetryInvalidRequests bool `yaml:"retry_invalid_requests"`

	// RecordFile enables the Recorder decorator; PlaybackFile replaces
	// the whole client with a Player over the named journal.
	RecordFile   string `yaml:"record_file"`
	PlaybackFile string `yaml:"playback_file"`

	// Buffer overrides the global request buffer. Tests use this.
	Buffer *RequestBuffer `yaml:"-"`
}

// ResolveProvider returns the configured provider, inferring it from the
// model id when unset.
func (c *ClientConfig) ResolveProvider() string {
	if c.Provider != "" {
		return c.Provider
	}
	return inferProvider(c.Model)
}

func inferProvider(modelID string) string {
	switch {
	case strings.HasPrefix(modelID, "gpt-"),
		strings.HasPrefix(modelID, "o1-"),
		strings.HasPrefix(modelID, "o3-"):
		return "openai"
	case strings.HasPrefix(modelID, "gemini-"):
		return "gemini"
	case strings.HasPrefix(modelID, "claude-"):
		return "anthropic"
	default:
		return "proxy"
	}
}

// paramsFor merges the defaults with the best-matching model pattern. An
// exact match wins over prefix patterns; among prefix patterns the longest
// wins. The reasoning subkey survives only for proxy models.
func (c *ClientConfig) paramsFor(modelID, provider string) ModelParams {
	params := c.DefaultParameters
	if exact, ok := c.ModelParameters[modelID]; ok {
		params = params.merge(exact)
	} else {
		bestLen := -1
		var best ModelParams
		for pattern, p := range c.ModelParameters {
			if !strings.HasSuffix(pattern, "-") {
				continue
			}
			if strings.HasPrefix(modelID, pattern) && len(pattern) > bestLen {
				bestLen = len(pattern)
				best = p
			}
		}
		if bestLen >= 0 {
			params = params.merge(best)
		}
	}
	if provider != "proxy" {
		params.Reasoning = ""
	}
	return params
}

// NewFromConfig builds the fully decorated client a ClientConfig describes:
// provider client, fallback and retry wrapper, and journaling. With
// PlaybackFile set no vendor client is constructed at all.
func NewFromConfig(ctx context.Context, cfg ClientConfig) (Client, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: config has no model")
	}
	if cfg.PlaybackFile != "" {
		provider := cfg.ResolveProvider()
		return NewPlayer(cfg.PlaybackFile, PlayerOptions{
			ModelID:         cfg.Model,
			ProviderName:    provider,
			MultimodalTools: provider == "anthropic" || provider == "gemini",
		})
	}

	primary, err := newBaseClient(ctx, &cfg, cfg.Model, cfg.paramsFor(cfg.Model, cfg.ResolveProvider()))
	if err != nil {
		return nil, err
	}

	var client Client = primary
	if cfg.FallbackModelID != "" && cfg.FallbackModelID != cfg.Model {
		fallbackParams := cfg.paramsFor(cfg.FallbackModelID, inferProvider(cfg.FallbackModelID)).
			merge(cfg.FallbackModelParameters)
		fallback, err := newBaseClient(ctx, &cfg, cfg.FallbackModelID, fallbackParams)
		if err != nil {
			return nil, fmt.Errorf("llm: build fallback client: %w", err)
		}
		client = NewRetryClient(primary, fallback, RetryConfig{RetryInvalidRequests: cfg.RetryInvalidRequests})
	} else {
		client = NewRetryClient(primary, nil, RetryConfig{RetryInvalidRequests: cfg.RetryInvalidRequests})
	}

	if cfg.RecordFile != "" {
		client = NewRecorder(client, cfg.RecordFile)
	}
	return client, nil
}

func newBaseClient(ctx context.Context, cfg *ClientConfig, modelID string, params ModelParams) (Client, error) {
	provider := cfg.Provider
	if provider == "" {
		provider = inferProvider(modelID)
	}
	switch provider {
	case "openai":
		return NewOpenAIClient(OpenAIOptions{
			ModelID:     modelID,
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.APIBase,
			Temperature: params.Temperature,
			MaxTokens:   params.MaxTokens,
			Buffer:      cfg.Buffer,
		})
	case "gemini":
		return NewGeminiClient(ctx, GeminiOptions{
			ModelID:     modelID,
			APIKey:      cfg.APIKey,
			Temperature: params.Temperature,
			MaxTokens:   params.MaxTokens,
			Buffer:      cfg.Buffer,
		})
	case "anthropic":
		return NewAnthropicClient(AnthropicOptions{
			ModelID:     modelID,
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.APIBase,
			Temperature: params.Temperature,
			MaxTokens:   params.MaxTokens,
			Buffer:      cfg.Buffer,
		})
	case "proxy":
		return NewProxyClient(ProxyOptions{
			ModelID:         modelID,
			APIKey:          cfg.APIKey,
			BaseURL:         cfg.APIBase,
			Temperature:     params.Temperature,
			MaxTokens:       params.MaxTokens,
			ReasoningEffort: params.Reasoning,
			Buffer:          cfg.Buffer,
		})
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", provider)
	}
}
