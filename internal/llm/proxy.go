package llm

import (
	"os"
	"strings"
)

// ProxyOptions configures a client for an OpenAI-compatible proxy such as
// LiteLLM. The proxy speaks the OpenAI wire format but routes to arbitrary
// upstream models, so reasoning parameters are forwarded verbatim.
type ProxyOptions struct {
	ModelID         string
	APIKey          string
	BaseURL         string
	Temperature     *float32
	MaxTokens       int
	ReasoningEffort string
	Buffer          *RequestBuffer
}

// NewProxyClient builds a client for a generic OpenAI-compatible proxy.
// LITELLM_DEBUG enables verbose request logging for this client.
func NewProxyClient(opts ProxyOptions) (*OpenAIClient, error) {
	c, err := NewOpenAIClient(OpenAIOptions{
		ModelID:         opts.ModelID,
		APIKey:          opts.APIKey,
		BaseURL:         opts.BaseURL,
		ProviderLabel:   "proxy",
		Temperature:     opts.Temperature,
		MaxTokens:       opts.MaxTokens,
		ReasoningEffort: opts.ReasoningEffort,
		Buffer:          opts.Buffer,
	})
	if err != nil {
		return nil, err
	}
	if proxyDebugEnabled() {
		c.logger = c.logger.With("litellm_debug", true)
		c.logger.Info("proxy client debug logging enabled", "model", opts.ModelID, "base_url", opts.BaseURL)
	}
	return c, nil
}

func proxyDebugEnabled() bool {
	v := strings.ToLower(os.Getenv("LITELLM_DEBUG"))
	return v == "1" || v == "true" || v == "yes"
}
