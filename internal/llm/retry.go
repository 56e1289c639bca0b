package llm

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/werdnum/family-assistant/internal/observability"
	"github.com/werdnum/family-assistant/pkg/models"
)

// RetryConfig tunes the retry/fallback wrapper.
type RetryConfig struct {
	// RetryInvalidRequests treats KindInvalidRequest as retriable on the
	// unary path. Some proxies return transient 400s; leave this off for
	// native providers.
	RetryInvalidRequests bool
}

// RetryClient composes a primary client and an optional fallback under a
// fixed attempt schedule: primary, primary again on a retriable failure,
// then fallback once. Non-retriable failures skip the primary retry and go
// straight to the fallback. It never issues concurrent attempts.
type RetryClient struct {
	primary  Client
	fallback Client
	cfg      RetryConfig
	logger   *slog.Logger
}

// NewRetryClient wraps primary with retry/fallback behavior. fallback may be
// nil; a fallback with the same model id as the primary is ignored.
func NewRetryClient(primary, fallback Client, cfg RetryConfig) *RetryClient {
	if fallback != nil && fallback.ModelID() == primary.ModelID() {
		fallback = nil
	}
	return &RetryClient{
		primary:  primary,
		fallback: fallback,
		cfg:      cfg,
		logger:   observability.ComponentLogger("llm.retry"),
	}
}

func (c *RetryClient) ModelID() string               { return c.primary.ModelID() }
func (c *RetryClient) ProviderName() string          { return c.primary.ProviderName() }
func (c *RetryClient) SupportsMultimodalTools() bool { return c.primary.SupportsMultimodalTools() }

func (c *RetryClient) isRetriable(err error) bool {
	kind := KindOf(err)
	if kind.IsRetriable() {
		return true
	}
	return c.cfg.RetryInvalidRequests && kind == KindInvalidRequest
}

// GenerateResponse runs the unary attempt schedule. An output with neither
// content nor tool calls counts as a retriable empty-response failure.
func (c *RetryClient) GenerateResponse(ctx context.Context, req *Request) (*Output, error) {
	call := func(ctx context.Context, client Client) (*Output, error) {
		out, err := client.GenerateResponse(ctx, req)
		if err != nil {
			return nil, err
		}
		if out.IsEmpty() {
			return nil, &ProviderError{
				Kind:     KindEmptyResponse,
				Provider: client.ProviderName(),
				Model:    client.ModelID(),
				Message:  "response has neither content nor tool calls",
			}
		}
		return out, nil
	}

	out, err := call(ctx, c.primary)
	if err == nil {
		return out, nil
	}
	lastErr := err
	c.logger.Warn("primary attempt failed",
		"model", c.primary.ModelID(), "kind", string(KindOf(err)), "error", err)

	if c.isRetriable(err) {
		out, err = call(ctx, c.primary)
		if err == nil {
			return out, nil
		}
		lastErr = err
		c.logger.Warn("primary retry failed",
			"model", c.primary.ModelID(), "kind", string(KindOf(err)), "error", err)
	}

	if c.fallback == nil {
		return nil, lastErr
	}
	observability.ObserveFallback(c.primary.ModelID(), string(KindOf(lastErr)))
	c.logger.Info("falling back",
		"primary", c.primary.ModelID(), "fallback", c.fallback.ModelID())
	out, err = call(ctx, c.fallback)
	if err == nil {
		return out, nil
	}
	return nil, err
}

// GenerateResponseStream applies the attempt schedule only until the first
// content or tool-call event reaches the caller. After that, failures
// surface as a terminal Error event with no further attempts.
func (c *RetryClient) GenerateResponseStream(ctx context.Context, req *Request) (<-chan *StreamEvent, error) {
	out := make(chan *StreamEvent)
	go func() {
		defer close(out)

		attempt := func(client Client) (committed bool, err error) {
			events, err := client.GenerateResponseStream(ctx, req)
			if err != nil {
				return false, err
			}
			delivered := false
			for ev := range events {
				switch ev.Type {
				case StreamEventError:
					if delivered {
						// Content is already committed to the reader.
						out <- ev
						return true, nil
					}
					return false, ev.Err
				case StreamEventDone:
					if !delivered {
						return false, &ProviderError{
							Kind:     KindEmptyResponse,
							Provider: client.ProviderName(),
							Model:    client.ModelID(),
							Message:  "stream produced no content or tool calls",
						}
					}
					out <- ev
					return true, nil
				default:
					delivered = true
					out <- ev
				}
			}
			if !delivered {
				return false, &ProviderError{
					Kind:     KindEmptyResponse,
					Provider: client.ProviderName(),
					Model:    client.ModelID(),
					Message:  "stream closed without a terminal event",
				}
			}
			// Channel closed without Done; synthesize the terminal event.
			out <- DoneEvent(nil)
			return true, nil
		}

		committed, err := attempt(c.primary)
		if committed {
			return
		}
		lastErr := err
		c.logger.Warn("primary stream attempt failed",
			"model", c.primary.ModelID(), "kind", string(KindOf(err)), "error", err)

		if c.isRetriable(err) {
			committed, err = attempt(c.primary)
			if committed {
				return
			}
			lastErr = err
			c.logger.Warn("primary stream retry failed",
				"model", c.primary.ModelID(), "kind", string(KindOf(err)), "error", err)
		}

		if c.fallback != nil {
			observability.ObserveFallback(c.primary.ModelID(), string(KindOf(lastErr)))
			committed, err = attempt(c.fallback)
			if committed {
				return
			}
			lastErr = err
		}
		out <- ErrorEvent(lastErr)
	}()
	return out, nil
}

// GenerateStructured delegates to the primary's own validation-retry loop,
// falling back once when it fails with anything the schedule covers.
func (c *RetryClient) GenerateStructured(ctx context.Context, messages []models.Message, schema *ResponseSchema, maxRetries int) (json.RawMessage, error) {
	result, err := c.primary.GenerateStructured(ctx, messages, schema, maxRetries)
	if err == nil {
		return result, nil
	}
	lastErr := err
	if c.isRetriable(err) {
		result, err = c.primary.GenerateStructured(ctx, messages, schema, maxRetries)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	if c.fallback == nil {
		return nil, lastErr
	}
	observability.ObserveFallback(c.primary.ModelID(), string(KindOf(lastErr)))
	result, err = c.fallback.GenerateStructured(ctx, messages, schema, maxRetries)
	if err == nil {
		return result, nil
	}
	return nil, err
}

// FormatUserMessageWithFile delegates to the primary client; file formatting
// makes no vendor calls worth retrying.
func (c *RetryClient) FormatUserMessageWithFile(ctx context.Context, opts FileMessageOptions) (models.Message, error) {
	return c.primary.FormatUserMessageWithFile(ctx, opts)
}
