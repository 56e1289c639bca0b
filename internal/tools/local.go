package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	schemavalidate "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/werdnum/family-assistant/internal/llm"
	"github.com/werdnum/family-assistant/internal/observability"
)

// Handler is a locally registered tool function.
type Handler func(ctx context.Context, args json.RawMessage) (*Result, error)

// TextHandler is a tool function that produces only text.
type TextHandler func(ctx context.Context, args json.RawMessage) (string, error)

type localTool struct {
	def     llm.ToolDefinition
	handler Handler
	schema  *schemavalidate.Schema
}

// LocalProvider holds tools implemented in-process. Arguments are validated
// against each tool's schema before its handler runs.
type LocalProvider struct {
	mu     sync.RWMutex
	tools  map[string]*localTool
	order  []string
	logger *slog.Logger
}

// NewLocalProvider builds an empty local registry.
func NewLocalProvider() *LocalProvider {
	return &LocalProvider{
		tools:  make(map[string]*localTool),
		logger: observability.ComponentLogger("tools.local"),
	}
}

// Register adds a tool. Duplicate names are an error: silently replacing a
// tool hides wiring mistakes.
func (p *LocalProvider) Register(def llm.ToolDefinition, handler Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tool definition has no name")
	}
	if handler == nil {
		return fmt.Errorf("tool %s has no handler", def.Name)
	}

	var schema *schemavalidate.Schema
	if def.Parameters != nil {
		raw, err := json.Marshal(def.Parameters)
		if err != nil {
			return fmt.Errorf("tool %s: serialize parameter schema: %w", def.Name, err)
		}
		compiler := schemavalidate.NewCompiler()
		if err := compiler.AddResource(def.Name+".json", strings.NewReader(string(raw))); err != nil {
			return fmt.Errorf("tool %s: invalid parameter schema: %w", def.Name, err)
		}
		schema, err = compiler.Compile(def.Name + ".json")
		if err != nil {
			return fmt.Errorf("tool %s: compile parameter schema: %w", def.Name, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.tools[def.Name]; exists {
		return fmt.Errorf("tool %s is already registered", def.Name)
	}
	p.tools[def.Name] = &localTool{def: def, handler: handler, schema: schema}
	p.order = append(p.order, def.Name)
	return nil
}

// RegisterText adds a tool whose handler returns a plain string.
func (p *LocalProvider) RegisterText(def llm.ToolDefinition, handler TextHandler) error {
	return p.Register(def, func(ctx context.Context, args json.RawMessage) (*Result, error) {
		text, err := handler(ctx, args)
		if err != nil {
			return nil, err
		}
		return TextResult(text), nil
	})
}

// GetDefinitions lists registered tools in registration order.
func (p *LocalProvider) GetDefinitions(ctx context.Context) ([]llm.ToolDefinition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(p.order))
	for _, name := range p.order {
		defs = append(defs, p.tools[name].def)
	}
	return defs, nil
}

// Execute validates the arguments and runs the named tool.
func (p *LocalProvider) Execute(ctx context.Context, name string, args json.RawMessage) (*Result, error) {
	p.mu.RLock()
	tool, ok := p.tools[name]
	p.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Tool: name}
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if tool.schema != nil {
		var decoded any
		if err := json.Unmarshal(args, &decoded); err != nil {
			return nil, fmt.Errorf("tool %s: arguments are not valid JSON: %w", name, err)
		}
		if err := tool.schema.Validate(decoded); err != nil {
			return nil, fmt.Errorf("tool %s: invalid arguments: %w", name, err)
		}
	}

	start := time.Now()
	result, err := tool.handler(ctx, args)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.ObserveToolExecution(name, outcome, time.Since(start))
	if err != nil {
		p.logger.Warn("tool execution failed", "tool", name, "error", err)
		return nil, err
	}
	if result == nil {
		result = &Result{}
	}
	return result, nil
}
