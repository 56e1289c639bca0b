package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"

	"github.com/werdnum/family-assistant/internal/observability"
	"github.com/werdnum/family-assistant/pkg/models"
)

// journalRecord is one line of the interaction journal.
type journalRecord struct {
	Input  json.RawMessage `json:"input"`
	Output json.RawMessage `json:"output"`
}

// recordedInput is the canonical serialization of one call's arguments.
// Field order and omitempty behavior are part of the journal format: the
// Player matches on structural equality of the decoded value.
type recordedInput struct {
	Method        string           `json:"method"`
	Messages      []models.Message `json:"messages,omitempty"`
	Tools         []ToolDefinition `json:"tools,omitempty"`
	ToolChoice    ToolChoice       `json:"tool_choice,omitempty"`
	SchemaName    string           `json:"schema_name,omitempty"`
	Schema        json.RawMessage  `json:"schema,omitempty"`
	Prompt        string           `json:"prompt,omitempty"`
	FilePath      string           `json:"file_path,omitempty"`
	MimeType      string           `json:"mime_type,omitempty"`
	MaxTextLength int              `json:"max_text_length,omitempty"`
}

// structuredRecordOutput is the journal form of a structured-output result.
type structuredRecordOutput struct {
	ModelName string          `json:"model_name"`
	ModelData json.RawMessage `json:"model_data"`
}

const (
	methodGenerateResponse = "generate_response"
	methodStructured       = "generate_structured"
	methodFormatFile       = "format_user_message_with_file"
)

// Recorder wraps a provider client and journals every successful unary,
// structured, and file-format call as one JSON line. Streaming passes
// through unrecorded. Cancelled calls are not committed.
type Recorder struct {
	inner  Client
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewRecorder builds a recording decorator writing to path.
func NewRecorder(inner Client, path string) *Recorder {
	return &Recorder{
		inner:  inner,
		path:   path,
		logger: observability.ComponentLogger("llm.recorder"),
	}
}

func (r *Recorder) ModelID() string               { return r.inner.ModelID() }
func (r *Recorder) ProviderName() string          { return r.inner.ProviderName() }
func (r *Recorder) SupportsMultimodalTools() bool { return r.inner.SupportsMultimodalTools() }

func (r *Recorder) append(input recordedInput, output any) {
	rawIn, err := json.Marshal(input)
	if err != nil {
		r.logger.Warn("failed to serialize journal input", "error", err)
		return
	}
	rawOut, err := json.Marshal(output)
	if err != nil {
		r.logger.Warn("failed to serialize journal output", "error", err)
		return
	}
	line, err := json.Marshal(journalRecord{Input: rawIn, Output: rawOut})
	if err != nil {
		r.logger.Warn("failed to serialize journal record", "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		r.logger.Warn("failed to open journal", "path", r.path, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		r.logger.Warn("failed to append journal record", "path", r.path, "error", err)
	}
}

// GenerateResponse delegates and journals the interaction on success.
func (r *Recorder) GenerateResponse(ctx context.Context, req *Request) (*Output, error) {
	out, err := r.inner.GenerateResponse(ctx, req)
	if err != nil || ctx.Err() != nil {
		return out, err
	}
	r.append(recordedInput{
		Method:     methodGenerateResponse,
		Messages:   req.Messages,
		Tools:      req.Tools,
		ToolChoice: req.ToolChoice,
	}, out)
	return out, nil
}

// GenerateResponseStream passes streaming through without recording.
func (r *Recorder) GenerateResponseStream(ctx context.Context, req *Request) (<-chan *StreamEvent, error) {
	return r.inner.GenerateResponseStream(ctx, req)
}

// GenerateStructured delegates and journals the validated result.
func (r *Recorder) GenerateStructured(ctx context.Context, messages []models.Message, schema *ResponseSchema, maxRetries int) (json.RawMessage, error) {
	result, err := r.inner.GenerateStructured(ctx, messages, schema, maxRetries)
	if err != nil || ctx.Err() != nil {
		return result, err
	}
	r.append(recordedInput{
		Method:     methodStructured,
		Messages:   messages,
		SchemaName: schema.Name,
		Schema:     schema.Schema,
	}, structuredRecordOutput{ModelName: schema.Name, ModelData: result})
	return result, nil
}

// FormatUserMessageWithFile delegates and journals the built message.
func (r *Recorder) FormatUserMessageWithFile(ctx context.Context, opts FileMessageOptions) (models.Message, error) {
	msg, err := r.inner.FormatUserMessageWithFile(ctx, opts)
	if err != nil || ctx.Err() != nil {
		return msg, err
	}
	r.append(recordedInput{
		Method:        methodFormatFile,
		Prompt:        opts.Prompt,
		FilePath:      opts.FilePath,
		MimeType:      opts.MimeType,
		MaxTextLength: opts.MaxTextLength,
	}, msg)
	return msg, nil
}

// PlayerOptions describes the identity the Player presents, since it has no
// wrapped client to delegate to.
type PlayerOptions struct {
	ModelID         string
	ProviderName    string
	MultimodalTools bool
}

// Player replays a journal written by Recorder. Calls are matched by exact
// structural equality of the canonical input; a streaming call matches the
// corresponding unary record and synthesizes its events.
type Player struct {
	opts    PlayerOptions
	records []playerRecord
	logger  *slog.Logger
}

type playerRecord struct {
	input  any
	output json.RawMessage
}

// NewPlayer loads a journal, skipping malformed lines with a warning.
// It fails if the file contains no valid records.
func NewPlayer(path string, opts PlayerOptions) (*Player, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	defer f.Close()

	logger := observability.ComponentLogger("llm.player")
	var records []playerRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal(line, &rec); err != nil || rec.Input == nil {
			logger.Warn("skipping malformed journal line", "path", path, "line", lineNo, "error", err)
			continue
		}
		var input any
		if err := json.Unmarshal(rec.Input, &input); err != nil {
			logger.Warn("skipping journal line with unreadable input", "path", path, "line", lineNo, "error", err)
			continue
		}
		records = append(records, playerRecord{input: input, output: rec.Output})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("journal %s contains no valid records", path)
	}
	return &Player{opts: opts, records: records, logger: logger}, nil
}

func (p *Player) ModelID() string               { return p.opts.ModelID }
func (p *Player) ProviderName() string          { return p.opts.ProviderName }
func (p *Player) SupportsMultimodalTools() bool { return p.opts.MultimodalTools }

// lookup finds the record whose input is structurally equal to the query.
func (p *Player) lookup(input recordedInput) (json.RawMessage, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("serialize lookup input: %w", err)
	}
	var canonical any
	if err := json.Unmarshal(raw, &canonical); err != nil {
		return nil, fmt.Errorf("canonicalize lookup input: %w", err)
	}
	for _, rec := range p.records {
		if reflect.DeepEqual(rec.input, canonical) {
			return rec.output, nil
		}
	}
	p.logger.Error("no journal record matches input", "method", input.Method, "input", string(raw))
	return nil, fmt.Errorf("playback: no recorded interaction matches %s input", input.Method)
}

// GenerateResponse replays a matching unary record.
func (p *Player) GenerateResponse(ctx context.Context, req *Request) (*Output, error) {
	raw, err := p.lookup(recordedInput{
		Method:     methodGenerateResponse,
		Messages:   req.Messages,
		Tools:      req.Tools,
		ToolChoice: req.ToolChoice,
	})
	if err != nil {
		return nil, err
	}
	var out Output
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("playback: decode recorded output: %w", err)
	}
	return &out, nil
}

// GenerateResponseStream replays the matching unary record as a synthetic
// stream: Content, then each ToolCall, then Done.
func (p *Player) GenerateResponseStream(ctx context.Context, req *Request) (<-chan *StreamEvent, error) {
	out, err := p.GenerateResponse(ctx, req)
	if err != nil {
		return nil, err
	}
	return synthesizeStream(out), nil
}

// GenerateStructured replays a matching structured record.
func (p *Player) GenerateStructured(ctx context.Context, messages []models.Message, schema *ResponseSchema, maxRetries int) (json.RawMessage, error) {
	raw, err := p.lookup(recordedInput{
		Method:     methodStructured,
		Messages:   messages,
		SchemaName: schema.Name,
		Schema:     schema.Schema,
	})
	if err != nil {
		return nil, err
	}
	var rec structuredRecordOutput
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("playback: decode structured output: %w", err)
	}
	if rec.ModelData == nil {
		return nil, errors.New("playback: structured record has no model_data")
	}
	return rec.ModelData, nil
}

// FormatUserMessageWithFile replays a matching file-format record.
func (p *Player) FormatUserMessageWithFile(ctx context.Context, opts FileMessageOptions) (models.Message, error) {
	raw, err := p.lookup(recordedInput{
		Method:        methodFormatFile,
		Prompt:        opts.Prompt,
		FilePath:      opts.FilePath,
		MimeType:      opts.MimeType,
		MaxTextLength: opts.MaxTextLength,
	})
	if err != nil {
		return models.Message{}, err
	}
	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.Message{}, fmt.Errorf("playback: decode recorded message: %w", err)
	}
	return msg, nil
}
