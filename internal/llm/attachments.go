package llm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/werdnum/family-assistant/pkg/models"
)

// smallAttachmentLimit is the inline-content boundary. Textual attachments
// at or below it are inlined verbatim; above it we inject a derived schema
// or a metadata summary instead.
const smallAttachmentLimit = 10 * 1024

// defaultMaxTextLength bounds inline text in FormatUserMessageWithFile.
const defaultMaxTextLength = 100 * 1024

// attachmentBlock is a provider-neutral rendering of one attachment,
// produced by the shared policy and consumed by each client's wire
// translation.
type attachmentBlock struct {
	// Text is set when the attachment renders as text (inline content,
	// schema summary, or a plain description).
	Text string

	// MimeType and Data are set when the attachment renders as a native
	// image or document block.
	MimeType string
	Data     []byte
}

func (b attachmentBlock) isNative() bool { return len(b.Data) > 0 }

// renderAttachment applies the mime-type policy to one attachment.
// multimodal selects native blocks for images and PDFs; when false those
// degrade to textual descriptions.
func renderAttachment(att *models.Attachment, multimodal bool) attachmentBlock {
	switch {
	case att.IsImage():
		if multimodal {
			if data, err := att.Resolve(); err == nil {
				return attachmentBlock{MimeType: att.MimeType, Data: data}
			}
		}
		return attachmentBlock{Text: describeAttachment(att)}

	case att.IsPDF():
		if multimodal {
			if data, err := att.Resolve(); err == nil {
				return attachmentBlock{MimeType: att.MimeType, Data: data}
			}
		}
		return attachmentBlock{Text: describeAttachment(att)}

	case att.IsText():
		data, err := att.Resolve()
		if err != nil {
			return attachmentBlock{Text: describeAttachment(att)}
		}
		if len(data) <= smallAttachmentLimit && utf8.Valid(data) {
			return attachmentBlock{Text: inlineAttachmentText(att, string(data))}
		}
		if att.MimeType == "application/json" {
			return attachmentBlock{Text: largeJSONSummary(att, data)}
		}
		return attachmentBlock{Text: largeTextSummary(att, int64(len(data)))}

	default:
		return attachmentBlock{Text: describeAttachment(att)}
	}
}

func inlineAttachmentText(att *models.Attachment, content string) string {
	return fmt.Sprintf("[Attachment %s (%s), %d bytes]\n%s\n[End of attachment %s]",
		att.ID, att.MimeType, len(content), content, att.ID)
}

func describeAttachment(att *models.Attachment) string {
	desc := att.Description
	if desc == "" {
		desc = "no description"
	}
	return fmt.Sprintf("[Attachment %s: %s, %d bytes, %s]", att.ID, att.MimeType, att.Size, desc)
}

// largeJSONSummary describes an oversized JSON attachment by its inferred
// schema so the model can query it through a tool instead of reading it.
func largeJSONSummary(att *models.Attachment, data []byte) string {
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return largeTextSummary(att, int64(len(data)))
	}
	schema, err := json.MarshalIndent(inferJSONSchema(parsed, 0), "", "  ")
	if err != nil {
		return largeTextSummary(att, int64(len(data)))
	}
	return fmt.Sprintf(
		"[Attachment %s: application/json, %d bytes, too large to inline. "+
			"Inferred schema below; use a jq-style query tool with this attachment id to read values.]\n%s",
		att.ID, len(data), schema)
}

func largeTextSummary(att *models.Attachment, size int64) string {
	return fmt.Sprintf("[Attachment %s: %s, %d bytes, too large to inline. Use a file tool with this attachment id to read it.]",
		att.ID, att.MimeType, size)
}

// inferJSONSchema derives a JSON Schema fragment from a decoded value.
// Arrays are sampled from their first element; object properties are sorted
// for deterministic output. Depth is capped to keep the summary small.
func inferJSONSchema(v any, depth int) map[string]any {
	if depth > 5 {
		return map[string]any{}
	}
	switch val := v.(type) {
	case map[string]any:
		props := make(map[string]any, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			props[k] = inferJSONSchema(val[k], depth+1)
		}
		return map[string]any{"type": "object", "properties": props}
	case []any:
		schema := map[string]any{"type": "array"}
		if len(val) > 0 {
			schema["items"] = inferJSONSchema(val[0], depth+1)
		}
		return schema
	case string:
		return map[string]any{"type": "string"}
	case bool:
		return map[string]any{"type": "boolean"}
	case float64:
		if val == float64(int64(val)) {
			return map[string]any{"type": "integer"}
		}
		return map[string]any{"type": "number"}
	case nil:
		return map[string]any{"type": "null"}
	default:
		return map[string]any{}
	}
}

// expandToolAttachments rewrites a conversation for a provider without
// multimodal tool results: each tool message with attachments has its text
// annotated and is followed by one synthetic user message per attachment.
// The input slice is not mutated; returned tool messages have their
// transient attachments cleared.
func expandToolAttachments(messages []models.Message) []models.Message {
	out := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role != models.RoleTool || len(m.Attachments) == 0 {
			out = append(out, m)
			continue
		}
		tool := m.Clone()
		n := len(tool.Attachments)
		atts := tool.Attachments
		tool.Attachments = nil
		if n == 1 {
			tool.Content += "\n[File content in following message]"
		} else {
			tool.Content += fmt.Sprintf("\n[%d file(s) content in following message(s)]", n)
		}
		out = append(out, tool)
		for i := range atts {
			block := renderAttachment(&atts[i], false)
			out = append(out, models.Message{
				Role:    models.RoleUser,
				Content: "[System: attachment from tool result]\n" + block.Text,
			})
		}
	}
	return out
}

// detectMimeType resolves a file's mime type from an explicit override or
// its extension, defaulting to application/octet-stream.
func detectMimeType(path, override string) string {
	if override != "" {
		return override
	}
	if mt := mime.TypeByExtension(filepath.Ext(path)); mt != "" {
		// Strip parameters like "; charset=utf-8".
		if i := strings.IndexByte(mt, ';'); i >= 0 {
			mt = strings.TrimSpace(mt[:i])
		}
		return mt
	}
	return "application/octet-stream"
}

// dataURI encodes bytes as a base64 data URI.
func dataURI(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// truncateText caps s at limit bytes on a rune boundary, appending a
// truncation marker when cut.
func truncateText(s string, limit int) string {
	if limit <= 0 {
		limit = defaultMaxTextLength
	}
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[... truncated]"
}
