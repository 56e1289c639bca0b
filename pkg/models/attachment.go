package models

import (
	"fmt"
	"os"
	"strings"
)

// Attachment represents a binary or textual blob associated with a tool
// result or user message. Storage is owned elsewhere; the core only consumes
// these records. Exactly one of Data, FilePath, or URL is expected to be
// set; Resolve materializes inline bytes when a provider needs them.
type Attachment struct {
	ID          string `json:"id"`
	MimeType    string `json:"mime_type"`
	Size        int64  `json:"size,omitempty"`
	Description string `json:"description,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
	URL         string `json:"url,omitempty"`

	// Data holds inline payload bytes. Transient: resolved on demand and
	// never serialized.
	Data []byte `json:"-"`
}

// IsImage reports whether the attachment is an image by mime type.
func (a *Attachment) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/")
}

// IsPDF reports whether the attachment is a PDF document.
func (a *Attachment) IsPDF() bool {
	return a.MimeType == "application/pdf"
}

// IsText reports whether the attachment is textual (text/* or JSON).
func (a *Attachment) IsText() bool {
	return strings.HasPrefix(a.MimeType, "text/") || a.MimeType == "application/json"
}

// Resolve returns the attachment's payload bytes, reading from disk when the
// record is path-only. URL-only attachments cannot be resolved here; callers
// pass the URL through to providers that accept one.
func (a *Attachment) Resolve() ([]byte, error) {
	if a.Data != nil {
		return a.Data, nil
	}
	if a.FilePath != "" {
		data, err := os.ReadFile(a.FilePath)
		if err != nil {
			return nil, fmt.Errorf("read attachment %s: %w", a.ID, err)
		}
		a.Data = data
		if a.Size == 0 {
			a.Size = int64(len(data))
		}
		return data, nil
	}
	return nil, fmt.Errorf("attachment %s has no inline data or file path", a.ID)
}
