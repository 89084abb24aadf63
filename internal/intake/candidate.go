package intake

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/Lllllllleong/documentpreview/internal/format"
)

// Rejection reasons reported in a Verdict.
const (
	ReasonUnsupportedType = "unsupported type"
	ReasonTooLarge        = "too large"
)

// FileCandidate is a file pending validation.
type FileCandidate struct {
	Data      []byte
	Name      string
	MIMEHint  string
	SizeBytes int64
}

// NewCandidate builds a candidate whose size is the length of data.
func NewCandidate(name, mimeHint string, data []byte) FileCandidate {
	return FileCandidate{
		Data:      data,
		Name:      name,
		MIMEHint:  mimeHint,
		SizeBytes: int64(len(data)),
	}
}

// mediaType returns the lower-cased MIME hint without parameters, or "" when
// the hint carries no type information.
func (c FileCandidate) mediaType() string {
	hint := strings.TrimSpace(c.MIMEHint)
	if hint == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(hint)
	if err != nil {
		mt = strings.ToLower(hint)
	}
	if mt == "application/octet-stream" {
		return ""
	}
	return mt
}

func (c FileCandidate) ext() string {
	return strings.ToLower(filepath.Ext(c.Name))
}

// isImage reports whether a local preview should be attempted.
func (c FileCandidate) isImage() bool {
	if mt := c.mediaType(); mt != "" {
		return strings.HasPrefix(mt, "image/")
	}
	return format.Classify(c.Name) == format.Image
}

// Verdict is the result of evaluating the intake rules.
type Verdict struct {
	Valid  bool   `json:"isValid"`
	Reason string `json:"reason,omitempty"`
}
