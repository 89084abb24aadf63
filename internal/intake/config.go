package intake

import (
	"log/slog"
	"mime"
	"strings"
)

// DefaultAccept is the allow-list used when Config.Accept is empty.
var DefaultAccept = []string{"jpeg", "png", "gif", "pdf", "doc", "docx"}

// Config configures a Gate.
type Config struct {
	// Accept lists accepted types. Entries are either short type names
	// ("pdf", ".docx") or MIME types ("image/png").
	Accept []string

	// MaxSizeMiB is the largest accepted candidate (default: 10).
	MaxSizeMiB int

	// Disabled turns every pointer entry point into a no-op.
	Disabled bool

	// ThumbnailSize bounds the local image preview in pixels (default: 400).
	ThumbnailSize int

	// Logger for debug messages about previews and rejections.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if len(c.Accept) == 0 {
		c.Accept = DefaultAccept
	}
	if c.MaxSizeMiB <= 0 {
		c.MaxSizeMiB = 10
	}
	if c.ThumbnailSize <= 0 {
		c.ThumbnailSize = 400
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// knownTypes maps short type names to their MIME type and file suffixes.
var knownTypes = map[string]struct {
	mime string
	exts []string
}{
	"jpeg": {"image/jpeg", []string{".jpg", ".jpeg"}},
	"jpg":  {"image/jpeg", []string{".jpg", ".jpeg"}},
	"png":  {"image/png", []string{".png"}},
	"gif":  {"image/gif", []string{".gif"}},
	"pdf":  {"application/pdf", []string{".pdf"}},
	"doc":  {"application/msword", []string{".doc"}},
	"docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document", []string{".docx"}},
}

// allowList is the compiled form of Config.Accept.
type allowList struct {
	mimes map[string]bool
	exts  map[string]bool
}

func compileAccept(accept []string) allowList {
	al := allowList{mimes: make(map[string]bool), exts: make(map[string]bool)}
	for _, entry := range accept {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			al.mimes[entry] = true
			if exts, err := mime.ExtensionsByType(entry); err == nil {
				for _, ext := range exts {
					al.exts[ext] = true
				}
			}
			continue
		}
		name := strings.TrimPrefix(entry, ".")
		if known, ok := knownTypes[name]; ok {
			al.mimes[known.mime] = true
			for _, ext := range known.exts {
				al.exts[ext] = true
			}
			continue
		}
		al.exts["."+name] = true
	}
	return al
}
