// Package format classifies stored documents by display-name suffix.
package format

import (
	"path/filepath"
	"strings"
)

// Class is the closed set of render strategies a document can be routed to.
type Class int

const (
	Unknown Class = iota
	Paged
	Convertible
	Image
)

// String returns the wire name of the class.
func (c Class) String() string {
	switch c {
	case Paged:
		return "PAGED_DOCUMENT"
	case Convertible:
		return "CONVERTIBLE_DOCUMENT"
	case Image:
		return "IMAGE"
	case Unknown:
		return "UNKNOWN"
	default:
		return "UNKNOWN"
	}
}

// Classify maps a display name to its Class. It is total: anything it does
// not recognise is Unknown.
func Classify(name string) Class {
	switch strings.ToLower(filepath.Ext(strings.TrimSpace(name))) {
	case ".pdf":
		return Paged
	case ".doc", ".docx":
		return Convertible
	case ".jpg", ".jpeg", ".png", ".gif":
		return Image
	default:
		return Unknown
	}
}
