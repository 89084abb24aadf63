package preview

import (
	"github.com/Lllllllleong/documentpreview/internal/format"
	"github.com/Lllllllleong/documentpreview/internal/models"
)

// Phase is the state of a preview session.
type Phase int

const (
	Idle Phase = iota
	Loading
	Ready
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "IDLE"
	case Loading:
		return "LOADING"
	case Ready:
		return "READY"
	case Failed:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Kind classifies session errors.
type Kind int

const (
	// KindValidation is reported by the intake gate; the engine never sets it.
	KindValidation Kind = iota + 1
	KindLoad
	KindFormat
	KindConversion
	KindRender
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindLoad:
		return "load"
	case KindFormat:
		return "format"
	case KindConversion:
		return "conversion"
	case KindRender:
		return "render"
	default:
		return "unknown"
	}
}

// User-facing error messages.
const (
	MsgEmptyFile       = "empty file"
	MsgTooSmall        = "corrupted or incomplete"
	MsgBlankDocument   = "empty or corrupted document"
	MsgInvalidFormat   = "invalid format"
	MsgDownloadFailed  = "download failed"
	MsgConversion      = "conversion failed"
	MsgTimedOut        = "timed out"
	MsgImageLoadFailed = "image failed to load"
)

// minConvertibleSize is the smallest payload handed to the markup converter.
const minConvertibleSize = 100

// Error is the error detail of a session in the Failed phase.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Session is the state of the preview for the active reference.
type Session struct {
	// Generation increases on every SetReference and Retry. Asynchronous
	// results carry the generation they were started for.
	Generation uint64

	Ref    *models.StoredDocumentRef
	Format format.Class
	Phase  Phase
	Err    *Error

	CurrentPage int
	TotalPages  int

	ConvertedMarkup string

	// Unsupported is set for references the classifier cannot place. The
	// session stays Idle and only Download is offered.
	Unsupported bool
}

func (s Session) clone() Session {
	if s.Ref != nil {
		ref := *s.Ref
		s.Ref = &ref
	}
	if s.Err != nil {
		err := *s.Err
		s.Err = &err
	}
	return s
}

// Action names an operation the embedding surface may offer.
type Action string

const (
	ActionDownload       Action = "download"
	ActionOpenExternally Action = "open_external"
	ActionRetry          Action = "retry"
	ActionNextPage       Action = "next_page"
	ActionPreviousPage   Action = "previous_page"
)
