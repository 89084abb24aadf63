package preview

import (
	"context"
	"errors"
	"strings"

	"github.com/Lllllllleong/documentpreview/internal/fetch"
	"github.com/Lllllllleong/documentpreview/internal/render/markup"
	"github.com/Lllllllleong/documentpreview/internal/render/paged"
)

// PagedDocument is an opened paged document.
type PagedDocument interface {
	PageCount() int
	Page(ctx context.Context, n int) ([]byte, error)
}

// PagedRenderer opens paged documents.
type PagedRenderer interface {
	Open(ctx context.Context, data []byte) (PagedDocument, error)
}

// MarkupConverter converts a word-processor document into sanitized markup.
type MarkupConverter interface {
	Convert(ctx context.Context, data []byte) (string, error)
}

type pdfAdapter struct {
	r *paged.Renderer
}

// NewPDFAdapter exposes a paged.Renderer as a PagedRenderer.
func NewPDFAdapter(r *paged.Renderer) PagedRenderer {
	return pdfAdapter{r: r}
}

func (a pdfAdapter) Open(ctx context.Context, data []byte) (PagedDocument, error) {
	doc, err := a.r.Open(ctx, data)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// within runs fn and returns early with ctx.Err() when ctx ends first. fn
// keeps running in the background; its result is dropped.
func within[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Message fragments used when a converter error carries no sentinel.
var (
	archiveSignatures  = []string{"zip", "archive", "central directory", "not a valid", "invalid format"}
	transferSignatures = []string{"download", "fetch", "network", "connection", "transfer"}
)

func loadError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindLoad, Message: MsgTimedOut, Err: err}
	}
	return &Error{Kind: KindLoad, Message: MsgDownloadFailed, Err: err}
}

func renderError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindRender, Message: MsgTimedOut, Err: err}
	}
	return &Error{Kind: KindRender, Message: err.Error(), Err: err}
}

// conversionError maps a converter failure onto one of the user-facing
// categories, preferring sentinel errors over message matching.
func conversionError(err error) *Error {
	msg := MsgConversion
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = MsgTimedOut
	case errors.Is(err, markup.ErrInvalidArchive), errors.Is(err, markup.ErrMalformedContent):
		msg = MsgInvalidFormat
	case errors.Is(err, fetch.ErrTransfer), errors.Is(err, fetch.ErrNotFound):
		msg = MsgDownloadFailed
	case containsAny(err.Error(), archiveSignatures):
		msg = MsgInvalidFormat
	case containsAny(err.Error(), transferSignatures):
		msg = MsgDownloadFailed
	}
	return &Error{Kind: KindConversion, Message: msg, Err: err}
}

func containsAny(s string, subs []string) bool {
	s = strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
