// Package paged adapts portable paginated documents (PDF) for preview.
// It reports the page count of a document and renders one page at a time as
// a standalone single-page PDF.
package paged

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var (
	// ErrMalformed wraps every structural parse failure.
	ErrMalformed = errors.New("malformed paged document")
	// ErrPageRange is returned for page numbers outside [1, PageCount].
	ErrPageRange = errors.New("page out of range")
)

var disableConfigDir sync.Once

// Renderer parses paged documents with pdfcpu.
type Renderer struct{}

// NewRenderer returns a Renderer. pdfcpu's on-disk configuration directory is
// disabled so the renderer works on read-only filesystems.
func NewRenderer() *Renderer {
	disableConfigDir.Do(api.DisableConfigDir)
	return &Renderer{}
}

// newConf returns a fresh configuration per call; pdfcpu mutates it while
// processing so it cannot be shared between goroutines.
func newConf() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Document is a parsed paged document held in memory.
type Document struct {
	data  []byte
	pages int
}

// Open validates data and reads its page count.
func (r *Renderer) Open(ctx context.Context, data []byte) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: no data", ErrMalformed)
	}

	pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), newConf())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if pdfCtx.PageCount < 1 {
		return nil, fmt.Errorf("%w: document has no pages", ErrMalformed)
	}

	return &Document{data: data, pages: pdfCtx.PageCount}, nil
}

// PageCount returns the number of pages in the document.
func (d *Document) PageCount() int {
	return d.pages
}

// Page renders page n (1-based) as a standalone PDF.
func (d *Document) Page(ctx context.Context, n int) ([]byte, error) {
	if n < 1 || n > d.pages {
		return nil, fmt.Errorf("%w: %d not in [1, %d]", ErrPageRange, n, d.pages)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := api.Trim(bytes.NewReader(d.data), &buf, []string{strconv.Itoa(n)}, newConf()); err != nil {
		return nil, fmt.Errorf("failed to extract page %d: %w", n, err)
	}
	return buf.Bytes(), nil
}
