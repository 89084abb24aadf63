// Package preview runs the preview session for one stored document at a time.
//
// An Engine classifies the active reference, dispatches to the paged, markup
// or image path and moves the session through Idle, Loading, Ready and
// Failed. Adapter work runs on goroutines; every result is tagged with the
// session generation it was started for and dropped once the session has
// moved on.
package preview

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Lllllllleong/documentpreview/internal/fetch"
	"github.com/Lllllllleong/documentpreview/internal/format"
	"github.com/Lllllllleong/documentpreview/internal/metrics"
	"github.com/Lllllllleong/documentpreview/internal/models"
)

// DefaultExternalViewer is the online viewer used for word-processor documents.
const DefaultExternalViewer = "https://view.officeapps.live.com/op/view.aspx?src="

// ErrActionUnavailable is returned when an action is not offered in the
// current session state.
var ErrActionUnavailable = errors.New("action not available")

// Config configures an Engine.
type Config struct {
	// Fetcher resolves references to bytes. Required for paged and
	// convertible documents.
	Fetcher fetch.Fetcher

	Paged     PagedRenderer
	Converter MarkupConverter

	// AdapterTimeout bounds each fetch, parse or conversion step (default: 60s).
	AdapterTimeout time.Duration

	// ExternalViewerBase is prefixed to the escaped public document URL.
	ExternalViewerBase string

	// PublicURL maps a retrieval URI to one a browser or external viewer can
	// reach. Defaults to the identity.
	PublicURL func(uri string) string

	// Surface is acquired while the engine is open. Optional.
	Surface Surface

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.AdapterTimeout <= 0 {
		c.AdapterTimeout = 60 * time.Second
	}
	if c.ExternalViewerBase == "" {
		c.ExternalViewerBase = DefaultExternalViewer
	}
	if c.PublicURL == nil {
		c.PublicURL = func(uri string) string { return uri }
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine owns a single preview session.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	session Session
	doc     PagedDocument
	cancel  context.CancelFunc
	subs    map[chan Session]struct{}

	// lifecycle serialises Update and Close.
	lifecycle sync.Mutex
	open      bool
	onClose   func()
	release   func()

	wg sync.WaitGroup
}

// NewEngine creates an idle Engine.
func NewEngine(cfg Config) *Engine {
	cfg.defaults()
	return &Engine{
		cfg:    cfg,
		logger: cfg.Logger,
		subs:   make(map[chan Session]struct{}),
	}
}

// SetReference activates ref, resetting the session and superseding any work
// in flight for the previous reference. A nil ref returns the engine to Idle.
func (e *Engine) SetReference(ref *models.StoredDocumentRef) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopLocked()
	e.session = Session{Generation: e.session.Generation + 1}
	e.doc = nil

	if ref == nil {
		e.publishLocked()
		return
	}

	r := *ref
	e.session.Ref = &r
	e.session.Format = format.Classify(r.DisplayName)
	e.startLocked()
}

// Retry re-runs the whole adapter path for the current reference. It is only
// accepted in the Failed phase and reports whether it was.
func (e *Engine) Retry() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Phase != Failed || e.session.Ref == nil {
		return false
	}
	metrics.RecordRetry()
	e.logger.Info("Retrying preview.", "documentName", e.session.Ref.DisplayName, "generation", e.session.Generation+1)

	e.stopLocked()
	e.session = Session{
		Generation: e.session.Generation + 1,
		Ref:        e.session.Ref,
		Format:     e.session.Format,
	}
	e.doc = nil
	e.startLocked()
	return true
}

// startLocked dispatches on the session format. The session must be freshly
// reset with Ref and Format set.
func (e *Engine) startLocked() {
	s := &e.session
	switch s.Format {
	case format.Paged, format.Convertible:
		s.Phase = Loading
		ctx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		e.wg.Add(1)
		go e.run(ctx, s.Generation, *s.Ref, s.Format)
	case format.Image:
		// The embedding surface loads the image itself and reports back
		// through ImageLoaded or ImageFailed.
		s.Phase = Ready
	case format.Unknown:
		s.Phase = Idle
		s.Unsupported = true
		metrics.RecordPreviewOutcome(s.Format.String(), "UNSUPPORTED", "")
	}
	e.publishLocked()
}

// stopLocked cancels the context of in-flight adapter work. The generation
// check in complete is what keeps late results out of the session.
func (e *Engine) stopLocked() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// outcome is the terminal result of one adapter run.
type outcome struct {
	doc    PagedDocument
	pages  int
	markup string
	err    *Error
}

func (e *Engine) run(ctx context.Context, gen uint64, ref models.StoredDocumentRef, class format.Class) {
	defer e.wg.Done()

	logger := e.logger.With("documentName", ref.DisplayName, "format", class.String(), "generation", gen)
	logger.Info("Loading preview.")

	start := time.Now()
	var out outcome
	switch class {
	case format.Paged:
		out = e.loadPaged(ctx, ref)
	case format.Convertible:
		out = e.loadConvertible(ctx, ref)
	default:
		out = outcome{err: &Error{Kind: KindRender, Message: "no adapter for " + class.String()}}
	}
	metrics.RecordAdapterRun(class.String(), time.Since(start))

	if !e.complete(gen, out) {
		logger.Info("Discarding result for superseded session.")
		return
	}
	if out.err != nil {
		logger.Warn("Preview failed.", "kind", out.err.Kind.String(), "error", out.err)
		return
	}
	logger.Info("Preview ready.", "totalPages", out.pages)
}

func (e *Engine) fetch(ctx context.Context, ref models.StoredDocumentRef) ([]byte, error) {
	if e.cfg.Fetcher == nil {
		return nil, errors.New("no fetcher configured")
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AdapterTimeout)
	defer cancel()
	return within(ctx, func(ctx context.Context) ([]byte, error) {
		return e.cfg.Fetcher.Fetch(ctx, ref.LocationURI)
	})
}

func (e *Engine) loadPaged(ctx context.Context, ref models.StoredDocumentRef) outcome {
	data, err := e.fetch(ctx, ref)
	if err != nil {
		return outcome{err: loadError(err)}
	}
	if e.cfg.Paged == nil {
		return outcome{err: &Error{Kind: KindRender, Message: "no paged renderer configured"}}
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.AdapterTimeout)
	defer cancel()
	doc, err := within(ctx, func(ctx context.Context) (PagedDocument, error) {
		return e.cfg.Paged.Open(ctx, data)
	})
	if err != nil {
		return outcome{err: renderError(err)}
	}
	if doc.PageCount() < 1 {
		return outcome{err: &Error{Kind: KindRender, Message: "document has no pages"}}
	}
	return outcome{doc: doc, pages: doc.PageCount()}
}

func (e *Engine) loadConvertible(ctx context.Context, ref models.StoredDocumentRef) outcome {
	data, err := e.fetch(ctx, ref)
	if err != nil {
		return outcome{err: loadError(err)}
	}
	switch {
	case len(data) == 0:
		return outcome{err: &Error{Kind: KindFormat, Message: MsgEmptyFile}}
	case len(data) < minConvertibleSize:
		return outcome{err: &Error{Kind: KindFormat, Message: MsgTooSmall}}
	}
	if e.cfg.Converter == nil {
		return outcome{err: &Error{Kind: KindConversion, Message: MsgConversion}}
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.AdapterTimeout)
	defer cancel()
	html, err := within(ctx, func(ctx context.Context) (string, error) {
		return e.cfg.Converter.Convert(ctx, data)
	})
	if err != nil {
		return outcome{err: conversionError(err)}
	}
	if strings.TrimSpace(html) == "" {
		return outcome{err: &Error{Kind: KindFormat, Message: MsgBlankDocument}}
	}
	return outcome{markup: html}
}

// complete applies out to the session if it is still the one the work was
// started for. It reports whether the result was applied.
func (e *Engine) complete(gen uint64, out outcome) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &e.session
	if gen != s.Generation || s.Phase != Loading {
		metrics.RecordStaleResult()
		return false
	}
	e.stopLocked()

	if out.err != nil {
		s.Phase = Failed
		s.Err = out.err
		metrics.RecordPreviewOutcome(s.Format.String(), s.Phase.String(), out.err.Kind.String())
		e.publishLocked()
		return true
	}

	s.Phase = Ready
	s.ConvertedMarkup = out.markup
	if out.doc != nil {
		e.doc = out.doc
		s.TotalPages = out.pages
		s.CurrentPage = 1
	}
	metrics.RecordPreviewOutcome(s.Format.String(), s.Phase.String(), "")
	e.publishLocked()
	return true
}

// ImageLoaded reports that the surface displayed the image for generation gen.
func (e *Engine) ImageLoaded(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.imageCurrentLocked(gen) {
		return false
	}
	metrics.RecordPreviewOutcome(e.session.Format.String(), e.session.Phase.String(), "")
	return true
}

// ImageFailed reports that the surface could not display the image for
// generation gen. The session moves to Failed.
func (e *Engine) ImageFailed(gen uint64, msg string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.imageCurrentLocked(gen) {
		return false
	}
	if msg == "" {
		msg = MsgImageLoadFailed
	}
	e.session.Phase = Failed
	e.session.Err = &Error{Kind: KindLoad, Message: msg}
	metrics.RecordPreviewOutcome(e.session.Format.String(), e.session.Phase.String(), KindLoad.String())
	e.publishLocked()
	return true
}

func (e *Engine) imageCurrentLocked(gen uint64) bool {
	s := e.session
	if gen != s.Generation || s.Format != format.Image || s.Phase != Ready {
		metrics.RecordStaleResult()
		return false
	}
	return true
}

// NextPage advances one page. At the last page it does nothing.
func (e *Engine) NextPage() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.goToLocked(e.session.CurrentPage + 1)
}

// PreviousPage goes back one page. At the first page it does nothing.
func (e *Engine) PreviousPage() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.goToLocked(e.session.CurrentPage - 1)
}

// GoToPage moves to page n clamped to [1, TotalPages] and returns the page
// now current.
func (e *Engine) GoToPage(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.goToLocked(n)
	return e.session.CurrentPage
}

func (e *Engine) goToLocked(n int) bool {
	s := &e.session
	if s.Phase != Ready || s.TotalPages < 1 {
		return false
	}
	n = max(1, min(n, s.TotalPages))
	if n == s.CurrentPage {
		return false
	}
	s.CurrentPage = n
	e.publishLocked()
	return true
}

// RenderPage returns the current page of a ready paged document as a
// standalone single-page PDF.
func (e *Engine) RenderPage(ctx context.Context) ([]byte, error) {
	e.mu.Lock()
	doc, page := e.doc, e.session.CurrentPage
	ready := e.session.Phase == Ready
	e.mu.Unlock()

	if !ready || doc == nil {
		return nil, ErrActionUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.AdapterTimeout)
	defer cancel()
	return within(ctx, func(ctx context.Context) ([]byte, error) {
		return doc.Page(ctx, page)
	})
}

// Snapshot returns a copy of the session.
func (e *Engine) Snapshot() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.clone()
}

// Subscribe returns a channel receiving a snapshot after every session
// change, and a function that stops the subscription. Snapshots are dropped
// for a subscriber whose buffer is full.
func (e *Engine) Subscribe() (<-chan Session, func()) {
	ch := make(chan Session, 16)
	e.mu.Lock()
	e.subs[ch] = struct{}{}
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, ch)
			close(ch)
			e.mu.Unlock()
		})
	}
}

func (e *Engine) publishLocked() {
	if len(e.subs) == 0 {
		return
	}
	snap := e.session.clone()
	for ch := range e.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// Wait blocks until adapter goroutines have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}
