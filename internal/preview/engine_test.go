package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/documentpreview/internal/fetch"
	"github.com/Lllllllleong/documentpreview/internal/format"
	"github.com/Lllllllleong/documentpreview/internal/models"
	"github.com/Lllllllleong/documentpreview/internal/render/markup"
)

type fakeFetcher struct {
	mu    sync.Mutex
	data  map[string][]byte
	errs  map[string]error
	block map[string]chan struct{}
	calls map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		data:  make(map[string][]byte),
		errs:  make(map[string]error),
		block: make(map[string]chan struct{}),
		calls: make(map[string]int),
	}
}

func (f *fakeFetcher) set(uri string, data []byte, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[uri] = data
	f.errs[uri] = err
}

func (f *fakeFetcher) count(uri string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[uri]
}

func (f *fakeFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	f.mu.Lock()
	f.calls[uri]++
	block, data, err := f.block[uri], f.data[uri], f.errs[uri]
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	return data, err
}

type fakeDoc struct{ pages int }

func (d fakeDoc) PageCount() int { return d.pages }

func (d fakeDoc) Page(_ context.Context, n int) ([]byte, error) {
	return []byte(fmt.Sprintf("page-%d", n)), nil
}

// fakePaged reports len(data) as the page count, so tests pick page counts
// through the fetched bytes.
type fakePaged struct{ err error }

func (p fakePaged) Open(_ context.Context, data []byte) (PagedDocument, error) {
	if p.err != nil {
		return nil, p.err
	}
	return fakeDoc{pages: len(data)}, nil
}

type fakeConverter struct {
	out string
	err error
}

func (c fakeConverter) Convert(context.Context, []byte) (string, error) {
	return c.out, c.err
}

type fakeSurface struct {
	mu       sync.Mutex
	acquired int
	released int
}

func (s *fakeSurface) Acquire() func() {
	s.mu.Lock()
	s.acquired++
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.released++
		s.mu.Unlock()
	}
}

type opener struct{ opened []string }

func (o *opener) Open(u string) error {
	o.opened = append(o.opened, u)
	return nil
}

func newTestEngine(f fetch.Fetcher, mutate func(*Config)) *Engine {
	cfg := Config{
		Fetcher:   f,
		Paged:     fakePaged{},
		Converter: fakeConverter{out: "<p>hello</p>"},
		Logger:    slog.New(slog.DiscardHandler),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewEngine(cfg)
}

func ref(uri, name string) *models.StoredDocumentRef {
	return &models.StoredDocumentRef{LocationURI: uri, DisplayName: name}
}

// Scenario C: a five page pdf becomes Ready on page one and navigation clamps.
func TestPagedNavigation(t *testing.T) {
	f := newFakeFetcher()
	f.set("gs://b/report.pdf", make([]byte, 5), nil)
	release := make(chan struct{})
	f.block["gs://b/report.pdf"] = release
	e := newTestEngine(f, nil)

	e.SetReference(ref("gs://b/report.pdf", "report.pdf"))
	if got := e.Snapshot().Phase; got != Loading {
		t.Fatalf("Phase after SetReference = %v, want LOADING", got)
	}
	close(release)
	e.Wait()

	s := e.Snapshot()
	if s.Phase != Ready || s.TotalPages != 5 || s.CurrentPage != 1 {
		t.Fatalf("session = %+v, want Ready 1/5", s)
	}

	if !e.NextPage() || e.Snapshot().CurrentPage != 2 {
		t.Fatalf("NextPage: page = %d, want 2", e.Snapshot().CurrentPage)
	}
	e.PreviousPage()
	if e.PreviousPage() {
		t.Error("PreviousPage at page 1 reported a move")
	}
	if got := e.Snapshot().CurrentPage; got != 1 {
		t.Errorf("CurrentPage = %d, want 1", got)
	}

	if got := e.GoToPage(99); got != 5 {
		t.Errorf("GoToPage(99) = %d, want 5", got)
	}
	if e.NextPage() {
		t.Error("NextPage at last page reported a move")
	}
	if got := e.GoToPage(-3); got != 1 {
		t.Errorf("GoToPage(-3) = %d, want 1", got)
	}

	e.GoToPage(3)
	page, err := e.RenderPage(context.Background())
	if err != nil || string(page) != "page-3" {
		t.Errorf("RenderPage() = %q, %v; want page-3", page, err)
	}
}

func TestPagedFailures(t *testing.T) {
	tests := []struct {
		name     string
		fetchErr error
		openErr  error
		wantKind Kind
		wantMsg  string
	}{
		{"fetch fails", fmt.Errorf("%w: 503", fetch.ErrTransfer), nil, KindLoad, MsgDownloadFailed},
		{"malformed", nil, errors.New("xref table broken"), KindRender, "xref table broken"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeFetcher()
			f.set("gs://b/x.pdf", []byte("data"), tt.fetchErr)
			e := newTestEngine(f, func(c *Config) { c.Paged = fakePaged{err: tt.openErr} })

			e.SetReference(ref("gs://b/x.pdf", "x.pdf"))
			e.Wait()

			s := e.Snapshot()
			if s.Phase != Failed || s.Err == nil {
				t.Fatalf("session = %+v, want Failed", s)
			}
			if s.Err.Kind != tt.wantKind || s.Err.Message != tt.wantMsg {
				t.Errorf("Err = %v/%q, want %v/%q", s.Err.Kind, s.Err.Message, tt.wantKind, tt.wantMsg)
			}
			if e.NextPage() {
				t.Error("navigation allowed in Failed")
			}
			if _, err := e.RenderPage(context.Background()); !errors.Is(err, ErrActionUnavailable) {
				t.Errorf("RenderPage() error = %v, want ErrActionUnavailable", err)
			}
		})
	}
}

// Scenario D: a 40 byte docx fails pre-validation and Retry starts over.
func TestConvertibleRetry(t *testing.T) {
	const uri = "gs://b/thesis.docx"
	f := newFakeFetcher()
	f.set(uri, make([]byte, 40), nil)
	e := newTestEngine(f, nil)

	e.SetReference(ref(uri, "thesis.docx"))
	e.Wait()

	s := e.Snapshot()
	if s.Phase != Failed || s.Err.Kind != KindFormat || s.Err.Message != MsgTooSmall {
		t.Fatalf("session = %+v, want Failed/format/%q", s, MsgTooSmall)
	}
	if f.count(uri) != 1 {
		t.Fatalf("fetch calls = %d, want 1", f.count(uri))
	}

	gen := s.Generation
	if !e.Retry() {
		t.Fatal("Retry() from Failed = false")
	}
	e.Wait()
	if f.count(uri) != 2 {
		t.Errorf("fetch calls after Retry = %d, want 2", f.count(uri))
	}
	s = e.Snapshot()
	if s.Generation <= gen {
		t.Errorf("Generation after Retry = %d, want > %d", s.Generation, gen)
	}
	if s.Phase != Failed || s.Err.Message != MsgTooSmall {
		t.Errorf("session after Retry = %+v", s)
	}

	f.set(uri, make([]byte, 400), nil)
	e.Retry()
	e.Wait()
	s = e.Snapshot()
	if s.Phase != Ready || s.ConvertedMarkup != "<p>hello</p>" || s.Err != nil {
		t.Errorf("session after fixed Retry = %+v, want Ready with markup", s)
	}
	if e.Retry() {
		t.Error("Retry() from Ready = true")
	}
}

func TestConvertibleOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		fetchErr error
		conv     fakeConverter
		wantKind Kind
		wantMsg  string
	}{
		{"empty", []byte{}, nil, fakeConverter{out: "<p>x</p>"}, KindFormat, MsgEmptyFile},
		{"too small", make([]byte, 99), nil, fakeConverter{out: "<p>x</p>"}, KindFormat, MsgTooSmall},
		{"blank output", make([]byte, 100), nil, fakeConverter{out: "  \n"}, KindFormat, MsgBlankDocument},
		{"download", nil, fmt.Errorf("%w: reset", fetch.ErrTransfer), fakeConverter{}, KindLoad, MsgDownloadFailed},
		{"invalid archive", make([]byte, 200), nil, fakeConverter{err: fmt.Errorf("%w: legacy", markup.ErrInvalidArchive)}, KindConversion, MsgInvalidFormat},
		{"zip signature", make([]byte, 200), nil, fakeConverter{err: errors.New("zip: not a valid zip file")}, KindConversion, MsgInvalidFormat},
		{"transfer signature", make([]byte, 200), nil, fakeConverter{err: errors.New("network unreachable")}, KindConversion, MsgDownloadFailed},
		{"other", make([]byte, 200), nil, fakeConverter{err: errors.New("boom")}, KindConversion, MsgConversion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeFetcher()
			f.set("u", tt.data, tt.fetchErr)
			e := newTestEngine(f, func(c *Config) { c.Converter = tt.conv })

			e.SetReference(ref("u", "a.DOC"))
			e.Wait()

			s := e.Snapshot()
			if s.Phase != Failed || s.Err == nil {
				t.Fatalf("session = %+v, want Failed", s)
			}
			if s.Err.Kind != tt.wantKind || s.Err.Message != tt.wantMsg {
				t.Errorf("Err = %v/%q, want %v/%q", s.Err.Kind, s.Err.Message, tt.wantKind, tt.wantMsg)
			}
		})
	}
}

// Scenario E: an unknown suffix never enters Loading and offers only Download.
func TestUnsupportedFormat(t *testing.T) {
	f := newFakeFetcher()
	e := newTestEngine(f, nil)

	updates, stop := e.Subscribe()
	defer stop()

	e.SetReference(ref("gs://b/archive.zip", "archive.zip"))
	e.Wait()

	s := e.Snapshot()
	if s.Phase != Idle || !s.Unsupported || s.Format != format.Unknown || s.Err != nil {
		t.Fatalf("session = %+v, want Idle unsupported", s)
	}
	if f.count("gs://b/archive.zip") != 0 {
		t.Error("unsupported document was fetched")
	}
	if got := e.Actions(); len(got) != 1 || got[0] != ActionDownload {
		t.Errorf("Actions() = %v, want [download]", got)
	}
	if e.Retry() {
		t.Error("Retry() on unsupported = true")
	}

	dl, err := e.Download()
	if err != nil || dl.Filename != "archive.zip" || dl.URL != "gs://b/archive.zip" {
		t.Errorf("Download() = %+v, %v", dl, err)
	}

	for len(updates) > 0 {
		if u := <-updates; u.Phase == Loading {
			t.Error("unsupported document passed through Loading")
		}
	}
}

func TestStaleResultDiscarded(t *testing.T) {
	f := newFakeFetcher()
	f.set("gs://b/a.pdf", make([]byte, 3), nil)
	f.set("gs://b/b.pdf", make([]byte, 7), nil)
	releaseA := make(chan struct{})
	f.block["gs://b/a.pdf"] = releaseA

	e := newTestEngine(f, func(c *Config) { c.AdapterTimeout = time.Minute })

	e.SetReference(ref("gs://b/a.pdf", "a.pdf"))
	e.SetReference(ref("gs://b/b.pdf", "b.pdf"))
	close(releaseA)
	e.Wait()

	s := e.Snapshot()
	if s.Ref.DisplayName != "b.pdf" || s.Phase != Ready || s.TotalPages != 7 {
		t.Errorf("session = %+v, want b.pdf Ready with 7 pages", s)
	}
}

func TestStaleCompletionIgnored(t *testing.T) {
	e := newTestEngine(newFakeFetcher(), nil)
	e.SetReference(ref("gs://b/x.docx", "x.docx"))
	e.Wait()
	before := e.Snapshot()

	if e.complete(before.Generation-1, outcome{markup: "<p>old</p>"}) {
		t.Error("complete() applied a result for an older generation")
	}
	if after := e.Snapshot(); after.ConvertedMarkup != before.ConvertedMarkup || after.Phase != before.Phase {
		t.Errorf("session changed by stale result: %+v", after)
	}
}

func TestAdapterTimeout(t *testing.T) {
	f := newFakeFetcher()
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	f.block["gs://b/slow.pdf"] = hang

	e := newTestEngine(f, func(c *Config) { c.AdapterTimeout = 20 * time.Millisecond })
	e.SetReference(ref("gs://b/slow.pdf", "slow.pdf"))
	e.Wait()

	s := e.Snapshot()
	if s.Phase != Failed || s.Err.Message != MsgTimedOut || s.Err.Kind != KindLoad {
		t.Errorf("session = %+v, want Failed load timeout", s)
	}
	if !errors.Is(s.Err, context.DeadlineExceeded) {
		t.Errorf("Err does not wrap context.DeadlineExceeded: %v", s.Err)
	}
}

type hangingConverter struct{ release chan struct{} }

func (c hangingConverter) Convert(context.Context, []byte) (string, error) {
	<-c.release
	return "<p>late</p>", nil
}

func TestConversionTimeout(t *testing.T) {
	f := newFakeFetcher()
	f.set("u", make([]byte, 500), nil)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	e := newTestEngine(f, func(c *Config) {
		c.AdapterTimeout = 20 * time.Millisecond
		c.Converter = hangingConverter{release: release}
	})
	e.SetReference(ref("u", "slow.docx"))
	e.Wait()

	s := e.Snapshot()
	if s.Phase != Failed || s.Err.Kind != KindConversion || s.Err.Message != MsgTimedOut {
		t.Errorf("session = %+v, want Failed conversion timeout", s)
	}
}

func TestImagePath(t *testing.T) {
	f := newFakeFetcher()
	e := newTestEngine(f, nil)

	e.SetReference(ref("gs://b/p.png", "p.PNG"))
	s := e.Snapshot()
	if s.Phase != Ready || s.Format != format.Image {
		t.Fatalf("session = %+v, want Ready image", s)
	}
	if f.count("gs://b/p.png") != 0 {
		t.Error("image was pre-fetched")
	}

	if e.ImageFailed(s.Generation-1, "") {
		t.Error("ImageFailed accepted a stale generation")
	}
	if !e.ImageLoaded(s.Generation) {
		t.Error("ImageLoaded rejected the current generation")
	}
	if !e.ImageFailed(s.Generation, "") {
		t.Fatal("ImageFailed rejected the current generation")
	}

	s = e.Snapshot()
	if s.Phase != Failed || s.Err.Kind != KindLoad || s.Err.Message != MsgImageLoadFailed {
		t.Errorf("session = %+v, want Failed load", s)
	}

	if !e.Retry() {
		t.Fatal("Retry() = false")
	}
	if s2 := e.Snapshot(); s2.Phase != Ready || s2.Generation == s.Generation {
		t.Errorf("session after Retry = %+v", s2)
	}
}

func TestSetReferenceNilReturnsIdle(t *testing.T) {
	f := newFakeFetcher()
	f.set("u", make([]byte, 2), nil)
	e := newTestEngine(f, nil)

	e.SetReference(ref("u", "a.pdf"))
	e.Wait()
	e.SetReference(nil)

	s := e.Snapshot()
	if s.Phase != Idle || s.Ref != nil || s.TotalPages != 0 || s.Unsupported {
		t.Errorf("session = %+v, want empty Idle", s)
	}
	if got := e.Actions(); len(got) != 0 {
		t.Errorf("Actions() = %v, want none", got)
	}
}

func TestExternalViewer(t *testing.T) {
	f := newFakeFetcher()
	f.set("gs://b/t.docx", make([]byte, 10), nil)
	f.set("gs://b/r.pdf", make([]byte, 1), nil)
	release := make(chan struct{})
	f.block["gs://b/t.docx"] = release
	e := newTestEngine(f, func(c *Config) {
		c.PublicURL = func(uri string) string {
			return "https://storage.googleapis.com/" + strings.TrimPrefix(uri, "gs://")
		}
	})

	e.SetReference(ref("gs://b/t.docx", "t.docx"))
	if _, err := e.ExternalViewerURL(); !errors.Is(err, ErrActionUnavailable) {
		t.Errorf("ExternalViewerURL() while Loading error = %v", err)
	}
	close(release)
	e.Wait()

	want := DefaultExternalViewer + "https%3A%2F%2Fstorage.googleapis.com%2Fb%2Ft.docx"
	got, err := e.ExternalViewerURL()
	if err != nil || got != want {
		t.Errorf("ExternalViewerURL() = %q, %v; want %q", got, err, want)
	}

	o := &opener{}
	if err := e.OpenExternally(o); err != nil || len(o.opened) != 1 || o.opened[0] != want {
		t.Errorf("OpenExternally() = %v, opened %v", err, o.opened)
	}

	actions := e.Actions()
	if len(actions) != 3 || actions[0] != ActionRetry || actions[2] != ActionOpenExternally {
		t.Errorf("Actions() = %v", actions)
	}

	e.SetReference(ref("gs://b/r.pdf", "r.pdf"))
	e.Wait()
	if _, err := e.ExternalViewerURL(); !errors.Is(err, ErrActionUnavailable) {
		t.Errorf("ExternalViewerURL() for pdf error = %v", err)
	}
	dl, err := e.Download()
	if err != nil || dl.URL != "https://storage.googleapis.com/b/r.pdf" {
		t.Errorf("Download() = %+v, %v", dl, err)
	}
}

func TestSurfaceLifecycle(t *testing.T) {
	f := newFakeFetcher()
	f.set("u", make([]byte, 4), nil)
	surface := &fakeSurface{}
	e := newTestEngine(f, func(c *Config) { c.Surface = surface })

	closes := 0
	doc := ref("u", "a.pdf")
	e.Update(Props{IsOpen: true, OnClose: func() { closes++ }, Document: doc})
	e.Wait()
	first := e.Snapshot()
	if first.Phase != Ready || surface.acquired != 1 {
		t.Fatalf("after open: session %+v, acquired %d", first, surface.acquired)
	}

	e.Update(Props{IsOpen: true, OnClose: func() { closes++ }, Document: ref("u", "a.pdf")})
	if e.Snapshot().Generation != first.Generation {
		t.Error("same document reactivated the session")
	}
	if surface.acquired != 1 {
		t.Errorf("acquired = %d, want 1", surface.acquired)
	}

	e.NextPage()
	if !e.Cancel() || closes != 1 {
		t.Errorf("Cancel() did not request close, closes = %d", closes)
	}
	if s := e.Snapshot(); s.CurrentPage != 2 || s.Phase != Ready {
		t.Errorf("Cancel() changed the session: %+v", s)
	}

	e.Update(Props{IsOpen: false, Document: doc})
	if surface.released != 1 {
		t.Errorf("released = %d, want 1", surface.released)
	}
	if s := e.Snapshot(); s.Phase != Idle || s.Ref != nil {
		t.Errorf("closed session = %+v, want Idle", s)
	}
	if e.Cancel() {
		t.Error("Cancel() on closed engine requested close")
	}

	e.Update(Props{IsOpen: true, Document: doc})
	e.Wait()
	if s := e.Snapshot(); s.CurrentPage != 1 || s.Generation <= first.Generation {
		t.Errorf("reopened session = %+v, want fresh session", s)
	}

	e.Close()
	if surface.acquired != 2 || surface.released != 2 {
		t.Errorf("acquired %d released %d, want 2 and 2", surface.acquired, surface.released)
	}
}

func TestSubscribe(t *testing.T) {
	f := newFakeFetcher()
	f.set("u", make([]byte, 2), nil)
	e := newTestEngine(f, nil)

	updates, stop := e.Subscribe()
	e.SetReference(ref("u", "a.pdf"))
	e.Wait()
	stop()
	stop()

	var phases []Phase
	for s := range updates {
		phases = append(phases, s.Phase)
	}
	if len(phases) != 2 || phases[0] != Loading || phases[1] != Ready {
		t.Errorf("phases = %v, want [LOADING READY]", phases)
	}
}

func TestConversionErrorCategories(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("wrap: %w", markup.ErrMalformedContent), MsgInvalidFormat},
		{fmt.Errorf("wrap: %w", fetch.ErrNotFound), MsgDownloadFailed},
		{fmt.Errorf("wrap: %w", context.DeadlineExceeded), MsgTimedOut},
		{errors.New("End of central directory not found"), MsgInvalidFormat},
		{errors.New("Connection reset by peer"), MsgDownloadFailed},
		{errors.New("unexpected token"), MsgConversion},
	}
	for _, tt := range tests {
		got := conversionError(tt.err)
		if got.Kind != KindConversion || got.Message != tt.want {
			t.Errorf("conversionError(%v) = %v/%q, want %q", tt.err, got.Kind, got.Message, tt.want)
		}
	}
}
