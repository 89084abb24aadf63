package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/Lllllllleong/documentpreview/internal/fetch"
	"github.com/Lllllllleong/documentpreview/internal/format"
	"github.com/Lllllllleong/documentpreview/internal/gcp"
	"github.com/Lllllllleong/documentpreview/internal/metrics"
	"github.com/Lllllllleong/documentpreview/internal/models"
	"github.com/Lllllllleong/documentpreview/internal/preview"
	"github.com/Lllllllleong/documentpreview/internal/render/markup"
	"github.com/Lllllllleong/documentpreview/internal/render/paged"
)

type PreviewConfig struct {
	MaxFetchMiB        int
	AdapterTimeout     time.Duration
	ExternalViewerBase string
}

// PreviewFunction serves previews of stored documents. Every request gets its
// own engine and session.
type PreviewFunction struct {
	fetcher fetch.Fetcher
	engine  preview.Config
	config  PreviewConfig
	handler http.Handler
}

func loadPreviewConfig() (PreviewConfig, error) {
	config := PreviewConfig{
		ExternalViewerBase: gcp.GetEnv("EXTERNAL_VIEWER_BASE", preview.DefaultExternalViewer),
	}
	timeout, err := gcp.GetEnvDuration("ADAPTER_TIMEOUT", 60*time.Second)
	if err != nil {
		return config, err
	}
	if timeout <= 0 {
		return config, fmt.Errorf("ADAPTER_TIMEOUT must be positive, got %s", timeout)
	}
	config.AdapterTimeout = timeout

	// Previews read whatever the upload function accepted, with headroom.
	maxMiB, err := gcp.GetEnvInt("MAX_UPLOAD_MIB", 10)
	if err != nil {
		return config, err
	}
	config.MaxFetchMiB = 2 * maxMiB
	return config, nil
}

func NewPreview(ctx context.Context) (*PreviewFunction, error) {
	config, err := loadPreviewConfig()
	if err != nil {
		return nil, err
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}

	maxBytes := int64(config.MaxFetchMiB) << 20
	web := fetch.NewHTTP(maxBytes)
	fetcher := fetch.NewRouter().
		Handle("gs", &fetch.GCS{Client: storageClient, MaxBytes: maxBytes}).
		Handle("https", web).
		Handle("http", web)

	f := newPreviewFunction(fetcher, config)
	slog.Info("Document preview logic initialized.", "adapterTimeout", config.AdapterTimeout.String(), "maxFetchMiB", config.MaxFetchMiB)
	return f, nil
}

func newPreviewFunction(fetcher fetch.Fetcher, config PreviewConfig) *PreviewFunction {
	f := &PreviewFunction{
		fetcher: fetcher,
		config:  config,
		engine: preview.Config{
			Fetcher:            fetcher,
			Paged:              preview.NewPDFAdapter(paged.NewRenderer()),
			Converter:          markup.New(markup.Config{}),
			AdapterTimeout:     config.AdapterTimeout,
			ExternalViewerBase: config.ExternalViewerBase,
			PublicURL:          PublicURL,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", f.handleSession)
	mux.HandleFunc("GET /page", f.handlePage)
	mux.HandleFunc("GET /download", f.handleDownload)
	mux.HandleFunc("GET /external", f.handleExternal)
	f.handler = metrics.Middleware(mux)
	return f
}

// PublicURL maps gs://bucket/object to its storage.googleapis.com URL. Other
// URIs are returned unchanged.
func PublicURL(uri string) string {
	bucket, object, err := gcp.ParseGCSURI(uri)
	if err != nil {
		return uri
	}
	return "https://storage.googleapis.com/" + bucket + "/" + object
}

func (f *PreviewFunction) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.handler.ServeHTTP(w, r)
}

// Settle runs a full preview session for ref and returns the engine once the
// adapter has reported. Callers must Close the engine.
func (f *PreviewFunction) Settle(ref *models.StoredDocumentRef, logger *slog.Logger) *preview.Engine {
	cfg := f.engine
	cfg.Logger = logger
	e := preview.NewEngine(cfg)
	e.SetReference(ref)
	e.Wait()
	return e
}

func (f *PreviewFunction) handleSession(w http.ResponseWriter, r *http.Request) {
	var req models.PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Error("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}
	if req.Document == nil || req.Document.LocationURI == "" || req.Document.DisplayName == "" {
		http.Error(w, "Bad Request: document url and name are required", http.StatusBadRequest)
		return
	}

	logCtx := slog.With("documentName", req.Document.DisplayName)
	e := f.Settle(req.Document, logCtx)
	defer e.Close()
	if req.Page > 0 {
		e.GoToPage(req.Page)
	}

	writeJSON(w, http.StatusOK, Respond(e))
}

// Respond converts the engine state into the JSON response shape.
func Respond(e *preview.Engine) models.PreviewResponse {
	s := e.Snapshot()
	res := models.PreviewResponse{
		Phase:       s.Phase.String(),
		Format:      s.Format.String(),
		Unsupported: s.Unsupported,
		CurrentPage: s.CurrentPage,
		TotalPages:  s.TotalPages,
		Markup:      s.ConvertedMarkup,
		Actions:     []string{},
	}
	if s.Err != nil {
		res.Error = &models.PreviewError{Kind: s.Err.Kind.String(), Message: s.Err.Message}
	}
	for _, a := range e.Actions() {
		res.Actions = append(res.Actions, string(a))
	}
	if dl, err := e.Download(); err == nil {
		res.DownloadURL = dl.URL
	}
	if u, err := e.ExternalViewerURL(); err == nil {
		res.ExternalURL = u
	}
	return res
}

func refFromQuery(r *http.Request) (*models.StoredDocumentRef, bool) {
	q := r.URL.Query()
	ref := &models.StoredDocumentRef{LocationURI: q.Get("url"), DisplayName: q.Get("name")}
	return ref, ref.LocationURI != "" && ref.DisplayName != ""
}

func (f *PreviewFunction) handlePage(w http.ResponseWriter, r *http.Request) {
	ref, ok := refFromQuery(r)
	if !ok {
		http.Error(w, "Bad Request: url and name are required", http.StatusBadRequest)
		return
	}
	if format.Classify(ref.DisplayName) != format.Paged {
		http.Error(w, "Bad Request: not a paged document", http.StatusBadRequest)
		return
	}
	page := 1
	if p := r.URL.Query().Get("page"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			http.Error(w, "Bad Request: page must be a number", http.StatusBadRequest)
			return
		}
		page = n
	}

	logCtx := slog.With("documentName", ref.DisplayName, "page", page)
	e := f.Settle(ref, logCtx)
	defer e.Close()

	if e.Snapshot().Phase != preview.Ready {
		writeJSON(w, http.StatusUnprocessableEntity, Respond(e))
		return
	}
	current := e.GoToPage(page)
	data, err := e.RenderPage(r.Context())
	if err != nil {
		logCtx.Error("Failed to render page", "error", err)
		http.Error(w, "Internal Server Error: failed to render page", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("X-Page", strconv.Itoa(current))
	w.Header().Set("X-Total-Pages", strconv.Itoa(e.Snapshot().TotalPages))
	if _, err := w.Write(data); err != nil {
		logCtx.Error("Failed to write response", "error", err)
	}
}

// handleDownload streams the referenced bytes as an attachment named after
// the display name. No preview session is started.
func (f *PreviewFunction) handleDownload(w http.ResponseWriter, r *http.Request) {
	ref, ok := refFromQuery(r)
	if !ok {
		http.Error(w, "Bad Request: url and name are required", http.StatusBadRequest)
		return
	}
	logCtx := slog.With("documentName", ref.DisplayName)

	data, err := f.fetcher.Fetch(r.Context(), ref.LocationURI)
	switch {
	case errors.Is(err, fetch.ErrNotFound):
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	case errors.Is(err, fetch.ErrUnsupportedScheme):
		http.Error(w, "Bad Request: unsupported url", http.StatusBadRequest)
		return
	case errors.Is(err, fetch.ErrTooLarge):
		logCtx.Warn("Document exceeds fetch limit", "error", err)
		http.Error(w, "Request Entity Too Large: document exceeds size limit", http.StatusRequestEntityTooLarge)
		return
	case err != nil:
		logCtx.Error("Failed to fetch document", "error", err)
		http.Error(w, "Bad Gateway: download failed", http.StatusBadGateway)
		return
	}

	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(ref.DisplayName)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": ref.DisplayName}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if _, err := w.Write(data); err != nil {
		logCtx.Error("Failed to write response", "error", err)
	}
}

func (f *PreviewFunction) handleExternal(w http.ResponseWriter, r *http.Request) {
	ref, ok := refFromQuery(r)
	if !ok {
		http.Error(w, "Bad Request: url and name are required", http.StatusBadRequest)
		return
	}
	if format.Classify(ref.DisplayName) != format.Convertible {
		http.Error(w, "Bad Request: no external viewer for this format", http.StatusBadRequest)
		return
	}

	e := f.Settle(ref, slog.With("documentName", ref.DisplayName))
	defer e.Close()

	var target redirect
	if err := e.OpenExternally(&target); err != nil {
		http.Error(w, "Conflict: external viewer unavailable", http.StatusConflict)
		return
	}
	http.Redirect(w, r, target.url, http.StatusFound)
}

// redirect captures the URL the engine asks to open.
type redirect struct{ url string }

func (r *redirect) Open(u string) error {
	r.url = u
	return nil
}
