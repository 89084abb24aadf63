// Package fetch resolves stored-document references to their raw bytes.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"cloud.google.com/go/storage"

	"github.com/Lllllllleong/documentpreview/internal/gcp"
)

var (
	// ErrTransfer wraps every failure to move bytes from the backend.
	ErrTransfer = errors.New("transfer failed")
	// ErrNotFound is returned when the reference points at nothing.
	ErrNotFound = errors.New("document not found")
	// ErrUnsupportedScheme is returned for URIs no fetcher understands.
	ErrUnsupportedScheme = errors.New("unsupported uri scheme")
	// ErrTooLarge is returned, alongside ErrTransfer, when a document is
	// bigger than the fetcher's MaxBytes.
	ErrTooLarge = gcp.ErrTooLarge
)

// Fetcher returns the raw bytes behind a retrieval URI.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, uri string) ([]byte, error)

// Fetch calls f(ctx, uri).
func (f FetcherFunc) Fetch(ctx context.Context, uri string) ([]byte, error) {
	return f(ctx, uri)
}

// Router dispatches on the URI scheme.
type Router struct {
	schemes map[string]Fetcher
}

// NewRouter returns a Router with no schemes registered.
func NewRouter() *Router {
	return &Router{schemes: make(map[string]Fetcher)}
}

// Handle registers f for scheme (without "://").
func (r *Router) Handle(scheme string, f Fetcher) *Router {
	r.schemes[scheme] = f
	return r
}

// Fetch implements Fetcher.
func (r *Router) Fetch(ctx context.Context, uri string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedScheme, err)
	}
	f, ok := r.schemes[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return f.Fetch(ctx, uri)
}

// GCS fetches gs://bucket/object references.
type GCS struct {
	Client   *storage.Client
	MaxBytes int64
}

// Fetch implements Fetcher.
func (g *GCS) Fetch(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := gcp.ParseGCSURI(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedScheme, err)
	}
	data, err := gcp.ReadObject(ctx, g.Client, bucket, object, g.MaxBytes)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	return data, nil
}

// HTTP fetches http(s) references.
type HTTP struct {
	Client   *http.Client
	MaxBytes int64
}

// NewHTTP returns an HTTP fetcher with a bounded client.
func NewHTTP(maxBytes int64) *HTTP {
	return &HTTP{
		Client:   &http.Client{Timeout: 2 * time.Minute},
		MaxBytes: maxBytes,
	}
}

// Fetch implements Fetcher.
func (h *HTTP) Fetch(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%w: unexpected status %s", ErrTransfer, resp.Status)
	}

	if h.MaxBytes > 0 && resp.ContentLength > h.MaxBytes {
		return nil, fmt.Errorf("%w: %w: %d bytes", ErrTransfer, ErrTooLarge, resp.ContentLength)
	}
	data, err := gcp.ReadLimited(resp.Body, h.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	return data, nil
}
