// Package intake accepts candidate files from a pointer drop or a manual pick,
// applies the type and size rules, and hands valid candidates to the caller.
// It never persists anything itself.
package intake

import (
	"log/slog"
	"sync"

	"github.com/Lllllllleong/documentpreview/internal/metrics"
)

// Gate applies intake rules over caller-owned display state. A single Gate is
// safe for concurrent use across many displays.
type Gate struct {
	cfg      Config
	allow    allowList
	maxBytes int64
	logger   *slog.Logger

	// thumbnail builds the local image preview. Tests replace it.
	thumbnail func(data []byte, size int) (string, error)

	wg sync.WaitGroup
}

// New creates a Gate from cfg, filling in defaults.
func New(cfg Config) *Gate {
	cfg.defaults()
	return &Gate{
		cfg:       cfg,
		allow:     compileAccept(cfg.Accept),
		maxBytes:  int64(cfg.MaxSizeMiB) << 20,
		logger:    cfg.Logger,
		thumbnail: Thumbnail,
	}
}

// MaxBytes returns the largest accepted candidate size in bytes.
func (g *Gate) MaxBytes() int64 {
	return g.maxBytes
}

// Validate evaluates the intake rules: type first, then size. It is callable
// in disabled mode and records no state.
func (g *Gate) Validate(c FileCandidate) Verdict {
	v := g.validate(c)
	metrics.RecordVerdict(v.Valid, v.Reason)
	return v
}

func (g *Gate) validate(c FileCandidate) Verdict {
	if !g.typeAllowed(c) {
		return Verdict{Reason: ReasonUnsupportedType}
	}
	if c.SizeBytes > g.maxBytes {
		return Verdict{Reason: ReasonTooLarge}
	}
	return Verdict{Valid: true}
}

func (g *Gate) typeAllowed(c FileCandidate) bool {
	if mt := c.mediaType(); mt != "" {
		return g.allow.mimes[mt]
	}
	return g.allow.exts[c.ext()]
}

// Select validates c and, when valid, stores it in d and notifies the caller.
// Invalid candidates are dropped silently; callers that need the reason call
// Validate. Image candidates get a best-effort thumbnail built in the
// background.
func (g *Gate) Select(d *Display, cb Callbacks, c FileCandidate) {
	if !g.validate(c).Valid {
		g.logger.Debug("Candidate rejected.", "name", c.Name, "sizeBytes", c.SizeBytes)
		return
	}

	gen := d.setCandidate(c)
	if cb.OnFileSelect != nil {
		cb.OnFileSelect(c)
	}

	if c.isImage() {
		g.wg.Add(1)
		d.pending.Add(1)
		go g.buildPreview(d, gen, c)
	}
}

func (g *Gate) buildPreview(d *Display, gen uint64, c FileCandidate) {
	defer g.wg.Done()
	defer d.pending.Done()

	uri, err := g.thumbnail(c.Data, g.cfg.ThumbnailSize)
	metrics.RecordThumbnail(err == nil)
	if err != nil {
		g.logger.Debug("Local preview unavailable.", "name", c.Name, "error", err)
		return
	}
	if !d.setPreview(gen, uri) {
		g.logger.Debug("Discarding preview for replaced candidate.", "name", c.Name)
	}
}

// Delete clears the held candidate, its preview and any existing reference.
// Calling it repeatedly leaves the same cleared state.
func (g *Gate) Delete(d *Display, cb Callbacks) {
	d.clear()
	if cb.OnFileDelete != nil {
		cb.OnFileDelete()
	}
}

// DragOver raises the drag flag.
func (g *Gate) DragOver(d *Display, cb Callbacks) {
	if g.cfg.Disabled {
		return
	}
	d.setDragOver(true)
	if cb.OnDragOver != nil {
		cb.OnDragOver()
	}
}

// DragLeave lowers the drag flag.
func (g *Gate) DragLeave(d *Display, cb Callbacks) {
	if g.cfg.Disabled {
		return
	}
	d.setDragOver(false)
	if cb.OnDragLeave != nil {
		cb.OnDragLeave()
	}
}

// Drop handles a drop event. The drag flag is reset whatever the outcome and
// only the first dropped file is considered.
func (g *Gate) Drop(d *Display, cb Callbacks, files []FileCandidate) {
	if g.cfg.Disabled {
		return
	}
	d.setDragOver(false)
	if cb.OnDrop != nil {
		cb.OnDrop(len(files))
	}
	if len(files) == 0 {
		return
	}
	g.Select(d, cb, files[0])
}

// Pick handles a manual file pick with the same first-file rule as Drop.
func (g *Gate) Pick(d *Display, cb Callbacks, files []FileCandidate) {
	if g.cfg.Disabled || len(files) == 0 {
		return
	}
	g.Select(d, cb, files[0])
}

// UploadClick forwards an upload request for the selected candidate.
func (g *Gate) UploadClick(d *Display, cb Callbacks) {
	if g.cfg.Disabled {
		return
	}
	if cb.OnUploadClick != nil {
		cb.OnUploadClick()
	}
}

// Wait blocks until background preview work has finished.
func (g *Gate) Wait() {
	g.wg.Wait()
}
