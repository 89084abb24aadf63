package preview

import (
	"fmt"
	"net/url"

	"github.com/Lllllllleong/documentpreview/internal/format"
	"github.com/Lllllllleong/documentpreview/internal/models"
)

// Surface is the embedding scope, such as a modal, that stays acquired while
// the engine is open. Acquire returns the function that releases it.
type Surface interface {
	Acquire() (release func())
}

// Props is the embedding input of the engine.
type Props struct {
	IsOpen   bool
	OnClose  func()
	Document *models.StoredDocumentRef
}

// Update applies new embedding props. Opening acquires the surface and
// activates the document; closing releases the surface and drops the session,
// so reopening with the same document starts from scratch. The engine never
// closes itself.
func (e *Engine) Update(p Props) {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.onClose = p.OnClose
	wasOpen := e.open
	e.open = p.IsOpen

	if !p.IsOpen {
		if wasOpen {
			e.SetReference(nil)
			e.releaseSurface()
		}
		return
	}

	if !wasOpen && e.cfg.Surface != nil {
		e.release = e.cfg.Surface.Acquire()
	}
	if !wasOpen || !sameRef(e.Snapshot().Ref, p.Document) {
		e.SetReference(p.Document)
	}
}

// Cancel handles a keyboard dismissal by asking the caller to close. The
// session is left untouched. It reports whether a close was requested.
func (e *Engine) Cancel() bool {
	e.lifecycle.Lock()
	onClose, open := e.onClose, e.open
	e.lifecycle.Unlock()

	if !open || onClose == nil {
		return false
	}
	onClose()
	return true
}

// Close stops the engine: the surface is released, work in flight is
// superseded and Close waits for it to finish.
func (e *Engine) Close() {
	e.lifecycle.Lock()
	e.open = false
	e.releaseSurface()
	e.lifecycle.Unlock()

	e.SetReference(nil)
	e.Wait()
}

func (e *Engine) releaseSurface() {
	if e.release != nil {
		e.release()
		e.release = nil
	}
}

func sameRef(a, b *models.StoredDocumentRef) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// DownloadAction is a save of the referenced bytes under the display name.
type DownloadAction struct {
	URL      string
	Filename string
}

func (e *Engine) fallbackLocked() bool {
	s := e.session
	return s.Ref != nil && (s.Phase == Ready || s.Phase == Failed || s.Unsupported)
}

// Download returns the save action for the current reference. It is offered
// in Ready, Failed and for unsupported documents, and makes no backend call.
func (e *Engine) Download() (DownloadAction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.fallbackLocked() {
		return DownloadAction{}, ErrActionUnavailable
	}
	return DownloadAction{
		URL:      e.cfg.PublicURL(e.session.Ref.LocationURI),
		Filename: e.session.Ref.DisplayName,
	}, nil
}

// ExternalViewerURL returns the online viewer URL for a word-processor
// document in Ready or Failed.
func (e *Engine) ExternalViewerURL() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.fallbackLocked() || e.session.Format != format.Convertible {
		return "", ErrActionUnavailable
	}
	return e.cfg.ExternalViewerBase + url.QueryEscape(e.cfg.PublicURL(e.session.Ref.LocationURI)), nil
}

// Opener opens a URL outside the embedding surface.
type Opener interface {
	Open(url string) error
}

// OpenExternally hands the external viewer URL to o.
func (e *Engine) OpenExternally(o Opener) error {
	u, err := e.ExternalViewerURL()
	if err != nil {
		return err
	}
	if err := o.Open(u); err != nil {
		return fmt.Errorf("failed to open external viewer: %w", err)
	}
	return nil
}

// Actions lists the actions available in the current session state.
func (e *Engine) Actions() []Action {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.session
	var actions []Action
	if s.Phase == Ready && s.TotalPages > 0 {
		if s.CurrentPage > 1 {
			actions = append(actions, ActionPreviousPage)
		}
		if s.CurrentPage < s.TotalPages {
			actions = append(actions, ActionNextPage)
		}
	}
	if s.Phase == Failed {
		actions = append(actions, ActionRetry)
	}
	if e.fallbackLocked() {
		actions = append(actions, ActionDownload)
		if s.Format == format.Convertible {
			actions = append(actions, ActionOpenExternally)
		}
	}
	return actions
}
