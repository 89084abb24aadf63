package intake

import (
	"sync"

	"github.com/Lllllllleong/documentpreview/internal/models"
)

// Callbacks are the caller's hooks into the gate. Any of them may be nil.
type Callbacks struct {
	OnFileSelect  func(FileCandidate)
	OnFileDelete  func()
	OnUploadClick func()
	OnDragOver    func()
	OnDragLeave   func()
	OnDrop        func(count int)
}

// Display is caller-owned display state the gate reads and writes. One gate
// serves many displays; each display carries its own candidate generation so
// a late thumbnail is never applied to a candidate that has since changed.
type Display struct {
	mu       sync.Mutex
	selected *FileCandidate
	preview  string
	existing *models.StoredDocumentRef
	loading  bool
	dragOver bool
	gen      uint64

	pending sync.WaitGroup
}

// DisplayView is a point-in-time copy of a Display.
type DisplayView struct {
	SelectedFile *FileCandidate
	FilePreview  string
	ExistingFile *models.StoredDocumentRef
	FileLoading  bool
	IsDragOver   bool
}

// NewDisplay returns a Display showing an already-stored file, if any.
func NewDisplay(existing *models.StoredDocumentRef) *Display {
	d := &Display{}
	if existing != nil {
		ref := *existing
		d.existing = &ref
	}
	return d
}

// Snapshot returns a copy of the current display state.
func (d *Display) Snapshot() DisplayView {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := DisplayView{
		FilePreview: d.preview,
		FileLoading: d.loading,
		IsDragOver:  d.dragOver,
	}
	if d.selected != nil {
		c := *d.selected
		v.SelectedFile = &c
	}
	if d.existing != nil {
		ref := *d.existing
		v.ExistingFile = &ref
	}
	return v
}

// SetLoading marks an upload of the selected file as in progress.
func (d *Display) SetLoading(loading bool) {
	d.mu.Lock()
	d.loading = loading
	d.mu.Unlock()
}

// SetExisting records the reference the caller obtained after persisting.
func (d *Display) SetExisting(ref *models.StoredDocumentRef) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ref == nil {
		d.existing = nil
		return
	}
	r := *ref
	d.existing = &r
}

// WaitPreview blocks until thumbnails started for this display have finished.
func (d *Display) WaitPreview() {
	d.pending.Wait()
}

func (d *Display) setCandidate(c FileCandidate) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	d.selected = &c
	if !c.isImage() {
		d.preview = ""
	}
	return d.gen
}

// setPreview applies a thumbnail if the candidate it was built for is still selected.
func (d *Display) setPreview(gen uint64, uri string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.gen || d.selected == nil {
		return false
	}
	d.preview = uri
	return true
}

func (d *Display) clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	d.selected = nil
	d.preview = ""
	d.existing = nil
	d.loading = false
}

func (d *Display) setDragOver(over bool) {
	d.mu.Lock()
	d.dragOver = over
	d.mu.Unlock()
}
