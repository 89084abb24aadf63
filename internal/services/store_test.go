package services

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"cloud.google.com/go/firestore"

	"github.com/Lllllllleong/documentpreview/internal/models"
)

// fakeStore keeps objects and records in memory.
type fakeStore struct {
	mu           sync.Mutex
	objects      map[string][]byte
	records      map[string]models.Attachment
	saveFailures int
	saveCalls    int
	nextID       int
	getErr       error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects: make(map[string][]byte),
		records: make(map[string]models.Attachment),
	}
}

func (s *fakeStore) SaveObject(_ context.Context, object, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if s.saveFailures > 0 {
		s.saveFailures--
		return "", fmt.Errorf("transient write error")
	}
	uri := "gs://uploads/" + object
	s.objects[uri] = append([]byte(nil), data...)
	return uri, nil
}

func (s *fakeStore) ReadObject(_ context.Context, uri string, _ int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[uri]
	if !ok {
		return nil, fmt.Errorf("object %s does not exist", uri)
	}
	return data, nil
}

func (s *fakeStore) DeleteObject(_ context.Context, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, uri)
	return nil
}

func (s *fakeStore) Add(_ context.Context, att models.Attachment) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("att-%d", s.nextID)
	s.records[id] = att
	return id, nil
}

func (s *fakeStore) Get(_ context.Context, id string) (models.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return models.Attachment{}, s.getErr
	}
	att, ok := s.records[id]
	if !ok {
		return att, fmt.Errorf("%w: %s", ErrAttachmentNotFound, id)
	}
	return att, nil
}

func (s *fakeStore) FindByHash(_ context.Context, recordID, fileHash string) (string, *models.Attachment, error) {
	return s.find(func(a models.Attachment) bool { return a.RecordID == recordID && a.FileHash == fileHash })
}

func (s *fakeStore) FindByLocation(_ context.Context, uri string) (string, *models.Attachment, error) {
	return s.find(func(a models.Attachment) bool { return a.LocationURI == uri })
}

func (s *fakeStore) find(match func(models.Attachment) bool) (string, *models.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, att := range s.records {
		if match(att) {
			a := att
			return id, &a, nil
		}
	}
	return "", nil, nil
}

func (s *fakeStore) Update(_ context.Context, id string, updates []firestore.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	att, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAttachmentNotFound, id)
	}
	for _, u := range updates {
		switch u.Path {
		case "status":
			att.Status = u.Value.(string)
		case "errorDetails":
			att.ErrorDetails = u.Value.(string)
		case "formatClass":
			att.FormatClass = u.Value.(string)
		case "fileHash":
			att.FileHash = u.Value.(string)
		case "pageCount":
			att.PageCount = u.Value.(int)
		}
	}
	s.records[id] = att
	return nil
}

func (s *fakeStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *fakeStore) record(id string) models.Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

const (
	docOpen  = `<?xml version="1.0" encoding="UTF-8"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`
	docClose = `</w:body></w:document>`
)

func docxBytes(t *testing.T, text string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	fw, err := w.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}
	body := docOpen + `<w:p><w:r><w:t>` + text + `</w:t></w:r></w:p>` + docClose
	if _, err := fw.Write([]byte(body)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for i := 0; i < 16; i++ {
		img.Set(i, i, color.Black)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
