package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/Lllllllleong/documentpreview/internal/gcp"
	"github.com/Lllllllleong/documentpreview/internal/models"
)

// ErrAttachmentNotFound is returned when no attachment record matches.
var ErrAttachmentNotFound = errors.New("attachment not found")

// AttachmentStore persists uploaded bytes and their attachment records.
type AttachmentStore interface {
	// SaveObject writes data under object name and returns its retrieval URI.
	SaveObject(ctx context.Context, object, contentType string, data []byte) (string, error)
	ReadObject(ctx context.Context, uri string, limit int64) ([]byte, error)
	DeleteObject(ctx context.Context, uri string) error

	Add(ctx context.Context, att models.Attachment) (string, error)
	Get(ctx context.Context, id string) (models.Attachment, error)
	FindByHash(ctx context.Context, recordID, fileHash string) (string, *models.Attachment, error)
	FindByLocation(ctx context.Context, uri string) (string, *models.Attachment, error)
	Update(ctx context.Context, id string, updates []firestore.Update) error
	Delete(ctx context.Context, id string) error
}

// cloudStore keeps bytes in a GCS bucket and records in a Firestore collection.
type cloudStore struct {
	storage *storage.Client
	records *firestore.CollectionRef
	bucket  string
}

func newCloudStore(storageClient *storage.Client, records *firestore.CollectionRef, bucket string) *cloudStore {
	return &cloudStore{
		storage: storageClient,
		records: records,
		bucket:  bucket,
	}
}

func (s *cloudStore) SaveObject(ctx context.Context, object, contentType string, data []byte) (string, error) {
	if _, err := gcp.SaveObjectAtomically(ctx, s.storage.Bucket(s.bucket), object, contentType, bytes.NewReader(data)); err != nil {
		return "", err
	}
	return gcp.GCSURI(s.bucket, object), nil
}

func (s *cloudStore) ReadObject(ctx context.Context, uri string, limit int64) ([]byte, error) {
	bucket, object, err := gcp.ParseGCSURI(uri)
	if err != nil {
		return nil, err
	}
	return gcp.ReadObject(ctx, s.storage, bucket, object, limit)
}

func (s *cloudStore) DeleteObject(ctx context.Context, uri string) error {
	bucket, object, err := gcp.ParseGCSURI(uri)
	if err != nil {
		return err
	}
	return gcp.DeleteObject(ctx, s.storage, bucket, object)
}

func (s *cloudStore) Add(ctx context.Context, att models.Attachment) (string, error) {
	docRef, _, err := s.records.Add(ctx, att)
	if err != nil {
		return "", fmt.Errorf("failed to create attachment record: %w", err)
	}
	return docRef.ID, nil
}

func (s *cloudStore) Get(ctx context.Context, id string) (models.Attachment, error) {
	var att models.Attachment
	snap, err := s.records.Doc(id).Get(ctx)
	if err != nil {
		return att, lookupError(id, err)
	}
	if err := snap.DataTo(&att); err != nil {
		return att, fmt.Errorf("failed to decode attachment %s: %w", id, err)
	}
	return att, nil
}

// lookupError maps a failed document read. Only NOT_FOUND means the record is
// gone; anything else is reported as a failure.
func lookupError(id string, err error) error {
	if gcp.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrAttachmentNotFound, id)
	}
	return fmt.Errorf("failed to get attachment %s: %w", id, err)
}

func (s *cloudStore) FindByHash(ctx context.Context, recordID, fileHash string) (string, *models.Attachment, error) {
	q := s.records.
		Where("recordId", "==", recordID).
		Where("fileHash", "==", fileHash).
		Limit(1)
	return s.first(ctx, q)
}

func (s *cloudStore) FindByLocation(ctx context.Context, uri string) (string, *models.Attachment, error) {
	q := s.records.Where("locationUri", "==", uri).Limit(1)
	return s.first(ctx, q)
}

func (s *cloudStore) first(ctx context.Context, q firestore.Query) (string, *models.Attachment, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()
	return firstAttachment(iter)
}

type snapshotIterator interface {
	Next() (*firestore.DocumentSnapshot, error)
}

// firstAttachment returns the first document of iter, or an empty id when
// there is none.
func firstAttachment(iter snapshotIterator) (string, *models.Attachment, error) {
	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to query attachments: %w", err)
	}
	var att models.Attachment
	if err := snap.DataTo(&att); err != nil {
		return "", nil, fmt.Errorf("failed to decode attachment %s: %w", snap.Ref.ID, err)
	}
	return snap.Ref.ID, &att, nil
}

func (s *cloudStore) Update(ctx context.Context, id string, updates []firestore.Update) error {
	if _, err := s.records.Doc(id).Update(ctx, updates); err != nil {
		return fmt.Errorf("failed to update attachment %s: %w", id, err)
	}
	return nil
}

func (s *cloudStore) Delete(ctx context.Context, id string) error {
	if _, err := s.records.Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete attachment %s: %w", id, err)
	}
	return nil
}
