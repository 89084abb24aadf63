package models

import "time"

// StoredDocumentRef points at an already-persisted file. The preview engine
// only ever holds this value, never the bytes behind it.
type StoredDocumentRef struct {
	LocationURI string `json:"url" firestore:"locationUri"`
	DisplayName string `json:"name" firestore:"displayName"`
}

// Attachment represents a file attached to a structured record in Firestore.
// It tracks where the bytes live and what the preview warmer found out about them.
type Attachment struct {
	RecordID     string    `firestore:"recordId,omitempty"`
	LocationURI  string    `firestore:"locationUri,omitempty"`
	DisplayName  string    `firestore:"displayName,omitempty"`
	ContentType  string    `firestore:"contentType,omitempty"`
	SizeBytes    int64     `firestore:"sizeBytes,omitempty"`
	FileHash     string    `firestore:"fileHash,omitempty"`
	Status       string    `firestore:"status,omitempty"`
	ErrorDetails string    `firestore:"errorDetails,omitempty"`
	PageCount    int       `firestore:"pageCount,omitempty"`
	FormatClass  string    `firestore:"formatClass,omitempty"`
	CreatedAt    time.Time `firestore:"createdAt,omitempty"`
}

// Ref returns the retrieval reference for the attachment.
func (a Attachment) Ref() StoredDocumentRef {
	return StoredDocumentRef{LocationURI: a.LocationURI, DisplayName: a.DisplayName}
}

// Attachment status values written by the upload service and the preview warmer.
const (
	StatusUploaded    = "UPLOADED"
	StatusPreviewable = "PREVIEWABLE"
	StatusUnsupported = "UNSUPPORTED"
	StatusFailed      = "FAILED"
)
