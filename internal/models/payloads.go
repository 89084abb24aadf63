package models

// These structs define the JSON payloads exchanged with the upload and
// preview functions.

// UploadResponse is returned by the upload function after a file is stored.
type UploadResponse struct {
	AttachmentID string            `json:"attachmentId"`
	Document     StoredDocumentRef `json:"document"`
	Preview      string            `json:"preview,omitempty"`
	Duplicate    bool              `json:"duplicate"`
}

// RejectionResponse is returned when the intake gate refuses a candidate.
type RejectionResponse struct {
	Reason string `json:"reason"`
}

// PreviewRequest is the input for the preview function.
type PreviewRequest struct {
	Document *StoredDocumentRef `json:"document"`
	Page     int                `json:"page,omitempty"`
}

// PreviewError describes a session error in a PreviewResponse.
type PreviewError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// PreviewResponse is the settled session returned by the preview function.
type PreviewResponse struct {
	Phase       string        `json:"phase"`
	Format      string        `json:"format"`
	Unsupported bool          `json:"unsupported"`
	CurrentPage int           `json:"currentPage,omitempty"`
	TotalPages  int           `json:"totalPages,omitempty"`
	Markup      string        `json:"markup,omitempty"`
	Error       *PreviewError `json:"error,omitempty"`
	Actions     []string      `json:"actions"`
	DownloadURL string        `json:"downloadUrl,omitempty"`
	ExternalURL string        `json:"externalUrl,omitempty"`
}

// WarmResult is logged by the preview warmer for each processed object.
type WarmResult struct {
	AttachmentID string `json:"attachmentId"`
	Status       string `json:"status"`
	PageCount    int    `json:"pageCount,omitempty"`
}
