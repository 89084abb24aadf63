package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/google/uuid"

	"github.com/Lllllllleong/documentpreview/internal/format"
	"github.com/Lllllllleong/documentpreview/internal/gcp"
	"github.com/Lllllllleong/documentpreview/internal/intake"
	"github.com/Lllllllleong/documentpreview/internal/metrics"
	"github.com/Lllllllleong/documentpreview/internal/models"
)

type UploadConfig struct {
	ProjectID        string
	UploadBucket     string
	CollectionName   string
	MaxUploadMiB     int
	AcceptedTypes    []string
	WorkflowID       string
	WorkflowLocation string
}

type UploadFunction struct {
	store            AttachmentStore
	executionsClient *executions.Client
	gate             *intake.Gate
	config           UploadConfig

	// saveBackoff is the first retry delay when writing the object.
	saveBackoff time.Duration
}

func loadUploadConfig() (UploadConfig, error) {
	config := UploadConfig{
		ProjectID:        gcp.GetEnv("PROJECT_ID", ""),
		UploadBucket:     gcp.GetEnv("UPLOAD_BUCKET", ""),
		CollectionName:   gcp.GetEnv("FIRESTORE_COLLECTION", "attachments"),
		AcceptedTypes:    gcp.GetEnvList("ACCEPTED_TYPES", intake.DefaultAccept),
		WorkflowID:       gcp.GetEnv("WORKFLOW_ID", ""),
		WorkflowLocation: gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
	}
	if config.ProjectID == "" {
		return config, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	if config.UploadBucket == "" {
		return config, fmt.Errorf("UPLOAD_BUCKET environment variable must be set")
	}
	maxMiB, err := gcp.GetEnvInt("MAX_UPLOAD_MIB", 10)
	if err != nil {
		return config, err
	}
	if maxMiB <= 0 {
		return config, fmt.Errorf("MAX_UPLOAD_MIB must be positive, got %d", maxMiB)
	}
	config.MaxUploadMiB = maxMiB
	return config, nil
}

func NewUpload(ctx context.Context) (*UploadFunction, error) {
	config, err := loadUploadConfig()
	if err != nil {
		return nil, err
	}

	records, err := gcp.OpenCollection(ctx, config.ProjectID, config.CollectionName)
	if err != nil {
		return nil, fmt.Errorf("failed to open attachment collection: %w", err)
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}

	var executionsClient *executions.Client
	if config.WorkflowID != "" {
		executionsClient, err = executions.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
		}
	}

	f := newUploadFunction(newCloudStore(storageClient, records, config.UploadBucket), config)
	f.executionsClient = executionsClient
	slog.Info("Upload intake logic initialized.", "bucket", config.UploadBucket, "maxUploadMiB", config.MaxUploadMiB, "workflowId", config.WorkflowID)
	return f, nil
}

func newUploadFunction(store AttachmentStore, config UploadConfig) *UploadFunction {
	return &UploadFunction{
		store: store,
		gate: intake.New(intake.Config{
			Accept:     config.AcceptedTypes,
			MaxSizeMiB: config.MaxUploadMiB,
		}),
		config:      config,
		saveBackoff: time.Second,
	}
}

// ServeHTTP accepts POST uploads and DELETE removals.
func (f *UploadFunction) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		f.handleUpload(w, r)
	case http.MethodDelete:
		f.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (f *UploadFunction) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Allow the limit plus room for the multipart envelope so oversized
	// files reach the gate and get a proper "too large" verdict.
	r.Body = http.MaxBytesReader(w, r.Body, f.gate.MaxBytes()+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusUnprocessableEntity, models.RejectionResponse{Reason: intake.ReasonTooLarge})
			return
		}
		http.Error(w, "Bad Request: could not parse multipart form", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	recordID := strings.TrimSpace(r.FormValue("recordId"))
	if recordID == "" {
		http.Error(w, "Bad Request: recordId is required", http.StatusBadRequest)
		return
	}
	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		http.Error(w, "Bad Request: file is required", http.StatusBadRequest)
		return
	}

	// Only the first file of a multi-file submission is considered.
	candidate, err := readCandidate(headers[0])
	if err != nil {
		slog.Error("Could not read uploaded file.", "error", err)
		http.Error(w, "Bad Request: could not read file", http.StatusBadRequest)
		return
	}

	res, verdict, err := f.Process(r.Context(), recordID, candidate)
	switch {
	case err != nil:
		http.Error(w, "Internal Server Error: upload failed", http.StatusInternalServerError)
	case !verdict.Valid:
		writeJSON(w, http.StatusUnprocessableEntity, models.RejectionResponse{Reason: verdict.Reason})
	case res.Duplicate:
		writeJSON(w, http.StatusOK, res)
	default:
		writeJSON(w, http.StatusCreated, res)
	}
}

func readCandidate(h *multipart.FileHeader) (intake.FileCandidate, error) {
	file, err := h.Open()
	if err != nil {
		return intake.FileCandidate{}, fmt.Errorf("failed to open multipart file: %w", err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return intake.FileCandidate{}, fmt.Errorf("failed to read multipart file: %w", err)
	}
	return intake.NewCandidate(filepath.Base(h.Filename), h.Header.Get("Content-Type"), data), nil
}

// Process validates the candidate, stores it and records the attachment. An
// invalid candidate is reported through the verdict, not the error.
func (f *UploadFunction) Process(ctx context.Context, recordID string, c intake.FileCandidate) (*models.UploadResponse, intake.Verdict, error) {
	logCtx := slog.With("recordId", recordID, "fileName", c.Name, "sizeBytes", c.SizeBytes)

	verdict := f.gate.Validate(c)
	if !verdict.Valid {
		logCtx.Info("Upload rejected.", "reason", verdict.Reason)
		return nil, verdict, nil
	}

	display := intake.NewDisplay(nil)
	var selected *intake.FileCandidate
	f.gate.Select(display, intake.Callbacks{
		OnFileSelect: func(c intake.FileCandidate) { selected = &c },
	}, c)
	display.WaitPreview()
	if selected == nil {
		return nil, intake.Verdict{Reason: intake.ReasonUnsupportedType}, nil
	}
	preview := display.Snapshot().FilePreview

	sum := sha256.Sum256(selected.Data)
	fileHash := hex.EncodeToString(sum[:])
	logCtx = logCtx.With("fileHash", fileHash)

	existingID, existing, err := f.store.FindByHash(ctx, recordID, fileHash)
	if err != nil {
		logCtx.Error("Failed to check for duplicate", "error", err)
		return nil, verdict, err
	}
	if existing != nil {
		logCtx.Info("Duplicate file detected. Returning existing attachment.", "attachmentId", existingID)
		return &models.UploadResponse{
			AttachmentID: existingID,
			Document:     existing.Ref(),
			Preview:      preview,
			Duplicate:    true,
		}, verdict, nil
	}

	contentType := selected.MIMEHint
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	objectName := fmt.Sprintf("%s/%s%s", recordID, uuid.NewString(), strings.ToLower(filepath.Ext(selected.Name)))

	display.SetLoading(true)
	uri, err := f.saveWithRetry(ctx, logCtx, objectName, contentType, selected.Data)
	display.SetLoading(false)
	if err != nil {
		return nil, verdict, err
	}
	metrics.RecordStored(selected.SizeBytes)

	att := models.Attachment{
		RecordID:    recordID,
		LocationURI: uri,
		DisplayName: selected.Name,
		ContentType: contentType,
		SizeBytes:   selected.SizeBytes,
		FileHash:    fileHash,
		Status:      models.StatusUploaded,
		FormatClass: format.Classify(selected.Name).String(),
		CreatedAt:   time.Now(),
	}
	id, err := f.store.Add(ctx, att)
	if err != nil {
		logCtx.Error("Failed to create attachment record", "error", err)
		return nil, verdict, err
	}
	logCtx = logCtx.With("attachmentId", id)
	display.SetExisting(&models.StoredDocumentRef{LocationURI: uri, DisplayName: att.DisplayName})
	logCtx.Info("Attachment stored.", "locationUri", uri)

	if err := f.triggerWorkflow(ctx, logCtx, id, att); err != nil {
		// The attachment is stored; a failed hand-off is retried downstream.
		logCtx.Warn("Workflow hand-off failed.", "error", err)
	}

	return &models.UploadResponse{
		AttachmentID: id,
		Document:     *display.Snapshot().ExistingFile,
		Preview:      preview,
	}, verdict, nil
}

func (f *UploadFunction) saveWithRetry(ctx context.Context, logCtx *slog.Logger, objectName, contentType string, data []byte) (string, error) {
	const maxRetries = 4
	backoff := f.saveBackoff
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		uri, err := func() (string, error) {
			writeCtx, cancel := context.WithTimeout(ctx, 50*time.Second)
			defer cancel()
			return f.store.SaveObject(writeCtx, objectName, contentType, data)
		}()
		if err == nil {
			return uri, nil
		}

		lastErr = err
		logCtx.Warn(
			"Upload failed, will retry.",
			"gcsObject", objectName,
			"attempt", i+1,
			"maxRetries", maxRetries,
			"backoff", backoff.String(),
			"error", err,
		)

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			logCtx.Error("Context cancelled during backoff. Aborting retries.", "gcsObject", objectName, "error", ctx.Err())
			return "", ctx.Err()
		}
	}
	logCtx.Error("Upload failed after all retries.", "gcsObject", objectName, "error", lastErr)
	return "", fmt.Errorf("upload for %s failed after all retries: %w", objectName, lastErr)
}

func (f *UploadFunction) triggerWorkflow(ctx context.Context, logCtx *slog.Logger, attachmentID string, att models.Attachment) error {
	if f.executionsClient == nil {
		return nil
	}
	logCtx.Info("Triggering workflow.")
	payload, err := json.Marshal(map[string]interface{}{
		"attachmentId": attachmentID,
		"recordId":     att.RecordID,
		"document":     att.Ref(),
		"formatClass":  att.FormatClass,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", f.config.ProjectID, f.config.WorkflowLocation, f.config.WorkflowID),
		Execution: &executionspb.Execution{
			Argument: string(payload),
		},
	}
	if _, err := f.executionsClient.CreateExecution(ctx, req); err != nil {
		return fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	return nil
}

func (f *UploadFunction) handleDelete(w http.ResponseWriter, r *http.Request) {
	recordID := r.URL.Query().Get("recordId")
	attachmentID := r.URL.Query().Get("attachmentId")
	if recordID == "" || attachmentID == "" {
		http.Error(w, "Bad Request: recordId and attachmentId are required", http.StatusBadRequest)
		return
	}

	err := f.Delete(r.Context(), recordID, attachmentID)
	switch {
	case errors.Is(err, ErrAttachmentNotFound):
		http.Error(w, "Not Found", http.StatusNotFound)
	case err != nil:
		http.Error(w, "Internal Server Error: delete failed", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// Delete removes an attachment's bytes and record. Deleting an attachment
// that is already gone succeeds.
func (f *UploadFunction) Delete(ctx context.Context, recordID, attachmentID string) error {
	logCtx := slog.With("recordId", recordID, "attachmentId", attachmentID)

	att, err := f.store.Get(ctx, attachmentID)
	if errors.Is(err, ErrAttachmentNotFound) {
		logCtx.Info("Attachment already deleted.")
		return nil
	}
	if err != nil {
		logCtx.Error("Failed to load attachment", "error", err)
		return err
	}
	if att.RecordID != recordID {
		return fmt.Errorf("%w: %s does not belong to record %s", ErrAttachmentNotFound, attachmentID, recordID)
	}

	if err := f.store.DeleteObject(ctx, att.LocationURI); err != nil {
		logCtx.Error("Failed to delete stored object", "error", err)
		return err
	}
	if err := f.store.Delete(ctx, attachmentID); err != nil {
		logCtx.Error("Failed to delete attachment record", "error", err)
		return err
	}
	logCtx.Info("Attachment deleted.")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
