package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/documentpreview/internal/fetch"
	"github.com/Lllllllleong/documentpreview/internal/format"
	"github.com/Lllllllleong/documentpreview/internal/gcp"
	"github.com/Lllllllleong/documentpreview/internal/intake"
	"github.com/Lllllllleong/documentpreview/internal/models"
	"github.com/Lllllllleong/documentpreview/internal/preview"
	"github.com/Lllllllleong/documentpreview/internal/render/markup"
	"github.com/Lllllllleong/documentpreview/internal/render/paged"
)

type WarmerConfig struct {
	ProjectID      string
	UploadBucket   string
	CollectionName string
	MaxFetchMiB    int
	AdapterTimeout time.Duration
}

// WarmerFunction runs a preview session against every newly uploaded object
// and records on the attachment whether it can be previewed.
type WarmerFunction struct {
	store  AttachmentStore
	engine preview.Config
	config WarmerConfig

	// thumbnail stands in for the browser when probing images.
	thumbnail func(data []byte, size int) (string, error)
}

type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

func loadWarmerConfig() (WarmerConfig, error) {
	config := WarmerConfig{
		ProjectID:      gcp.GetEnv("PROJECT_ID", ""),
		UploadBucket:   gcp.GetEnv("UPLOAD_BUCKET", ""),
		CollectionName: gcp.GetEnv("FIRESTORE_COLLECTION", "attachments"),
	}
	if config.ProjectID == "" {
		return config, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	if config.UploadBucket == "" {
		return config, fmt.Errorf("UPLOAD_BUCKET environment variable must be set")
	}
	timeout, err := gcp.GetEnvDuration("ADAPTER_TIMEOUT", 60*time.Second)
	if err != nil {
		return config, err
	}
	config.AdapterTimeout = timeout
	maxMiB, err := gcp.GetEnvInt("MAX_UPLOAD_MIB", 10)
	if err != nil {
		return config, err
	}
	config.MaxFetchMiB = 2 * maxMiB
	return config, nil
}

func NewWarmer(ctx context.Context) (*WarmerFunction, error) {
	config, err := loadWarmerConfig()
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

	f := newWarmerFunction(newCloudStore(storageClient, records, config.UploadBucket), config)
	slog.Info("Preview warmer logic initialized.", "bucket", config.UploadBucket, "adapterTimeout", config.AdapterTimeout.String())
	return f, nil
}

func newWarmerFunction(store AttachmentStore, config WarmerConfig) *WarmerFunction {
	return &WarmerFunction{
		store:  store,
		config: config,
		engine: preview.Config{
			Paged:          preview.NewPDFAdapter(paged.NewRenderer()),
			Converter:      markup.New(markup.Config{}),
			AdapterTimeout: config.AdapterTimeout,
			PublicURL:      PublicURL,
		},
		thumbnail: intake.Thumbnail,
	}
}

// Process warms the preview of one finalized object. Objects outside the
// upload bucket or without an attachment record are ignored.
func (f *WarmerFunction) Process(ctx context.Context, e GCSEvent) (*models.WarmResult, error) {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	logCtx.Info("Processing new GCS object.")

	if e.Bucket != f.config.UploadBucket {
		logCtx.Info("Object is not in the upload bucket. Skipping.")
		return nil, nil
	}

	uri := gcp.GCSURI(e.Bucket, e.Name)
	id, att, err := f.store.FindByLocation(ctx, uri)
	if err != nil {
		logCtx.Error("Failed to look up attachment", "error", err)
		return nil, err
	}
	if att == nil {
		logCtx.Info("No attachment record for object. Skipping.")
		return nil, nil
	}
	logCtx = logCtx.With("attachmentId", id, "documentName", att.DisplayName)

	data, err := f.store.ReadObject(ctx, uri, int64(f.config.MaxFetchMiB)<<20)
	if err != nil {
		return nil, f.handleError(ctx, logCtx, id, "failed to read uploaded object", err)
	}

	var (
		fileHash string
		session  preview.Session
	)
	var eg errgroup.Group
	eg.Go(func() error {
		sum := sha256.Sum256(data)
		fileHash = hex.EncodeToString(sum[:])
		return nil
	})
	eg.Go(func() error {
		session = f.tryPreview(logCtx, att.Ref(), data)
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, f.handleError(ctx, logCtx, id, "failed to warm preview", err)
	}

	if att.FileHash != "" && att.FileHash != fileHash {
		return nil, f.handleError(ctx, logCtx, id, "stored object does not match uploaded file", fmt.Errorf("hash %s, expected %s", fileHash, att.FileHash))
	}

	status, details := warmStatus(session)
	updates := []firestore.Update{
		{Path: "status", Value: status},
		{Path: "formatClass", Value: session.Format.String()},
		{Path: "fileHash", Value: fileHash},
	}
	if session.TotalPages > 0 {
		updates = append(updates, firestore.Update{Path: "pageCount", Value: session.TotalPages})
	}
	if details != "" {
		updates = append(updates, firestore.Update{Path: "errorDetails", Value: details})
	}
	if err := f.store.Update(ctx, id, updates); err != nil {
		logCtx.Error("Failed to record preview status", "error", err)
		return nil, err
	}

	logCtx.Info("Preview warmed.", "status", status, "pageCount", session.TotalPages)
	return &models.WarmResult{AttachmentID: id, Status: status, PageCount: session.TotalPages}, nil
}

// tryPreview runs a preview session over data and returns the settled session.
func (f *WarmerFunction) tryPreview(logCtx *slog.Logger, ref models.StoredDocumentRef, data []byte) preview.Session {
	cfg := f.engine
	cfg.Logger = logCtx
	cfg.Fetcher = fetch.FetcherFunc(func(context.Context, string) ([]byte, error) {
		return data, nil
	})

	e := preview.NewEngine(cfg)
	defer e.Close()
	updates, stop := e.Subscribe()

	e.SetReference(&ref)
	if s := e.Snapshot(); s.Format == format.Image {
		if _, err := f.thumbnail(data, 64); err != nil {
			e.ImageFailed(s.Generation, err.Error())
		} else {
			e.ImageLoaded(s.Generation)
		}
	}
	e.Wait()

	stop()
	for s := range updates {
		logCtx.Debug("Preview session changed.", "phase", s.Phase.String(), "generation", s.Generation)
	}
	return e.Snapshot()
}

// warmStatus maps a settled session onto an attachment status.
func warmStatus(s preview.Session) (status, details string) {
	switch {
	case s.Unsupported:
		return models.StatusUnsupported, ""
	case s.Phase == preview.Ready:
		return models.StatusPreviewable, ""
	case s.Err != nil:
		return models.StatusFailed, s.Err.Message
	default:
		return models.StatusFailed, "preview did not settle"
	}
}

func (f *WarmerFunction) handleError(ctx context.Context, logCtx *slog.Logger, id, message string, originalErr error) error {
	fullError := fmt.Sprintf("%s: %v", message, originalErr)
	logCtx.Error(message, "error", originalErr)
	updates := []firestore.Update{
		{Path: "status", Value: models.StatusFailed},
		{Path: "errorDetails", Value: fullError},
	}
	if err := f.store.Update(ctx, id, updates); err != nil {
		logCtx.Error("CRITICAL: Failed to update Firestore status to FAILED after a processing error.", "updateError", err)
	}
	return fmt.Errorf("%s: %w", message, originalErr)
}
