package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/documentpreview/internal/services"
)

var (
	warmerInstance *services.WarmerFunction
	once           sync.Once
	initErr        error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Triggered by google.cloud.storage.object.v1.finalized on the upload bucket.
	functions.CloudEvent("WarmPreview", warmPreview)
}

// main is required by the Go Functions Framework.
func main() {}

func warmPreview(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		warmerInstance, initErr = services.NewWarmer(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent services.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	res, err := warmerInstance.Process(ctx, gcsEvent)
	if err != nil {
		// Already logged with context inside Process; returning marks the
		// invocation as failed so the event is redelivered.
		return err
	}
	if res != nil {
		slog.Info("Warm result.", "attachmentId", res.AttachmentID, "status", res.Status, "pageCount", res.PageCount)
	}
	return nil
}
