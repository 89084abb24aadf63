package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/documentpreview/internal/metrics"
	"github.com/Lllllllleong/documentpreview/internal/services"
)

var (
	previewInstance *services.PreviewFunction
	once            sync.Once
	initErr         error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandlePreview", handlePreview)
	functions.HTTP("Metrics", metrics.Handler().ServeHTTP)
}

// main is required by the Go Functions Framework.
func main() {}

// handlePreview serves preview sessions, single pages, downloads and
// external viewer redirects.
func handlePreview(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		previewInstance, initErr = services.NewPreview(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	previewInstance.ServeHTTP(w, r)
}
