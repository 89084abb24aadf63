package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/documentpreview/internal/services"
)

var (
	uploadInstance *services.UploadFunction
	once           sync.Once
	initErr        error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleUpload", handleUpload)
}

// main is required by the Go Functions Framework.
func main() {}

// handleUpload accepts multipart uploads (POST) and attachment removals (DELETE).
func handleUpload(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		uploadInstance, initErr = services.NewUpload(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	uploadInstance.ServeHTTP(w, r)
}
