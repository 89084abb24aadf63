package services

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestLookupError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		notFound bool
	}{
		{"not found", status.Error(codes.NotFound, "no document"), true},
		{"unavailable", status.Error(codes.Unavailable, "connection refused"), false},
		{"permission denied", status.Error(codes.PermissionDenied, "denied"), false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := lookupError("att-1", tt.err)
			if err == nil {
				t.Fatal("lookupError returned nil")
			}
			if got := errors.Is(err, ErrAttachmentNotFound); got != tt.notFound {
				t.Errorf("errors.Is(ErrAttachmentNotFound) = %v, want %v (%v)", got, tt.notFound, err)
			}
			if !tt.notFound && !errors.Is(err, tt.err) {
				t.Errorf("cause not wrapped: %v", err)
			}
		})
	}
}

type stubIterator struct {
	snap *firestore.DocumentSnapshot
	err  error
}

func (s stubIterator) Next() (*firestore.DocumentSnapshot, error) { return s.snap, s.err }

func TestFirstAttachment(t *testing.T) {
	id, att, err := firstAttachment(stubIterator{err: iterator.Done})
	if err != nil || id != "" || att != nil {
		t.Errorf("empty query = (%q, %v, %v), want no match and no error", id, att, err)
	}

	cause := status.Error(codes.Unavailable, "connection refused")
	if _, _, err := firstAttachment(stubIterator{err: cause}); !errors.Is(err, cause) {
		t.Errorf("query failure = %v, want wrapped %v", err, cause)
	}
}

func unreachableStore(t *testing.T) *cloudStore {
	t.Helper()
	t.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:1")
	client, err := firestore.NewClient(context.Background(), "test-project")
	if err != nil {
		t.Fatalf("firestore.NewClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return newCloudStore(nil, client.Collection("attachments"), "uploads")
}

func TestCloudStoreTransportErrors(t *testing.T) {
	s := unreachableStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := s.Get(ctx, "att-1"); err == nil || errors.Is(err, ErrAttachmentNotFound) {
		t.Errorf("Get = %v, want a failure that is not ErrAttachmentNotFound", err)
	}
	if _, _, err := s.FindByHash(ctx, "rec-1", "abc"); err == nil {
		t.Error("FindByHash succeeded against an unreachable backend")
	}
}

func TestCloudStoreEmulator(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx := context.Background()
	client, err := firestore.NewClient(ctx, "test-project")
	if err != nil {
		t.Fatalf("firestore.NewClient: %v", err)
	}
	defer client.Close()
	s := newCloudStore(nil, client.Collection("attachments-"+t.Name()), "uploads")

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrAttachmentNotFound) {
		t.Errorf("Get(missing) = %v, want ErrAttachmentNotFound", err)
	}
	if id, att, err := s.FindByLocation(ctx, "gs://uploads/nothing"); err != nil || id != "" || att != nil {
		t.Errorf("FindByLocation(nothing) = (%q, %v, %v)", id, att, err)
	}
}
