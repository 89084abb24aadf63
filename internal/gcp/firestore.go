package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// OpenCollection connects to Firestore for projectID and returns the named
// collection. FIRESTORE_EMULATOR_HOST is honoured by the client.
func OpenCollection(ctx context.Context, projectID, name string) (*firestore.CollectionRef, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to open collection %q", name)
	}
	if name == "" {
		return nil, fmt.Errorf("collection name must be provided")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	return client.Collection(name), nil
}

// IsNotFound reports whether err carries a NOT_FOUND status. Transport,
// permission and deadline failures are not treated as missing documents.
func IsNotFound(err error) bool {
	return err != nil && status.Code(err) == codes.NotFound
}
