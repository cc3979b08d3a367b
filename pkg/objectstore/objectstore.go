// Package objectstore defines the path-addressed blob interface the
// pipeline uploads variants through, treating the real object store as an
// external collaborator referenced only by interface.
package objectstore

import "context"

// Store is a path-addressed blob store. Overwrite on upload is required:
// uploads are idempotent by path, so a retried upload of the same path must
// simply replace the prior bytes.
type Store interface {
	// Put writes data to path under the given content type, overwriting any
	// existing object at that path.
	Put(ctx context.Context, path string, data []byte, contentType string) error

	// Get reads the bytes stored at path.
	Get(ctx context.Context, path string) ([]byte, error)

	// Exists reports whether an object is present at path.
	Exists(ctx context.Context, path string) (bool, error)
}

// VariantPath returns the stable, idempotent path for one image variant:
// {image_id}/{preset}.jpg.
func VariantPath(imageID, preset string) string {
	return imageID + "/" + preset + ".jpg"
}
