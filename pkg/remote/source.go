// Package remote fetches versioned content documents from the remote
// store: a metadata document at a well-known path, the parami collection,
// and practice-set documents tagged with their owning parami id.
package remote

import (
	"context"

	"github.com/odvcencio/parami/pkg/model"
)

// Source is the remote document store contract. The cache treats it as
// opaque: any error aborts the current sync attempt and nothing more.
type Source interface {
	// Metadata fetches the remote version document.
	Metadata(ctx context.Context) (*model.RemoteMetadata, error)

	// Paramis fetches the full item collection.
	Paramis(ctx context.Context) ([]model.Parami, error)

	// PracticeSets fetches all practice-set documents, keyed by the
	// owning parami id.
	PracticeSets(ctx context.Context) (map[int][]model.PracticeEntry, error)
}
