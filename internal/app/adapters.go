package app

import (
	"context"
	"time"

	"github.com/openctemio/scanworker/internal/infra/storage"
)

// storageArtifacts adapts the result store to ArtifactStore.
type storageArtifacts struct {
	store *storage.Store
}

// NewArtifactStore exposes a result store to the retention sweep.
func NewArtifactStore(store *storage.Store) ArtifactStore {
	return &storageArtifacts{store: store}
}

func (a *storageArtifacts) ListOlder(ctx context.Context, cutoff time.Time) ([]StoredObject, error) {
	objects, err := a.store.ListOlder(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	out := make([]StoredObject, len(objects))
	for i, o := range objects {
		out[i] = StoredObject{Key: o.Key, Size: o.Size, LastModified: o.LastModified}
	}
	return out, nil
}

func (a *storageArtifacts) Delete(ctx context.Context, key string) error {
	return a.store.Delete(ctx, key)
}
