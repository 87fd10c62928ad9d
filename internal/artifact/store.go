package artifact

import (
	"context"

	"github.com/clipnotes/clipnotes-be/internal/domain"
)

// Store is the durable artifact store. The core treats it as an opaque
// blob store keyed by the ref recorded on the job row.
type Store interface {
	Put(ctx context.Context, art *domain.Artifact) (ref string, err error)
	Get(ctx context.Context, ref string) (*domain.Artifact, error)
	ListCompleted(ctx context.Context, ownerID string) ([]*domain.Artifact, error)
	Link(ctx context.Context, refA, refB string, score float64) error
	Links(ctx context.Context, ref string) ([]string, error)
}
