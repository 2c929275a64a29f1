// Package directory exposes the agent roster to the routing core. The roster
// itself is owned by another system; this is a read-only view annotated with
// current dialog load.
package directory

import (
	"context"

	"dialog_router/internal/domain"
)

type Store interface {
	ListAvailableAgents(ctx context.Context) ([]domain.Agent, error)
	GetAgentByExternalID(ctx context.Context, externalID int64) (*domain.Agent, error)
}

type Directory struct {
	store Store
}

func New(store Store) *Directory {
	return &Directory{store: store}
}

// ListAvailable returns agents eligible to take work, least loaded first.
// An empty slice is a valid answer meaning no capacity right now.
func (d *Directory) ListAvailable(ctx context.Context) ([]domain.Agent, error) {
	return d.store.ListAvailableAgents(ctx)
}

func (d *Directory) FindByExternalID(ctx context.Context, externalID int64) (*domain.Agent, error) {
	return d.store.GetAgentByExternalID(ctx, externalID)
}
