// Package assign picks the agent a new or transferred dialog should land on.
package assign

import (
	"context"

	"dialog_router/internal/domain"
)

type Roster interface {
	ListAvailable(ctx context.Context) ([]domain.Agent, error)
}

type Engine struct {
	roster Roster
}

func New(roster Roster) *Engine {
	return &Engine{roster: roster}
}

// PickAgent returns the least loaded eligible agent whose id differs from
// excludeID. A zero excludeID excludes nobody. A nil agent with a nil error
// means no one has capacity; the caller decides what that costs.
func (e *Engine) PickAgent(ctx context.Context, excludeID int64) (*domain.Agent, error) {
	agents, err := e.roster.ListAvailable(ctx)
	if err != nil {
		return nil, err
	}
	for i := range agents {
		if excludeID != 0 && agents[i].ID == excludeID {
			continue
		}
		return &agents[i], nil
	}
	return nil, nil
}
