// Package plans tracks the subscription plan billing last committed for each
// user, which is what background and manual reconciliations converge to.
package plans

import (
	"context"
	"fmt"

	"github.com/rcourtman/pulse-rolesync/internal/rolesync/registry"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/roles"
)

// Store persists plan records.
type Store interface {
	GetPlan(ctx context.Context, internalUserID string) (*registry.PlanRecord, error)
	SetPlan(ctx context.Context, internalUserID, plan string) error
}

// Book reads and records plans.
type Book struct {
	store Store
}

// NewBook returns a Book backed by store.
func NewBook(store Store) *Book {
	return &Book{store: store}
}

// Current returns the recorded plan for internalUserID. Users billing has
// never reported are on the free plan.
func (b *Book) Current(ctx context.Context, internalUserID string) (roles.Plan, error) {
	rec, err := b.store.GetPlan(ctx, internalUserID)
	if err != nil {
		return "", fmt.Errorf("load plan: %w", err)
	}
	if rec == nil || rec.Plan == "" {
		return roles.PlanFree, nil
	}
	return roles.ParsePlan(rec.Plan)
}

// Record stores plan as internalUserID's current plan.
func (b *Book) Record(ctx context.Context, internalUserID string, plan roles.Plan) error {
	if _, err := roles.ParsePlan(string(plan)); err != nil {
		return err
	}
	return b.store.SetPlan(ctx, internalUserID, string(plan))
}
