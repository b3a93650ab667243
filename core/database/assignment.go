package database

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/relabs-tech/dbrest/core/registry"
)

// Assignments map context ids to their database target. They are kept in
// the registry of the config database under the prefix "context".
type Assignments struct {
	accessor registry.Accessor
}

// NewAssignments returns the assignment store of a registry
func NewAssignments(r registry.Registry) *Assignments {
	return &Assignments{accessor: r.Accessor("context")}
}

// Get returns the target of a context or ErrUnknownContext
func (a *Assignments) Get(ctx context.Context, contextID int) (Target, error) {
	var target Target
	at, err := a.accessor.Read(ctx, strconv.Itoa(contextID), &target)
	if err != nil {
		return target, err
	}
	if at.IsZero() {
		return target, fmt.Errorf("context %d: %w", contextID, ErrUnknownContext)
	}
	return target, nil
}

// Put assigns a target to a context, replacing an existing assignment
func (a *Assignments) Put(ctx context.Context, contextID int, target Target) error {
	return a.accessor.Write(ctx, strconv.Itoa(contextID), target)
}

// Delete removes the assignment of a context. It returns ErrUnknownContext if
// there is none.
func (a *Assignments) Delete(ctx context.Context, contextID int) error {
	deleted, err := a.accessor.Delete(ctx, strconv.Itoa(contextID))
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("context %d: %w", contextID, ErrUnknownContext)
	}
	return nil
}

// IDs returns all context ids with an assignment, in ascending order
func (a *Assignments) IDs(ctx context.Context) ([]int, error) {
	keys, err := a.accessor.Keys(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(keys))
	for _, key := range keys {
		id, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}
