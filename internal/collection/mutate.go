package collection

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tidepooldb/tidepool/internal/txn"
	"github.com/tidepooldb/tidepool/internal/types"
)

// Insert builds an insert mutation for row and attaches it to the
// ambient transaction, if one is active; otherwise it runs via
// OnInsert as a standalone auto-committed transaction, per
// "onInsert/onUpdate/onDelete required to mutate outside an ambient
// transaction".
func (c *Collection) Insert(ctx context.Context, row types.Row) error {
	if c.getKey == nil {
		return errKind(UndefinedKey, "collection has no GetKey configured")
	}
	key := c.getKey(row)
	now := time.Now()
	m := types.Mutation{
		MutationID:    uuid.NewString(),
		GlobalKey:     types.GlobalKey(c.id, key),
		Key:           key,
		Type:          types.MutationInsert,
		Modified:      row,
		Optimistic:    true,
		CreatedAt:     now,
		UpdatedAt:     now,
		CollectionRef: c.id,
	}
	return c.dispatch(ctx, m, func(ctx context.Context) error {
		if c.onInsert == nil {
			return errKind(MissingMutationHandler, "onInsert")
		}
		return c.onInsert(ctx, row)
	})
}

// Update builds an update mutation from changes merged onto the
// currently visible row for key.
func (c *Collection) Update(ctx context.Context, key types.Key, changes map[string]any) error {
	current, ok := c.Get(key)
	if !ok {
		return errKind(UnknownKeyOnUpdate, key)
	}
	modified := mergeRow(current, changes)
	now := time.Now()
	m := types.Mutation{
		MutationID:    uuid.NewString(),
		GlobalKey:     types.GlobalKey(c.id, key),
		Key:           key,
		Type:          types.MutationUpdate,
		Original:      current,
		Modified:      modified,
		Changes:       changes,
		Optimistic:    true,
		CreatedAt:     now,
		UpdatedAt:     now,
		CollectionRef: c.id,
	}
	return c.dispatch(ctx, m, func(ctx context.Context) error {
		if c.onUpdate == nil {
			return errKind(MissingMutationHandler, "onUpdate")
		}
		return c.onUpdate(ctx, key, changes)
	})
}

// Delete builds a delete mutation for key.
func (c *Collection) Delete(ctx context.Context, key types.Key) error {
	current, ok := c.Get(key)
	if !ok {
		return errKind(UnknownKeyOnDelete, key)
	}
	now := time.Now()
	m := types.Mutation{
		MutationID:    uuid.NewString(),
		GlobalKey:     types.GlobalKey(c.id, key),
		Key:           key,
		Type:          types.MutationDelete,
		Original:      current,
		Optimistic:    true,
		CreatedAt:     now,
		UpdatedAt:     now,
		CollectionRef: c.id,
	}
	return c.dispatch(ctx, m, func(ctx context.Context) error {
		if c.onDelete == nil {
			return errKind(MissingMutationHandler, "onDelete")
		}
		return c.onDelete(ctx, key)
	})
}

// dispatch attaches m to the ambient transaction if one is active, or
// else runs a standalone auto-committed transaction whose mutationFn
// is fallback (one of the configured onInsert/onUpdate/onDelete hooks).
func (c *Collection) dispatch(ctx context.Context, m types.Mutation, fallback func(ctx context.Context) error) error {
	if c.manager == nil {
		return errKind(MissingMutationHandler, "collection is not registered with a transaction manager")
	}
	if t := c.manager.Active(); t != nil {
		return c.manager.AddMutation(t, m)
	}
	var addErr error
	opts := txn.MutateOptions{AutoCommit: true, MutationFn: fallback}
	_, err := c.manager.Mutate(ctx, opts, func(ctx context.Context) error {
		t := txn.FromContext(ctx)
		addErr = c.manager.AddMutation(t, m)
		return addErr
	})
	if err != nil {
		return err
	}
	return addErr
}
