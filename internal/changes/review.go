package changes

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/entity-collector/internal/audit"
	"github.com/sells-group/entity-collector/internal/model"
	"github.com/sells-group/entity-collector/internal/store"
)

// Approve moves a pending change through approved to applied in one
// transaction and writes the canonical value. Approving a new-entity change
// creates the entity and confirms its match.
func (e *Engine) Approve(ctx context.Context, id int64, actor, notes string) (*model.Change, error) {
	if actor == "" {
		return nil, model.Invalidf("approve requires an actor")
	}
	var out *model.Change
	err := e.st.WithTx(ctx, func(tx store.Store) error {
		eng := e.WithStore(tx)
		c, err := tx.GetChange(ctx, id)
		if err != nil {
			return err
		}
		if c.Status == model.ChangePending {
			if err := eng.transition(ctx, c, model.ChangeApproved, store.ChangeUpdate{
				Status:      model.ChangeApproved,
				ReviewedBy:  &actor,
				ReviewNotes: optional(notes),
			}, actor, notes); err != nil {
				return err
			}
		}
		if c.Status != model.ChangeApproved {
			return eris.Wrapf(model.ErrInvalidTransition, "change %d is %s", id, c.Status)
		}

		upd := store.ChangeUpdate{Status: model.ChangeApplied, SetApplied: true, ReleaseInflight: true}
		if c.IsNewEntity() {
			entityID, err := eng.createEntity(ctx, c, actor)
			if err != nil {
				return err
			}
			upd.EntityID = &entityID
		} else {
			if err := eng.writeField(ctx, c, c.OldValue, c.NewValue, "approved", actor, model.ChangeSourceManual); err != nil {
				return err
			}
		}
		if err := eng.transition(ctx, c, model.ChangeApplied, upd, actor, notes); err != nil {
			return err
		}
		out, err = tx.GetChange(ctx, id)
		return err
	})
	if err != nil {
		return nil, eris.Wrap(err, "changes: approve")
	}
	e.log.Info("change approved", zap.Int64("change_id", id), zap.String("actor", actor))
	return out, nil
}

// createEntity inserts the proposed record and links the originating match.
func (e *Engine) createEntity(ctx context.Context, c *model.Change, actor string) (int64, error) {
	ent := &model.Entity{Type: c.EntityType, Fields: c.ProposedRecord}
	if err := e.st.InsertEntity(ctx, ent); err != nil {
		return 0, eris.Wrap(err, "changes: create entity")
	}
	if err := audit.Record(ctx, e.st, &model.HistoryEntry{
		EntityType:   string(c.EntityType),
		EntityID:     ent.ID,
		Field:        model.NewEntityField,
		NewValue:     ent.Name(),
		Reason:       "created from change",
		Actor:        actor,
		ChangeSource: model.ChangeSourceManual,
		Metadata:     map[string]any{"change_id": c.ID},
	}); err != nil {
		return 0, err
	}
	if c.MatchID == nil {
		return ent.ID, nil
	}
	ok, err := e.st.ResolveMatch(ctx, *c.MatchID, model.MatchPending, store.MatchUpdate{
		Status:          model.MatchConfirmed,
		MatchedEntityID: &ent.ID,
		Method:          model.MatchMethodManual,
		ReviewedBy:      actor,
	})
	if err != nil {
		return 0, eris.Wrap(err, "changes: link match")
	}
	if ok {
		if err := e.recordMatch(ctx, *c.MatchID, model.MatchConfirmed, actor); err != nil {
			return 0, err
		}
	}
	return ent.ID, nil
}

// Reject closes a pending or approved change and frees its field. Rejecting
// a new-entity change also rejects its pending match.
func (e *Engine) Reject(ctx context.Context, id int64, actor, notes string) (*model.Change, error) {
	if actor == "" {
		return nil, model.Invalidf("reject requires an actor")
	}
	var out *model.Change
	err := e.st.WithTx(ctx, func(tx store.Store) error {
		eng := e.WithStore(tx)
		c, err := tx.GetChange(ctx, id)
		if err != nil {
			return err
		}
		if err := eng.transition(ctx, c, model.ChangeRejected, store.ChangeUpdate{
			Status:          model.ChangeRejected,
			ReviewedBy:      &actor,
			ReviewNotes:     optional(notes),
			ReleaseInflight: true,
		}, actor, notes); err != nil {
			return err
		}
		if c.IsNewEntity() && c.MatchID != nil {
			ok, err := tx.ResolveMatch(ctx, *c.MatchID, model.MatchPending, store.MatchUpdate{
				Status: model.MatchRejected, ReviewedBy: actor,
			})
			if err != nil {
				return eris.Wrap(err, "changes: reject match")
			}
			if ok {
				if err := eng.recordMatch(ctx, *c.MatchID, model.MatchRejected, actor); err != nil {
					return err
				}
			}
		}
		out, err = tx.GetChange(ctx, id)
		return err
	})
	if err != nil {
		return nil, eris.Wrap(err, "changes: reject")
	}
	e.log.Info("change rejected", zap.Int64("change_id", id), zap.String("actor", actor))
	return out, nil
}

// Revert restores the old value of an applied field change. The change
// stays applied and is stamped as reverted.
func (e *Engine) Revert(ctx context.Context, id int64, actor string) (*model.Change, error) {
	if actor == "" {
		return nil, model.Invalidf("revert requires an actor")
	}
	var out *model.Change
	err := e.st.WithTx(ctx, func(tx store.Store) error {
		eng := e.WithStore(tx)
		c, err := tx.GetChange(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case c.Status != model.ChangeApplied:
			return eris.Wrapf(model.ErrInvalidTransition, "change %d is %s, not applied", id, c.Status)
		case c.Reverted():
			return eris.Wrapf(model.ErrInvalidTransition, "change %d already reverted", id)
		case c.IsNewEntity():
			return eris.Wrapf(model.ErrInvalidTransition, "change %d created an entity and cannot be reverted", id)
		}

		ok, err := tx.MarkChangeReverted(ctx, id, actor)
		if err != nil {
			return err
		}
		if !ok {
			return eris.Wrapf(model.ErrInvalidTransition, "change %d was reverted concurrently", id)
		}
		ent, err := tx.GetEntity(ctx, c.EntityType, *c.EntityID)
		if err != nil {
			return err
		}
		current := ent.Fields[c.FieldName]
		var meta map[string]any
		if current != c.NewValue {
			// A later write replaced this change's value; the ledger keeps it.
			meta = map[string]any{"overwritten_value": current}
			e.log.Warn("revert overwrites a newer value",
				zap.Int64("change_id", id),
				zap.String("field", c.FieldName),
				zap.String("current", current),
				zap.String("applied", c.NewValue),
			)
		}
		if err := eng.writeField(ctx, c, current, c.OldValue, "revert", actor, model.ChangeSourceManual); err != nil {
			return err
		}
		if err := audit.Record(ctx, tx, &model.HistoryEntry{
			EntityType:   model.SubjectChange,
			EntityID:     id,
			Field:        "reverted_at",
			NewValue:     e.now().Format(time.RFC3339),
			Reason:       "revert",
			Actor:        actor,
			ChangeSource: model.ChangeSourceManual,
			Metadata:     meta,
		}); err != nil {
			return err
		}
		out, err = tx.GetChange(ctx, id)
		return err
	})
	if err != nil {
		return nil, eris.Wrap(err, "changes: revert")
	}
	e.log.Info("change reverted", zap.Int64("change_id", id), zap.String("actor", actor))
	return out, nil
}

// ReleaseCycle frees the in-flight keys of changes auto-applied in cycleID.
func (e *Engine) ReleaseCycle(ctx context.Context, cycleID string) (int64, error) {
	n, err := e.st.ReleaseInflight(ctx, cycleID, time.Time{})
	return n, eris.Wrap(err, "changes: release cycle")
}

// ReleaseStale frees keys of applied changes older than cutoff, left behind
// by cycles that did not finish.
func (e *Engine) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := e.st.ReleaseInflight(ctx, "", cutoff)
	return n, eris.Wrap(err, "changes: release stale")
}

func (e *Engine) Get(ctx context.Context, id int64) (*model.Change, error) {
	return e.st.GetChange(ctx, id)
}

func (e *Engine) List(ctx context.Context, filter store.ChangeFilter) ([]model.Change, error) {
	return e.st.ListChanges(ctx, filter)
}

// transition performs a compare-and-swap from c.Status and records it.
func (e *Engine) transition(ctx context.Context, c *model.Change, to model.ChangeStatus, upd store.ChangeUpdate, actor, notes string) error {
	from := c.Status
	if !from.CanTransition(to) {
		return eris.Wrapf(model.ErrInvalidTransition, "change %d: %s -> %s", c.ID, from, to)
	}
	ok, err := e.st.TransitionChange(ctx, c.ID, from, upd)
	if err != nil {
		return err
	}
	if !ok {
		return eris.Wrapf(model.ErrInvalidTransition, "change %d left %s concurrently", c.ID, from)
	}
	c.Status = to
	return audit.Record(ctx, e.st, &model.HistoryEntry{
		EntityType:   model.SubjectChange,
		EntityID:     c.ID,
		Field:        "status",
		OldValue:     string(from),
		NewValue:     string(to),
		Reason:       notes,
		Actor:        actor,
		ChangeSource: model.ChangeSourceManual,
	})
}

func (e *Engine) recordMatch(ctx context.Context, matchID int64, to model.MatchStatus, actor string) error {
	return audit.Record(ctx, e.st, &model.HistoryEntry{
		EntityType:   model.SubjectMatch,
		EntityID:     matchID,
		Field:        "status",
		OldValue:     string(model.MatchPending),
		NewValue:     string(to),
		Actor:        actor,
		ChangeSource: model.ChangeSourceManual,
	})
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
