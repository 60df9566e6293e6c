// Package audit writes and reads the append-only status history ledger.
package audit

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-collector/internal/model"
	"github.com/sells-group/entity-collector/internal/store"
)

// Appender is the write side of the ledger. Passing a transaction-bound
// store makes the row part of the caller's transaction.
type Appender interface {
	AppendHistory(ctx context.Context, e *model.HistoryEntry) error
}

// Reader is the read side of the ledger.
type Reader interface {
	ListHistory(ctx context.Context, filter store.HistoryFilter) ([]model.HistoryEntry, error)
}

// Record validates e and appends it. An empty actor is recorded as the
// system actor; manual entries must name a person.
func Record(ctx context.Context, w Appender, e *model.HistoryEntry) error {
	if e.EntityType == "" {
		return model.Invalidf("history entry without subject type")
	}
	if e.Field == "" {
		return model.Invalidf("history entry for %s %d without field", e.EntityType, e.EntityID)
	}
	if !e.ChangeSource.Valid() {
		return model.Invalidf("unknown change source %q", e.ChangeSource)
	}
	if e.Actor == "" {
		if e.ChangeSource == model.ChangeSourceManual {
			return model.Invalidf("manual %s change requires an actor", e.EntityType)
		}
		e.Actor = model.SystemActor
	}
	return eris.Wrap(w.AppendHistory(ctx, e), "audit: record")
}

// Transition records a status change made by the pipeline.
func Transition(ctx context.Context, w Appender, subject string, id int64, oldStatus, newStatus, reason string, meta map[string]any) error {
	return transition(ctx, w, model.ChangeSourceCollection, subject, id, oldStatus, newStatus, reason, meta)
}

// AutoTransition records a status change the system decided on its own,
// such as an auto-applied change or an auto-confirmed match.
func AutoTransition(ctx context.Context, w Appender, subject string, id int64, oldStatus, newStatus, reason string, meta map[string]any) error {
	return transition(ctx, w, model.ChangeSourceAuto, subject, id, oldStatus, newStatus, reason, meta)
}

func transition(ctx context.Context, w Appender, src model.ChangeSource, subject string, id int64, oldStatus, newStatus, reason string, meta map[string]any) error {
	return Record(ctx, w, &model.HistoryEntry{
		EntityType:   subject,
		EntityID:     id,
		Field:        "status",
		OldValue:     oldStatus,
		NewValue:     newStatus,
		Reason:       reason,
		Actor:        model.SystemActor,
		ChangeSource: src,
		Metadata:     meta,
	})
}

// Trail returns ledger rows matching filter, oldest first.
func Trail(ctx context.Context, r Reader, filter store.HistoryFilter) ([]model.HistoryEntry, error) {
	if filter.ChangeSource != "" && !filter.ChangeSource.Valid() {
		return nil, model.Invalidf("unknown change source %q", filter.ChangeSource)
	}
	rows, err := r.ListHistory(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "audit: trail")
	}
	return rows, nil
}
