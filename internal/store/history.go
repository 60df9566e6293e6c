package store

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-collector/internal/model"
)

const historyColumns = `id, entity_type, entity_id, field, old_value, new_value, reason, actor,
	change_source, metadata, created_at`

// AppendHistory writes one ledger row. Rows are never updated or deleted;
// the schema enforces this with triggers.
func (s *SQLStore) AppendHistory(ctx context.Context, e *model.HistoryEntry) error {
	if !e.ChangeSource.Valid() {
		return model.Invalidf("unknown change source %q", e.ChangeSource)
	}
	var meta *string
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return eris.Wrap(err, "store: marshal history metadata")
		}
		m := string(b)
		meta = &m
	}
	now := s.now()
	err := s.q.QueryRow(ctx,
		`INSERT INTO status_history (entity_type, entity_id, field, old_value, new_value, reason,
			actor, change_source, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		e.EntityType, e.EntityID, e.Field, e.OldValue, e.NewValue, e.Reason,
		e.Actor, string(e.ChangeSource), meta, now,
	).Scan(&e.ID)
	if err != nil {
		return eris.Wrap(err, "store: append history")
	}
	e.CreatedAt = now
	return nil
}

// ListHistory returns ledger rows oldest first.
func (s *SQLStore) ListHistory(ctx context.Context, filter HistoryFilter) ([]model.HistoryEntry, error) {
	var w where
	if filter.EntityType != "" {
		w.add("entity_type = ?", filter.EntityType)
	}
	if filter.EntityID > 0 {
		w.add("entity_id = ?", filter.EntityID)
	}
	if filter.Field != "" {
		w.add("field = ?", filter.Field)
	}
	if filter.ChangeSource != "" {
		w.add("change_source = ?", string(filter.ChangeSource))
	}
	query := `SELECT ` + historyColumns + ` FROM status_history` + w.String() + ` ORDER BY id` + w.limit(filter.Limit, 500)

	rows, err := s.q.Query(ctx, query, w.args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list history")
	}
	defer rows.Close()

	var out []model.HistoryEntry
	for rows.Next() {
		var (
			e      model.HistoryEntry
			source string
			meta   *string
		)
		if err := rows.Scan(
			&e.ID, &e.EntityType, &e.EntityID, &e.Field, &e.OldValue, &e.NewValue, &e.Reason, &e.Actor,
			&source, &meta, &e.CreatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "store: scan history")
		}
		if meta != nil && *meta != "" {
			if err := json.Unmarshal([]byte(*meta), &e.Metadata); err != nil {
				return nil, eris.Wrap(err, "store: unmarshal history metadata")
			}
		}
		e.ChangeSource = model.ChangeSource(source)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate history")
}
