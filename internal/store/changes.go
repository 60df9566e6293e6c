package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-collector/internal/db"
	"github.com/sells-group/entity-collector/internal/model"
)

const changeColumns = `id, entity_type, entity_id, field_name, old_value, new_value, proposed_record,
	change_type, status, confidence, source_id, source_url, job_id, match_id, auto_applied,
	auto_apply_reason, reviewed_by, reviewed_at, review_notes, applied_at, reverted_at, reverted_by,
	cycle_id, inflight_key, created_at`

// InsertChange records a change. When c carries an in-flight key already
// held by another change, nothing is written and false is returned.
func (s *SQLStore) InsertChange(ctx context.Context, c *model.Change) (bool, error) {
	var proposed *string
	if len(c.ProposedRecord) > 0 {
		b, err := json.Marshal(c.ProposedRecord)
		if err != nil {
			return false, eris.Wrap(err, "store: marshal proposed record")
		}
		p := string(b)
		proposed = &p
	}
	if c.Status == "" {
		c.Status = model.ChangePending
	}
	now := s.now()

	query := `INSERT INTO changes (entity_type, entity_id, field_name, old_value, new_value,
			proposed_record, change_type, status, confidence, source_id, source_url, job_id, match_id,
			auto_applied, auto_apply_reason, reviewed_by, reviewed_at, applied_at, cycle_id,
			inflight_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21)`
	if c.InflightKey != nil {
		query += ` ON CONFLICT (inflight_key) DO NOTHING`
	}
	query += ` RETURNING id`

	err := s.q.QueryRow(ctx, query,
		string(c.EntityType), c.EntityID, c.FieldName, c.OldValue, c.NewValue,
		proposed, string(c.ChangeType), string(c.Status), c.Confidence, c.SourceID, c.SourceURL, c.JobID, c.MatchID,
		c.AutoApplied, c.AutoApplyReason, c.ReviewedBy, c.ReviewedAt, c.AppliedAt, c.CycleID,
		c.InflightKey, now,
	).Scan(&c.ID)
	if db.IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "store: insert change")
	}
	c.CreatedAt = now
	return true, nil
}

func (s *SQLStore) GetChange(ctx context.Context, id int64) (*model.Change, error) {
	row := s.q.QueryRow(ctx, `SELECT `+changeColumns+` FROM changes WHERE id = $1`, id)
	c, err := scanChange(row)
	if db.IsNoRows(err) {
		return nil, notFound("change", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: get change")
	}
	return c, nil
}

// GetInflightChange returns the change currently holding key.
func (s *SQLStore) GetInflightChange(ctx context.Context, key string) (*model.Change, error) {
	row := s.q.QueryRow(ctx, `SELECT `+changeColumns+` FROM changes WHERE inflight_key = $1`, key)
	c, err := scanChange(row)
	if db.IsNoRows(err) {
		return nil, notFound("in-flight change", key)
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: get in-flight change")
	}
	return c, nil
}

func (s *SQLStore) ListChanges(ctx context.Context, filter ChangeFilter) ([]model.Change, error) {
	var w where
	if filter.Status != "" {
		w.add("status = ?", string(filter.Status))
	}
	if filter.EntityType != "" {
		w.add("entity_type = ?", string(filter.EntityType))
	}
	if filter.EntityID > 0 {
		w.add("entity_id = ?", filter.EntityID)
	}
	if filter.FieldName != "" {
		w.add("field_name = ?", filter.FieldName)
	}
	if filter.SourceID > 0 {
		w.add("source_id = ?", filter.SourceID)
	}
	if filter.JobID > 0 {
		w.add("job_id = ?", filter.JobID)
	}
	if filter.MatchID > 0 {
		w.add("match_id = ?", filter.MatchID)
	}
	query := `SELECT ` + changeColumns + ` FROM changes` + w.String() + ` ORDER BY id` + w.limit(filter.Limit, 100)

	rows, err := s.q.Query(ctx, query, w.args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list changes")
	}
	defer rows.Close()

	var out []model.Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan change")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate changes")
}

// TransitionChange moves a change out of from as a compare-and-swap. It
// reports false when the change was no longer in from.
func (s *SQLStore) TransitionChange(ctx context.Context, id int64, from model.ChangeStatus, upd ChangeUpdate) (bool, error) {
	if !from.CanTransition(upd.Status) {
		return false, eris.Wrapf(model.ErrInvalidTransition, "change %d: %s -> %s", id, from, upd.Status)
	}
	now := s.now()
	sets := []string{"status = $1"}
	args := []any{string(upd.Status)}
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.EntityID != nil {
		set("entity_id", *upd.EntityID)
	}
	if upd.ReviewedBy != nil {
		set("reviewed_by", *upd.ReviewedBy)
		set("reviewed_at", now)
	}
	if upd.ReviewNotes != nil {
		set("review_notes", *upd.ReviewNotes)
	}
	if upd.SetApplied {
		set("applied_at", now)
	}
	if upd.ReleaseInflight {
		sets = append(sets, "inflight_key = NULL")
	}
	args = append(args, id, string(from))
	query := fmt.Sprintf("UPDATE changes SET %s WHERE id = $%d AND status = $%d",
		strings.Join(sets, ", "), len(args)-1, len(args))

	n, err := s.q.Exec(ctx, query, args...)
	if err != nil {
		return false, eris.Wrap(err, "store: transition change")
	}
	return n == 1, nil
}

// MarkChangeReverted stamps an applied change as reverted and frees its
// field. It reports false when the change is not applied or already
// reverted.
func (s *SQLStore) MarkChangeReverted(ctx context.Context, id int64, by string) (bool, error) {
	n, err := s.q.Exec(ctx,
		`UPDATE changes SET reverted_at = $1, reverted_by = $2, inflight_key = NULL
		 WHERE id = $3 AND status = $4 AND reverted_at IS NULL`,
		s.now(), by, id, string(model.ChangeApplied),
	)
	if err != nil {
		return false, eris.Wrap(err, "store: mark change reverted")
	}
	return n == 1, nil
}

// ReleaseInflight frees the in-flight keys of applied changes written by
// cycleID, and of any applied change older than appliedBefore. Either
// criterion is skipped when zero.
func (s *SQLStore) ReleaseInflight(ctx context.Context, cycleID string, appliedBefore time.Time) (int64, error) {
	var (
		ors  []string
		args = []any{string(model.ChangeApplied)}
	)
	if cycleID != "" {
		args = append(args, cycleID)
		ors = append(ors, fmt.Sprintf("cycle_id = $%d", len(args)))
	}
	if !appliedBefore.IsZero() {
		args = append(args, appliedBefore.UTC())
		ors = append(ors, fmt.Sprintf("applied_at < $%d", len(args)))
	}
	if len(ors) == 0 {
		return 0, nil
	}
	n, err := s.q.Exec(ctx,
		`UPDATE changes SET inflight_key = NULL
		 WHERE inflight_key IS NOT NULL AND status = $1 AND (`+strings.Join(ors, " OR ")+`)`,
		args...,
	)
	if err != nil {
		return 0, eris.Wrap(err, "store: release in-flight keys")
	}
	return n, nil
}

func (s *SQLStore) CountChangesByStatus(ctx context.Context) (map[model.ChangeStatus]int, error) {
	counts, err := s.countBy(ctx, `SELECT status, COUNT(*) FROM changes GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "store: count changes")
	}
	out := make(map[model.ChangeStatus]int, len(counts))
	for k, v := range counts {
		out[model.ChangeStatus(k)] = v
	}
	return out, nil
}

func scanChange(row scannable) (*model.Change, error) {
	var (
		c                              model.Change
		entityType, changeType, status string
		proposed                       *string
	)
	err := row.Scan(
		&c.ID, &entityType, &c.EntityID, &c.FieldName, &c.OldValue, &c.NewValue, &proposed,
		&changeType, &status, &c.Confidence, &c.SourceID, &c.SourceURL, &c.JobID, &c.MatchID, &c.AutoApplied,
		&c.AutoApplyReason, &c.ReviewedBy, &c.ReviewedAt, &c.ReviewNotes, &c.AppliedAt, &c.RevertedAt, &c.RevertedBy,
		&c.CycleID, &c.InflightKey, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if proposed != nil && *proposed != "" {
		if err := json.Unmarshal([]byte(*proposed), &c.ProposedRecord); err != nil {
			return nil, eris.Wrap(err, "unmarshal proposed record")
		}
	}
	c.EntityType = model.EntityType(entityType)
	c.ChangeType = model.ChangeType(changeType)
	c.Status = model.ChangeStatus(status)
	return &c, nil
}
