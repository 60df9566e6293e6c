package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-collector/internal/db"
	"github.com/sells-group/entity-collector/internal/model"
)

const matchColumns = `id, job_id, source_id, entity_type, discovered_name, discovered_city,
	discovered_state, raw_data, matched_entity_id, confidence, status, method, reviewed_by,
	reviewed_at, created_at`

func (s *SQLStore) InsertMatch(ctx context.Context, m *model.EntityMatch) error {
	raw, err := json.Marshal(m.RawData)
	if err != nil {
		return eris.Wrap(err, "store: marshal match raw data")
	}
	if m.Status == "" {
		m.Status = model.MatchPending
	}
	now := s.now()
	err = s.q.QueryRow(ctx,
		`INSERT INTO entity_matches (job_id, source_id, entity_type, discovered_name, discovered_city,
			discovered_state, raw_data, matched_entity_id, confidence, status, method, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id`,
		m.JobID, m.SourceID, string(m.EntityType), m.DiscoveredName, m.DiscoveredCity,
		m.DiscoveredState, string(raw), m.MatchedEntityID, m.Confidence, string(m.Status),
		string(m.Method), now,
	).Scan(&m.ID)
	if err != nil {
		return eris.Wrap(err, "store: insert match")
	}
	m.CreatedAt = now
	return nil
}

func (s *SQLStore) GetMatch(ctx context.Context, id int64) (*model.EntityMatch, error) {
	row := s.q.QueryRow(ctx, `SELECT `+matchColumns+` FROM entity_matches WHERE id = $1`, id)
	m, err := scanMatch(row)
	if db.IsNoRows(err) {
		return nil, notFound("entity match", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: get match")
	}
	return m, nil
}

func (s *SQLStore) ListMatches(ctx context.Context, filter MatchFilter) ([]model.EntityMatch, error) {
	var w where
	if filter.Status != "" {
		w.add("status = ?", string(filter.Status))
	}
	if filter.EntityType != "" {
		w.add("entity_type = ?", string(filter.EntityType))
	}
	if filter.JobID > 0 {
		w.add("job_id = ?", filter.JobID)
	}
	query := `SELECT ` + matchColumns + ` FROM entity_matches` + w.String() + ` ORDER BY id` + w.limit(filter.Limit, 100)

	rows, err := s.q.Query(ctx, query, w.args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list matches")
	}
	defer rows.Close()

	var out []model.EntityMatch
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan match")
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate matches")
}

// ResolveMatch moves a match out of from. A nil MatchedEntityID or empty
// Method leaves the stored value in place. It reports false when the match
// was no longer in from.
func (s *SQLStore) ResolveMatch(ctx context.Context, id int64, from model.MatchStatus, upd MatchUpdate) (bool, error) {
	sets := []string{"status = $1"}
	args := []any{string(upd.Status)}
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.MatchedEntityID != nil {
		set("matched_entity_id", *upd.MatchedEntityID)
	}
	if upd.Method != model.MatchMethodNone {
		set("method", string(upd.Method))
	}
	if upd.ReviewedBy != "" {
		set("reviewed_by", upd.ReviewedBy)
		set("reviewed_at", s.now())
	}
	args = append(args, id, string(from))
	query := fmt.Sprintf("UPDATE entity_matches SET %s WHERE id = $%d AND status = $%d",
		strings.Join(sets, ", "), len(args)-1, len(args))

	n, err := s.q.Exec(ctx, query, args...)
	if err != nil {
		return false, eris.Wrap(err, "store: resolve match")
	}
	return n == 1, nil
}

func (s *SQLStore) CountMatchesByStatus(ctx context.Context) (map[model.MatchStatus]int, error) {
	counts, err := s.countBy(ctx, `SELECT status, COUNT(*) FROM entity_matches GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "store: count matches")
	}
	out := make(map[model.MatchStatus]int, len(counts))
	for k, v := range counts {
		out[model.MatchStatus(k)] = v
	}
	return out, nil
}

func scanMatch(row scannable) (*model.EntityMatch, error) {
	var (
		m                        model.EntityMatch
		entityType, status, meth string
		raw                      string
		reviewedBy               *string
	)
	err := row.Scan(
		&m.ID, &m.JobID, &m.SourceID, &entityType, &m.DiscoveredName, &m.DiscoveredCity,
		&m.DiscoveredState, &raw, &m.MatchedEntityID, &m.Confidence, &status, &meth, &reviewedBy,
		&m.ReviewedAt, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &m.RawData); err != nil {
			return nil, eris.Wrap(err, "unmarshal raw data")
		}
	}
	m.EntityType = model.EntityType(entityType)
	m.Status = model.MatchStatus(status)
	m.Method = model.MatchMethod(meth)
	m.ReviewedBy = derefString(reviewedBy)
	return &m, nil
}
