package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-collector/internal/db"
	"github.com/sells-group/entity-collector/internal/model"
)

const sourceColumns = `id, name, base_url, source_type, entity_types, reliability_score, access_day,
	access_count_today, rate_limit_per_day, success_count, failure_count, active, blocked_until,
	last_accessed_at, created_at, updated_at`

func (s *SQLStore) InsertSource(ctx context.Context, src *model.Source) error {
	now := s.now()
	err := s.q.QueryRow(ctx,
		`INSERT INTO sources (name, base_url, source_type, entity_types, reliability_score,
			rate_limit_per_day, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		src.Name, src.BaseURL, string(src.Type), joinEntityTypes(src.EntityTypes), src.ReliabilityScore,
		src.RateLimitPerDay, src.Active, now, now,
	).Scan(&src.ID)
	if err != nil {
		return eris.Wrap(err, "store: insert source")
	}
	src.CreatedAt = now
	src.UpdatedAt = now
	return nil
}

func (s *SQLStore) GetSource(ctx context.Context, id int64) (*model.Source, error) {
	return s.getSource(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)
}

func (s *SQLStore) GetSourceByName(ctx context.Context, name string) (*model.Source, error) {
	return s.getSource(ctx, `SELECT `+sourceColumns+` FROM sources WHERE name = $1`, name)
}

func (s *SQLStore) getSource(ctx context.Context, query string, key any) (*model.Source, error) {
	src, err := scanSource(s.q.QueryRow(ctx, query, key))
	if db.IsNoRows(err) {
		return nil, notFound("source", key)
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: get source")
	}
	return src, nil
}

func (s *SQLStore) ListSources(ctx context.Context, activeOnly bool) ([]model.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources`
	var args []any
	if activeOnly {
		query += ` WHERE active = $1`
		args = append(args, true)
	}
	query += ` ORDER BY id`

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list sources")
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan source")
		}
		out = append(out, *src)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate sources")
}

// RecordSourceAccess charges one access to day and folds the outcome into
// the reliability score as score' = (1-w)*score + w*outcome, all in a single
// statement so concurrent jobs never lose an update.
func (s *SQLStore) RecordSourceAccess(ctx context.Context, id int64, day string, success bool, weight float64) (*model.Source, error) {
	outcome, successInc, failureInc := 0.0, 0, 1
	if success {
		outcome, successInc, failureInc = 1.0, 1, 0
	}
	row := s.q.QueryRow(ctx,
		`UPDATE sources SET
			access_count_today = CASE WHEN access_day = $1 THEN access_count_today + 1 ELSE 1 END,
			access_day = $1,
			success_count = success_count + $2,
			failure_count = failure_count + $3,
			reliability_score = `+clampExpr(blendExpr(4, 5))+`,
			last_accessed_at = $6,
			updated_at = $6
		 WHERE id = $7
		 RETURNING `+sourceColumns,
		day, successInc, failureInc, weight, outcome, s.now(), id,
	)
	src, err := scanSource(row)
	if db.IsNoRows(err) {
		return nil, notFound("source", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: record source access")
	}
	return src, nil
}

// BlendSourceReliability moves the score toward an observed ratio.
func (s *SQLStore) BlendSourceReliability(ctx context.Context, id int64, observed, weight float64) (*model.Source, error) {
	row := s.q.QueryRow(ctx,
		`UPDATE sources SET
			reliability_score = `+clampExpr(blendExpr(1, 2))+`,
			updated_at = $3
		 WHERE id = $4
		 RETURNING `+sourceColumns,
		weight, observed, s.now(), id,
	)
	src, err := scanSource(row)
	if db.IsNoRows(err) {
		return nil, notFound("source", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: blend source reliability")
	}
	return src, nil
}

func (s *SQLStore) SetSourceBlockedUntil(ctx context.Context, id int64, until *time.Time) error {
	var arg *time.Time
	if until != nil {
		u := until.UTC()
		arg = &u
	}
	n, err := s.q.Exec(ctx,
		`UPDATE sources SET blocked_until = $1, updated_at = $2 WHERE id = $3`,
		arg, s.now(), id,
	)
	if err != nil {
		return eris.Wrap(err, "store: set source blocked")
	}
	if n == 0 {
		return notFound("source", id)
	}
	return nil
}

func (s *SQLStore) SetSourceActive(ctx context.Context, id int64, active bool) error {
	n, err := s.q.Exec(ctx,
		`UPDATE sources SET active = $1, updated_at = $2 WHERE id = $3`,
		active, s.now(), id,
	)
	if err != nil {
		return eris.Wrap(err, "store: set source active")
	}
	if n == 0 {
		return notFound("source", id)
	}
	return nil
}

// SourceChangeOutcomes counts field changes from the source created since
// the given time. Applied changes that stayed applied are accepted; rejected
// or reverted ones are not.
func (s *SQLStore) SourceChangeOutcomes(ctx context.Context, id int64, since time.Time) (int, int, error) {
	var accepted, rejected int
	err := s.q.QueryRow(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN status = $1 AND reverted_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = $2 OR reverted_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		 FROM changes WHERE source_id = $3 AND created_at >= $4`,
		string(model.ChangeApplied), string(model.ChangeRejected), id, since.UTC(),
	).Scan(&accepted, &rejected)
	if err != nil {
		return 0, 0, eris.Wrap(err, "store: source change outcomes")
	}
	return accepted, rejected, nil
}

// blendExpr is reliability_score moved toward $observed by $weight. The
// casts keep Postgres from inferring integer parameters.
func blendExpr(weight, observed int) string {
	w := fmt.Sprintf("CAST($%d AS DOUBLE PRECISION)", weight)
	o := fmt.Sprintf("CAST($%d AS DOUBLE PRECISION)", observed)
	return "reliability_score * (1 - " + w + ") + " + w + " * " + o
}

// clampExpr bounds a numeric SQL expression to [0,1] portably.
func clampExpr(expr string) string {
	return `CASE WHEN (` + expr + `) > 1 THEN 1 WHEN (` + expr + `) < 0 THEN 0 ELSE (` + expr + `) END`
}

func joinEntityTypes(types []model.EntityType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

func splitEntityTypes(s string) []model.EntityType {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]model.EntityType, 0, len(parts))
	for _, p := range parts {
		out = append(out, model.EntityType(p))
	}
	return out
}

func scanSource(row scannable) (*model.Source, error) {
	var (
		src                 model.Source
		sourceType, entTyps string
	)
	err := row.Scan(
		&src.ID, &src.Name, &src.BaseURL, &sourceType, &entTyps, &src.ReliabilityScore, &src.AccessDay,
		&src.AccessCountToday, &src.RateLimitPerDay, &src.SuccessCount, &src.FailureCount, &src.Active,
		&src.BlockedUntil, &src.LastAccessedAt, &src.CreatedAt, &src.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	src.Type = model.SourceType(sourceType)
	src.EntityTypes = splitEntityTypes(entTyps)
	return &src, nil
}
