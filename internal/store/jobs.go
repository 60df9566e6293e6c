package store

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-collector/internal/db"
	"github.com/sells-group/entity-collector/internal/model"
)

const jobColumns = `id, entity_type, job_type, source_id, target_entity_id, parent_entity_type,
	parent_entity_id, status, priority, search_params, items_found, changes_detected,
	new_entities_found, error, claimed_by, retry_of, created_at, started_at, completed_at`

func (s *SQLStore) InsertJob(ctx context.Context, j *model.Job) error {
	now := s.now()
	if j.Status == "" {
		j.Status = model.JobPending
	}
	err := s.q.QueryRow(ctx,
		`INSERT INTO jobs (entity_type, job_type, source_id, target_entity_id, parent_entity_type,
			parent_entity_id, status, priority, search_params, retry_of, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id`,
		string(j.EntityType), string(j.JobType), j.SourceID, j.TargetEntityID, string(j.ParentEntityType),
		j.ParentEntityID, string(j.Status), j.Priority, j.SearchParams, j.RetryOf, now,
	).Scan(&j.ID)
	if err != nil {
		return eris.Wrap(err, "store: insert job")
	}
	j.CreatedAt = now
	return nil
}

func (s *SQLStore) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	row := s.q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if db.IsNoRows(err) {
		return nil, notFound("job", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: get job")
	}
	return j, nil
}

func (s *SQLStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	var w where
	if filter.Status != "" {
		w.add("status = ?", string(filter.Status))
	}
	if filter.EntityType != "" {
		w.add("entity_type = ?", string(filter.EntityType))
	}
	if filter.SourceID > 0 {
		w.add("source_id = ?", filter.SourceID)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs` + w.String() + ` ORDER BY id DESC` + w.limit(filter.Limit, 100)
	return s.queryJobs(ctx, query, w.args...)
}

// ListPendingJobs returns pending jobs in admission order, skipping jobs on
// the excluded sources.
func (s *SQLStore) ListPendingJobs(ctx context.Context, limit int, excludeSources ...int64) ([]model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	args := []any{string(model.JobPending)}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1`
	if len(excludeSources) > 0 {
		marks := make([]string, len(excludeSources))
		for i, id := range excludeSources {
			args = append(args, id)
			marks[i] = "$" + strconv.Itoa(len(args))
		}
		query += ` AND source_id NOT IN (` + strings.Join(marks, ", ") + `)`
	}
	args = append(args, limit)
	query += ` ORDER BY priority DESC, created_at ASC, id ASC LIMIT $` + strconv.Itoa(len(args))
	return s.queryJobs(ctx, query, args...)
}

// ClaimJob moves a job from pending to running. It reports false when
// another executor claimed the job first.
func (s *SQLStore) ClaimJob(ctx context.Context, id int64, claimedBy string) (bool, error) {
	n, err := s.q.Exec(ctx,
		`UPDATE jobs SET status = $1, started_at = $2, claimed_by = $3
		 WHERE id = $4 AND status = $5`,
		string(model.JobRunning), s.now(), claimedBy, id, string(model.JobPending),
	)
	if err != nil {
		return false, eris.Wrap(err, "store: claim job")
	}
	return n == 1, nil
}

// FinishJob moves a running job to a terminal status. It reports false when
// the job was not running.
func (s *SQLStore) FinishJob(ctx context.Context, id int64, status model.JobStatus, c model.JobCounters, errMsg string) (bool, error) {
	if !status.Terminal() {
		return false, eris.Wrapf(model.ErrInvalidTransition, "finish job %d with status %s", id, status)
	}
	n, err := s.q.Exec(ctx,
		`UPDATE jobs SET status = $1, items_found = $2, changes_detected = $3,
			new_entities_found = $4, error = $5, completed_at = $6
		 WHERE id = $7 AND status = $8`,
		string(status), c.ItemsFound, c.ChangesDetected, c.NewEntitiesFound, errMsg, s.now(),
		id, string(model.JobRunning),
	)
	if err != nil {
		return false, eris.Wrap(err, "store: finish job")
	}
	return n == 1, nil
}

func (s *SQLStore) ListRunningJobsStartedBefore(ctx context.Context, cutoff time.Time) ([]model.Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 AND started_at < $2 ORDER BY id`,
		string(model.JobRunning), cutoff.UTC(),
	)
}

// OpenJobExists reports whether a pending or running job matches key.
func (s *SQLStore) OpenJobExists(ctx context.Context, key JobKey) (bool, error) {
	var n int
	err := s.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs
		 WHERE status IN ($1, $2) AND entity_type = $3 AND job_type = $4 AND source_id = $5
		   AND parent_entity_type = $6 AND parent_entity_id = $7 AND search_params = $8`,
		string(model.JobPending), string(model.JobRunning), string(key.EntityType), string(key.JobType),
		key.SourceID, string(key.ParentEntityType), key.ParentEntityID, key.SearchParams,
	).Scan(&n)
	if err != nil {
		return false, eris.Wrap(err, "store: open job exists")
	}
	return n > 0, nil
}

func (s *SQLStore) CountJobsByStatus(ctx context.Context) (map[model.JobStatus]int, error) {
	counts, err := s.countBy(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "store: count jobs")
	}
	out := make(map[model.JobStatus]int, len(counts))
	for k, v := range counts {
		out[model.JobStatus(k)] = v
	}
	return out, nil
}

func (s *SQLStore) queryJobs(ctx context.Context, query string, args ...any) ([]model.Job, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: query jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "store: iterate jobs")
}

func (s *SQLStore) countBy(ctx context.Context, query string, args ...any) (map[string]int, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}

func scanJob(row scannable) (*model.Job, error) {
	var (
		j                                   model.Job
		entityType, jobType, parentType, st string
	)
	err := row.Scan(
		&j.ID, &entityType, &jobType, &j.SourceID, &j.TargetEntityID, &parentType,
		&j.ParentEntityID, &st, &j.Priority, &j.SearchParams, &j.ItemsFound, &j.ChangesDetected,
		&j.NewEntitiesFound, &j.Error, &j.ClaimedBy, &j.RetryOf, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	j.EntityType = model.EntityType(entityType)
	j.JobType = model.JobType(jobType)
	j.ParentEntityType = model.EntityType(parentType)
	j.Status = model.JobStatus(st)
	return &j, nil
}
