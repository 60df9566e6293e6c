package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/entity-collector/internal/db"
	"github.com/sells-group/entity-collector/internal/model"
)

// Store defines the persistence interface for the collection pipeline. The
// value passed to WithTx's callback is itself a Store bound to the open
// transaction; calling WithTx on it again reuses that transaction.
type Store interface {
	// Jobs
	InsertJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id int64) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	ListPendingJobs(ctx context.Context, limit int, excludeSources ...int64) ([]model.Job, error)
	ClaimJob(ctx context.Context, id int64, claimedBy string) (bool, error)
	FinishJob(ctx context.Context, id int64, status model.JobStatus, counters model.JobCounters, errMsg string) (bool, error)
	ListRunningJobsStartedBefore(ctx context.Context, cutoff time.Time) ([]model.Job, error)
	OpenJobExists(ctx context.Context, key JobKey) (bool, error)
	CountJobsByStatus(ctx context.Context) (map[model.JobStatus]int, error)

	// Sources
	InsertSource(ctx context.Context, s *model.Source) error
	GetSource(ctx context.Context, id int64) (*model.Source, error)
	GetSourceByName(ctx context.Context, name string) (*model.Source, error)
	ListSources(ctx context.Context, activeOnly bool) ([]model.Source, error)
	RecordSourceAccess(ctx context.Context, id int64, day string, success bool, weight float64) (*model.Source, error)
	BlendSourceReliability(ctx context.Context, id int64, observed, weight float64) (*model.Source, error)
	SetSourceBlockedUntil(ctx context.Context, id int64, until *time.Time) error
	SetSourceActive(ctx context.Context, id int64, active bool) error
	SourceChangeOutcomes(ctx context.Context, id int64, since time.Time) (accepted, rejected int, err error)

	// Canonical entities
	InsertEntity(ctx context.Context, e *model.Entity) error
	GetEntity(ctx context.Context, et model.EntityType, id int64) (*model.Entity, error)
	FindEntityByIdentifier(ctx context.Context, et model.EntityType, key string) (*model.Entity, error)
	FindEntitiesByNameLocation(ctx context.Context, et model.EntityType, name, city, state string) ([]model.Entity, error)
	ListMatchCandidates(ctx context.Context, et model.EntityType, state string, limit int) ([]model.Entity, error)
	SetEntityField(ctx context.Context, et model.EntityType, id int64, field, value string) error

	// Entity matches
	InsertMatch(ctx context.Context, m *model.EntityMatch) error
	GetMatch(ctx context.Context, id int64) (*model.EntityMatch, error)
	ListMatches(ctx context.Context, filter MatchFilter) ([]model.EntityMatch, error)
	ResolveMatch(ctx context.Context, id int64, from model.MatchStatus, upd MatchUpdate) (bool, error)
	CountMatchesByStatus(ctx context.Context) (map[model.MatchStatus]int, error)

	// Changes
	InsertChange(ctx context.Context, c *model.Change) (bool, error)
	GetChange(ctx context.Context, id int64) (*model.Change, error)
	GetInflightChange(ctx context.Context, key string) (*model.Change, error)
	ListChanges(ctx context.Context, filter ChangeFilter) ([]model.Change, error)
	TransitionChange(ctx context.Context, id int64, from model.ChangeStatus, upd ChangeUpdate) (bool, error)
	MarkChangeReverted(ctx context.Context, id int64, by string) (bool, error)
	ReleaseInflight(ctx context.Context, cycleID string, appliedBefore time.Time) (int64, error)
	CountChangesByStatus(ctx context.Context) (map[model.ChangeStatus]int, error)

	// History
	AppendHistory(ctx context.Context, e *model.HistoryEntry) error
	ListHistory(ctx context.Context, filter HistoryFilter) ([]model.HistoryEntry, error)

	// Lifecycle
	WithTx(ctx context.Context, fn func(tx Store) error) error
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status     model.JobStatus  `json:"status,omitempty"`
	EntityType model.EntityType `json:"entity_type,omitempty"`
	SourceID   int64            `json:"source_id,omitempty"`
	Limit      int              `json:"limit,omitempty"`
}

// JobKey identifies an open job for child de-duplication.
type JobKey struct {
	EntityType       model.EntityType
	JobType          model.JobType
	SourceID         int64
	ParentEntityType model.EntityType
	ParentEntityID   int64
	SearchParams     string
}

// MatchFilter specifies criteria for listing entity matches.
type MatchFilter struct {
	Status     model.MatchStatus `json:"status,omitempty"`
	EntityType model.EntityType  `json:"entity_type,omitempty"`
	JobID      int64             `json:"job_id,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

// MatchUpdate carries the fields written when a match is resolved.
type MatchUpdate struct {
	Status          model.MatchStatus
	MatchedEntityID *int64
	Method          model.MatchMethod
	ReviewedBy      string
}

// ChangeFilter specifies criteria for listing changes.
type ChangeFilter struct {
	Status     model.ChangeStatus `json:"status,omitempty"`
	EntityType model.EntityType   `json:"entity_type,omitempty"`
	EntityID   int64              `json:"entity_id,omitempty"`
	FieldName  string             `json:"field_name,omitempty"`
	SourceID   int64              `json:"source_id,omitempty"`
	JobID      int64              `json:"job_id,omitempty"`
	MatchID    int64              `json:"match_id,omitempty"`
	Limit      int                `json:"limit,omitempty"`
}

// ChangeUpdate carries the fields written by a change status transition.
// Nil pointers leave the column untouched.
type ChangeUpdate struct {
	Status          model.ChangeStatus
	EntityID        *int64
	ReviewedBy      *string
	ReviewNotes     *string
	SetApplied      bool
	ReleaseInflight bool
}

// HistoryFilter specifies criteria for reading the ledger.
type HistoryFilter struct {
	EntityType   string             `json:"entity_type,omitempty"`
	EntityID     int64              `json:"entity_id,omitempty"`
	Field        string             `json:"field,omitempty"`
	ChangeSource model.ChangeSource `json:"change_source,omitempty"`
	Limit        int                `json:"limit,omitempty"`
}

// SQLStore implements Store on Postgres (pgx) or SQLite (modernc). All SQL is
// written once with $N placeholders.
type SQLStore struct {
	conn db.Conn
	q    db.Querier
	inTx bool
	now  func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// New wraps an existing connection.
func New(conn db.Conn) *SQLStore {
	return &SQLStore{
		conn: conn,
		q:    conn,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// NewPostgres creates a Postgres-backed store with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*SQLStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return New(db.FromPool(pool)), nil
}

// NewSQLite opens a SQLite database at dsn in WAL mode. The handle is
// limited to one connection so write transactions serialize instead of
// failing with SQLITE_BUSY.
func NewSQLite(dsn string) (*SQLStore, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	sqlDB.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return New(db.FromSQL(sqlDB)), nil
}

// SetClock overrides the timestamp source. Intended for tests.
func (s *SQLStore) SetClock(now func() time.Time) {
	s.now = func() time.Time { return now().UTC() }
}

// WithTx runs fn in a transaction. Nested calls join the outer transaction.
func (s *SQLStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return db.WithTx(ctx, s.conn, func(q db.Querier) error {
		return fn(&SQLStore{conn: s.conn, q: q, inTx: true, now: s.now})
	})
}

// Migrate creates the schema if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	var stmts []string
	if s.conn.Dialect() == db.SQLite {
		stmts = sqliteMigration()
	} else {
		stmts = postgresMigration()
	}
	for _, stmt := range stmts {
		if _, err := s.q.Exec(ctx, stmt); err != nil {
			return eris.Wrapf(err, "%s: migrate", s.conn.Dialect())
		}
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.conn.Ping(ctx), "store: ping")
}

func (s *SQLStore) Close() error {
	return s.conn.Close()
}

// scannable abstracts single-row and multi-row scanning.
type scannable interface {
	Scan(dest ...any) error
}

// where accumulates filter clauses and their positional arguments.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// limit appends a LIMIT placeholder and returns the clause.
func (w *where) limit(n, fallback int) string {
	if n <= 0 {
		n = fallback
	}
	w.args = append(w.args, n)
	return fmt.Sprintf(" LIMIT $%d", len(w.args))
}

func notFound(kind string, id any) error {
	return eris.Wrapf(model.ErrNotFound, "%s %v", kind, id)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
