package store

import (
	"fmt"
	"strings"

	"github.com/sells-group/entity-collector/internal/model"
)

// dialectTypes maps logical column types to dialect DDL.
type dialectTypes struct {
	id        string
	timestamp string
	float     string
	boolean   string
	json      string
}

var (
	pgTypes = dialectTypes{
		id:        "BIGSERIAL PRIMARY KEY",
		timestamp: "TIMESTAMPTZ",
		float:     "DOUBLE PRECISION",
		boolean:   "BOOLEAN",
		json:      "JSONB",
	}
	sqliteTypes = dialectTypes{
		id:        "INTEGER PRIMARY KEY AUTOINCREMENT",
		timestamp: "DATETIME",
		float:     "REAL",
		boolean:   "BOOLEAN",
		json:      "TEXT",
	}
)

func coreTables(t dialectTypes) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sources (
	id                 ` + t.id + `,
	name               TEXT NOT NULL UNIQUE,
	base_url           TEXT NOT NULL DEFAULT '',
	source_type        TEXT NOT NULL,
	entity_types       TEXT NOT NULL DEFAULT '',
	reliability_score  ` + t.float + ` NOT NULL CHECK (reliability_score >= 0 AND reliability_score <= 1),
	access_day         TEXT NOT NULL DEFAULT '',
	access_count_today INTEGER NOT NULL DEFAULT 0,
	rate_limit_per_day INTEGER NOT NULL DEFAULT 0,
	success_count      BIGINT NOT NULL DEFAULT 0,
	failure_count      BIGINT NOT NULL DEFAULT 0,
	active             ` + t.boolean + ` NOT NULL DEFAULT TRUE,
	blocked_until      ` + t.timestamp + `,
	last_accessed_at   ` + t.timestamp + `,
	created_at         ` + t.timestamp + ` NOT NULL,
	updated_at         ` + t.timestamp + ` NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS jobs (
	id                 ` + t.id + `,
	entity_type        TEXT NOT NULL,
	job_type           TEXT NOT NULL,
	source_id          BIGINT NOT NULL REFERENCES sources(id),
	target_entity_id   BIGINT,
	parent_entity_type TEXT NOT NULL DEFAULT '',
	parent_entity_id   BIGINT,
	status             TEXT NOT NULL DEFAULT 'pending',
	priority           INTEGER NOT NULL DEFAULT 0,
	search_params      TEXT NOT NULL DEFAULT '',
	items_found        INTEGER NOT NULL DEFAULT 0,
	changes_detected   INTEGER NOT NULL DEFAULT 0,
	new_entities_found INTEGER NOT NULL DEFAULT 0,
	error              TEXT NOT NULL DEFAULT '',
	claimed_by         TEXT NOT NULL DEFAULT '',
	retry_of           BIGINT REFERENCES jobs(id),
	created_at         ` + t.timestamp + ` NOT NULL,
	started_at         ` + t.timestamp + `,
	completed_at       ` + t.timestamp + `
)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_admission ON jobs(status, priority DESC, created_at, id)`,
		`CREATE TABLE IF NOT EXISTS entity_matches (
	id                ` + t.id + `,
	job_id            BIGINT REFERENCES jobs(id),
	source_id         BIGINT REFERENCES sources(id),
	entity_type       TEXT NOT NULL,
	discovered_name   TEXT NOT NULL,
	discovered_city   TEXT NOT NULL DEFAULT '',
	discovered_state  TEXT NOT NULL DEFAULT '',
	raw_data          ` + t.json + ` NOT NULL,
	matched_entity_id BIGINT,
	confidence        ` + t.float + ` NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	status            TEXT NOT NULL DEFAULT 'pending',
	method            TEXT NOT NULL DEFAULT '',
	reviewed_by       TEXT,
	reviewed_at       ` + t.timestamp + `,
	created_at        ` + t.timestamp + ` NOT NULL,
	CHECK (confidence < 1 OR method IN ('canonical_identifier', 'website_match'))
)`,
		`CREATE INDEX IF NOT EXISTS idx_entity_matches_status ON entity_matches(status, entity_type)`,
		`CREATE TABLE IF NOT EXISTS changes (
	id                ` + t.id + `,
	entity_type       TEXT NOT NULL,
	entity_id         BIGINT,
	field_name        TEXT NOT NULL,
	old_value         TEXT NOT NULL DEFAULT '',
	new_value         TEXT NOT NULL DEFAULT '',
	proposed_record   ` + t.json + `,
	change_type       TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	confidence        ` + t.float + ` NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	source_id         BIGINT REFERENCES sources(id),
	source_url        TEXT NOT NULL DEFAULT '',
	job_id            BIGINT REFERENCES jobs(id),
	match_id          BIGINT REFERENCES entity_matches(id),
	auto_applied      ` + t.boolean + ` NOT NULL DEFAULT FALSE,
	auto_apply_reason TEXT,
	reviewed_by       TEXT,
	reviewed_at       ` + t.timestamp + `,
	review_notes      TEXT,
	applied_at        ` + t.timestamp + `,
	reverted_at       ` + t.timestamp + `,
	reverted_by       TEXT,
	cycle_id          TEXT NOT NULL DEFAULT '',
	inflight_key      TEXT UNIQUE,
	created_at        ` + t.timestamp + ` NOT NULL,
	CHECK ((status = 'applied') = (applied_at IS NOT NULL)),
	CHECK (NOT auto_applied OR (status IN ('approved', 'applied') AND auto_apply_reason IS NOT NULL)),
	CHECK (reverted_at IS NULL OR status = 'applied')
)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_status ON changes(status, entity_type)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_entity ON changes(entity_type, entity_id, field_name)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_cycle ON changes(cycle_id)`,
		`CREATE TABLE IF NOT EXISTS status_history (
	id            ` + t.id + `,
	entity_type   TEXT NOT NULL,
	entity_id     BIGINT NOT NULL,
	field         TEXT NOT NULL,
	old_value     TEXT NOT NULL DEFAULT '',
	new_value     TEXT NOT NULL DEFAULT '',
	reason        TEXT NOT NULL DEFAULT '',
	actor         TEXT NOT NULL,
	change_source TEXT NOT NULL CHECK (change_source IN ('manual', 'auto', 'collection')),
	metadata      ` + t.json + `,
	created_at    ` + t.timestamp + ` NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_status_history_subject ON status_history(entity_type, entity_id)`,
	}
}

// canonicalTables builds one table per entity type from the field registry.
// ident_key holds the normalized identifier used for exact-key matching.
func canonicalTables(t dialectTypes) []string {
	var stmts []string
	for _, et := range model.EntityTypes {
		schema, _ := et.Schema()
		var cols []string
		cols = append(cols, "id "+t.id, "ident_key TEXT")
		for _, f := range schema.Fields {
			cols = append(cols, f+" TEXT")
		}
		cols = append(cols,
			"created_at "+t.timestamp+" NOT NULL",
			"updated_at "+t.timestamp+" NOT NULL",
		)
		stmts = append(stmts,
			fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", schema.Table, strings.Join(cols, ",\n\t")),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_ident_key ON %s(ident_key)", schema.Table, schema.Table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_name ON %s(LOWER(name))", schema.Table, schema.Table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_state ON %s(LOWER(state))", schema.Table, schema.Table),
		)
	}
	return stmts
}

func postgresMigration() []string {
	stmts := append(canonicalTables(pgTypes), coreTables(pgTypes)...)
	return append(stmts,
		`CREATE OR REPLACE FUNCTION status_history_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'status_history is append-only';
END;
$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS status_history_immutable ON status_history`,
		`CREATE TRIGGER status_history_immutable BEFORE UPDATE OR DELETE ON status_history
	FOR EACH ROW EXECUTE FUNCTION status_history_append_only()`,
	)
}

func sqliteMigration() []string {
	stmts := append(canonicalTables(sqliteTypes), coreTables(sqliteTypes)...)
	return append(stmts,
		`CREATE TRIGGER IF NOT EXISTS status_history_no_update BEFORE UPDATE ON status_history
BEGIN
	SELECT RAISE(ABORT, 'status_history is append-only');
END`,
		`CREATE TRIGGER IF NOT EXISTS status_history_no_delete BEFORE DELETE ON status_history
BEGIN
	SELECT RAISE(ABORT, 'status_history is append-only');
END`,
	)
}
