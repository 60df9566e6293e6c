package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-collector/internal/db"
	"github.com/sells-group/entity-collector/internal/model"
)

func schemaFor(et model.EntityType) (model.EntitySchema, error) {
	schema, ok := et.Schema()
	if !ok {
		return model.EntitySchema{}, model.Invalidf("unknown entity type %q", et)
	}
	return schema, nil
}

// selectEntity builds a SELECT over every registry column with NULLs read
// back as "".
func selectEntity(schema model.EntitySchema) string {
	cols := make([]string, 0, len(schema.Fields)+1)
	cols = append(cols, "id")
	for _, f := range schema.Fields {
		cols = append(cols, fmt.Sprintf("COALESCE(%s, '')", f))
	}
	return "SELECT " + strings.Join(cols, ", ") + " FROM " + schema.Table
}

// InsertEntity creates a canonical record. A positive e.ID is used as the
// primary key; otherwise one is assigned.
func (s *SQLStore) InsertEntity(ctx context.Context, e *model.Entity) error {
	schema, err := schemaFor(e.Type)
	if err != nil {
		return err
	}
	for f := range e.Fields {
		if !e.Type.HasField(f) {
			return model.Invalidf("%s has no field %q", e.Type, f)
		}
	}

	var (
		cols []string
		args []any
	)
	if e.ID > 0 {
		cols = append(cols, "id")
		args = append(args, e.ID)
	}
	cols = append(cols, "ident_key")
	args = append(args, nullString(e.Type.IdentifierKey(e.Fields[schema.Identifier])))
	for _, f := range schema.Fields {
		cols = append(cols, f)
		args = append(args, nullString(e.Fields[f]))
	}
	now := s.now()
	cols = append(cols, "created_at", "updated_at")
	args = append(args, now, now)

	ph := make([]string, len(args))
	for i := range args {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		schema.Table, strings.Join(cols, ", "), strings.Join(ph, ", "))
	if err := s.q.QueryRow(ctx, query, args...).Scan(&e.ID); err != nil {
		return eris.Wrapf(err, "store: insert %s", e.Type)
	}
	return nil
}

func (s *SQLStore) GetEntity(ctx context.Context, et model.EntityType, id int64) (*model.Entity, error) {
	schema, err := schemaFor(et)
	if err != nil {
		return nil, err
	}
	row := s.q.QueryRow(ctx, selectEntity(schema)+" WHERE id = $1", id)
	e, err := scanEntity(row, et, schema)
	if db.IsNoRows(err) {
		return nil, notFound(string(et), id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: get %s", et)
	}
	return e, nil
}

// FindEntityByIdentifier returns the record whose normalized identifier
// equals key, or ErrNotFound.
func (s *SQLStore) FindEntityByIdentifier(ctx context.Context, et model.EntityType, key string) (*model.Entity, error) {
	schema, err := schemaFor(et)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, notFound(string(et), "empty identifier")
	}
	row := s.q.QueryRow(ctx, selectEntity(schema)+" WHERE ident_key = $1 ORDER BY id LIMIT 1", key)
	e, err := scanEntity(row, et, schema)
	if db.IsNoRows(err) {
		return nil, notFound(string(et), key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: find %s by identifier", et)
	}
	return e, nil
}

// FindEntitiesByNameLocation returns records whose name equals name
// case-insensitively, narrowed by city and state when given.
func (s *SQLStore) FindEntitiesByNameLocation(ctx context.Context, et model.EntityType, name, city, state string) ([]model.Entity, error) {
	schema, err := schemaFor(et)
	if err != nil {
		return nil, err
	}
	var w where
	w.add("LOWER(name) = LOWER(?)", strings.TrimSpace(name))
	if city != "" {
		w.add("LOWER(city) = LOWER(?)", strings.TrimSpace(city))
	}
	if state != "" {
		w.add("LOWER(state) = LOWER(?)", strings.TrimSpace(state))
	}
	return s.queryEntities(ctx, et, schema, selectEntity(schema)+w.String()+" ORDER BY id", w.args...)
}

// ListMatchCandidates returns up to limit records for fuzzy comparison,
// restricted to state when given.
func (s *SQLStore) ListMatchCandidates(ctx context.Context, et model.EntityType, state string, limit int) ([]model.Entity, error) {
	schema, err := schemaFor(et)
	if err != nil {
		return nil, err
	}
	var w where
	if state != "" {
		w.add("LOWER(state) = LOWER(?)", strings.TrimSpace(state))
	}
	query := selectEntity(schema) + w.String() + " ORDER BY id" + w.limit(limit, 500)
	return s.queryEntities(ctx, et, schema, query, w.args...)
}

// SetEntityField writes one canonical field. "" clears the column.
func (s *SQLStore) SetEntityField(ctx context.Context, et model.EntityType, id int64, field, value string) error {
	schema, err := schemaFor(et)
	if err != nil {
		return err
	}
	if !et.HasField(field) {
		return model.Invalidf("%s has no field %q", et, field)
	}

	query := fmt.Sprintf("UPDATE %s SET %s = $1, updated_at = $2", schema.Table, field)
	args := []any{nullString(value), s.now()}
	if field == schema.Identifier {
		query += ", ident_key = $3"
		args = append(args, nullString(et.IdentifierKey(value)))
	}
	args = append(args, id)
	query += fmt.Sprintf(" WHERE id = $%d", len(args))

	n, err := s.q.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "store: set %s.%s", et, field)
	}
	if n == 0 {
		return notFound(string(et), id)
	}
	return nil
}

func (s *SQLStore) queryEntities(ctx context.Context, et model.EntityType, schema model.EntitySchema, query string, args ...any) ([]model.Entity, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "store: query %s", schema.Table)
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows, et, schema)
		if err != nil {
			return nil, eris.Wrapf(err, "store: scan %s", et)
		}
		out = append(out, *e)
	}
	return out, eris.Wrapf(rows.Err(), "store: iterate %s", schema.Table)
}

func scanEntity(row scannable, et model.EntityType, schema model.EntitySchema) (*model.Entity, error) {
	e := &model.Entity{Type: et, Fields: make(map[string]string, len(schema.Fields))}
	vals := make([]string, len(schema.Fields))
	dest := make([]any, 0, len(schema.Fields)+1)
	dest = append(dest, &e.ID)
	for i := range vals {
		dest = append(dest, &vals[i])
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	for i, f := range schema.Fields {
		if vals[i] != "" {
			e.Fields[f] = vals[i]
		}
	}
	return e, nil
}
