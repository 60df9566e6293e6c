// Package storetest provides a migrated SQLite store and seed helpers for
// tests in other packages.
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/entity-collector/internal/model"
	"github.com/sells-group/entity-collector/internal/store"
)

// New returns a migrated SQLite store in a temp directory.
func New(t *testing.T) *store.SQLStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "collector.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// Clock is a settable time source.
type Clock struct {
	T time.Time
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time { return c.T }

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) { c.T = c.T.Add(d) }

// NewClock returns a clock starting at a fixed instant and installs it on st.
func NewClock(st *store.SQLStore) *Clock {
	c := &Clock{T: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)}
	st.SetClock(c.Now)
	return c
}

// Source inserts an active source supplying types with the given
// reliability.
func Source(t *testing.T, st store.Store, name string, reliability float64, types ...model.EntityType) *model.Source {
	t.Helper()
	if len(types) == 0 {
		types = []model.EntityType{model.EntityBuilder}
	}
	src := &model.Source{
		Name:             name,
		BaseURL:          "https://" + name + ".example.com",
		Type:             model.SourceDirectory,
		EntityTypes:      types,
		ReliabilityScore: reliability,
		Active:           true,
	}
	require.NoError(t, st.InsertSource(context.Background(), src))
	return src
}

// Entity inserts a canonical record.
func Entity(t *testing.T, st store.Store, et model.EntityType, fields map[string]string) *model.Entity {
	t.Helper()
	e := &model.Entity{Type: et, Fields: fields}
	require.NoError(t, st.InsertEntity(context.Background(), e))
	return e
}

// Job inserts a pending job.
func Job(t *testing.T, st store.Store, j model.Job) *model.Job {
	t.Helper()
	require.NoError(t, st.InsertJob(context.Background(), &j))
	return &j
}
