package changes

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/entity-collector/internal/model"
	"github.com/sells-group/entity-collector/internal/store"
)

func TestApprove_FieldChange(t *testing.T) {
	f := newFixture(t, 0.5)
	ctx := context.Background()
	res, err := f.eng.Propose(ctx, f.input(map[string]string{"description": "Family owned"}, 1.0))
	require.NoError(t, err)
	id := res.Changes[0].ID

	c, err := f.eng.Approve(ctx, id, "ana", "looks right")
	require.NoError(t, err)
	assert.Equal(t, model.ChangeApplied, c.Status)
	assert.Equal(t, "ana", *c.ReviewedBy)
	assert.Equal(t, "looks right", *c.ReviewNotes)
	assert.NotNil(t, c.AppliedAt)
	assert.Nil(t, c.InflightKey)
	assert.False(t, c.AutoApplied)

	e, err := f.st.GetEntity(ctx, model.EntityBuilder, f.entity.ID)
	require.NoError(t, err)
	assert.Equal(t, "Family owned", e.Fields["description"])

	hist, err := f.st.ListHistory(ctx, store.HistoryFilter{EntityType: model.SubjectChange, EntityID: id})
	require.NoError(t, err)
	require.Len(t, hist, 3, "proposed, approved, applied")
	assert.Equal(t, "approved", hist[1].NewValue)
	assert.Equal(t, "applied", hist[2].NewValue)
	assert.Equal(t, model.ChangeSourceManual, hist[2].ChangeSource)

	_, err = f.eng.Approve(ctx, id, "ana", "")
	assert.True(t, eris.Is(err, model.ErrInvalidTransition))

	// The field is free again.
	again, err := f.eng.Propose(ctx, f.input(map[string]string{"description": "Changed again"}, 1.0))
	require.NoError(t, err)
	assert.Len(t, again.Changes, 1)
}

func TestApprove_NewEntityConfirmsMatch(t *testing.T) {
	f := newFixture(t, 0.7)
	ctx := context.Background()
	rec := &model.DiscoveredRecord{
		EntityType: model.EntityBuilder, Name: "Highland Homes", City: "Plano", State: "TX",
		Fields: map[string]string{"website": "highlandhomes.com"},
	}
	m := &model.EntityMatch{EntityType: model.EntityBuilder, DiscoveredName: rec.Name, RawData: *rec}
	require.NoError(t, f.st.InsertMatch(ctx, m))

	res, err := f.eng.Propose(ctx, Input{Record: rec, SourceID: f.src.ID, Reliability: 0.7, MatchID: &m.ID})
	require.NoError(t, err)
	require.Len(t, res.Changes, 1)

	c, err := f.eng.Approve(ctx, res.Changes[0].ID, "ana", "")
	require.NoError(t, err)
	require.NotNil(t, c.EntityID)

	e, err := f.st.GetEntity(ctx, model.EntityBuilder, *c.EntityID)
	require.NoError(t, err)
	assert.Equal(t, "Highland Homes", e.Name())
	assert.Equal(t, "highlandhomes.com", e.Fields["website"])

	got, err := f.st.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchConfirmed, got.Status)
	assert.Equal(t, *c.EntityID, *got.MatchedEntityID)
	assert.Equal(t, model.MatchMethodManual, got.Method)

	_, err = f.eng.Revert(ctx, c.ID, "ana")
	assert.True(t, eris.Is(err, model.ErrInvalidTransition), "entity creation cannot be reverted")
}

func TestReject_NewEntityRejectsMatch(t *testing.T) {
	f := newFixture(t, 0.7)
	ctx := context.Background()
	rec := &model.DiscoveredRecord{EntityType: model.EntityBuilder, Name: "Ghost Homes"}
	m := &model.EntityMatch{EntityType: model.EntityBuilder, DiscoveredName: rec.Name, RawData: *rec}
	require.NoError(t, f.st.InsertMatch(ctx, m))
	res, err := f.eng.Propose(ctx, Input{Record: rec, SourceID: f.src.ID, Reliability: 0.7, MatchID: &m.ID})
	require.NoError(t, err)

	c, err := f.eng.Reject(ctx, res.Changes[0].ID, "ana", "duplicate listing")
	require.NoError(t, err)
	assert.Equal(t, model.ChangeRejected, c.Status)
	assert.Nil(t, c.InflightKey)

	got, err := f.st.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchRejected, got.Status)

	_, err = f.eng.Reject(ctx, c.ID, "ana", "")
	assert.True(t, eris.Is(err, model.ErrInvalidTransition))

	_, err = f.eng.Reject(ctx, c.ID, "", "")
	assert.True(t, eris.Is(err, model.ErrValidation))
}

func TestRevert_RoundTrip(t *testing.T) {
	f := newFixture(t, 0.9)
	ctx := context.Background()
	res, err := f.eng.Propose(ctx, f.input(map[string]string{"phone": "713-555-0199"}, 1.0))
	require.NoError(t, err)
	require.Equal(t, 1, res.AutoApplied)
	id := res.Changes[0].ID

	c, err := f.eng.Revert(ctx, id, "ana")
	require.NoError(t, err)
	assert.Equal(t, model.ChangeApplied, c.Status)
	assert.True(t, c.Reverted())
	assert.Equal(t, "ana", *c.RevertedBy)

	e, err := f.st.GetEntity(ctx, model.EntityBuilder, f.entity.ID)
	require.NoError(t, err)
	assert.Equal(t, "713-555-0100", e.Fields["phone"])

	hist, err := f.st.ListHistory(ctx, store.HistoryFilter{EntityType: "builder", EntityID: f.entity.ID, Field: "phone"})
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "713-555-0199", hist[1].OldValue)
	assert.Equal(t, "713-555-0100", hist[1].NewValue)
	assert.Equal(t, "revert", hist[1].Reason)

	reverted, err := f.st.ListHistory(ctx, store.HistoryFilter{EntityType: model.SubjectChange, EntityID: id, Field: "reverted_at"})
	require.NoError(t, err)
	require.Len(t, reverted, 1)
	assert.NotContains(t, reverted[0].Metadata, "overwritten_value")

	_, err = f.eng.Revert(ctx, id, "ana")
	assert.True(t, eris.Is(err, model.ErrInvalidTransition))
}

func TestRevert_RecordsOverwrittenValue(t *testing.T) {
	f := newFixture(t, 0.9)
	ctx := context.Background()
	res, err := f.eng.Propose(ctx, f.input(map[string]string{"phone": "713-555-0199"}, 1.0))
	require.NoError(t, err)
	require.Equal(t, 1, res.AutoApplied)
	id := res.Changes[0].ID

	// The field moved on after the change was applied.
	require.NoError(t, f.st.SetEntityField(ctx, model.EntityBuilder, f.entity.ID, "phone", "713-555-0142"))

	_, err = f.eng.Revert(ctx, id, "ana")
	require.NoError(t, err)

	e, err := f.st.GetEntity(ctx, model.EntityBuilder, f.entity.ID)
	require.NoError(t, err)
	assert.Equal(t, "713-555-0100", e.Fields["phone"])

	fieldHist, err := f.st.ListHistory(ctx, store.HistoryFilter{EntityType: "builder", EntityID: f.entity.ID, Field: "phone"})
	require.NoError(t, err)
	require.NotEmpty(t, fieldHist)
	last := fieldHist[len(fieldHist)-1]
	assert.Equal(t, "713-555-0142", last.OldValue)
	assert.Equal(t, "713-555-0100", last.NewValue)

	reverted, err := f.st.ListHistory(ctx, store.HistoryFilter{EntityType: model.SubjectChange, EntityID: id, Field: "reverted_at"})
	require.NoError(t, err)
	require.Len(t, reverted, 1)
	assert.Equal(t, "713-555-0142", reverted[0].Metadata["overwritten_value"])
}

func TestRevert_PendingRejected(t *testing.T) {
	f := newFixture(t, 0.5)
	ctx := context.Background()
	res, err := f.eng.Propose(ctx, f.input(map[string]string{"description": "x"}, 1.0))
	require.NoError(t, err)

	_, err = f.eng.Revert(ctx, res.Changes[0].ID, "ana")
	assert.True(t, eris.Is(err, model.ErrInvalidTransition))

	_, err = f.eng.Revert(ctx, 9999, "ana")
	assert.True(t, eris.Is(err, model.ErrNotFound))
}

func TestReleaseCycleAndStale(t *testing.T) {
	f := newFixture(t, 0.9)
	ctx := context.Background()

	res, err := f.eng.Propose(ctx, f.input(map[string]string{"email": "a@perryhomes.com"}, 1.0))
	require.NoError(t, err)
	require.Equal(t, 1, res.AutoApplied)

	// The auto-applied change holds the field until its cycle ends.
	held, err := f.eng.Propose(ctx, f.input(map[string]string{"email": "b@perryhomes.com"}, 1.0))
	require.NoError(t, err)
	assert.Equal(t, 1, held.Conflicts)

	n, err := f.eng.ReleaseCycle(ctx, "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	next, err := f.eng.Propose(ctx, f.input(map[string]string{"email": "b@perryhomes.com"}, 1.0))
	require.NoError(t, err)
	require.Len(t, next.Changes, 1)

	n, err = f.eng.ReleaseStale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	list, err := f.eng.List(ctx, store.ChangeFilter{EntityID: f.entity.ID, FieldName: "email"})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
