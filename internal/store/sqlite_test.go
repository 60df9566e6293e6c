package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/entity-collector/internal/model"
	"github.com/sells-group/entity-collector/internal/store"
	"github.com/sells-group/entity-collector/internal/store/storetest"
)

func int64p(v int64) *int64 { return &v }
func strp(s string) *string { return &s }

// --- Migrate ---

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := storetest.New(t)
	require.NoError(t, st.Migrate(context.Background()))
}

// --- Jobs ---

func TestSQLite_Jobs_AdmissionOrder(t *testing.T) {
	st := storetest.New(t)
	clock := storetest.NewClock(st)
	ctx := context.Background()
	src := storetest.Source(t, st, "dir", 0.8)

	low := storetest.Job(t, st, model.Job{EntityType: model.EntityBuilder, JobType: model.JobDiscovery, SourceID: src.ID, Priority: 3})
	clock.Advance(time.Second)
	highOld := storetest.Job(t, st, model.Job{EntityType: model.EntityBuilder, JobType: model.JobDiscovery, SourceID: src.ID, Priority: 8})
	clock.Advance(time.Second)
	highNew := storetest.Job(t, st, model.Job{EntityType: model.EntityBuilder, JobType: model.JobDiscovery, SourceID: src.ID, Priority: 8})

	jobs, err := st.ListPendingJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, []int64{highOld.ID, highNew.ID, low.ID}, []int64{jobs[0].ID, jobs[1].ID, jobs[2].ID})
	assert.Equal(t, model.JobPending, jobs[0].Status)
}

func TestSQLite_Jobs_ListPendingExcludesSources(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	a := storetest.Source(t, st, "a", 0.8)
	b := storetest.Source(t, st, "b", 0.8)
	c := storetest.Source(t, st, "c", 0.8)
	ja := storetest.Job(t, st, model.Job{EntityType: model.EntityBuilder, JobType: model.JobDiscovery, SourceID: a.ID, Priority: 9})
	storetest.Job(t, st, model.Job{EntityType: model.EntityBuilder, JobType: model.JobDiscovery, SourceID: b.ID, Priority: 8})
	jc := storetest.Job(t, st, model.Job{EntityType: model.EntityBuilder, JobType: model.JobDiscovery, SourceID: c.ID, Priority: 1})

	jobs, err := st.ListPendingJobs(ctx, 1, b.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, ja.ID, jobs[0].ID)

	jobs, err = st.ListPendingJobs(ctx, 10, a.ID, b.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, jc.ID, jobs[0].ID)
}

func TestSQLite_Jobs_ClaimAndFinish(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	src := storetest.Source(t, st, "dir", 0.8)
	j := storetest.Job(t, st, model.Job{EntityType: model.EntityBuilder, JobType: model.JobDiscovery, SourceID: src.ID, Priority: 5})

	ok, err := st.ClaimJob(ctx, j.ID, "cycle-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.ClaimJob(ctx, j.ID, "cycle-2")
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	ok, err = st.FinishJob(ctx, j.ID, model.JobCompleted, model.JobCounters{ItemsFound: 3, ChangesDetected: 2, NewEntitiesFound: 1}, "")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.Equal(t, 3, got.ItemsFound)
	assert.Equal(t, 2, got.ChangesDetected)
	assert.Equal(t, 1, got.NewEntitiesFound)
	assert.Equal(t, "cycle-1", got.ClaimedBy)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)

	ok, err = st.FinishJob(ctx, j.ID, model.JobFailed, model.JobCounters{}, "late")
	require.NoError(t, err)
	assert.False(t, ok, "terminal jobs cannot finish twice")
}

func TestSQLite_Jobs_FinishRejectsNonTerminal(t *testing.T) {
	st := storetest.New(t)
	_, err := st.FinishJob(context.Background(), 1, model.JobRunning, model.JobCounters{}, "")
	assert.True(t, eris.Is(err, model.ErrInvalidTransition))
}

func TestSQLite_Jobs_GetMissing(t *testing.T) {
	st := storetest.New(t)
	_, err := st.GetJob(context.Background(), 999)
	assert.True(t, eris.Is(err, model.ErrNotFound))
}

func TestSQLite_Jobs_RunningStartedBefore(t *testing.T) {
	st := storetest.New(t)
	clock := storetest.NewClock(st)
	ctx := context.Background()
	src := storetest.Source(t, st, "dir", 0.8)
	j := storetest.Job(t, st, model.Job{EntityType: model.EntityBuilder, JobType: model.JobDiscovery, SourceID: src.ID})
	_, err := st.ClaimJob(ctx, j.ID, "x")
	require.NoError(t, err)

	stale, err := st.ListRunningJobsStartedBefore(ctx, clock.T.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)

	clock.Advance(time.Hour)
	stale, err = st.ListRunningJobsStartedBefore(ctx, clock.T.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, j.ID, stale[0].ID)
}

func TestSQLite_Jobs_OpenJobExists(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	src := storetest.Source(t, st, "dir", 0.8, model.EntityProperty)
	key := store.JobKey{
		EntityType:       model.EntityProperty,
		JobType:          model.JobInventory,
		SourceID:         src.ID,
		ParentEntityType: model.EntityCommunity,
		ParentEntityID:   7,
		SearchParams:     `{"community_id":7}`,
	}

	exists, err := st.OpenJobExists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	storetest.Job(t, st, model.Job{
		EntityType: key.EntityType, JobType: key.JobType, SourceID: src.ID,
		ParentEntityType: key.ParentEntityType, ParentEntityID: int64p(7), SearchParams: key.SearchParams,
	})
	exists, err = st.OpenJobExists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	counts, err := st.CountJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.JobPending])
}

func TestSQLite_Jobs_ListFilter(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	a := storetest.Source(t, st, "a", 0.8)
	b := storetest.Source(t, st, "b", 0.8)
	storetest.Job(t, st, model.Job{EntityType: model.EntityBuilder, JobType: model.JobDiscovery, SourceID: a.ID})
	storetest.Job(t, st, model.Job{EntityType: model.EntityBuilder, JobType: model.JobDiscovery, SourceID: b.ID})

	jobs, err := st.ListJobs(ctx, store.JobFilter{SourceID: b.ID})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, b.ID, jobs[0].SourceID)
}

// --- Sources ---

func TestSQLite_Sources_InsertAndGet(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	src := storetest.Source(t, st, "homes", 0.7, model.EntityBuilder, model.EntityCommunity)

	got, err := st.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, "homes", got.Name)
	assert.Equal(t, []model.EntityType{model.EntityBuilder, model.EntityCommunity}, got.EntityTypes)
	assert.True(t, got.Active)
	assert.Nil(t, got.BlockedUntil)

	byName, err := st.GetSourceByName(ctx, "homes")
	require.NoError(t, err)
	assert.Equal(t, src.ID, byName.ID)

	_, err = st.GetSourceByName(ctx, "nope")
	assert.True(t, eris.Is(err, model.ErrNotFound))
}

func TestSQLite_Sources_RecordAccess(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	src := storetest.Source(t, st, "dir", 0.5)

	got, err := st.RecordSourceAccess(ctx, src.ID, "2026-03-02", true, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCountToday)
	assert.Equal(t, int64(1), got.SuccessCount)
	assert.InDelta(t, 0.55, got.ReliabilityScore, 1e-9)
	assert.NotNil(t, got.LastAccessedAt)

	got, err = st.RecordSourceAccess(ctx, src.ID, "2026-03-02", false, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCountToday)
	assert.Equal(t, int64(1), got.FailureCount)
	assert.InDelta(t, 0.495, got.ReliabilityScore, 1e-9)

	// A new day resets the counter.
	got, err = st.RecordSourceAccess(ctx, src.ID, "2026-03-03", true, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCountToday)
	assert.Equal(t, "2026-03-03", got.AccessDay)
}

func TestSQLite_Sources_ReliabilityStaysInRange(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	src := storetest.Source(t, st, "dir", 0.99)

	got, err := st.BlendSourceReliability(ctx, src.ID, 1.5, 1)
	require.NoError(t, err)
	assert.LessOrEqual(t, got.ReliabilityScore, 1.0)

	got, err = st.BlendSourceReliability(ctx, src.ID, -2, 1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.ReliabilityScore, 0.0)
}

func TestSQLite_Sources_BlockAndActive(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	src := storetest.Source(t, st, "dir", 0.8)

	until := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.SetSourceBlockedUntil(ctx, src.ID, &until))
	require.NoError(t, st.SetSourceActive(ctx, src.ID, false))

	got, err := st.GetSource(ctx, src.ID)
	require.NoError(t, err)
	require.NotNil(t, got.BlockedUntil)
	assert.True(t, until.Equal(*got.BlockedUntil))
	assert.False(t, got.Active)

	active, err := st.ListSources(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, st.SetSourceBlockedUntil(ctx, src.ID, nil))
	got, err = st.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Nil(t, got.BlockedUntil)

	err = st.SetSourceActive(ctx, 999, true)
	assert.True(t, eris.Is(err, model.ErrNotFound))
}

// --- Entities ---

func TestSQLite_Entities_RoundTrip(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	e := storetest.Entity(t, st, model.EntityBuilder, map[string]string{
		"name": "Perry Homes", "website": "https://www.perryhomes.com/", "city": "Houston", "state": "TX",
	})

	got, err := st.GetEntity(ctx, model.EntityBuilder, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Perry Homes", got.Name())
	assert.Equal(t, "", got.Fields["phone"])

	byID, err := st.FindEntityByIdentifier(ctx, model.EntityBuilder, "perryhomes.com")
	require.NoError(t, err)
	assert.Equal(t, e.ID, byID.ID)

	require.NoError(t, st.SetEntityField(ctx, model.EntityBuilder, e.ID, "website", "perry.com"))
	_, err = st.FindEntityByIdentifier(ctx, model.EntityBuilder, "perryhomes.com")
	assert.True(t, eris.Is(err, model.ErrNotFound))
	byID, err = st.FindEntityByIdentifier(ctx, model.EntityBuilder, "perry.com")
	require.NoError(t, err)
	assert.Equal(t, e.ID, byID.ID)

	require.NoError(t, st.SetEntityField(ctx, model.EntityBuilder, e.ID, "city", ""))
	got, err = st.GetEntity(ctx, model.EntityBuilder, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "", got.Fields["city"])
}

func TestSQLite_Entities_RejectUnknownField(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	err := st.InsertEntity(ctx, &model.Entity{Type: model.EntityBuilder, Fields: map[string]string{"bogus": "x"}})
	assert.True(t, eris.Is(err, model.ErrValidation))

	err = st.SetEntityField(ctx, model.EntityBuilder, 1, "bogus", "x")
	assert.True(t, eris.Is(err, model.ErrValidation))
}

func TestSQLite_Entities_NameLocationAndCandidates(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	tx := storetest.Entity(t, st, model.EntityBuilder, map[string]string{"name": "Perry Homes", "city": "Houston", "state": "TX"})
	storetest.Entity(t, st, model.EntityBuilder, map[string]string{"name": "Perry Homes", "city": "Austin", "state": "TX"})
	storetest.Entity(t, st, model.EntityBuilder, map[string]string{"name": "Other", "city": "Denver", "state": "CO"})

	hits, err := st.FindEntitiesByNameLocation(ctx, model.EntityBuilder, "perry homes", "houston", "tx")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, tx.ID, hits[0].ID)

	hits, err = st.FindEntitiesByNameLocation(ctx, model.EntityBuilder, "Perry Homes", "", "TX")
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	cands, err := st.ListMatchCandidates(ctx, model.EntityBuilder, "tx", 10)
	require.NoError(t, err)
	assert.Len(t, cands, 2)

	cands, err = st.ListMatchCandidates(ctx, model.EntityBuilder, "", 10)
	require.NoError(t, err)
	assert.Len(t, cands, 3)
}

// --- Matches ---

func TestSQLite_Matches_InsertResolve(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	src := storetest.Source(t, st, "dir", 0.8)
	m := &model.EntityMatch{
		SourceID:       int64p(src.ID),
		EntityType:     model.EntityBuilder,
		DiscoveredName: "Perry Homes",
		DiscoveredCity: "Houston",
		RawData: model.DiscoveredRecord{
			EntityType: model.EntityBuilder, Name: "Perry Homes", City: "Houston",
			Fields: map[string]string{"phone": "713-555-0100"},
		},
		MatchedEntityID: int64p(4),
		Confidence:      0.9,
		Method:          model.MatchMethodNameFuzzy,
	}
	require.NoError(t, st.InsertMatch(ctx, m))

	got, err := st.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchPending, got.Status)
	assert.Equal(t, "713-555-0100", got.RawData.Fields["phone"])
	assert.Equal(t, model.MatchMethodNameFuzzy, got.Method)

	ok, err := st.ResolveMatch(ctx, m.ID, model.MatchPending, store.MatchUpdate{
		Status: model.MatchConfirmed, Method: model.MatchMethodManual, ReviewedBy: "ana",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.ResolveMatch(ctx, m.ID, model.MatchPending, store.MatchUpdate{Status: model.MatchRejected})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = st.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchConfirmed, got.Status)
	assert.Equal(t, model.MatchMethodManual, got.Method)
	assert.Equal(t, "ana", got.ReviewedBy)
	assert.NotNil(t, got.ReviewedAt)
	assert.Equal(t, int64(4), *got.MatchedEntityID)

	counts, err := st.CountMatchesByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.MatchConfirmed])
}

func TestSQLite_Matches_FullConfidenceRequiresExactKey(t *testing.T) {
	st := storetest.New(t)
	m := &model.EntityMatch{
		EntityType: model.EntityBuilder, DiscoveredName: "X", Confidence: 1.0, Method: model.MatchMethodNameFuzzy,
	}
	assert.Error(t, st.InsertMatch(context.Background(), m))
}

// --- Changes ---

func fieldChange(srcID, entityID int64, field, oldVal, newVal string) *model.Change {
	return &model.Change{
		EntityType:  model.EntityBuilder,
		EntityID:    int64p(entityID),
		FieldName:   field,
		OldValue:    oldVal,
		NewValue:    newVal,
		ChangeType:  model.ChangeModified,
		Confidence:  0.7,
		SourceID:    int64p(srcID),
		InflightKey: strp(model.FieldKey(model.EntityBuilder, entityID, field)),
	}
}

func TestSQLite_Changes_InflightConflict(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	src := storetest.Source(t, st, "dir", 0.8)

	first := fieldChange(src.ID, 1, "phone", "1", "2")
	ok, err := st.InsertChange(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)

	second := fieldChange(src.ID, 1, "phone", "1", "3")
	ok, err = st.InsertChange(ctx, second)
	require.NoError(t, err)
	assert.False(t, ok)

	holder, err := st.GetInflightChange(ctx, model.FieldKey(model.EntityBuilder, 1, "phone"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, holder.ID)

	// Rejecting releases the key.
	ok, err = st.TransitionChange(ctx, first.ID, model.ChangePending, store.ChangeUpdate{
		Status: model.ChangeRejected, ReviewedBy: strp("ana"), ReviewNotes: strp("wrong"), ReleaseInflight: true,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.InsertChange(ctx, second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLite_Changes_TransitionAndRevert(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	src := storetest.Source(t, st, "dir", 0.8)
	c := fieldChange(src.ID, 1, "email", "", "a@b.com")
	c.ProposedRecord = map[string]string{"email": "a@b.com"}
	_, err := st.InsertChange(ctx, c)
	require.NoError(t, err)

	_, err = st.TransitionChange(ctx, c.ID, model.ChangeRejected, store.ChangeUpdate{Status: model.ChangeApplied})
	assert.True(t, eris.Is(err, model.ErrInvalidTransition))

	ok, err := st.MarkChangeReverted(ctx, c.ID, "ana")
	require.NoError(t, err)
	assert.False(t, ok, "pending changes cannot be reverted")

	ok, err = st.TransitionChange(ctx, c.ID, model.ChangePending, store.ChangeUpdate{
		Status: model.ChangeApproved, ReviewedBy: strp("ana"),
	})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.TransitionChange(ctx, c.ID, model.ChangeApproved, store.ChangeUpdate{
		Status: model.ChangeApplied, SetApplied: true, ReleaseInflight: true,
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = st.MarkChangeReverted(ctx, c.ID, "ana")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.MarkChangeReverted(ctx, c.ID, "ana")
	require.NoError(t, err)
	assert.False(t, ok, "second revert is a no-op")

	got, err := st.GetChange(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChangeApplied, got.Status)
	assert.True(t, got.Reverted())
	assert.Equal(t, "ana", *got.RevertedBy)
	assert.Equal(t, "a@b.com", got.ProposedRecord["email"])
	assert.Nil(t, got.InflightKey)

	accepted, rejected, err := st.SourceChangeOutcomes(ctx, src.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, accepted)
	assert.Equal(t, 1, rejected)
}

func TestSQLite_Changes_ReleaseInflight(t *testing.T) {
	st := storetest.New(t)
	clock := storetest.NewClock(st)
	ctx := context.Background()
	src := storetest.Source(t, st, "dir", 0.8)

	auto := fieldChange(src.ID, 1, "phone", "", "555")
	auto.Status = model.ChangeApplied
	auto.AutoApplied = true
	auto.AutoApplyReason = strp(model.ReasonFillingEmptyField)
	applied := clock.T
	auto.AppliedAt = &applied
	auto.CycleID = "cycle-a"
	_, err := st.InsertChange(ctx, auto)
	require.NoError(t, err)

	pending := fieldChange(src.ID, 2, "phone", "1", "2")
	pending.CycleID = "cycle-a"
	_, err = st.InsertChange(ctx, pending)
	require.NoError(t, err)

	n, err := st.ReleaseInflight(ctx, "cycle-b", time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = st.ReleaseInflight(ctx, "cycle-a", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only applied changes release")

	_, err = st.GetInflightChange(ctx, model.FieldKey(model.EntityBuilder, 2, "phone"))
	require.NoError(t, err)

	n, err = st.ReleaseInflight(ctx, "", time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n)

	list, err := st.ListChanges(ctx, store.ChangeFilter{Status: model.ChangeApplied})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].AutoApplied)

	counts, err := st.CountChangesByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.ChangePending])
	assert.Equal(t, 1, counts[model.ChangeApplied])
}

func TestSQLite_Changes_AutoAppliedNeedsReason(t *testing.T) {
	st := storetest.New(t)
	c := fieldChange(1, 1, "phone", "", "555")
	c.SourceID = nil
	c.Status = model.ChangePending
	c.AutoApplied = true
	_, err := st.InsertChange(context.Background(), c)
	assert.Error(t, err)
}

// --- History ---

func TestSQLite_History_AppendOnly(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	e := &model.HistoryEntry{
		EntityType: model.SubjectJob, EntityID: 1, Field: "status", OldValue: "pending", NewValue: "running",
		Actor: model.SystemActor, ChangeSource: model.ChangeSourceCollection,
		Metadata: map[string]any{"cycle_id": "abc"},
	}
	require.NoError(t, st.AppendHistory(ctx, e))
	assert.NotZero(t, e.ID)

	rows, err := st.ListHistory(ctx, store.HistoryFilter{EntityType: model.SubjectJob, EntityID: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "abc", rows[0].Metadata["cycle_id"])
	assert.Equal(t, model.ChangeSourceCollection, rows[0].ChangeSource)

	err = st.AppendHistory(ctx, &model.HistoryEntry{EntityType: "x", Actor: "a", ChangeSource: "robot"})
	assert.True(t, eris.Is(err, model.ErrValidation))
}

// --- Transactions ---

func TestSQLite_WithTx_RollsBack(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	boom := eris.New("boom")

	err := st.WithTx(ctx, func(tx store.Store) error {
		storetest.Source(t, tx, "rolled-back", 0.8)
		return boom
	})
	require.Error(t, err)

	_, err = st.GetSourceByName(ctx, "rolled-back")
	assert.True(t, eris.Is(err, model.ErrNotFound))

	err = st.WithTx(ctx, func(tx store.Store) error {
		return tx.WithTx(ctx, func(inner store.Store) error {
			storetest.Source(t, inner, "nested", 0.8)
			return nil
		})
	})
	require.NoError(t, err)
	_, err = st.GetSourceByName(ctx, "nested")
	require.NoError(t, err)
}
