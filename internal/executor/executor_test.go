package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/entity-collector/internal/changes"
	"github.com/sells-group/entity-collector/internal/config"
	"github.com/sells-group/entity-collector/internal/jobs"
	"github.com/sells-group/entity-collector/internal/match"
	"github.com/sells-group/entity-collector/internal/model"
	"github.com/sells-group/entity-collector/internal/reconcile"
	"github.com/sells-group/entity-collector/internal/resilience"
	"github.com/sells-group/entity-collector/internal/sources"
	"github.com/sells-group/entity-collector/internal/store"
	"github.com/sells-group/entity-collector/internal/store/storetest"
)

type mockCollaborator struct {
	mock.Mock
}

func (m *mockCollaborator) Discover(ctx context.Context, et model.EntityType, params string, sourceID int64) ([]model.DiscoveredRecord, error) {
	args := m.Called(ctx, et, params, sourceID)
	recs, _ := args.Get(0).([]model.DiscoveredRecord)
	return recs, args.Error(1)
}

type fixture struct {
	st     *store.SQLStore
	clock  *storetest.Clock
	reg    *sources.Registry
	sched  *jobs.Scheduler
	collab *mockCollaborator
	exec   *Executor
	src    *model.Source
	perry  *model.Entity
}

func testSourcesConfig() config.SourcesConfig {
	return config.SourcesConfig{
		ReliabilityFloor: 0.3,
		EWMAWeight:       0.1,
		BreakerFailures:  10,
		BreakerResetSecs: 60,
	}
}

func newFixture(t *testing.T, srcCfg config.SourcesConfig) *fixture {
	t.Helper()
	st := storetest.New(t)
	clock := storetest.NewClock(st)

	reg := sources.New(st, srcCfg)
	reg.SetClock(clock.Now)
	sched := jobs.New(st, reg, config.JobsConfig{
		DefaultPriority: map[string]int{"update": 8, "inventory": 6, "discovery": 5, "refresh": 3},
		AdmitScanLimit:  100,
	})
	sched.SetClock(clock.Now)
	engine := changes.New(st, config.PolicyConfig{
		AutoApplyThreshold: 0.85,
		AllowListedFields:  []string{"phone", "email"},
		ProtectedFields:    []string{"name", "address", "city", "state", "website"},
	})
	engine.SetClock(clock.Now)
	matcher := match.New(config.MatchConfig{
		ExactConfidence: 0.95,
		FuzzyFloor:      0.80,
		AutoConfirm:     0.95,
		LocationBonus:   0.05,
		MaxCandidates:   500,
	})
	collab := &mockCollaborator{}

	exec := New(Deps{
		Store:        st,
		Scheduler:    sched,
		Sources:      reg,
		Reconciler:   reconcile.New(st, matcher, engine),
		Changes:      engine,
		Collaborator: collab,
	}, config.ExecutorConfig{MaxParallel: 4, InflightTTLMins: 60}, srcCfg)
	exec.SetClock(clock.Now)

	return &fixture{
		st:     st,
		clock:  clock,
		reg:    reg,
		sched:  sched,
		collab: collab,
		exec:   exec,
		src: storetest.Source(t, st, "dir", 0.9,
			model.EntityBuilder, model.EntityCommunity, model.EntityProperty),
		perry: storetest.Entity(t, st, model.EntityBuilder, map[string]string{
			"name": "Perry Homes", "website": "perryhomes.com", "city": "Houston", "state": "TX",
		}),
	}
}

func (f *fixture) job(t *testing.T, et model.EntityType, params string) *model.Job {
	t.Helper()
	j, err := f.sched.CreateJob(context.Background(), jobs.JobSpec{
		EntityType: et, JobType: model.JobDiscovery, SourceID: f.src.ID, SearchParams: params,
	}, "")
	require.NoError(t, err)
	return j
}

func (f *fixture) expect(et model.EntityType, params string, recs []model.DiscoveredRecord, err error) {
	f.collab.On("Discover", mock.Anything, et, params, f.src.ID).Return(recs, err)
}

func (f *fixture) run(t *testing.T, parallel int) *CycleResult {
	t.Helper()
	res, err := f.exec.RunCycle(context.Background(), parallel)
	require.NoError(t, err)
	return res
}

func (f *fixture) changesFor(t *testing.T, filter store.ChangeFilter) []model.Change {
	t.Helper()
	cs, err := f.st.ListChanges(context.Background(), filter)
	require.NoError(t, err)
	return cs
}

func perryRecord(fields map[string]string) model.DiscoveredRecord {
	fields["website"] = "perryhomes.com"
	return model.DiscoveredRecord{Name: "Perry Homes", City: "Houston", State: "TX", Fields: fields}
}

func TestRunCycle_IdentifierMatchFillsEmptyField(t *testing.T) {
	f := newFixture(t, testSourcesConfig())
	j := f.job(t, model.EntityBuilder, "houston")
	f.expect(model.EntityBuilder, "houston", []model.DiscoveredRecord{
		perryRecord(map[string]string{"phone": "713-555-0100"}),
	}, nil)

	res := f.run(t, 2)
	assert.Equal(t, 1, res.JobsCompleted)
	assert.Equal(t, 1, res.ChangesDetected)
	assert.Equal(t, 1, res.AutoApplied)
	assert.Equal(t, int64(1), res.CycleReleased)

	cs := f.changesFor(t, store.ChangeFilter{EntityID: f.perry.ID})
	require.Len(t, cs, 1)
	assert.Equal(t, "phone", cs[0].FieldName)
	assert.Equal(t, model.ChangeAdded, cs[0].ChangeType)
	assert.Equal(t, model.ChangeApplied, cs[0].Status)
	assert.True(t, cs[0].AutoApplied)
	assert.Equal(t, model.ReasonFillingEmptyField, *cs[0].AutoApplyReason)
	assert.Nil(t, cs[0].InflightKey, "released at cycle end")

	e, err := f.st.GetEntity(context.Background(), model.EntityBuilder, f.perry.ID)
	require.NoError(t, err)
	assert.Equal(t, "713-555-0100", e.Fields["phone"])

	done, err := f.st.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, done.Status)
	assert.Equal(t, 1, done.ItemsFound)
	assert.Equal(t, 1, done.ChangesDetected)

	// Reprocessing the same facts changes nothing.
	f.job(t, model.EntityBuilder, "houston")
	res = f.run(t, 2)
	assert.Equal(t, 1, res.JobsCompleted)
	assert.Zero(t, res.ChangesDetected)
	assert.Len(t, f.changesFor(t, store.ChangeFilter{EntityID: f.perry.ID}), 1)
}

func TestRunCycle_FuzzyMatchWithholdsChanges(t *testing.T) {
	f := newFixture(t, testSourcesConfig())
	f.job(t, model.EntityBuilder, "fuzzy")
	f.expect(model.EntityBuilder, "fuzzy", []model.DiscoveredRecord{
		{Name: "Perry Home", City: "Houston", State: "TX", Fields: map[string]string{"phone": "713-555-0100"}},
	}, nil)

	res := f.run(t, 1)
	assert.Equal(t, 1, res.JobsCompleted)
	assert.Equal(t, 1, res.Withheld)
	assert.Zero(t, res.ChangesDetected)

	ms, err := f.st.ListMatches(context.Background(), store.MatchFilter{})
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, model.MatchPending, ms[0].Status)
	assert.Equal(t, model.MatchMethodNameFuzzy, ms[0].Method)
	assert.Equal(t, f.perry.ID, *ms[0].MatchedEntityID)
	assert.InDelta(t, 0.91, ms[0].Confidence, 0.01)
	assert.Empty(t, f.changesFor(t, store.ChangeFilter{}))
}

func TestRunCycle_ConcurrentJobsSameFieldConflict(t *testing.T) {
	f := newFixture(t, testSourcesConfig())
	home := storetest.Entity(t, f.st, model.EntityProperty, map[string]string{
		"name": "12 Elm St", "listing_id": "HAR-100", "price": "500000",
	})
	listing := func(price string) []model.DiscoveredRecord {
		return []model.DiscoveredRecord{{
			Name:   "12 Elm St",
			Fields: map[string]string{"listing_id": "HAR-100", "price": price},
		}}
	}
	f.job(t, model.EntityProperty, "a")
	f.job(t, model.EntityProperty, "b")
	f.expect(model.EntityProperty, "a", listing("510000"), nil)
	f.expect(model.EntityProperty, "b", listing("520000"), nil)

	res := f.run(t, 2)
	assert.Equal(t, 2, res.JobsCompleted)
	assert.Equal(t, 1, res.ChangesDetected)
	assert.Equal(t, 1, res.Conflicts)

	cs := f.changesFor(t, store.ChangeFilter{EntityID: home.ID, FieldName: "price"})
	require.Len(t, cs, 1, "the losing proposal is discarded")
	assert.Equal(t, model.ChangePending, cs[0].Status, "price is not allow-listed")
	assert.Contains(t, []string{"510000", "520000"}, cs[0].NewValue)
}

func TestRunCycle_FailingSourceLosesAutoApply(t *testing.T) {
	f := newFixture(t, testSourcesConfig())
	ctx := context.Background()

	f.job(t, model.EntityBuilder, "phone")
	f.expect(model.EntityBuilder, "phone", []model.DiscoveredRecord{
		perryRecord(map[string]string{"phone": "713-555-0100"}),
	}, nil)
	res := f.run(t, 1)
	require.Equal(t, 1, res.AutoApplied)

	for range 5 {
		f.job(t, model.EntityBuilder, "down")
	}
	f.expect(model.EntityBuilder, "down", nil, resilience.NewTransientError(errors.New("discovery: status 503"), 503))
	res = f.run(t, 2)
	assert.Equal(t, 5, res.JobsFailed)

	src, err := f.reg.Get(ctx, f.src.ID)
	require.NoError(t, err)
	assert.Less(t, src.ReliabilityScore, 0.85)
	assert.EqualValues(t, 5, src.FailureCount)

	f.job(t, model.EntityBuilder, "email")
	f.expect(model.EntityBuilder, "email", []model.DiscoveredRecord{
		perryRecord(map[string]string{"email": "sales@perryhomes.com"}),
	}, nil)
	res = f.run(t, 1)
	assert.Equal(t, 1, res.ChangesDetected)
	assert.Zero(t, res.AutoApplied)

	cs := f.changesFor(t, store.ChangeFilter{EntityID: f.perry.ID, FieldName: "email"})
	require.Len(t, cs, 1)
	assert.Equal(t, model.ChangePending, cs[0].Status)
	assert.Less(t, cs[0].Confidence, 0.85)
}

func TestRunCycle_FailureIsolation(t *testing.T) {
	f := newFixture(t, testSourcesConfig())
	ctx := context.Background()

	bad := f.job(t, model.EntityBuilder, "error")
	malformed := f.job(t, model.EntityBuilder, "malformed")
	empty := f.job(t, model.EntityBuilder, "empty")
	good := f.job(t, model.EntityBuilder, "good")

	f.expect(model.EntityBuilder, "error", nil, errors.New("extractor crashed"))
	f.expect(model.EntityBuilder, "malformed", []model.DiscoveredRecord{
		perryRecord(map[string]string{"phone": "713-555-0100"}),
		{Name: ""},
	}, nil)
	f.expect(model.EntityBuilder, "empty", []model.DiscoveredRecord{}, nil)
	f.expect(model.EntityBuilder, "good", []model.DiscoveredRecord{
		{Name: "Highland Homes", City: "Plano", State: "TX"},
	}, nil)

	res := f.run(t, 4)
	assert.Equal(t, 4, res.JobsRun)
	assert.Equal(t, 1, res.JobsCompleted)
	assert.Equal(t, 3, res.JobsFailed)
	assert.Equal(t, 1, res.NewEntities)

	get := func(id int64) *model.Job {
		j, err := f.st.GetJob(ctx, id)
		require.NoError(t, err)
		return j
	}
	assert.Equal(t, "extractor crashed", get(bad.ID).Error)
	assert.Equal(t, model.JobFailed, get(malformed.ID).Status)
	assert.Equal(t, 2, get(malformed.ID).ItemsFound, "partial counters survive the failure")
	assert.Contains(t, get(empty.ID).Error, "no records")
	assert.Equal(t, model.JobCompleted, get(good.ID).Status)

	// Nothing from the malformed batch was committed.
	assert.Empty(t, f.changesFor(t, store.ChangeFilter{EntityID: f.perry.ID}))
	ms, err := f.st.ListMatches(ctx, store.MatchFilter{JobID: malformed.ID})
	require.NoError(t, err)
	assert.Empty(t, ms)

	// Each job charged one access.
	src, err := f.reg.Get(ctx, f.src.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, src.SuccessCount)
	assert.EqualValues(t, 3, src.FailureCount)
}

func TestRunCycle_HoldsJobsOverDailyCap(t *testing.T) {
	f := newFixture(t, testSourcesConfig())
	ctx := context.Background()
	capped := &model.Source{
		Name: "capped", Type: model.SourceDirectory, EntityTypes: []model.EntityType{model.EntityBuilder},
		ReliabilityScore: 0.9, RateLimitPerDay: 1, Active: true,
	}
	require.NoError(t, f.st.InsertSource(ctx, capped))
	for _, p := range []string{"one", "two"} {
		_, err := f.sched.CreateJob(ctx, jobs.JobSpec{
			EntityType: model.EntityBuilder, JobType: model.JobDiscovery, SourceID: capped.ID, SearchParams: p,
		}, "")
		require.NoError(t, err)
	}
	f.collab.On("Discover", mock.Anything, model.EntityBuilder, mock.Anything, capped.ID).
		Return([]model.DiscoveredRecord{{Name: "Perry Homes", City: "Houston", State: "TX"}}, nil)

	res := f.run(t, 4)
	assert.Equal(t, 1, res.JobsRun)

	pending, err := f.st.ListJobs(ctx, store.JobFilter{Status: model.JobPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1, "second job waits for tomorrow")
	f.collab.AssertNumberOfCalls(t, "Discover", 1)
}

func TestRunCycle_RunsSpawnedChildren(t *testing.T) {
	f := newFixture(t, testSourcesConfig())
	ctx := context.Background()
	community := storetest.Entity(t, f.st, model.EntityCommunity, map[string]string{"name": "Bridgeland"})

	_, err := f.sched.CreateJob(ctx, jobs.JobSpec{
		EntityType: model.EntityBuilder, JobType: model.JobDiscovery, SourceID: f.src.ID,
		ParentEntityType: model.EntityCommunity, ParentEntityID: &community.ID,
	}, "")
	require.NoError(t, err)
	f.expect(model.EntityBuilder, "", []model.DiscoveredRecord{
		perryRecord(map[string]string{}),
	}, nil)
	f.collab.On("Discover", mock.Anything, model.EntityProperty, mock.Anything, f.src.ID).
		Return([]model.DiscoveredRecord{{Name: "12 Elm St", Fields: map[string]string{"listing_id": "HAR-100", "price": "500000"}}}, nil)

	res := f.run(t, 2)
	assert.Equal(t, 2, res.JobsRun)
	assert.Equal(t, 2, res.JobsCompleted)
	assert.Equal(t, 1, res.ChildJobs)

	children, err := f.st.ListJobs(ctx, store.JobFilter{EntityType: model.EntityProperty})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, model.JobInventory, children[0].JobType)
	assert.Equal(t, model.JobCompleted, children[0].Status)
	assert.Equal(t, 1, children[0].NewEntitiesFound)
}

func TestRunCycle_BreakerOpenFailsWithoutCharging(t *testing.T) {
	cfg := testSourcesConfig()
	cfg.BreakerFailures = 1
	f := newFixture(t, cfg)
	ctx := context.Background()

	f.job(t, model.EntityBuilder, "down")
	f.expect(model.EntityBuilder, "down", nil, errors.New("connection refused"))
	f.run(t, 1)
	assert.Equal(t, resilience.CircuitOpen, f.exec.BreakerStates()[f.src.ID])

	j := f.job(t, model.EntityBuilder, "down")
	res := f.run(t, 1)
	assert.Equal(t, 1, res.JobsFailed)

	got, err := f.st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Error, "circuit breaker is open")
	f.collab.AssertNumberOfCalls(t, "Discover", 1)

	src, err := f.reg.Get(ctx, f.src.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, src.FailureCount, "rejected calls are not charged")
}

func TestRunCycle_CanceledContext(t *testing.T) {
	f := newFixture(t, testSourcesConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.job(t, model.EntityBuilder, "x")
	_, err := f.exec.RunCycle(ctx, 1)
	assert.Error(t, err)

	pending, err := f.st.ListJobs(context.Background(), store.JobFilter{Status: model.JobPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1, "nothing admitted after cancellation")
	f.collab.AssertNotCalled(t, "Discover", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunCycle_IdleCycle(t *testing.T) {
	f := newFixture(t, testSourcesConfig())
	f.clock.Advance(2 * time.Hour)
	res := f.run(t, 3)
	assert.Zero(t, res.JobsRun)
	assert.NotEmpty(t, res.CycleID)
}
