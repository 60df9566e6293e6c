// Package executor runs collection cycles: it admits jobs up to a
// parallelism limit, calls the discovery collaborator for each, and
// reconciles the results in one transaction per job.
package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/entity-collector/internal/changes"
	"github.com/sells-group/entity-collector/internal/config"
	"github.com/sells-group/entity-collector/internal/discovery"
	"github.com/sells-group/entity-collector/internal/jobs"
	"github.com/sells-group/entity-collector/internal/model"
	"github.com/sells-group/entity-collector/internal/reconcile"
	"github.com/sells-group/entity-collector/internal/resilience"
	"github.com/sells-group/entity-collector/internal/sources"
	"github.com/sells-group/entity-collector/internal/store"
)

// Deps are the collaborators an Executor drives.
type Deps struct {
	Store        store.Store
	Scheduler    *jobs.Scheduler
	Sources      *sources.Registry
	Reconciler   *reconcile.Reconciler
	Changes      *changes.Engine
	Collaborator discovery.Collaborator
}

// CycleResult summarizes one RunCycle call.
type CycleResult struct {
	CycleID         string        `json:"cycle_id"`
	JobsRun         int           `json:"jobs_run"`
	JobsCompleted   int           `json:"jobs_completed"`
	JobsFailed      int           `json:"jobs_failed"`
	ChildJobs       int           `json:"child_jobs"`
	ItemsFound      int           `json:"items_found"`
	ChangesDetected int           `json:"changes_detected"`
	AutoApplied     int           `json:"auto_applied"`
	Conflicts       int           `json:"conflicts"`
	NewEntities     int           `json:"new_entities"`
	Withheld        int           `json:"withheld"`
	ReapedJobs      int           `json:"reaped_jobs"`
	StaleReleased   int64         `json:"stale_released"`
	CycleReleased   int64         `json:"cycle_released"`
	Duration        time.Duration `json:"duration"`
}

// Executor runs jobs concurrently with per-job failure isolation.
type Executor struct {
	Deps
	cfg      config.ExecutorConfig
	breakers *resilience.Breakers[int64]
	now      func() time.Time
	log      *zap.Logger

	rps      rate.Limit
	burst    int
	limitMu  sync.Mutex
	limiters map[int64]*rate.Limiter
}

// New creates an Executor. Source pacing and breaker policy come from
// srcCfg.
func New(deps Deps, cfg config.ExecutorConfig, srcCfg config.SourcesConfig) *Executor {
	log := zap.L().With(zap.String("component", "executor"))
	rps := rate.Inf
	if srcCfg.RequestsPerSecond > 0 {
		rps = rate.Limit(srcCfg.RequestsPerSecond)
	}
	burst := srcCfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Executor{
		Deps: deps,
		cfg:  cfg,
		breakers: resilience.NewBreakers[int64](resilience.BreakerFromConfig(srcCfg), func(id int64, from, to resilience.CircuitState) {
			log.Warn("source breaker state change",
				zap.Int64("source_id", id),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}),
		now:      time.Now,
		log:      log,
		rps:      rps,
		burst:    burst,
		limiters: make(map[int64]*rate.Limiter),
	}
}

// SetClock overrides the time source (for tests).
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// BreakerStates returns the breaker state of every source seen so far.
func (e *Executor) BreakerStates() map[int64]resilience.CircuitState {
	return e.breakers.States()
}

func (e *Executor) limiter(sourceID int64) *rate.Limiter {
	e.limitMu.Lock()
	defer e.limitMu.Unlock()
	l, ok := e.limiters[sourceID]
	if !ok {
		l = rate.NewLimiter(e.rps, e.burst)
		e.limiters[sourceID] = l
	}
	return l
}

// RunCycle admits and runs jobs until none can be admitted and none are in
// flight. A failing job is marked failed and never aborts its siblings.
func (e *Executor) RunCycle(ctx context.Context, maxParallel int) (*CycleResult, error) {
	if maxParallel < 1 {
		maxParallel = e.cfg.MaxParallel
	}
	if maxParallel < 1 {
		maxParallel = 1
	}
	start := e.now()
	res := &CycleResult{CycleID: uuid.NewString()}
	log := e.log.With(zap.String("cycle_id", res.CycleID))

	if ttl := time.Duration(e.cfg.InflightTTLMins) * time.Minute; ttl > 0 {
		n, err := e.Changes.ReleaseStale(ctx, start.Add(-ttl))
		if err != nil {
			return nil, eris.Wrap(err, "executor: release stale keys")
		}
		res.StaleReleased = n
	}
	reaped, err := e.Scheduler.ReapStale(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "executor: reap stale jobs")
	}
	res.ReapedJobs = len(reaped)

	var (
		mu       sync.Mutex
		inflight atomic.Int64
		done     = make(chan struct{}, 1)
		admitErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)

	for ctx.Err() == nil {
		free := maxParallel - int(inflight.Load())
		if free > 0 {
			admitted, err := e.Scheduler.AdmitNext(ctx, free)
			for _, j := range admitted {
				inflight.Add(1)
				g.Go(func() error {
					out := e.runJob(gctx, res.CycleID, j)
					mu.Lock()
					res.add(out)
					mu.Unlock()
					inflight.Add(-1)
					select {
					case done <- struct{}{}:
					default:
					}
					return nil
				})
			}
			if err != nil {
				admitErr = err
				break
			}
			if len(admitted) > 0 {
				continue
			}
		}
		if inflight.Load() == 0 {
			break
		}
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	_ = g.Wait()

	// Keys of applied changes are only held for the cycle.
	released, err := e.Changes.ReleaseCycle(context.WithoutCancel(ctx), res.CycleID)
	if err != nil {
		log.Error("release cycle keys failed", zap.Error(err))
	}
	res.CycleReleased = released
	res.Duration = e.now().Sub(start)

	log.Info("cycle finished",
		zap.Int("jobs_run", res.JobsRun),
		zap.Int("completed", res.JobsCompleted),
		zap.Int("failed", res.JobsFailed),
		zap.Int("changes", res.ChangesDetected),
		zap.Int("auto_applied", res.AutoApplied),
		zap.Int("conflicts", res.Conflicts),
		zap.Duration("duration", res.Duration),
	)
	if admitErr != nil {
		return res, eris.Wrap(admitErr, "executor: admit")
	}
	return res, ctx.Err()
}

// jobOutcome is the tally of one job.
type jobOutcome struct {
	failed      bool
	counters    model.JobCounters
	children    int
	autoApplied int
	conflicts   int
	withheld    int
}

func (r *CycleResult) add(o jobOutcome) {
	r.JobsRun++
	if o.failed {
		r.JobsFailed++
	} else {
		r.JobsCompleted++
	}
	r.ChildJobs += o.children
	r.ItemsFound += o.counters.ItemsFound
	r.ChangesDetected += o.counters.ChangesDetected
	r.NewEntities += o.counters.NewEntitiesFound
	r.AutoApplied += o.autoApplied
	r.Conflicts += o.conflicts
	r.Withheld += o.withheld
}

// runJob executes one admitted job and records its terminal state. Errors
// end up on the job row, never in the return value.
func (e *Executor) runJob(ctx context.Context, cycleID string, job model.Job) jobOutcome {
	log := e.log.With(zap.Int64("job_id", job.ID), zap.Int64("source_id", job.SourceID))
	out := jobOutcome{}

	err := e.execute(ctx, cycleID, &job, &out)
	if err == nil {
		log.Info("job completed",
			zap.Int("items_found", out.counters.ItemsFound),
			zap.Int("changes", out.counters.ChangesDetected),
			zap.Int("children", out.children),
		)
		return out
	}

	out.failed = true
	log.Warn("job failed", zap.Error(err))
	// The failure is recorded even when the cycle is being shut down.
	if ferr := e.Scheduler.Fail(context.WithoutCancel(ctx), job.ID, err, out.counters); ferr != nil {
		log.Error("mark job failed", zap.Error(ferr))
	}
	return out
}

func (e *Executor) execute(ctx context.Context, cycleID string, job *model.Job, out *jobOutcome) error {
	src, records, err := e.discover(ctx, job)
	out.counters.ItemsFound = len(records)
	if err != nil {
		return err
	}

	return e.Store.WithTx(ctx, func(tx store.Store) error {
		var (
			counters = model.JobCounters{ItemsFound: len(records)}
			matched  []int64
			auto     int
			conflict int
			withheld int
		)
		for i := range records {
			o, err := e.Reconciler.Process(ctx, tx, reconcile.ProcessInput{
				Record:  &records[i],
				Source:  src,
				JobID:   &job.ID,
				CycleID: cycleID,
			})
			if err != nil {
				return eris.Wrapf(err, "record %d", i)
			}
			counters.ChangesDetected += o.ChangeCount()
			if o.NewEntity() {
				counters.NewEntitiesFound++
			}
			if o.Changes != nil {
				auto += o.Changes.AutoApplied
				conflict += o.Changes.Conflicts
			}
			if o.Withheld {
				withheld++
			}
			if o.Match.Resolved() && o.Match.MatchedEntityID != nil {
				matched = append(matched, *o.Match.MatchedEntityID)
			}
		}

		children, err := e.Scheduler.WithStore(tx).Complete(ctx, job.ID, jobs.Result{
			JobCounters:      counters,
			MatchedEntityIDs: matched,
		})
		if err != nil {
			return err
		}
		out.counters = counters
		out.children = len(children)
		out.autoApplied, out.conflicts, out.withheld = auto, conflict, withheld
		return nil
	})
}

// discover paces and calls the collaborator for job, charges the access to
// the source and validates the result.
func (e *Executor) discover(ctx context.Context, job *model.Job) (*model.Source, []model.DiscoveredRecord, error) {
	// The admission reservation is released on every path.
	defer e.Scheduler.Charged(job.SourceID)

	if err := e.limiter(job.SourceID).Wait(ctx); err != nil {
		return nil, nil, eris.Wrap(err, "executor: wait for source pacing")
	}

	records, err := resilience.ExecuteVal(ctx, e.breakers.Get(job.SourceID), func(ctx context.Context) ([]model.DiscoveredRecord, error) {
		return e.Collaborator.Discover(ctx, job.EntityType, job.SearchParams, job.SourceID)
	})
	if eris.Is(err, resilience.ErrCircuitOpen) {
		// The source was not contacted; no access is charged.
		return nil, nil, eris.Wrapf(err, "source %d", job.SourceID)
	}
	var valid []model.DiscoveredRecord
	if err == nil {
		valid, err = discovery.ValidateRecords(records, job.EntityType)
	}

	src, aerr := e.Sources.RecordAccess(context.WithoutCancel(ctx), job.SourceID, err == nil)
	if aerr != nil {
		return nil, records, aerr
	}
	if err != nil {
		// Collaborator errors are stored on the job as returned.
		return nil, records, err
	}
	return src, valid, nil
}
