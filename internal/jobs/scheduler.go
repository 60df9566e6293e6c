// Package jobs owns the job lifecycle: creation, admission, completion with
// child spawning, failure, retry and the stale-job reaper.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/entity-collector/internal/audit"
	"github.com/sells-group/entity-collector/internal/config"
	"github.com/sells-group/entity-collector/internal/model"
	"github.com/sells-group/entity-collector/internal/resilience"
	"github.com/sells-group/entity-collector/internal/sources"
	"github.com/sells-group/entity-collector/internal/store"
)

// JobSpec is the input to CreateJob.
type JobSpec struct {
	EntityType       model.EntityType `json:"entity_type" validate:"required,oneof=builder community property representative"`
	JobType          model.JobType    `json:"job_type" validate:"required,oneof=discovery update inventory refresh"`
	SourceID         int64            `json:"source_id" validate:"required,gt=0"`
	TargetEntityID   *int64           `json:"target_entity_id,omitempty" validate:"omitempty,gt=0"`
	ParentEntityType model.EntityType `json:"parent_entity_type,omitempty" validate:"omitempty,oneof=builder community"`
	ParentEntityID   *int64           `json:"parent_entity_id,omitempty" validate:"omitempty,gt=0"`
	// Priority overrides the configured default for the job type.
	Priority     *int   `json:"priority,omitempty" validate:"omitempty,gte=0,lte=100"`
	SearchParams string `json:"search_params" validate:"max=4000"`
}

// Result is what the executor reports for a finished job.
type Result struct {
	model.JobCounters
	// MatchedEntityIDs are the confirmed matches of the job, used to spawn
	// child jobs.
	MatchedEntityIDs []int64 `json:"matched_entity_ids,omitempty"`
}

// Scheduler creates, admits and finishes jobs.
type Scheduler struct {
	st       store.Store
	sources  *sources.Registry
	cfg      config.JobsConfig
	instance string
	now      func() time.Time
	log      *zap.Logger

	// reserved counts admitted jobs per source that have not yet charged
	// their access; shared by copies made with WithStore.
	mu       *sync.Mutex
	reserved map[int64]int
}

// New creates a Scheduler. Claims are stamped with a fresh instance id.
func New(st store.Store, reg *sources.Registry, cfg config.JobsConfig) *Scheduler {
	return &Scheduler{
		st:       st,
		sources:  reg,
		cfg:      cfg,
		instance: uuid.NewString(),
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "jobs")),
		mu:       &sync.Mutex{},
		reserved: make(map[int64]int),
	}
}

// WithStore returns a copy of s bound to st, typically a transaction.
func (s *Scheduler) WithStore(st store.Store) *Scheduler {
	cp := *s
	cp.st = st
	cp.sources = s.sources.WithStore(st)
	return &cp
}

// SetClock overrides the reaper's time source. Intended for tests.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Instance returns the id recorded as claimed_by.
func (s *Scheduler) Instance() string { return s.instance }

// CreateJob validates spec and persists a pending job with one history row.
// Nothing is written when validation fails.
func (s *Scheduler) CreateJob(ctx context.Context, spec JobSpec, actor string) (*model.Job, error) {
	if err := validator.New().Struct(spec); err != nil {
		return nil, model.Invalidf("job spec: %v", err)
	}
	if err := checkCombination(spec); err != nil {
		return nil, err
	}

	priority := s.cfg.DefaultPriority[string(spec.JobType)]
	if spec.Priority != nil {
		priority = *spec.Priority
	}
	j := &model.Job{
		EntityType:       spec.EntityType,
		JobType:          spec.JobType,
		SourceID:         spec.SourceID,
		TargetEntityID:   spec.TargetEntityID,
		ParentEntityType: spec.ParentEntityType,
		ParentEntityID:   spec.ParentEntityID,
		Priority:         priority,
		SearchParams:     spec.SearchParams,
	}

	err := s.st.WithTx(ctx, func(tx store.Store) error {
		if err := checkReferences(ctx, tx, spec); err != nil {
			return err
		}
		return s.insert(ctx, tx, j, actor, "created", nil)
	})
	if err != nil {
		return nil, eris.Wrap(err, "jobs: create")
	}
	s.log.Info("job created",
		zap.Int64("job_id", j.ID),
		zap.String("job_type", string(j.JobType)),
		zap.String("entity_type", string(j.EntityType)),
		zap.Int("priority", j.Priority),
	)
	return j, nil
}

// checkCombination enforces the rules tying job type, entity type, target
// and parent together.
func checkCombination(spec JobSpec) error {
	if (spec.ParentEntityType == "") != (spec.ParentEntityID == nil) {
		return model.Invalidf("parent entity type and id must be given together")
	}
	hasParent := spec.ParentEntityID != nil

	switch spec.JobType {
	case model.JobDiscovery:
		if spec.TargetEntityID != nil {
			return model.Invalidf("discovery jobs cannot target an existing entity")
		}
		if hasParent && spec.ParentEntityType == spec.EntityType {
			return model.Invalidf("discovery parent must differ from the discovered entity type")
		}
	case model.JobUpdate, model.JobRefresh:
		if spec.TargetEntityID == nil {
			return model.Invalidf("%s jobs require a target entity", spec.JobType)
		}
	case model.JobInventory:
		if spec.EntityType != model.EntityProperty {
			return model.Invalidf("inventory jobs collect properties, not %s", spec.EntityType)
		}
		if !hasParent {
			return model.Invalidf("inventory jobs require a parent entity")
		}
	}
	return nil
}

// checkReferences verifies that the source, target and parent exist and fit.
func checkReferences(ctx context.Context, tx store.Store, spec JobSpec) error {
	src, err := tx.GetSource(ctx, spec.SourceID)
	if eris.Is(err, model.ErrNotFound) {
		return model.Invalidf("source %d does not exist", spec.SourceID)
	}
	if err != nil {
		return err
	}
	if !src.Active {
		return model.Invalidf("source %q is inactive", src.Name)
	}
	if !src.Supplies(spec.EntityType) {
		return model.Invalidf("source %q does not supply %s records", src.Name, spec.EntityType)
	}

	refs := []struct {
		et model.EntityType
		id *int64
	}{
		{spec.EntityType, spec.TargetEntityID},
		{spec.ParentEntityType, spec.ParentEntityID},
	}
	for _, ref := range refs {
		if ref.id == nil {
			continue
		}
		if _, err := tx.GetEntity(ctx, ref.et, *ref.id); err != nil {
			if eris.Is(err, model.ErrNotFound) {
				return model.Invalidf("%s %d does not exist", ref.et, *ref.id)
			}
			return err
		}
	}
	return nil
}

// insert writes j as pending and records it in the ledger.
func (s *Scheduler) insert(ctx context.Context, tx store.Store, j *model.Job, actor, reason string, meta map[string]any) error {
	j.Status = model.JobPending
	if err := tx.InsertJob(ctx, j); err != nil {
		return err
	}
	src := model.ChangeSourceManual
	if actor == "" {
		src = model.ChangeSourceCollection
	}
	return audit.Record(ctx, tx, &model.HistoryEntry{
		EntityType:   model.SubjectJob,
		EntityID:     j.ID,
		Field:        "status",
		NewValue:     string(model.JobPending),
		Reason:       reason,
		Actor:        actor,
		ChangeSource: src,
		Metadata:     meta,
	})
}

// AdmitNext claims up to capacity pending jobs in priority order. Jobs whose
// source is unavailable stay pending. Jobs admitted earlier that have not
// charged their access yet count against the daily budget, as do jobs
// admitted in this round. Pending jobs are read a page at a time, and sources
// found unavailable are excluded from later pages so held jobs cannot fill the
// scan window ahead of admissible ones.
func (s *Scheduler) AdmitNext(ctx context.Context, capacity int) ([]model.Job, error) {
	if capacity <= 0 {
		return nil, nil
	}

	srcs := make(map[int64]*model.Source)
	var held []int64
	var out []model.Job
	for len(out) < capacity {
		pending, err := s.st.ListPendingJobs(ctx, s.cfg.AdmitScanLimit, held...)
		if err != nil {
			return out, eris.Wrap(err, "jobs: list pending")
		}
		if len(pending) == 0 {
			break
		}

		// Every row either leaves the pending set or excludes its source,
		// so a page without either means nothing more can be admitted.
		progressed := false
		heldNow := make(map[int64]bool)
		for _, j := range pending {
			if len(out) >= capacity {
				break
			}
			if heldNow[j.SourceID] {
				continue
			}
			src, ok := srcs[j.SourceID]
			if !ok {
				src, err = s.st.GetSource(ctx, j.SourceID)
				if err != nil {
					return out, eris.Wrapf(err, "jobs: source for job %d", j.ID)
				}
				srcs[j.SourceID] = src
			}
			if err := s.sources.CheckAvailability(src, s.reservedFor(src.ID)); err != nil {
				s.log.Debug("source held", zap.Int64("source_id", src.ID), zap.Int64("job_id", j.ID), zap.Error(err))
				heldNow[src.ID] = true
				held = append(held, src.ID)
				progressed = true
				continue
			}

			claimed, err := s.claim(ctx, j.ID)
			if err != nil {
				return out, err
			}
			progressed = true
			if claimed == nil {
				continue
			}
			s.reserve(src.ID)
			out = append(out, *claimed)
		}
		if !progressed {
			break
		}
	}
	if len(out) > 0 {
		s.log.Info("jobs admitted", zap.Int("count", len(out)))
	}
	return out, nil
}

// claim moves one job to running. It returns nil when another instance won.
func (s *Scheduler) claim(ctx context.Context, id int64) (*model.Job, error) {
	var out *model.Job
	err := s.st.WithTx(ctx, func(tx store.Store) error {
		ok, err := tx.ClaimJob(ctx, id, s.instance)
		if err != nil || !ok {
			return err
		}
		if err := audit.Transition(ctx, tx, model.SubjectJob, id, string(model.JobPending), string(model.JobRunning),
			"admitted", map[string]any{"claimed_by": s.instance}); err != nil {
			return err
		}
		out, err = tx.GetJob(ctx, id)
		return err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: claim %d", id)
	}
	return out, nil
}

func (s *Scheduler) reservedFor(sourceID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserved[sourceID]
}

func (s *Scheduler) reserve(sourceID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved[sourceID]++
}

// Charged releases the admission reservation of one job against sourceID
// once its access has been recorded, or once it will not be.
func (s *Scheduler) Charged(sourceID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserved[sourceID] <= 1 {
		delete(s.reserved, sourceID)
		return
	}
	s.reserved[sourceID]--
}

// Complete marks a running job completed with its counters and spawns child
// jobs. It returns the spawned children.
func (s *Scheduler) Complete(ctx context.Context, jobID int64, res Result) ([]model.Job, error) {
	var children []model.Job
	err := s.st.WithTx(ctx, func(tx store.Store) error {
		if err := s.finish(ctx, tx, jobID, model.JobCompleted, res.JobCounters, "", map[string]any{
			"items_found":        res.ItemsFound,
			"changes_detected":   res.ChangesDetected,
			"new_entities_found": res.NewEntitiesFound,
		}); err != nil {
			return err
		}
		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		children, err = s.spawnChildren(ctx, tx, job, res.MatchedEntityIDs)
		return err
	})
	if err != nil {
		return nil, eris.Wrap(err, "jobs: complete")
	}
	s.log.Info("job completed",
		zap.Int64("job_id", jobID),
		zap.Int("items_found", res.ItemsFound),
		zap.Int("changes_detected", res.ChangesDetected),
		zap.Int("children", len(children)),
	)
	return children, nil
}

// Fail marks a running job failed. The cause's message is stored verbatim
// and partial counters are kept.
func (s *Scheduler) Fail(ctx context.Context, jobID int64, cause error, counters model.JobCounters) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	err := s.st.WithTx(ctx, func(tx store.Store) error {
		return s.finish(ctx, tx, jobID, model.JobFailed, counters, msg, map[string]any{
			"classification": resilience.ClassifyError(cause),
			"items_found":    counters.ItemsFound,
		})
	})
	if err != nil {
		return eris.Wrap(err, "jobs: fail")
	}
	s.log.Warn("job failed", zap.Int64("job_id", jobID), zap.String("error", msg))
	return nil
}

func (s *Scheduler) finish(ctx context.Context, tx store.Store, jobID int64, to model.JobStatus, c model.JobCounters, msg string, meta map[string]any) error {
	ok, err := tx.FinishJob(ctx, jobID, to, c, msg)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := tx.GetJob(ctx, jobID); err != nil {
			return err
		}
		return eris.Wrapf(model.ErrInvalidTransition, "job %d is not running", jobID)
	}
	return audit.Transition(ctx, tx, model.SubjectJob, jobID, string(model.JobRunning), string(to), msg, meta)
}

// Retry creates a new pending job from a failed one.
func (s *Scheduler) Retry(ctx context.Context, jobID int64, actor string) (*model.Job, error) {
	if actor == "" {
		return nil, model.Invalidf("retry requires an actor")
	}
	var out *model.Job
	err := s.st.WithTx(ctx, func(tx store.Store) error {
		old, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if old.Status != model.JobFailed {
			return eris.Wrapf(model.ErrInvalidTransition, "job %d is %s; only failed jobs can be retried", jobID, old.Status)
		}
		out = &model.Job{
			EntityType:       old.EntityType,
			JobType:          old.JobType,
			SourceID:         old.SourceID,
			TargetEntityID:   old.TargetEntityID,
			ParentEntityType: old.ParentEntityType,
			ParentEntityID:   old.ParentEntityID,
			Priority:         old.Priority,
			SearchParams:     old.SearchParams,
			RetryOf:          &old.ID,
		}
		return s.insert(ctx, tx, out, actor, "retry", map[string]any{"retry_of": old.ID})
	})
	if err != nil {
		return nil, eris.Wrap(err, "jobs: retry")
	}
	s.log.Info("job retried", zap.Int64("job_id", out.ID), zap.Int64("retry_of", jobID))
	return out, nil
}

// Abandon fails a running job on an operator's behalf. Work already in
// flight for it is not interrupted; its completion will be refused.
func (s *Scheduler) Abandon(ctx context.Context, jobID int64, actor, reason string) error {
	if actor == "" {
		return model.Invalidf("abandon requires an actor")
	}
	err := s.st.WithTx(ctx, func(tx store.Store) error {
		j, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		msg := fmt.Sprintf("abandoned by %s", actor)
		if reason != "" {
			msg += ": " + reason
		}
		ok, err := tx.FinishJob(ctx, jobID, model.JobFailed, counters(j), msg)
		if err != nil {
			return err
		}
		if !ok {
			return eris.Wrapf(model.ErrInvalidTransition, "job %d is %s", jobID, j.Status)
		}
		return audit.Record(ctx, tx, &model.HistoryEntry{
			EntityType:   model.SubjectJob,
			EntityID:     jobID,
			Field:        "status",
			OldValue:     string(model.JobRunning),
			NewValue:     string(model.JobFailed),
			Reason:       msg,
			Actor:        actor,
			ChangeSource: model.ChangeSourceManual,
		})
	})
	return eris.Wrap(err, "jobs: abandon")
}

// ReapStale fails running jobs whose lease has expired. It does nothing when
// the lease timeout is zero.
func (s *Scheduler) ReapStale(ctx context.Context) ([]int64, error) {
	timeout := s.cfg.LeaseTimeout()
	if timeout <= 0 {
		return nil, nil
	}
	stale, err := s.st.ListRunningJobsStartedBefore(ctx, s.now().Add(-timeout))
	if err != nil {
		return nil, eris.Wrap(err, "jobs: list stale")
	}

	var reaped []int64
	for _, j := range stale {
		msg := fmt.Sprintf("lease expired after %s", timeout)
		var ok bool
		err := s.st.WithTx(ctx, func(tx store.Store) error {
			var err error
			ok, err = tx.FinishJob(ctx, j.ID, model.JobFailed, counters(&j), msg)
			if err != nil || !ok {
				return err
			}
			return audit.Transition(ctx, tx, model.SubjectJob, j.ID, string(model.JobRunning), string(model.JobFailed),
				msg, map[string]any{"claimed_by": j.ClaimedBy})
		})
		if err != nil {
			return reaped, eris.Wrapf(err, "jobs: reap %d", j.ID)
		}
		if ok {
			reaped = append(reaped, j.ID)
		}
	}
	if len(reaped) > 0 {
		s.log.Warn("stale jobs reaped", zap.Int64s("job_ids", reaped))
	}
	return reaped, nil
}

func (s *Scheduler) Get(ctx context.Context, id int64) (*model.Job, error) {
	return s.st.GetJob(ctx, id)
}

func (s *Scheduler) List(ctx context.Context, filter store.JobFilter) ([]model.Job, error) {
	return s.st.ListJobs(ctx, filter)
}

func counters(j *model.Job) model.JobCounters {
	return model.JobCounters{
		ItemsFound:       j.ItemsFound,
		ChangesDetected:  j.ChangesDetected,
		NewEntitiesFound: j.NewEntitiesFound,
	}
}
