// Package reconcile ties the matcher to the change engine: it persists
// match outcomes, routes resolved records to Propose and carries out
// operator decisions on pending matches.
package reconcile

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/entity-collector/internal/audit"
	"github.com/sells-group/entity-collector/internal/changes"
	"github.com/sells-group/entity-collector/internal/match"
	"github.com/sells-group/entity-collector/internal/model"
	"github.com/sells-group/entity-collector/internal/store"
)

// Reconciler persists matches and proposes changes from them.
type Reconciler struct {
	st      store.Store
	matcher *match.Matcher
	engine  *changes.Engine
	log     *zap.Logger
}

// New creates a Reconciler.
func New(st store.Store, matcher *match.Matcher, engine *changes.Engine) *Reconciler {
	return &Reconciler{
		st:      st,
		matcher: matcher,
		engine:  engine,
		log:     zap.L().With(zap.String("component", "reconcile")),
	}
}

// ProcessInput is one discovered record in the context of a running job.
type ProcessInput struct {
	Record  *model.DiscoveredRecord
	Source  *model.Source
	JobID   *int64
	CycleID string
}

// Outcome is what reconciling one record produced.
type Outcome struct {
	Match   *model.EntityMatch `json:"match"`
	Changes *changes.Result    `json:"changes,omitempty"`
	// Withheld is set when the match needs review before any change.
	Withheld bool `json:"withheld"`
}

// ChangeCount returns the number of changes recorded for the outcome.
func (o *Outcome) ChangeCount() int {
	if o == nil || o.Changes == nil {
		return 0
	}
	return len(o.Changes.Changes)
}

// NewEntity reports whether the outcome proposed a new entity.
func (o *Outcome) NewEntity() bool {
	return o != nil && o.Changes != nil && o.Changes.NewEntity
}

// Process matches in.Record, stores the match with a history row and
// proposes changes for confirmed or unmatched records. Everything is written
// through tx so the caller decides the transaction boundary.
func (r *Reconciler) Process(ctx context.Context, tx store.Store, in ProcessInput) (*Outcome, error) {
	if in.Record == nil || in.Source == nil {
		return nil, model.Invalidf("process requires a record and a source")
	}
	m, err := r.matcher.Match(ctx, tx, in.Record)
	if err != nil {
		return nil, err
	}
	m.JobID = in.JobID
	m.SourceID = &in.Source.ID
	if err := tx.InsertMatch(ctx, m); err != nil {
		return nil, eris.Wrap(err, "reconcile: insert match")
	}
	record, reason := audit.Transition, "matched"
	if m.Status == model.MatchConfirmed && m.ReviewedBy == model.SystemActor {
		record, reason = audit.AutoTransition, "auto-confirmed"
	}
	if err := record(ctx, tx, model.SubjectMatch, m.ID, "", string(m.Status), reason, map[string]any{
		"method":            string(m.Method),
		"confidence":        m.Confidence,
		"matched_entity_id": m.MatchedEntityID,
	}); err != nil {
		return nil, err
	}

	out := &Outcome{Match: m}
	ci := changes.Input{
		Record:          in.Record,
		SourceID:        in.Source.ID,
		Reliability:     in.Source.ReliabilityScore,
		MatchID:         &m.ID,
		MatchConfidence: m.Confidence,
		JobID:           in.JobID,
		CycleID:         in.CycleID,
	}
	switch {
	case m.Resolved():
		ci.EntityID = m.MatchedEntityID
	case m.MatchedEntityID == nil:
		// Unmatched: proposed as a new entity.
	default:
		out.Withheld = true
		r.log.Debug("changes withheld",
			zap.Error(eris.Wrapf(model.ErrMatchAmbiguous, "match %d confidence %.3f", m.ID, m.Confidence)),
			zap.Int64p("job_id", in.JobID),
		)
		return out, nil
	}

	res, err := r.engine.WithStore(tx).Propose(ctx, ci)
	if err != nil {
		return nil, err
	}
	out.Changes = res
	return out, nil
}

// ConfirmMatch resolves a pending match. With a nil override the proposed
// candidate is confirmed; with an override the match is merged into that
// entity by manual decision. Pending new-entity changes for the match are
// rejected and field changes are proposed from the stored snapshot.
func (r *Reconciler) ConfirmMatch(ctx context.Context, matchID int64, actor string, override *int64) (*Outcome, error) {
	if actor == "" {
		return nil, model.Invalidf("confirm requires an actor")
	}
	var out *Outcome
	err := r.st.WithTx(ctx, func(tx store.Store) error {
		m, err := tx.GetMatch(ctx, matchID)
		if err != nil {
			return err
		}
		if m.Status != model.MatchPending {
			return eris.Wrapf(model.ErrInvalidTransition, "match %d is %s", matchID, m.Status)
		}

		upd := store.MatchUpdate{Status: model.MatchConfirmed, ReviewedBy: actor}
		target := m.MatchedEntityID
		confidence := m.Confidence
		if override != nil {
			target = override
			confidence = 1.0
			upd.Status = model.MatchMerged
			upd.Method = model.MatchMethodManual
		}
		if target == nil {
			return model.Invalidf("match %d has no candidate entity; supply one to merge", matchID)
		}
		if _, err := tx.GetEntity(ctx, m.EntityType, *target); err != nil {
			return err
		}
		upd.MatchedEntityID = target

		if err := r.resolve(ctx, tx, m, upd); err != nil {
			return err
		}
		if err := r.rejectNewEntityChanges(ctx, tx, matchID, actor, "match confirmed"); err != nil {
			return err
		}

		m.Status = upd.Status
		m.MatchedEntityID = target
		res, err := r.proposeReviewed(ctx, tx, m, target, confidence)
		if err != nil {
			return err
		}
		out = &Outcome{Match: m, Changes: res}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: confirm match")
	}
	r.log.Info("match confirmed",
		zap.Int64("match_id", matchID),
		zap.String("status", string(out.Match.Status)),
		zap.Int("changes", out.ChangeCount()),
	)
	return out, nil
}

// RejectMatch rejects a pending match. When asNew is set the record is
// proposed as a new entity instead; otherwise any pending new-entity change
// for the match is rejected with it.
func (r *Reconciler) RejectMatch(ctx context.Context, matchID int64, actor string, asNew bool) (*Outcome, error) {
	if actor == "" {
		return nil, model.Invalidf("reject requires an actor")
	}
	var out *Outcome
	err := r.st.WithTx(ctx, func(tx store.Store) error {
		m, err := tx.GetMatch(ctx, matchID)
		if err != nil {
			return err
		}
		if m.Status != model.MatchPending {
			return eris.Wrapf(model.ErrInvalidTransition, "match %d is %s", matchID, m.Status)
		}
		if err := r.resolve(ctx, tx, m, store.MatchUpdate{Status: model.MatchRejected, ReviewedBy: actor}); err != nil {
			return err
		}
		m.Status = model.MatchRejected
		out = &Outcome{Match: m}

		if !asNew {
			return r.rejectNewEntityChanges(ctx, tx, matchID, actor, "match rejected")
		}
		res, err := r.proposeReviewed(ctx, tx, m, nil, 0)
		if err != nil {
			return err
		}
		out.Changes = res
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: reject match")
	}
	r.log.Info("match rejected", zap.Int64("match_id", matchID), zap.Bool("as_new", asNew))
	return out, nil
}

// resolve moves m out of pending and records the decision.
func (r *Reconciler) resolve(ctx context.Context, tx store.Store, m *model.EntityMatch, upd store.MatchUpdate) error {
	ok, err := tx.ResolveMatch(ctx, m.ID, model.MatchPending, upd)
	if err != nil {
		return err
	}
	if !ok {
		return eris.Wrapf(model.ErrInvalidTransition, "match %d left pending concurrently", m.ID)
	}
	meta := map[string]any{}
	if upd.MatchedEntityID != nil {
		meta["matched_entity_id"] = *upd.MatchedEntityID
	}
	return audit.Record(ctx, tx, &model.HistoryEntry{
		EntityType:   model.SubjectMatch,
		EntityID:     m.ID,
		Field:        "status",
		OldValue:     string(model.MatchPending),
		NewValue:     string(upd.Status),
		Actor:        upd.ReviewedBy,
		ChangeSource: model.ChangeSourceManual,
		Metadata:     meta,
	})
}

func (r *Reconciler) rejectNewEntityChanges(ctx context.Context, tx store.Store, matchID int64, actor, notes string) error {
	pending, err := tx.ListChanges(ctx, store.ChangeFilter{MatchID: matchID, Status: model.ChangePending})
	if err != nil {
		return err
	}
	eng := r.engine.WithStore(tx)
	for _, c := range pending {
		if !c.IsNewEntity() {
			continue
		}
		if _, err := eng.Reject(ctx, c.ID, actor, notes); err != nil {
			return err
		}
	}
	return nil
}

// proposeReviewed proposes changes from a reviewed match's snapshot. Keys
// taken by auto-applied changes are released before returning since the
// review is its own cycle.
func (r *Reconciler) proposeReviewed(ctx context.Context, tx store.Store, m *model.EntityMatch, entityID *int64, confidence float64) (*changes.Result, error) {
	if m.SourceID == nil {
		return nil, model.Invalidf("match %d has no source", m.ID)
	}
	src, err := tx.GetSource(ctx, *m.SourceID)
	if err != nil {
		return nil, err
	}
	rec := m.RawData
	if rec.EntityType == "" {
		rec.EntityType = m.EntityType
	}
	if rec.Name == "" {
		rec.Name = m.DiscoveredName
	}

	cycleID := "review-" + uuid.NewString()
	eng := r.engine.WithStore(tx)
	res, err := eng.Propose(ctx, changes.Input{
		Record:          &rec,
		EntityID:        entityID,
		SourceID:        src.ID,
		Reliability:     src.ReliabilityScore,
		MatchID:         &m.ID,
		MatchConfidence: confidence,
		JobID:           m.JobID,
		CycleID:         cycleID,
	})
	if err != nil {
		return nil, err
	}
	if res.AutoApplied > 0 {
		if _, err := eng.ReleaseCycle(ctx, cycleID); err != nil {
			return nil, err
		}
	}
	return res, nil
}
