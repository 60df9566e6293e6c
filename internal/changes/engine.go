// Package changes turns matched discoveries into field-level change
// proposals, applies the auto-apply policy and handles manual review.
package changes

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/entity-collector/internal/audit"
	"github.com/sells-group/entity-collector/internal/config"
	"github.com/sells-group/entity-collector/internal/model"
	"github.com/sells-group/entity-collector/internal/store"
)

// Engine proposes, applies, reviews and reverts changes.
type Engine struct {
	st        store.Store
	threshold float64
	allow     map[string]bool
	protected map[string]bool
	now       func() time.Time
	log       *zap.Logger
}

// New creates an Engine from the auto-apply policy.
func New(st store.Store, policy config.PolicyConfig) *Engine {
	return &Engine{
		st:        st,
		threshold: policy.AutoApplyThreshold,
		allow:     toSet(policy.AllowListedFields),
		protected: toSet(policy.ProtectedFields),
		now:       func() time.Time { return time.Now().UTC() },
		log:       zap.L().With(zap.String("component", "changes")),
	}
}

// WithStore returns a copy of e bound to st, typically a transaction.
func (e *Engine) WithStore(st store.Store) *Engine {
	cp := *e
	cp.st = st
	return &cp
}

// SetClock overrides the applied_at time source. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = func() time.Time { return now().UTC() }
}

// Input describes one resolved discovery to diff against the canonical
// store. A nil EntityID proposes a new entity.
type Input struct {
	Record          *model.DiscoveredRecord
	EntityID        *int64
	SourceID        int64
	Reliability     float64
	MatchID         *int64
	MatchConfidence float64
	JobID           *int64
	CycleID         string
}

// Result summarizes a Propose call.
type Result struct {
	Changes     []model.Change `json:"changes"`
	AutoApplied int            `json:"auto_applied"`
	Conflicts   int            `json:"conflicts"`
	NewEntity   bool           `json:"new_entity"`
}

// Propose records one change per differing field, or a single new-entity
// change when in.EntityID is nil. A field already held by another in-flight
// change is skipped and counted as a conflict.
func (e *Engine) Propose(ctx context.Context, in Input) (*Result, error) {
	rec := in.Record
	if rec == nil {
		return nil, model.Invalidf("propose without record")
	}
	if _, ok := rec.EntityType.Schema(); !ok {
		return nil, model.Invalidf("unknown entity type %q", rec.EntityType)
	}
	if in.EntityID == nil {
		return e.proposeNew(ctx, in)
	}
	return e.proposeFields(ctx, in)
}

func (e *Engine) proposeNew(ctx context.Context, in Input) (*Result, error) {
	rec := in.Record
	key := model.NewEntityKey(rec.EntityType, rec.Name, rec.City, rec.State)
	c := &model.Change{
		EntityType:     rec.EntityType,
		FieldName:      model.NewEntityField,
		NewValue:       rec.Name,
		ProposedRecord: DiscoveredFields(rec),
		ChangeType:     model.ChangeAdded,
		Status:         model.ChangePending,
		Confidence:     clamp01(in.Reliability),
		SourceID:       &in.SourceID,
		SourceURL:      rec.SourceURL,
		JobID:          in.JobID,
		MatchID:        in.MatchID,
		CycleID:        in.CycleID,
		InflightKey:    &key,
	}
	res := &Result{}
	ok, err := e.insert(ctx, c, res)
	if err != nil || !ok {
		return res, err
	}
	res.NewEntity = true
	return res, nil
}

func (e *Engine) proposeFields(ctx context.Context, in Input) (*Result, error) {
	rec := in.Record
	schema, _ := rec.EntityType.Schema()
	current, err := e.st.GetEntity(ctx, rec.EntityType, *in.EntityID)
	if err != nil {
		return nil, eris.Wrap(err, "changes: load entity")
	}

	discovered := DiscoveredFields(rec)
	confidence := clamp01(in.Reliability * in.MatchConfidence)
	res := &Result{}

	for _, field := range schema.Fields {
		newVal, present := discovered[field]
		if !present {
			continue
		}
		oldVal := current.Fields[field]
		changeType, differs := model.ClassifyDiff(field, oldVal, newVal)
		if !differs {
			continue
		}

		key := model.FieldKey(rec.EntityType, current.ID, field)
		c := &model.Change{
			EntityType:  rec.EntityType,
			EntityID:    &current.ID,
			FieldName:   field,
			OldValue:    oldVal,
			NewValue:    newVal,
			ChangeType:  changeType,
			Status:      model.ChangePending,
			Confidence:  confidence,
			SourceID:    &in.SourceID,
			SourceURL:   rec.SourceURL,
			JobID:       in.JobID,
			MatchID:     in.MatchID,
			CycleID:     in.CycleID,
			InflightKey: &key,
		}
		if reason, auto := e.autoApplyReason(schema, field, changeType, confidence); auto {
			applied := e.now()
			c.Status = model.ChangeApplied
			c.AutoApplied = true
			c.AutoApplyReason = &reason
			c.AppliedAt = &applied
		}

		ok, err := e.insert(ctx, c, res)
		if err != nil {
			return res, err
		}
		if !ok || !c.AutoApplied {
			continue
		}
		if err := e.writeField(ctx, c, oldVal, newVal, *c.AutoApplyReason, model.SystemActor, model.ChangeSourceAuto); err != nil {
			return res, err
		}
		res.AutoApplied++
	}
	return res, nil
}

// autoApplyReason decides whether a field change is applied without review.
func (e *Engine) autoApplyReason(schema model.EntitySchema, field string, ct model.ChangeType, confidence float64) (string, bool) {
	if confidence < e.threshold {
		return "", false
	}
	if e.protected[field] || field == schema.Identifier {
		return "", false
	}
	switch {
	case ct == model.ChangeAdded:
		return model.ReasonFillingEmptyField, true
	case e.allow[field]:
		return model.ReasonAllowListedField, true
	}
	return "", false
}

// insert writes c under its in-flight key. It returns false when another
// change holds the key; the conflict is counted on res.
func (e *Engine) insert(ctx context.Context, c *model.Change, res *Result) (bool, error) {
	ok, err := e.st.InsertChange(ctx, c)
	if err != nil {
		return false, eris.Wrap(err, "changes: insert")
	}
	if !ok {
		res.Conflicts++
		e.log.Debug("change discarded",
			zap.Error(eris.Wrapf(model.ErrWriteConflict, "key %s", derefKey(c.InflightKey))),
			zap.Int64p("job_id", c.JobID),
		)
		return false, nil
	}
	res.Changes = append(res.Changes, *c)
	meta := map[string]any{"field": c.FieldName, "confidence": c.Confidence}
	record, reason := audit.Transition, "proposed"
	if c.AutoApplied && c.AutoApplyReason != nil {
		record, reason = audit.AutoTransition, *c.AutoApplyReason
	}
	if err := record(ctx, e.st, model.SubjectChange, c.ID, "", string(c.Status), reason, meta); err != nil {
		return false, err
	}
	return true, nil
}

// writeField updates one canonical field and records it in the ledger.
func (e *Engine) writeField(ctx context.Context, c *model.Change, oldVal, newVal, reason, actor string, src model.ChangeSource) error {
	if err := e.st.SetEntityField(ctx, c.EntityType, *c.EntityID, c.FieldName, newVal); err != nil {
		return eris.Wrap(err, "changes: write field")
	}
	return audit.Record(ctx, e.st, &model.HistoryEntry{
		EntityType:   string(c.EntityType),
		EntityID:     *c.EntityID,
		Field:        c.FieldName,
		OldValue:     oldVal,
		NewValue:     newVal,
		Reason:       reason,
		Actor:        actor,
		ChangeSource: src,
		Metadata:     map[string]any{"change_id": c.ID},
	})
}

// DiscoveredFields returns the record's registry fields, with name, city and
// state taken from the record header when the field map lacks them.
func DiscoveredFields(rec *model.DiscoveredRecord) map[string]string {
	out := make(map[string]string, len(rec.Fields)+3)
	for k, v := range rec.Fields {
		if rec.EntityType.HasField(k) {
			out[k] = v
		}
	}
	header := map[string]string{"name": rec.Name, "city": rec.City, "state": rec.State}
	for k, v := range header {
		if _, ok := out[k]; !ok && v != "" && rec.EntityType.HasField(k) {
			out[k] = v
		}
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, s := range items {
		out[s] = true
	}
	return out
}

func derefKey(k *string) string {
	if k == nil {
		return ""
	}
	return *k
}
