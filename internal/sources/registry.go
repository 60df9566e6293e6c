// Package sources manages external data origins: registration, admission
// checks, access accounting and reliability.
package sources

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/entity-collector/internal/audit"
	"github.com/sells-group/entity-collector/internal/config"
	"github.com/sells-group/entity-collector/internal/model"
	"github.com/sells-group/entity-collector/internal/store"
)

// SourceSpec is the input to Register.
type SourceSpec struct {
	Name            string             `json:"name" validate:"required,max=100"`
	BaseURL         string             `json:"base_url" validate:"omitempty,url"`
	Type            model.SourceType   `json:"type" validate:"required,oneof=official_site directory listing_aggregator review_site"`
	EntityTypes     []model.EntityType `json:"entity_types" validate:"required,min=1,dive,oneof=builder community property representative"`
	RateLimitPerDay int                `json:"rate_limit_per_day" validate:"gte=0"`
	// Reliability overrides the configured initial score.
	Reliability *float64 `json:"reliability,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// Validate checks struct tags.
func (s *SourceSpec) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return model.Invalidf("source spec: %v", err)
	}
	return nil
}

// Registry owns source state transitions.
type Registry struct {
	st  store.Store
	cfg config.SourcesConfig
	now func() time.Time
	log *zap.Logger
}

// New creates a Registry.
func New(st store.Store, cfg config.SourcesConfig) *Registry {
	return &Registry{
		st:  st,
		cfg: cfg,
		now: time.Now,
		log: zap.L().With(zap.String("component", "sources")),
	}
}

// WithStore returns a copy of r bound to st, typically a transaction.
func (r *Registry) WithStore(st store.Store) *Registry {
	cp := *r
	cp.st = st
	return &cp
}

// SetClock overrides the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Register validates spec and inserts the source with one history row.
func (r *Registry) Register(ctx context.Context, spec SourceSpec, actor string) (*model.Source, error) {
	spec.Name = strings.TrimSpace(spec.Name)
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if _, err := r.st.GetSourceByName(ctx, spec.Name); err == nil {
		return nil, model.Invalidf("source %q already exists", spec.Name)
	} else if !eris.Is(err, model.ErrNotFound) {
		return nil, eris.Wrap(err, "sources: register")
	}

	reliability := r.cfg.InitialReliability
	if spec.Reliability != nil {
		reliability = *spec.Reliability
	}
	src := &model.Source{
		Name:             spec.Name,
		BaseURL:          spec.BaseURL,
		Type:             spec.Type,
		EntityTypes:      spec.EntityTypes,
		ReliabilityScore: reliability,
		RateLimitPerDay:  spec.RateLimitPerDay,
		Active:           true,
	}
	err := r.st.WithTx(ctx, func(tx store.Store) error {
		if err := tx.InsertSource(ctx, src); err != nil {
			return err
		}
		return audit.Record(ctx, tx, &model.HistoryEntry{
			EntityType:   model.SubjectSource,
			EntityID:     src.ID,
			Field:        "status",
			NewValue:     "active",
			Reason:       "registered",
			Actor:        actor,
			ChangeSource: model.ChangeSourceManual,
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "sources: register")
	}
	r.log.Info("source registered", zap.Int64("source_id", src.ID), zap.String("name", src.Name))
	return src, nil
}

// CheckAvailability reports why src cannot take another job right now, or
// nil. alreadyAdmitted counts jobs admitted against src earlier in the same
// admission round that have not yet charged an access.
func (r *Registry) CheckAvailability(src *model.Source, alreadyAdmitted int) error {
	now := r.now()
	switch {
	case !src.Active:
		return eris.Wrapf(model.ErrSourceInactive, "source %d", src.ID)
	case src.BlockedUntil != nil && src.BlockedUntil.After(now):
		return eris.Wrapf(model.ErrSourceBlocked, "source %d until %s", src.ID, src.BlockedUntil.UTC().Format(time.RFC3339))
	case src.RateLimitPerDay > 0 && src.AccessesOn(model.DayKey(now))+alreadyAdmitted >= src.RateLimitPerDay:
		return eris.Wrapf(model.ErrRateLimited, "source %d at %d/day", src.ID, src.RateLimitPerDay)
	case src.ReliabilityScore < r.cfg.ReliabilityFloor:
		return eris.Wrapf(model.ErrBelowReliabilityFloor, "source %d score %.3f", src.ID, src.ReliabilityScore)
	}
	return nil
}

// RecordAccess charges one access against today's budget and folds the
// outcome into the reliability score.
func (r *Registry) RecordAccess(ctx context.Context, id int64, success bool) (*model.Source, error) {
	src, err := r.st.RecordSourceAccess(ctx, id, model.DayKey(r.now()), success, r.cfg.EWMAWeight)
	if err != nil {
		return nil, eris.Wrap(err, "sources: record access")
	}
	if src.ReliabilityScore < r.cfg.ReliabilityFloor {
		r.log.Warn("source below reliability floor",
			zap.Int64("source_id", id),
			zap.Float64("reliability", src.ReliabilityScore),
		)
	}
	return src, nil
}

// Recalculation describes one source whose score was blended.
type Recalculation struct {
	SourceID int64   `json:"source_id"`
	Accepted int     `json:"accepted"`
	Rejected int     `json:"rejected"`
	Before   float64 `json:"before"`
	After    float64 `json:"after"`
}

// Recalculate blends each source's score with the acceptance ratio of its
// changes over the configured window. Sources with fewer reviewed changes
// than the minimum sample are left alone.
func (r *Registry) Recalculate(ctx context.Context) ([]Recalculation, error) {
	all, err := r.st.ListSources(ctx, false)
	if err != nil {
		return nil, eris.Wrap(err, "sources: recalculate")
	}
	since := r.now().AddDate(0, 0, -r.cfg.RecalcWindowDays)

	var out []Recalculation
	for _, src := range all {
		accepted, rejected, err := r.st.SourceChangeOutcomes(ctx, src.ID, since)
		if err != nil {
			return out, eris.Wrapf(err, "sources: outcomes for %d", src.ID)
		}
		total := accepted + rejected
		if total == 0 || total < r.cfg.RecalcMinSample {
			continue
		}
		observed := float64(accepted) / float64(total)

		var updated *model.Source
		err = r.st.WithTx(ctx, func(tx store.Store) error {
			var err error
			updated, err = tx.BlendSourceReliability(ctx, src.ID, observed, r.cfg.RecalcWeight)
			if err != nil {
				return err
			}
			return audit.Record(ctx, tx, &model.HistoryEntry{
				EntityType:   model.SubjectSource,
				EntityID:     src.ID,
				Field:        "reliability_score",
				OldValue:     formatScore(src.ReliabilityScore),
				NewValue:     formatScore(updated.ReliabilityScore),
				Reason:       "recalculated",
				ChangeSource: model.ChangeSourceAuto,
				Metadata:     map[string]any{"accepted": accepted, "rejected": rejected},
			})
		})
		if err != nil {
			return out, eris.Wrapf(err, "sources: blend %d", src.ID)
		}
		out = append(out, Recalculation{
			SourceID: src.ID,
			Accepted: accepted,
			Rejected: rejected,
			Before:   src.ReliabilityScore,
			After:    updated.ReliabilityScore,
		})
	}
	r.log.Info("reliability recalculated", zap.Int("sources", len(out)))
	return out, nil
}

// Block stops admission for src until the given time.
func (r *Registry) Block(ctx context.Context, id int64, until time.Time, actor string) error {
	return r.st.WithTx(ctx, func(tx store.Store) error {
		src, err := tx.GetSource(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.SetSourceBlockedUntil(ctx, id, &until); err != nil {
			return err
		}
		return audit.Record(ctx, tx, &model.HistoryEntry{
			EntityType:   model.SubjectSource,
			EntityID:     id,
			Field:        "blocked_until",
			OldValue:     formatTime(src.BlockedUntil),
			NewValue:     formatTime(&until),
			Actor:        actor,
			ChangeSource: model.ChangeSourceManual,
		})
	})
}

// Unblock clears any block on src.
func (r *Registry) Unblock(ctx context.Context, id int64, actor string) error {
	return r.st.WithTx(ctx, func(tx store.Store) error {
		src, err := tx.GetSource(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.SetSourceBlockedUntil(ctx, id, nil); err != nil {
			return err
		}
		return audit.Record(ctx, tx, &model.HistoryEntry{
			EntityType:   model.SubjectSource,
			EntityID:     id,
			Field:        "blocked_until",
			OldValue:     formatTime(src.BlockedUntil),
			Actor:        actor,
			ChangeSource: model.ChangeSourceManual,
		})
	})
}

// SetActive enables or disables src.
func (r *Registry) SetActive(ctx context.Context, id int64, active bool, actor string) error {
	return r.st.WithTx(ctx, func(tx store.Store) error {
		src, err := tx.GetSource(ctx, id)
		if err != nil {
			return err
		}
		if src.Active == active {
			return nil
		}
		if err := tx.SetSourceActive(ctx, id, active); err != nil {
			return err
		}
		return audit.Record(ctx, tx, &model.HistoryEntry{
			EntityType:   model.SubjectSource,
			EntityID:     id,
			Field:        "active",
			OldValue:     fmt.Sprint(src.Active),
			NewValue:     fmt.Sprint(active),
			Actor:        actor,
			ChangeSource: model.ChangeSourceManual,
		})
	})
}

func (r *Registry) Get(ctx context.Context, id int64) (*model.Source, error) {
	return r.st.GetSource(ctx, id)
}

func (r *Registry) GetByName(ctx context.Context, name string) (*model.Source, error) {
	return r.st.GetSourceByName(ctx, name)
}

func (r *Registry) List(ctx context.Context, activeOnly bool) ([]model.Source, error) {
	return r.st.ListSources(ctx, activeOnly)
}

func formatScore(v float64) string {
	return fmt.Sprintf("%.4f", v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
