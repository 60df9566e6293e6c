// Package match resolves discovered records to canonical entities.
package match

import (
	"context"
	"strings"

	"github.com/agext/levenshtein"
	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-collector/internal/config"
	"github.com/sells-group/entity-collector/internal/model"
)

// maxFuzzyConfidence caps similarity-based matches below the exact-key
// confidence of 1.0.
const maxFuzzyConfidence = 0.99

// Reader is the read access the matcher needs from the canonical store.
type Reader interface {
	FindEntityByIdentifier(ctx context.Context, et model.EntityType, key string) (*model.Entity, error)
	FindEntitiesByNameLocation(ctx context.Context, et model.EntityType, name, city, state string) ([]model.Entity, error)
	ListMatchCandidates(ctx context.Context, et model.EntityType, state string, limit int) ([]model.Entity, error)
}

// Matcher runs the identifier → exact name → fuzzy cascade.
type Matcher struct {
	cfg config.MatchConfig
}

// New creates a Matcher.
func New(cfg config.MatchConfig) *Matcher {
	return &Matcher{cfg: cfg}
}

// Match resolves rec against the canonical store. The returned match is not
// persisted. It is confirmed by the system when its confidence reaches the
// auto-confirm threshold and the result is unambiguous; otherwise it is
// pending with MatchedEntityID holding the best candidate, if any.
func (m *Matcher) Match(ctx context.Context, r Reader, rec *model.DiscoveredRecord) (*model.EntityMatch, error) {
	schema, ok := rec.EntityType.Schema()
	if !ok {
		return nil, model.Invalidf("unknown entity type %q", rec.EntityType)
	}
	if strings.TrimSpace(rec.Name) == "" {
		return nil, model.Invalidf("discovered %s without name", rec.EntityType)
	}

	out := &model.EntityMatch{
		EntityType:      rec.EntityType,
		DiscoveredName:  rec.Name,
		DiscoveredCity:  rec.City,
		DiscoveredState: rec.State,
		RawData:         *rec,
		Status:          model.MatchPending,
	}

	// 1. Canonical identifier.
	if key := rec.EntityType.IdentifierKey(rec.Fields[schema.Identifier]); key != "" {
		e, err := r.FindEntityByIdentifier(ctx, rec.EntityType, key)
		switch {
		case err == nil:
			method := model.MatchMethodIdentifier
			if schema.Identifier == "website" {
				method = model.MatchMethodWebsite
			}
			return m.resolve(out, e.ID, 1.0, method, false), nil
		case !eris.Is(err, model.ErrNotFound):
			return nil, eris.Wrap(err, "match: identifier lookup")
		}
	}

	// 2. Exact name with location.
	if rec.HasLocation() {
		hits, err := r.FindEntitiesByNameLocation(ctx, rec.EntityType, rec.Name, rec.City, rec.State)
		if err != nil {
			return nil, eris.Wrap(err, "match: exact lookup")
		}
		switch len(hits) {
		case 0:
		case 1:
			return m.resolve(out, hits[0].ID, m.cfg.ExactConfidence, model.MatchMethodNameExact, false), nil
		default:
			// Hits are ordered by id; propose the oldest and leave it for review.
			return m.resolve(out, hits[0].ID, m.cfg.ExactConfidence, model.MatchMethodNameExact, true), nil
		}
	}

	// 3. Fuzzy name similarity.
	cands, err := r.ListMatchCandidates(ctx, rec.EntityType, rec.State, m.cfg.MaxCandidates)
	if err != nil {
		return nil, eris.Wrap(err, "match: list candidates")
	}
	if best, sim, ok := m.bestCandidate(rec, cands); ok {
		return m.resolve(out, best, sim, model.MatchMethodNameFuzzy, false), nil
	}

	// 4. No match.
	return out, nil
}

// bestCandidate returns the highest-ranked candidate at or above the fuzzy
// floor. Ranking adds the location bonus; the returned similarity does not
// include it. Ties keep the lower id.
func (m *Matcher) bestCandidate(rec *model.DiscoveredRecord, cands []model.Entity) (int64, float64, bool) {
	name := NormalizeName(rec.Name)
	if name == "" {
		return 0, 0, false
	}
	var (
		bestID   int64
		bestSim  float64
		bestRank = -1.0
	)
	for _, c := range cands {
		sim := Similarity(name, NormalizeName(c.Name()))
		if sim < m.cfg.FuzzyFloor {
			continue
		}
		rank := sim
		if locationAgrees(rec, &c) {
			rank += m.cfg.LocationBonus
		}
		if rank > bestRank {
			bestID, bestSim, bestRank = c.ID, sim, rank
		}
	}
	return bestID, bestSim, bestRank >= 0
}

// resolve fills in the chosen candidate and decides the status.
func (m *Matcher) resolve(out *model.EntityMatch, entityID int64, confidence float64, method model.MatchMethod, ambiguous bool) *model.EntityMatch {
	if !method.ExactKey() && confidence > maxFuzzyConfidence {
		confidence = maxFuzzyConfidence
	}
	out.MatchedEntityID = &entityID
	out.Confidence = confidence
	out.Method = method
	if !ambiguous && confidence >= m.cfg.AutoConfirm {
		out.Status = model.MatchConfirmed
		out.ReviewedBy = model.SystemActor
	}
	return out
}

// Similarity is the normalized Levenshtein similarity of two already
// normalized names, in [0,1].
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	return levenshtein.Similarity(a, b, nil)
}

func locationAgrees(rec *model.DiscoveredRecord, e *model.Entity) bool {
	if rec.City != "" && strings.EqualFold(strings.TrimSpace(rec.City), strings.TrimSpace(e.Fields["city"])) {
		return true
	}
	return rec.State != "" && strings.EqualFold(strings.TrimSpace(rec.State), strings.TrimSpace(e.Fields["state"]))
}
