package jobs

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/entity-collector/internal/model"
	"github.com/sells-group/entity-collector/internal/store"
)

// InventoryParams are the search params of a spawned inventory job.
type InventoryParams struct {
	BuilderID   int64 `json:"builder_id"`
	CommunityID int64 `json:"community_id"`
}

// spawnChildren creates one inventory job per matched entity when parent is a
// discovery job run for a builder or community parent and it discovered the
// other of the two. A child is skipped when an identical job is still open.
func (s *Scheduler) spawnChildren(ctx context.Context, tx store.Store, parent *model.Job, matched []int64) ([]model.Job, error) {
	if parent.JobType != model.JobDiscovery || parent.ParentEntityID == nil || len(matched) == 0 {
		return nil, nil
	}
	if !pairable(parent.EntityType, parent.ParentEntityType) {
		return nil, nil
	}
	src, err := tx.GetSource(ctx, parent.SourceID)
	if err != nil {
		return nil, err
	}
	if !src.Supplies(model.EntityProperty) {
		s.log.Debug("no inventory children: source does not supply properties",
			zap.Int64("job_id", parent.ID), zap.Int64("source_id", src.ID))
		return nil, nil
	}

	seen := make(map[int64]bool, len(matched))
	var out []model.Job
	for _, id := range matched {
		if seen[id] {
			continue
		}
		seen[id] = true

		params := InventoryParams{}
		if parent.EntityType == model.EntityBuilder {
			params.BuilderID, params.CommunityID = id, *parent.ParentEntityID
		} else {
			params.BuilderID, params.CommunityID = *parent.ParentEntityID, id
		}
		raw, err := json.Marshal(params)
		if err != nil {
			return out, eris.Wrap(err, "jobs: marshal inventory params")
		}

		key := store.JobKey{
			EntityType:       model.EntityProperty,
			JobType:          model.JobInventory,
			SourceID:         parent.SourceID,
			ParentEntityType: parent.EntityType,
			ParentEntityID:   id,
			SearchParams:     string(raw),
		}
		open, err := tx.OpenJobExists(ctx, key)
		if err != nil {
			return out, err
		}
		if open {
			continue
		}

		child := &model.Job{
			EntityType:       model.EntityProperty,
			JobType:          model.JobInventory,
			SourceID:         parent.SourceID,
			ParentEntityType: parent.EntityType,
			ParentEntityID:   &id,
			Priority:         s.cfg.DefaultPriority[string(model.JobInventory)],
			SearchParams:     string(raw),
		}
		if err := s.insert(ctx, tx, child, "", "spawned", map[string]any{"parent_job_id": parent.ID}); err != nil {
			return out, err
		}
		out = append(out, *child)
	}
	return out, nil
}

// pairable reports whether a discovery of et under a parent of type parent
// yields builder x community pairs.
func pairable(et, parent model.EntityType) bool {
	return (et == model.EntityBuilder && parent == model.EntityCommunity) ||
		(et == model.EntityCommunity && parent == model.EntityBuilder)
}
