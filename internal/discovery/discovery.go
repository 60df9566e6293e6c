// Package discovery provides the collaborators that fetch raw records for a
// job from an external source. The executor only sees the Collaborator
// interface; extraction itself happens elsewhere.
package discovery

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-collector/internal/config"
	"github.com/sells-group/entity-collector/internal/model"
)

// Collaborator returns the records a source yields for one search.
type Collaborator interface {
	Discover(ctx context.Context, entityType model.EntityType, searchParams string, sourceID int64) ([]model.DiscoveredRecord, error)
}

// Request is the body posted to the extraction service.
type Request struct {
	EntityType   model.EntityType `json:"entity_type"`
	SearchParams string           `json:"search_params"`
	SourceID     int64            `json:"source_id"`
}

// Response is the body returned by the extraction service.
type Response struct {
	Records []model.DiscoveredRecord `json:"records"`
}

// Modes accepted by New.
const (
	ModeHTTP    = "http"
	ModeFixture = "fixture"
)

// New returns the collaborator selected by cfg.Mode.
func New(cfg config.DiscoveryConfig) (Collaborator, error) {
	switch cfg.Mode {
	case ModeHTTP, "":
		if cfg.BaseURL == "" {
			return nil, eris.New("discovery: base_url is required in http mode")
		}
		return NewHTTPCollaborator(cfg), nil
	case ModeFixture:
		return NewFixtureCollaborator(cfg.FixtureDir)
	}
	return nil, eris.Errorf("discovery: unknown mode %q", cfg.Mode)
}
