// Package monitoring summarizes pipeline health and raises threshold alerts.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-collector/internal/model"
)

// Counter is the read side of the store used by the collector.
type Counter interface {
	CountJobsByStatus(ctx context.Context) (map[model.JobStatus]int, error)
	CountChangesByStatus(ctx context.Context) (map[model.ChangeStatus]int, error)
	CountMatchesByStatus(ctx context.Context) (map[model.MatchStatus]int, error)
	ListSources(ctx context.Context, activeOnly bool) ([]model.Source, error)
}

// SourceHealth is the short form of a source that needs attention.
type SourceHealth struct {
	ID               int64      `json:"id"`
	Name             string     `json:"name"`
	ReliabilityScore float64    `json:"reliability_score"`
	BlockedUntil     *time.Time `json:"blocked_until,omitempty"`
}

// Snapshot is a point-in-time view of the collector.
type Snapshot struct {
	Jobs    map[model.JobStatus]int    `json:"jobs"`
	Changes map[model.ChangeStatus]int `json:"changes"`
	Matches map[model.MatchStatus]int  `json:"matches"`

	// JobFailRate is failed / (completed + failed).
	JobFailRate    float64 `json:"job_fail_rate"`
	FinishedJobs   int     `json:"finished_jobs"`
	ReviewBacklog  int     `json:"review_backlog"`
	PendingMatches int     `json:"pending_matches"`

	ActiveSources     int            `json:"active_sources"`
	SourcesBelowFloor []SourceHealth `json:"sources_below_floor,omitempty"`
	BlockedSources    []SourceHealth `json:"blocked_sources,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector builds snapshots from the store.
type Collector struct {
	store Counter
	floor float64
	now   func() time.Time
}

// NewCollector creates a collector. Active sources scoring under floor are
// reported as below the reliability floor.
func NewCollector(st Counter, floor float64) *Collector {
	return &Collector{store: st, floor: floor, now: time.Now}
}

// Collect gathers a snapshot.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{CollectedAt: now}

	var err error
	if snap.Jobs, err = c.store.CountJobsByStatus(ctx); err != nil {
		return nil, eris.Wrap(err, "monitoring: count jobs")
	}
	if snap.Changes, err = c.store.CountChangesByStatus(ctx); err != nil {
		return nil, eris.Wrap(err, "monitoring: count changes")
	}
	if snap.Matches, err = c.store.CountMatchesByStatus(ctx); err != nil {
		return nil, eris.Wrap(err, "monitoring: count matches")
	}

	snap.FinishedJobs = snap.Jobs[model.JobCompleted] + snap.Jobs[model.JobFailed]
	if snap.FinishedJobs > 0 {
		snap.JobFailRate = float64(snap.Jobs[model.JobFailed]) / float64(snap.FinishedJobs)
	}
	snap.ReviewBacklog = snap.Changes[model.ChangePending]
	snap.PendingMatches = snap.Matches[model.MatchPending]

	srcs, err := c.store.ListSources(ctx, true)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list sources")
	}
	snap.ActiveSources = len(srcs)
	for _, s := range srcs {
		h := SourceHealth{ID: s.ID, Name: s.Name, ReliabilityScore: s.ReliabilityScore, BlockedUntil: s.BlockedUntil}
		if s.ReliabilityScore < c.floor {
			snap.SourcesBelowFloor = append(snap.SourcesBelowFloor, h)
		}
		if s.BlockedUntil != nil && s.BlockedUntil.After(now) {
			snap.BlockedSources = append(snap.BlockedSources, h)
		}
	}
	return snap, nil
}
