package model

import "time"

// SourceType classifies an external data origin.
type SourceType string

const (
	SourceOfficialSite      SourceType = "official_site"
	SourceDirectory         SourceType = "directory"
	SourceListingAggregator SourceType = "listing_aggregator"
	SourceReviewSite        SourceType = "review_site"
)

// Source is an external origin of facts with its own reliability and
// rate-limit state.
type Source struct {
	ID               int64        `json:"id"`
	Name             string       `json:"name"`
	BaseURL          string       `json:"base_url"`
	Type             SourceType   `json:"type"`
	EntityTypes      []EntityType `json:"entity_types"`
	ReliabilityScore float64      `json:"reliability_score"`
	AccessDay        string       `json:"access_day,omitempty"`
	AccessCountToday int          `json:"access_count_today"`
	RateLimitPerDay  int          `json:"rate_limit_per_day"`
	SuccessCount     int64        `json:"success_count"`
	FailureCount     int64        `json:"failure_count"`
	Active           bool         `json:"active"`
	BlockedUntil     *time.Time   `json:"blocked_until,omitempty"`
	LastAccessedAt   *time.Time   `json:"last_accessed_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Supplies reports whether the source can provide records of type e.
func (s *Source) Supplies(e EntityType) bool {
	for _, t := range s.EntityTypes {
		if t == e {
			return true
		}
	}
	return false
}

// AccessesOn returns the access count charged to day (YYYY-MM-DD). Counts
// recorded on an earlier day read as zero.
func (s *Source) AccessesOn(day string) int {
	if s.AccessDay != day {
		return 0
	}
	return s.AccessCountToday
}

// DayKey formats t as the calendar-day key used for access counters.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
