package model

import "time"

// DiscoveredRecord is one raw record returned by a discovery call. It is
// never persisted directly.
type DiscoveredRecord struct {
	EntityType EntityType        `json:"entity_type" yaml:"entity_type"`
	Name       string            `json:"name" yaml:"name"`
	City       string            `json:"city,omitempty" yaml:"city"`
	State      string            `json:"state,omitempty" yaml:"state"`
	Fields     map[string]string `json:"fields" yaml:"fields"`
	SourceURL  string            `json:"source_url" yaml:"source_url"`
}

// HasLocation reports whether the record carries a city or state hint.
func (r *DiscoveredRecord) HasLocation() bool {
	return r.City != "" || r.State != ""
}

// MatchStatus is the review state of an EntityMatch.
type MatchStatus string

const (
	MatchPending   MatchStatus = "pending"
	MatchConfirmed MatchStatus = "confirmed"
	MatchRejected  MatchStatus = "rejected"
	MatchMerged    MatchStatus = "merged"
)

// MatchMethod records which matcher rule produced a match.
type MatchMethod string

const (
	MatchMethodNone       MatchMethod = ""
	MatchMethodIdentifier MatchMethod = "canonical_identifier"
	MatchMethodWebsite    MatchMethod = "website_match"
	MatchMethodNameExact  MatchMethod = "name_exact"
	MatchMethodNameFuzzy  MatchMethod = "name_fuzzy"
	MatchMethodManual     MatchMethod = "manual"
)

// ExactKey reports whether m is an exact-key method, the only methods
// allowed to carry confidence 1.0.
func (m MatchMethod) ExactKey() bool {
	return m == MatchMethodIdentifier || m == MatchMethodWebsite
}

// EntityMatch is the outcome of matching one discovered record against the
// canonical store.
type EntityMatch struct {
	ID              int64            `json:"id"`
	JobID           *int64           `json:"job_id,omitempty"`
	SourceID        *int64           `json:"source_id,omitempty"`
	EntityType      EntityType       `json:"entity_type"`
	DiscoveredName  string           `json:"discovered_name"`
	DiscoveredCity  string           `json:"discovered_city,omitempty"`
	DiscoveredState string           `json:"discovered_state,omitempty"`
	RawData         DiscoveredRecord `json:"raw_data"`
	MatchedEntityID *int64           `json:"matched_entity_id,omitempty"`
	Confidence      float64          `json:"confidence"`
	Status          MatchStatus      `json:"status"`
	Method          MatchMethod      `json:"method,omitempty"`
	ReviewedBy      string           `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time       `json:"reviewed_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Resolved reports whether downstream changes may be proposed for the match.
func (m *EntityMatch) Resolved() bool {
	return (m.Status == MatchConfirmed || m.Status == MatchMerged) && m.MatchedEntityID != nil
}
