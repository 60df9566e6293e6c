package model

import "time"

// ChangeSource distinguishes who caused a recorded transition.
type ChangeSource string

const (
	ChangeSourceManual     ChangeSource = "manual"
	ChangeSourceAuto       ChangeSource = "auto"
	ChangeSourceCollection ChangeSource = "collection"
)

// Valid reports whether s is a known change source.
func (s ChangeSource) Valid() bool {
	return s == ChangeSourceManual || s == ChangeSourceAuto || s == ChangeSourceCollection
}

// SystemActor is the actor recorded for decisions made by the pipeline.
const SystemActor = "system"

// Ledger subject types for pipeline records. Field reverts are recorded
// under the canonical entity type instead.
const (
	SubjectJob    = "job"
	SubjectSource = "source"
	SubjectMatch  = "entity_match"
	SubjectChange = "change"
)

// HistoryEntry is one immutable audit row.
type HistoryEntry struct {
	ID           int64          `json:"id"`
	EntityType   string         `json:"entity_type"`
	EntityID     int64          `json:"entity_id"`
	Field        string         `json:"field"`
	OldValue     string         `json:"old_value"`
	NewValue     string         `json:"new_value"`
	Reason       string         `json:"reason,omitempty"`
	Actor        string         `json:"actor"`
	ChangeSource ChangeSource   `json:"change_source"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
