package model

import (
	"fmt"
	"strings"
	"time"
)

// NewEntityField is the field name carried by a whole-entity creation change.
const NewEntityField = "_entity"

// ChangeType classifies a field diff.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// ChangeStatus is the review state of a change.
type ChangeStatus string

const (
	ChangePending  ChangeStatus = "pending"
	ChangeApproved ChangeStatus = "approved"
	ChangeRejected ChangeStatus = "rejected"
	ChangeApplied  ChangeStatus = "applied"
)

// CanTransition reports whether from -> to is allowed:
// pending -> {approved, rejected, applied}, approved -> {applied, rejected}.
func (s ChangeStatus) CanTransition(to ChangeStatus) bool {
	switch s {
	case ChangePending:
		return to == ChangeApproved || to == ChangeRejected || to == ChangeApplied
	case ChangeApproved:
		return to == ChangeApplied || to == ChangeRejected
	}
	return false
}

// Auto-apply reason codes.
const (
	ReasonFillingEmptyField = "filling_empty_field"
	ReasonAllowListedField  = "allow_listed_field"
)

// Change is one proposed mutation of one field, or a whole new entity when
// EntityID is nil.
type Change struct {
	ID              int64             `json:"id"`
	EntityType      EntityType        `json:"entity_type"`
	EntityID        *int64            `json:"entity_id,omitempty"`
	FieldName       string            `json:"field_name"`
	OldValue        string            `json:"old_value"`
	NewValue        string            `json:"new_value"`
	ProposedRecord  map[string]string `json:"proposed_record,omitempty"`
	ChangeType      ChangeType        `json:"change_type"`
	Status          ChangeStatus      `json:"status"`
	Confidence      float64           `json:"confidence"`
	SourceID        *int64            `json:"source_id,omitempty"`
	SourceURL       string            `json:"source_url,omitempty"`
	JobID           *int64            `json:"job_id,omitempty"`
	MatchID         *int64            `json:"match_id,omitempty"`
	AutoApplied     bool              `json:"auto_applied"`
	AutoApplyReason *string           `json:"auto_apply_reason,omitempty"`
	ReviewedBy      *string           `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time        `json:"reviewed_at,omitempty"`
	ReviewNotes     *string           `json:"review_notes,omitempty"`
	AppliedAt       *time.Time        `json:"applied_at,omitempty"`
	RevertedAt      *time.Time        `json:"reverted_at,omitempty"`
	RevertedBy      *string           `json:"reverted_by,omitempty"`
	CycleID         string            `json:"cycle_id,omitempty"`
	InflightKey     *string           `json:"-"`
	CreatedAt       time.Time         `json:"created_at"`
}

// IsNewEntity reports whether the change creates a new entity.
func (c *Change) IsNewEntity() bool {
	return c.EntityID == nil
}

// Reverted reports whether the change has been reverted.
func (c *Change) Reverted() bool {
	return c.RevertedAt != nil
}

// FieldKey is the in-flight key for one field of an existing entity.
func FieldKey(et EntityType, id int64, field string) string {
	return fmt.Sprintf("%s:%d:%s", et, id, field)
}

// NewEntityKey is the in-flight key for a proposed new entity. It folds case
// and whitespace so repeated discoveries of the same entity collide.
func NewEntityKey(et EntityType, name, city, state string) string {
	norm := func(s string) string {
		return strings.ToLower(strings.Join(strings.Fields(s), " "))
	}
	return fmt.Sprintf("%s:new:%s|%s|%s", et, norm(name), norm(city), norm(state))
}

// ClassifyDiff returns the change type for current -> discovered, and false
// when the values are equivalent and no change should be recorded.
func ClassifyDiff(field, current, discovered string) (ChangeType, bool) {
	if CanonicalValue(field, current) == CanonicalValue(field, discovered) {
		return "", false
	}
	switch {
	case strings.TrimSpace(current) == "":
		return ChangeAdded, true
	case strings.TrimSpace(discovered) == "":
		return ChangeRemoved, true
	default:
		return ChangeModified, true
	}
}

// CanonicalValue reduces a field value to the form used for equality
// checks. Stored values are never rewritten to this form.
func CanonicalValue(field, v string) string {
	v = strings.Join(strings.Fields(v), " ")
	if v == "" {
		return ""
	}
	switch {
	case field == "phone":
		var b strings.Builder
		for _, r := range v {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
		digits := b.String()
		// Drop a leading US country code.
		if len(digits) == 11 && digits[0] == '1' {
			digits = digits[1:]
		}
		return digits
	case field == "email":
		return strings.ToLower(v)
	case field == "website" || field == "url" || strings.HasSuffix(field, "_url"):
		lower := strings.ToLower(v)
		lower = strings.TrimPrefix(lower, "https://")
		lower = strings.TrimPrefix(lower, "http://")
		lower = strings.TrimPrefix(lower, "www.")
		return strings.TrimSuffix(lower, "/")
	default:
		return v
	}
}
