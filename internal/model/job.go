package model

import "time"

// JobType describes what a job collects.
type JobType string

const (
	JobDiscovery JobType = "discovery"
	JobUpdate    JobType = "update"
	JobInventory JobType = "inventory"
	JobRefresh   JobType = "refresh"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobDiscovery, JobUpdate, JobInventory, JobRefresh:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CanTransition reports whether from -> to is allowed by the job state
// machine: pending -> running -> {completed, failed}.
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case JobPending:
		return to == JobRunning
	case JobRunning:
		return to == JobCompleted || to == JobFailed
	}
	return false
}

// Job is one unit of collection work against a source.
type Job struct {
	ID               int64      `json:"id"`
	EntityType       EntityType `json:"entity_type"`
	JobType          JobType    `json:"job_type"`
	SourceID         int64      `json:"source_id"`
	TargetEntityID   *int64     `json:"target_entity_id,omitempty"`
	ParentEntityType EntityType `json:"parent_entity_type,omitempty"`
	ParentEntityID   *int64     `json:"parent_entity_id,omitempty"`
	Status           JobStatus  `json:"status"`
	Priority         int        `json:"priority"`
	SearchParams     string     `json:"search_params"`
	ItemsFound       int        `json:"items_found"`
	ChangesDetected  int        `json:"changes_detected"`
	NewEntitiesFound int        `json:"new_entities_found"`
	Error            string     `json:"error,omitempty"`
	ClaimedBy        string     `json:"claimed_by,omitempty"`
	RetryOf          *int64     `json:"retry_of,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// JobCounters are the per-job tallies reported on completion or failure.
type JobCounters struct {
	ItemsFound       int `json:"items_found"`
	ChangesDetected  int `json:"changes_detected"`
	NewEntitiesFound int `json:"new_entities_found"`
}
