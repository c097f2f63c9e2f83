package job

import (
	"encoding/json"
	"time"
)

// Type identifies which processor handles a job. The set is closed:
// adding a job type means adding a constant here and registering a
// processor for it.
type Type string

const (
	TypeScenePlanning   Type = "scene-planning"
	TypeImageGeneration Type = "image-generation"
	TypeCartoonize      Type = "cartoonize"
	TypeStorybook       Type = "storybook-assembly"
	TypeAutoStory       Type = "auto-story"
)

// Types lists every known job type.
var Types = []Type{
	TypeScenePlanning,
	TypeImageGeneration,
	TypeCartoonize,
	TypeStorybook,
	TypeAutoStory,
}

// ValidType reports whether t is one of the known job types.
func ValidType(t Type) bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Status is the job lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further status transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is the central entity of the engine. Lifecycle fields are written
// only through the manager; everything else reads.
type Job struct {
	ID           string          `db:"job_id" json:"job_id"`
	Type         Type            `db:"job_type" json:"job_type"`
	Status       Status          `db:"status" json:"status"`
	InputData    json.RawMessage `db:"input_data" json:"input_data"`
	ResultData   json.RawMessage `db:"result_data" json:"result_data,omitempty"`
	Progress     int             `db:"progress" json:"progress"`
	CurrentStep  string          `db:"current_step" json:"current_step,omitempty"`
	ErrorMessage string          `db:"error_message" json:"error_message,omitempty"`
	RetryCount   int             `db:"retry_count" json:"retry_count"`
	UserID       string          `db:"user_id" json:"user_id,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	StartedAt    *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// Stats aggregates job counts per status and per type.
type Stats struct {
	ByStatus map[Status]int `json:"by_status"`
	ByType   map[Type]int   `json:"by_type"`
	Total    int            `json:"total"`
}
