package dto

import "encoding/json"

type CreateJobRequest struct {
	JobType   string          `json:"job_type" binding:"required"`
	InputData json.RawMessage `json:"input_data"`
	UserID    string          `json:"user_id"`
	// DelayUntil (RFC3339) keeps the job out of scheduling until the
	// given time.
	DelayUntil string `json:"delay_until"`
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	JobType  string `form:"job_type"`
	UserID   string `form:"user_id"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID        string          `json:"job_id"`
	JobType      string          `json:"job_type"`
	Status       string          `json:"status"`
	InputData    json.RawMessage `json:"input_data,omitempty"`
	ResultData   json.RawMessage `json:"result_data,omitempty"`
	Progress     int             `json:"progress"`
	CurrentStep  string          `json:"current_step,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	RetryCount   int             `json:"retry_count"`
	UserID       string          `json:"user_id,omitempty"`
	CreatedAt    string          `json:"created_at"`
	StartedAt    string          `json:"started_at,omitempty"`
	CompletedAt  string          `json:"completed_at,omitempty"`
}

// ProcessRequest triggers a processing pass. With JobID set the named
// job is processed directly; with Cleanup set a retention sweep runs
// instead of a pass.
type ProcessRequest struct {
	MaxJobs     int    `json:"max_jobs"`
	JobID       string `json:"job_id"`
	Cleanup     bool   `json:"cleanup"`
	CleanupDays int    `json:"cleanup_days"`
}
