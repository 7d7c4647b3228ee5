package models

import "time"

// Render run statuses.
const (
	RunStatusQueued   = "QUEUED"
	RunStatusRunning  = "RUNNING"
	RunStatusSleeping = "SLEEPING"
	RunStatusDone     = "DONE"
	RunStatusFailed   = "FAILED"
)

// RenderRun is the durable record of one render job.
type RenderRun struct {
	ID             string     `json:"id"`
	SandboxID      string     `json:"sandbox_id"`
	ParamsJSON     string     `json:"-"`
	Status         string     `json:"status"`
	ErrorCode      string     `json:"error_code,omitempty"`
	ErrorText      string     `json:"error_text,omitempty"`
	VideoObjectKey string     `json:"video_object_key,omitempty"`
	Provider       string     `json:"provider,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	WakeAt         *time.Time `json:"wake_at,omitempty"`
}
