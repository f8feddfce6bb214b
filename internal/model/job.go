package model

import "time"

// Job status constants.
const (
	StatusQueued     = "queued"
	StatusDispatched = "dispatched"
	StatusRunning    = "running"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Generation mode constants.
const (
	ModeTxt2Img = "txt2img"
	ModeImg2Img = "img2img"
)

// Failure kind constants. Set on a job only when its status is failed.
const (
	FailureOutOfMemory = "out_of_memory"
	FailureBackend     = "backend_error"
	FailureUnreachable = "worker_unreachable"
	FailureInterrupted = "interrupted"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusDispatched: true,
		StatusCancelled:  true,
	},
	StatusDispatched: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalStatus reports whether a status admits no further transitions.
func TerminalStatus(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job represents a generation job tracked from submission to completion.
// AckID and ResultID are opaque correlation handles supplied by (or minted
// for) the front-end; either one resolves back to this record.
type Job struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Mode         string            `json:"mode"`
	UserID       string            `json:"user_id"`
	Request      GenerationRequest `json:"request"`
	AckID        string            `json:"ack_id"`
	ResultID     string            `json:"result_id,omitempty"`
	ParentID     string            `json:"parent_id,omitempty"`
	WorkerID     string            `json:"worker_id,omitempty"`
	Artifacts    []string          `json:"artifacts,omitempty"`
	FailureKind  string            `json:"failure_kind,omitempty"`
	Error        string            `json:"error,omitempty"`
	Guidance     string            `json:"guidance,omitempty"`
	DurationMS   *int              `json:"duration_ms,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	DispatchedAt *time.Time        `json:"dispatched_at,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
}
