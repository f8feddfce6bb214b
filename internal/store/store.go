package store

import (
	"context"
	"errors"
	"time"

	"github.com/easelhq/easel/internal/model"
)

// ErrInvalidTransition is returned when a job status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrResultBound is returned when a job already carries a different result id.
var ErrResultBound = errors.New("result id already bound")

// JobStats holds aggregate dispatch statistics.
type JobStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByMode   map[string]int `json:"count_by_mode"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// JobFilter narrows and pages a job listing.
type JobFilter struct {
	Status string
	UserID string
	Limit  int
	Offset int
}

// Terminal carries the write-once completion fields of a job.
type Terminal struct {
	Status      string
	Artifacts   []string
	FailureKind string
	Error       string
	Guidance    string
}

// Store defines the persistence operations for jobs and user preferences.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	GetJobByCorrelation(ctx context.Context, correlationID string) (*model.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, int, error)
	ListQueuedJobs(ctx context.Context) ([]*model.Job, error)
	MarkDispatched(ctx context.Context, id, workerID string) error
	UpdateJobStatus(ctx context.Context, id, status string) error
	FinishJob(ctx context.Context, id string, term Terminal) error
	BindResultID(ctx context.Context, id, resultID string) error
	FailInterrupted(ctx context.Context) (int, error)
	GetJobStats(ctx context.Context) (*JobStats, error)
	PruneJobs(ctx context.Context, olderThan time.Time) (int, error)
	GetPreferences(ctx context.Context, userID string) (map[string]any, error)
	SetPreference(ctx context.Context, userID, key string, value any) error
	DeletePreference(ctx context.Context, userID, key string) error
	Close() error
}
