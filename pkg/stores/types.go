package stores

import (
	"context"
	"time"
)

// RunStatus represents the status of a step run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is one execution of the step runner against one step.
type Run struct {
	ID       string `json:"id"`
	StepURI  string `json:"step_uri"`
	Protocol string `json:"protocol"`
	StepName string `json:"step_name"`

	// Goal is the state the run drives the step to, normally "Completed".
	Goal string `json:"goal"`

	Status      RunStatus  `json:"status"`
	Username    string     `json:"username"`
	Server      string     `json:"server"`
	DryRun      bool       `json:"dry_run"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Transition is one screen handled during a run.
type Transition struct {
	ID        int64         `json:"id"`
	RunID     string        `json:"run_id"`
	FromState string        `json:"from_state"`
	ToState   string        `json:"to_state"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Error     *string       `json:"error,omitempty"`
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	StepURI string
	Status  RunStatus
	Since   time.Time
	Limit   int
	Offset  int
}

// RunRecorder receives the history of step runs as they happen.
type RunRecorder interface {
	StartRun(ctx context.Context, run *Run) error
	RecordTransition(ctx context.Context, t *Transition) error
	FinishRun(ctx context.Context, id string, status RunStatus, errMsg *string) error
}

// Store defines the interface for the run history
type Store interface {
	RunRecorder

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, before time.Time) (int64, error)

	ListTransitions(ctx context.Context, runID string) ([]*Transition, error)

	HealthCheck(ctx context.Context) error
}
