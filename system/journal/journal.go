// Package journal persists the lifecycle of every component execution so
// it survives a daemon crash: a started execution that never reached a
// terminal state is visible as Running on restart rather than silently
// lost or auto-rewritten. Storage is SQLite via jmoiron/sqlx, grounded on
// the teacher's use of sqlx across internal/platform.
package journal

import (
	"context"
	"fmt"
	"time"
)

// Status is the lifecycle state of one execution record.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// validTransitions enumerates the only Status pairs write methods may move
// a record through. Running is the sole non-terminal state; every
// terminal state is a dead end.
var validTransitions = map[Status]map[Status]bool{
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
}

// InvalidTransition is returned when a write would move a record through a
// transition not present in validTransitions.
type InvalidTransition struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidTransition) Error() string {
	return fmt.Sprintf("journal: invalid transition for %s: %s -> %s", e.ID, e.From, e.To)
}

// Record is one execution's full lifecycle state.
type Record struct {
	ID              string     `db:"id"`
	ParentID        *string    `db:"parent_id"`
	UserID          string     `db:"user_id"`
	ComponentRef    string     `db:"component_ref"`
	ComponentType   string     `db:"component_type"`
	ComponentDigest string     `db:"component_digest"`
	StartedAt       time.Time  `db:"started_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	Status          Status     `db:"status"`
	Input           []byte     `db:"input"`
	Output          []byte     `db:"output"`
	ErrorMessage    *string    `db:"error_message"`
	PolicySnapshot  []byte     `db:"policy_snapshot"`
	DurationMS      *int64     `db:"duration_ms"`
}

// StartParams is the information known when an execution begins.
type StartParams struct {
	ID              string
	ParentID        *string
	UserID          string
	ComponentRef    string
	ComponentType   string
	ComponentDigest string
	Input           []byte
	PolicySnapshot  []byte
	StartedAt       time.Time
}

// ListFilter narrows a List query. Zero-valued fields are not applied.
type ListFilter struct {
	UserID       string
	ComponentRef string
	Status       Status
	Limit        int
}

// Journal is the execution-journal contract the sandbox core depends on.
type Journal interface {
	WriteStarted(ctx context.Context, p StartParams) error
	WriteCompleted(ctx context.Context, id string, output []byte, completedAt time.Time) error
	WriteFailed(ctx context.Context, id string, errMsg string, completedAt time.Time) error
	WriteCancelled(ctx context.Context, id string, completedAt time.Time) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, filter ListFilter) ([]Record, error)
}

// ErrNotFound is returned by Get when no record exists for the given id.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("journal: no record for execution %s", e.ID)
}

// ErrForbidden describes a user querying an execution record they do not
// own. SQLiteStore never returns it: Get does not filter by user, and List
// filters through ListFilter.UserID instead of rejecting.
type ErrForbidden struct {
	ID     string
	UserID string
}

func (e *ErrForbidden) Error() string {
	return fmt.Sprintf("journal: user %s may not access execution %s", e.UserID, e.ID)
}
