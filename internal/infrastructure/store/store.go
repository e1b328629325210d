// Package store provides the durable task/vote store the swarm recovers from
// after a crash. Two backends exist: embedded SQLite (default) and PostgreSQL.
package store

import (
	"context"
	"errors"

	"github.com/DNYoussef/spek-swarm-go/internal/shared"
)

// Store errors.
var (
	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("task store is closed")

	// ErrStoreInitFailed indicates store initialization failed.
	ErrStoreInitFailed = errors.New("task store initialization failed")

	// ErrTaskNotFound indicates the task was not found.
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicateVote indicates a second vote for the same (task, attempt, domain).
	ErrDuplicateVote = errors.New("duplicate vote for task attempt")

	// ErrTransactionFailed indicates a transaction failure.
	ErrTransactionFailed = errors.New("transaction failed")
)

// TaskStore persists tasks and votes. The coordinator treats any write error
// as a persistence failure: it refuses new submissions until Ping succeeds
// again, rather than running in a non-recoverable in-memory-only mode.
type TaskStore interface {
	// SaveTask inserts or updates a task row.
	SaveTask(ctx context.Context, task *shared.DecompositionTask) error

	// GetTask returns one task by ID, or ErrTaskNotFound.
	GetTask(ctx context.Context, taskID string) (*shared.DecompositionTask, error)

	// ListTasks returns tasks matching the filter, oldest first.
	ListTasks(ctx context.Context, filter *TaskFilter) ([]*shared.DecompositionTask, error)

	// LoadPendingTasks returns every non-terminal task for crash recovery.
	LoadPendingTasks(ctx context.Context) ([]*shared.DecompositionTask, error)

	// SaveVote inserts a vote; ErrDuplicateVote when the (task, attempt,
	// domain) slot is already taken.
	SaveVote(ctx context.Context, vote *shared.Vote) error

	// LoadVotes returns the votes recorded for one attempt of a task.
	LoadVotes(ctx context.Context, taskID string, attempts int) ([]*shared.Vote, error)

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error

	// Stats returns row counts for diagnostics.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases the underlying database handle.
	Close() error
}

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	States []shared.TaskState
	Limit  int
}

// Stats contains store statistics.
type Stats struct {
	TotalTasks   int64                    `json:"totalTasks"`
	TotalVotes   int64                    `json:"totalVotes"`
	TasksByState map[shared.TaskState]int `json:"tasksByState"`
}
