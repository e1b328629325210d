package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/DNYoussef/spek-swarm-go/internal/shared"
)

// SQLiteStore implements TaskStore using an embedded SQLite database.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = ".spek-swarm/swarm.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %v", ErrStoreInitFailed, err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrStoreInitFailed, err)
	}

	// WAL lets the submit CLI write while a running coordinator reads the
	// same file.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to enable WAL mode: %v", ErrStoreInitFailed, err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to set busy timeout: %v", ErrStoreInitFailed, err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates the database schema.
func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			payload_ref TEXT NOT NULL,
			domain_hint TEXT,
			quorum_domains TEXT,
			size_estimate INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			assigned_domain TEXT,
			result_ref TEXT,
			abort_reason TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			deadline_at INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
		CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);

		CREATE TABLE IF NOT EXISTS votes (
			task_id TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			domain TEXT NOT NULL,
			decision TEXT NOT NULL,
			result_digest TEXT,
			signature TEXT,
			timestamp INTEGER NOT NULL,
			PRIMARY KEY (task_id, attempts, domain)
		);

		CREATE INDEX IF NOT EXISTS idx_votes_task ON votes(task_id, attempts);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: failed to create schema: %v", ErrStoreInitFailed, err)
	}

	return nil
}

// SaveTask inserts or updates a task row.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *shared.DecompositionTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	quorumJSON, metadataJSON, err := marshalTaskColumns(task)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, payload_ref, domain_hint, quorum_domains, size_estimate, state,
			attempts, assigned_domain, result_ref, abort_reason, metadata, created_at, updated_at, deadline_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			attempts = excluded.attempts,
			assigned_domain = excluded.assigned_domain,
			result_ref = excluded.result_ref,
			abort_reason = excluded.abort_reason,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at,
			deadline_at = excluded.deadline_at
	`,
		task.ID, task.PayloadRef, string(task.DomainHint), quorumJSON, task.SizeEstimate, string(task.State),
		task.Attempts, string(task.AssignedDomain), task.ResultRef, task.AbortReason, metadataJSON,
		task.CreatedAt, task.UpdatedAt, task.DeadlineAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}

	return nil
}

// GetTask returns one task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*shared.DecompositionTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task, err
}

// ListTasks returns tasks matching the filter, oldest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter *TaskFilter) ([]*shared.DecompositionTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	query := taskSelectColumns + ` FROM tasks WHERE 1=1`
	args := make([]interface{}, 0)

	if filter != nil && len(filter.States) > 0 {
		placeholders := ""
		for i, state := range filter.States {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, string(state))
		}
		query += " AND state IN (" + placeholders + ")"
	}

	query += " ORDER BY created_at ASC"

	if filter != nil && filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTasks(rows)
}

// LoadPendingTasks returns every non-terminal task for crash recovery.
func (s *SQLiteStore) LoadPendingTasks(ctx context.Context) ([]*shared.DecompositionTask, error) {
	return s.ListTasks(ctx, &TaskFilter{States: []shared.TaskState{
		shared.TaskStatePending,
		shared.TaskStateAssigned,
		shared.TaskStateExecuting,
		shared.TaskStateVoting,
	}})
}

// SaveVote inserts a vote; the (task, attempt, domain) slot is write-once.
func (s *SQLiteStore) SaveVote(ctx context.Context, vote *shared.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO votes (task_id, attempts, domain, decision, result_digest, signature, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, attempts, domain) DO NOTHING
	`,
		vote.TaskID, vote.Attempts, string(vote.Domain), string(vote.Decision),
		vote.ResultDigest, vote.Signature, vote.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: task %s attempt %d domain %s", ErrDuplicateVote, vote.TaskID, vote.Attempts, vote.Domain)
	}

	return nil
}

// LoadVotes returns the votes recorded for one attempt of a task.
func (s *SQLiteStore) LoadVotes(ctx context.Context, taskID string, attempts int) ([]*shared.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, attempts, domain, decision, result_digest, signature, timestamp
		FROM votes
		WHERE task_id = ? AND attempts = ?
		ORDER BY timestamp ASC
	`, taskID, attempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanVotes(rows)
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}
	return s.db.PingContext(ctx)
}

// Stats returns row counts for diagnostics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &Stats{TasksByState: make(map[shared.TaskState]int)}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&stats.TotalTasks)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM votes`).Scan(&stats.TotalVotes)

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var state string
			var count int
			if rows.Scan(&state, &count) == nil {
				stats.TasksByState[shared.TaskState(state)] = count
			}
		}
	}

	return stats, nil
}

// Close closes the store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// ============================================================================
// Row Mapping
// ============================================================================

const taskSelectColumns = `
	SELECT id, payload_ref, domain_hint, quorum_domains, size_estimate, state,
		attempts, assigned_domain, result_ref, abort_reason, metadata,
		created_at, updated_at, deadline_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func marshalTaskColumns(task *shared.DecompositionTask) (quorumJSON, metadataJSON []byte, err error) {
	if task.RequiredQuorumDomains != nil {
		quorumJSON, err = json.Marshal(task.RequiredQuorumDomains)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrTransactionFailed, err)
		}
	}
	if task.Metadata != nil {
		metadataJSON, err = json.Marshal(task.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrTransactionFailed, err)
		}
	}
	return quorumJSON, metadataJSON, nil
}

func scanTask(row rowScanner) (*shared.DecompositionTask, error) {
	var (
		task           shared.DecompositionTask
		domainHint     sql.NullString
		quorumJSON     sql.NullString
		assignedDomain sql.NullString
		resultRef      sql.NullString
		abortReason    sql.NullString
		metadataJSON   sql.NullString
	)

	err := row.Scan(
		&task.ID, &task.PayloadRef, &domainHint, &quorumJSON, &task.SizeEstimate, (*string)(&task.State),
		&task.Attempts, &assignedDomain, &resultRef, &abortReason, &metadataJSON,
		&task.CreatedAt, &task.UpdatedAt, &task.DeadlineAt,
	)
	if err != nil {
		return nil, err
	}

	task.DomainHint = shared.PrincessDomain(domainHint.String)
	task.AssignedDomain = shared.PrincessDomain(assignedDomain.String)
	task.ResultRef = resultRef.String
	task.AbortReason = abortReason.String

	if quorumJSON.Valid && quorumJSON.String != "" {
		var quorum []shared.PrincessDomain
		if err := json.Unmarshal([]byte(quorumJSON.String), &quorum); err == nil {
			task.RequiredQuorumDomains = quorum
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		var metadata map[string]interface{}
		if err := json.Unmarshal([]byte(metadataJSON.String), &metadata); err == nil {
			task.Metadata = metadata
		}
	}

	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]*shared.DecompositionTask, error) {
	tasks := make([]*shared.DecompositionTask, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanVotes(rows *sql.Rows) ([]*shared.Vote, error) {
	votes := make([]*shared.Vote, 0)
	for rows.Next() {
		var (
			vote      shared.Vote
			digest    sql.NullString
			signature sql.NullString
		)
		if err := rows.Scan(&vote.TaskID, &vote.Attempts, (*string)(&vote.Domain), (*string)(&vote.Decision),
			&digest, &signature, &vote.Timestamp); err != nil {
			return nil, err
		}
		vote.ResultDigest = digest.String
		vote.Signature = signature.String
		votes = append(votes, &vote)
	}
	return votes, rows.Err()
}
