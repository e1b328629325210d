package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/DNYoussef/spek-swarm-go/internal/shared"
)

// PostgresConfig configures the PostgreSQL store backend.
type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"sslmode"`
}

// PostgresStore implements TaskStore on PostgreSQL for deployments where the
// swarm state must outlive the host.
type PostgresStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// NewPostgresStore connects to PostgreSQL and prepares the schema. Unset
// fields fall back to the conventional PG* environment variables.
func NewPostgresStore(config PostgresConfig) (*PostgresStore, error) {
	if config.Host == "" {
		config.Host = getEnvOrDefault("PGHOST", "localhost")
	}
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.User == "" {
		config.User = getEnvOrDefault("PGUSER", "postgres")
	}
	if config.Password == "" {
		config.Password = os.Getenv("PGPASSWORD")
	}
	if config.Database == "" {
		config.Database = getEnvOrDefault("PGDATABASE", "spek_swarm")
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	db, err := sql.Open("postgres", buildConnectionString(config))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrStoreInitFailed, err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// buildConnectionString constructs a PostgreSQL connection string.
func buildConnectionString(config PostgresConfig) string {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Database, config.SSLMode,
	)

	if config.Password != "" {
		connStr += fmt.Sprintf(" password=%s", config.Password)
	}

	return connStr
}

func getEnvOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// initSchema creates the database schema.
func (s *PostgresStore) initSchema() error {
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
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			deadline_at BIGINT NOT NULL DEFAULT 0
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
			timestamp BIGINT NOT NULL,
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
func (s *PostgresStore) SaveTask(ctx context.Context, task *shared.DecompositionTask) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			attempts = EXCLUDED.attempts,
			assigned_domain = EXCLUDED.assigned_domain,
			result_ref = EXCLUDED.result_ref,
			abort_reason = EXCLUDED.abort_reason,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at,
			deadline_at = EXCLUDED.deadline_at
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
func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*shared.DecompositionTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = $1`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task, err
}

// ListTasks returns tasks matching the filter, oldest first.
func (s *PostgresStore) ListTasks(ctx context.Context, filter *TaskFilter) ([]*shared.DecompositionTask, error) {
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
			placeholders += fmt.Sprintf("$%d", len(args)+1)
			args = append(args, string(state))
		}
		query += " AND state IN (" + placeholders + ")"
	}

	query += " ORDER BY created_at ASC"

	if filter != nil && filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
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
func (s *PostgresStore) LoadPendingTasks(ctx context.Context) ([]*shared.DecompositionTask, error) {
	return s.ListTasks(ctx, &TaskFilter{States: []shared.TaskState{
		shared.TaskStatePending,
		shared.TaskStateAssigned,
		shared.TaskStateExecuting,
		shared.TaskStateVoting,
	}})
}

// SaveVote inserts a vote; the (task, attempt, domain) slot is write-once.
func (s *PostgresStore) SaveVote(ctx context.Context, vote *shared.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO votes (task_id, attempts, domain, decision, result_digest, signature, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (task_id, attempts, domain) DO NOTHING
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
func (s *PostgresStore) LoadVotes(ctx context.Context, taskID string, attempts int) ([]*shared.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, attempts, domain, decision, result_digest, signature, timestamp
		FROM votes
		WHERE task_id = $1 AND attempts = $2
		ORDER BY timestamp ASC
	`, taskID, attempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanVotes(rows)
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}
	return s.db.PingContext(ctx)
}

// Stats returns row counts for diagnostics.
func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
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
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
