package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DNYoussef/spek-swarm-go/internal/shared"
)

func newTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "swarm.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s, dbPath
}

func newTestTask(id string) *shared.DecompositionTask {
	now := shared.Now()
	return &shared.DecompositionTask{
		ID:           id,
		PayloadRef:   "payload://" + id,
		DomainHint:   shared.DomainDevelopment,
		SizeEstimate: 3,
		State:        shared.TaskStatePending,
		Metadata:     map[string]interface{}{"origin": "test"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestSQLiteStore_SaveAndGetTask(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("task_aaa111")
	task.RequiredQuorumDomains = []shared.PrincessDomain{
		shared.DomainDevelopment,
		shared.DomainQuality,
	}

	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}

	loaded, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to load task: %v", err)
	}

	if loaded.ID != task.ID {
		t.Fatalf("expected task ID %s, got %s", task.ID, loaded.ID)
	}
	if loaded.PayloadRef != task.PayloadRef {
		t.Fatalf("expected payload ref %s, got %s", task.PayloadRef, loaded.PayloadRef)
	}
	if loaded.State != shared.TaskStatePending {
		t.Fatalf("expected pending state, got %s", loaded.State)
	}
	if len(loaded.RequiredQuorumDomains) != 2 {
		t.Fatalf("expected 2 quorum domains, got %d", len(loaded.RequiredQuorumDomains))
	}
	if loaded.Metadata["origin"] != "test" {
		t.Fatalf("expected metadata to survive round trip, got %v", loaded.Metadata)
	}
}

func TestSQLiteStore_SaveTaskUpserts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("task_bbb222")
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}

	task.State = shared.TaskStateVoting
	task.Attempts = 1
	task.AssignedDomain = shared.DomainSecurity
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("failed to update task: %v", err)
	}

	loaded, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to load task: %v", err)
	}

	if loaded.State != shared.TaskStateVoting {
		t.Fatalf("expected voting state after update, got %s", loaded.State)
	}
	if loaded.Attempts != 1 {
		t.Fatalf("expected 1 attempt after update, got %d", loaded.Attempts)
	}
	if loaded.AssignedDomain != shared.DomainSecurity {
		t.Fatalf("expected security assignment, got %s", loaded.AssignedDomain)
	}
}

func TestSQLiteStore_GetTaskNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.GetTask(context.Background(), "task_missing")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestSQLiteStore_ListTasksFiltersByState(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	pending := newTestTask("task_pending")
	committed := newTestTask("task_committed")
	committed.State = shared.TaskStateCommitted

	for _, task := range []*shared.DecompositionTask{pending, committed} {
		if err := s.SaveTask(ctx, task); err != nil {
			t.Fatalf("failed to save task %s: %v", task.ID, err)
		}
	}

	tasks, err := s.ListTasks(ctx, &TaskFilter{States: []shared.TaskState{shared.TaskStatePending}})
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}

	if len(tasks) != 1 {
		t.Fatalf("expected 1 pending task, got %d", len(tasks))
	}
	if tasks[0].ID != pending.ID {
		t.Fatalf("expected task %s, got %s", pending.ID, tasks[0].ID)
	}
}

func TestSQLiteStore_LoadPendingTasksSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "swarm.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	ctx := context.Background()
	inFlight := newTestTask("task_inflight")
	inFlight.State = shared.TaskStateVoting
	done := newTestTask("task_done")
	done.State = shared.TaskStateCommitted

	for _, task := range []*shared.DecompositionTask{inFlight, done} {
		if err := s.SaveTask(ctx, task); err != nil {
			t.Fatalf("failed to save task %s: %v", task.ID, err)
		}
	}

	if err := s.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	reopened, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	pending, err := reopened.LoadPendingTasks(ctx)
	if err != nil {
		t.Fatalf("failed to load pending tasks: %v", err)
	}

	if len(pending) != 1 {
		t.Fatalf("expected 1 recoverable task, got %d", len(pending))
	}
	if pending[0].ID != inFlight.ID {
		t.Fatalf("expected task %s to be recoverable, got %s", inFlight.ID, pending[0].ID)
	}
	if pending[0].State != shared.TaskStateVoting {
		t.Fatalf("expected voting state after reopen, got %s", pending[0].State)
	}
}

func TestSQLiteStore_SaveVoteRejectsDuplicates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	vote := &shared.Vote{
		TaskID:       "task_ccc333",
		Attempts:     0,
		Domain:       shared.DomainQuality,
		Decision:     shared.VoteAccept,
		ResultDigest: shared.DigestResult("result://task_ccc333"),
		Timestamp:    shared.Now(),
	}

	if err := s.SaveVote(ctx, vote); err != nil {
		t.Fatalf("failed to save vote: %v", err)
	}

	err := s.SaveVote(ctx, vote)
	if !errors.Is(err, ErrDuplicateVote) {
		t.Fatalf("expected ErrDuplicateVote on second save, got %v", err)
	}

	// A new attempt opens a fresh voting slot for the same domain.
	retry := *vote
	retry.Attempts = 1
	if err := s.SaveVote(ctx, &retry); err != nil {
		t.Fatalf("expected retry vote to be accepted: %v", err)
	}
}

func TestSQLiteStore_LoadVotesScopedToAttempt(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	votes := []*shared.Vote{
		{TaskID: "task_ddd444", Attempts: 0, Domain: shared.DomainDevelopment, Decision: shared.VoteAccept, Timestamp: shared.Now()},
		{TaskID: "task_ddd444", Attempts: 0, Domain: shared.DomainQuality, Decision: shared.VoteReject, Timestamp: shared.Now() + 1},
		{TaskID: "task_ddd444", Attempts: 1, Domain: shared.DomainDevelopment, Decision: shared.VoteAccept, Timestamp: shared.Now() + 2},
	}
	for _, vote := range votes {
		if err := s.SaveVote(ctx, vote); err != nil {
			t.Fatalf("failed to save vote for %s: %v", vote.Domain, err)
		}
	}

	loaded, err := s.LoadVotes(ctx, "task_ddd444", 0)
	if err != nil {
		t.Fatalf("failed to load votes: %v", err)
	}

	if len(loaded) != 2 {
		t.Fatalf("expected 2 votes for attempt 0, got %d", len(loaded))
	}
	for _, vote := range loaded {
		if vote.Attempts != 0 {
			t.Fatalf("expected attempt 0 votes only, got attempt %d", vote.Attempts)
		}
	}
}

func TestSQLiteStore_StatsCountsByState(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i, state := range []shared.TaskState{
		shared.TaskStatePending,
		shared.TaskStatePending,
		shared.TaskStateCommitted,
	} {
		task := newTestTask(shared.GenerateID("task"))
		task.State = state
		task.CreatedAt += int64(i)
		if err := s.SaveTask(ctx, task); err != nil {
			t.Fatalf("failed to save task: %v", err)
		}
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("failed to read stats: %v", err)
	}

	if stats.TotalTasks != 3 {
		t.Fatalf("expected 3 tasks, got %d", stats.TotalTasks)
	}
	if stats.TasksByState[shared.TaskStatePending] != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", stats.TasksByState[shared.TaskStatePending])
	}
	if stats.TasksByState[shared.TaskStateCommitted] != 1 {
		t.Fatalf("expected 1 committed task, got %d", stats.TasksByState[shared.TaskStateCommitted])
	}
}

func TestSQLiteStore_ClosedStoreRejectsOperations(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if err := s.SaveTask(ctx, newTestTask("task_eee555")); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed on save, got %v", err)
	}
	if _, err := s.GetTask(ctx, "task_eee555"); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed on get, got %v", err)
	}
}
