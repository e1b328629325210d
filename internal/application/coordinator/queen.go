package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DNYoussef/spek-swarm-go/internal/application/consensus"
	"github.com/DNYoussef/spek-swarm-go/internal/application/executor"
	"github.com/DNYoussef/spek-swarm-go/internal/application/princess"
	"github.com/DNYoussef/spek-swarm-go/internal/config"
	"github.com/DNYoussef/spek-swarm-go/internal/infrastructure/events"
	"github.com/DNYoussef/spek-swarm-go/internal/infrastructure/status"
	"github.com/DNYoussef/spek-swarm-go/internal/infrastructure/store"
	"github.com/DNYoussef/spek-swarm-go/internal/shared"
)

// minQuorumDomains is the smallest eligible set any quorum can form over.
const minQuorumDomains = 2

// outcomeWindow bounds the rolling window behind the consensus health ratio.
const outcomeWindow = 32

// durationAlpha weights the newest committed duration in the running mean.
const durationAlpha = 0.2

// persistTimeout bounds individual store writes issued from background paths.
const persistTimeout = 5 * time.Second

// adoptEvery is how many schedule ticks pass between store polls for pending
// tasks submitted by other processes.
const adoptEvery = 5

// Queen is the top-level coordinator of the six-domain swarm. It accepts
// decomposition tasks, fans each attempt out to every eligible domain worker,
// funnels their signed votes through the consensus engine, and applies the
// commit or retry decision. Task state is persisted through the durable store
// so an interrupted swarm resumes where it stopped instead of losing work.
type Queen struct {
	store   store.TaskStore
	engine  *consensus.Engine
	monitor *HealthMonitor
	workers map[shared.PrincessDomain]*princess.DomainWorker
	bus     *events.EventBus
	sink    status.Sink
	config  QueenConfig
	log     *zap.Logger

	mu       sync.RWMutex
	tasks    map[string]*shared.DecompositionTask
	results  map[string]map[shared.PrincessDomain]string
	degraded bool
	started  bool

	// Rolling terminal outcomes and the committed-duration mean behind the
	// published status snapshot.
	outcomes       []bool
	meanDurationMs float64
	committedTasks int
	abortedTasks   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// QueenConfig holds configuration for the Queen.
type QueenConfig struct {
	MaxSlotsPerDomain int           // Pipeline slots per domain worker
	QuorumThreshold   float64       // Fraction of eligible accepts required to commit
	VotingDeadline    time.Duration // Per-attempt voting window
	MaxAttempts       int           // Total attempts before a task aborts for good
	BaseExecTimeout   time.Duration // Collaborator budget for a size-1 task
	HeartbeatInterval time.Duration // Worker heartbeat cadence
	ScheduleInterval  time.Duration // Dispatch loop cadence
	StatusInterval    time.Duration // Status publish cadence
	Secret            string        // Vote-signing secret; empty disables signing
}

// DefaultQueenConfig returns the default Queen configuration.
func DefaultQueenConfig() QueenConfig {
	return QueenConfig{
		MaxSlotsPerDomain: 4,
		QuorumThreshold:   0.67,
		VotingDeadline:    2 * time.Minute,
		MaxAttempts:       3,
		BaseExecTimeout:   30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		ScheduleInterval:  time.Second,
		StatusInterval:    15 * time.Second,
	}
}

// QueenConfigFromSwarm maps the loaded swarm.yaml section onto a QueenConfig,
// keeping defaults for unset values.
func QueenConfigFromSwarm(sc *config.Swarm) QueenConfig {
	cfg := DefaultQueenConfig()
	if sc == nil {
		return cfg
	}

	if sc.MaxSlotsPerDomain > 0 {
		cfg.MaxSlotsPerDomain = sc.MaxSlotsPerDomain
	}
	if sc.QuorumThreshold > 0 {
		cfg.QuorumThreshold = sc.QuorumThreshold
	}
	if sc.VotingDeadlineMs > 0 {
		cfg.VotingDeadline = time.Duration(sc.VotingDeadlineMs) * time.Millisecond
	}
	if sc.MaxAttempts > 0 {
		cfg.MaxAttempts = sc.MaxAttempts
	}
	if sc.ExecTimeoutMs > 0 {
		cfg.BaseExecTimeout = time.Duration(sc.ExecTimeoutMs) * time.Millisecond
	}
	if sc.HeartbeatIntervalMs > 0 {
		cfg.HeartbeatInterval = time.Duration(sc.HeartbeatIntervalMs) * time.Millisecond
	}
	if sc.ScheduleIntervalMs > 0 {
		cfg.ScheduleInterval = time.Duration(sc.ScheduleIntervalMs) * time.Millisecond
	}
	if sc.StatusIntervalMs > 0 {
		cfg.StatusInterval = time.Duration(sc.StatusIntervalMs) * time.Millisecond
	}
	cfg.Secret = sc.Secret

	return cfg
}

// NewQueen creates a Queen wired to the given store, collaborator executor,
// event bus, and status sink. A nil bus gets a private one; a nil sink logs
// snapshots through the queen's logger.
func NewQueen(cfg QueenConfig, taskStore store.TaskStore, exec executor.Executor, bus *events.EventBus, sink status.Sink, log *zap.Logger) (*Queen, error) {
	if taskStore == nil {
		return nil, shared.NewValidationError("task store is required", nil)
	}
	if exec == nil {
		return nil, shared.NewValidationError("executor is required", nil)
	}
	if bus == nil {
		bus = events.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if sink == nil {
		sink = status.NewLogSink(log)
	}
	if cfg.MaxSlotsPerDomain <= 0 {
		cfg.MaxSlotsPerDomain = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ScheduleInterval <= 0 {
		cfg.ScheduleInterval = time.Second
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 15 * time.Second
	}

	monitorConfig := DefaultHealthMonitorConfig()
	if cfg.HeartbeatInterval > 0 {
		monitorConfig.HeartbeatInterval = cfg.HeartbeatInterval
	}
	monitor := NewHealthMonitor(monitorConfig, bus)

	ctx, cancel := context.WithCancel(context.Background())

	q := &Queen{
		store:   taskStore,
		monitor: monitor,
		workers: make(map[shared.PrincessDomain]*princess.DomainWorker),
		bus:     bus,
		sink:    sink,
		config:  cfg,
		log:     log,
		tasks:   make(map[string]*shared.DecompositionTask),
		results: make(map[string]map[shared.PrincessDomain]string),
		ctx:     ctx,
		cancel:  cancel,
	}

	q.engine = consensus.New(consensus.EngineConfig{
		QuorumThreshold: cfg.QuorumThreshold,
		VotingDeadline:  cfg.VotingDeadline,
		Secret:          cfg.Secret,
	}, monitor, log)

	for _, domain := range shared.AllPrincessDomains() {
		q.workers[domain] = princess.NewDomainWorker(princess.DomainWorkerConfig{
			Domain:            domain,
			MaxSlots:          cfg.MaxSlotsPerDomain,
			BaseExecTimeout:   cfg.BaseExecTimeout,
			HeartbeatInterval: cfg.HeartbeatInterval,
			Secret:            cfg.Secret,
		}, exec, monitor, q.handleVote, log)
	}

	return q, nil
}

// Start recovers persisted work, then brings up the health monitor, the six
// domain workers, and the dispatch and status loops.
func (q *Queen) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.mu.Unlock()

	if err := q.recoverTasks(ctx); err != nil {
		return err
	}

	q.monitor.Start()
	for _, worker := range q.workers {
		worker.Start()
	}

	q.wg.Add(2)
	go q.scheduleLoop()
	go q.statusLoop()

	q.mu.RLock()
	tracked := len(q.tasks)
	q.mu.RUnlock()
	q.log.Info("queen started",
		zap.Int("recoveredTasks", tracked),
		zap.Int("domains", len(q.workers)))
	return nil
}

// Stop drains the swarm: the dispatch and status loops exit, each domain
// worker finishes its in-flight slots, and the health monitor halts. The
// store and bus belong to the caller and stay open.
func (q *Queen) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()

	for _, worker := range q.workers {
		worker.Stop()
	}
	q.monitor.Stop()

	q.log.Info("queen stopped")
}

// recoverTasks rehydrates non-terminal tasks from the durable store.
// In-flight execution died with the previous process, so assigned and
// executing tasks rewind to pending. A voting task keeps its recorded votes:
// they reload into the consensus engine, and when they already decide the
// round the verdict is applied right away; otherwise the task rewinds and the
// next dispatch fills in the missing votes.
func (q *Queen) recoverTasks(ctx context.Context) error {
	tasks, err := q.store.LoadPendingTasks(ctx)
	if err != nil {
		return shared.NewPersistenceFailure("failed to load pending tasks",
			map[string]interface{}{"error": err.Error()})
	}

	for _, task := range tasks {
		q.mu.Lock()
		q.tasks[task.ID] = task
		q.mu.Unlock()

		switch task.State {
		case shared.TaskStatePending:
			// Never dispatched, or already reopened by retry; nothing to reload.

		case shared.TaskStateVoting:
			q.engine.Begin(task)
			q.reloadVotes(ctx, task)
			verdict := q.engine.Evaluate(task.ID)
			if verdict.Outcome == shared.OutcomePending {
				q.rewind(task)
			} else {
				q.finalize(task.ID, verdict)
			}

		default:
			q.rewind(task)
		}
	}

	if len(tasks) > 0 {
		q.log.Info("recovered tasks from store", zap.Int("count", len(tasks)))
	}
	return nil
}

// reloadVotes feeds the persisted votes for a task's current attempt back
// into the consensus engine.
func (q *Queen) reloadVotes(ctx context.Context, task *shared.DecompositionTask) {
	votes, err := q.store.LoadVotes(ctx, task.ID, task.Attempts)
	if err != nil {
		q.log.Warn("failed to reload votes",
			zap.String("taskId", task.ID),
			zap.Int("attempts", task.Attempts),
			zap.Error(err))
		return
	}

	for _, vote := range votes {
		if err := q.engine.RecordVote(*vote); err != nil {
			q.log.Warn("reloaded vote rejected",
				zap.String("taskId", task.ID),
				zap.String("domain", string(vote.Domain)),
				zap.Error(err))
		}
	}
}

// rewind puts a recovered task back at the head of its current attempt. This
// bypasses the state machine on purpose: the crash already invalidated the
// in-flight states.
func (q *Queen) rewind(task *shared.DecompositionTask) {
	task.State = shared.TaskStatePending
	task.AssignedDomain = ""
	task.DeadlineAt = 0
	task.UpdatedAt = shared.Now()
	q.persistTask(task)
}

// NewTaskFromSubmission validates a submission and builds the pending task
// it describes. It is used by Submit and by out-of-process submitters that
// write straight to the durable store.
func NewTaskFromSubmission(sub *shared.TaskSubmission) (*shared.DecompositionTask, error) {
	if sub == nil {
		return nil, shared.NewValidationError("task submission is required", nil)
	}

	payloadRef := shared.NormalizeRef(sub.PayloadRef)
	if payloadRef == "" {
		return nil, shared.NewValidationError("payloadRef is required", nil)
	}
	if sub.DomainHint != "" && !sub.DomainHint.IsValid() {
		return nil, shared.NewValidationError("unknown domain hint",
			map[string]interface{}{"domainHint": string(sub.DomainHint)})
	}
	if sub.SizeEstimate < 0 {
		return nil, shared.NewValidationError("sizeEstimate must be non-negative",
			map[string]interface{}{"sizeEstimate": sub.SizeEstimate})
	}
	for _, domain := range sub.RequiredQuorumDomains {
		if !domain.IsValid() {
			return nil, shared.NewValidationError("unknown quorum domain",
				map[string]interface{}{"domain": string(domain)})
		}
	}

	now := shared.Now()
	return &shared.DecompositionTask{
		ID:                    shared.GenerateID("task"),
		PayloadRef:            payloadRef,
		DomainHint:            sub.DomainHint,
		RequiredQuorumDomains: append([]shared.PrincessDomain(nil), sub.RequiredQuorumDomains...),
		SizeEstimate:          sub.SizeEstimate,
		State:                 shared.TaskStatePending,
		Metadata:              shared.CloneMetadata(sub.Metadata),
		CreatedAt:             now,
		UpdatedAt:             now,
	}, nil
}

// Submit validates and accepts a new decomposition task. The task is
// persisted and queued; scheduling, execution, and consensus happen
// asynchronously. Submissions are refused while the durable store is
// unreachable, because accepted-but-unpersisted work could not survive a
// crash.
func (q *Queen) Submit(ctx context.Context, sub *shared.TaskSubmission) (*shared.DecompositionTask, error) {
	task, err := NewTaskFromSubmission(sub)
	if err != nil {
		return nil, err
	}

	if q.Degraded() {
		if err := q.store.Ping(ctx); err != nil {
			return nil, shared.NewPersistenceFailure("task store unavailable, submission refused",
				map[string]interface{}{"error": err.Error()})
		}
		q.setDegraded(false)
	}

	if err := q.store.SaveTask(ctx, task); err != nil {
		q.setDegraded(true)
		q.log.Error("submission persist failed",
			zap.String("taskId", task.ID),
			zap.Error(err))
		return nil, shared.NewPersistenceFailure("failed to persist task",
			map[string]interface{}{"taskId": task.ID, "error": err.Error()})
	}

	q.mu.Lock()
	q.tasks[task.ID] = task
	q.mu.Unlock()

	q.bus.EmitTaskSubmitted(task.ID, task.DomainHint)
	q.log.Info("task submitted",
		zap.String("taskId", task.ID),
		zap.String("payloadRef", task.PayloadRef),
		zap.String("domainHint", string(task.DomainHint)))

	return task.Clone(), nil
}

// scheduleLoop dispatches pending tasks and sweeps voting deadlines on the
// schedule interval. Every few ticks it also adopts pending tasks that other
// processes wrote straight to the store.
func (q *Queen) scheduleLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.ScheduleInterval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			tick++
			if tick%adoptEvery == 0 {
				q.adoptPersisted()
			}
			q.dispatchPending()
			q.sweepDeadlines()
		}
	}
}

// adoptPersisted pulls pending tasks out of the durable store that the queen
// is not tracking yet. The submit CLI and other out-of-process producers only
// write to the store, so this poll is what makes their work visible to the
// scheduler.
func (q *Queen) adoptPersisted() {
	ctx, cancel := context.WithTimeout(q.ctx, persistTimeout)
	defer cancel()

	persisted, err := q.store.ListTasks(ctx, &store.TaskFilter{
		States: []shared.TaskState{shared.TaskStatePending},
	})
	if err != nil {
		q.log.Warn("pending task adoption failed", zap.Error(err))
		return
	}

	adopted := 0
	q.mu.Lock()
	for _, task := range persisted {
		if _, tracked := q.tasks[task.ID]; tracked {
			continue
		}
		q.tasks[task.ID] = task
		adopted++
	}
	q.mu.Unlock()

	if adopted > 0 {
		q.log.Info("adopted externally submitted tasks", zap.Int("count", adopted))
	}
}

// dispatchPending walks the pending tasks oldest first and tries to dispatch
// each one. Tasks that cannot go out this tick stay pending and are retried
// on the next.
func (q *Queen) dispatchPending() {
	q.mu.RLock()
	pending := make([]*shared.DecompositionTask, 0)
	for _, task := range q.tasks {
		if task.State == shared.TaskStatePending {
			pending = append(pending, task)
		}
	}
	q.mu.RUnlock()

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt < pending[j].CreatedAt
	})

	for _, task := range pending {
		q.dispatch(task.ID)
	}
}

// dispatch fans one pending task out to its eligible quorum domains. Every
// eligible domain executes the task independently and votes on its own
// result. The task is held back when fewer than two domains are eligible or
// when any eligible worker has no free slot.
func (q *Queen) dispatch(taskID string) {
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok || task.State != shared.TaskStatePending {
		q.mu.Unlock()
		return
	}

	quorum := task.QuorumDomains()
	eligible := q.eligibleDomains(quorum)
	if len(eligible) < minQuorumDomains {
		q.mu.Unlock()
		q.log.Debug("quorum unreachable, task held",
			zap.String("taskId", taskID),
			zap.Int("eligible", len(eligible)),
			zap.Int("quorum", len(quorum)))
		return
	}

	for _, domain := range eligible {
		if q.workers[domain].Scheduler().FreeSlots() == 0 {
			q.mu.Unlock()
			return
		}
	}

	primary := q.selectPrimaryLocked(task, eligible)
	task.AssignedDomain = primary
	task.DeadlineAt = shared.Now() + q.config.VotingDeadline.Milliseconds()
	q.advanceLocked(task, shared.TaskStateAssigned)
	q.advanceLocked(task, shared.TaskStateExecuting)
	q.advanceLocked(task, shared.TaskStateVoting)
	snapshot := task.Clone()
	q.mu.Unlock()

	// Workers only see the task after the voting state is durable, so no vote
	// can race this write.
	q.persistTask(snapshot)
	q.engine.Begin(snapshot)

	q.bus.EmitTaskAssigned(taskID, primary, len(eligible))
	q.bus.EmitTaskExecuting(taskID, snapshot.Attempts)

	admitted := 0
	for _, domain := range eligible {
		if q.workers[domain].Process(q.ctx, snapshot) {
			admitted++
		}
	}

	if admitted == 0 {
		q.log.Warn("no domain admitted task, awaiting deadline",
			zap.String("taskId", taskID),
			zap.Int("attempts", snapshot.Attempts))
		return
	}

	q.log.Info("task dispatched",
		zap.String("taskId", taskID),
		zap.String("primary", string(primary)),
		zap.Int("quorumSize", len(eligible)),
		zap.Int("admitted", admitted),
		zap.Int("attempts", snapshot.Attempts))
}

// eligibleDomains intersects a task's quorum set with live worker health.
func (q *Queen) eligibleDomains(quorum []shared.PrincessDomain) []shared.PrincessDomain {
	eligible := make([]shared.PrincessDomain, 0, len(quorum))
	for _, domain := range quorum {
		if q.monitor.IsHealthy(domain) {
			eligible = append(eligible, domain)
		}
	}
	return eligible
}

// selectPrimaryLocked picks the primary executor: a healthy domain hint wins,
// otherwise the least-loaded eligible domain.
func (q *Queen) selectPrimaryLocked(task *shared.DecompositionTask, eligible []shared.PrincessDomain) shared.PrincessDomain {
	if task.DomainHint != "" {
		for _, domain := range eligible {
			if domain == task.DomainHint {
				return domain
			}
		}
	}

	primary := eligible[0]
	best := q.workers[primary].Scheduler().ActiveSlots()
	for _, domain := range eligible[1:] {
		if active := q.workers[domain].Scheduler().ActiveSlots(); active < best {
			best = active
			primary = domain
		}
	}
	return primary
}

// advanceLocked moves a task along the state machine, refusing transitions
// the machine does not allow.
func (q *Queen) advanceLocked(task *shared.DecompositionTask, next shared.TaskState) bool {
	if !task.State.CanTransition(next) {
		q.log.Error("illegal task state transition",
			zap.String("taskId", task.ID),
			zap.String("from", string(task.State)),
			zap.String("to", string(next)))
		return false
	}
	task.State = next
	task.UpdatedAt = shared.Now()
	return true
}

// handleVote is the VoteHandler wired into every domain worker. The vote is
// made durable first, then counted; an attempt whose verdict is already
// decidable finalizes eagerly instead of waiting for the deadline sweep.
func (q *Queen) handleVote(vote shared.Vote, resultRef string) {
	if q.ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := q.store.SaveVote(ctx, &vote); err != nil && !errors.Is(err, store.ErrDuplicateVote) {
		q.setDegraded(true)
		q.log.Error("vote persist failed",
			zap.String("taskId", vote.TaskID),
			zap.String("domain", string(vote.Domain)),
			zap.Error(err))
	}

	if err := q.engine.RecordVote(vote); err != nil {
		q.log.Warn("vote rejected",
			zap.String("taskId", vote.TaskID),
			zap.String("domain", string(vote.Domain)),
			zap.Error(err))
		return
	}

	if vote.Decision == shared.VoteAccept && resultRef != "" {
		q.mu.Lock()
		key := attemptKey(vote.TaskID, vote.Attempts)
		if q.results[key] == nil {
			q.results[key] = make(map[shared.PrincessDomain]string)
		}
		q.results[key][vote.Domain] = resultRef
		q.mu.Unlock()
	}

	q.bus.EmitVoteRecorded(vote)

	verdict := q.engine.Evaluate(vote.TaskID)
	if verdict.Outcome != shared.OutcomePending {
		q.finalize(vote.TaskID, verdict)
	}
}

// sweepDeadlines re-evaluates every open round so attempts whose deadline
// passed (or whose quorum shrank) finalize even when no further vote will
// ever arrive.
func (q *Queen) sweepDeadlines() {
	for _, taskID := range q.engine.OpenRounds() {
		verdict := q.engine.Evaluate(taskID)
		if verdict.Outcome != shared.OutcomePending {
			q.finalize(taskID, verdict)
		}
	}
}

// finalize applies a consensus verdict to the task it decides. Commits
// persist the winning result reference; aborts either reopen the task for
// another attempt or, once attempts are exhausted, end it for good. Stale
// verdicts for tasks no longer in voting are dropped.
func (q *Queen) finalize(taskID string, verdict consensus.Verdict) {
	q.mu.Lock()

	task, ok := q.tasks[taskID]
	if !ok || task.State != shared.TaskStateVoting {
		obsolete := !ok || task.State.IsTerminal()
		q.mu.Unlock()
		// A round whose task is gone or already terminal has nothing left to
		// decide; drop it so the sweeper stops revisiting it.
		if obsolete {
			q.engine.Forget(taskID)
		}
		return
	}

	attempts := task.Attempts

	if verdict.Outcome == shared.OutcomeCommitted {
		resultRef := q.lookupResultLocked(taskID, attempts, verdict.Digest)
		q.advanceLocked(task, shared.TaskStateCommitted)
		task.ResultRef = resultRef
		task.AbortReason = ""
		duration := task.UpdatedAt - task.CreatedAt
		q.recordCommitLocked(duration)
		delete(q.results, attemptKey(taskID, attempts))
		snapshot := task.Clone()
		q.mu.Unlock()

		q.persistTask(snapshot)
		q.engine.Forget(taskID)
		for _, worker := range q.workers {
			worker.Forget(taskID, attempts)
		}
		q.bus.EmitTaskCommitted(taskID, verdict.Digest, duration)

		if resultRef == "" {
			q.log.Warn("task committed without local result reference",
				zap.String("taskId", taskID),
				zap.String("resultDigest", verdict.Digest))
		}
		q.log.Info("task committed",
			zap.String("taskId", taskID),
			zap.Int("attempts", attempts),
			zap.Int("accepts", verdict.AcceptCount),
			zap.Int("eligible", verdict.EligibleCount),
			zap.Int64("durationMs", duration))
		return
	}

	delete(q.results, attemptKey(taskID, attempts))

	if attempts+1 < q.config.MaxAttempts {
		q.advanceLocked(task, shared.TaskStateAborted)
		q.advanceLocked(task, shared.TaskStatePending)
		task.Attempts = attempts + 1
		task.AssignedDomain = ""
		task.ResultRef = ""
		task.AbortReason = ""
		task.DeadlineAt = 0
		snapshot := task.Clone()
		q.mu.Unlock()

		q.persistTask(snapshot)
		q.engine.Forget(taskID)
		q.bus.EmitTaskRetried(taskID, snapshot.Attempts)

		q.log.Warn("task attempt aborted, retrying",
			zap.String("taskId", taskID),
			zap.String("reason", verdict.Reason),
			zap.Int("nextAttempt", snapshot.Attempts),
			zap.Int("maxAttempts", q.config.MaxAttempts))
		return
	}

	q.advanceLocked(task, shared.TaskStateAborted)
	task.AbortReason = shared.ReasonAttemptsExhausted
	q.recordAbortLocked()
	snapshot := task.Clone()
	q.mu.Unlock()

	q.persistTask(snapshot)
	q.engine.Forget(taskID)
	for _, worker := range q.workers {
		worker.Forget(taskID, attempts)
	}
	q.bus.EmitTaskAborted(taskID, snapshot.AbortReason, attempts)

	q.log.Error("task aborted, attempts exhausted",
		zap.String("taskId", taskID),
		zap.String("lastReason", verdict.Reason),
		zap.Int("attemptsUsed", attempts+1))
}

// lookupResultLocked finds a result reference whose digest matches the
// winning digest. Empty when no accepting worker's reference is known, which
// happens for rounds committed from reloaded votes after a restart.
func (q *Queen) lookupResultLocked(taskID string, attempts int, digest string) string {
	refs := q.results[attemptKey(taskID, attempts)]
	for _, domain := range shared.AllPrincessDomains() {
		if ref, ok := refs[domain]; ok && shared.DigestResult(ref) == digest {
			return ref
		}
	}
	return ""
}

// recordCommitLocked folds one committed task into the status counters.
func (q *Queen) recordCommitLocked(durationMs int64) {
	q.committedTasks++
	if q.meanDurationMs == 0 {
		q.meanDurationMs = float64(durationMs)
	} else {
		q.meanDurationMs = (1-durationAlpha)*q.meanDurationMs + durationAlpha*float64(durationMs)
	}
	q.pushOutcomeLocked(true)
}

// recordAbortLocked folds one terminally aborted task into the counters.
func (q *Queen) recordAbortLocked() {
	q.abortedTasks++
	q.pushOutcomeLocked(false)
}

func (q *Queen) pushOutcomeLocked(committed bool) {
	q.outcomes = append(q.outcomes, committed)
	if len(q.outcomes) > outcomeWindow {
		q.outcomes = q.outcomes[len(q.outcomes)-outcomeWindow:]
	}
}

// statusLoop publishes a status snapshot on the status interval and retries
// the store while degraded.
func (q *Queen) statusLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.publishStatus()
		}
	}
}

// publishStatus pushes one snapshot to the configured sink. Sink errors are
// logged, never fatal.
func (q *Queen) publishStatus() {
	q.retryPing()

	snapshot := q.Status()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := q.sink.Publish(ctx, snapshot); err != nil {
		q.log.Warn("status publish failed", zap.Error(err))
	}

	q.bus.EmitStatusPublished(snapshot)
}

// retryPing probes a degraded store and lifts the degraded flag once it
// answers again.
func (q *Queen) retryPing() {
	if !q.Degraded() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := q.store.Ping(ctx); err != nil {
		return
	}

	q.setDegraded(false)
	q.log.Info("persistence restored, accepting submissions")
}

// Status returns an aggregate snapshot of the swarm. The completion estimate
// for outstanding work is the mean committed duration times the queue depth
// over the total free slots.
func (q *Queen) Status() *shared.SwarmStatus {
	domains := q.monitor.AllWorkerStates()
	totalFree := 0
	for domain, worker := range q.workers {
		state := domains[domain]
		state.ActiveSlots = worker.Scheduler().ActiveSlots()
		state.MaxSlots = worker.Scheduler().MaxSlots()
		domains[domain] = state
		totalFree += worker.Scheduler().FreeSlots()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	counts := make(map[shared.TaskState]int, len(shared.AllTaskStates()))
	for _, state := range shared.AllTaskStates() {
		counts[state] = 0
	}
	queueDepth := 0
	for _, task := range q.tasks {
		counts[task.State]++
		if !task.State.IsTerminal() {
			queueDepth++
		}
	}

	health := 1.0
	if len(q.outcomes) > 0 {
		committed := 0
		for _, ok := range q.outcomes {
			if ok {
				committed++
			}
		}
		health = float64(committed) / float64(len(q.outcomes))
	}

	var eta int64
	if queueDepth > 0 && q.meanDurationMs > 0 {
		free := totalFree
		if free < 1 {
			free = 1
		}
		eta = int64(q.meanDurationMs * float64(queueDepth) / float64(free))
	}

	return &shared.SwarmStatus{
		Domains:               domains,
		TaskCounts:            counts,
		QueueDepth:            queueDepth,
		ConsensusHealth:       health,
		MeanTaskDurationMs:    q.meanDurationMs,
		EstimatedCompletionMs: eta,
		Degraded:              q.degraded,
		Timestamp:             shared.Now(),
	}
}

// QueenMetrics summarizes coordinator activity since the process started.
type QueenMetrics struct {
	TrackedTasks   int     `json:"trackedTasks"`
	CommittedTasks int     `json:"committedTasks"`
	AbortedTasks   int     `json:"abortedTasks"`
	MeanDurationMs float64 `json:"meanDurationMs"`
	Degraded       bool    `json:"degraded"`
}

// Metrics returns activity counters for the coordinator.
func (q *Queen) Metrics() QueenMetrics {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return QueenMetrics{
		TrackedTasks:   len(q.tasks),
		CommittedTasks: q.committedTasks,
		AbortedTasks:   q.abortedTasks,
		MeanDurationMs: q.meanDurationMs,
		Degraded:       q.degraded,
	}
}

// persistTask writes one task snapshot, flipping the degraded flag on
// failure. Writes run on their own bounded context so a shutdown does not
// abandon a finalization mid-write.
func (q *Queen) persistTask(task *shared.DecompositionTask) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := q.store.SaveTask(ctx, task); err != nil {
		q.setDegraded(true)
		q.log.Error("task persist failed",
			zap.String("taskId", task.ID),
			zap.String("state", string(task.State)),
			zap.Error(err))
	}
}

// Degraded reports whether the durable store is currently unavailable.
func (q *Queen) Degraded() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.degraded
}

func (q *Queen) setDegraded(degraded bool) {
	q.mu.Lock()
	q.degraded = degraded
	q.mu.Unlock()
}

// Task returns a copy of one tracked task, falling back to the store for
// tasks that finished before this process started.
func (q *Queen) Task(ctx context.Context, taskID string) (*shared.DecompositionTask, error) {
	q.mu.RLock()
	task, ok := q.tasks[taskID]
	if ok {
		cloned := task.Clone()
		q.mu.RUnlock()
		return cloned, nil
	}
	q.mu.RUnlock()

	return q.store.GetTask(ctx, taskID)
}

// Tasks returns copies of every tracked task, oldest first.
func (q *Queen) Tasks() []*shared.DecompositionTask {
	q.mu.RLock()
	tasks := make([]*shared.DecompositionTask, 0, len(q.tasks))
	for _, task := range q.tasks {
		tasks = append(tasks, task.Clone())
	}
	q.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt < tasks[j].CreatedAt
	})
	return tasks
}

// Consensus returns the live consensus record for a task's current attempt.
func (q *Queen) Consensus(taskID string) (*shared.ConsensusRecord, bool) {
	return q.engine.Snapshot(taskID)
}

// Monitor returns the worker health monitor.
func (q *Queen) Monitor() *HealthMonitor {
	return q.monitor
}

// Worker returns the domain worker for one domain.
func (q *Queen) Worker(domain shared.PrincessDomain) (*princess.DomainWorker, bool) {
	worker, ok := q.workers[domain]
	return worker, ok
}

// Bus returns the event bus the queen publishes on.
func (q *Queen) Bus() *events.EventBus {
	return q.bus
}

// attemptKey scopes per-attempt bookkeeping to one (task, attempt) pair.
func attemptKey(taskID string, attempts int) string {
	return fmt.Sprintf("%s#%d", taskID, attempts)
}
