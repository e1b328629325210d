package princess

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DNYoussef/spek-swarm-go/internal/application/executor"
	"github.com/DNYoussef/spek-swarm-go/internal/shared"
)

// HealthReporter receives liveness and outcome signals from a worker. The
// coordinator's health monitor implements this.
type HealthReporter interface {
	Heartbeat(domain shared.PrincessDomain)
	ReportFailure(domain shared.PrincessDomain)
	ReportSuccess(domain shared.PrincessDomain)
}

// VoteHandler receives the worker's signed vote together with the result
// reference it voted on. The reference is empty for reject votes.
type VoteHandler func(vote shared.Vote, resultRef string)

// DomainWorkerConfig holds configuration for creating a DomainWorker.
type DomainWorkerConfig struct {
	Domain            shared.PrincessDomain
	MaxSlots          int
	BaseExecTimeout   time.Duration // Per-size-unit execution budget
	HeartbeatInterval time.Duration
	Secret            string // Shared swarm secret for vote signatures
}

// DomainWorker owns one domain of the swarm. It executes each admitted task
// against the remediation collaborator, hashes the produced result, and casts
// exactly one signed vote per (task, attempt). Collaborator crashes and
// timeouts become reject votes, never worker crashes.
type DomainWorker struct {
	domain    shared.PrincessDomain
	scheduler *PipelineScheduler
	exec      executor.Executor
	health    HealthReporter
	handler   VoteHandler
	config    DomainWorkerConfig
	log       *zap.Logger

	mu    sync.Mutex
	voted map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDomainWorker creates a worker for one domain.
func NewDomainWorker(config DomainWorkerConfig, exec executor.Executor, health HealthReporter, handler VoteHandler, log *zap.Logger) *DomainWorker {
	if config.MaxSlots <= 0 {
		config.MaxSlots = 4
	}
	if config.BaseExecTimeout <= 0 {
		config.BaseExecTimeout = 30 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &DomainWorker{
		domain:    config.Domain,
		scheduler: NewPipelineScheduler(config.MaxSlots, log),
		exec:      exec,
		health:    health,
		handler:   handler,
		config:    config,
		log:       log,
		voted:     make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Domain returns the worker's domain.
func (w *DomainWorker) Domain() shared.PrincessDomain {
	return w.domain
}

// Scheduler exposes the worker's pipeline scheduler for status reporting.
func (w *DomainWorker) Scheduler() *PipelineScheduler {
	return w.scheduler
}

// Start begins the heartbeat loop.
func (w *DomainWorker) Start() {
	w.wg.Add(1)
	go w.heartbeatLoop()
}

// Stop ends the heartbeat loop and waits for admitted tasks to drain.
func (w *DomainWorker) Stop() {
	w.cancel()
	w.wg.Wait()
	w.scheduler.Wait()
}

// heartbeatLoop signals liveness on a fixed interval.
func (w *DomainWorker) heartbeatLoop() {
	defer w.wg.Done()

	if w.health != nil {
		w.health.Heartbeat(w.domain)
	}

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if w.health != nil {
				w.health.Heartbeat(w.domain)
			}
		}
	}
}

// Process admits the task into a pipeline slot and returns immediately.
// A false return means every slot was occupied and the task must be
// re-queued. A task this worker already voted on for the current attempt is
// accepted and dropped silently.
func (w *DomainWorker) Process(ctx context.Context, task *shared.DecompositionTask) bool {
	key := voteKey(task.ID, task.Attempts)

	w.mu.Lock()
	if w.voted[key] {
		w.mu.Unlock()
		return true
	}
	w.mu.Unlock()

	cloned := task.Clone()
	return w.scheduler.Submit(cloned.ID, func() {
		w.run(ctx, cloned)
	})
}

// run executes one task and casts the vote.
func (w *DomainWorker) run(ctx context.Context, task *shared.DecompositionTask) {
	timeout := w.executionTimeout(task)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := w.safeExecute(execCtx, task.PayloadRef)

	vote := shared.Vote{
		TaskID:    task.ID,
		Attempts:  task.Attempts,
		Domain:    w.domain,
		Timestamp: shared.Now(),
	}

	switch {
	case err != nil:
		vote.Decision = shared.VoteReject
		result.ResultRef = ""
		w.log.Warn("execution failed, voting reject",
			zap.String("taskId", task.ID),
			zap.String("domain", string(w.domain)),
			zap.Error(err))
		if w.health != nil {
			w.health.ReportFailure(w.domain)
		}
	case !result.Success:
		vote.Decision = shared.VoteReject
		result.ResultRef = ""
		w.log.Warn("collaborator rejected payload",
			zap.String("taskId", task.ID),
			zap.String("domain", string(w.domain)),
			zap.String("error", result.ErrorMessage))
		if w.health != nil {
			w.health.ReportFailure(w.domain)
		}
	default:
		vote.Decision = shared.VoteAccept
		vote.ResultDigest = shared.DigestResult(result.ResultRef)
		if w.health != nil {
			w.health.ReportSuccess(w.domain)
		}
	}

	vote.Signature = shared.SignVote(w.config.Secret, vote)

	key := voteKey(task.ID, task.Attempts)
	w.mu.Lock()
	if w.voted[key] {
		w.mu.Unlock()
		return
	}
	w.voted[key] = true
	w.mu.Unlock()

	if w.handler != nil {
		w.handler(vote, result.ResultRef)
	}
}

// safeExecute calls the collaborator, converting panics into failures.
func (w *DomainWorker) safeExecute(ctx context.Context, payloadRef string) (result shared.ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = shared.ExecutionResult{Success: false, ErrorMessage: fmt.Sprintf("collaborator panicked: %v", r)}
			err = shared.NewExecutionFailure(result.ErrorMessage, map[string]interface{}{
				"domain": string(w.domain),
			})
		}
	}()

	return w.exec.Execute(ctx, payloadRef)
}

// executionTimeout derives the collaborator budget from the task size.
func (w *DomainWorker) executionTimeout(task *shared.DecompositionTask) time.Duration {
	size := task.SizeEstimate
	if size < 1 {
		size = 1
	}
	if size > 10 {
		size = 10
	}
	return w.config.BaseExecTimeout * time.Duration(size)
}

// Forget drops the vote bookkeeping for a finalized task.
func (w *DomainWorker) Forget(taskID string, attempts int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for a := 0; a <= attempts; a++ {
		delete(w.voted, voteKey(taskID, a))
	}
}

func voteKey(taskID string, attempts int) string {
	return fmt.Sprintf("%s#%d", taskID, attempts)
}
