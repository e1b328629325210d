// Package spekswarm provides the public API for spek-swarm-go.
//
// This package provides a high-level interface for running a six-domain
// consensus swarm: submitting decomposition tasks, fanning them out to the
// domain workers, and reading back the committed results and status.
//
// Example:
//
//	st, err := spekswarm.NewStore(&config.Store{Driver: "sqlite", Path: "swarm.db"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	swarm, err := spekswarm.NewSwarm(spekswarm.SwarmOptions{
//	    Config:   spekswarm.DefaultQueenConfig(),
//	    Store:    st,
//	    Executor: spekswarm.NewScriptedExecutor(),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	swarm.Start(context.Background())
//	defer swarm.Stop()
package spekswarm

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/DNYoussef/spek-swarm-go/internal/application/consensus"
	"github.com/DNYoussef/spek-swarm-go/internal/application/coordinator"
	"github.com/DNYoussef/spek-swarm-go/internal/application/executor"
	"github.com/DNYoussef/spek-swarm-go/internal/application/princess"
	"github.com/DNYoussef/spek-swarm-go/internal/config"
	"github.com/DNYoussef/spek-swarm-go/internal/infrastructure/events"
	"github.com/DNYoussef/spek-swarm-go/internal/infrastructure/intake"
	"github.com/DNYoussef/spek-swarm-go/internal/infrastructure/status"
	"github.com/DNYoussef/spek-swarm-go/internal/infrastructure/store"
	"github.com/DNYoussef/spek-swarm-go/internal/logging"
	"github.com/DNYoussef/spek-swarm-go/internal/shared"
)

// Re-export types for public API
type (
	// Domain and lifecycle types
	PrincessDomain   = shared.PrincessDomain
	TaskState        = shared.TaskState
	VoteDecision     = shared.VoteDecision
	ConsensusOutcome = shared.ConsensusOutcome

	// Task types
	DecompositionTask = shared.DecompositionTask
	TaskSubmission    = shared.TaskSubmission
	ExecutionResult   = shared.ExecutionResult

	// Consensus types
	Vote            = shared.Vote
	ConsensusRecord = shared.ConsensusRecord
	Verdict         = consensus.Verdict

	// Status types
	SwarmStatus       = shared.SwarmStatus
	DomainWorkerState = shared.DomainWorkerState
	HealthAlert       = coordinator.HealthAlert
	QueenMetrics      = coordinator.QueenMetrics

	// Queen Coordinator types
	QueenConfig = coordinator.QueenConfig

	// Store types
	TaskStore      = store.TaskStore
	TaskFilter     = store.TaskFilter
	StoreStats     = store.Stats
	PostgresConfig = store.PostgresConfig

	// Executor types
	Executor           = executor.Executor
	ExecFunc           = executor.ExecFunc
	ScriptedExecutor   = executor.ScriptedExecutor
	HTTPExecutor       = executor.HTTPExecutor
	HTTPExecutorConfig = executor.HTTPExecutorConfig

	// Infrastructure types
	EventBus        = events.EventBus
	Sink            = status.Sink
	LogSink         = status.LogSink
	RedisSink       = status.RedisSink
	RedisSinkConfig = status.RedisSinkConfig
	Consumer        = intake.Consumer
	Submitter       = intake.Submitter

	// Configuration types
	Config = config.Config

	// Event types
	EventType = shared.EventType
	Event     = shared.Event
)

// Domain constants
const (
	DomainDevelopment    = shared.DomainDevelopment
	DomainQuality        = shared.DomainQuality
	DomainSecurity       = shared.DomainSecurity
	DomainResearch       = shared.DomainResearch
	DomainInfrastructure = shared.DomainInfrastructure
	DomainCoordination   = shared.DomainCoordination
)

// Task state constants
const (
	TaskStatePending   = shared.TaskStatePending
	TaskStateAssigned  = shared.TaskStateAssigned
	TaskStateExecuting = shared.TaskStateExecuting
	TaskStateVoting    = shared.TaskStateVoting
	TaskStateCommitted = shared.TaskStateCommitted
	TaskStateAborted   = shared.TaskStateAborted
)

// Vote decision constants
const (
	VoteAccept = shared.VoteAccept
	VoteReject = shared.VoteReject
)

// Consensus outcome constants
const (
	OutcomePending   = shared.OutcomePending
	OutcomeCommitted = shared.OutcomeCommitted
	OutcomeAborted   = shared.OutcomeAborted
)

// Abort reason constants
const (
	ReasonQuorumRejected     = shared.ReasonQuorumRejected
	ReasonDivergentResult    = shared.ReasonDivergentResult
	ReasonInsufficientQuorum = shared.ReasonInsufficientQuorum
	ReasonDeadlineExpired    = shared.ReasonDeadlineExpired
	ReasonAttemptsExhausted  = shared.ReasonAttemptsExhausted
)

// Event type constants
const (
	EventTaskSubmitted   = shared.EventTaskSubmitted
	EventTaskAssigned    = shared.EventTaskAssigned
	EventTaskExecuting   = shared.EventTaskExecuting
	EventVoteRecorded    = shared.EventVoteRecorded
	EventTaskCommitted   = shared.EventTaskCommitted
	EventTaskAborted     = shared.EventTaskAborted
	EventTaskRetried     = shared.EventTaskRetried
	EventHealthChanged   = shared.EventHealthChanged
	EventStatusPublished = shared.EventStatusPublished
)

// AllPrincessDomains returns the fixed domain set in canonical order.
func AllPrincessDomains() []PrincessDomain {
	return shared.AllPrincessDomains()
}

// Now returns the current time in milliseconds.
func Now() int64 {
	return shared.Now()
}

// GenerateID generates a prefixed unique identifier.
func GenerateID(prefix string) string {
	return shared.GenerateID(prefix)
}

// DigestResult computes the canonical digest for a result reference.
func DigestResult(resultRef string) string {
	return shared.DigestResult(resultRef)
}

// NewTaskFromSubmission validates a submission and builds the pending task it
// describes. Out-of-process submitters persist the returned task straight to
// the store and let a running swarm adopt it.
func NewTaskFromSubmission(sub *TaskSubmission) (*DecompositionTask, error) {
	return coordinator.NewTaskFromSubmission(sub)
}

// NewConfig loads swarm configuration from swarm.yaml and the environment.
func NewConfig() (*Config, error) {
	return config.New()
}

// NewLogger builds the zap logger described by the configuration.
func NewLogger(cfg *config.Logger) *zap.Logger {
	return logging.Build(cfg)
}

// ============================================================================
// Swarm (Queen Coordinator)
// ============================================================================

// Swarm wraps the internal queen coordinator for public use.
type Swarm struct {
	internal *coordinator.Queen
}

// SwarmOptions bundles the collaborators a swarm needs. Store and Executor
// are required; Bus, Sink, and Logger fall back to sensible defaults.
type SwarmOptions struct {
	Config   QueenConfig
	Store    TaskStore
	Executor Executor
	Bus      *EventBus
	Sink     Sink
	Logger   *zap.Logger
}

// NewSwarm creates a new swarm coordinator over the six fixed domains.
func NewSwarm(opts SwarmOptions) (*Swarm, error) {
	bus := opts.Bus
	if bus == nil {
		bus = events.New()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	sink := opts.Sink
	if sink == nil {
		sink = status.NewLogSink(log)
	}

	queen, err := coordinator.NewQueen(opts.Config, opts.Store, opts.Executor, bus, sink, log)
	if err != nil {
		return nil, err
	}
	return &Swarm{internal: queen}, nil
}

// DefaultQueenConfig returns the default queen configuration.
func DefaultQueenConfig() QueenConfig {
	return coordinator.DefaultQueenConfig()
}

// QueenConfigFromSwarm maps the loaded swarm configuration section onto a
// queen configuration.
func QueenConfigFromSwarm(sc *config.Swarm) QueenConfig {
	return coordinator.QueenConfigFromSwarm(sc)
}

// Start recovers persisted tasks and begins scheduling.
func (s *Swarm) Start(ctx context.Context) error {
	return s.internal.Start(ctx)
}

// Stop drains the swarm and stops all background loops.
func (s *Swarm) Stop() {
	s.internal.Stop()
}

// Submit validates and accepts a new decomposition task.
func (s *Swarm) Submit(ctx context.Context, sub *TaskSubmission) (*DecompositionTask, error) {
	return s.internal.Submit(ctx, sub)
}

// Status returns the current swarm status snapshot.
func (s *Swarm) Status() *SwarmStatus {
	return s.internal.Status()
}

// Task returns one task by ID, falling back to the durable store for tasks
// the coordinator is not tracking in memory.
func (s *Swarm) Task(ctx context.Context, taskID string) (*DecompositionTask, error) {
	return s.internal.Task(ctx, taskID)
}

// Tasks returns all tracked tasks.
func (s *Swarm) Tasks() []*DecompositionTask {
	return s.internal.Tasks()
}

// Consensus returns the consensus record for a task's current attempt.
func (s *Swarm) Consensus(taskID string) (*ConsensusRecord, bool) {
	return s.internal.Consensus(taskID)
}

// Metrics returns cumulative swarm metrics.
func (s *Swarm) Metrics() QueenMetrics {
	return s.internal.Metrics()
}

// Degraded reports whether the swarm is refusing submissions because the
// durable store is unreachable.
func (s *Swarm) Degraded() bool {
	return s.internal.Degraded()
}

// Bus returns the swarm's event bus.
func (s *Swarm) Bus() *EventBus {
	return s.internal.Bus()
}

// Worker returns the domain worker for a domain.
func (s *Swarm) Worker(domain PrincessDomain) (*princess.DomainWorker, bool) {
	return s.internal.Worker(domain)
}

// Internal returns the internal queen coordinator (for advanced usage).
func (s *Swarm) Internal() *coordinator.Queen {
	return s.internal
}

// ============================================================================
// Infrastructure Constructors
// ============================================================================

// NewStore builds the durable task store the configuration selects.
func NewStore(cfg *config.Store) (TaskStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("store configuration is required")
	}

	switch cfg.Driver {
	case "sqlite", "":
		path := cfg.Path
		if path == "" {
			path = ".spek-swarm/swarm.db"
		}
		return store.NewSQLiteStore(path)
	case "postgres":
		return store.NewPostgresStore(store.PostgresConfig{
			Host:     cfg.Host,
			Port:     cfg.Port,
			User:     cfg.User,
			Password: cfg.Password,
			Database: cfg.Database,
			SSLMode:  cfg.SSLMode,
		})
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}

// NewExecutor builds the task executor the configuration selects.
func NewExecutor(cfg *config.Executor, log *zap.Logger) (Executor, error) {
	if cfg == nil || cfg.Kind == "" || cfg.Kind == "scripted" {
		return executor.NewScriptedExecutor(), nil
	}

	switch cfg.Kind {
	case "http":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("http executor requires an endpoint")
		}
		return executor.NewHTTPExecutor(executor.HTTPExecutorConfig{Endpoint: cfg.Endpoint}, log), nil
	default:
		return nil, fmt.Errorf("unknown executor kind: %s", cfg.Kind)
	}
}

// NewScriptedExecutor creates the in-process demo executor.
func NewScriptedExecutor() *ScriptedExecutor {
	return executor.NewScriptedExecutor()
}

// NewHTTPExecutor creates an executor that POSTs payloads to an endpoint.
func NewHTTPExecutor(cfg HTTPExecutorConfig, log *zap.Logger) *HTTPExecutor {
	return executor.NewHTTPExecutor(cfg, log)
}

// NewEventBus creates a new swarm event bus.
func NewEventBus() *EventBus {
	return events.New()
}

// NewLogSink creates a status sink that writes snapshots to the logger.
func NewLogSink(log *zap.Logger) *LogSink {
	return status.NewLogSink(log)
}

// NewRedisSink creates a status sink that publishes snapshots to Redis.
func NewRedisSink(ctx context.Context, cfg RedisSinkConfig, log *zap.Logger) (*RedisSink, error) {
	return status.NewRedisSink(ctx, cfg, log)
}

// NewConsumer dials the AMQP broker for queued task submissions.
func NewConsumer(url, queue string, log *zap.Logger) (*Consumer, error) {
	return intake.NewConsumer(url, queue, log)
}
