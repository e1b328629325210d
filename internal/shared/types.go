// Package shared provides shared types used across all modules in spek-swarm-go.
package shared

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Domain Types
// ============================================================================

// PrincessDomain identifies one of the six fixed swarm domains. The quorum
// arithmetic depends on this set being closed and bounded; adding a domain is
// a breaking change, not a registry entry.
type PrincessDomain string

const (
	DomainDevelopment    PrincessDomain = "development"
	DomainQuality        PrincessDomain = "quality"
	DomainSecurity       PrincessDomain = "security"
	DomainResearch       PrincessDomain = "research"
	DomainInfrastructure PrincessDomain = "infrastructure"
	DomainCoordination   PrincessDomain = "coordination"
)

// AllPrincessDomains returns the fixed domain set in canonical order.
func AllPrincessDomains() []PrincessDomain {
	return []PrincessDomain{
		DomainDevelopment,
		DomainQuality,
		DomainSecurity,
		DomainResearch,
		DomainInfrastructure,
		DomainCoordination,
	}
}

// IsValid reports whether d names one of the fixed domains.
func (d PrincessDomain) IsValid() bool {
	switch d {
	case DomainDevelopment, DomainQuality, DomainSecurity,
		DomainResearch, DomainInfrastructure, DomainCoordination:
		return true
	}
	return false
}

// ============================================================================
// Task Types
// ============================================================================

// TaskState represents the lifecycle state of a decomposition task.
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateAssigned  TaskState = "assigned"
	TaskStateExecuting TaskState = "executing"
	TaskStateVoting    TaskState = "voting"
	TaskStateCommitted TaskState = "committed"
	TaskStateAborted   TaskState = "aborted"
)

// AllTaskStates returns every task state in lifecycle order.
func AllTaskStates() []TaskState {
	return []TaskState{
		TaskStatePending,
		TaskStateAssigned,
		TaskStateExecuting,
		TaskStateVoting,
		TaskStateCommitted,
		TaskStateAborted,
	}
}

// IsValid reports whether s is a known task state.
func (s TaskState) IsValid() bool {
	switch s {
	case TaskStatePending, TaskStateAssigned, TaskStateExecuting,
		TaskStateVoting, TaskStateCommitted, TaskStateAborted:
		return true
	}
	return false
}

// IsTerminal reports whether s ends the task lifecycle. An aborted task may
// still be reopened by the retry policy; that back-edge is applied explicitly
// by the coordinator, never implied here.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCommitted || s == TaskStateAborted
}

// CanTransition reports whether moving from s to next follows the task state
// machine: pending -> assigned -> executing -> voting -> committed|aborted,
// with aborted -> pending as the only back-edge.
func (s TaskState) CanTransition(next TaskState) bool {
	switch s {
	case TaskStatePending:
		return next == TaskStateAssigned
	case TaskStateAssigned:
		return next == TaskStateExecuting
	case TaskStateExecuting:
		return next == TaskStateVoting
	case TaskStateVoting:
		return next == TaskStateCommitted || next == TaskStateAborted
	case TaskStateAborted:
		return next == TaskStatePending
	}
	return false
}

// DecompositionTask is one unit of bounded, domain-scoped decomposition work.
// The payload itself is opaque to the swarm; PayloadRef is only ever handed to
// the remediation collaborator and hashed for digest comparison.
type DecompositionTask struct {
	ID                    string                 `json:"id"`
	PayloadRef            string                 `json:"payloadRef"`
	DomainHint            PrincessDomain         `json:"domainHint,omitempty"`
	RequiredQuorumDomains []PrincessDomain       `json:"requiredQuorumDomains,omitempty"`
	SizeEstimate          int                    `json:"sizeEstimate,omitempty"`
	State                 TaskState              `json:"state"`
	Attempts              int                    `json:"attempts"`
	AssignedDomain        PrincessDomain         `json:"assignedDomain,omitempty"`
	ResultRef             string                 `json:"resultRef,omitempty"`
	AbortReason           string                 `json:"abortReason,omitempty"`
	Metadata              map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt             int64                  `json:"createdAt"`
	UpdatedAt             int64                  `json:"updatedAt"`
	DeadlineAt            int64                  `json:"deadlineAt,omitempty"`
}

// QuorumDomains returns the domains whose votes count toward consensus for
// this task, defaulting to the full fixed set when none were requested.
// Unknown names are dropped; duplicates collapse to the first occurrence.
func (t *DecompositionTask) QuorumDomains() []PrincessDomain {
	if len(t.RequiredQuorumDomains) == 0 {
		return AllPrincessDomains()
	}
	seen := make(map[PrincessDomain]bool, len(t.RequiredQuorumDomains))
	domains := make([]PrincessDomain, 0, len(t.RequiredQuorumDomains))
	for _, domain := range t.RequiredQuorumDomains {
		if !domain.IsValid() || seen[domain] {
			continue
		}
		seen[domain] = true
		domains = append(domains, domain)
	}
	if len(domains) == 0 {
		return AllPrincessDomains()
	}
	return domains
}

// Clone returns a deep copy of the task. Callers receive copies, never live
// references into coordinator state.
func (t *DecompositionTask) Clone() *DecompositionTask {
	if t == nil {
		return nil
	}
	cloned := *t
	if t.RequiredQuorumDomains != nil {
		cloned.RequiredQuorumDomains = append([]PrincessDomain(nil), t.RequiredQuorumDomains...)
	}
	cloned.Metadata = CloneMetadata(t.Metadata)
	return &cloned
}

// TaskSubmission is the caller-facing shape of a new task. The coordinator
// assigns identity, state, and timestamps on accept.
type TaskSubmission struct {
	PayloadRef            string                 `json:"payloadRef"`
	DomainHint            PrincessDomain         `json:"domainHint,omitempty"`
	RequiredQuorumDomains []PrincessDomain       `json:"requiredQuorumDomains,omitempty"`
	SizeEstimate          int                    `json:"sizeEstimate,omitempty"`
	Metadata              map[string]interface{} `json:"metadata,omitempty"`
}

// ============================================================================
// Vote Types
// ============================================================================

// VoteDecision represents a domain worker's verdict on a task attempt.
type VoteDecision string

const (
	VoteAccept VoteDecision = "accept"
	VoteReject VoteDecision = "reject"
)

// IsValid reports whether d is a known decision.
func (d VoteDecision) IsValid() bool {
	return d == VoteAccept || d == VoteReject
}

// Vote is one domain's immutable verdict on one attempt of a task. The digest
// confirms domains agree on what was produced, not merely that something was.
type Vote struct {
	TaskID       string         `json:"taskId"`
	Attempts     int            `json:"attempts"`
	Domain       PrincessDomain `json:"domain"`
	Decision     VoteDecision   `json:"decision"`
	ResultDigest string         `json:"resultDigest,omitempty"`
	Signature    string         `json:"signature,omitempty"`
	Timestamp    int64          `json:"timestamp"`
}

// ConsensusOutcome represents the consensus verdict for one task attempt.
type ConsensusOutcome string

const (
	OutcomePending   ConsensusOutcome = "pending"
	OutcomeCommitted ConsensusOutcome = "committed"
	OutcomeAborted   ConsensusOutcome = "aborted"
)

// Abort reasons carried on finalized records and terminal tasks.
const (
	ReasonQuorumRejected     = "quorum-rejected"
	ReasonDivergentResult    = "divergent-result"
	ReasonInsufficientQuorum = "insufficient-quorum"
	ReasonDeadlineExpired    = "deadline-expired"
	ReasonAttemptsExhausted  = "attempts-exhausted"
)

// ConsensusRecord aggregates the votes for one attempt of a task. It is
// append-only while pending; finalization sets Outcome and Reason exactly once.
type ConsensusRecord struct {
	TaskID          string                  `json:"taskId"`
	Attempts        int                     `json:"attempts"`
	Votes           map[PrincessDomain]Vote `json:"votes"`
	QuorumThreshold float64                 `json:"quorumThreshold"`
	Outcome         ConsensusOutcome        `json:"outcome"`
	Reason          string                  `json:"reason,omitempty"`
	CreatedAt       int64                   `json:"createdAt"`
	FinalizedAt     int64                   `json:"finalizedAt,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *ConsensusRecord) Clone() *ConsensusRecord {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Votes = make(map[PrincessDomain]Vote, len(r.Votes))
	for domain, vote := range r.Votes {
		cloned.Votes[domain] = vote
	}
	return &cloned
}

// ============================================================================
// Worker Types
// ============================================================================

// DomainWorkerState is the externally visible state of one domain worker.
// Health fields are written by the health monitor, slot counters by the
// worker's own pipeline scheduler; no other writer exists.
type DomainWorkerState struct {
	Domain              PrincessDomain `json:"domain"`
	Healthy             bool           `json:"healthy"`
	ActiveSlots         int            `json:"activeSlots"`
	MaxSlots            int            `json:"maxSlots"`
	LastHeartbeat       int64          `json:"lastHeartbeat"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
}

// ============================================================================
// Execution Types
// ============================================================================

// ExecutionResult is the remediation collaborator's answer for one task. The
// swarm never interprets ResultRef beyond hashing it for digest comparison.
type ExecutionResult struct {
	Success      bool   `json:"success"`
	ResultRef    string `json:"resultRef,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// ============================================================================
// Status Types
// ============================================================================

// SwarmStatus is an immutable aggregate snapshot published by the coordinator.
type SwarmStatus struct {
	Domains               map[PrincessDomain]DomainWorkerState `json:"domains"`
	TaskCounts            map[TaskState]int                    `json:"taskCounts"`
	QueueDepth            int                                  `json:"queueDepth"`
	ConsensusHealth       float64                              `json:"consensusHealth"`
	MeanTaskDurationMs    float64                              `json:"meanTaskDurationMs"`
	EstimatedCompletionMs int64                                `json:"estimatedCompletionMs"`
	Degraded              bool                                 `json:"degraded"`
	Timestamp             int64                                `json:"timestamp"`
}

// Clone returns a deep copy of the snapshot.
func (s *SwarmStatus) Clone() *SwarmStatus {
	if s == nil {
		return nil
	}
	cloned := *s
	cloned.Domains = make(map[PrincessDomain]DomainWorkerState, len(s.Domains))
	for domain, state := range s.Domains {
		cloned.Domains[domain] = state
	}
	cloned.TaskCounts = make(map[TaskState]int, len(s.TaskCounts))
	for state, count := range s.TaskCounts {
		cloned.TaskCounts[state] = count
	}
	return &cloned
}

// ============================================================================
// Event Types
// ============================================================================

// EventType identifies a category of swarm event.
type EventType string

const (
	EventTaskSubmitted   EventType = "task:submitted"
	EventTaskAssigned    EventType = "task:assigned"
	EventTaskExecuting   EventType = "task:executing"
	EventVoteRecorded    EventType = "vote:recorded"
	EventTaskCommitted   EventType = "task:committed"
	EventTaskAborted     EventType = "task:aborted"
	EventTaskRetried     EventType = "task:retried"
	EventHealthChanged   EventType = "health:changed"
	EventStatusPublished EventType = "status:published"
)

// Event is a single swarm occurrence published on the event bus.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp int64                  `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// ============================================================================
// Error Types
// ============================================================================

// SwarmError is the base error type for all spek-swarm errors.
type SwarmError struct {
	Message string
	Code    string
	Details map[string]interface{}
}

func (e *SwarmError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewSwarmError creates a new SwarmError.
func NewSwarmError(message, code string, details map[string]interface{}) *SwarmError {
	return &SwarmError{
		Message: message,
		Code:    code,
		Details: details,
	}
}

// ValidationError represents a malformed input.
type ValidationError struct {
	SwarmError
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string, details map[string]interface{}) *ValidationError {
	return &ValidationError{
		SwarmError: SwarmError{
			Message: message,
			Code:    "VALIDATION_ERROR",
			Details: details,
		},
	}
}

// ExecutionFailure represents a collaborator error or timeout. It is recovered
// locally as a reject vote and never escapes the owning domain worker.
type ExecutionFailure struct {
	SwarmError
}

// NewExecutionFailure creates a new ExecutionFailure.
func NewExecutionFailure(message string, details map[string]interface{}) *ExecutionFailure {
	return &ExecutionFailure{
		SwarmError: SwarmError{
			Message: message,
			Code:    "EXECUTION_FAILURE",
			Details: details,
		},
	}
}

// QuorumUnreachable represents too few healthy domains to form any quorum.
// Tasks are held and retried, not failed.
type QuorumUnreachable struct {
	SwarmError
}

// NewQuorumUnreachable creates a new QuorumUnreachable.
func NewQuorumUnreachable(message string, details map[string]interface{}) *QuorumUnreachable {
	return &QuorumUnreachable{
		SwarmError: SwarmError{
			Message: message,
			Code:    "QUORUM_UNREACHABLE",
			Details: details,
		},
	}
}

// AttemptsExhausted represents a task that aborted after its final retry.
type AttemptsExhausted struct {
	SwarmError
}

// NewAttemptsExhausted creates a new AttemptsExhausted.
func NewAttemptsExhausted(message string, details map[string]interface{}) *AttemptsExhausted {
	return &AttemptsExhausted{
		SwarmError: SwarmError{
			Message: message,
			Code:    "ATTEMPTS_EXHAUSTED",
			Details: details,
		},
	}
}

// DivergentResult represents accepting votes that disagree on the result
// digest. The task aborts; it is never silently committed.
type DivergentResult struct {
	SwarmError
}

// NewDivergentResult creates a new DivergentResult.
func NewDivergentResult(message string, details map[string]interface{}) *DivergentResult {
	return &DivergentResult{
		SwarmError: SwarmError{
			Message: message,
			Code:    "DIVERGENT_RESULT",
			Details: details,
		},
	}
}

// PersistenceFailure represents an unavailable durable store. New submissions
// are refused rather than accepted into a non-recoverable in-memory-only mode.
type PersistenceFailure struct {
	SwarmError
}

// NewPersistenceFailure creates a new PersistenceFailure.
func NewPersistenceFailure(message string, details map[string]interface{}) *PersistenceFailure {
	return &PersistenceFailure{
		SwarmError: SwarmError{
			Message: message,
			Code:    "PERSISTENCE_FAILURE",
			Details: details,
		},
	}
}

// CoordinationError represents an orchestration failure.
type CoordinationError struct {
	SwarmError
}

// NewCoordinationError creates a new CoordinationError.
func NewCoordinationError(message string, details map[string]interface{}) *CoordinationError {
	return &CoordinationError{
		SwarmError: SwarmError{
			Message: message,
			Code:    "COORDINATION_ERROR",
			Details: details,
		},
	}
}

// ============================================================================
// Utility Functions
// ============================================================================

// Now returns the current time in milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// GenerateID returns a prefixed short identifier, e.g. "task_1a2b3c4d".
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.New().String()[:8])
}

// NormalizeRef trims surrounding whitespace from an opaque reference.
func NormalizeRef(ref string) string {
	return strings.TrimSpace(ref)
}
