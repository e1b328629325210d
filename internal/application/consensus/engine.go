// Package consensus decides commit or abort for each task attempt from the
// votes of the swarm's domain workers.
package consensus

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DNYoussef/spek-swarm-go/internal/shared"
)

// HealthView answers eligibility questions at evaluation time. Quorum
// arithmetic is always computed against live health, never a cached view.
type HealthView interface {
	IsHealthy(domain shared.PrincessDomain) bool
}

// EngineConfig holds configuration for the consensus engine.
type EngineConfig struct {
	QuorumThreshold float64       // Fraction of eligible accepts required to commit
	VotingDeadline  time.Duration // Default per-attempt voting window
	Secret          string        // Shared secret for vote signature checks; empty disables
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		QuorumThreshold: 0.67,
		VotingDeadline:  2 * time.Minute,
	}
}

// Verdict is the result of one evaluation pass.
type Verdict struct {
	Outcome       shared.ConsensusOutcome
	Reason        string
	Digest        string // Winning digest when committed
	AcceptCount   int
	RejectCount   int
	EligibleCount int
	RequiredVotes int
}

// voteRound tracks one attempt's voting state.
type voteRound struct {
	taskID        string
	attempts      int
	quorumDomains []shared.PrincessDomain
	threshold     float64
	deadlineAt    int64
	votes         map[shared.PrincessDomain]shared.Vote
	finalized     bool
	verdict       Verdict
	createdAt     int64
	finalizedAt   int64
}

// Engine aggregates votes per task attempt and applies the Byzantine quorum
// rule: commit only when the accepting fraction of currently eligible domains
// clears the threshold and every accepting vote carries the same digest.
// Evaluation is cheap, idempotent, and independent of vote arrival order.
type Engine struct {
	config EngineConfig
	health HealthView
	log    *zap.Logger

	mu     sync.RWMutex
	rounds map[string]*voteRound
}

// New creates a consensus engine.
func New(config EngineConfig, health HealthView, log *zap.Logger) *Engine {
	if config.QuorumThreshold <= 0 || config.QuorumThreshold > 1 {
		config.QuorumThreshold = 0.67
	}
	if config.VotingDeadline <= 0 {
		config.VotingDeadline = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Engine{
		config: config,
		health: health,
		log:    log,
		rounds: make(map[string]*voteRound),
	}
}

// Begin opens the voting round for a task attempt. A round left over from an
// earlier attempt is discarded, so no stale vote can count toward the new
// quorum. Calling Begin again for the same attempt is a no-op.
func (e *Engine) Begin(task *shared.DecompositionTask) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if round, ok := e.rounds[task.ID]; ok && round.attempts == task.Attempts {
		return
	}

	e.rounds[task.ID] = e.newRoundLocked(task.ID, task.Attempts, task.QuorumDomains(), task.DeadlineAt)
}

// newRoundLocked builds a fresh round (caller must hold lock).
func (e *Engine) newRoundLocked(taskID string, attempts int, quorum []shared.PrincessDomain, deadlineAt int64) *voteRound {
	now := shared.Now()
	if deadlineAt <= 0 {
		deadlineAt = now + e.config.VotingDeadline.Milliseconds()
	}

	return &voteRound{
		taskID:        taskID,
		attempts:      attempts,
		quorumDomains: quorum,
		threshold:     e.config.QuorumThreshold,
		deadlineAt:    deadlineAt,
		votes:         make(map[shared.PrincessDomain]shared.Vote),
		createdAt:     now,
	}
}

// RecordVote appends a vote to its task's round. Votes that cannot count are
// dropped with a logged warning rather than an error: duplicates, votes for
// finalized rounds, votes from earlier attempts, and votes from domains
// outside the task's quorum set. A bad signature is the one rejection the
// caller hears about.
func (e *Engine) RecordVote(vote shared.Vote) error {
	if e.config.Secret != "" && !shared.VerifyVote(e.config.Secret, vote) {
		e.log.Warn("vote signature rejected",
			zap.String("taskId", vote.TaskID),
			zap.String("domain", string(vote.Domain)))
		return shared.NewValidationError("vote signature verification failed", map[string]interface{}{
			"taskId": vote.TaskID,
			"domain": string(vote.Domain),
		})
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	round, ok := e.rounds[vote.TaskID]
	if !ok {
		round = e.newRoundLocked(vote.TaskID, vote.Attempts, shared.AllPrincessDomains(), 0)
		e.rounds[vote.TaskID] = round
	}

	if round.finalized {
		e.log.Warn("vote for finalized task ignored",
			zap.String("taskId", vote.TaskID),
			zap.String("domain", string(vote.Domain)),
			zap.String("outcome", string(round.verdict.Outcome)))
		return nil
	}

	if vote.Attempts != round.attempts {
		e.log.Warn("stale vote from earlier attempt ignored",
			zap.String("taskId", vote.TaskID),
			zap.String("domain", string(vote.Domain)),
			zap.Int("voteAttempt", vote.Attempts),
			zap.Int("currentAttempt", round.attempts))
		return nil
	}

	if !e.inQuorumLocked(round, vote.Domain) {
		e.log.Warn("vote from non-quorum domain ignored",
			zap.String("taskId", vote.TaskID),
			zap.String("domain", string(vote.Domain)))
		return nil
	}

	if _, voted := round.votes[vote.Domain]; voted {
		e.log.Warn("duplicate vote ignored",
			zap.String("taskId", vote.TaskID),
			zap.String("domain", string(vote.Domain)))
		return nil
	}

	round.votes[vote.Domain] = vote
	return nil
}

// inQuorumLocked reports whether a domain's vote counts for this round.
func (e *Engine) inQuorumLocked(round *voteRound, domain shared.PrincessDomain) bool {
	for _, d := range round.quorumDomains {
		if d == domain {
			return true
		}
	}
	return false
}

// Evaluate computes the round's outcome from the votes present right now.
// Eligibility is recomputed from live health on every call: a domain demoted
// mid-vote drops out of both numerator and denominator. The first terminal
// outcome is sticky; later calls return it unchanged.
func (e *Engine) Evaluate(taskID string) Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()

	round, ok := e.rounds[taskID]
	if !ok {
		return Verdict{Outcome: shared.OutcomePending}
	}
	if round.finalized {
		return round.verdict
	}

	verdict := e.computeLocked(round)
	if verdict.Outcome != shared.OutcomePending {
		round.finalized = true
		round.finalizedAt = shared.Now()
		round.verdict = verdict
	}
	return verdict
}

// computeLocked applies the quorum rule (caller must hold lock).
func (e *Engine) computeLocked(round *voteRound) Verdict {
	eligible := make([]shared.PrincessDomain, 0, len(round.quorumDomains))
	for _, domain := range round.quorumDomains {
		if e.health == nil || e.health.IsHealthy(domain) {
			eligible = append(eligible, domain)
		}
	}

	verdict := Verdict{
		Outcome:       shared.OutcomePending,
		EligibleCount: len(eligible),
	}

	// Below any meaningful quorum the task aborts instead of hanging.
	if len(eligible) < 2 {
		verdict.Outcome = shared.OutcomeAborted
		verdict.Reason = shared.ReasonInsufficientQuorum
		return verdict
	}

	verdict.RequiredVotes = requiredVotes(len(eligible), round.threshold)

	digests := make(map[string]int)
	voted := 0
	for _, domain := range eligible {
		vote, ok := round.votes[domain]
		if !ok {
			continue
		}
		voted++
		switch vote.Decision {
		case shared.VoteAccept:
			verdict.AcceptCount++
			digests[vote.ResultDigest]++
		case shared.VoteReject:
			verdict.RejectCount++
		}
	}

	// Accepting votes that disagree on what was produced can never commit.
	if len(digests) > 1 {
		verdict.Outcome = shared.OutcomeAborted
		verdict.Reason = shared.ReasonDivergentResult
		return verdict
	}

	if verdict.AcceptCount >= verdict.RequiredVotes {
		verdict.Outcome = shared.OutcomeCommitted
		for digest := range digests {
			verdict.Digest = digest
		}
		return verdict
	}

	// Abort as soon as the remaining unvoted domains cannot clear the bar.
	missing := len(eligible) - voted
	if verdict.AcceptCount+missing < verdict.RequiredVotes {
		verdict.Outcome = shared.OutcomeAborted
		verdict.Reason = shared.ReasonQuorumRejected
		return verdict
	}

	// Past the deadline, missing votes count as implicit rejects.
	if shared.Now() >= round.deadlineAt {
		verdict.Outcome = shared.OutcomeAborted
		verdict.Reason = shared.ReasonDeadlineExpired
		return verdict
	}

	return verdict
}

// thresholdSlack absorbs the rounding in decimal thresholds: 0.67 stands for
// two thirds, so 6 eligible domains require 4 accepts, not 5.
const thresholdSlack = 0.05

// requiredVotes returns the accept count needed for the given eligible set.
func requiredVotes(eligible int, threshold float64) int {
	required := int(math.Ceil(float64(eligible)*threshold - thresholdSlack))
	if required < 1 {
		required = 1
	}
	return required
}

// Snapshot returns a copy of the round's consensus record for observation.
func (e *Engine) Snapshot(taskID string) (*shared.ConsensusRecord, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	round, ok := e.rounds[taskID]
	if !ok {
		return nil, false
	}

	record := &shared.ConsensusRecord{
		TaskID:          round.taskID,
		Attempts:        round.attempts,
		Votes:           make(map[shared.PrincessDomain]shared.Vote, len(round.votes)),
		QuorumThreshold: round.threshold,
		Outcome:         shared.OutcomePending,
		Reason:          round.verdict.Reason,
		CreatedAt:       round.createdAt,
		FinalizedAt:     round.finalizedAt,
	}
	if round.finalized {
		record.Outcome = round.verdict.Outcome
	}
	for domain, vote := range round.votes {
		record.Votes[domain] = vote
	}
	return record, true
}

// Deadline returns the round's voting deadline in unix milliseconds.
func (e *Engine) Deadline(taskID string) (int64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	round, ok := e.rounds[taskID]
	if !ok {
		return 0, false
	}
	return round.deadlineAt, true
}

// Forget drops the round once the outcome has been propagated to the task.
func (e *Engine) Forget(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.rounds, taskID)
}

// OpenRounds returns the task IDs of every round still tracked, finalized
// ones included: a finalized round only leaves via Forget, after its verdict
// reached the task. Sweeping all of them means a verdict can never strand.
func (e *Engine) OpenRounds() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.rounds))
	for id := range e.rounds {
		ids = append(ids, id)
	}
	return ids
}
