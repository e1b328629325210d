package consensus

import (
	"sync"
	"testing"
	"time"

	"github.com/DNYoussef/spek-swarm-go/internal/shared"
)

type fakeHealth struct {
	mu        sync.Mutex
	unhealthy map[shared.PrincessDomain]bool
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{unhealthy: make(map[shared.PrincessDomain]bool)}
}

func (f *fakeHealth) IsHealthy(domain shared.PrincessDomain) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unhealthy[domain]
}

func (f *fakeHealth) markUnhealthy(domain shared.PrincessDomain) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unhealthy[domain] = true
}

func newTestEngine(health HealthView) *Engine {
	return New(EngineConfig{
		QuorumThreshold: 0.67,
		VotingDeadline:  time.Minute,
	}, health, nil)
}

func newVotingTask(id string) *shared.DecompositionTask {
	return &shared.DecompositionTask{
		ID:         id,
		PayloadRef: "payload://" + id,
		State:      shared.TaskStateVoting,
		CreatedAt:  shared.Now(),
		UpdatedAt:  shared.Now(),
	}
}

func accept(taskID string, attempts int, domain shared.PrincessDomain, digest string) shared.Vote {
	return shared.Vote{
		TaskID:       taskID,
		Attempts:     attempts,
		Domain:       domain,
		Decision:     shared.VoteAccept,
		ResultDigest: digest,
		Timestamp:    shared.Now(),
	}
}

func reject(taskID string, attempts int, domain shared.PrincessDomain) shared.Vote {
	return shared.Vote{
		TaskID:    taskID,
		Attempts:  attempts,
		Domain:    domain,
		Decision:  shared.VoteReject,
		Timestamp: shared.Now(),
	}
}

func TestRequiredVotes(t *testing.T) {
	cases := []struct {
		eligible int
		want     int
	}{
		{eligible: 6, want: 4},
		{eligible: 5, want: 4},
		{eligible: 4, want: 3},
		{eligible: 3, want: 2},
		{eligible: 2, want: 2},
	}

	for _, tc := range cases {
		if got := requiredVotes(tc.eligible, 0.67); got != tc.want {
			t.Errorf("requiredVotes(%d, 0.67) = %d, want %d", tc.eligible, got, tc.want)
		}
	}
}

func TestEngine_CommitsOnQuorumAcceptWithMatchingDigests(t *testing.T) {
	engine := newTestEngine(newFakeHealth())
	task := newVotingTask("task_commit")
	engine.Begin(task)

	domains := shared.AllPrincessDomains()
	digest := shared.DigestResult("result://agreed")

	for _, domain := range domains[:4] {
		if err := engine.RecordVote(accept(task.ID, 0, domain, digest)); err != nil {
			t.Fatalf("failed to record accept from %s: %v", domain, err)
		}
	}
	for _, domain := range domains[4:] {
		if err := engine.RecordVote(reject(task.ID, 0, domain)); err != nil {
			t.Fatalf("failed to record reject from %s: %v", domain, err)
		}
	}

	verdict := engine.Evaluate(task.ID)
	if verdict.Outcome != shared.OutcomeCommitted {
		t.Fatalf("expected committed with 4 matching accepts of 6, got %s (%s)", verdict.Outcome, verdict.Reason)
	}
	if verdict.Digest != digest {
		t.Fatalf("expected winning digest %s, got %s", digest, verdict.Digest)
	}
	if verdict.AcceptCount != 4 || verdict.RejectCount != 2 {
		t.Fatalf("expected 4 accepts / 2 rejects counted, got %d / %d", verdict.AcceptCount, verdict.RejectCount)
	}
}

func TestEngine_DivergentDigestsNeverCommit(t *testing.T) {
	engine := newTestEngine(newFakeHealth())
	task := newVotingTask("task_divergent")
	engine.Begin(task)

	domains := shared.AllPrincessDomains()
	digestA := shared.DigestResult("result://variant-a")
	digestB := shared.DigestResult("result://variant-b")

	for _, domain := range domains[:3] {
		engine.RecordVote(accept(task.ID, 0, domain, digestA))
	}
	engine.RecordVote(accept(task.ID, 0, domains[3], digestB))
	for _, domain := range domains[4:] {
		engine.RecordVote(reject(task.ID, 0, domain))
	}

	verdict := engine.Evaluate(task.ID)
	if verdict.Outcome != shared.OutcomeAborted {
		t.Fatalf("expected aborted on divergent digests, got %s", verdict.Outcome)
	}
	if verdict.Reason != shared.ReasonDivergentResult {
		t.Fatalf("expected divergent-result reason, got %s", verdict.Reason)
	}
}

func TestEngine_UnhealthyDomainExcludedFromQuorumArithmetic(t *testing.T) {
	health := newFakeHealth()
	engine := newTestEngine(health)
	task := newVotingTask("task_shrink")
	engine.Begin(task)

	domains := shared.AllPrincessDomains()
	digest := shared.DigestResult("result://agreed")

	// Four accepts arrive, one from a domain about to be demoted.
	for _, domain := range domains[:3] {
		engine.RecordVote(accept(task.ID, 0, domain, digest))
	}
	engine.RecordVote(accept(task.ID, 0, domains[5], digest))

	health.markUnhealthy(domains[5])

	// Three accepts among five eligible domains is below the bar, and two
	// eligible domains have not voted yet.
	verdict := engine.Evaluate(task.ID)
	if verdict.Outcome != shared.OutcomePending {
		t.Fatalf("expected pending at 3 of 5 eligible accepts, got %s (%s)", verdict.Outcome, verdict.Reason)
	}
	if verdict.EligibleCount != 5 {
		t.Fatalf("expected 5 eligible domains, got %d", verdict.EligibleCount)
	}
	if verdict.AcceptCount != 3 {
		t.Fatalf("expected demoted domain's accept excluded, got %d accepts", verdict.AcceptCount)
	}

	// One more eligible accept clears the quorum.
	engine.RecordVote(accept(task.ID, 0, domains[3], digest))
	verdict = engine.Evaluate(task.ID)
	if verdict.Outcome != shared.OutcomeCommitted {
		t.Fatalf("expected committed after fourth eligible accept, got %s (%s)", verdict.Outcome, verdict.Reason)
	}
}

func TestEngine_OutcomeIndependentOfVoteOrder(t *testing.T) {
	domains := shared.AllPrincessDomains()
	digest := shared.DigestResult("result://agreed")

	buildVotes := func() []shared.Vote {
		votes := make([]shared.Vote, 0, 6)
		for _, domain := range domains[:4] {
			votes = append(votes, accept("task_order", 0, domain, digest))
		}
		for _, domain := range domains[4:] {
			votes = append(votes, reject("task_order", 0, domain))
		}
		return votes
	}

	permutations := [][]int{
		{0, 1, 2, 3, 4, 5},
		{5, 4, 3, 2, 1, 0},
		{4, 0, 5, 1, 3, 2},
		{2, 5, 0, 4, 1, 3},
	}

	for _, perm := range permutations {
		engine := newTestEngine(newFakeHealth())
		engine.Begin(newVotingTask("task_order"))

		votes := buildVotes()
		for _, idx := range perm {
			engine.RecordVote(votes[idx])
		}

		verdict := engine.Evaluate("task_order")
		if verdict.Outcome != shared.OutcomeCommitted {
			t.Fatalf("permutation %v: expected committed, got %s (%s)", perm, verdict.Outcome, verdict.Reason)
		}
	}
}

func TestEngine_AbortsWhenThresholdMathematicallyUnreachable(t *testing.T) {
	engine := newTestEngine(newFakeHealth())
	task := newVotingTask("task_hopeless")
	engine.Begin(task)

	domains := shared.AllPrincessDomains()

	// Three rejects leave at most three possible accepts against a bar of four.
	for _, domain := range domains[:3] {
		engine.RecordVote(reject(task.ID, 0, domain))
	}

	verdict := engine.Evaluate(task.ID)
	if verdict.Outcome != shared.OutcomeAborted {
		t.Fatalf("expected early abort once quorum is unreachable, got %s", verdict.Outcome)
	}
	if verdict.Reason != shared.ReasonQuorumRejected {
		t.Fatalf("expected quorum-rejected reason, got %s", verdict.Reason)
	}
}

func TestEngine_InsufficientEligibleDomainsAborts(t *testing.T) {
	health := newFakeHealth()
	domains := shared.AllPrincessDomains()
	for _, domain := range domains[1:] {
		health.markUnhealthy(domain)
	}

	engine := newTestEngine(health)
	task := newVotingTask("task_lonely")
	engine.Begin(task)

	verdict := engine.Evaluate(task.ID)
	if verdict.Outcome != shared.OutcomeAborted {
		t.Fatalf("expected abort with one eligible domain, got %s", verdict.Outcome)
	}
	if verdict.Reason != shared.ReasonInsufficientQuorum {
		t.Fatalf("expected insufficient-quorum reason, got %s", verdict.Reason)
	}
}

func TestEngine_DeadlineForcesEvaluation(t *testing.T) {
	engine := newTestEngine(newFakeHealth())
	task := newVotingTask("task_deadline")
	task.DeadlineAt = shared.Now() - 1000
	engine.Begin(task)

	domains := shared.AllPrincessDomains()
	digest := shared.DigestResult("result://late")
	for _, domain := range domains[:3] {
		engine.RecordVote(accept(task.ID, 0, domain, digest))
	}

	verdict := engine.Evaluate(task.ID)
	if verdict.Outcome != shared.OutcomeAborted {
		t.Fatalf("expected abort at deadline with 3 of 6 accepts, got %s", verdict.Outcome)
	}
	if verdict.Reason != shared.ReasonDeadlineExpired {
		t.Fatalf("expected deadline-expired reason, got %s", verdict.Reason)
	}
}

func TestEngine_CommitStandsAtDeadlineWhenQuorumMet(t *testing.T) {
	engine := newTestEngine(newFakeHealth())
	task := newVotingTask("task_deadline_commit")
	task.DeadlineAt = shared.Now() - 1000
	engine.Begin(task)

	domains := shared.AllPrincessDomains()
	digest := shared.DigestResult("result://in-time")
	for _, domain := range domains[:4] {
		engine.RecordVote(accept(task.ID, 0, domain, digest))
	}

	verdict := engine.Evaluate(task.ID)
	if verdict.Outcome != shared.OutcomeCommitted {
		t.Fatalf("expected quorum met before deadline check to commit, got %s (%s)", verdict.Outcome, verdict.Reason)
	}
}

func TestEngine_DuplicateVotesIgnored(t *testing.T) {
	engine := newTestEngine(newFakeHealth())
	task := newVotingTask("task_dup")
	engine.Begin(task)

	domain := shared.DomainDevelopment
	digest := shared.DigestResult("result://first")

	engine.RecordVote(accept(task.ID, 0, domain, digest))
	engine.RecordVote(reject(task.ID, 0, domain))

	record, ok := engine.Snapshot(task.ID)
	if !ok {
		t.Fatal("expected a voting round snapshot")
	}
	if len(record.Votes) != 1 {
		t.Fatalf("expected 1 recorded vote, got %d", len(record.Votes))
	}
	if record.Votes[domain].Decision != shared.VoteAccept {
		t.Fatalf("expected the first vote to stand, got %s", record.Votes[domain].Decision)
	}
}

func TestEngine_StaleVotesFromEarlierAttemptIgnored(t *testing.T) {
	engine := newTestEngine(newFakeHealth())
	task := newVotingTask("task_retry")
	engine.Begin(task)

	domains := shared.AllPrincessDomains()
	digest := shared.DigestResult("result://stale")
	for _, domain := range domains[:3] {
		engine.RecordVote(accept(task.ID, 0, domain, digest))
	}

	// The retry opens attempt 1; prior votes must not carry over.
	retried := task.Clone()
	retried.Attempts = 1
	engine.Begin(retried)

	record, ok := engine.Snapshot(task.ID)
	if !ok {
		t.Fatal("expected a voting round snapshot")
	}
	if len(record.Votes) != 0 {
		t.Fatalf("expected no votes after retry cleared the round, got %d", len(record.Votes))
	}

	// A straggler vote from attempt 0 is dropped.
	engine.RecordVote(accept(task.ID, 0, domains[3], digest))
	record, _ = engine.Snapshot(task.ID)
	if len(record.Votes) != 0 {
		t.Fatal("expected stale attempt-0 vote to be ignored")
	}

	engine.RecordVote(accept(task.ID, 1, domains[3], digest))
	record, _ = engine.Snapshot(task.ID)
	if len(record.Votes) != 1 {
		t.Fatalf("expected attempt-1 vote to count, got %d votes", len(record.Votes))
	}
}

func TestEngine_FinalizedOutcomeIsSticky(t *testing.T) {
	engine := newTestEngine(newFakeHealth())
	task := newVotingTask("task_final")
	engine.Begin(task)

	domains := shared.AllPrincessDomains()
	digest := shared.DigestResult("result://final")
	for _, domain := range domains[:4] {
		engine.RecordVote(accept(task.ID, 0, domain, digest))
	}

	first := engine.Evaluate(task.ID)
	if first.Outcome != shared.OutcomeCommitted {
		t.Fatalf("expected committed, got %s", first.Outcome)
	}

	// Later votes no-op and the verdict does not move.
	engine.RecordVote(reject(task.ID, 0, domains[4]))
	second := engine.Evaluate(task.ID)
	if second.Outcome != shared.OutcomeCommitted || second.AcceptCount != first.AcceptCount {
		t.Fatalf("expected sticky verdict, got %+v after %+v", second, first)
	}
}

func TestEngine_RejectsUnsignedVotesWhenSecretConfigured(t *testing.T) {
	engine := New(EngineConfig{
		QuorumThreshold: 0.67,
		VotingDeadline:  time.Minute,
		Secret:          "swarm-secret",
	}, newFakeHealth(), nil)

	task := newVotingTask("task_signed")
	engine.Begin(task)

	unsigned := accept(task.ID, 0, shared.DomainSecurity, shared.DigestResult("result://x"))
	if err := engine.RecordVote(unsigned); err == nil {
		t.Fatal("expected unsigned vote to be rejected")
	}

	signed := unsigned
	signed.Signature = shared.SignVote("swarm-secret", signed)
	if err := engine.RecordVote(signed); err != nil {
		t.Fatalf("expected signed vote to be accepted: %v", err)
	}

	record, _ := engine.Snapshot(task.ID)
	if len(record.Votes) != 1 {
		t.Fatalf("expected only the signed vote recorded, got %d", len(record.Votes))
	}
}

func TestEngine_QuorumSubsetTask(t *testing.T) {
	engine := newTestEngine(newFakeHealth())
	task := newVotingTask("task_subset")
	task.RequiredQuorumDomains = []shared.PrincessDomain{
		shared.DomainDevelopment,
		shared.DomainQuality,
		shared.DomainSecurity,
	}
	engine.Begin(task)

	digest := shared.DigestResult("result://subset")
	engine.RecordVote(accept(task.ID, 0, shared.DomainDevelopment, digest))

	// A healthy domain outside the quorum set cannot tip the count.
	engine.RecordVote(accept(task.ID, 0, shared.DomainResearch, digest))

	verdict := engine.Evaluate(task.ID)
	if verdict.Outcome != shared.OutcomePending {
		t.Fatalf("expected pending at 1 of 3 accepts, got %s", verdict.Outcome)
	}
	if verdict.EligibleCount != 3 || verdict.AcceptCount != 1 {
		t.Fatalf("expected 3 eligible / 1 accept, got %d / %d", verdict.EligibleCount, verdict.AcceptCount)
	}

	engine.RecordVote(accept(task.ID, 0, shared.DomainQuality, digest))
	verdict = engine.Evaluate(task.ID)
	if verdict.Outcome != shared.OutcomeCommitted {
		t.Fatalf("expected committed at 2 of 3 accepts, got %s (%s)", verdict.Outcome, verdict.Reason)
	}
}
