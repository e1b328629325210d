// Package executor provides the execution backends a domain worker uses to
// turn a task payload into a result reference.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/DNYoussef/spek-swarm-go/internal/shared"
)

// Executor runs one task payload to completion. Implementations must honor
// context cancellation and report failures through ExecutionResult rather
// than panicking.
type Executor interface {
	Execute(ctx context.Context, payloadRef string) (shared.ExecutionResult, error)
}

// ExecFunc adapts a plain function to the Executor interface.
type ExecFunc func(ctx context.Context, payloadRef string) (shared.ExecutionResult, error)

// Execute calls f.
func (f ExecFunc) Execute(ctx context.Context, payloadRef string) (shared.ExecutionResult, error) {
	return f(ctx, payloadRef)
}

// ============================================================================
// Scripted executor
// ============================================================================

// ScriptedOutcome describes the canned behavior for one payload reference.
type ScriptedOutcome struct {
	Result shared.ExecutionResult
	Delay  time.Duration
	Err    error
}

// ScriptedExecutor returns deterministic canned results keyed by payload
// reference. It backs the demo mode and lets tests drive workers through
// success, failure, and slow-execution paths without external collaborators.
type ScriptedExecutor struct {
	mu       sync.RWMutex
	outcomes map[string]ScriptedOutcome
	calls    map[string]int
}

// NewScriptedExecutor creates an empty scripted executor.
func NewScriptedExecutor() *ScriptedExecutor {
	return &ScriptedExecutor{
		outcomes: make(map[string]ScriptedOutcome),
		calls:    make(map[string]int),
	}
}

// Script registers the outcome returned for a payload reference.
func (e *ScriptedExecutor) Script(payloadRef string, outcome ScriptedOutcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outcomes[payloadRef] = outcome
}

// ScriptSuccess registers a successful outcome with a derived result ref.
func (e *ScriptedExecutor) ScriptSuccess(payloadRef, resultRef string) {
	e.Script(payloadRef, ScriptedOutcome{
		Result: shared.ExecutionResult{Success: true, ResultRef: resultRef},
	})
}

// ScriptFailure registers a failed outcome with the given error message.
func (e *ScriptedExecutor) ScriptFailure(payloadRef, message string) {
	e.Script(payloadRef, ScriptedOutcome{
		Result: shared.ExecutionResult{Success: false, ErrorMessage: message},
	})
}

// Calls returns how many times a payload reference was executed.
func (e *ScriptedExecutor) Calls(payloadRef string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.calls[payloadRef]
}

// Execute returns the scripted outcome for the payload. Unscripted payloads
// succeed with a synthetic result ref so demo runs need no setup.
func (e *ScriptedExecutor) Execute(ctx context.Context, payloadRef string) (shared.ExecutionResult, error) {
	e.mu.Lock()
	e.calls[payloadRef]++
	outcome, found := e.outcomes[payloadRef]
	e.mu.Unlock()

	if !found {
		outcome = ScriptedOutcome{
			Result: shared.ExecutionResult{
				Success:   true,
				ResultRef: fmt.Sprintf("result://%s", payloadRef),
			},
		}
	}

	if outcome.Delay > 0 {
		select {
		case <-time.After(outcome.Delay):
		case <-ctx.Done():
			return shared.ExecutionResult{
				Success:      false,
				ErrorMessage: ctx.Err().Error(),
			}, ctx.Err()
		}
	}

	if err := ctx.Err(); err != nil {
		return shared.ExecutionResult{Success: false, ErrorMessage: err.Error()}, err
	}

	return outcome.Result, outcome.Err
}
