// Package princess implements the domain workers of the swarm. Each worker
// owns one domain, admits work through a bounded pipeline scheduler, and
// casts exactly one signed vote per task attempt.
package princess

import (
	"sync"

	"go.uber.org/zap"

	"github.com/DNYoussef/spek-swarm-go/internal/shared"
)

// PipelineScheduler bounds concurrent execution within one domain to a fixed
// number of slots. Admission is non-blocking: a full scheduler refuses the
// task immediately and the coordinator re-queues it.
type PipelineScheduler struct {
	mu       sync.Mutex
	maxSlots int
	active   int
	running  map[string]int64
	wg       sync.WaitGroup
	log      *zap.Logger
}

// NewPipelineScheduler creates a scheduler with the given slot bound.
func NewPipelineScheduler(maxSlots int, log *zap.Logger) *PipelineScheduler {
	if maxSlots <= 0 {
		maxSlots = 1
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &PipelineScheduler{
		maxSlots: maxSlots,
		running:  make(map[string]int64),
		log:      log,
	}
}

// Submit admits the task into a free slot and runs fn asynchronously,
// returning false immediately when every slot is occupied. The slot is
// released when fn returns, panics included.
func (ps *PipelineScheduler) Submit(taskID string, fn func()) bool {
	ps.mu.Lock()
	if ps.active >= ps.maxSlots {
		ps.mu.Unlock()
		return false
	}
	ps.active++
	ps.running[taskID] = shared.Now()
	ps.mu.Unlock()

	ps.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ps.log.Error("pipeline slot panicked",
					zap.String("taskId", taskID),
					zap.Any("panic", r))
			}
			ps.release(taskID)
			ps.wg.Done()
		}()
		fn()
	}()

	return true
}

// release frees the slot held by taskID.
func (ps *PipelineScheduler) release(taskID string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.active--
	delete(ps.running, taskID)
}

// ActiveSlots returns the number of occupied slots.
func (ps *PipelineScheduler) ActiveSlots() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.active
}

// MaxSlots returns the slot bound.
func (ps *PipelineScheduler) MaxSlots() int {
	return ps.maxSlots
}

// FreeSlots returns the remaining admission capacity.
func (ps *PipelineScheduler) FreeSlots() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.maxSlots - ps.active
}

// Running returns the IDs of tasks currently holding slots.
func (ps *PipelineScheduler) Running() []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ids := make([]string, 0, len(ps.running))
	for id := range ps.running {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until every admitted task has finished.
func (ps *PipelineScheduler) Wait() {
	ps.wg.Wait()
}
