// Package pipeline tracks per-task pipeline state: the ordered subtasks a
// task must pass through, which stage is next, the results accumulated so
// far, and whether a stage dispatch is currently outstanding.
package pipeline

import (
	"fmt"
	"sync"

	"github.com/csdnpoker/ed-agent-meta/internal/iblt"
)

// Subtask is one stage of a task's pipeline: a prompt to run and the
// capability required to run it.
type Subtask struct {
	Prompt             string
	RequiredCapability string
}

// Task is one pipeline instance: its ordered subtasks, the stage results
// accumulated so far, and the authoritative context snapshot dispatched
// alongside each stage via the IBLT codec.
type Task struct {
	ID           int
	Subtasks     []Subtask
	Results      []string
	CurrentStage int
	Finished     bool
	Context      iblt.Context

	// pendingStage is the stage index that was dispatched and is awaiting
	// a result. pendingActive is false when no dispatch is outstanding.
	pendingActive bool
	pendingStage  int
}

// Ready reports whether the task has a stage that can be dispatched right
// now: not finished, stage index in range, and no dispatch outstanding.
func (t *Task) Ready() bool {
	return !t.Finished && t.CurrentStage < len(t.Subtasks) && !t.pendingActive
}

// Tracker holds every active task record and the pending-dispatch
// bookkeeping needed to prevent re-dispatching a stage awaiting its result.
type Tracker struct {
	mu    sync.Mutex
	tasks map[int]*Task
	order []int
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{tasks: make(map[int]*Task)}
}

// AddTask registers a new task record. IDs must be unique; re-adding an
// existing id replaces it.
func (tr *Tracker) AddTask(t *Task) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if _, exists := tr.tasks[t.ID]; !exists {
		tr.order = append(tr.order, t.ID)
	}
	tr.tasks[t.ID] = t
}

// Get returns the task record for id, if any.
func (tr *Tracker) Get(id int) (*Task, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t, ok := tr.tasks[id]
	return t, ok
}

// All returns every tracked task in insertion order.
func (tr *Tracker) All() []*Task {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]*Task, 0, len(tr.order))
	for _, id := range tr.order {
		out = append(out, tr.tasks[id])
	}
	return out
}

// NextReady scans tracked tasks in insertion order and returns the first
// one with a dispatchable stage, along with that stage's index.
func (tr *Tracker) NextReady() (*Task, int, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, id := range tr.order {
		t := tr.tasks[id]
		if t.Ready() {
			return t, t.CurrentStage, true
		}
	}
	return nil, 0, false
}

// MarkPending records that task id's current stage has been dispatched and
// is awaiting a result. Returns an error if the task is unknown or already
// has a stage pending.
func (tr *Tracker) MarkPending(id int) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t, ok := tr.tasks[id]
	if !ok {
		return fmt.Errorf("pipeline: unknown task %d", id)
	}
	if t.pendingActive {
		return fmt.Errorf("pipeline: task %d already has a pending dispatch", id)
	}
	t.pendingActive = true
	t.pendingStage = t.CurrentStage
	return nil
}

// ClearPending clears the pending-dispatch flag for task id, used to roll
// back a best-effort publish that failed.
func (tr *Tracker) ClearPending(id int) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if t, ok := tr.tasks[id]; ok {
		t.pendingActive = false
	}
}

// ClearPendingIfStage clears the pending-dispatch flag for task id only if
// it is still awaiting a result for the given stage, returning whether it
// did so. This lets a stage-timeout reaper free a stale dispatch without
// racing a result that legitimately arrived and advanced the task (and
// possibly dispatched its next stage) between the reaper's scan and its
// clear.
func (tr *Tracker) ClearPendingIfStage(id, stage int) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t, ok := tr.tasks[id]
	if !ok || !t.pendingActive || t.pendingStage != stage {
		return false
	}
	t.pendingActive = false
	return true
}

// Advance applies a result for task id's pending stage: appends the result,
// clears the pending flag, and advances current_stage, marking the task
// finished once every subtask has a result. If no stage is pending — a
// redelivered result for a stage that already advanced — the arriving
// result is dropped without comparing it to the recorded results, matching
// at-least-once delivery semantics.
func (tr *Tracker) Advance(id int, result string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t, ok := tr.tasks[id]
	if !ok {
		return fmt.Errorf("pipeline: unknown task %d", id)
	}
	if t.Finished {
		return nil
	}
	if !t.pendingActive {
		// Stale redelivery: the stage this result corresponds to (by
		// construction, the stage before the current one) already
		// advanced. Nothing to do beyond the idempotent drop.
		return nil
	}

	stage := t.pendingStage
	if stage < t.CurrentStage {
		// Already recorded; drop silently regardless of content match,
		// per at-least-once idempotency.
		return nil
	}

	t.Results = append(t.Results, result)
	t.pendingActive = false
	t.CurrentStage++
	if t.CurrentStage == len(t.Subtasks) {
		t.Finished = true
	}
	return nil
}
