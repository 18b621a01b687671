// Package dispatch selects a worker for the next ready pipeline stage,
// marks it busy, encodes the task's context via the IBLT codec, and
// publishes the dispatch envelope on the worker's inbound subject.
package dispatch

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/csdnpoker/ed-agent-meta/internal/bus"
	"github.com/csdnpoker/ed-agent-meta/internal/busyset"
	"github.com/csdnpoker/ed-agent-meta/internal/iblt"
	"github.com/csdnpoker/ed-agent-meta/internal/pipeline"
	"github.com/csdnpoker/ed-agent-meta/internal/registry"
	"github.com/csdnpoker/ed-agent-meta/internal/telemetry"
)

// Envelope is the wire shape of a dispatch (subtask) message.
type Envelope struct {
	Header  EnvelopeHeader `json:"header"`
	Payload Payload        `json:"payload"`
}

// EnvelopeHeader carries the message type and emission time.
type EnvelopeHeader struct {
	Type string  `json:"type"`
	Time float64 `json:"time"`
}

// Payload is the dispatch message body.
type Payload struct {
	TaskID   int    `json:"task_id"`
	Query    string `json:"query"`
	IBLTData string `json:"iblt_data"`
}

// Clock returns the current time as a float, matching the wire envelope's
// header.time field. Tests may override it for determinism.
type Clock func() float64

// inflightDispatch records the worker and stage a task's dispatch was sent
// to, so a stage-timeout reaper can tell a stale dispatch from one that has
// already been legitimately superseded.
type inflightDispatch struct {
	workerID string
	stage    int
	at       time.Time
}

// Dispatcher selects a worker for each ready stage and publishes the
// dispatch envelope on its inbound subject.
type Dispatcher struct {
	registry *registry.Registry
	busy     *busyset.Set
	tracker  *pipeline.Tracker
	busC     bus.Client
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	clock    Clock
	now      func() time.Time

	// StageTimeout bounds how long a dispatched stage may sit without a
	// result before ReapStaleDispatches frees its worker and re-arms the
	// stage. Zero disables the reaper entirely.
	StageTimeout time.Duration

	mu       sync.Mutex
	inflight map[int]inflightDispatch
}

// New returns a Dispatcher wired to the given registry, busy set, pipeline
// tracker, and bus client. A nil logger/metrics installs no-op
// implementations; a nil clock defaults to a zero-valued timestamp.
// StageTimeout defaults to disabled (0); set it on the returned Dispatcher
// to enable ReapStaleDispatches.
func New(reg *registry.Registry, busy *busyset.Set, tracker *pipeline.Tracker, busC bus.Client, logger telemetry.Logger, metrics telemetry.Metrics, clock Clock) *Dispatcher {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	if clock == nil {
		clock = func() float64 { return 0 }
	}
	return &Dispatcher{
		registry: reg,
		busy:     busy,
		tracker:  tracker,
		busC:     busC,
		logger:   logger,
		metrics:  metrics,
		clock:    clock,
		now:      time.Now,
		inflight: make(map[int]inflightDispatch),
	}
}

// DispatchOne attempts to dispatch the next ready (task, stage) pair. It
// returns false when there was nothing ready or the attempt could not find
// an idle worker this tick; both are expected steady-state outcomes, not
// errors.
func (d *Dispatcher) DispatchOne(ctx context.Context) (bool, error) {
	task, stage, ok := d.tracker.NextReady()
	if !ok {
		return false, nil
	}

	subtask := task.Subtasks[stage]
	ring := d.registry.RingFor(subtask.RequiredCapability)

	query := strconv.Itoa(task.ID)
	candidate, ok := ring.Get(query)
	if !ok {
		d.logger.Info(ctx, "dispatch: no live workers for capability", "capability", subtask.RequiredCapability, "task_id", task.ID)
		return false, nil
	}

	if d.busy.Contains(candidate) {
		found := false
		for i := 0; i < ring.Size(); i++ {
			next, ok := ring.Next(candidate)
			if !ok {
				break
			}
			candidate = next
			if !d.busy.Contains(candidate) {
				found = true
				break
			}
		}
		if !found {
			d.logger.Info(ctx, "dispatch: all capable workers busy", "capability", subtask.RequiredCapability, "task_id", task.ID)
			return false, nil
		}
	}

	worker, ok := d.registry.Get(candidate)
	if !ok {
		d.logger.Warn(ctx, "dispatch: ring referenced unknown worker", "worker_id", candidate)
		return false, nil
	}

	d.busy.Insert(candidate)
	if err := d.tracker.MarkPending(task.ID); err != nil {
		d.busy.Remove(candidate)
		d.logger.Warn(ctx, "dispatch: mark pending failed", "task_id", task.ID, "error", err.Error())
		return false, nil
	}

	encoded, err := iblt.EncodeContext(task.Context, 1.5)
	if err != nil {
		d.busy.Remove(candidate)
		d.tracker.ClearPending(task.ID)
		return false, fmt.Errorf("dispatch: encode context for task %d: %w", task.ID, err)
	}

	env := Envelope{
		Header: EnvelopeHeader{Type: "subtask", Time: d.clock()},
		Payload: Payload{
			TaskID:   task.ID,
			Query:    subtask.Prompt,
			IBLTData: hex.EncodeToString(encoded),
		},
	}
	raw, err := json.Marshal(env)
	if err != nil {
		d.busy.Remove(candidate)
		d.tracker.ClearPending(task.ID)
		return false, fmt.Errorf("dispatch: marshal envelope for task %d: %w", task.ID, err)
	}

	subject, err := d.busC.Subject(worker.InboundSubject)
	if err != nil {
		d.busy.Remove(candidate)
		d.tracker.ClearPending(task.ID)
		return false, fmt.Errorf("dispatch: open subject %q: %w", worker.InboundSubject, err)
	}
	if _, err := subject.Publish(ctx, raw); err != nil {
		d.busy.Remove(candidate)
		d.tracker.ClearPending(task.ID)
		d.logger.Warn(ctx, "dispatch: publish failed, rolled back", "task_id", task.ID, "worker_id", candidate, "error", err.Error())
		return false, nil
	}

	d.mu.Lock()
	d.inflight[task.ID] = inflightDispatch{workerID: candidate, stage: stage, at: d.now()}
	d.mu.Unlock()

	d.metrics.IncCounter("dispatch.sent", 1, "capability", subtask.RequiredCapability)
	d.logger.Info(ctx, "dispatch: sent subtask", "task_id", task.ID, "stage", stage, "worker_id", candidate)
	return true, nil
}

// ReapStaleDispatches frees every dispatch that has sat inflight longer
// than StageTimeout: it clears the task's pending flag (re-arming the
// stage so the next scan can redispatch it) and removes the worker's busy
// mark, then drops the bookkeeping entry. A task whose result arrived (and
// possibly whose next stage was already dispatched) between the previous
// scan and now is left untouched, since ClearPendingIfStage only clears a
// dispatch still pending for the exact stage it was sent for. Returns the
// number of dispatches reaped. A zero StageTimeout disables reaping
// entirely.
func (d *Dispatcher) ReapStaleDispatches(ctx context.Context, now time.Time) int {
	if d.StageTimeout <= 0 {
		return 0
	}

	d.mu.Lock()
	var stale []struct {
		taskID int
		entry  inflightDispatch
	}
	for taskID, entry := range d.inflight {
		if now.Sub(entry.at) >= d.StageTimeout {
			stale = append(stale, struct {
				taskID int
				entry  inflightDispatch
			}{taskID, entry})
		}
	}
	for _, s := range stale {
		delete(d.inflight, s.taskID)
	}
	d.mu.Unlock()

	reaped := 0
	for _, s := range stale {
		if !d.tracker.ClearPendingIfStage(s.taskID, s.entry.stage) {
			continue
		}
		d.busy.Remove(s.entry.workerID)
		d.metrics.IncCounter("dispatch.stage_timeout", 1)
		d.logger.Warn(ctx, "dispatch: stage timed out, re-arming", "task_id", s.taskID, "stage", s.entry.stage, "worker_id", s.entry.workerID)
		reaped++
	}
	return reaped
}
