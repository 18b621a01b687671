// Package orchestrator wires the registry, pipeline tracker, dispatcher,
// and result collector into the main dispatch-scan loop, and drives
// registration/result subscriptions and shutdown.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/csdnpoker/ed-agent-meta/internal/bus"
	"github.com/csdnpoker/ed-agent-meta/internal/busyset"
	"github.com/csdnpoker/ed-agent-meta/internal/collector"
	"github.com/csdnpoker/ed-agent-meta/internal/dispatch"
	"github.com/csdnpoker/ed-agent-meta/internal/pipeline"
	"github.com/csdnpoker/ed-agent-meta/internal/planner"
	"github.com/csdnpoker/ed-agent-meta/internal/registry"
	"github.com/csdnpoker/ed-agent-meta/internal/telemetry"
)

const registerSubject = "meta.register"

// registerGroup and resultGroup name the durable consumer groups the
// orchestrator subscribes under; a single orchestrator process per bus is
// assumed, so a fixed name is sufficient.
const (
	registerGroup = "orchestrator"
	resultGroup   = "orchestrator"
)

// TaskSpec is one task submitted to the orchestrator, already planned into
// an ordered pipeline of subtasks.
type TaskSpec struct {
	ID       int
	Subtasks []pipeline.Subtask
}

// Orchestrator owns the registry, busy set, pipeline tracker, dispatcher,
// and result collector, and drives the main dispatch-scan loop described
// in the spec's concurrency model: a scan, a short sleep when nothing was
// ready, repeated until every task is finished, followed by a shutdown
// broadcast.
type Orchestrator struct {
	registry   *registry.Registry
	busy       *busyset.Set
	tracker    *pipeline.Tracker
	dispatcher *dispatch.Dispatcher
	collector  *collector.Collector
	busC       bus.Client
	logger     telemetry.Logger
	metrics    telemetry.Metrics

	pingInterval time.Duration
}

// Options configures a new Orchestrator.
type Options struct {
	Bus          bus.Client
	Logger       telemetry.Logger
	Metrics      telemetry.Metrics
	Clock        dispatch.Clock
	PingInterval time.Duration

	// ReplicasBase is the base subtracted from in the registry's
	// max(1, ReplicasBase - len(capabilities)) virtual-node formula. <= 0
	// defaults to 10.
	ReplicasBase int

	// StageTimeout bounds how long a dispatched stage may sit without a
	// result before the dispatch loop reaps it. <= 0 disables reaping.
	StageTimeout time.Duration
}

// New wires a fresh Orchestrator around the given bus client.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = time.Second
	}

	reg := registry.New(opts.Logger, opts.ReplicasBase)
	busy := busyset.New()
	tracker := pipeline.New()
	disp := dispatch.New(reg, busy, tracker, opts.Bus, opts.Logger, opts.Metrics, opts.Clock)
	disp.StageTimeout = opts.StageTimeout
	coll := collector.New(tracker, busy, opts.Logger)

	return &Orchestrator{
		registry:     reg,
		busy:         busy,
		tracker:      tracker,
		dispatcher:   disp,
		collector:    coll,
		busC:         opts.Bus,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		pingInterval: opts.PingInterval,
	}
}

// Registry exposes the underlying registry, e.g. so a planner can read the
// live capability vocabulary.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// SubmitTask plans taskText via p (falling back to a single-stage pipeline
// on planner failure), registers the resulting task, and begins listening
// for its result subject.
func (o *Orchestrator) SubmitTask(ctx context.Context, id int, taskText string, p planner.Planner, vocabulary []string) error {
	subtasks, err := p.Plan(ctx, taskText, vocabulary)
	if err != nil || len(subtasks) == 0 {
		subtasks, err = planner.FallbackPlanner{}.Plan(ctx, taskText, vocabulary)
		if err != nil {
			return fmt.Errorf("orchestrator: fallback plan for task %d: %w", id, err)
		}
	}
	return o.AddTask(ctx, &pipeline.Task{ID: id, Subtasks: subtasks})
}

// AddTask registers an already-planned task and subscribes to its result
// subject.
func (o *Orchestrator) AddTask(ctx context.Context, task *pipeline.Task) error {
	o.tracker.AddTask(task)
	return o.subscribeResults(ctx, task.ID)
}

// Run subscribes to the registration subject, then loops dispatching ready
// stages until every tracked task is finished, sleeping PingInterval
// between scans that found nothing ready. It returns after broadcasting
// shutdown to every registered worker and closing the bus.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.subscribeRegister(ctx); err != nil {
		return fmt.Errorf("orchestrator: subscribe register: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if o.allFinished() {
			return o.shutdown(ctx)
		}

		if n := o.dispatcher.ReapStaleDispatches(ctx, time.Now()); n > 0 {
			o.logger.Info(ctx, "orchestrator: reaped stale dispatches", "count", n)
		}

		dispatchedAny := false
		for {
			dispatched, err := o.dispatcher.DispatchOne(ctx)
			if err != nil {
				o.logger.Error(ctx, "orchestrator: dispatch error", "error", err.Error())
				break
			}
			if !dispatched {
				break
			}
			dispatchedAny = true
		}

		if !dispatchedAny {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.pingInterval):
			}
		}
	}
}

func (o *Orchestrator) allFinished() bool {
	tasks := o.tracker.All()
	if len(tasks) == 0 {
		return false
	}
	for _, t := range tasks {
		if !t.Finished {
			return false
		}
	}
	return true
}

// shutdown publishes the shutdown envelope to every registered worker's
// inbound subject, then closes the bus connection.
func (o *Orchestrator) shutdown(ctx context.Context) error {
	env := struct {
		Header struct {
			Type string  `json:"type"`
			Time float64 `json:"time"`
		} `json:"header"`
	}{}
	env.Header.Type = "shutdown"
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("orchestrator: marshal shutdown envelope: %w", err)
	}

	for _, w := range o.registry.Workers() {
		subject, err := o.busC.Subject(w.InboundSubject)
		if err != nil {
			o.logger.Warn(ctx, "orchestrator: shutdown subject open failed", "worker_id", w.ID, "error", err.Error())
			continue
		}
		if _, err := subject.Publish(ctx, raw); err != nil {
			o.logger.Warn(ctx, "orchestrator: shutdown publish failed", "worker_id", w.ID, "error", err.Error())
		}
	}
	o.logger.Info(ctx, "orchestrator: all tasks finished, shutdown broadcast complete")
	return o.busC.Close(ctx)
}

func (o *Orchestrator) subscribeRegister(ctx context.Context) error {
	subject, err := o.busC.Subject(registerSubject)
	if err != nil {
		return err
	}
	msgs, err := subject.Subscribe(ctx, registerGroup)
	if err != nil {
		return err
	}
	go func() {
		for m := range msgs {
			_ = o.registry.HandleMessage(ctx, m.Payload)
			if m.Ack != nil {
				_ = m.Ack(ctx)
			}
		}
	}()
	return nil
}

func (o *Orchestrator) subscribeResults(ctx context.Context, taskID int) error {
	subject, err := o.busC.Subject(collector.ResultSubject(taskID))
	if err != nil {
		return err
	}
	msgs, err := subject.Subscribe(ctx, resultGroup)
	if err != nil {
		return err
	}
	go func() {
		for m := range msgs {
			_ = o.collector.HandleMessage(ctx, m.Payload)
			if m.Ack != nil {
				_ = m.Ack(ctx)
			}
		}
	}()
	return nil
}
