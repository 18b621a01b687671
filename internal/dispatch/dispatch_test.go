package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csdnpoker/ed-agent-meta/internal/bus"
	"github.com/csdnpoker/ed-agent-meta/internal/busyset"
	"github.com/csdnpoker/ed-agent-meta/internal/iblt"
	"github.com/csdnpoker/ed-agent-meta/internal/pipeline"
	"github.com/csdnpoker/ed-agent-meta/internal/registry"
)

func TestDispatchOnePublishesAndMarksBusy(t *testing.T) {
	reg := registry.New(nil, 0)
	reg.Register(registry.Worker{ID: "w1", Capabilities: []string{"text-generation"}, InboundSubject: "w1.inbox"})

	tracker := pipeline.New()
	tracker.AddTask(&pipeline.Task{
		ID:       1,
		Subtasks: []pipeline.Subtask{{Prompt: "summarize X", RequiredCapability: "text-generation"}},
		Context:  iblt.Context{"k": []byte("v")},
	})

	busy := busyset.New()
	client := bus.NewInMemoryClient()
	subject, err := client.Subject("w1.inbox")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := subject.Subscribe(ctx, "dispatcher")
	require.NoError(t, err)

	d := New(reg, busy, tracker, client, nil, nil, nil)
	dispatched, err := d.DispatchOne(context.Background())
	require.NoError(t, err)
	assert.True(t, dispatched)
	assert.True(t, busy.Contains("w1"))

	select {
	case m := <-msgs:
		var env Envelope
		require.NoError(t, json.Unmarshal(m.Payload, &env))
		assert.Equal(t, "subtask", env.Header.Type)
		assert.Equal(t, 1, env.Payload.TaskID)
		assert.NotEmpty(t, env.Payload.IBLTData)
	default:
		t.Fatal("expected a published message")
	}
}

func TestDispatchOneSkipsWhenNoWorkersForCapability(t *testing.T) {
	reg := registry.New(nil, 0)
	tracker := pipeline.New()
	tracker.AddTask(&pipeline.Task{
		ID:       1,
		Subtasks: []pipeline.Subtask{{Prompt: "x", RequiredCapability: "math-reasoning"}},
	})
	d := New(reg, busyset.New(), tracker, bus.NewInMemoryClient(), nil, nil, nil)

	dispatched, err := d.DispatchOne(context.Background())
	require.NoError(t, err)
	assert.False(t, dispatched)
}

func TestDispatchOneBusySkipFindsOtherWorker(t *testing.T) {
	reg := registry.New(nil, 0)
	reg.Register(registry.Worker{ID: "w1", Capabilities: []string{"analysis-summary"}, InboundSubject: "w1.inbox"})
	reg.Register(registry.Worker{ID: "w2", Capabilities: []string{"analysis-summary"}, InboundSubject: "w2.inbox"})

	busy := busyset.New()
	tracker := pipeline.New()
	tracker.AddTask(&pipeline.Task{ID: 42, Subtasks: []pipeline.Subtask{{Prompt: "x", RequiredCapability: "analysis-summary"}}})

	ring := reg.RingFor("analysis-summary")
	primary, _ := ring.Get("42")
	busy.Insert(primary)

	client := bus.NewInMemoryClient()
	d := New(reg, busy, tracker, client, nil, nil, nil)

	dispatched, err := d.DispatchOne(context.Background())
	require.NoError(t, err)
	assert.True(t, dispatched)

	other := "w2"
	if primary == "w2" {
		other = "w1"
	}
	assert.True(t, busy.Contains(other), "busy-skip should dispatch to the non-busy worker")
}

// TestDispatchOneWalksPastMultipleBusyWorkers covers the case a 2-worker
// ring cannot expose: with 3 capable workers and both the primary candidate
// and its ring successor already busy, the busy-skip walk must keep
// going until it reaches the one free worker rather than stopping at (or
// redispatching to) the second busy node.
func TestDispatchOneWalksPastMultipleBusyWorkers(t *testing.T) {
	reg := registry.New(nil, 0)
	reg.Register(registry.Worker{ID: "w1", Capabilities: []string{"analysis-summary"}, InboundSubject: "w1.inbox"})
	reg.Register(registry.Worker{ID: "w2", Capabilities: []string{"analysis-summary"}, InboundSubject: "w2.inbox"})
	reg.Register(registry.Worker{ID: "w3", Capabilities: []string{"analysis-summary"}, InboundSubject: "w3.inbox"})

	tracker := pipeline.New()
	tracker.AddTask(&pipeline.Task{ID: 7, Subtasks: []pipeline.Subtask{{Prompt: "x", RequiredCapability: "analysis-summary"}}})

	ring := reg.RingFor("analysis-summary")
	primary, _ := ring.Get("7")

	// Walk the ring from primary to find its immediate successor, then mark
	// both primary and that successor busy, leaving exactly one free worker.
	successor, ok := ring.Next(primary)
	require.True(t, ok)

	busy := busyset.New()
	busy.Insert(primary)
	busy.Insert(successor)

	free := ""
	for _, id := range []string{"w1", "w2", "w3"} {
		if id != primary && id != successor {
			free = id
		}
	}
	require.NotEmpty(t, free)

	client := bus.NewInMemoryClient()
	d := New(reg, busy, tracker, client, nil, nil, nil)

	dispatched, err := d.DispatchOne(context.Background())
	require.NoError(t, err)
	assert.True(t, dispatched)
	assert.True(t, busy.Contains(free), "busy-skip should walk past both busy workers to the free one")
}

func TestReapStaleDispatchesFreesWorkerAndReArmsStage(t *testing.T) {
	reg := registry.New(nil, 0)
	reg.Register(registry.Worker{ID: "w1", Capabilities: []string{"text-generation"}, InboundSubject: "w1.inbox"})

	busy := busyset.New()
	tracker := pipeline.New()
	tracker.AddTask(&pipeline.Task{ID: 1, Subtasks: []pipeline.Subtask{{Prompt: "x", RequiredCapability: "text-generation"}}})

	d := New(reg, busy, tracker, bus.NewInMemoryClient(), nil, nil, nil)
	d.StageTimeout = time.Second

	start := time.Now()
	d.now = func() time.Time { return start }

	dispatched, err := d.DispatchOne(context.Background())
	require.NoError(t, err)
	require.True(t, dispatched)
	require.True(t, busy.Contains("w1"))

	// Before the timeout elapses, nothing is reaped.
	assert.Equal(t, 0, d.ReapStaleDispatches(context.Background(), start.Add(500*time.Millisecond)))
	assert.True(t, busy.Contains("w1"))

	reaped := d.ReapStaleDispatches(context.Background(), start.Add(2*time.Second))
	assert.Equal(t, 1, reaped)
	assert.False(t, busy.Contains("w1"), "reaping must free the stale dispatch's worker")

	_, _, ok := tracker.NextReady()
	assert.True(t, ok, "reaping must re-arm the timed-out stage for redispatch")
}

func TestReapStaleDispatchesLeavesCompletedStageAlone(t *testing.T) {
	reg := registry.New(nil, 0)
	reg.Register(registry.Worker{ID: "w1", Capabilities: []string{"text-generation"}, InboundSubject: "w1.inbox"})

	busy := busyset.New()
	tracker := pipeline.New()
	tracker.AddTask(&pipeline.Task{ID: 1, Subtasks: []pipeline.Subtask{{Prompt: "x", RequiredCapability: "text-generation"}}})

	d := New(reg, busy, tracker, bus.NewInMemoryClient(), nil, nil, nil)
	d.StageTimeout = time.Second

	start := time.Now()
	d.now = func() time.Time { return start }

	dispatched, err := d.DispatchOne(context.Background())
	require.NoError(t, err)
	require.True(t, dispatched)

	// The result arrives before the reaper runs.
	require.NoError(t, tracker.Advance(1, "done"))

	reaped := d.ReapStaleDispatches(context.Background(), start.Add(2*time.Second))
	assert.Equal(t, 0, reaped, "a stage that already completed must not be reaped")
}

