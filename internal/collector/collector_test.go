package collector

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csdnpoker/ed-agent-meta/internal/busyset"
	"github.com/csdnpoker/ed-agent-meta/internal/pipeline"
)

func newTask(id int, stages int) *pipeline.Task {
	subtasks := make([]pipeline.Subtask, stages)
	for i := range subtasks {
		subtasks[i] = pipeline.Subtask{Prompt: "p", RequiredCapability: "text-generation"}
	}
	return &pipeline.Task{ID: id, Subtasks: subtasks}
}

func TestHandleMessageAppendsResultAndFreesWorker(t *testing.T) {
	tracker := pipeline.New()
	tracker.AddTask(newTask(1, 2))
	require.NoError(t, tracker.MarkPending(1))

	busy := busyset.New()
	busy.Insert("w1")
	c := New(tracker, busy, nil)

	env := Envelope{
		Header:  EnvelopeHeader{Type: "subtask-re"},
		Payload: Payload{TaskID: 1, AgentID: "w1", Result: json.RawMessage(`"hello"`)},
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	require.NoError(t, c.HandleMessage(context.Background(), raw))

	task, _ := tracker.Get(1)
	assert.Equal(t, []string{"hello"}, task.Results)
	assert.Equal(t, 1, task.CurrentStage)
	assert.False(t, busy.Contains("w1"))
}

func TestHandleMessageJoinsArrayResult(t *testing.T) {
	tracker := pipeline.New()
	tracker.AddTask(newTask(1, 1))
	require.NoError(t, tracker.MarkPending(1))
	busy := busyset.New()
	c := New(tracker, busy, nil)

	env := Envelope{
		Header:  EnvelopeHeader{Type: "subtask-re"},
		Payload: Payload{TaskID: 1, AgentID: "w1", Result: json.RawMessage(`["line1","line2"]`)},
	}
	raw, _ := json.Marshal(env)
	require.NoError(t, c.HandleMessage(context.Background(), raw))

	task, _ := tracker.Get(1)
	assert.Equal(t, []string{"line1\nline2"}, task.Results)
}

func TestHandleMessageUnknownTaskDropped(t *testing.T) {
	tracker := pipeline.New()
	c := New(tracker, busyset.New(), nil)

	env := Envelope{Payload: Payload{TaskID: 999, Result: json.RawMessage(`"x"`)}}
	raw, _ := json.Marshal(env)
	assert.NoError(t, c.HandleMessage(context.Background(), raw))
}

func TestHandleMessageFinishedTaskDropped(t *testing.T) {
	tracker := pipeline.New()
	task := newTask(1, 1)
	task.Finished = true
	tracker.AddTask(task)

	c := New(tracker, busyset.New(), nil)
	env := Envelope{Payload: Payload{TaskID: 1, Result: json.RawMessage(`"x"`)}}
	raw, _ := json.Marshal(env)
	require.NoError(t, c.HandleMessage(context.Background(), raw))

	assert.Empty(t, task.Results)
}

func TestHandleMessageDuplicateRedeliveryDropped(t *testing.T) {
	tracker := pipeline.New()
	tracker.AddTask(newTask(1, 2))
	busy := busyset.New()
	c := New(tracker, busy, nil)

	require.NoError(t, tracker.MarkPending(1))
	env := Envelope{Payload: Payload{TaskID: 1, AgentID: "w1", Result: json.RawMessage(`"r0"`)}}
	raw, _ := json.Marshal(env)
	require.NoError(t, c.HandleMessage(context.Background(), raw))

	// Redelivery of the same message after the stage already advanced.
	require.NoError(t, c.HandleMessage(context.Background(), raw))

	task, _ := tracker.Get(1)
	assert.Equal(t, []string{"r0"}, task.Results)
}

func TestTaskIDFromSubject(t *testing.T) {
	id, ok := TaskIDFromSubject("TASK_42_RESULT")
	assert.True(t, ok)
	assert.Equal(t, 42, id)

	_, ok = TaskIDFromSubject("bogus")
	assert.False(t, ok)
}
