// Package collector consumes per-task result messages, appends them to the
// pipeline tracker, releases the worker that produced them, and advances
// the task's stage.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/csdnpoker/ed-agent-meta/internal/busyset"
	"github.com/csdnpoker/ed-agent-meta/internal/pipeline"
	"github.com/csdnpoker/ed-agent-meta/internal/telemetry"
)

// Envelope is the wire shape of a result message.
type Envelope struct {
	Header  EnvelopeHeader `json:"header"`
	Payload Payload        `json:"payload"`
}

// EnvelopeHeader carries the message type.
type EnvelopeHeader struct {
	Type string  `json:"type"`
	Time float64 `json:"time,omitempty"`
}

// Payload is the result message body. Result may arrive as a JSON string
// or a JSON array of strings, joined with "\n" in the latter case.
type Payload struct {
	TaskID  int             `json:"task_id"`
	AgentID string          `json:"agent_id"`
	Result  json.RawMessage `json:"result"`
}

// ResultSubject returns the per-task result subject name, e.g.
// "TASK_42_RESULT".
func ResultSubject(taskID int) string {
	return fmt.Sprintf("TASK_%d_RESULT", taskID)
}

// Collector applies incoming result messages to the pipeline tracker and
// the busy set.
type Collector struct {
	tracker *pipeline.Tracker
	busy    *busyset.Set
	logger  telemetry.Logger
}

// New returns a Collector wired to the given tracker and busy set. A nil
// logger installs a no-op logger.
func New(tracker *pipeline.Tracker, busy *busyset.Set, logger telemetry.Logger) *Collector {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Collector{tracker: tracker, busy: busy, logger: logger}
}

// HandleMessage decodes and applies one result envelope. It never returns
// an error for malformed or stale input — those are logged and treated as
// handled so the caller can always ack.
func (c *Collector) HandleMessage(ctx context.Context, raw []byte) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn(ctx, "collector: dropping malformed message", "error", err.Error())
		return nil
	}

	task, ok := c.tracker.Get(env.Payload.TaskID)
	if !ok {
		c.logger.Warn(ctx, "collector: result for unknown task", "task_id", env.Payload.TaskID)
		return nil
	}
	if task.Finished {
		c.logger.Info(ctx, "collector: result for already-finished task, dropping", "task_id", env.Payload.TaskID)
		return nil
	}

	result, err := joinResult(env.Payload.Result)
	if err != nil {
		c.logger.Warn(ctx, "collector: malformed result payload", "task_id", env.Payload.TaskID, "error", err.Error())
		return nil
	}

	stage := task.CurrentStage
	c.logger.Info(ctx, "collector: result received", "task_id", env.Payload.TaskID, "stage", stage, "agent_id", env.Payload.AgentID)

	if err := c.tracker.Advance(env.Payload.TaskID, result); err != nil {
		c.logger.Warn(ctx, "collector: advance failed", "task_id", env.Payload.TaskID, "error", err.Error())
		return nil
	}

	if env.Payload.AgentID != "" {
		c.busy.Remove(env.Payload.AgentID)
	}
	return nil
}

// joinResult decodes a result field that is either a JSON string or a JSON
// array of strings, joining array elements with "\n".
func joinResult(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []string
	if err := json.Unmarshal(raw, &parts); err == nil {
		return strings.Join(parts, "\n"), nil
	}
	return "", fmt.Errorf("result is neither a string nor an array of strings")
}

// TaskIDFromSubject extracts the numeric task id from a "TASK_{id}_RESULT"
// subject name. HandleMessage does not use it: it reads the task id only
// from the envelope's task_id field.
func TaskIDFromSubject(subject string) (int, bool) {
	const prefix, suffix = "TASK_", "_RESULT"
	if !strings.HasPrefix(subject, prefix) || !strings.HasSuffix(subject, suffix) {
		return 0, false
	}
	middle := strings.TrimSuffix(strings.TrimPrefix(subject, prefix), suffix)
	id, err := strconv.Atoi(middle)
	if err != nil {
		return 0, false
	}
	return id, true
}
