// Package registry holds the authoritative table of worker records and the
// per-capability hash ring built from it. It is the orchestrator's view of
// who is alive and what they can do.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/csdnpoker/ed-agent-meta/internal/hashring"
	"github.com/csdnpoker/ed-agent-meta/internal/telemetry"
)

// Status is a worker's reported state. The registry itself does not act on
// this field beyond storing it; busyness is tracked separately by the
// dispatcher's busy set.
type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
)

// Worker is one registered agent: its stable id, the capabilities it
// advertises, the bus subject it listens on for dispatch, and its last
// reported status.
type Worker struct {
	ID             string
	Capabilities   []string
	InboundSubject string
	Status         Status
}

// Envelope is the wire shape of a register/unregister message.
type Envelope struct {
	Header  EnvelopeHeader  `json:"header"`
	Payload RegisterPayload `json:"payload"`
}

// EnvelopeHeader carries the message type and emission time.
type EnvelopeHeader struct {
	Type string  `json:"type"`
	Time float64 `json:"time"`
}

// RegisterPayload is the register/unregister message body. Capabilities
// arrive comma-joined on the wire. The inbound dispatch subject travels as
// "listen_channel" on the wire, matching the field name workers actually
// send.
type RegisterPayload struct {
	AgentID        string `json:"agent_id"`
	Capabilities   string `json:"capabilities"`
	InboundSubject string `json:"listen_channel"`
	Status         string `json:"status"`
}

const (
	msgTypeRegister   = "register"
	msgTypeUnregister = "unregister"
)

// Registry is the authoritative worker table plus its per-capability hash
// ring secondary index. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	workers map[string]Worker
	rings   map[string]*hashring.Ring

	logger       telemetry.Logger
	replicasBase int
}

// New returns an empty registry. A nil logger installs a no-op logger. A
// replicasBase <= 0 defaults to 10, matching the formula's original
// constant; callers normally pass the configured REPLICAS_BASE.
func New(logger telemetry.Logger, replicasBase int) *Registry {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if replicasBase <= 0 {
		replicasBase = 10
	}
	return &Registry{
		workers:      make(map[string]Worker),
		rings:        make(map[string]*hashring.Ring),
		logger:       logger,
		replicasBase: replicasBase,
	}
}

// RingFor returns the hash ring for a capability, creating an empty one on
// first access.
func (r *Registry) RingFor(capability string) *hashring.Ring {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ringForLocked(capability)
}

func (r *Registry) ringForLocked(capability string) *hashring.Ring {
	ring, ok := r.rings[capability]
	if !ok {
		ring = hashring.New()
		r.rings[capability] = ring
	}
	return ring
}

// Get returns the worker record for id, if any.
func (r *Registry) Get(id string) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	return w, ok
}

// Workers returns a snapshot of every registered worker.
func (r *Registry) Workers() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}

// Register installs or replaces a worker's record. Re-registration first
// removes the worker from every ring it currently belongs to (in case its
// capability set changed), then installs the new record and inserts it
// into each advertised capability's ring with replicas = max(1,
// replicasBase - |capabilities|) virtual nodes.
func (r *Registry) Register(w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.workers[w.ID]; ok {
		for _, cap := range existing.Capabilities {
			r.ringForLocked(cap).Remove(w.ID)
		}
	}

	r.workers[w.ID] = w
	replicas := hashring.Replicas(r.replicasBase, len(w.Capabilities))
	for _, cap := range w.Capabilities {
		r.ringForLocked(cap).Add(w.ID, replicas)
	}
}

// Unregister removes a worker from every ring it belongs to and deletes its
// record. A no-op if the worker is unknown.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return
	}
	for _, cap := range w.Capabilities {
		r.ringForLocked(cap).Remove(id)
	}
	delete(r.workers, id)
}

// HandleMessage decodes and applies one register/unregister envelope.
// Malformed payloads are logged and treated as handled (dropped) so a
// single poison message cannot stall registration forever; the caller
// should ack the bus message regardless of the returned error.
func (r *Registry) HandleMessage(ctx context.Context, raw []byte) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.logger.Warn(ctx, "registry: dropping malformed message", "error", err.Error())
		return nil
	}

	agentID := strings.TrimSpace(env.Payload.AgentID)
	if agentID == "" {
		r.logger.Warn(ctx, "registry: dropping message with empty agent_id", "type", env.Header.Type)
		return nil
	}

	switch env.Header.Type {
	case msgTypeRegister:
		caps := splitCapabilities(env.Payload.Capabilities)
		r.Register(Worker{
			ID:             agentID,
			Capabilities:   caps,
			InboundSubject: env.Payload.InboundSubject,
			Status:         Status(env.Payload.Status),
		})
		r.logger.Info(ctx, "registry: registered worker", "agent_id", agentID, "capabilities", env.Payload.Capabilities)
	case msgTypeUnregister:
		r.Unregister(agentID)
		r.logger.Info(ctx, "registry: unregistered worker", "agent_id", agentID)
	default:
		r.logger.Warn(ctx, "registry: dropping message with unknown type", "type", env.Header.Type)
	}
	return nil
}

func splitCapabilities(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SetStatus updates the status of a known worker without touching its ring
// memberships. Returns an error for an unknown worker.
func (r *Registry) SetStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("registry: unknown worker %q", id)
	}
	w.Status = status
	r.workers[w.ID] = w
	return nil
}
