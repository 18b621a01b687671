// Package config loads the orchestrator's runtime configuration from
// environment variables.
package config

import (
	"time"

	envstruct "code.cloudfoundry.org/go-envstruct"
)

// Config is the orchestrator's environment-sourced configuration.
type Config struct {
	// BusURL is the Redis connection string backing the pulse message bus.
	// Empty selects the in-memory bus, used for local runs and tests.
	BusURL string `env:"BUS_URL, report"`

	// PlannerAPIKey authenticates the Anthropic planner client. Empty
	// selects the FallbackPlanner.
	PlannerAPIKey string `env:"PLANNER_API_KEY"`

	// PlannerModel is the model identifier requested from the planner.
	PlannerModel string `env:"PLANNER_MODEL, report"`

	// PingInterval is how long the dispatch loop sleeps between scans when
	// nothing was ready to dispatch.
	PingInterval time.Duration `env:"PING_INTERVAL, report"`

	// StageTimeout bounds how long a dispatched stage may sit without a
	// result before it is reaped: its worker is freed and the stage is
	// re-armed for redispatch. Zero disables stage reaping.
	StageTimeout time.Duration `env:"STAGE_TIMEOUT, report"`

	// ReplicasBase is the constant subtracted from in the
	// max(1, ReplicasBase - len(capabilities)) virtual-node formula.
	ReplicasBase int `env:"REPLICAS_BASE, report"`

	// StreamMaxLen bounds the pulse stream's retained length.
	StreamMaxLen int `env:"STREAM_MAX_LEN, report"`
}

// Load reads Config from the environment, applying defaults for any field
// left unset.
func Load() (*Config, error) {
	c := Config{
		PlannerModel: "claude-sonnet-4-5",
		PingInterval: time.Second,
		StageTimeout: 30 * time.Second,
		ReplicasBase: 10,
		StreamMaxLen: 1000,
	}
	if err := envstruct.Load(&c); err != nil {
		return nil, err
	}
	return &c, nil
}
