package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/csdnpoker/ed-agent-meta/internal/bus"
	"github.com/csdnpoker/ed-agent-meta/internal/config"
	"github.com/csdnpoker/ed-agent-meta/internal/orchestrator"
	"github.com/csdnpoker/ed-agent-meta/internal/planner"
	"github.com/csdnpoker/ed-agent-meta/internal/telemetry"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Dispatches a task's subtasks across a pool of registered workers",
	Long: `orchestrator plans an input task into an ordered pipeline of subtasks,
routes each stage to a worker via a consistent hash ring keyed on the
stage's required capability, and collects results until every task
finishes, then broadcasts shutdown to every registered worker.`,
	RunE: runOrchestrator,
}

func init() {
	rootCmd.Flags().String("tasks", "", "path to a newline-delimited task text file (defaults to stdin)")
}

// taskInput is one task read from the task file: an id and its raw task
// text, to be planned before submission.
type taskInput struct {
	id   int
	text string
}

func runOrchestrator(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// One telemetry value backs logging, metrics, and (if ever wired)
	// tracing, rather than constructing a separate wrapper per concern.
	var (
		logger  telemetry.Logger
		metrics telemetry.Metrics
	)
	otelTelemetry := telemetry.NewOTelTelemetry("github.com/csdnpoker/ed-agent-meta")
	logger, metrics = otelTelemetry, otelTelemetry

	busClient, err := connectBus(cfg)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}

	tasksPath, _ := cmd.Flags().GetString("tasks")
	tasks, err := readTasks(tasksPath)
	if err != nil {
		return fmt.Errorf("read tasks: %w", err)
	}

	p := resolvePlanner(cfg)

	o := orchestrator.New(orchestrator.Options{
		Bus:          busClient,
		Logger:       logger,
		Metrics:      metrics,
		PingInterval: cfg.PingInterval,
		ReplicasBase: cfg.ReplicasBase,
		StageTimeout: cfg.StageTimeout,
	})

	for _, task := range tasks {
		if err := o.SubmitTask(ctx, task.id, task.text, p, planner.DefaultVocabulary); err != nil {
			return fmt.Errorf("submit task %d: %w", task.id, err)
		}
	}

	return o.Run(ctx)
}

// connectBus dials Redis and wraps it in a Pulse bus client when BUS_URL is
// configured, otherwise falls back to the in-memory bus for local runs.
func connectBus(cfg *config.Config) (bus.Client, error) {
	if cfg.BusURL == "" {
		return bus.NewInMemoryClient(), nil
	}
	opts, err := redis.ParseURL(cfg.BusURL)
	if err != nil {
		return nil, fmt.Errorf("parse BUS_URL: %w", err)
	}
	redisClient := redis.NewClient(opts)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.BusURL, err)
	}
	return bus.NewPulseClient(bus.PulseOptions{Redis: redisClient, StreamMaxLen: cfg.StreamMaxLen})
}

// resolvePlanner returns a Claude-backed planner wrapped with the
// mandatory default-pipeline fallback, or a bare FallbackPlanner when no
// PLANNER_API_KEY is configured.
func resolvePlanner(cfg *config.Config) planner.Planner {
	if cfg.PlannerAPIKey == "" {
		return planner.FallbackPlanner{}
	}
	claude, err := planner.NewClaudePlannerFromAPIKey(cfg.PlannerAPIKey, cfg.PlannerModel, 0)
	if err != nil {
		return planner.FallbackPlanner{}
	}
	return planner.WithFallback(claude)
}

// readTasks reads newline-delimited task text from path, or from stdin
// when path is empty. Blank lines are skipped. Task ids are assigned by
// line order, starting at 1.
func readTasks(path string) ([]taskInput, error) {
	f := os.Stdin
	if path != "" {
		opened, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer opened.Close()
		f = opened
	}

	var tasks []taskInput
	scanner := bufio.NewScanner(f)
	id := 1
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		tasks = append(tasks, taskInput{id: id, text: line})
		id++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}
