// Package planner splits a raw task description into an ordered pipeline
// of (prompt, required_capability) stages. Planning is delegated to an
// external collaborator; the orchestrator never treats a planner failure
// as fatal, falling back to a single-stage pipeline instead.
package planner

import (
	"context"
	"regexp"
	"strings"

	"github.com/csdnpoker/ed-agent-meta/internal/pipeline"
)

// DefaultCapability is the fallback required_capability used when planning
// fails outright.
const DefaultCapability = "text-generation"

// DefaultVocabulary is the closed set of capability tags workers may
// advertise and plans may request.
var DefaultVocabulary = []string{
	"text-generation",
	"grammar-polish",
	"analysis-summary",
	"math-reasoning",
}

// Planner splits task text into an ordered sequence of pipeline stages
// given the vocabulary of capabilities live workers may advertise.
type Planner interface {
	Plan(ctx context.Context, taskText string, vocabulary []string) ([]pipeline.Subtask, error)
}

// FallbackPlanner always returns the single-stage default pipeline. It
// grounds the "no external planner configured" deployment mode and is also
// how every other Planner's parse failure is resolved.
type FallbackPlanner struct{}

// Plan returns [{taskText, DefaultCapability}], per the spec's required
// fallback behavior.
func (FallbackPlanner) Plan(_ context.Context, taskText string, _ []string) ([]pipeline.Subtask, error) {
	return []pipeline.Subtask{{Prompt: taskText, RequiredCapability: DefaultCapability}}, nil
}

// WithFallback wraps an inner Planner so that a parse failure (empty
// result or error) always degrades to the default single-stage pipeline
// instead of propagating.
func WithFallback(inner Planner) Planner {
	return &fallbackWrapper{inner: inner}
}

type fallbackWrapper struct {
	inner Planner
}

func (w *fallbackWrapper) Plan(ctx context.Context, taskText string, vocabulary []string) ([]pipeline.Subtask, error) {
	subtasks, err := w.inner.Plan(ctx, taskText, vocabulary)
	if err != nil || len(subtasks) == 0 {
		return FallbackPlanner{}.Plan(ctx, taskText, vocabulary)
	}
	return subtasks, nil
}

var tasksBlockRe = regexp.MustCompile(`(?s)<tasks>(.*?)</tasks>`)
var taskItemRe = regexp.MustCompile(`(?s)<task>(.*?)</task>\s*<ability>(.*?)</ability>`)

// ParseTaggedPlan parses a planner's raw text response in the
// <tasks><task>...</task><ability>...</ability></tasks> format into an
// ordered list of subtasks. Returns an empty slice, not an error, on any
// parse miss — callers should treat that as "planner failure" and fall
// back.
func ParseTaggedPlan(raw string) []pipeline.Subtask {
	block := tasksBlockRe.FindStringSubmatch(raw)
	if block == nil {
		return nil
	}
	items := taskItemRe.FindAllStringSubmatch(block[1], -1)
	subtasks := make([]pipeline.Subtask, 0, len(items))
	for _, m := range items {
		prompt := strings.TrimSpace(m[1])
		ability := strings.TrimSpace(m[2])
		if prompt == "" || ability == "" {
			continue
		}
		subtasks = append(subtasks, pipeline.Subtask{Prompt: prompt, RequiredCapability: ability})
	}
	return subtasks
}

// BuildSplitPrompt builds the planning prompt sent to an external
// collaborator, instructing it to return the tagged <tasks> format
// ParseTaggedPlan understands.
func BuildSplitPrompt(taskText string, vocabulary []string) string {
	var abilities strings.Builder
	for _, v := range vocabulary {
		abilities.WriteString("<")
		abilities.WriteString(v)
		abilities.WriteString(">")
	}
	vocabList := strings.Join(vocabulary, ", ")

	var b strings.Builder
	b.WriteString("You need to split the given task into subtasks according to the workers available in the group.\n")
	b.WriteString("The content of the task is:\n==============================\n")
	b.WriteString(taskText)
	b.WriteString("\n==============================\n")
	b.WriteString("Following are the available workers, given in the format <ability>\n==============================\n")
	b.WriteString(abilities.String())
	b.WriteString("\n==============================\n")
	b.WriteString("You must return the subtasks in the format of a numbered list within <tasks> tags, as shown below:\n<tasks>\n")
	b.WriteString("<task>Subtask 1</task><ability>one of ")
	b.WriteString(vocabList)
	b.WriteString("</ability>\n<task>Subtask 2</task><ability>one of ")
	b.WriteString(vocabList)
	b.WriteString("</ability>\n</tasks>\n")
	return b.String()
}
