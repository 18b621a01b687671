package planner

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/csdnpoker/ed-agent-meta/internal/pipeline"
)

// MessagesClient is the subset of the Anthropic SDK's message service this
// package depends on, narrowed so tests can supply a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// ClaudePlanner asks an Anthropic model to split a task into the tagged
// <tasks> format and parses the reply with ParseTaggedPlan. It never
// returns an error for a malformed completion: an empty parse result is
// reported as an empty or nil slice so WithFallback can degrade it.
type ClaudePlanner struct {
	msg       MessagesClient
	model     string
	maxTokens int
}

// NewClaudePlanner returns a ClaudePlanner backed by msg, asking for
// completions from model (e.g. "claude-sonnet-4-5"). maxTokens <= 0
// defaults to 1024.
func NewClaudePlanner(msg MessagesClient, model string, maxTokens int) (*ClaudePlanner, error) {
	if msg == nil {
		return nil, errors.New("planner: anthropic client is required")
	}
	if model == "" {
		return nil, errors.New("planner: model identifier is required")
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &ClaudePlanner{msg: msg, model: model, maxTokens: maxTokens}, nil
}

// NewClaudePlannerFromAPIKey constructs a ClaudePlanner using the default
// Anthropic HTTP client configured from apiKey.
func NewClaudePlannerFromAPIKey(apiKey, model string, maxTokens int) (*ClaudePlanner, error) {
	if apiKey == "" {
		return nil, errors.New("planner: api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewClaudePlanner(&client.Messages, model, maxTokens)
}

// Plan sends BuildSplitPrompt's output to the model and parses the reply
// via ParseTaggedPlan. A request failure is returned as a wrapped error; a
// reply that does not parse yields an empty result with a nil error. Both
// are degraded to the default pipeline by WithFallback.
func (p *ClaudePlanner) Plan(ctx context.Context, taskText string, vocabulary []string) ([]pipeline.Subtask, error) {
	prompt := BuildSplitPrompt(taskText, vocabulary)
	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: int64(p.maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	}
	msg, err := p.msg.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("planner: anthropic messages.new: %w", err)
	}
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return ParseTaggedPlan(text), nil
}
