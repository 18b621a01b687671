package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/csdnpoker/ed-agent-meta/internal/pipeline"
)

func TestFallbackPlannerReturnsSingleStage(t *testing.T) {
	subtasks, err := FallbackPlanner{}.Plan(context.Background(), "do the thing", DefaultVocabulary)
	require.NoError(t, err)
	require.Len(t, subtasks, 1)
	assert.Equal(t, "do the thing", subtasks[0].Prompt)
	assert.Equal(t, DefaultCapability, subtasks[0].RequiredCapability)
}

type stubPlanner struct {
	subtasks []pipeline.Subtask
	err      error
}

func (s stubPlanner) Plan(context.Context, string, []string) ([]pipeline.Subtask, error) {
	return s.subtasks, s.err
}

func TestWithFallbackPassesThroughOnSuccess(t *testing.T) {
	want := []pipeline.Subtask{{Prompt: "a", RequiredCapability: "math-reasoning"}}
	p := WithFallback(stubPlanner{subtasks: want})
	got, err := p.Plan(context.Background(), "x", DefaultVocabulary)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestWithFallbackDegradesOnError(t *testing.T) {
	p := WithFallback(stubPlanner{err: errors.New("boom")})
	got, err := p.Plan(context.Background(), "x", DefaultVocabulary)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, DefaultCapability, got[0].RequiredCapability)
}

func TestWithFallbackDegradesOnEmptyResult(t *testing.T) {
	p := WithFallback(stubPlanner{subtasks: nil})
	got, err := p.Plan(context.Background(), "x", DefaultVocabulary)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, DefaultCapability, got[0].RequiredCapability)
}

func TestParseTaggedPlanValidInput(t *testing.T) {
	raw := `blah<tasks>
<task>Summarize the document</task><ability>text-generation</ability>
<task>Check the grammar</task><ability>grammar-polish</ability>
</tasks>trailing`
	subtasks := ParseTaggedPlan(raw)
	require.Len(t, subtasks, 2)
	assert.Equal(t, "Summarize the document", subtasks[0].Prompt)
	assert.Equal(t, "text-generation", subtasks[0].RequiredCapability)
	assert.Equal(t, "Check the grammar", subtasks[1].Prompt)
	assert.Equal(t, "grammar-polish", subtasks[1].RequiredCapability)
}

func TestParseTaggedPlanMissingTagsYieldsNil(t *testing.T) {
	assert.Nil(t, ParseTaggedPlan("no tags here at all"))
}

func TestParseTaggedPlanSkipsEmptyEntries(t *testing.T) {
	raw := `<tasks><task></task><ability>text-generation</ability><task>real one</task><ability>math-reasoning</ability></tasks>`
	subtasks := ParseTaggedPlan(raw)
	require.Len(t, subtasks, 1)
	assert.Equal(t, "real one", subtasks[0].Prompt)
}

func TestBuildSplitPromptIncludesTaskAndVocabulary(t *testing.T) {
	prompt := BuildSplitPrompt("translate this", []string{"text-generation", "grammar-polish"})
	assert.Contains(t, prompt, "translate this")
	assert.Contains(t, prompt, "<text-generation>")
	assert.Contains(t, prompt, "<grammar-polish>")
	assert.Contains(t, prompt, "<tasks>")
}

// fakeMessagesClient implements MessagesClient for ClaudePlanner tests.
type fakeMessagesClient struct {
	resp *sdk.Message
	err  error
}

func (f fakeMessagesClient) New(context.Context, sdk.MessageNewParams, ...option.RequestOption) (*sdk.Message, error) {
	return f.resp, f.err
}

func textMessage(text string) *sdk.Message {
	return &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: text},
		},
	}
}

func TestClaudePlannerParsesTaggedResponse(t *testing.T) {
	resp := textMessage(`<tasks><task>summarize</task><ability>text-generation</ability></tasks>`)
	p, err := NewClaudePlanner(fakeMessagesClient{resp: resp}, "claude-sonnet-4-5", 0)
	require.NoError(t, err)

	subtasks, err := p.Plan(context.Background(), "summarize this article", DefaultVocabulary)
	require.NoError(t, err)
	require.Len(t, subtasks, 1)
	assert.Equal(t, "summarize", subtasks[0].Prompt)
	assert.Equal(t, "text-generation", subtasks[0].RequiredCapability)
}

func TestClaudePlannerGarbageResponseYieldsEmptyNotError(t *testing.T) {
	resp := textMessage("I refuse to use tags today.")
	p, err := NewClaudePlanner(fakeMessagesClient{resp: resp}, "claude-sonnet-4-5", 0)
	require.NoError(t, err)

	subtasks, err := p.Plan(context.Background(), "x", DefaultVocabulary)
	require.NoError(t, err)
	assert.Empty(t, subtasks)
}

func TestClaudePlannerRequestErrorIsWrapped(t *testing.T) {
	p, err := NewClaudePlanner(fakeMessagesClient{err: errors.New("rate limited")}, "claude-sonnet-4-5", 0)
	require.NoError(t, err)

	_, err = p.Plan(context.Background(), "x", DefaultVocabulary)
	require.Error(t, err)
}

func TestNewClaudePlannerRequiresClientAndModel(t *testing.T) {
	_, err := NewClaudePlanner(nil, "claude-sonnet-4-5", 0)
	assert.Error(t, err)

	_, err = NewClaudePlanner(fakeMessagesClient{}, "", 0)
	assert.Error(t, err)
}

// WithFallback composed over a ClaudePlanner is the deployment mode the
// orchestrator actually wires; a garbage completion should still yield the
// default single-stage pipeline end to end.
func TestWithFallbackOverClaudePlannerDegrades(t *testing.T) {
	resp := textMessage("no tags")
	inner, err := NewClaudePlanner(fakeMessagesClient{resp: resp}, "claude-sonnet-4-5", 0)
	require.NoError(t, err)

	p := WithFallback(inner)
	subtasks, err := p.Plan(context.Background(), "translate this doc", DefaultVocabulary)
	require.NoError(t, err)
	require.Len(t, subtasks, 1)
	assert.Equal(t, "translate this doc", subtasks[0].Prompt)
	assert.Equal(t, DefaultCapability, subtasks[0].RequiredCapability)
}
