package assistant

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/kalambet/canasta/internal/errx"
)

const listRunsLimit = 20

// OpenAIEngine implements Engine on the OpenAI Assistants API.
type OpenAIEngine struct {
	client      *openai.Client
	assistantID string
}

// NewOpenAIEngine creates an engine bound to one assistant. An empty
// baseURL uses the public API endpoint.
func NewOpenAIEngine(apiKey, assistantID, baseURL string) *OpenAIEngine {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIEngine{
		client:      openai.NewClientWithConfig(cfg),
		assistantID: assistantID,
	}
}

func (e *OpenAIEngine) CreateThread(ctx context.Context) (string, error) {
	th, err := e.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", errx.WrapEngine(fmt.Errorf("creating thread: %w", err))
	}
	return th.ID, nil
}

func (e *OpenAIEngine) AddMessage(ctx context.Context, threadID, role, content string) error {
	_, err := e.client.CreateMessage(ctx, threadID, openai.MessageRequest{Role: role, Content: content})
	if err != nil {
		return errx.WrapEngine(fmt.Errorf("adding message to thread %s: %w", threadID, err))
	}
	return nil
}

func (e *OpenAIEngine) ListRuns(ctx context.Context, threadID string) ([]Run, error) {
	limit := listRunsLimit
	order := "desc"
	list, err := e.client.ListRuns(ctx, threadID, openai.Pagination{Limit: &limit, Order: &order})
	if err != nil {
		return nil, err
	}
	runs := make([]Run, 0, len(list.Runs))
	for _, r := range list.Runs {
		runs = append(runs, fromOpenAIRun(r))
	}
	return runs, nil
}

func (e *OpenAIEngine) CreateRun(ctx context.Context, threadID string, tools []Tool) (Run, error) {
	req := openai.RunRequest{AssistantID: e.assistantID}
	for _, t := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	run, err := e.client.CreateRun(ctx, threadID, req)
	if err != nil {
		return Run{}, err
	}
	return fromOpenAIRun(run), nil
}

func (e *OpenAIEngine) RetrieveRun(ctx context.Context, threadID, runID string) (Run, error) {
	run, err := e.client.RetrieveRun(ctx, threadID, runID)
	if err != nil {
		return Run{}, err
	}
	return fromOpenAIRun(run), nil
}

func (e *OpenAIEngine) CancelRun(ctx context.Context, threadID, runID string) error {
	_, err := e.client.CancelRun(ctx, threadID, runID)
	return err
}

func (e *OpenAIEngine) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (Run, error) {
	req := openai.SubmitToolOutputsRequest{ToolOutputs: make([]openai.ToolOutput, 0, len(outputs))}
	for _, o := range outputs {
		req.ToolOutputs = append(req.ToolOutputs, openai.ToolOutput{ToolCallID: o.ToolCallID, Output: o.Output})
	}
	run, err := e.client.SubmitToolOutputs(ctx, threadID, runID, req)
	if err != nil {
		return Run{}, err
	}
	return fromOpenAIRun(run), nil
}

func (e *OpenAIEngine) LatestMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	order := "desc"
	list, err := e.client.ListMessage(ctx, threadID, &limit, &order, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(list.Messages))
	for _, m := range list.Messages {
		msgs = append(msgs, Message{ID: m.ID, Role: m.Role, Text: messageText(m)})
	}
	return msgs, nil
}

func fromOpenAIRun(r openai.Run) Run {
	run := Run{ID: r.ID, Status: RunStatus(r.Status)}
	if r.LastError != nil {
		run.LastError = r.LastError.Message
	}
	if ra := r.RequiredAction; ra != nil {
		run.RequiredAction = string(ra.Type)
		if ra.SubmitToolOutputs != nil {
			for _, tc := range ra.SubmitToolOutputs.ToolCalls {
				run.ToolCalls = append(run.ToolCalls, ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
		}
	}
	return run
}

// messageText joins the text parts of a message.
func messageText(m openai.Message) string {
	var parts []string
	for _, c := range m.Content {
		if c.Text != nil && c.Text.Value != "" {
			parts = append(parts, c.Text.Value)
		}
	}
	return strings.Join(parts, "\n")
}
