package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/canasta/internal/bus"
	"github.com/kalambet/canasta/internal/logx"
	"github.com/kalambet/canasta/internal/pricing"
)

const (
	DefaultMaxPolls      = 30
	DefaultPollInterval  = 1000 * time.Millisecond
	DefaultMaxToolRounds = 10
	cancelTimeout        = 5 * time.Second
)

// PricingAgent answers an ingredient phrase with a JSON payload. The payload
// is returned even when err is non-nil.
type PricingAgent interface {
	Answer(ctx context.Context, conversationID, phrase string) ([]byte, error)
}

// Option configures a Runner.
type Option func(*Runner)

// WithMaxPolls caps the status polls spent waiting on one run.
func WithMaxPolls(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxPolls = n
		}
	}
}

// WithPollInterval sets the pause between status polls.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d >= 0 {
			r.pollInterval = d
		}
	}
}

// WithMaxToolRounds caps how many times one run may require tool outputs.
func WithMaxToolRounds(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxToolRounds = n
		}
	}
}

// WithSleep replaces the pause implementation.
func WithSleep(fn pricing.SleepFunc) Option {
	return func(r *Runner) { r.sleep = fn }
}

// WithPublisher mirrors tool calls and assistant replies to a message bus.
func WithPublisher(pub bus.Publisher) Option {
	return func(r *Runner) {
		if pub != nil {
			r.pub = pub
		}
	}
}

// WithTools replaces the declarations attached to new runs.
func WithTools(tools []Tool) Option {
	return func(r *Runner) { r.tools = tools }
}

// Runner executes assistant runs and serves their tool calls.
type Runner struct {
	engine        Engine
	agent         PricingAgent
	pub           bus.Publisher
	tools         []Tool
	maxPolls      int
	pollInterval  time.Duration
	maxToolRounds int
	sleep         pricing.SleepFunc
}

func NewRunner(engine Engine, agent PricingAgent, opts ...Option) *Runner {
	r := &Runner{
		engine:        engine,
		agent:         agent,
		pub:           bus.Discard{},
		tools:         DefaultTools(),
		maxPolls:      DefaultMaxPolls,
		pollInterval:  DefaultPollInterval,
		maxToolRounds: DefaultMaxToolRounds,
		sleep:         pricing.Sleep,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run cancels leftover runs on the thread, starts a new run with the tool
// declarations, waits for it and returns the newest assistant message.
func (r *Runner) Run(ctx context.Context, threadID string) (Message, error) {
	r.CleanupRuns(ctx, threadID)

	run, err := r.engine.CreateRun(ctx, threadID, r.tools)
	if err != nil {
		return Message{}, fmt.Errorf("creating run: %w", err)
	}
	logx.Debug().Str("thread", threadID).Str("run", run.ID).Msg("run created")

	if _, err := r.WaitForRun(ctx, threadID, run.ID); err != nil {
		return Message{}, err
	}

	msgs, err := r.engine.LatestMessages(ctx, threadID, 1)
	if err != nil {
		return Message{}, fmt.Errorf("listing messages: %w", err)
	}
	if len(msgs) == 0 || msgs[0].Role != RoleAssistant || strings.TrimSpace(msgs[0].Text) == "" {
		return Message{}, ErrNoAssistantReply
	}

	reply := msgs[0]
	r.pub.Publish(bus.NewMessage(bus.AgentMain, bus.AgentUser, bus.TypeAssistant, threadID, reply.Text))
	return reply, nil
}

// CleanupRuns cancels every active run on the thread. Failures are logged
// and skipped. It returns how many cancellations succeeded.
func (r *Runner) CleanupRuns(ctx context.Context, threadID string) int {
	runs, err := r.engine.ListRuns(ctx, threadID)
	if err != nil {
		logx.Warn().Err(err).Str("thread", threadID).Msg("listing runs for cleanup")
		return 0
	}

	cancelled := 0
	for _, run := range runs {
		switch run.Status {
		case StatusQueued, StatusInProgress, StatusRequiresAction:
		default:
			continue
		}
		if err := r.engine.CancelRun(ctx, threadID, run.ID); err != nil {
			logx.Warn().Err(err).Str("thread", threadID).Str("run", run.ID).Msg("cancelling stale run")
			continue
		}
		cancelled++
	}
	return cancelled
}

// ActiveRun returns the first run on the thread that still blocks new
// messages.
func (r *Runner) ActiveRun(ctx context.Context, threadID string) (Run, bool, error) {
	runs, err := r.engine.ListRuns(ctx, threadID)
	if err != nil {
		return Run{}, false, fmt.Errorf("listing runs: %w", err)
	}
	for _, run := range runs {
		if run.Status.Active() {
			return run, true, nil
		}
	}
	return Run{}, false, nil
}

// WaitForRun polls the run until it settles. Tool-output rounds do not
// count against the polling cap. On timeout the run is cancelled and
// returned with status timed_out alongside ErrRunTimeout.
func (r *Runner) WaitForRun(ctx context.Context, threadID, runID string) (Run, error) {
	var last Run
	rounds := 0

	for polls := 0; polls < r.maxPolls; {
		run, err := r.engine.RetrieveRun(ctx, threadID, runID)
		if err != nil {
			return last, fmt.Errorf("retrieving run %s: %w", runID, err)
		}
		last = run

		switch run.Status {
		case StatusCompleted:
			return run, nil

		case StatusFailed, StatusCancelled, StatusExpired, StatusIncomplete:
			return run, &RunTerminalError{RunID: runID, Status: run.Status, Reason: run.LastError}

		case StatusRequiresAction:
			if run.RequiredAction != ActionSubmitToolOutputs {
				r.cancel(ctx, threadID, runID)
				return run, fmt.Errorf("%w: %q", ErrUnexpectedAction, run.RequiredAction)
			}
			rounds++
			if rounds > r.maxToolRounds {
				r.cancel(ctx, threadID, runID)
				return run, ErrTooManyToolRounds
			}

			outputs := make([]ToolOutput, 0, len(run.ToolCalls))
			for _, call := range run.ToolCalls {
				outputs = append(outputs, r.dispatch(ctx, threadID, call))
			}
			if _, err := r.engine.SubmitToolOutputs(ctx, threadID, runID, outputs); err != nil {
				return run, fmt.Errorf("submitting tool outputs: %w", err)
			}
			logx.Debug().Str("run", runID).Int("outputs", len(outputs)).Msg("tool outputs submitted")
			continue
		}

		if err := r.sleep(ctx, r.pollInterval); err != nil {
			return run, err
		}
		polls++
	}

	r.cancel(ctx, threadID, runID)
	last.Status = StatusTimedOut
	logx.Warn().Str("thread", threadID).Str("run", runID).Int("polls", r.maxPolls).Msg("run timed out")
	return last, ErrRunTimeout
}

// dispatch answers one tool call. Problems with the call itself become
// error payloads so the run can continue.
func (r *Runner) dispatch(ctx context.Context, threadID string, call ToolCall) ToolOutput {
	r.pub.Publish(bus.NewMessage(bus.AgentMain, bus.AgentPricing, bus.TypeQuery, threadID,
		bus.NewToolCall(call.Name, call.Arguments)))

	out := ToolOutput{ToolCallID: call.ID}

	switch call.Name {
	case ToolPricing:
		var args struct {
			QueryIngredients string `json:"query_ingredients"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			out.Output = string(pricing.ErrorPayload(fmt.Sprintf("invalid arguments for %s: %v", ToolPricing, err)))
			return out
		}
		if strings.TrimSpace(args.QueryIngredients) == "" {
			out.Output = string(pricing.ErrorPayload("No ingredients specified in query_ingredients"))
			return out
		}

		payload, err := r.agent.Answer(ctx, threadID, args.QueryIngredients)
		if err != nil {
			logx.Warn().Err(err).Str("thread", threadID).Msg("pricing agent rejected phrase")
		}
		out.Output = string(payload)

	default:
		// ToolRawSQL is declared to the assistant but never executed here.
		logx.Warn().Str("function", call.Name).Msg("unsupported tool call")
		out.Output = string(pricing.ErrorPayload(fmt.Sprintf("unsupported function %q", call.Name)))
	}
	return out
}

// cancel is best effort and survives a cancelled caller context.
func (r *Runner) cancel(ctx context.Context, threadID, runID string) {
	cctx, stop := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer stop()
	if err := r.engine.CancelRun(cctx, threadID, runID); err != nil && !errors.Is(err, context.Canceled) {
		logx.Warn().Err(err).Str("run", runID).Msg("cancelling run")
	}
}
