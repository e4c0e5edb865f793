package harness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/finchley/drover/llm"
)

// TerminationReason explains why a run ended.
type TerminationReason string

const (
	TerminationCompleted     TerminationReason = "completed"
	TerminationMaxSteps      TerminationReason = "max_steps_reached"
	TerminationCancelled     TerminationReason = "cancelled"
	TerminationProviderError TerminationReason = "fatal_provider_error"
)

// RunConfig bounds one run of the step loop.
type RunConfig struct {
	Model        string
	Provider     string
	SystemPrompt string
	MaxSteps     int
}

// DefaultMaxSteps caps a run that sets no explicit step budget.
const DefaultMaxSteps = 40

// repetitionWindow is how many trailing tool calls the loop check inspects.
const repetitionWindow = 6

// RunResult is the outcome of one run. Err is set only for
// fatal_provider_error; every other reason is a graceful termination.
type RunResult struct {
	History []Turn
	Reason  TerminationReason
	Steps   int
	Usage   llm.Usage
	Err     error
}

// Runner owns the step loop for one conversation at a time. The provider
// client handles per-call timeouts and retries; the Runner decides when to
// stop calling it.
type Runner struct {
	client       *llm.Client
	dispatcher   *Dispatcher
	emitter      *EventEmitter
	logger       *slog.Logger
	config       RunConfig
	onStepCommit func(history []Turn)
}

// NewRunner creates a Runner.
func NewRunner(client *llm.Client, dispatcher *Dispatcher, emitter *EventEmitter, logger *slog.Logger, config RunConfig) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxSteps <= 0 {
		config.MaxSteps = DefaultMaxSteps
	}
	return &Runner{
		client:     client,
		dispatcher: dispatcher,
		emitter:    emitter,
		logger:     logger.With("component", "runner"),
		config:     config,
	}
}

// OnStepCommit registers a callback invoked with the history each time a
// step's assistant turn and tool results are both committed. A cancelled
// in-flight step never triggers it, so callers that persist from the
// callback never write a partial step.
func (r *Runner) OnStepCommit(fn func(history []Turn)) {
	r.onStepCommit = fn
}

// Run drives the loop from the given history until a termination condition.
// Cancellation is checked before each provider call and again before a
// step's results are committed; a cancelled in-flight step leaves no partial
// turn in the returned history.
func (r *Runner) Run(ctx context.Context, history []Turn) *RunResult {
	result := &RunResult{History: history}
	r.emitter.Emit(EventRunStart, map[string]any{"max_steps": r.config.MaxSteps})
	defer func() {
		r.emitter.Emit(EventRunEnd, map[string]any{
			"reason": string(result.Reason),
			"steps":  result.Steps,
		})
	}()

	for step := 0; step < r.config.MaxSteps; step++ {
		if ctx.Err() != nil {
			result.Reason = TerminationCancelled
			return result
		}
		r.emitter.Emit(EventStepStart, map[string]any{"step": step})

		resp, err := r.client.Complete(ctx, r.buildRequest(result.History))
		if err != nil {
			if ctx.Err() != nil {
				result.Reason = TerminationCancelled
				return result
			}
			r.emitter.Emit(EventError, map[string]any{"error": err.Error()})
			r.logger.Error("provider call failed", "step", step, "error", err)
			result.Reason = TerminationProviderError
			result.Err = fmt.Errorf("provider call failed: %w", err)
			return result
		}
		result.Steps++
		result.Usage = result.Usage.Add(resp.Usage)

		assistant := NewAssistantTurn(resp)
		result.History = append(result.History, assistant)
		if text := resp.Text(); text != "" {
			r.emitter.Emit(EventAssistantText, map[string]any{"text": text})
		}
		if reasoning := resp.Reasoning(); reasoning != "" {
			r.emitter.Emit(EventReasoning, map[string]any{"text": reasoning})
		}

		calls := resp.ToolCalls()
		if len(calls) == 0 {
			result.Reason = TerminationCompleted
			return result
		}

		results := r.executeCalls(ctx, calls)
		if ctx.Err() != nil {
			// Discard the whole in-flight step: the assistant turn that
			// requested these calls is uncommitted too.
			result.History = result.History[:len(result.History)-1]
			result.Steps--
			result.Reason = TerminationCancelled
			return result
		}
		result.History = append(result.History, NewToolResultsTurn(results))
		if r.onStepCommit != nil {
			r.onStepCommit(result.History)
		}

		if DetectRepetition(result.History, repetitionWindow) {
			r.emitter.Emit(EventWarning, map[string]any{
				"warning": "repeated identical tool calls detected",
			})
			r.logger.Warn("repeated identical tool calls detected", "step", step)
		}
	}

	result.Reason = TerminationMaxSteps
	return result
}

func (r *Runner) buildRequest(history []Turn) llm.Request {
	messages := HistoryToMessages(history)
	if r.config.SystemPrompt != "" {
		messages = append([]llm.Message{llm.SystemMessage(r.config.SystemPrompt)}, messages...)
	}
	return llm.Request{
		Model:    r.config.Model,
		Provider: r.config.Provider,
		Messages: messages,
		ToolDefs: r.dispatcher.registry.Definitions(),
	}
}

// executeCalls dispatches one step's tool calls. Non-mutating calls run
// concurrently; mutating calls run sequentially in submission order. Results
// land at their call's submission index regardless of completion order.
func (r *Runner) executeCalls(ctx context.Context, calls []llm.ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))

	var wg sync.WaitGroup
	var mutating []int
	for i, call := range calls {
		tool, ok := r.dispatcher.registry.Get(call.Name)
		if ok && tool.Mutating {
			mutating = append(mutating, i)
			continue
		}
		wg.Add(1)
		go func(idx int, call llm.ToolCall) {
			defer wg.Done()
			results[idx] = r.executeOne(ctx, call)
		}(i, call)
	}
	for _, idx := range mutating {
		results[idx] = r.executeOne(ctx, calls[idx])
	}
	wg.Wait()
	return results
}

func (r *Runner) executeOne(ctx context.Context, call llm.ToolCall) ToolResult {
	r.emitter.Emit(EventToolCallStart, map[string]any{
		"call_id": call.ID,
		"tool":    call.Name,
	})
	result := r.dispatcher.Execute(ctx, call)
	data := map[string]any{
		"call_id":     call.ID,
		"tool":        call.Name,
		"is_error":    result.IsError,
		"duration_ms": result.DurationMs,
	}
	if result.IsError {
		data["error_kind"] = string(result.ErrorKind)
		data["error"] = result.Content
	} else {
		data["output"] = result.Content
	}
	r.emitter.Emit(EventToolCallEnd, data)
	return result
}
