// Package orchestrator drives one chat turn from context assembly through
// the tool-calling loop to the stored final answer.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tableforge/arbiter/internal/collector"
	"github.com/tableforge/arbiter/internal/providers"
	"github.com/tableforge/arbiter/internal/session"
	"github.com/tableforge/arbiter/internal/tools"
)

// Completer is the provider surface the orchestrator calls. Satisfied by
// providers.Gateway.
type Completer interface {
	Complete(ctx context.Context, msgs []providers.Message, cfg providers.CallConfig, defs []providers.ToolDefinition) (*providers.CompletionResult, error)
}

// Options are the turn-level knobs from server config.
type Options struct {
	MaxIterations int // tool loop budget (default 10)
	TokenBudget   int // conversation prune budget (0 = unpruned)
}

// OptionsFunc returns the current options. It is called at the start of
// every turn so a config hot reload takes effect without a restart.
type OptionsFunc func() Options

// Orchestrator runs chat turns. One instance serves all clients; per-session
// serialization comes from the session store's turn lock.
type Orchestrator struct {
	sessions  *session.Store
	collector *collector.Collector
	gateway   Completer
	tools     *tools.Registry
	opts      OptionsFunc
	log       *slog.Logger
	tracer    trace.Tracer
}

func New(sessions *session.Store, col *collector.Collector, gateway Completer, reg *tools.Registry, opts OptionsFunc, log *slog.Logger) *Orchestrator {
	if opts == nil {
		opts = func() Options { return Options{} }
	}
	return &Orchestrator{
		sessions:  sessions,
		collector: col,
		gateway:   gateway,
		tools:     reg,
		opts:      opts,
		log:       log.With("component", "orchestrator"),
		tracer:    otel.Tracer("arbiter/orchestrator"),
	}
}

// TurnRequest is one resolved chat request, produced by the request ingress.
type TurnRequest struct {
	ClientID  string
	SessionID string

	// SystemPrompt seeds the conversation on its first turn; ignored once
	// the session has history.
	SystemPrompt string

	// CallCfg carries provider, model, and call parameters. The API key is
	// resolved inside the provider gateway.
	CallCfg providers.CallConfig

	// ContextCount bounds the initial event window when the session has no
	// delta cursor yet.
	ContextCount int

	AIRole string
	Mode   string // settings.ModeGeneral or settings.ModeTactical
}

// TurnResult is the terminal state of one turn.
type TurnResult struct {
	Content      string
	Iterations   int
	ReachedLimit bool
	Usage        providers.Usage
}

// Run executes one turn to completion. The session is a critical section:
// concurrent turns on the same session queue behind the turn lock.
func (o *Orchestrator) Run(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	release := o.sessions.LockTurn(req.SessionID)
	defer release()

	ctx, span := o.tracer.Start(ctx, "turn",
		trace.WithAttributes(
			attribute.String("client.id", req.ClientID),
			attribute.String("session.id", req.SessionID),
			attribute.String("provider.id", req.CallCfg.ProviderID),
			attribute.String("model.id", req.CallCfg.ModelID),
		))
	defer span.End()

	started := time.Now()
	opts := o.options()
	o.log.Info("turn.start", "client", req.ClientID, "session", req.SessionID,
		"provider", req.CallCfg.ProviderID, "model", req.CallCfg.ModelID)

	messages, newestTS, err := o.assembleContext(ctx, req, opts)
	if err != nil {
		return nil, err
	}

	result, err := o.runLoop(ctx, req, messages, opts)
	if err != nil {
		// Store the failure so the conversation shows why it stopped; the
		// session survives and the user can retry.
		marker := providers.Message{
			Role:    providers.RoleAssistant,
			Content: fmt.Sprintf("[error] turn failed: %v", err),
		}
		if appendErr := o.sessions.Append(req.SessionID, marker); appendErr != nil {
			o.log.Warn("turn.store_failure_marker", "session", req.SessionID, "error", appendErr)
		}
		o.log.Warn("turn.failed", "session", req.SessionID, "error", err,
			"elapsed", time.Since(started))
		return nil, err
	}

	// StoreFinal: the cursor advances to the newest event this turn saw, so
	// the next delta excludes everything already shown.
	if newestTS > 0 {
		if err := o.sessions.SetLastContextTS(req.SessionID, newestTS); err != nil {
			o.log.Warn("turn.advance_cursor", "session", req.SessionID, "error", err)
		}
	}
	o.sessions.Touch(req.SessionID)
	if err := o.sessions.Save(req.SessionID); err != nil {
		o.log.Warn("turn.snapshot", "session", req.SessionID, "error", err)
	}

	o.log.Info("turn.done", "session", req.SessionID,
		"iterations", result.Iterations, "reached_limit", result.ReachedLimit,
		"elapsed", time.Since(started))
	return result, nil
}

// options reads the current knobs through the configured source, applying
// the loop-budget floor.
func (o *Orchestrator) options() Options {
	opts := o.opts()
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 10
	}
	return opts
}

func (o *Orchestrator) runLoop(ctx context.Context, req TurnRequest, messages []providers.Message, opts Options) (*TurnResult, error) {
	var total providers.Usage
	defs := o.tools.Definitions()
	toolCtx := tools.WithClientID(ctx, req.ClientID)

	for iteration := 1; ; iteration++ {
		o.log.Debug("turn.iteration", "session", req.SessionID,
			"iteration", iteration, "messages", len(messages))

		resp, err := o.completeWithSpan(ctx, iteration, messages, req.CallCfg, defs)
		if err != nil {
			return nil, err
		}
		if resp.Usage != nil {
			total.PromptTokens += resp.Usage.PromptTokens
			total.CompletionTokens += resp.Usage.CompletionTokens
			total.TotalTokens += resp.Usage.TotalTokens
		}

		// The assistant message is stored before any tool runs, so a crash
		// mid-loop never leaves a tool result without its call.
		assistant := providers.Message{
			Role:      providers.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		if err := o.sessions.Append(req.SessionID, assistant); err != nil {
			return nil, fmt.Errorf("store assistant message: %w", err)
		}
		messages = append(messages, assistant)

		if len(resp.ToolCalls) == 0 {
			return &TurnResult{Content: resp.Content, Iterations: iteration, Usage: total}, nil
		}

		toolMsgs := o.dispatchToolCalls(toolCtx, req.SessionID, resp.ToolCalls)
		if err := o.sessions.AppendAll(req.SessionID, toolMsgs...); err != nil {
			return nil, fmt.Errorf("store tool results: %w", err)
		}
		messages = append(messages, toolMsgs...)

		// Budget exhausted with tool calls still open: their work is done
		// and stored, but no further LLM call happens. The conversation is
		// well formed and resumes on the next user turn.
		if iteration >= opts.MaxIterations {
			o.log.Warn("turn.step_budget", "session", req.SessionID, "iterations", iteration)
			return &TurnResult{
				Content:      resp.Content,
				Iterations:   iteration,
				ReachedLimit: true,
				Usage:        total,
			}, nil
		}
	}
}

// dispatchToolCalls runs every call of one assistant message, in parallel,
// and returns the role:tool messages sorted by tool_call.id — completion
// order must not leak into the conversation.
func (o *Orchestrator) dispatchToolCalls(ctx context.Context, sessionID string, calls []providers.ToolCall) []providers.Message {
	results := make([]providers.Message, len(calls))
	var wg sync.WaitGroup

	for i, tc := range calls {
		wg.Add(1)
		go func(i int, tc providers.ToolCall) {
			defer wg.Done()

			_, span := o.tracer.Start(ctx, "tool.execute",
				trace.WithAttributes(attribute.String("tool.name", tc.Name)))
			res := o.tools.Execute(ctx, tc.Name, tc.ArgumentsJSON)
			span.SetAttributes(attribute.Bool("tool.error", res.IsError))
			span.End()

			if res.Err != nil {
				o.log.Warn("tool.infra_error", "session", sessionID,
					"tool", tc.Name, "error", res.Err)
			}
			results[i] = providers.Message{
				Role:       providers.RoleTool,
				Content:    res.ForLLM,
				ToolCallID: tc.ID,
			}
		}(i, tc)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool {
		return results[i].ToolCallID < results[j].ToolCallID
	})
	return results
}

func (o *Orchestrator) completeWithSpan(ctx context.Context, iteration int, msgs []providers.Message, cfg providers.CallConfig, defs []providers.ToolDefinition) (*providers.CompletionResult, error) {
	ctx, span := o.tracer.Start(ctx, "llm.complete",
		trace.WithAttributes(
			attribute.Int("llm.iteration", iteration),
			attribute.Int("llm.messages", len(msgs)),
		))
	defer span.End()

	resp, err := o.gateway.Complete(ctx, msgs, cfg, defs)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("llm call failed (iteration %d): %w", iteration, err)
	}
	if resp.Usage != nil {
		span.SetAttributes(
			attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
			attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
		)
	}
	return resp, nil
}
