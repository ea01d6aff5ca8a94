package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/tableforge/arbiter/internal/collector"
	"github.com/tableforge/arbiter/internal/pending"
	"github.com/tableforge/arbiter/internal/providers"
	"github.com/tableforge/arbiter/pkg/protocol"
)

// Sender delivers one outbound frame to a connected client. Implemented by
// the gateway's client link.
type Sender interface {
	Send(clientID string, f *protocol.Frame) error
}

// Tool is one entry in the fixed catalog offered to the LLM.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// Registry holds the tool catalog and dispatches LLM tool calls.
type Registry struct {
	tools map[string]Tool
	log   *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		tools: make(map[string]Tool),
		log:   log.With("component", "tools"),
	}
}

// NewDefaultRegistry builds the full catalog wired to the shared state.
func NewDefaultRegistry(col *collector.Collector, reg *pending.Registry, link Sender, log *slog.Logger) *Registry {
	r := NewRegistry(log)
	r.Register(NewMessageHistoryTool(col))
	r.Register(NewPostMessageTool(link))
	r.Register(NewRollDiceTool(reg, link))
	r.Register(NewGetEncounterTool(col, reg, link))
	r.Register(NewCreateEncounterTool(col, reg, link))
	r.Register(NewDeleteEncounterTool(col, reg, link))
	r.Register(NewActivateCombatTool(reg, link))
	r.Register(NewAdvanceCombatTurnTool(col, reg, link))
	r.Register(NewActorDetailsTool(reg, link))
	r.Register(NewModifyTokenAttributeTool(reg, link))
	return r
}

func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Definitions returns the catalog in provider wire form, sorted by name so
// the prompt is stable across runs.
func (r *Registry) Definitions() []providers.ToolDefinition {
	out := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, providers.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute parses the argument JSON and runs the named tool. Unknown names
// and malformed arguments come back as error results, never panics — the
// model produced them, the model gets to read about them.
func (r *Registry) Execute(ctx context.Context, name, argsJSON string) *Result {
	t, ok := r.tools[name]
	if !ok {
		return ErrorResult("unknown tool: " + name)
	}

	args := make(map[string]any)
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return ErrorResult("malformed tool arguments: " + err.Error())
		}
	}

	r.log.Debug("tools.execute", "tool", name, "client", ClientIDFromCtx(ctx))
	res := t.Execute(ctx, args)
	if res.IsError {
		r.log.Debug("tools.execute_error", "tool", name, "result", res.ForLLM)
	}
	return res
}
