package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tableforge/arbiter/internal/collector"
	"github.com/tableforge/arbiter/internal/providers"
	"github.com/tableforge/arbiter/internal/settings"
)

// assembleContext builds the message slice for this turn's first LLM call and
// returns the newest event timestamp it consumed (0 if no new events).
//
// Shape: [system] + stored history + one user message carrying the new table
// events, the current combat state, and the turn instruction. The user
// message is persisted; the game-delta injection into the system message is
// call-time only and never stored.
func (o *Orchestrator) assembleContext(ctx context.Context, req TurnRequest, opts Options) ([]providers.Message, int64, error) {
	history, err := o.sessions.History(req.SessionID, opts.TokenBudget)
	if err != nil {
		return nil, 0, fmt.Errorf("load history: %w", err)
	}

	// First turn: seed the conversation with the system prompt and persist
	// it, so every later turn starts from the same framing.
	if len(history) == 0 && req.SystemPrompt != "" {
		sys := providers.Message{Role: providers.RoleSystem, Content: req.SystemPrompt}
		if err := o.sessions.Append(req.SessionID, sys); err != nil {
			return nil, 0, fmt.Errorf("store system prompt: %w", err)
		}
		history = append(history, sys)
	}

	cursor, err := o.sessions.LastContextTS(req.SessionID)
	if err != nil {
		return nil, 0, fmt.Errorf("read delta cursor: %w", err)
	}

	// No cursor means the session has never seen events: take a bounded
	// recent window. Otherwise only what arrived after the cursor.
	var events []collector.Entry
	if cursor == 0 {
		events = o.collector.Recent(req.ClientID, req.ContextCount)
	} else {
		events = o.collector.Since(req.ClientID, cursor)
	}

	var newestTS int64
	if len(events) > 0 {
		newestTS = events[len(events)-1].Timestamp
	}

	// The user message carries the newest event timestamp, so the cursor
	// and the stored conversation agree on what has been seen.
	user := providers.Message{
		Role:      providers.RoleUser,
		Content:   o.buildUserContent(req, events),
		Timestamp: newestTS,
	}
	if err := o.sessions.Append(req.SessionID, user); err != nil {
		return nil, 0, fmt.Errorf("store user message: %w", err)
	}

	messages := make([]providers.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, user)

	// A frontend-deposited "what changed since last turn" summary rides on
	// the in-memory system message only.
	if delta, ok := o.collector.TakeGameDelta(req.ClientID); ok && len(messages) > 0 && messages[0].Role == providers.RoleSystem {
		sys := messages[0]
		sys.Content = sys.Content + "\n\n## Recent changes\n" + delta
		messages[0] = sys
	}

	o.log.Debug("turn.context", "session", req.SessionID,
		"history", len(history), "events", len(events), "cursor", cursor)
	return messages, newestTS, nil
}

// buildUserContent renders the table events and combat state into one user
// message, followed by the instruction matching the processing mode.
func (o *Orchestrator) buildUserContent(req TurnRequest, events []collector.Entry) string {
	var b strings.Builder

	if len(events) > 0 {
		b.WriteString("New table events (oldest first, compact JSON):\n")
		for _, raw := range collector.CompactAll(events) {
			b.Write(raw)
			b.WriteByte('\n')
		}
	} else {
		b.WriteString("No new table events since your last turn.\n")
	}

	if active := o.collector.ActiveEncounters(req.ClientID); len(active) > 0 {
		if blob, err := json.Marshal(active); err == nil {
			b.WriteString("\nActive combat state:\n")
			b.Write(blob)
			b.WriteByte('\n')
		}
	}

	b.WriteByte('\n')
	b.WriteString(o.instruction(req))
	return b.String()
}

func (o *Orchestrator) instruction(req TurnRequest) string {
	role := req.AIRole
	if role == "" {
		role = "game master assistant"
	}
	if req.Mode == settings.ModeTactical {
		return fmt.Sprintf(
			"Respond as the %s running this combat encounter. Resolve the current "+
				"turn using the tools: roll dice on the table, apply damage and "+
				"healing through token attributes, and advance the encounter when "+
				"the turn is done. Narrate outcomes briefly via post_message.", role)
	}
	return fmt.Sprintf(
		"Respond as the %s. Address the players' latest messages. Use the tools "+
			"when the table state is needed or should change; otherwise answer "+
			"directly and keep it concise.", role)
}
