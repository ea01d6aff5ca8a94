package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tableforge/arbiter/internal/collector"
	"github.com/tableforge/arbiter/internal/orchestrator"
	"github.com/tableforge/arbiter/internal/providers"
	"github.com/tableforge/arbiter/internal/settings"
	"github.com/tableforge/arbiter/pkg/protocol"
)

// handleChatRequest validates a chat_request, merges its messages into the
// inbox, resolves the provider family, and launches a turn. It returns
// immediately; the final chat_response or error frame flows back
// asynchronously, never both.
func (c *Client) handleChatRequest(f *protocol.Frame) {
	var req protocol.ChatRequestData
	if err := f.Decode(&req); err != nil {
		c.send(protocol.ErrorFrame("malformed chat_request: " + err.Error()))
		return
	}
	if req.ContextCount <= 0 {
		c.send(protocol.ErrorFrame("chat_request requires a positive context_count"))
		return
	}
	if c.server.turns == nil {
		c.send(protocol.ErrorFrame("backend not ready"))
		return
	}

	c.mergeMessages(req.Messages)

	if len(req.CombatState) > 0 {
		var state protocol.CombatStateData
		if err := json.Unmarshal(req.CombatState, &state); err == nil && state.CombatID != "" {
			c.server.collector.UpsertEncounter(c.id, toEncounterState(state))
		}
	}

	bundle := c.server.settings.Get(c.id)

	// The synced context ceiling bounds whatever window the request asks for.
	if max := bundle.MaximumMessageContext; max > 0 && req.ContextCount > max {
		req.ContextCount = max
	}

	mode := c.resolveMode(bundle)
	family := bundle.FamilyFor(mode)

	sessionID := c.server.sessions.GetOrCreate(c.id, family.Provider, family.Model, req.SessionID)

	turnReq := orchestrator.TurnRequest{
		ClientID:     c.id,
		SessionID:    sessionID,
		SystemPrompt: c.buildSystemPrompt(bundle, mode),
		CallCfg:      c.callConfig(family),
		ContextCount: req.ContextCount,
		AIRole:       bundle.AIRole,
		Mode:         mode,
	}

	c.server.log.Info("ingress.turn_launched", "client", c.id, "session", sessionID,
		"mode", mode, "provider", family.Provider, "model", family.Model)

	go c.runTurn(turnReq)
}

func (c *Client) runTurn(req orchestrator.TurnRequest) {
	result, err := c.server.turns.Run(context.Background(), req)
	if err != nil {
		c.send(protocol.ErrorFrame("chat request failed: " + err.Error()))
		return
	}

	msg, merr := json.Marshal(map[string]any{
		"content":       result.Content,
		"session_id":    req.SessionID,
		"reached_limit": result.ReachedLimit,
	})
	if merr != nil {
		c.send(protocol.ErrorFrame("chat request failed: " + merr.Error()))
		return
	}
	frame, ferr := protocol.NewFrame(protocol.FrameChatResponse, protocol.ChatResponseData{Message: msg})
	if ferr != nil {
		c.send(protocol.ErrorFrame("chat request failed: " + ferr.Error()))
		return
	}
	c.send(frame)
}

// mergeMessages folds request-carried events into the inbox. Entries whose
// timestamp the inbox has already seen are duplicates from the frontend's
// resend buffer and are skipped.
func (c *Client) mergeMessages(msgs []json.RawMessage) {
	if len(msgs) == 0 {
		return
	}
	lastSeen := c.server.collector.LastTimestamp(c.id)

	for _, raw := range msgs {
		var probe struct {
			Timestamp int64  `json:"timestamp"`
			Type      string `json:"type,omitempty"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			continue
		}
		if probe.Timestamp != 0 && probe.Timestamp <= lastSeen {
			continue
		}
		entry := collector.Entry{Timestamp: probe.Timestamp, Payload: raw}
		if probe.Type == "dice_roll" || probe.Type == "roll" {
			c.server.collector.AppendRoll(c.id, entry)
		} else {
			entry.Kind = chatKind(raw)
			c.server.collector.AppendChat(c.id, entry)
		}
	}
}

// resolveMode picks the provider family. An explicit chat_processing_mode
// setting wins; otherwise combat detection decides. The two sources can
// disagree and that is fine.
func (c *Client) resolveMode(bundle settings.Bundle) string {
	if bundle.ChatProcessingMode != "" {
		return bundle.ChatProcessingMode
	}
	if len(c.server.collector.ActiveEncounters(c.id)) > 0 {
		return settings.ModeTactical
	}
	return settings.ModeGeneral
}

func (c *Client) callConfig(family settings.LLMFamily) providers.CallConfig {
	turns := c.server.cfg.TurnsSnapshot()
	return providers.CallConfig{
		ProviderID:  family.Provider,
		ModelID:     family.Model,
		BaseURL:     family.BaseURL,
		APIVersion:  family.APIVersion,
		Headers:     family.HeadersMap(),
		Temperature: turns.Temperature,
		MaxTokens:   turns.MaxTokens,
		TimeoutSec:  family.TimeoutSec,
		MaxRetries:  family.MaxRetries,
	}
}

// buildSystemPrompt frames the conversation for a new session: the role,
// the compact event schema, the current combat state, and a world summary.
// Sessions that already have history never see this.
func (c *Client) buildSystemPrompt(bundle settings.Bundle, mode string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are the %s for a virtual tabletop game session. ", bundle.AIRole)
	b.WriteString("You observe the table through event logs and act on it through tools.\n\n")

	b.WriteString("## Event schema\n")
	b.WriteString("Table events arrive as compact JSON objects:\n")
	b.WriteString(`- {"t":"cm","ts":...,"s":speaker,"a":alias,"c":content} — chat message` + "\n")
	b.WriteString(`- {"t":"dr","ts":...,"s":speaker,"f":formula,"tt":total,"r":[...],"ft":flavor} — dice roll` + "\n")
	b.WriteString(`- {"t":"cd","ts":...,"n":name,"d":description,"a":[actions]} — chat card` + "\n")

	if active := c.server.collector.ActiveEncounters(c.id); len(active) > 0 {
		if blob, err := json.Marshal(active); err == nil {
			b.WriteString("\n## Combat state\n")
			b.Write(blob)
			b.WriteByte('\n')
		}
	} else if mode == settings.ModeTactical {
		b.WriteString("\n## Combat state\nNo encounter is active yet.\n")
	}

	if world := c.server.collector.World(c.id); len(world) > 0 {
		b.WriteString("\n## World\n")
		b.Write(summarizeWorld(world))
		b.WriteByte('\n')
	}

	return b.String()
}

// summarizeWorld keeps the prompt-relevant slices of a world snapshot and
// drops the bulky compendium index.
func summarizeWorld(world json.RawMessage) json.RawMessage {
	var probe struct {
		SessionInfo     json.RawMessage `json:"session_info,omitempty"`
		PartyCompendium json.RawMessage `json:"party_compendium,omitempty"`
		ActiveScene     json.RawMessage `json:"active_scene,omitempty"`
		ActiveEncounter json.RawMessage `json:"active_encounter,omitempty"`
	}
	if err := json.Unmarshal(world, &probe); err != nil {
		return world
	}
	out, err := json.Marshal(probe)
	if err != nil {
		return world
	}
	return out
}
