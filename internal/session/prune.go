package session

import (
	"unicode/utf8"

	"github.com/tableforge/arbiter/internal/providers"
)

// EstimateTokens returns a rough token estimate for a message batch.
// Character-based heuristic; good enough for budget pruning.
func EstimateTokens(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += utf8.RuneCountInString(m.Content) / 3
		for _, tc := range m.ToolCalls {
			total += utf8.RuneCountInString(tc.ArgumentsJSON)/3 + 8
		}
	}
	return total
}

// pruneToBudget trims whole conversation turns from the head (after the
// system message) until the estimate fits the budget. A turn unit is a user
// message plus everything up to the next user message, so an assistant
// message with tool_calls is never split from its tool replies.
func pruneToBudget(msgs []providers.Message, budget int) []providers.Message {
	if EstimateTokens(msgs) <= budget || len(msgs) == 0 {
		return msgs
	}

	head := 0
	var system *providers.Message
	if msgs[0].Role == providers.RoleSystem {
		system = &msgs[0]
		head = 1
	}

	units := splitTurnUnits(msgs[head:])

	// Drop oldest units until within budget, always keeping the last one.
	for len(units) > 1 {
		kept := flatten(system, units)
		if EstimateTokens(kept) <= budget {
			return kept
		}
		units = units[1:]
	}
	return flatten(system, units)
}

// splitTurnUnits groups messages so each group starts at a user message.
// A leading run of non-user messages (possible after earlier pruning)
// forms its own unit.
func splitTurnUnits(msgs []providers.Message) [][]providers.Message {
	var units [][]providers.Message
	var cur []providers.Message
	for _, m := range msgs {
		if m.Role == providers.RoleUser && len(cur) > 0 {
			units = append(units, cur)
			cur = nil
		}
		cur = append(cur, m)
	}
	if len(cur) > 0 {
		units = append(units, cur)
	}
	return units
}

func flatten(system *providers.Message, units [][]providers.Message) []providers.Message {
	var out []providers.Message
	if system != nil {
		out = append(out, *system)
	}
	for _, u := range units {
		out = append(out, u...)
	}
	return out
}
