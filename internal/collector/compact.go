package collector

import (
	"encoding/json"

	"github.com/tableforge/arbiter/pkg/protocol"
)

// rawChat mirrors the chat_message frame fields we surface to the LLM.
type rawChat struct {
	Speaker string `json:"speaker,omitempty"`
	Alias   string `json:"alias,omitempty"`
	Content string `json:"content,omitempty"`

	// Card fields (present when the frontend pre-classified a chat card).
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Actions     []string `json:"actions,omitempty"`
}

// rawRoll mirrors the dice_roll frame fields.
type rawRoll struct {
	Speaker string  `json:"speaker,omitempty"`
	Alias   string  `json:"alias,omitempty"`
	Formula string  `json:"formula"`
	Total   float64 `json:"total"`
	Results []any   `json:"results,omitempty"`
	Flavor  string  `json:"flavor,omitempty"`
}

// Compact converts an inbox entry to its short-keyed LLM form.
func Compact(e Entry) (json.RawMessage, error) {
	switch e.Kind {
	case KindRoll:
		var r rawRoll
		if err := json.Unmarshal(e.Payload, &r); err != nil {
			return nil, err
		}
		return json.Marshal(protocol.CompactRoll{
			T:       protocol.CompactKindRoll,
			TS:      e.Timestamp,
			Speaker: r.Speaker,
			Alias:   r.Alias,
			Formula: r.Formula,
			Total:   r.Total,
			Results: r.Results,
			Flavor:  r.Flavor,
		})
	case KindCard:
		var c rawChat
		if err := json.Unmarshal(e.Payload, &c); err != nil {
			return nil, err
		}
		return json.Marshal(protocol.CompactCard{
			T:           protocol.CompactKindCard,
			TS:          e.Timestamp,
			Name:        c.Name,
			Description: c.Description,
			Actions:     c.Actions,
		})
	default:
		var c rawChat
		if err := json.Unmarshal(e.Payload, &c); err != nil {
			return nil, err
		}
		return json.Marshal(protocol.CompactChat{
			T:       protocol.CompactKindChat,
			TS:      e.Timestamp,
			Speaker: c.Speaker,
			Alias:   c.Alias,
			Content: c.Content,
		})
	}
}

// CompactAll converts a batch of entries, skipping any that fail to decode.
func CompactAll(entries []Entry) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		if c, err := Compact(e); err == nil {
			out = append(out, c)
		}
	}
	return out
}
