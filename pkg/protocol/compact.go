package protocol

import "encoding/json"

// Compact event kinds. These are the short-keyed shapes shown to the LLM
// inside user messages; short keys keep the token cost of history down.
const (
	CompactKindRoll   = "dr"
	CompactKindChat   = "cm"
	CompactKindCard   = "cd"
	CompactKindCombat = "combat_context"
)

// CompactRoll is a dice roll in compact form.
type CompactRoll struct {
	T       string  `json:"t"` // "dr"
	TS      int64   `json:"ts"`
	Speaker string  `json:"s,omitempty"`
	Alias   string  `json:"a,omitempty"`
	Formula string  `json:"f"`
	Total   float64 `json:"tt"`
	Results []any   `json:"r,omitempty"`
	Flavor  string  `json:"ft,omitempty"`
}

// CompactChat is a chat message in compact form.
type CompactChat struct {
	T       string `json:"t"` // "cm"
	TS      int64  `json:"ts"`
	Speaker string `json:"s,omitempty"`
	Alias   string `json:"a,omitempty"`
	Content string `json:"c"`
}

// CompactCard is a chat card (item/spell/ability display) in compact form.
type CompactCard struct {
	T           string   `json:"t"` // "cd"
	TS          int64    `json:"ts"`
	Name        string   `json:"n"`
	Description string   `json:"d,omitempty"`
	Actions     []string `json:"a,omitempty"`
}

// CompactCombat wraps the current combat context for the LLM.
type CompactCombat struct {
	T             string          `json:"t"` // "combat_context"
	CombatContext json.RawMessage `json:"combat_context"`
}
