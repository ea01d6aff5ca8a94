// Package collector maintains the per-client inbox: bounded chat and roll
// logs, the latest world snapshot, and known encounter states. The client
// link is the only writer; tools and the orchestrator read.
package collector

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// EntryKind classifies one inbox log entry.
type EntryKind string

const (
	KindChat EntryKind = "chat"
	KindRoll EntryKind = "dice-roll"
	KindCard EntryKind = "card"
)

// Entry is one time-ordered inbox item. Payload is the raw frame data.
type Entry struct {
	Timestamp int64           `json:"timestamp"` // ms since epoch
	Kind      EntryKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// Combatant is one participant in an encounter.
type Combatant struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Initiative    float64 `json:"initiative"`
	IsPlayer      bool    `json:"is_player"`
	IsCurrentTurn bool    `json:"is_current_turn"`
	ActorID       string  `json:"actor_id,omitempty"`
}

// EncounterState is the cached view of one combat encounter.
type EncounterState struct {
	EncounterID string      `json:"encounter_id"`
	IsActive    bool        `json:"is_active"`
	Round       int         `json:"round"`
	Turn        int         `json:"turn"`
	Combatants  []Combatant `json:"combatants,omitempty"`
	LastUpdated time.Time   `json:"last_updated"`
}

type inbox struct {
	mu         sync.Mutex
	chat       []Entry
	rolls      []Entry
	world      json.RawMessage
	encounters map[string]EncounterState
	gameDelta  string
	lastTS     int64
}

// Archiver receives every appended event for durable storage.
// Appends must never block on it; implementations buffer internally.
type Archiver interface {
	ArchiveEvent(clientID string, e Entry)
}

// Collector holds one inbox per client.
type Collector struct {
	mu        sync.RWMutex
	inboxes   map[string]*inbox
	maxItems  int
	retention time.Duration
	archive   Archiver // nil = disabled
}

// New creates a collector with the given per-log item cap and age bound.
func New(maxItems int, retention time.Duration) *Collector {
	if maxItems <= 0 {
		maxItems = 100
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Collector{
		inboxes:   make(map[string]*inbox),
		maxItems:  maxItems,
		retention: retention,
	}
}

// SetArchiver attaches a durable event sink. Call before serving traffic.
func (c *Collector) SetArchiver(a Archiver) { c.archive = a }

func (c *Collector) box(clientID string) *inbox {
	c.mu.RLock()
	b, ok := c.inboxes[clientID]
	c.mu.RUnlock()
	if ok {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok = c.inboxes[clientID]; ok {
		return b
	}
	b = &inbox{encounters: make(map[string]EncounterState)}
	c.inboxes[clientID] = b
	return b
}

// stamp assigns or clamps the entry timestamp so the log stays
// monotonically non-decreasing. A missing timestamp becomes one strictly
// greater than the last seen.
func (b *inbox) stamp(ts int64) int64 {
	if ts == 0 {
		ts = time.Now().UnixMilli()
		if ts <= b.lastTS {
			ts = b.lastTS + 1
		}
	} else if ts < b.lastTS {
		ts = b.lastTS
	}
	b.lastTS = ts
	return ts
}

func trim(log []Entry, maxItems int, cutoff int64) []Entry {
	start := 0
	for start < len(log) && log[start].Timestamp < cutoff {
		start++
	}
	if over := len(log) - start - maxItems; over > 0 {
		start += over
	}
	if start == 0 {
		return log
	}
	return append(log[:0:0], log[start:]...)
}

// AppendChat adds a chat or card entry to a client's chat log.
func (c *Collector) AppendChat(clientID string, e Entry) Entry {
	b := c.box(clientID)
	cutoff := time.Now().Add(-c.retention).UnixMilli()

	b.mu.Lock()
	e.Timestamp = b.stamp(e.Timestamp)
	if e.Kind == "" {
		e.Kind = KindChat
	}
	b.chat = trim(append(b.chat, e), c.maxItems, cutoff)
	b.mu.Unlock()

	if c.archive != nil {
		c.archive.ArchiveEvent(clientID, e)
	}
	return e
}

// AppendRoll adds a dice roll entry to a client's roll log.
func (c *Collector) AppendRoll(clientID string, e Entry) Entry {
	b := c.box(clientID)
	cutoff := time.Now().Add(-c.retention).UnixMilli()

	b.mu.Lock()
	e.Timestamp = b.stamp(e.Timestamp)
	e.Kind = KindRoll
	b.rolls = trim(append(b.rolls, e), c.maxItems, cutoff)
	b.mu.Unlock()

	if c.archive != nil {
		c.archive.ArchiveEvent(clientID, e)
	}
	return e
}

// merged returns chat ∪ rolls in chronological order. Caller holds b.mu.
func (b *inbox) merged() []Entry {
	out := make([]Entry, 0, len(b.chat)+len(b.rolls))
	out = append(out, b.chat...)
	out = append(out, b.rolls...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// Recent returns the last n merged entries, oldest first.
// n <= 0 returns everything.
func (c *Collector) Recent(clientID string, n int) []Entry {
	b := c.box(clientID)
	b.mu.Lock()
	defer b.mu.Unlock()

	all := b.merged()
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// Since returns all merged entries with timestamp strictly greater than ts.
// Equality is deliberately not "new": an event stored at T must not feed
// back as a delta for a cursor already at T.
func (c *Collector) Since(clientID string, ts int64) []Entry {
	b := c.box(clientID)
	b.mu.Lock()
	defer b.mu.Unlock()

	all := b.merged()
	idx := sort.Search(len(all), func(i int) bool { return all[i].Timestamp > ts })
	if idx == len(all) {
		return nil
	}
	return all[idx:]
}

// LastTimestamp returns the highest timestamp seen for a client (0 if none).
func (c *Collector) LastTimestamp(clientID string) int64 {
	b := c.box(clientID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastTS
}

// SetWorld replaces the world snapshot wholesale. Latest write wins.
func (c *Collector) SetWorld(clientID string, snapshot json.RawMessage) {
	b := c.box(clientID)
	b.mu.Lock()
	b.world = snapshot
	b.mu.Unlock()
}

// World returns the current world snapshot (nil if never set).
func (c *Collector) World(clientID string) json.RawMessage {
	b := c.box(clientID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.world
}

// UpsertEncounter inserts or replaces one encounter state by id.
func (c *Collector) UpsertEncounter(clientID string, state EncounterState) {
	if state.EncounterID == "" {
		return
	}
	state.LastUpdated = time.Now()
	b := c.box(clientID)
	b.mu.Lock()
	b.encounters[state.EncounterID] = state
	b.mu.Unlock()
}

// RemoveEncounter force-clears one encounter from the cache.
func (c *Collector) RemoveEncounter(clientID, encounterID string) {
	b := c.box(clientID)
	b.mu.Lock()
	delete(b.encounters, encounterID)
	b.mu.Unlock()
}

// Encounter returns one encounter state by id.
func (c *Collector) Encounter(clientID, encounterID string) (EncounterState, bool) {
	b := c.box(clientID)
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.encounters[encounterID]
	return s, ok
}

// Encounters returns all known encounter states for a client.
func (c *Collector) Encounters(clientID string) []EncounterState {
	b := c.box(clientID)
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]EncounterState, 0, len(b.encounters))
	for _, s := range b.encounters {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EncounterID < out[j].EncounterID })
	return out
}

// ActiveEncounters returns only encounters currently marked active.
func (c *Collector) ActiveEncounters(clientID string) []EncounterState {
	all := c.Encounters(clientID)
	out := all[:0]
	for _, s := range all {
		if s.IsActive {
			out = append(out, s)
		}
	}
	return out
}

// SetGameDelta deposits a "changes since last turn" summary for a client.
func (c *Collector) SetGameDelta(clientID, delta string) {
	b := c.box(clientID)
	b.mu.Lock()
	b.gameDelta = delta
	b.mu.Unlock()
}

// TakeGameDelta returns the pending game delta and clears it. The
// orchestrator consumes it once at turn start.
func (c *Collector) TakeGameDelta(clientID string) (string, bool) {
	b := c.box(clientID)
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.gameDelta
	b.gameDelta = ""
	return d, d != ""
}

// Clear drops a client's inbox entirely.
func (c *Collector) Clear(clientID string) {
	c.mu.Lock()
	delete(c.inboxes, clientID)
	c.mu.Unlock()
}

// SweepRetention evicts entries older than the retention window across all
// inboxes. Driven by the maintenance scheduler.
func (c *Collector) SweepRetention() {
	cutoff := time.Now().Add(-c.retention).UnixMilli()

	c.mu.RLock()
	boxes := make([]*inbox, 0, len(c.inboxes))
	for _, b := range c.inboxes {
		boxes = append(boxes, b)
	}
	c.mu.RUnlock()

	for _, b := range boxes {
		b.mu.Lock()
		b.chat = trim(b.chat, c.maxItems, cutoff)
		b.rolls = trim(b.rolls, c.maxItems, cutoff)
		b.mu.Unlock()
	}
}
