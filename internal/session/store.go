// Package session maintains per-conversation state: provider/model choice,
// the conversation history, and the delta cursor marking the newest event
// timestamp ever shown to the LLM.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tableforge/arbiter/internal/providers"
)

// ErrExpired is returned for operations on unknown or evicted sessions.
// RequestIngress treats it as "create new".
var ErrExpired = errors.New("session: expired or unknown")

// Session is one conversation thread, scoped to a (client, provider, model)
// triple. Conversation messages are never mutated after append.
type Session struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id"`
	ProviderID string    `json:"provider_id"`
	ModelID    string    `json:"model_id"`
	Created    time.Time `json:"created"`
	LastActive time.Time `json:"last_active"`

	// LastContextTS is the highest event timestamp fed to the LLM under
	// this session; 0 = no events consumed yet.
	LastContextTS int64 `json:"last_context_ts,omitempty"`

	Conversation []providers.Message `json:"conversation"`
}

// Persister stores session snapshots durably. Implementations: the JSON
// file store (standalone) and the Postgres store (managed).
type Persister interface {
	SaveSession(s *Session) error
	LoadSessions() ([]*Session, error)
	DeleteSession(id string) error
}

// Store maps session id → session, with lazy creation, triple-keyed reuse,
// and idle eviction.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	byTriple    map[tripleKey]string
	turnLocks   map[string]*sync.Mutex
	idleTimeout time.Duration
	persist     Persister // nil = memory only
}

type tripleKey struct{ client, provider, model string }

// NewStore creates a session store. persist may be nil.
func NewStore(idleTimeout time.Duration, persist Persister) *Store {
	if idleTimeout <= 0 {
		idleTimeout = 4 * time.Hour
	}
	s := &Store{
		sessions:    make(map[string]*Session),
		byTriple:    make(map[tripleKey]string),
		turnLocks:   make(map[string]*sync.Mutex),
		idleTimeout: idleTimeout,
		persist:     persist,
	}
	s.loadAll()
	return s
}

func (s *Store) loadAll() {
	if s.persist == nil {
		return
	}
	loaded, err := s.persist.LoadSessions()
	if err != nil {
		slog.Warn("session: load snapshots failed", "error", err)
		return
	}
	for _, sess := range loaded {
		s.sessions[sess.ID] = sess
		s.byTriple[tripleKey{sess.ClientID, sess.ProviderID, sess.ModelID}] = sess.ID
	}
	if len(loaded) > 0 {
		slog.Info("session: snapshots restored", "count", len(loaded))
	}
}

func (s *Store) expired(sess *Session, now time.Time) bool {
	return now.Sub(sess.LastActive) > s.idleTimeout
}

// GetOrCreate resolves a session id for a chat request. A requested id is
// honoured if it exists, belongs to the client, and is not expired.
// Otherwise a live session for the same (client, provider, model) triple is
// reused; otherwise a new session is created.
func (s *Store) GetOrCreate(clientID, providerID, modelID, requestedID string) string {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if requestedID != "" {
		if sess, ok := s.sessions[requestedID]; ok && sess.ClientID == clientID && !s.expired(sess, now) {
			sess.LastActive = now
			return sess.ID
		}
	}

	key := tripleKey{clientID, providerID, modelID}
	if id, ok := s.byTriple[key]; ok {
		if sess, ok := s.sessions[id]; ok && !s.expired(sess, now) {
			sess.LastActive = now
			return sess.ID
		}
	}

	sess := &Session{
		ID:         uuid.NewString(),
		ClientID:   clientID,
		ProviderID: providerID,
		ModelID:    modelID,
		Created:    now,
		LastActive: now,
	}
	s.sessions[sess.ID] = sess
	s.byTriple[key] = sess.ID
	slog.Debug("session created", "session", sess.ID, "client", clientID,
		"provider", providerID, "model", modelID)
	return sess.ID
}

// Get returns a copy of the session metadata (without the conversation).
func (s *Store) Get(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrExpired
	}
	cp := *sess
	cp.Conversation = nil
	return cp, nil
}

// Append adds one message to the conversation.
func (s *Store) Append(id string, msg providers.Message) error {
	return s.AppendAll(id, msg)
}

// AppendAll adds a batch of messages atomically: an assistant message with
// tool_calls and its tool replies never interleave with an independent
// append.
func (s *Store) AppendAll(id string, msgs ...providers.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrExpired
	}
	sess.Conversation = append(sess.Conversation, msgs...)
	sess.LastActive = time.Now()
	return nil
}

// History returns the conversation, pruned from the front to fit the token
// budget (0 = unpruned). The leading system message always survives and
// assistant/tool pairings are never split.
func (s *Store) History(id string, tokenBudget int) ([]providers.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrExpired
	}

	msgs := make([]providers.Message, len(sess.Conversation))
	copy(msgs, sess.Conversation)
	if tokenBudget > 0 {
		msgs = pruneToBudget(msgs, tokenBudget)
	}
	return msgs, nil
}

// SetLastContextTS advances the delta cursor. It never moves backwards.
func (s *Store) SetLastContextTS(id string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrExpired
	}
	if ts > sess.LastContextTS {
		sess.LastContextTS = ts
	}
	return nil
}

// LastContextTS returns the delta cursor (0 = none).
func (s *Store) LastContextTS(id string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return 0, ErrExpired
	}
	return sess.LastContextTS, nil
}

// Touch updates last activity, keeping the session alive.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	if sess, ok := s.sessions[id]; ok {
		sess.LastActive = time.Now()
	}
	s.mu.Unlock()
}

// LockTurn acquires the per-session turn lock and returns its release
// function. A session is a critical section for the duration of one
// orchestrator run; concurrent chat requests for the same session queue.
func (s *Store) LockTurn(id string) func() {
	s.mu.Lock()
	l, ok := s.turnLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.turnLocks[id] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Save snapshots one session through the persister.
func (s *Store) Save(id string) error {
	if s.persist == nil {
		return nil
	}
	s.mu.RLock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.RUnlock()
		return ErrExpired
	}
	cp := *sess
	cp.Conversation = make([]providers.Message, len(sess.Conversation))
	copy(cp.Conversation, sess.Conversation)
	s.mu.RUnlock()

	return s.persist.SaveSession(&cp)
}

// AutoEvict drops sessions idle beyond the timeout. Eviction does not
// cancel an in-flight turn; it only prevents new ones from starting.
// Returns the number evicted.
func (s *Store) AutoEvict() int {
	now := time.Now()

	s.mu.Lock()
	var victims []*Session
	for id, sess := range s.sessions {
		if s.expired(sess, now) {
			delete(s.sessions, id)
			delete(s.turnLocks, id)
			key := tripleKey{sess.ClientID, sess.ProviderID, sess.ModelID}
			if s.byTriple[key] == id {
				delete(s.byTriple, key)
			}
			victims = append(victims, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range victims {
		if s.persist != nil {
			if err := s.persist.DeleteSession(sess.ID); err != nil {
				slog.Warn("session: delete snapshot failed", "session", sess.ID, "error", err)
			}
		}
		slog.Debug("session evicted", "session", sess.ID, "idle", now.Sub(sess.LastActive))
	}
	return len(victims)
}

// Count reports live sessions. Used by tests and the health endpoint.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
