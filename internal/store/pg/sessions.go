package pg

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tableforge/arbiter/internal/providers"
	"github.com/tableforge/arbiter/internal/session"
)

// SessionPersister implements session.Persister on a Postgres table. The
// conversation lives in a jsonb column; session metadata is flattened so the
// eviction query never deserializes message bodies.
type SessionPersister struct {
	db *sql.DB
}

func NewSessionPersister(db *sql.DB) *SessionPersister {
	return &SessionPersister{db: db}
}

func (p *SessionPersister) SaveSession(s *session.Session) error {
	convJSON, err := json.Marshal(s.Conversation)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}

	_, err = p.db.Exec(
		`INSERT INTO sessions (id, client_id, provider_id, model_id, last_context_ts, conversation, created_at, last_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
			last_context_ts = EXCLUDED.last_context_ts,
			conversation    = EXCLUDED.conversation,
			last_active     = EXCLUDED.last_active`,
		s.ID, s.ClientID, s.ProviderID, s.ModelID, s.LastContextTS,
		convJSON, s.Created, s.LastActive,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

func (p *SessionPersister) LoadSessions() ([]*session.Session, error) {
	rows, err := p.db.Query(
		`SELECT id, client_id, provider_id, model_id, last_context_ts, conversation, created_at, last_active
		 FROM sessions ORDER BY last_active DESC`)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		var s session.Session
		var convJSON []byte
		var created, lastActive time.Time
		if err := rows.Scan(&s.ID, &s.ClientID, &s.ProviderID, &s.ModelID,
			&s.LastContextTS, &convJSON, &created, &lastActive); err != nil {
			continue
		}
		s.Created = created
		s.LastActive = lastActive
		var msgs []providers.Message
		if err := json.Unmarshal(convJSON, &msgs); err == nil {
			s.Conversation = msgs
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (p *SessionPersister) DeleteSession(id string) error {
	_, err := p.db.Exec(`DELETE FROM sessions WHERE id = $1`, id)
	return err
}
