// Package archive keeps a durable, append-only log of game events in a local
// SQLite file. The live inbox caps and ages out entries; the archive is the
// long tail for post-session review.
package archive

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tableforge/arbiter/internal/collector"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    client_id TEXT NOT NULL,
    kind      TEXT NOT NULL,
    ts        INTEGER NOT NULL,
    payload   BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_client_ts ON events (client_id, ts);
`

type record struct {
	clientID string
	entry    collector.Entry
}

// Store is a buffered event archive. ArchiveEvent never blocks the caller;
// if the buffer is full the event is dropped with a warning.
type Store struct {
	db   *sql.DB
	ch   chan record
	done chan struct{}
	log  *slog.Logger
}

// Open opens (or creates) the archive database and starts the writer.
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	// One writer; SQLite serializes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init archive schema: %w", err)
	}

	s := &Store{
		db:   db,
		ch:   make(chan record, 256),
		done: make(chan struct{}),
		log:  log.With("component", "archive"),
	}
	go s.writer()
	return s, nil
}

// ArchiveEvent enqueues one event. Implements collector.Archiver.
func (s *Store) ArchiveEvent(clientID string, e collector.Entry) {
	select {
	case s.ch <- record{clientID: clientID, entry: e}:
	default:
		s.log.Warn("archive.buffer_full", "client", clientID, "kind", e.Kind)
	}
}

func (s *Store) writer() {
	defer close(s.done)
	for rec := range s.ch {
		_, err := s.db.Exec(
			`INSERT INTO events (client_id, kind, ts, payload) VALUES (?, ?, ?, ?)`,
			rec.clientID, string(rec.entry.Kind), rec.entry.Timestamp, []byte(rec.entry.Payload),
		)
		if err != nil {
			s.log.Warn("archive.write_failed", "error", err)
		}
	}
}

// Events returns archived events for a client newer than since, oldest
// first. Backs the `arbiter archive` listing command.
func (s *Store) Events(clientID string, since int64, limit int) ([]collector.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT kind, ts, payload FROM events
		 WHERE client_id = ? AND ts > ? ORDER BY ts ASC LIMIT ?`,
		clientID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []collector.Entry
	for rows.Next() {
		var e collector.Entry
		var kind string
		if err := rows.Scan(&kind, &e.Timestamp, (*[]byte)(&e.Payload)); err != nil {
			return nil, err
		}
		e.Kind = collector.EntryKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Vacuum deletes events older than the retention window and compacts the
// file. Driven by the maintenance scheduler.
func (s *Store) Vacuum(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM events WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if _, err := s.db.Exec(`VACUUM`); err != nil {
			s.log.Warn("archive.vacuum_failed", "error", err)
		}
	}
	return n, nil
}

// Close drains the buffer and closes the database.
func (s *Store) Close() error {
	close(s.ch)
	<-s.done
	return s.db.Close()
}
