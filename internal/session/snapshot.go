package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// FilePersister snapshots sessions as JSON files, one per session, with
// atomic temp-file renames. Used in standalone mode.
type FilePersister struct {
	dir string
}

// NewFilePersister creates the storage directory if needed.
func NewFilePersister(dir string) (*FilePersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FilePersister{dir: dir}, nil
}

func (p *FilePersister) path(id string) string {
	// Session ids are uuids, but sanitize anyway.
	safe := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '_'
	}, id)
	return filepath.Join(p.dir, safe+".json")
}

func (p *FilePersister) SaveSession(s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(p.dir, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, p.path(s.ID)); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (p *FilePersister) LoadSessions() ([]*Session, error) {
	files, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, err
	}

	var out []*Session
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.dir, f.Name()))
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		if s.ID == "" {
			continue
		}
		out = append(out, &s)
	}
	return out, nil
}

func (p *FilePersister) DeleteSession(id string) error {
	if err := os.Remove(p.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
