// Package checkpoint persists, per device, the newest timestamp known to be
// written to that device's raw record.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"gaugewatch/record"
)

// ErrUnavailable is returned by Load when no trustworthy checkpoint exists.
var ErrUnavailable = errors.New("checkpoint unavailable")

// Marks maps a sensor id to its last ingested timestamp.
type Marks map[string]time.Time

// Clone returns an independent copy of m.
func (m Marks) Clone() Marks {
	out := make(Marks, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Store abstracts checkpoint persistence.
type Store interface {
	// Load returns the marks to start a poll from. With restart set it
	// returns the configured start instants instead of the persisted ones.
	Load(restart bool) (Marks, error)

	// Save replaces the persisted marks with m. It is all or nothing.
	Save(m Marks) error
}

// FileStore keeps marks in a JSON object of id -> "YYYY-MM-DD HH:MM:SS".
type FileStore struct {
	path   string
	starts Marks
}

// NewFileStore returns a store backed by path. starts holds the restart
// instant of every known device; non-restart loads must cover all of them.
func NewFileStore(path string, starts map[string]time.Time) *FileStore {
	return &FileStore{path: path, starts: Marks(starts).Clone()}
}

// Path is the backing file.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(restart bool) (Marks, error) {
	if restart {
		return s.starts.Clone(), nil
	}

	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var raw map[string]string
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrUnavailable, s.path, err)
	}

	marks := make(Marks, len(raw))
	for id, v := range raw {
		ts, err := record.ParseTime(v)
		if err != nil {
			return nil, fmt.Errorf("%w: sensor %s: bad timestamp %q", ErrUnavailable, id, v)
		}
		marks[id] = ts
	}
	for id := range s.starts {
		if _, ok := marks[id]; !ok {
			return nil, fmt.Errorf("%w: no entry for sensor %s (run with -restart after adding devices)", ErrUnavailable, id)
		}
	}
	return marks, nil
}

func (s *FileStore) Save(m Marks) error {
	out := make(map[string]string, len(m))
	for id, ts := range m {
		out[id] = record.FormatTime(ts)
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoints: %w", err)
	}
	b = append(b, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	if err := renameio.WriteFile(s.path, b, 0o644); err != nil {
		return fmt.Errorf("write checkpoints: %w", err)
	}
	return nil
}
