// Package store implements atomic persistence of the pairing record: the
// mapping of role -> remote endpoint that survives a daemon restart.
//
// Grounded on the teacher's config.write (main.go, LightwaveRF-go), which
// already writes via a temp file plus rename; this package generalizes
// that into a typed, mutex-guarded Store with an mtime-based read cache
// per spec.md §4.1.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Role is one of the three fixed roles.
type Role string

const (
	RolePrimary   Role = "main"
	RoleBackup    Role = "backup"
	RoleAuxiliary Role = "aux"
)

// EndpointRecord is the persisted shape of an endpoint under a role.
type EndpointRecord struct {
	IP            string `json:"ip"`
	WorkspaceName string `json:"workspace_name"`
	WorkspaceID   string `json:"workspace_id"`
}

// Record is the full persisted pairing record, matching the JSON shape
// in spec.md §6.
type Record struct {
	Paired   bool    `json:"paired"`
	PairedAt float64 `json:"paired_at"`

	QLabPort    int `json:"qlab_port"`
	PiReplyPort int `json:"pi_reply_port"`

	ExpectedWSMain   string `json:"expected_ws_main"`
	ExpectedWSBackup string `json:"expected_ws_backup"`
	SuffixMain       string `json:"suffix_main"`
	SuffixBackup     string `json:"suffix_backup"`
	SuffixAux1       string `json:"suffix_aux1"`

	Endpoints map[Role]EndpointRecord `json:"endpoints"`

	Paused bool `json:"paused"`
}

// Validate enforces the PairingRecord invariant from spec.md §3: if
// Paired is true, Endpoints must contain at least a primary entry.
func (r Record) Validate() error {
	if r.Paired {
		if _, ok := r.Endpoints[RolePrimary]; !ok {
			return errors.New("store: paired record has no primary endpoint")
		}
	}
	return nil
}

// Store is an atomic, mtime-cached reader/writer of a Record backed by a
// single JSON file.
type Store struct {
	path string

	mu        sync.Mutex
	cached    Record
	cachedAt  time.Time // zero means never loaded
	haveCache bool
}

// New returns a Store backed by path. The file need not exist yet.
func New(path string) *Store {
	return &Store{path: path}
}

// Load returns the current Record. If the backing file's modification
// time equals the cached cursor, the cached copy is returned without
// touching disk. A missing, unreadable or malformed file yields an empty
// Record and a nil error (StateCorrupt is never propagated, per spec.md
// §7). Nothing is logged: this package stays silent so it can be used
// from tests without a logger, and a caller cannot tell a corrupt file
// from a missing one.
func (s *Store) Load() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, nil
		}
		return Record{}, nil
	}

	if s.haveCache && info.ModTime().Equal(s.cachedAt) {
		return s.cached, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return Record{}, nil
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, nil
	}

	s.cached = rec
	s.cachedAt = info.ModTime()
	s.haveCache = true
	return rec, nil
}

// Save writes rec to the backing file atomically: write to a sibling
// temp path, flush, rename over the target, then flush the containing
// directory for crash durability. The in-memory cache is refreshed under
// the same lock used by Load.
func (s *Store) Save(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := rec.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("store: rename: %w", err)
	}

	if dirF, err := os.Open(dir); err == nil {
		_ = dirF.Sync()
		_ = dirF.Close()
	}

	info, err := os.Stat(s.path)
	if err == nil {
		s.cached = rec
		s.cachedAt = info.ModTime()
		s.haveCache = true
	} else {
		s.haveCache = false
	}

	return nil
}
