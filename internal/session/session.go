// Package session owns the automation session's lifecycle: the single
// state machine tracking whether the portal session is usable, and the
// durable on-disk snapshot of its credentials.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State is the authentication status of the automation session.
type State int

const (
	// Unauthenticated means no credential snapshot exists.
	Unauthenticated State = iota
	// Authenticated means a snapshot exists and has not been observed to fail.
	Authenticated
	// Expired means the portal rejected the snapshot; a human must
	// re-authenticate out of band.
	Expired
)

// String returns the state name for logging and status replies.
func (s State) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	default:
		return "unauthenticated"
	}
}

// Cookie is one portal session cookie. The bundle is treated as opaque:
// nothing inspects the values, they are only replayed to the portal.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitzero"`
	Secure   bool      `json:"secure,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
}

// Snapshot is the immutable credential bundle captured at authentication
// time. Once captured it is never modified, only replaced wholesale.
type Snapshot struct {
	Cookies    []Cookie  `json:"cookies"`
	CapturedAt time.Time `json:"captured_at"`
}

// Manager is the sole owner of session state and its persistence. All
// transitions and all durable writes are serialized through one mutex, so
// racing authentications cannot interleave partial writes; the last one
// wins and each write is individually atomic.
type Manager struct {
	mu       sync.Mutex
	state    State
	snapshot *Snapshot
	path     string
	logger   *slog.Logger
}

// NewManager creates a Manager persisting snapshots at path. The initial
// state is Unauthenticated until Load or SetAuthenticated runs.
func NewManager(path string, logger *slog.Logger) *Manager {
	return &Manager{
		state:  Unauthenticated,
		path:   path,
		logger: logger,
	}
}

// Load reads the persisted snapshot, transitioning to Authenticated if one
// is present and parseable. A missing or corrupt file is not an error: the
// manager stays Unauthenticated and the condition is logged.
func (m *Manager) Load() {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			m.logger.Info("no persisted session snapshot", slog.String("path", m.path))
		} else {
			m.logger.Warn("failed to read session snapshot",
				slog.String("path", m.path),
				slog.String("error", err.Error()))
		}
		return
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		m.logger.Warn("corrupt session snapshot, starting unauthenticated",
			slog.String("path", m.path),
			slog.String("error", err.Error()))
		return
	}
	if len(snap.Cookies) == 0 {
		m.logger.Warn("session snapshot has no cookies, starting unauthenticated",
			slog.String("path", m.path))
		return
	}

	m.snapshot = &snap
	m.state = Authenticated
	m.logger.Info("session snapshot loaded",
		slog.String("path", m.path),
		slog.Time("captured_at", snap.CapturedAt))
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the active credential snapshot, or false when the
// session is not Authenticated.
func (m *Manager) Snapshot() (*Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Authenticated || m.snapshot == nil {
		return nil, false
	}
	return m.snapshot, true
}

// SetAuthenticated installs a freshly captured snapshot, persists it
// durably, and transitions to Authenticated. The persistence failure path
// leaves the previous state untouched so a half-written store never backs
// a live Authenticated state.
func (m *Manager) SetAuthenticated(snap *Snapshot) error {
	if snap == nil || len(snap.Cookies) == 0 {
		return fmt.Errorf("refusing to authenticate with an empty snapshot")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.persistLocked(snap); err != nil {
		return fmt.Errorf("persist session snapshot: %w", err)
	}
	m.snapshot = snap
	m.state = Authenticated
	m.logger.Info("session authenticated",
		slog.Time("captured_at", snap.CapturedAt),
		slog.Int("cookies", len(snap.Cookies)))
	return nil
}

// MarkExpired records that the portal rejected the stored credentials.
// Only the Authenticated state transitions; calling it while already
// Expired (or Unauthenticated) is a no-op.
func (m *Manager) MarkExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Authenticated {
		return
	}
	m.state = Expired
	m.logger.Warn("session marked expired; re-authentication required")
}

// persistLocked writes the snapshot with write-temp-then-rename semantics
// and owner-only permissions. Callers hold m.mu.
func (m *Manager) persistLocked(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, ".session-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, m.path)
}
