// Package sessionmgr gives every request an isolated workdir with a
// guaranteed cleanup path, and sweeps stale artefacts left behind by
// crashed processes.
package sessionmgr

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/lingotrack/transcriber/internal/logger"
)

// Config controls where session, download, and output artefacts live and
// how aggressively stale ones are swept.
type Config struct {
	SessionsRoot  string
	DownloadsRoot string
	OutputsRoot   string
	SweepInterval time.Duration
	SweepMaxAge   time.Duration
}

// Session is the lifetime of one transcription request: a UUID, an
// exclusively-owned workdir, and the input/output paths created inside it.
type Session struct {
	ID        string
	WorkDir   string
	StartedAt time.Time

	mu      sync.Mutex
	inputs  []string
	outputs []string
}

// AddInput records a file copied into the session's workdir.
func (s *Session) AddInput(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, path)
}

// AddOutput records an artefact produced during the session.
func (s *Session) AddOutput(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs = append(s.outputs, path)
}

// Inputs returns the files copied into the session so far.
func (s *Session) Inputs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.inputs))
	copy(out, s.inputs)
	return out
}

// CopyInput copies srcPath into the session workdir under a freshly
// UUID-prefixed name, so that two concurrent sessions uploading files with
// the same original name never collide.
func (s *Session) CopyInput(srcPath string) (string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("session %s: open input: %w", s.ID, err)
	}
	defer src.Close()

	destName := fmt.Sprintf("%s-%s", uuid.NewString(), filepath.Base(srcPath))
	destPath := filepath.Join(s.WorkDir, destName)
	dest, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("session %s: create input copy: %w", s.ID, err)
	}
	defer dest.Close()

	if _, err := io.Copy(dest, src); err != nil {
		return "", fmt.Errorf("session %s: copy input: %w", s.ID, err)
	}

	s.AddInput(destPath)
	return destPath, nil
}

// Manager owns the sessions-root directory tree: it is the only
// process-wide mutable state besides the admission engine cache, and it
// guards concurrent sessions by UUID subpaths rather than a shared lock.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Session

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates the sessions/downloads/outputs root directories and
// returns an unstarted Manager. Call StartSweeper to begin periodic and
// fsnotify-triggered sweeping.
func NewManager(cfg Config) (*Manager, error) {
	for _, dir := range []string{cfg.SessionsRoot, cfg.DownloadsRoot, cfg.OutputsRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sessionmgr: prepare %s: %w", dir, err)
		}
	}
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}, nil
}

// Open starts a new session: a UUID, an isolated workdir under
// SessionsRoot, and an entry in the manager's live-session table. Invariant:
// no two concurrent sessions share any filesystem path, because each gets
// its own UUID subdirectory.
func (m *Manager) Open() (*Session, error) {
	id := uuid.NewString()
	workDir := filepath.Join(m.cfg.SessionsRoot, id)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("sessionmgr: create workdir: %w", err)
	}

	s := &Session{ID: id, WorkDir: workDir, StartedAt: time.Now()}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	logger.Info("session_opened", "session_id", id, "workdir", workDir)
	return s, nil
}

// Close deletes the session's workdir unconditionally, on every exit path
// including panics recovered upstream, and removes it from the live table.
// A failure to remove is a non-fatal CleanupError: logged and absorbed, it
// never prevents the caller from returning an otherwise successful result.
func (m *Manager) Close(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	if err := os.RemoveAll(s.WorkDir); err != nil {
		logger.Warn("session_cleanup_failed", "session_id", s.ID, "workdir", s.WorkDir, "error", err)
		return
	}
	logger.Info("session_closed", "session_id", s.ID)
}

// StartSweeper launches the periodic sweep ticker and, when fsnotify can
// watch the configured roots, a second trigger that re-sweeps immediately
// after an out-of-band removal (operator intervention, disk-pressure
// script) instead of waiting for the next tick.
func (m *Manager) StartSweeper() {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("sweep_watcher_unavailable", "error", err)
	} else {
		m.watcher = watcher
		for _, dir := range []string{m.cfg.SessionsRoot, m.cfg.DownloadsRoot, m.cfg.OutputsRoot} {
			if err := watcher.Add(dir); err != nil {
				logger.Warn("sweep_watch_add_failed", "dir", dir, "error", err)
			}
		}
	}

	go m.sweepLoop(interval)
}

func (m *Manager) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if m.watcher != nil {
		events = m.watcher.Events
		errs = m.watcher.Errors
		defer m.watcher.Close()
	}

	m.sweepOnce()
	for {
		select {
		case <-ticker.C:
			m.sweepOnce()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&fsnotify.Remove != 0 {
				m.sweepOnce()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn("sweep_watcher_error", "error", err)
		case <-m.stopCh:
			return
		}
	}
}

// sweepOnce removes session directories, download cache entries, and
// output artefacts older than SweepMaxAge. An active session's workdir is
// never touched: it is only ever swept after Close has already removed it
// from the live table, at which point its directory (if still present)
// qualifies by age alone.
func (m *Manager) sweepOnce() {
	maxAge := m.cfg.SweepMaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	cutoff := time.Now().Add(-maxAge)

	for _, root := range []string{m.cfg.SessionsRoot, m.cfg.DownloadsRoot, m.cfg.OutputsRoot} {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			full := filepath.Join(root, entry.Name())
			if m.isLiveSessionDir(full) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				if err := os.RemoveAll(full); err != nil {
					logger.Warn("sweep_remove_failed", "path", full, "error", err)
					continue
				}
				logger.Info("sweep_removed", "path", full)
			}
		}
	}
}

func (m *Manager) isLiveSessionDir(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.WorkDir == path {
			return true
		}
	}
	return false
}

// Stop halts the sweep loop. Safe to call once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Stats reports live-session count and configured roots for the /stats
// endpoint.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"active_sessions": len(m.sessions),
		"sessions_root":   m.cfg.SessionsRoot,
		"downloads_root":  m.cfg.DownloadsRoot,
		"outputs_root":    m.cfg.OutputsRoot,
	}
}
