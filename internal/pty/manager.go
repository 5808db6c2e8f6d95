// Package pty owns a keyed pool of interactive shells, each backed by a
// pseudo-terminal, and exposes synchronous operations plus an asynchronous
// output stream (see wtshare/internal/broadcast).
package pty

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"wtshare/internal/broadcast"
	"wtshare/internal/terminal"
)

const (
	// pollBufferCapacity bounds how many unread output chunks accumulate for
	// a caller that uses Read (poll) instead of Subscribe (push). Beyond
	// this, newly produced chunks are dropped until Read drains the buffer;
	// Read is a best-effort polling mechanism, not a durable buffer.
	pollBufferCapacity = 256
)

// ErrUnknownSession is returned by operations addressing a session id that
// does not exist (or no longer exists).
var ErrUnknownSession = errors.New("pty: unknown session")

// Manager owns a keyed pool of PTY sessions. The zero value is not usable;
// construct with NewManager.
//
// Concurrency: mu guards only the sessions map (lookup + insert + delete).
// Writes and resizes are serialized by the session's terminal.Terminal,
// which has its own lock; the session's mutex guards only the poll
// subscription used by Read. The broadcast hub has its own internal mutex.
// Manager and session critical sections never span a broadcast send or any
// blocking I/O.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id   string
	term *terminal.Terminal
	hub  *broadcast.Hub[[]byte]

	mu         sync.Mutex
	pollCh     <-chan []byte
	pollUnsub  func()
	pollClosed bool
}

// NewManager creates an empty PTY manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*session)}
}

// Create opens a new PTY-backed shell under id, with working directory cwd
// and initial dimensions cols x rows. If id already exists, the existing
// session is closed first (its child is killed and reaped) before the new
// one is created.
func (m *Manager) Create(id string, cwd string, cols int, rows int) error {
	if id == "" {
		return errors.New("pty: session id must not be empty")
	}

	m.mu.Lock()
	existing := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if existing != nil {
		existing.close()
	}

	cfg := terminal.Config{
		Shell:   resolveShell(),
		Dir:     cwd,
		Env:     buildEnv(),
		Columns: cols,
		Rows:    rows,
	}

	term, err := terminal.Start(cfg)
	if err != nil {
		return fmt.Errorf("pty: create %q: %w", id, err)
	}

	sess := &session{
		id:   id,
		term: term,
		hub:  broadcast.New[[]byte](pollBufferCapacity),
	}
	sess.pollCh, sess.pollUnsub = sess.hub.Subscribe()

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	go sess.readLoop()

	slog.Info("[pty] session created", "id", id, "cwd", cwd, "cols", cols, "rows", rows)
	return nil
}

// readLoop reads output from the child until EOF/error, publishing each
// chunk to the broadcast hub, then closes the hub so every subscriber drains
// and terminates. Runs on a dedicated goroutine per session for the lifetime
// of the child.
func (s *session) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[pty] readLoop panic recovered", "id", s.id, "panic", r)
		}
		s.hub.Close()
	}()

	s.term.ReadLoop(func(chunk []byte) {
		// ReadLoop reuses its internal buffer across calls; copy before
		// handing it to the broadcast hub, whose subscribers read
		// asynchronously.
		cp := make([]byte, len(chunk))
		copy(cp, chunk)
		s.hub.Send(cp)
	})
}

func (s *session) close() {
	s.mu.Lock()
	if !s.pollClosed {
		s.pollClosed = true
		s.pollUnsub()
	}
	s.mu.Unlock()

	if err := s.term.Close(); err != nil {
		slog.Debug("[pty] close: terminal close returned error", "id", s.id, "error", err)
	}
}

func (m *Manager) lookup(id string) (*session, error) {
	m.mu.Lock()
	sess := m.sessions[id]
	m.mu.Unlock()
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return sess, nil
}

// Write appends data to the session's PTY master and flushes it to the
// child. Fails if id is unknown or the write itself fails.
func (m *Manager) Write(id string, data []byte) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}
	if _, err := sess.term.Write(data); err != nil {
		return fmt.Errorf("pty: write %q: %w", id, err)
	}
	return nil
}

// Read drains any output chunks currently buffered for this session's poll
// subscriber, without blocking, and returns the concatenation decoded as
// UTF-8-lossy text. Intended for callers that cannot hold a live broadcast
// subscription (e.g. simple request/response polling clients).
func (m *Manager) Read(id string) (string, error) {
	sess, err := m.lookup(id)
	if err != nil {
		return "", err
	}

	var out []byte
	for {
		select {
		case chunk, ok := <-sess.pollCh:
			if !ok {
				return strings.ToValidUTF8(string(out), "�"), nil
			}
			out = append(out, chunk...)
		default:
			return strings.ToValidUTF8(string(out), "�"), nil
		}
	}
}

// Subscribe returns a new broadcast receiver for this session's output,
// plus an unsubscribe function. Used by WebSocket forwarders that need live
// fan-out rather than polling.
func (m *Manager) Subscribe(id string) (<-chan []byte, func(), error) {
	sess, err := m.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	ch, unsub := sess.hub.Subscribe()
	return ch, unsub, nil
}

// Resize propagates new dimensions to the session's PTY master.
func (m *Manager) Resize(id string, cols int, rows int) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := sess.term.Resize(cols, rows); err != nil {
		return fmt.Errorf("pty: resize %q: %w", id, err)
	}
	return nil
}

// Close removes the session, killing and reaping its child. A no-op if id
// is unknown (this is a terminal operation, not an error to repeat).
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	sess := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if sess == nil {
		return nil
	}
	sess.close()
	slog.Info("[pty] session closed", "id", id)
	return nil
}

// Exists reports whether id currently has a live session.
func (m *Manager) Exists(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	return ok
}

// normalizePrefix replaces path separators and window-grouping characters
// with "-" so that prefixes supplied by any caller (shell path, UI route)
// compare uniformly against session ids.
func normalizePrefix(prefix string) string {
	r := strings.NewReplacer("/", "-", "#", "-")
	return r.Replace(prefix)
}

// CloseByPrefix normalizes "/" and "#" to "-" in prefix and closes every
// session whose id contains the normalized prefix. Returns the ids closed.
func (m *Manager) CloseByPrefix(prefix string) []string {
	normalized := normalizePrefix(prefix)

	m.mu.Lock()
	var matched []*session
	var ids []string
	for id, sess := range m.sessions {
		if strings.Contains(id, normalized) {
			matched = append(matched, sess)
			ids = append(ids, id)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, sess := range matched {
		sess.close()
	}
	if len(ids) > 0 {
		slog.Info("[pty] sessions closed by prefix", "prefix", normalized, "count", len(ids))
	}
	return ids
}

// CloseAll closes every live session. Intended for process shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}

// resolveShell picks the login shell to launch: an environment override
// first, else a platform default.
func resolveShell() string {
	if runtime.GOOS == "windows" {
		if comspec := os.Getenv("COMSPEC"); comspec != "" {
			return comspec
		}
		if ps, err := findOnPath("powershell.exe"); err == nil {
			return ps
		}
		return "cmd.exe"
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	if zsh, err := findOnPath("zsh"); err == nil {
		return zsh
	}
	return "/bin/bash"
}

// findOnPath resolves name via PATH lookup, abstracted for testability.
var findOnPath = func(name string) (string, error) {
	return exec.LookPath(name)
}

// buildEnv constructs a clean environment for the child shell: a fixed
// terminal-capability pair plus a small inherited allowlist, matching the
// variables a real interactive login shell expects to see.
func buildEnv() []string {
	env := []string{
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
	}
	for _, key := range []string{"LANG", "PATH", "HOME", "USER"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	if runtime.GOOS == "windows" {
		for _, key := range []string{"USERPROFILE", "APPDATA", "LOCALAPPDATA", "USERNAME", "SYSTEMROOT"} {
			if v, ok := os.LookupEnv(key); ok {
				env = append(env, key+"="+v)
			}
		}
	}
	return env
}
