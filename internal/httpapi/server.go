// Package httpapi serves the command surface: a POST-per-command JSON API
// under /api/*, the /ws WebSocket upgrade, and static frontend assets,
// exactly the three jobs spec'd for the HTTP/HTTPS Server component.
package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"wtshare/internal/authsvc"
	"wtshare/internal/locks"
	"wtshare/internal/pty"
	"wtshare/internal/userutil"
	"wtshare/internal/worktree"
	"wtshare/internal/workspace"
	"wtshare/internal/wsserver"
)

const defaultSessionID = "web-default"

// maxRequestBodyBytes bounds a single /api/* request body.
const maxRequestBodyBytes = 8 << 20

// Server is the composed HTTP/HTTPS command dispatcher. It holds its own
// mutable share-state mirror (active, workspacePath, credential) rather than
// importing internal/share, since the Share Controller is meant to compose
// Server, not the other way around; internal/share calls Activate/Deactivate
// to keep this mirror in sync.
type Server struct {
	pty       *pty.Manager
	locks     *locks.Table
	worktrees *worktree.Manager
	store     *workspace.Store
	ws        *wsserver.Hub
	sessions  *authsvc.SessionSet
	limiter   *authsvc.RateLimiter
	nonces    *authsvc.NonceCache
	staticDir string

	mu            sync.Mutex
	active        bool
	workspacePath string
	credential    *authsvc.Credential

	windowMu  sync.Mutex
	windows   map[string]string // sessionID -> bound workspace path
}

// Deps bundles the components Server dispatches into.
type Deps struct {
	PTY       *pty.Manager
	Locks     *locks.Table
	Worktrees *worktree.Manager
	Store     *workspace.Store
	WS        *wsserver.Hub
	Sessions  *authsvc.SessionSet
	Limiter   *authsvc.RateLimiter
	StaticDir string
}

// NewServer wires a Server to its dependencies. Share state starts inactive.
func NewServer(d Deps) *Server {
	return &Server{
		pty:       d.PTY,
		locks:     d.Locks,
		worktrees: d.Worktrees,
		store:     d.Store,
		ws:        d.WS,
		sessions:  d.Sessions,
		limiter:   d.Limiter,
		nonces:    authsvc.NewNonceCache(),
		staticDir: d.StaticDir,
		windows:   make(map[string]string),
	}
}

// Activate records that a share is now live with the given bound workspace
// and credential, so the auth middleware and auto-binding logic pick it up.
// Called only by internal/share.Controller.
func (s *Server) Activate(workspacePath string, cred authsvc.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = true
	s.workspacePath = workspacePath
	c := cred
	s.credential = &c
}

// Deactivate clears the share-state mirror. Called only by
// internal/share.Controller.
func (s *Server) Deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	s.workspacePath = ""
	s.credential = nil
}

// SetCredential rederives the credential in place (update_share_password)
// without touching active/workspacePath.
func (s *Server) SetCredential(cred authsvc.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cred
	s.credential = &c
}

func (s *Server) shareState() (active bool, workspacePath string, cred *authsvc.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.workspacePath, s.credential
}

// ClearSessions revokes every authenticated session. Called by
// internal/share.Controller on stop_sharing and update_share_password.
func (s *Server) ClearSessions() {
	s.sessions.Clear()
}

// CloseAllConnections tears down every live WebSocket connection.
func (s *Server) CloseAllConnections() {
	s.ws.CloseAll()
}

// Kick revokes sessionID's authentication and closes its WebSocket, if any.
func (s *Server) Kick(sessionID, reason string) {
	s.sessions.Revoke(sessionID)
	s.ws.Kick(sessionID, reason)
}

// ConnectedSessionIDs lists every session id with a live WebSocket connection.
func (s *Server) ConnectedSessionIDs() []string {
	return s.ws.ConnectedSessionIDs()
}

// Handler builds the top-level mux: /api/*, /ws, and a static fallback.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/get_share_info", s.handleGetShareInfo)
	mux.HandleFunc("/api/", s.handleAPI)
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/", s.staticHandler())
	return mux
}

// sessionIDFromRequest reads the caller-supplied x-session-id header,
// sanitized through userutil.SanitizeUsername so an attacker-controlled
// header value can't inject control characters into structured log fields
// or the per-session window map's keys.
func sessionIDFromRequest(r *http.Request) string {
	if id := r.Header.Get("x-session-id"); id != "" {
		return userutil.SanitizeUsername(id)
	}
	return defaultSessionID
}

// isAuthExempt reports whether path never requires authentication.
func isAuthExempt(path string) bool {
	return path == "/api/auth" || path == "/api/get_share_info" || path == "/ws"
}

func (s *Server) isAuthenticated(sessionID string) bool {
	active, _, cred := s.shareState()
	if !active || cred == nil {
		return true
	}
	return s.sessions.IsAuthenticated(sessionID)
}

// bindWindow implements auto-binding: while a share is active and bound to a
// workspace, every API call associates the caller's session id with that
// workspace, so a remote session behaves like a local window focused there.
func (s *Server) bindWindow(sessionID string) {
	_, workspacePath, _ := s.shareState()
	if workspacePath == "" {
		return
	}
	s.windowMu.Lock()
	s.windows[sessionID] = workspacePath
	s.windowMu.Unlock()
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	command := strings.TrimPrefix(r.URL.Path, "/api/")
	sessionID := sessionIDFromRequest(r)

	if command != "auth" && !isAuthExempt(r.URL.Path) {
		if !s.isAuthenticated(sessionID) {
			writeError(w, unauthorized("authentication required"))
			return
		}
	}

	if command != "auth" {
		s.bindWindow(sessionID)
	}

	handler, ok := commandTable[command]
	if !ok {
		writeError(w, badRequest("unknown command: %s", command))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
	if err != nil {
		writeError(w, badRequest("read request body: %v", err))
		return
	}
	if int64(len(body)) > maxRequestBodyBytes {
		writeError(w, badRequest("request body too large"))
		return
	}

	result, apiErr := handler(s, r, sessionID, body)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	writeResult(w, result)
}

func (s *Server) handleGetShareInfo(w http.ResponseWriter, r *http.Request) {
	active, workspacePath, _ := s.shareState()
	if !active || workspacePath == "" {
		writeResult(w, map[string]string{"workspace_name": "", "workspace_path": ""})
		return
	}
	name := workspacePath
	if idx := strings.LastIndexAny(workspacePath, `/\`); idx >= 0 && idx+1 < len(workspacePath) {
		name = workspacePath[idx+1:]
	}
	writeResult(w, map[string]string{"workspace_name": name, "workspace_path": workspacePath})
}

// handleWS re-checks authentication at upgrade time. A client that already
// holds a fresh one-time nonce (minted by get_ws_reconnect_nonce while
// authenticated) may present it instead of a live session to survive a
// reconnect across a momentary session gap; the nonce is consumed on use.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = defaultSessionID
	} else {
		sessionID = userutil.SanitizeUsername(sessionID)
	}

	authed := s.isAuthenticated(sessionID)
	if !authed {
		if nonce := r.URL.Query().Get("reconnect_nonce"); nonce != "" && s.nonces.Redeem(nonce, time.Now()) {
			s.sessions.Admit(sessionID)
			authed = true
		}
	}
	if !authed {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.ws.ServeHTTP(w, r, sessionID)
}

func writeResult(w http.ResponseWriter, v any) {
	if v == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[httpapi] encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err *apiError) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(err.Status)
	_, _ = w.Write([]byte(err.Message))
}

// decodeBody unmarshals body into v, wrapping failures as a 400.
func decodeBody(body []byte, v any) *apiError {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}
