package wsserver

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wtshare/internal/locks"
	"wtshare/internal/pty"
)

// writeDeadline bounds a single WebSocket write.
const writeDeadline = 5 * time.Second

// readDeadline is the maximum time the server waits for read activity
// (including pongs) before considering a connection dead.
const readDeadline = 90 * time.Second

// pingInterval is how often the server pings each connection; three missed
// pings exceed readDeadline.
const pingInterval = 30 * time.Second

// maxReadMessageSize bounds incoming frame size.
const maxReadMessageSize = 32 * 1024

var upgrader = websocket.Upgrader{
	// The LAN/tunnel listener is the access boundary; authentication has
	// already been re-checked before Upgrade is called (see httpapi), so
	// origin is not a meaningful second gate here.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Hub multiplexes every connected remote client's WebSocket over the PTY
// Manager's broadcast streams and the Lock Table's snapshot streams.
//
// Lock ordering (never acquire in reverse): mu -> a client's own writeMu.
// mu protects the conns map only; each client's writeMu serializes that
// client's WriteMessage calls, since gorilla/websocket connections are not
// safe for concurrent writers.
type Hub struct {
	pty   *pty.Manager
	locks *locks.Table

	mu    sync.Mutex
	conns map[string]*clientConn // sessionID -> connection
}

// NewHub wires a Hub to the PTY manager and lock table it forwards from,
// and starts a background forwarder that broadcasts every terminal-state
// mutation to all connected clients.
func NewHub(ptyMgr *pty.Manager, lockTable *locks.Table) *Hub {
	h := &Hub{
		pty:   ptyMgr,
		locks: lockTable,
		conns: make(map[string]*clientConn),
	}

	ch, _ := lockTable.SubscribeTerminalState()
	go func() {
		for snap := range ch {
			h.BroadcastTerminalState(snap)
		}
	}()

	return h
}

// clientConn is one upgraded connection and the forwarders it owns.
type clientConn struct {
	sessionID string
	conn      *websocket.Conn
	writeMu   sync.Mutex

	mu           sync.Mutex
	ptyUnsub     map[string]func() // PTY session id -> unsubscribe
	lockUnsub    func()
	closed       bool
}

// ServeHTTP upgrades the request to a WebSocket for sessionID and runs the
// connection until it disconnects. Callers (internal/httpapi) must have
// already verified authentication before calling this.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[ws] upgrade failed", "error", err, "sessionId", sessionID)
		return
	}

	conn.SetReadLimit(maxReadMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		slog.Warn("[ws] initial read deadline failed", "error", err)
		conn.Close()
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	cc := &clientConn{
		sessionID: sessionID,
		conn:      conn,
		ptyUnsub:  make(map[string]func()),
	}

	h.mu.Lock()
	old := h.conns[sessionID]
	h.conns[sessionID] = cc
	h.mu.Unlock()

	if old != nil {
		old.shutdown("replaced by new connection for same session")
	}

	slog.Info("[ws] client connected", "sessionId", sessionID, "remoteAddr", conn.RemoteAddr())

	pingDone := make(chan struct{})
	go h.pingLoop(cc, pingDone)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("[ws] connection handler panic recovered", "panic", r, "stack", string(debug.Stack()), "sessionId", sessionID)
		}
		close(pingDone)
		h.removeIfCurrent(cc)
		cc.shutdown("read pump exit")
		slog.Info("[ws] client disconnected", "sessionId", sessionID)
	}()

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("[ws] read error", "error", err, "sessionId", sessionID)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		h.handleInbound(cc, msg)
	}
}

func (h *Hub) removeIfCurrent(cc *clientConn) {
	h.mu.Lock()
	if h.conns[cc.sessionID] == cc {
		delete(h.conns, cc.sessionID)
	}
	h.mu.Unlock()
}

// handleInbound dispatches one decoded text frame from the client.
func (h *Hub) handleInbound(cc *clientConn, raw []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slog.Debug("[ws] invalid JSON frame", "error", err, "sessionId", cc.sessionID)
		return
	}

	switch env.Type {
	case TypePtySubscribe:
		var msg ptySubscribeMsg
		if err := json.Unmarshal(raw, &msg); err != nil || msg.SessionID == "" {
			return
		}
		h.subscribePTY(cc, msg.SessionID)
	case TypePtyUnsubscribe:
		var msg ptyUnsubscribeMsg
		if err := json.Unmarshal(raw, &msg); err != nil || msg.SessionID == "" {
			return
		}
		h.unsubscribePTY(cc, msg.SessionID)
	case TypePtyWrite:
		var msg ptyWriteMsg
		if err := json.Unmarshal(raw, &msg); err != nil || msg.SessionID == "" {
			return
		}
		data, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			slog.Debug("[ws] pty_write: invalid base64", "error", err)
			return
		}
		if err := h.pty.Write(msg.SessionID, data); err != nil {
			slog.Debug("[ws] pty_write failed", "error", err, "ptySessionId", msg.SessionID)
		}
	case TypeSubscribeLocks:
		var msg subscribeLocksMsg
		if err := json.Unmarshal(raw, &msg); err != nil || msg.WorkspacePath == "" {
			return
		}
		h.subscribeLocks(cc, msg.WorkspacePath)
	default:
		if strings.HasPrefix(env.Type, voiceTypePrefix) {
			// Voice/ASR bridge frames are accepted and ignored by this hub;
			// no voice bridge exists in this module.
			return
		}
		slog.Debug("[ws] unknown frame type", "type", env.Type, "sessionId", cc.sessionID)
	}
}

// subscribePTY attaches a forwarder piping ptySessionID's broadcast output
// into pty_output frames on cc, replacing any previous forwarder for the
// same PTY id on this connection.
func (h *Hub) subscribePTY(cc *clientConn, ptySessionID string) {
	ch, unsub, err := h.pty.Subscribe(ptySessionID)
	if err != nil {
		slog.Debug("[ws] pty_subscribe: unknown session", "ptySessionId", ptySessionID)
		return
	}

	cc.mu.Lock()
	if prev, ok := cc.ptyUnsub[ptySessionID]; ok {
		prev()
	}
	cc.ptyUnsub[ptySessionID] = unsub
	cc.mu.Unlock()

	go func() {
		for chunk := range ch {
			frame := ptyOutputFrame{
				Type:      TypePtyOutput,
				SessionID: ptySessionID,
				Data:      base64.StdEncoding.EncodeToString(chunk),
			}
			if !cc.writeJSON(frame) {
				return
			}
		}
	}()
}

func (h *Hub) unsubscribePTY(cc *clientConn, ptySessionID string) {
	cc.mu.Lock()
	unsub, ok := cc.ptyUnsub[ptySessionID]
	if ok {
		delete(cc.ptyUnsub, ptySessionID)
	}
	cc.mu.Unlock()

	if ok {
		unsub()
	}
}

// subscribeLocks emits an immediate snapshot for workspacePath, then
// attaches a forwarder for every future snapshot matching that workspace.
func (h *Hub) subscribeLocks(cc *clientConn, workspacePath string) {
	snapshot := h.locks.LockSnapshotFor(workspacePath)
	cc.writeJSON(lockUpdateFrame{Type: TypeLockUpdate, WorkspacePath: snapshot.WorkspacePath, Locks: snapshot.Locks})

	ch, unsub := h.locks.SubscribeLocks()

	cc.mu.Lock()
	if cc.lockUnsub != nil {
		cc.lockUnsub()
	}
	cc.lockUnsub = unsub
	cc.mu.Unlock()

	go func() {
		for snap := range ch {
			if snap.WorkspacePath != workspacePath {
				continue
			}
			if !cc.writeJSON(lockUpdateFrame{Type: TypeLockUpdate, WorkspacePath: snap.WorkspacePath, Locks: snap.Locks}) {
				return
			}
		}
	}()
}

// BroadcastTerminalState forwards a terminal-state snapshot to every
// connected client; each client filters nothing further since the cache
// mutation itself is already workspace-scoped by the caller.
func (h *Hub) BroadcastTerminalState(snapshot locks.TerminalStateSnapshot) {
	states := make(map[string]terminalStateJSON, len(snapshot.States))
	for name, s := range snapshot.States {
		states[name] = terminalStateJSON{
			ActivatedTabs:  s.ActivatedTabs,
			ActiveTab:      s.ActiveTab,
			Visible:        s.Visible,
			OriginClientID: s.OriginClientID,
		}
	}
	frame := terminalStateFrame{Type: TypeTerminalStateUpdate, WorkspacePath: snapshot.WorkspacePath, States: states}

	h.mu.Lock()
	conns := make([]*clientConn, 0, len(h.conns))
	for _, cc := range h.conns {
		conns = append(conns, cc)
	}
	h.mu.Unlock()

	for _, cc := range conns {
		cc.writeJSON(frame)
	}
}

// Kick sends a kick frame to sessionID's connection (if any) and tears it
// down. The authenticated-session revocation itself is the caller's
// responsibility (internal/share), so a client without a live connection is
// still fully evicted by that side effect alone.
func (h *Hub) Kick(sessionID, reason string) {
	h.mu.Lock()
	cc := h.conns[sessionID]
	delete(h.conns, sessionID)
	h.mu.Unlock()

	if cc == nil {
		return
	}
	cc.writeJSON(kickFrame{Type: TypeKick, SessionID: sessionID, Reason: reason})
	cc.shutdown("kicked")
}

// ConnectedSessionIDs lists every session id with a live WebSocket.
func (h *Hub) ConnectedSessionIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll tears down every connection. Used on stop_sharing.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*clientConn)
	h.mu.Unlock()

	for _, cc := range conns {
		cc.shutdown("share stopped")
	}
}

func (h *Hub) pingLoop(cc *clientConn, done <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[ws] pingLoop panic recovered", "panic", r, "stack", string(debug.Stack()))
			cc.shutdown("pingLoop panic")
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			cc.writeMu.Lock()
			if err := cc.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				cc.writeMu.Unlock()
				cc.shutdown("set write deadline failed")
				return
			}
			err := cc.conn.WriteMessage(websocket.PingMessage, nil)
			cc.conn.SetWriteDeadline(time.Time{})
			cc.writeMu.Unlock()

			if err != nil {
				slog.Debug("[ws] ping failed, connection likely dead", "error", err, "sessionId", cc.sessionID)
				cc.shutdown("ping failure")
				return
			}
		}
	}
}

// writeJSON marshals v and writes it as a text frame. Returns false if the
// write failed (connection is considered dead and already torn down).
func (cc *clientConn) writeJSON(v any) bool {
	payload, err := marshalOutbound(v)
	if err != nil {
		slog.Warn("[ws] marshal outbound frame failed", "error", err)
		return false
	}

	cc.writeMu.Lock()
	if err := cc.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		cc.writeMu.Unlock()
		cc.shutdown("set write deadline failed")
		return false
	}
	err = cc.conn.WriteMessage(websocket.TextMessage, payload)
	cc.conn.SetWriteDeadline(time.Time{})
	cc.writeMu.Unlock()

	if err != nil {
		cc.shutdown(fmt.Sprintf("write failed: %v", err))
		return false
	}
	return true
}

// shutdown tears down every forwarder owned by cc and closes the
// connection. Idempotent.
func (cc *clientConn) shutdown(reason string) {
	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return
	}
	cc.closed = true
	ptyUnsub := cc.ptyUnsub
	cc.ptyUnsub = nil
	lockUnsub := cc.lockUnsub
	cc.lockUnsub = nil
	cc.mu.Unlock()

	for _, unsub := range ptyUnsub {
		unsub()
	}
	if lockUnsub != nil {
		lockUnsub()
	}

	if err := cc.conn.Close(); err != nil {
		slog.Debug("[ws] connection close", "reason", reason, "error", err, "sessionId", cc.sessionID)
	}
}
