package wsserver

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"wtshare/internal/locks"
	"wtshare/internal/pty"
)

func newTestServer(t *testing.T) (*Hub, *pty.Manager, *locks.Table, *httptest.Server) {
	t.Helper()
	ptyMgr := pty.NewManager()
	lockTable := locks.NewTable()
	hub := NewHub(ptyMgr, lockTable)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeHTTP(w, r, r.URL.Query().Get("session_id"))
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(ptyMgr.CloseAll)

	return hub, ptyMgr, lockTable, srv
}

func dial(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(msg, &out))
	return out
}

func TestPtySubscribeForwardsOutput(t *testing.T) {
	_, ptyMgr, _, srv := newTestServer(t)
	require.NoError(t, ptyMgr.Create("pty-1", "", 80, 24))

	conn := dial(t, srv, "client-a")
	require.NoError(t, conn.WriteJSON(map[string]string{"type": TypePtySubscribe, "sessionId": "pty-1"}))

	require.NoError(t, ptyMgr.Write("pty-1", []byte("echo subscribe-marker\n")))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrame(t, conn, 5*time.Second)
		if frame["type"] != TypePtyOutput {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(frame["data"].(string))
		require.NoError(t, err)
		if strings.Contains(string(decoded), "subscribe-marker") {
			return
		}
	}
	t.Fatal("never observed expected pty_output frame")
}

func TestPtyWriteDeliversInputToSession(t *testing.T) {
	_, ptyMgr, _, srv := newTestServer(t)
	require.NoError(t, ptyMgr.Create("pty-2", "", 80, 24))

	ch, unsub, err := ptyMgr.Subscribe("pty-2")
	require.NoError(t, err)
	defer unsub()

	conn := dial(t, srv, "client-b")
	payload := base64.StdEncoding.EncodeToString([]byte("echo write-marker\n"))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": TypePtyWrite, "sessionId": "pty-2", "data": payload}))

	deadline := time.After(5 * time.Second)
	var collected []byte
	for {
		select {
		case chunk := <-ch:
			collected = append(collected, chunk...)
			if strings.Contains(string(collected), "write-marker") {
				return
			}
		case <-deadline:
			t.Fatalf("pty_write never reached the session, got %q", collected)
		}
	}
}

func TestSubscribeLocksSendsImmediateSnapshot(t *testing.T) {
	_, _, lockTable, srv := newTestServer(t)
	require.True(t, lockTable.LockWorktree("/ws/a", "feature-1", "sess-x"))

	conn := dial(t, srv, "client-c")
	require.NoError(t, conn.WriteJSON(map[string]string{"type": TypeSubscribeLocks, "workspacePath": "/ws/a"}))

	frame := readFrame(t, conn, 3*time.Second)
	require.Equal(t, TypeLockUpdate, frame["type"])
	require.Equal(t, "/ws/a", frame["workspacePath"])
	locksMap := frame["locks"].(map[string]any)
	require.Equal(t, "sess-x", locksMap["feature-1"])
}

func TestSubscribeLocksForwardsFutureMutations(t *testing.T) {
	_, _, lockTable, srv := newTestServer(t)

	conn := dial(t, srv, "client-d")
	require.NoError(t, conn.WriteJSON(map[string]string{"type": TypeSubscribeLocks, "workspacePath": "/ws/b"}))
	_ = readFrame(t, conn, 3*time.Second) // initial (empty) snapshot

	require.True(t, lockTable.LockWorktree("/ws/b", "feature-9", "sess-y"))

	frame := readFrame(t, conn, 3*time.Second)
	require.Equal(t, TypeLockUpdate, frame["type"])
	locksMap := frame["locks"].(map[string]any)
	require.Equal(t, "sess-y", locksMap["feature-9"])
}

func TestKickClosesConnectionAndSendsNotice(t *testing.T) {
	hub, _, _, srv := newTestServer(t)
	conn := dial(t, srv, "client-e")

	// Give the server a moment to register the connection before kicking.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": TypeSubscribeLocks, "workspacePath": "/ws/z"}))
	_ = readFrame(t, conn, 3*time.Second)

	hub.Kick("client-e", "revoked")

	frame := readFrame(t, conn, 3*time.Second)
	require.Equal(t, TypeKick, frame["type"])
	require.Equal(t, "revoked", frame["reason"])

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "connection should be closed after kick")
}

func TestConnectedSessionIDsTracksLiveConnections(t *testing.T) {
	hub, _, _, srv := newTestServer(t)
	require.Empty(t, hub.ConnectedSessionIDs())

	conn := dial(t, srv, "client-f")
	require.NoError(t, conn.WriteJSON(map[string]string{"type": TypeSubscribeLocks, "workspacePath": "/x"}))
	_ = readFrame(t, conn, 3*time.Second)

	require.Contains(t, hub.ConnectedSessionIDs(), "client-f")
}

func TestNewConnectionForSameSessionReplacesOld(t *testing.T) {
	_, _, _, srv := newTestServer(t)

	first := dial(t, srv, "client-g")
	require.NoError(t, first.WriteJSON(map[string]string{"type": TypeSubscribeLocks, "workspacePath": "/x"}))
	_ = readFrame(t, first, 3*time.Second)

	second := dial(t, srv, "client-g")
	require.NoError(t, second.WriteJSON(map[string]string{"type": TypeSubscribeLocks, "workspacePath": "/x"}))
	_ = readFrame(t, second, 3*time.Second)

	first.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := first.ReadMessage()
	require.Error(t, err, "original connection should be closed once replaced")
}
