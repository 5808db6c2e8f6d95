package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wtshare/internal/authsvc"
	"wtshare/internal/locks"
	"wtshare/internal/pty"
	"wtshare/internal/worktree"
	"wtshare/internal/workspace"
	"wtshare/internal/wsserver"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	ptyMgr := pty.NewManager()
	lockTable := locks.NewTable()
	store, err := workspace.NewStore(filepath.Join(t.TempDir(), "global.json"), false)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	s := NewServer(Deps{
		PTY:       ptyMgr,
		Locks:     lockTable,
		Worktrees: worktree.NewManager(),
		Store:     store,
		WS:        wsserver.NewHub(ptyMgr, lockTable),
		Sessions:  authsvc.NewSessionSet(),
		Limiter:   authsvc.NewRateLimiter(5, time.Minute),
	})

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func postJSON(t *testing.T, srv *httptest.Server, path string, sessionID string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, &buf)
	require.NoError(t, err)
	if sessionID != "" {
		req.Header.Set("x-session-id", sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestListWorkspacesEmptyByDefault(t *testing.T) {
	_, srv := newTestServer(t)
	resp := postJSON(t, srv, "/api/list_workspaces", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var workspaces []workspace.WorkspaceEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&workspaces))
	require.Empty(t, workspaces)
}

func TestAddWorkspaceThenListReturnsIt(t *testing.T) {
	_, srv := newTestServer(t)
	resp := postJSON(t, srv, "/api/add_workspace", "", addWorkspaceRequest{Name: "demo", Path: "/ws/demo"})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = postJSON(t, srv, "/api/list_workspaces", "", nil)
	defer resp.Body.Close()
	var workspaces []workspace.WorkspaceEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&workspaces))
	require.Len(t, workspaces, 1)
	require.Equal(t, "/ws/demo", workspaces[0].Path)
}

func TestAddWorkspaceRejectsDuplicatePath(t *testing.T) {
	_, srv := newTestServer(t)
	req := addWorkspaceRequest{Name: "demo", Path: "/ws/demo"}
	postJSON(t, srv, "/api/add_workspace", "", req).Body.Close()

	resp := postJSON(t, srv, "/api/add_workspace", "", req)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestUnknownCommandReturns400(t *testing.T) {
	_, srv := newTestServer(t)
	resp := postJSON(t, srv, "/api/not_a_real_command", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthRequiredWhenShareActive(t *testing.T) {
	s, srv := newTestServer(t)
	cred, err := authsvc.NewCredential("hunter2")
	require.NoError(t, err)
	s.Activate("/ws/demo", cred)

	resp := postJSON(t, srv, "/api/list_workspaces", "anon", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthSucceedsAndAdmitsSession(t *testing.T) {
	s, srv := newTestServer(t)
	cred, err := authsvc.NewCredential("hunter2")
	require.NoError(t, err)
	s.Activate("/ws/demo", cred)

	resp := postJSON(t, srv, "/api/auth", "client-1", authRequest{Password: "hunter2"})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = postJSON(t, srv, "/api/list_workspaces", "client-1", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRejectsWrongPassword(t *testing.T) {
	s, srv := newTestServer(t)
	cred, err := authsvc.NewCredential("hunter2")
	require.NoError(t, err)
	s.Activate("/ws/demo", cred)

	resp := postJSON(t, srv, "/api/auth", "client-1", authRequest{Password: "wrong"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGetShareInfoExemptFromAuth(t *testing.T) {
	s, srv := newTestServer(t)
	cred, err := authsvc.NewCredential("hunter2")
	require.NoError(t, err)
	s.Activate("/ws/demo", cred)

	resp, err := http.Get(srv.URL + "/api/get_share_info")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	require.Equal(t, "demo", info["workspace_name"])
}

func TestPtyExistsFalseForUnknownSession(t *testing.T) {
	_, srv := newTestServer(t)
	resp := postJSON(t, srv, "/api/pty_exists", "", map[string]string{"sessionId": "s1"})
	defer resp.Body.Close()
	var exists map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&exists))
	require.False(t, exists["exists"])
}

func TestSwitchWorkspaceBindsCurrentWorkspace(t *testing.T) {
	_, srv := newTestServer(t)
	resp := postJSON(t, srv, "/api/switch_workspace", "client-1", switchWorkspaceRequest{Path: "/ws/demo"})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = postJSON(t, srv, "/api/get_current_workspace", "client-1", nil)
	defer resp.Body.Close()
	var current map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&current))
	require.Equal(t, "/ws/demo", current["path"])
}

func TestLockWorktreeRejectsConflictThroughAPI(t *testing.T) {
	_, srv := newTestServer(t)
	req := lockWorktreeRequest{WorkspacePath: "/ws/demo", WorktreeName: "feature-1"}

	resp := postJSON(t, srv, "/api/lock_worktree", "client-1", req)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = postJSON(t, srv, "/api/lock_worktree", "client-2", req)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}
