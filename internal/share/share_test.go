package share

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wtshare/internal/authsvc"
	"wtshare/internal/httpapi"
	"wtshare/internal/locks"
	"wtshare/internal/pty"
	"wtshare/internal/worktree"
	"wtshare/internal/workspace"
	"wtshare/internal/wsserver"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	ptyMgr := pty.NewManager()
	lockTable := locks.NewTable()
	store, err := workspace.NewStore(filepath.Join(t.TempDir(), "global.json"), false)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	api := httpapi.NewServer(httpapi.Deps{
		PTY:       ptyMgr,
		Locks:     lockTable,
		Worktrees: worktree.NewManager(),
		Store:     store,
		WS:        wsserver.NewHub(ptyMgr, lockTable),
		Sessions:  authsvc.NewSessionSet(),
		Limiter:   authsvc.NewRateLimiter(5, time.Minute),
	})
	return New(api)
}

// freePort finds a currently-unused TCP port by binding and releasing it;
// there's an inherent race with whatever else may claim it before
// StartSharing gets there, but it's the same approach the teacher's tests
// use for ephemeral listener ports.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestStartSharingRejectsEmptyPassword(t *testing.T) {
	c := newTestController(t)
	_, err := c.StartSharing("/ws/demo", freePort(t), "")
	require.ErrorIs(t, err, ErrEmptyPassword)
}

func TestStartSharingRejectsLowPort(t *testing.T) {
	c := newTestController(t)
	_, err := c.StartSharing("/ws/demo", 80, "hunter2")
	require.Error(t, err)
}

func TestStartStopSharingLifecycle(t *testing.T) {
	c := newTestController(t)
	port := freePort(t)

	url, err := c.StartSharing("/ws/demo", port, "hunter2")
	require.NoError(t, err)
	require.Contains(t, url, fmt.Sprintf(":%d", port))
	require.True(t, c.Info().Active)

	client := &http.Client{
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
		Timeout:   5 * time.Second,
	}
	resp, err := client.Get(fmt.Sprintf("https://127.0.0.1:%d/api/get_share_info", port))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, c.StopSharing())
	require.False(t, c.Info().Active)

	// Stopping again is a no-op, not an error.
	require.NoError(t, c.StopSharing())
}

func TestStartSharingRejectsWhenAlreadyActive(t *testing.T) {
	c := newTestController(t)
	port := freePort(t)

	_, err := c.StartSharing("/ws/demo", port, "hunter2")
	require.NoError(t, err)
	t.Cleanup(func() { c.StopSharing() })

	_, err = c.StartSharing("/ws/other", freePort(t), "hunter2")
	require.ErrorIs(t, err, ErrAlreadyActive)
}

func TestStartSharingFailsWhenPortInUse(t *testing.T) {
	c := newTestController(t)
	port := freePort(t)

	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	require.NoError(t, err)
	defer ln.Close()

	_, err = c.StartSharing("/ws/demo", port, "hunter2")
	require.Error(t, err)
	require.False(t, c.Info().Active, "failed start must not leave partial share state")
}

func TestUpdateSharePasswordRequiresActiveShare(t *testing.T) {
	c := newTestController(t)
	err := c.UpdateSharePassword("newpass")
	require.ErrorIs(t, err, ErrNotActive)
}

func TestUpdateSharePasswordRejectsEmptyPassword(t *testing.T) {
	c := newTestController(t)
	port := freePort(t)
	_, err := c.StartSharing("/ws/demo", port, "hunter2")
	require.NoError(t, err)
	t.Cleanup(func() { c.StopSharing() })

	err = c.UpdateSharePassword("")
	require.ErrorIs(t, err, ErrEmptyPassword)
}

func TestUpdateSharePasswordForcesReauthentication(t *testing.T) {
	c := newTestController(t)
	port := freePort(t)
	_, err := c.StartSharing("/ws/demo", port, "hunter2")
	require.NoError(t, err)
	t.Cleanup(func() { c.StopSharing() })

	client := &http.Client{
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
		Timeout:   5 * time.Second,
	}

	authURL := fmt.Sprintf("https://127.0.0.1:%d/api/auth", port)
	resp, err := client.Post(authURL, "application/json", strings.NewReader(`{"password":"hunter2"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.NoError(t, c.UpdateSharePassword("newpass"))

	resp, err = client.Post(authURL, "application/json", strings.NewReader(`{"password":"hunter2"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "old password must no longer work")

	resp, err = client.Post(authURL, "application/json", strings.NewReader(`{"password":"newpass"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestKickAndConnectedClients(t *testing.T) {
	c := newTestController(t)
	require.Empty(t, c.ConnectedClients())
	c.Kick("nobody-connected", "test")
}

