package workspace

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "global.json"), false)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadGlobalReturnsEmptyWhenMissing(t *testing.T) {
	s := newTestStore(t)
	cfg, err := s.LoadGlobal()
	require.NoError(t, err)
	require.Empty(t, cfg.Workspaces)
}

func TestSaveAndLoadGlobalRoundTrips(t *testing.T) {
	s := newTestStore(t)
	cfg := GlobalConfig{
		Workspaces:       []WorkspaceEntry{{Name: "demo", Path: "/ws/demo"}},
		CurrentWorkspace: "/ws/demo",
		Tunnel:           TunnelCredentials{ServerURL: "https://relay.example.com", Token: "tok"},
		ASRKeys:          map[string]string{"whisper": "key-123"},
	}
	require.NoError(t, s.SaveGlobal(cfg))

	got, err := s.LoadGlobal()
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestGetWorkspaceConfigReturnsEmptyWhenMissing(t *testing.T) {
	s := newTestStore(t)
	cfg, err := s.GetWorkspaceConfig(t.TempDir())
	require.NoError(t, err)
	require.Empty(t, cfg)
}

func TestSaveAndGetWorkspaceConfigRoundTrips(t *testing.T) {
	s := newTestStore(t)
	root := t.TempDir()

	require.NoError(t, s.SaveWorkspaceConfig(root, map[string]any{"theme": "dark", "count": float64(3)}))

	got, err := s.GetWorkspaceConfig(root)
	require.NoError(t, err)
	require.Equal(t, "dark", got["theme"])
	require.Equal(t, float64(3), got["count"])
}

func TestGetWorkspaceConfigServesFromCacheOnRepeatedAccess(t *testing.T) {
	s := newTestStore(t)
	root := t.TempDir()
	require.NoError(t, s.SaveWorkspaceConfig(root, map[string]any{"v": float64(1)}))

	first, err := s.GetWorkspaceConfig(root)
	require.NoError(t, err)

	// Mutate the returned map; since it's the cached value, a second get must
	// reflect the mutation (proves it's served from cache, not re-read).
	first["v"] = float64(99)

	second, err := s.GetWorkspaceConfig(root)
	require.NoError(t, err)
	require.Equal(t, float64(99), second["v"])
}

func TestSaveWorkspaceConfigInvalidatesCache(t *testing.T) {
	s := newTestStore(t)
	root := t.TempDir()
	require.NoError(t, s.SaveWorkspaceConfig(root, map[string]any{"v": float64(1)}))

	_, err := s.GetWorkspaceConfig(root) // populate cache
	require.NoError(t, err)

	require.NoError(t, s.SaveWorkspaceConfig(root, map[string]any{"v": float64(2)}))

	got, err := s.GetWorkspaceConfig(root)
	require.NoError(t, err)
	require.Equal(t, float64(2), got["v"])
}

func TestPathInfoReportsBothPaths(t *testing.T) {
	s := newTestStore(t)
	info := s.PathInfo("/ws/demo")
	require.NotEmpty(t, info.GlobalPath)
	require.Equal(t, filepath.Join("/ws/demo", workspaceConfigFileName), info.WorkspacePath)
}

func TestPathInfoOmitsWorkspacePathWhenEmpty(t *testing.T) {
	s := newTestStore(t)
	info := s.PathInfo("")
	require.Empty(t, info.WorkspacePath)
}
