// Package workspace persists the two JSON configuration files the rest of
// the system reads and writes: the global config (workspace list, current
// workspace, tunnel credentials, ASR keys) and each workspace's own
// `.worktree-manager.json`. Workspace config contents are treated as an
// opaque JSON object — this package owns only the read/write/cache
// discipline, not the meaning of any particular key.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	maxConfigFileBytes int64 = 1 << 20
	maxRenameRetry           = 10
	renameRetryBaseDelay     = 10 * time.Millisecond
	globalConfigDirName      = "worktree-manager"
	globalConfigFileName     = "global.json"
	workspaceConfigFileName  = ".worktree-manager.json"
)

// WorkspaceEntry is one entry in the global workspace list.
type WorkspaceEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// TunnelCredentials are the reverse-tunnel rendezvous server settings
// persisted across restarts.
type TunnelCredentials struct {
	ServerURL string `json:"serverUrl,omitempty"`
	Token     string `json:"token,omitempty"`
	Subdomain string `json:"subdomain,omitempty"`
}

// GlobalConfig is the single per-OS global config file's contents.
type GlobalConfig struct {
	Workspaces       []WorkspaceEntry  `json:"workspaces"`
	CurrentWorkspace string            `json:"currentWorkspace,omitempty"`
	Tunnel           TunnelCredentials `json:"tunnel,omitempty"`
	ASRKeys          map[string]string `json:"asrKeys,omitempty"`
}

// GlobalPath resolves the per-OS path to the global config file: Windows
// %APPDATA%\worktree-manager\global.json, Unix ~/.config/worktree-manager/global.json.
func GlobalPath() (string, error) {
	if runtime.GOOS == "windows" {
		base := strings.TrimSpace(os.Getenv("APPDATA"))
		if base == "" {
			return "", errors.New("workspace: APPDATA is not set")
		}
		return filepath.Join(base, globalConfigDirName, globalConfigFileName), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("workspace: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", globalConfigDirName, globalConfigFileName), nil
}

// WorkspaceConfigPath returns the per-workspace config file path under root.
func WorkspaceConfigPath(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, workspaceConfigFileName)
}

// Store owns the global config file, every workspace config file, and the
// single-entry read cache shared between them.
type Store struct {
	globalPath string

	cacheMu    sync.Mutex
	cacheKey   string
	cacheValue map[string]any
	cacheValid bool

	watcher *fsnotify.Watcher
}

// NewStore opens a Store rooted at the given global config path (normally
// the result of GlobalPath). If watchGlobal is true, a background fsnotify
// watch invalidates the cache when the global file changes outside this
// process.
func NewStore(globalPath string, watchGlobal bool) (*Store, error) {
	s := &Store{globalPath: globalPath}

	if watchGlobal {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("workspace: create watcher: %w", err)
		}
		dir := filepath.Dir(globalPath)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			w.Close()
			return nil, fmt.Errorf("workspace: mkdir config dir: %w", err)
		}
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("workspace: watch config dir: %w", err)
		}
		s.watcher = w
		go s.watchLoop()
	}

	return s, nil
}

// Close stops the background watcher, if any.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}

func (s *Store) watchLoop() {
	target := filepath.Base(s.globalPath)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			slog.Debug("[workspace] global config changed externally, invalidating cache", "op", ev.Op.String())
			s.invalidateCache()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("[workspace] fsnotify error", "error", err)
		}
	}
}

// LoadGlobal reads the global config file, returning an empty GlobalConfig
// if it does not yet exist.
func (s *Store) LoadGlobal() (GlobalConfig, error) {
	raw, err := readLimitedFile(s.globalPath, maxConfigFileBytes)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return GlobalConfig{}, nil
		}
		return GlobalConfig{}, err
	}
	if len(raw) == 0 {
		return GlobalConfig{}, nil
	}

	var cfg GlobalConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return GlobalConfig{}, fmt.Errorf("workspace: parse global config: %w", err)
	}
	return cfg, nil
}

// SaveGlobal atomically writes cfg to the global config file.
func (s *Store) SaveGlobal(cfg GlobalConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("workspace: marshal global config: %w", err)
	}
	if err := atomicWrite(s.globalPath, raw); err != nil {
		return err
	}
	s.invalidateCache()
	return nil
}

// GetWorkspaceConfig returns workspaceRoot's config as a generic JSON
// object, serving from the single-entry cache when the last access was for
// the same workspace. Returns an empty object if no config file exists yet.
func (s *Store) GetWorkspaceConfig(workspaceRoot string) (map[string]any, error) {
	if v, ok := s.cacheGet(workspaceRoot); ok {
		return v, nil
	}

	path := WorkspaceConfigPath(workspaceRoot)
	raw, err := readLimitedFile(path, maxConfigFileBytes)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			empty := map[string]any{}
			s.cacheSet(workspaceRoot, empty)
			return empty, nil
		}
		return nil, err
	}

	cfg := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("workspace: parse workspace config: %w", err)
		}
	}

	s.cacheSet(workspaceRoot, cfg)
	return cfg, nil
}

// SaveWorkspaceConfig atomically writes config for workspaceRoot and
// invalidates the single-entry cache (regardless of which workspace it held
// — the cache is single-slot, so any write simply clears it).
func (s *Store) SaveWorkspaceConfig(workspaceRoot string, config map[string]any) error {
	raw, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("workspace: marshal workspace config: %w", err)
	}
	if err := atomicWrite(WorkspaceConfigPath(workspaceRoot), raw); err != nil {
		return err
	}
	s.invalidateCache()
	return nil
}

// ConfigPathInfo answers get_config_path_info: the resolved global config
// path and, if workspaceRoot is non-empty, that workspace's config path.
type ConfigPathInfo struct {
	GlobalPath    string `json:"globalPath"`
	WorkspacePath string `json:"workspacePath,omitempty"`
}

// PathInfo returns the resolved config file locations.
func (s *Store) PathInfo(workspaceRoot string) ConfigPathInfo {
	info := ConfigPathInfo{GlobalPath: s.globalPath}
	if workspaceRoot != "" {
		info.WorkspacePath = WorkspaceConfigPath(workspaceRoot)
	}
	return info
}

func (s *Store) cacheGet(key string) (map[string]any, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if !s.cacheValid || s.cacheKey != key {
		return nil, false
	}
	return s.cacheValue, true
}

func (s *Store) cacheSet(key string, value map[string]any) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cacheKey = key
	s.cacheValue = value
	s.cacheValid = true
}

func (s *Store) invalidateCache() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cacheValid = false
	s.cacheValue = nil
	s.cacheKey = ""
}

func readLimitedFile(path string, maxBytes int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	limited := io.LimitReader(f, maxBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > maxBytes {
		return nil, fmt.Errorf("workspace: config file exceeds %d bytes", maxBytes)
	}
	return raw, nil
}

// atomicWrite writes data via temp-file + rename, retrying the rename on
// Windows where antivirus/indexer locks can transiently block it.
func atomicWrite(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("workspace: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config.json.tmp.*")
	if err != nil {
		return fmt.Errorf("workspace: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	defer func() {
		if tmp != nil {
			if closeErr := tmp.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
				slog.Warn("[workspace] failed to close temp file", "path", tmpPath, "error", closeErr)
			}
		}
		if err != nil {
			if rmErr := os.Remove(tmpPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				slog.Warn("[workspace] failed to remove temp file", "path", tmpPath, "error", rmErr)
			}
		}
	}()

	if err = tmp.Chmod(0o600); err != nil {
		return fmt.Errorf("workspace: chmod temp file: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("workspace: write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("workspace: sync temp file: %w", err)
	}
	err = tmp.Close()
	tmp = nil
	if err != nil {
		return fmt.Errorf("workspace: close temp file: %w", err)
	}

	if err = renameWithRetry(tmpPath, path); err != nil {
		return fmt.Errorf("workspace: rename: %w", err)
	}
	return nil
}

func renameWithRetry(src, dst string) error {
	var lastErr error
	for attempt := 0; attempt < maxRenameRetry; attempt++ {
		if err := os.Rename(src, dst); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if runtime.GOOS != "windows" {
			return lastErr
		}
		time.Sleep(time.Duration(attempt+1) * renameRetryBaseDelay)
	}
	return lastErr
}
