package httpapi

import (
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"wtshare/internal/procutil"
)

// launch starts a detached system tool (terminal, editor, file manager);
// failures surface as 400s since the caller is expected to retry or pick a
// different path, not treat this as a resource conflict.
func launch(name string, args ...string) *apiError {
	cmd := exec.Command(name, args...)
	procutil.HideWindow(cmd)
	if err := cmd.Start(); err != nil {
		return badRequest("launch %s: %v", name, err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

func handleOpenInTerminal(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req struct {
		Path string `json:"path"`
	}
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	if req.Path == "" {
		return nil, badRequest("path is required")
	}

	switch runtime.GOOS {
	case "windows":
		return nil, launch("cmd.exe", "/c", "start", "cmd.exe", "/k", "cd /d "+req.Path)
	case "darwin":
		return nil, launch("open", "-a", "Terminal", req.Path)
	default:
		return nil, launch("x-terminal-emulator", "--working-directory="+req.Path)
	}
}

type openInEditorRequest struct {
	Request struct {
		Path   string `json:"path"`
		Editor string `json:"editor"`
	} `json:"request"`
}

func handleOpenInEditor(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req openInEditorRequest
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	if req.Request.Path == "" {
		return nil, badRequest("path is required")
	}
	editor := req.Request.Editor
	if editor == "" {
		editor = "code"
	}
	return nil, launch(editor, req.Request.Path)
}

func handleRevealInFinder(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req struct {
		Path string `json:"path"`
	}
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	if req.Path == "" {
		return nil, badRequest("path is required")
	}

	switch runtime.GOOS {
	case "windows":
		return nil, launch("explorer", "/select,"+req.Path)
	case "darwin":
		return nil, launch("open", "-R", req.Path)
	default:
		return nil, launch("xdg-open", filepath.Dir(req.Path))
	}
}

func handleOpenLogDir(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	dir := logDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, badRequest("%v", err)
	}

	switch runtime.GOOS {
	case "windows":
		return nil, launch("explorer", dir)
	case "darwin":
		return nil, launch("open", dir)
	default:
		return nil, launch("xdg-open", dir)
	}
}

func logDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "worktree-manager", "logs")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "worktree-manager", "logs")
}
