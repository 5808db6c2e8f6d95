package httpapi

import (
	"net/http"

	"wtshare/internal/workspace"
)

func handleListWorkspaces(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	cfg, err := s.store.LoadGlobal()
	if err != nil {
		return nil, badRequest("%v", err)
	}
	return cfg.Workspaces, nil
}

type addWorkspaceRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

func handleAddWorkspace(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req addWorkspaceRequest
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	if req.Path == "" {
		return nil, badRequest("path is required")
	}

	cfg, err := s.store.LoadGlobal()
	if err != nil {
		return nil, badRequest("%v", err)
	}
	for _, w := range cfg.Workspaces {
		if w.Path == req.Path {
			return nil, conflict("workspace already registered: %s", req.Path)
		}
	}
	cfg.Workspaces = append(cfg.Workspaces, workspace.WorkspaceEntry{Name: req.Name, Path: req.Path})
	if err := s.store.SaveGlobal(cfg); err != nil {
		return nil, badRequest("%v", err)
	}
	return nil, nil
}

type removeWorkspaceRequest struct {
	Path string `json:"path"`
}

func handleRemoveWorkspace(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req removeWorkspaceRequest
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}

	cfg, err := s.store.LoadGlobal()
	if err != nil {
		return nil, badRequest("%v", err)
	}
	kept := cfg.Workspaces[:0]
	for _, w := range cfg.Workspaces {
		if w.Path != req.Path {
			kept = append(kept, w)
		}
	}
	cfg.Workspaces = kept
	if cfg.CurrentWorkspace == req.Path {
		cfg.CurrentWorkspace = ""
	}
	if err := s.store.SaveGlobal(cfg); err != nil {
		return nil, badRequest("%v", err)
	}
	return nil, nil
}

type createWorkspaceRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

func handleCreateWorkspace(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req createWorkspaceRequest
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	if req.Path == "" {
		return nil, badRequest("path is required")
	}
	return handleAddWorkspace(s, r, sessionID, body)
}

type setWindowWorkspaceRequest struct {
	WorkspacePath string `json:"workspacePath"`
}

func handleSetWindowWorkspace(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req setWindowWorkspaceRequest
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	s.windowMu.Lock()
	s.windows[sessionID] = req.WorkspacePath
	s.windowMu.Unlock()
	return nil, nil
}

func handleGetCurrentWorkspace(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	s.windowMu.Lock()
	path, ok := s.windows[sessionID]
	s.windowMu.Unlock()
	if ok {
		return map[string]string{"path": path}, nil
	}

	cfg, err := s.store.LoadGlobal()
	if err != nil {
		return nil, badRequest("%v", err)
	}
	return map[string]string{"path": cfg.CurrentWorkspace}, nil
}

type switchWorkspaceRequest struct {
	Path string `json:"path"`
}

func handleSwitchWorkspace(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req switchWorkspaceRequest
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	cfg, err := s.store.LoadGlobal()
	if err != nil {
		return nil, badRequest("%v", err)
	}
	cfg.CurrentWorkspace = req.Path
	if err := s.store.SaveGlobal(cfg); err != nil {
		return nil, badRequest("%v", err)
	}

	s.windowMu.Lock()
	s.windows[sessionID] = req.Path
	s.windowMu.Unlock()
	return nil, nil
}
