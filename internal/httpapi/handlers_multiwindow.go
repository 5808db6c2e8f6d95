package httpapi

import "net/http"

func handleGetOpenedWorkspaces(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	s.windowMu.Lock()
	defer s.windowMu.Unlock()

	seen := make(map[string]bool)
	var paths []string
	for _, path := range s.windows {
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		paths = append(paths, path)
	}
	return paths, nil
}

func handleUnregisterWindow(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	s.windowMu.Lock()
	delete(s.windows, sessionID)
	s.windowMu.Unlock()

	s.locks.UnregisterWindow(sessionID)
	return nil, nil
}

type lockWorktreeRequest struct {
	WorkspacePath string `json:"workspacePath"`
	WorktreeName  string `json:"worktreeName"`
}

func handleLockWorktree(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req lockWorktreeRequest
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	if req.WorkspacePath == "" || req.WorktreeName == "" {
		return nil, badRequest("workspacePath and worktreeName are required")
	}
	if !s.locks.LockWorktree(req.WorkspacePath, req.WorktreeName, sessionID) {
		return nil, conflict("worktree %q is locked by another session", req.WorktreeName)
	}
	return nil, nil
}

func handleUnlockWorktree(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req lockWorktreeRequest
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	if req.WorkspacePath == "" || req.WorktreeName == "" {
		return nil, badRequest("workspacePath and worktreeName are required")
	}
	s.locks.UnlockWorktree(req.WorkspacePath, req.WorktreeName)
	return nil, nil
}

func handleGetLockedWorktrees(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req struct {
		WorkspacePath string `json:"workspacePath"`
	}
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	return s.locks.LockSnapshotFor(req.WorkspacePath), nil
}

func handleOpenWorkspaceWindow(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req struct {
		WorkspacePath string `json:"workspacePath"`
	}
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	if req.WorkspacePath == "" {
		return nil, badRequest("workspacePath is required")
	}
	s.windowMu.Lock()
	s.windows[sessionID] = req.WorkspacePath
	s.windowMu.Unlock()
	return nil, nil
}
