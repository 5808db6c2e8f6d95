package httpapi

import "net/http"

func handleGetWorkspaceConfig(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	root := resolveWorkspacePath(s, sessionID, r)
	if root == "" {
		return nil, badRequest("no workspace bound to this session")
	}
	cfg, err := s.store.GetWorkspaceConfig(root)
	if err != nil {
		return nil, badRequest("%v", err)
	}
	return cfg, nil
}

type saveWorkspaceConfigRequest struct {
	Config map[string]any `json:"config"`
}

func handleSaveWorkspaceConfig(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	root := resolveWorkspacePath(s, sessionID, r)
	if root == "" {
		return nil, badRequest("no workspace bound to this session")
	}
	var req saveWorkspaceConfigRequest
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	if err := s.store.SaveWorkspaceConfig(root, req.Config); err != nil {
		return nil, badRequest("%v", err)
	}
	return nil, nil
}

func handleGetConfigPathInfo(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	root := resolveWorkspacePath(s, sessionID, r)
	return s.store.PathInfo(root), nil
}

// resolveWorkspacePath returns the workspace bound to sessionID, via the
// multi-window map populated by set_window_workspace/switch_workspace or
// auto-binding.
func resolveWorkspacePath(s *Server, sessionID string, r *http.Request) string {
	s.windowMu.Lock()
	defer s.windowMu.Unlock()
	return s.windows[sessionID]
}
