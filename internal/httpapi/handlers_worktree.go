package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"wtshare/internal/worktree"
)

func handleListWorktrees(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req struct {
		IncludeArchived bool `json:"includeArchived"`
	}
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	root := resolveWorkspacePath(s, sessionID, r)
	return s.worktrees.List(root, req.IncludeArchived), nil
}

func handleGetMainWorkspaceStatus(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	root := resolveWorkspacePath(s, sessionID, r)
	if root == "" {
		return nil, badRequest("no workspace bound to this session")
	}
	status, err := worktree.MainStatus(root)
	if err != nil {
		return nil, badRequest("%v", err)
	}
	return status, nil
}

type createWorktreeRequest struct {
	Request struct {
		ProjectPath string `json:"projectPath"`
		Name        string `json:"name"`
		BaseBranch  string `json:"baseBranch"`
	} `json:"request"`
}

func handleCreateWorktree(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req createWorktreeRequest
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	if req.Request.ProjectPath == "" || req.Request.Name == "" {
		return nil, badRequest("projectPath and name are required")
	}
	root := resolveWorkspacePath(s, sessionID, r)
	info, err := s.worktrees.Create(root, req.Request.ProjectPath, req.Request.Name, req.Request.BaseBranch)
	if err != nil {
		return nil, badRequest("%v", err)
	}
	return info, nil
}

func worktreeNameRequest(body []byte) (string, *apiError) {
	var req struct {
		Name string `json:"name"`
	}
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return "", apiErr
	}
	if req.Name == "" {
		return "", badRequest("name is required")
	}
	return req.Name, nil
}

func handleArchiveWorktree(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	name, apiErr := worktreeNameRequest(body)
	if apiErr != nil {
		return nil, apiErr
	}
	root := resolveWorkspacePath(s, sessionID, r)
	if err := s.worktrees.Archive(root, name); err != nil {
		return nil, worktreeError(err)
	}
	return nil, nil
}

func handleCheckWorktreeStatus(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	name, apiErr := worktreeNameRequest(body)
	if apiErr != nil {
		return nil, apiErr
	}
	root := resolveWorkspacePath(s, sessionID, r)
	status, err := s.worktrees.CheckStatus(root, name)
	if err != nil {
		return nil, worktreeError(err)
	}
	return status, nil
}

func handleRestoreWorktree(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	name, apiErr := worktreeNameRequest(body)
	if apiErr != nil {
		return nil, apiErr
	}
	root := resolveWorkspacePath(s, sessionID, r)
	info, err := s.worktrees.Restore(root, name)
	if err != nil {
		return nil, worktreeError(err)
	}
	return info, nil
}

func handleDeleteArchivedWorktree(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	name, apiErr := worktreeNameRequest(body)
	if apiErr != nil {
		return nil, apiErr
	}
	root := resolveWorkspacePath(s, sessionID, r)
	if err := s.worktrees.DeleteArchived(root, name); err != nil {
		return nil, worktreeError(err)
	}
	return nil, nil
}

type addProjectToWorktreeRequest struct {
	Request struct {
		Name        string `json:"name"`
		ProjectPath string `json:"projectPath"`
	} `json:"request"`
}

func handleAddProjectToWorktree(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req addProjectToWorktreeRequest
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	if req.Request.Name == "" || req.Request.ProjectPath == "" {
		return nil, badRequest("name and projectPath are required")
	}
	root := resolveWorkspacePath(s, sessionID, r)
	info, err := s.worktrees.AddProject(root, req.Request.Name, req.Request.ProjectPath)
	if err != nil {
		return nil, worktreeError(err)
	}
	return info, nil
}

func worktreeError(err error) *apiError {
	if errors.Is(err, worktree.ErrNotFound) {
		return badRequest("worktree not found")
	}
	return conflict("%v", err)
}

type switchBranchRequest struct {
	Request struct {
		ProjectPath string `json:"projectPath"`
		BranchName  string `json:"branchName"`
		BaseBranch  string `json:"baseBranch"`
	} `json:"request"`
}

func handleSwitchBranch(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req switchBranchRequest
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	if req.Request.ProjectPath == "" || req.Request.BranchName == "" {
		return nil, badRequest("projectPath and branchName are required")
	}
	if err := worktree.SwitchBranch(req.Request.ProjectPath, req.Request.BranchName, req.Request.BaseBranch); err != nil {
		slog.Warn("[httpapi] switch_branch failed", "error", err)
		return nil, conflict("%v", err)
	}
	return nil, nil
}

type syncWithBaseBranchRequest struct {
	Request struct {
		ProjectPath string `json:"projectPath"`
		BaseBranch  string `json:"baseBranch"`
	} `json:"request"`
}

func handleSyncWithBaseBranch(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req syncWithBaseBranchRequest
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	if req.Request.ProjectPath == "" || req.Request.BaseBranch == "" {
		return nil, badRequest("projectPath and baseBranch are required")
	}
	if err := worktree.SyncWithBaseBranch(req.Request.ProjectPath, req.Request.BaseBranch); err != nil {
		slog.Warn("[httpapi] sync_with_base_branch failed", "error", err)
		return nil, conflict("%v", err)
	}
	return nil, nil
}

type cloneProjectRequest struct {
	Request struct {
		RepoURL  string `json:"repoUrl"`
		DestPath string `json:"destPath"`
	} `json:"request"`
}

func handleCloneProject(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req cloneProjectRequest
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	if req.Request.RepoURL == "" || req.Request.DestPath == "" {
		return nil, badRequest("repoUrl and destPath are required")
	}
	if err := worktree.CloneProject(req.Request.RepoURL, req.Request.DestPath); err != nil {
		return nil, conflict("%v", err)
	}
	return nil, nil
}

func handleScanLinkedFolders(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req struct {
		ProjectPath string `json:"projectPath"`
	}
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	if req.ProjectPath == "" {
		return nil, badRequest("projectPath is required")
	}
	linked, err := worktree.ScanLinkedFolders(req.ProjectPath)
	if err != nil {
		return nil, badRequest("%v", err)
	}
	return linked, nil
}
