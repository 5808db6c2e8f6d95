package httpapi

import "net/http"

// handlerFunc is one /api/<command> handler. A nil result with a nil error
// maps to 204; a non-nil result maps to 200 with a JSON body.
type handlerFunc func(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError)

// commandTable maps every command in the external command surface to its
// handler. Grounded on the teacher's CommandRouter dispatch-table pattern
// (internal/tmux/command_router.go), generalized from a map of tmux ops to a
// map of HTTP command names.
var commandTable = map[string]handlerFunc{
	// Workspace
	"list_workspaces":       handleListWorkspaces,
	"add_workspace":         handleAddWorkspace,
	"remove_workspace":      handleRemoveWorkspace,
	"create_workspace":      handleCreateWorkspace,
	"set_window_workspace":  handleSetWindowWorkspace,
	"get_current_workspace": handleGetCurrentWorkspace,
	"switch_workspace":      handleSwitchWorkspace,

	// Workspace config
	"get_workspace_config":  handleGetWorkspaceConfig,
	"save_workspace_config": handleSaveWorkspaceConfig,
	"get_config_path_info":  handleGetConfigPathInfo,

	// Worktree
	"list_worktrees":            handleListWorktrees,
	"get_main_workspace_status": handleGetMainWorkspaceStatus,
	"create_worktree":           handleCreateWorktree,
	"archive_worktree":          handleArchiveWorktree,
	"check_worktree_status":     handleCheckWorktreeStatus,
	"restore_worktree":          handleRestoreWorktree,
	"delete_archived_worktree":  handleDeleteArchivedWorktree,
	"add_project_to_worktree":   handleAddProjectToWorktree,

	// Git
	"switch_branch":         handleSwitchBranch,
	"sync_with_base_branch": handleSyncWithBaseBranch,
	"clone_project":         handleCloneProject,

	// Scan
	"scan_linked_folders": handleScanLinkedFolders,

	// System
	"open_in_terminal": handleOpenInTerminal,
	"open_in_editor":   handleOpenInEditor,
	"reveal_in_finder": handleRevealInFinder,
	"open_log_dir":     handleOpenLogDir,

	// Multi-window
	"get_opened_workspaces": handleGetOpenedWorkspaces,
	"unregister_window":     handleUnregisterWindow,
	"lock_worktree":         handleLockWorktree,
	"unlock_worktree":       handleUnlockWorktree,
	"get_locked_worktrees":  handleGetLockedWorktrees,
	"open_workspace_window": handleOpenWorkspaceWindow,

	// PTY
	"pty_create":        handlePtyCreate,
	"pty_write":         handlePtyWrite,
	"pty_read":          handlePtyRead,
	"pty_resize":        handlePtyResize,
	"pty_close":         handlePtyClose,
	"pty_exists":        handlePtyExists,
	"pty_close_by_path": handlePtyCloseByPath,

	// Auth
	"auth":                    handleAuth,
	"get_ws_reconnect_nonce": handleGetWSReconnectNonce,
}
