// Package worktree is the opaque command dispatcher that backs the
// worktree/git HTTP handlers: it turns workspace-scoped worktree names into
// internal/git.Repository calls and keeps the small amount of bookkeeping
// (which branch backs which name, archived or live) that git itself doesn't
// track. State is process-lifetime only; nothing here persists across
// restarts.
package worktree

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"wtshare/internal/git"
)

// Info describes one worktree tracked under a workspace.
type Info struct {
	Name           string   `json:"name"`
	ProjectPath    string   `json:"projectPath"`
	BranchName     string   `json:"branchName"`
	BaseBranch     string   `json:"baseBranch"`
	WorktreePath   string   `json:"worktreePath"`
	Archived       bool     `json:"archived"`
	LinkedProjects []string `json:"linkedProjects,omitempty"`
}

// StatusInfo answers check_worktree_status / get_main_workspace_status.
type StatusInfo struct {
	Branch                string   `json:"branch"`
	HasUncommittedChanges bool     `json:"hasUncommittedChanges"`
	HasUnpushedCommits    bool     `json:"hasUnpushedCommits"`
	AvailableBaseBranches []string `json:"availableBaseBranches,omitempty"`
}

// registry is the in-memory (workspacePath, name) -> Info table.
type registry struct {
	mu   sync.Mutex
	byWS map[string]map[string]*Info
}

func newRegistry() *registry {
	return &registry{byWS: make(map[string]map[string]*Info)}
}

func (r *registry) put(workspacePath string, info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byWS[workspacePath] == nil {
		r.byWS[workspacePath] = make(map[string]*Info)
	}
	cp := info
	r.byWS[workspacePath][info.Name] = &cp
}

func (r *registry) get(workspacePath, name string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.byWS[workspacePath][name]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

func (r *registry) delete(workspacePath, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byWS[workspacePath], name)
}

func (r *registry) list(workspacePath string) []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.byWS[workspacePath]))
	for _, info := range r.byWS[workspacePath] {
		out = append(out, *info)
	}
	return out
}

// Manager is the worktree command dispatcher for one process.
type Manager struct {
	reg *registry
}

// NewManager returns an empty worktree manager.
func NewManager() *Manager {
	return &Manager{reg: newRegistry()}
}

// ErrNotFound is returned when a worktree name is not registered for a
// workspace.
var ErrNotFound = fmt.Errorf("worktree: not found")

// Create opens projectPath as a git repository and adds a new worktree for
// name, branching from baseBranch (defaulting to the repository's current
// branch when empty).
func (m *Manager) Create(workspacePath, projectPath, name, baseBranch string) (Info, error) {
	repo, err := git.Open(projectPath)
	if err != nil {
		return Info{}, err
	}

	// Normalize to the repository root so Info.ProjectPath is canonical even
	// when the caller points at a subdirectory; Archive/Restore/DeleteArchived
	// reopen the repo from this stored path later.
	root, err := git.FindRepoRoot(projectPath)
	if err != nil {
		return Info{}, fmt.Errorf("worktree: resolve repo root: %w", err)
	}
	projectPath = root

	if baseBranch == "" {
		baseBranch, err = repo.CurrentBranch()
		if err != nil {
			return Info{}, fmt.Errorf("worktree: resolve base branch: %w", err)
		}
	}

	branchName := git.SanitizeCustomName(name)
	target := git.FindAvailableWorktreePath(git.GenerateWorktreePath(projectPath, branchName))

	if err := repo.CreateWorktree(target, branchName, baseBranch); err != nil {
		return Info{}, fmt.Errorf("worktree: create: %w", err)
	}

	info := Info{
		Name:         name,
		ProjectPath:  projectPath,
		BranchName:   branchName,
		BaseBranch:   baseBranch,
		WorktreePath: target,
	}
	m.reg.put(workspacePath, info)
	return info, nil
}

// List returns every worktree registered for workspacePath, optionally
// including archived ones.
func (m *Manager) List(workspacePath string, includeArchived bool) []Info {
	all := m.reg.list(workspacePath)
	if includeArchived {
		return all
	}
	out := all[:0]
	for _, info := range all {
		if !info.Archived {
			out = append(out, info)
		}
	}
	return out
}

// Archive force-removes the worktree's working directory while leaving its
// branch intact, so Restore can recreate the directory later without losing
// history. Any uncommitted changes are committed and pushed as a best-effort
// safety net first, so the force-remove never silently discards work; per
// spec.md §7's transient-I/O taxonomy a failed safety-net commit/push is
// logged and swallowed rather than blocking the archive itself.
func (m *Manager) Archive(workspacePath, name string) error {
	info, ok := m.reg.get(workspacePath, name)
	if !ok {
		return ErrNotFound
	}

	if wtRepo, err := git.Open(info.WorktreePath); err == nil {
		if dirty, err := wtRepo.HasUncommittedChanges(); err == nil && dirty {
			if err := wtRepo.CommitAll("wtshare: auto-commit before archive"); err != nil {
				slog.Warn("[worktree] archive: auto-commit failed, continuing", "name", name, "error", err)
			} else if err := wtRepo.Push(); err != nil {
				slog.Warn("[worktree] archive: push failed, continuing", "name", name, "error", err)
			}
		}
	}

	repo, err := git.Open(info.ProjectPath)
	if err != nil {
		return err
	}
	if err := repo.RemoveWorktreeForced(info.WorktreePath); err != nil {
		return fmt.Errorf("worktree: archive: %w", err)
	}
	info.Archived = true
	m.reg.put(workspacePath, info)
	return nil
}

// Restore recreates the working directory for a previously archived
// worktree from its preserved branch.
func (m *Manager) Restore(workspacePath, name string) (Info, error) {
	info, ok := m.reg.get(workspacePath, name)
	if !ok {
		return Info{}, ErrNotFound
	}
	repo, err := git.Open(info.ProjectPath)
	if err != nil {
		return Info{}, err
	}

	target := git.FindAvailableWorktreePath(info.WorktreePath)
	if err := repo.CreateWorktreeFromBranch(target, info.BranchName); err != nil {
		return Info{}, fmt.Errorf("worktree: restore: %w", err)
	}

	info.WorktreePath = target
	info.Archived = false
	m.reg.put(workspacePath, info)
	return info, nil
}

// DeleteArchived removes the branch backing a previously archived worktree
// and forgets it. Fails if the worktree is not currently archived.
func (m *Manager) DeleteArchived(workspacePath, name string) error {
	info, ok := m.reg.get(workspacePath, name)
	if !ok {
		return ErrNotFound
	}
	if !info.Archived {
		return fmt.Errorf("worktree: %q is not archived", name)
	}
	repo, err := git.Open(info.ProjectPath)
	if err != nil {
		return err
	}

	// A worktree's branch can coincide with the main checkout's current
	// branch (e.g. the worktree was created from it and the main checkout
	// later switched onto it too); git refuses to delete a branch that is
	// checked out. Detach the main checkout's HEAD first so deletion can
	// proceed regardless.
	if current, err := repo.CurrentBranch(); err == nil && current == info.BranchName {
		if err := repo.CheckoutDetachedHead(); err != nil {
			return fmt.Errorf("worktree: detach head before branch delete: %w", err)
		}
	}

	deleted, err := repo.CleanupLocalBranchIfOrphaned(info.BranchName)
	if err != nil {
		return fmt.Errorf("worktree: delete archived branch: %w", err)
	}
	if !deleted {
		if _, err := repo.DeleteLocalBranch(info.BranchName, true); err != nil {
			return fmt.Errorf("worktree: delete archived branch: %w", err)
		}
	}
	m.reg.delete(workspacePath, name)
	return nil
}

// CheckStatus reports uncommitted/unpushed state for a registered worktree.
func (m *Manager) CheckStatus(workspacePath, name string) (StatusInfo, error) {
	info, ok := m.reg.get(workspacePath, name)
	if !ok {
		return StatusInfo{}, ErrNotFound
	}
	return statusFor(info.WorktreePath)
}

// MainStatus reports uncommitted/unpushed state for the main project
// checkout itself (get_main_workspace_status), not any worktree under it,
// plus the list of branches suitable for the "base branch" picker shown
// before create_worktree.
func MainStatus(projectPath string) (StatusInfo, error) {
	status, err := statusFor(projectPath)
	if err != nil {
		return StatusInfo{}, err
	}

	repo, err := git.Open(projectPath)
	if err != nil {
		return StatusInfo{}, err
	}
	branches, err := repo.ListBranchesForWorktreeBase()
	if err != nil {
		return StatusInfo{}, fmt.Errorf("worktree: list base branch candidates: %w", err)
	}
	status.AvailableBaseBranches = branches
	return status, nil
}

func statusFor(path string) (StatusInfo, error) {
	repo, err := git.Open(path)
	if err != nil {
		return StatusInfo{}, err
	}
	branch, err := repo.CurrentBranch()
	if err != nil {
		return StatusInfo{}, err
	}
	uncommitted, err := repo.HasUncommittedChanges()
	if err != nil {
		return StatusInfo{}, err
	}
	unpushed, err := repo.HasUnpushedCommits()
	if err != nil {
		return StatusInfo{}, err
	}
	return StatusInfo{Branch: branch, HasUncommittedChanges: uncommitted, HasUnpushedCommits: unpushed}, nil
}

// AddProject links an additional project path to an existing worktree entry
// (a secondary repository checked out alongside the primary one, e.g. a
// shared docs repo), without creating any git state of its own.
func (m *Manager) AddProject(workspacePath, name, projectPath string) (Info, error) {
	info, ok := m.reg.get(workspacePath, name)
	if !ok {
		return Info{}, ErrNotFound
	}
	for _, p := range info.LinkedProjects {
		if p == projectPath {
			return info, nil
		}
	}
	info.LinkedProjects = append(info.LinkedProjects, projectPath)
	m.reg.put(workspacePath, info)
	return info, nil
}

// SwitchBranch checks out branchName in projectPath. If the branch does not
// already exist locally, it is created from baseBranch (checked out first,
// if given) at the current HEAD otherwise.
func SwitchBranch(projectPath, branchName, baseBranch string) error {
	if err := git.ValidateBranchName(branchName); err != nil {
		return err
	}
	repo, err := git.Open(projectPath)
	if err != nil {
		return err
	}

	branches, err := repo.ListBranches()
	if err != nil {
		return fmt.Errorf("worktree: list branches: %w", err)
	}
	for _, b := range branches {
		if b == branchName {
			// Best-effort: a stale local branch is still usable, so a pull
			// failure (offline, no upstream, conflicting remote history) is
			// logged and swallowed rather than blocking the checkout.
			if err := repo.Pull(); err != nil {
				slog.Warn("[worktree] switch_branch: pull failed, continuing with local branch", "branch", branchName, "error", err)
			}
			if _, err := git.RunGitCLIPublic(projectPath, []string{"checkout", branchName}); err != nil {
				return fmt.Errorf("worktree: checkout %q: %w", branchName, err)
			}
			return nil
		}
	}

	if baseBranch != "" {
		if _, err := git.RunGitCLIPublic(projectPath, []string{"checkout", baseBranch}); err != nil {
			return fmt.Errorf("worktree: checkout base %q: %w", baseBranch, err)
		}
	}
	return repo.CheckoutNewBranch(branchName)
}

// SyncWithBaseBranch brings baseBranch's local ref up to date from origin
// without disturbing the caller's current branch, so a subsequent
// create_worktree using baseBranch as its base branches from fresh history.
// Per spec.md §7's transient-I/O taxonomy: the pull is best-effort (logged
// and swallowed on failure — offline or no upstream shouldn't block worktree
// creation), while both checkouts are fatal and propagate, since a failed
// checkout leaves the repository's working branch in an unknown state that
// the caller must see.
func SyncWithBaseBranch(projectPath, baseBranch string) error {
	if err := git.ValidateBranchName(baseBranch); err != nil {
		return err
	}
	repo, err := git.Open(projectPath)
	if err != nil {
		return err
	}

	current, err := repo.CurrentBranch()
	if err != nil {
		return fmt.Errorf("worktree: determine current branch: %w", err)
	}

	if current != baseBranch {
		if _, err := git.RunGitCLIPublic(projectPath, []string{"checkout", baseBranch}); err != nil {
			return fmt.Errorf("worktree: checkout base %q: %w", baseBranch, err)
		}
	}

	if err := repo.Pull(); err != nil {
		slog.Warn("[worktree] sync_with_base_branch: pull failed", "baseBranch", baseBranch, "error", err)
	}

	if current != "" && current != baseBranch {
		if _, err := git.RunGitCLIPublic(projectPath, []string{"checkout", current}); err != nil {
			return fmt.Errorf("worktree: restore branch %q: %w", current, err)
		}
	}
	return nil
}

// CloneProject clones repoURL into destPath, which must not already exist.
func CloneProject(repoURL, destPath string) error {
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("worktree: destination already exists: %s", destPath)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("worktree: create parent dir: %w", err)
	}
	if _, err := git.RunGitCLIPublic("", []string{"clone", "--", repoURL, destPath}); err != nil {
		return fmt.Errorf("worktree: clone: %w", err)
	}
	return nil
}

// ScanLinkedFolders lists immediate subdirectories of projectPath that are
// themselves git repositories, the "linked folders" a worktree can be
// created alongside.
func ScanLinkedFolders(projectPath string) ([]string, error) {
	entries, err := os.ReadDir(projectPath)
	if err != nil {
		return nil, fmt.Errorf("worktree: scan linked folders: %w", err)
	}

	var linked []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		candidate := filepath.Join(projectPath, e.Name())
		if git.IsGitRepository(candidate) {
			linked = append(linked, candidate)
		}
	}
	return linked, nil
}
