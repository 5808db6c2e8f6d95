// Package locks owns the Worktree Lock Table and the Terminal-State Cache,
// and broadcasts a full per-workspace snapshot after every mutation of
// either (spec.md §3, §4.6).
package locks

import (
	"sync"

	"wtshare/internal/broadcast"
)

// LockSnapshot is published whenever the lock table changes for a
// workspace: worktree name -> the session id holding it.
type LockSnapshot struct {
	WorkspacePath string
	Locks         map[string]string
}

// TerminalState reconciles UI focus across clients sharing one worktree.
type TerminalState struct {
	ActivatedTabs  []string
	ActiveTab      string
	Visible        bool
	OriginClientID string
}

// TerminalStateSnapshot is published whenever the terminal-state cache
// changes for a workspace: worktree name -> its current state.
type TerminalStateSnapshot struct {
	WorkspacePath string
	States        map[string]TerminalState
}

// Table is the Worktree Lock Table plus the Terminal-State Cache. The two
// live together because both are keyed by (workspace_path, worktree_name)
// and both broadcast a workspace-filtered snapshot on every mutation,
// sharing the same "compute under lock, publish after release" discipline.
type Table struct {
	mu sync.Mutex

	// locks[workspacePath][worktreeName] = sessionID holding the lock.
	locks map[string]map[string]string
	// states[workspacePath][worktreeName] = last known terminal state.
	states map[string]map[string]TerminalState

	lockHub  *broadcast.Hub[LockSnapshot]
	stateHub *broadcast.Hub[TerminalStateSnapshot]
}

// NewTable returns an empty lock table and terminal-state cache.
func NewTable() *Table {
	return &Table{
		locks:    make(map[string]map[string]string),
		states:   make(map[string]map[string]TerminalState),
		lockHub:  broadcast.New[LockSnapshot](broadcast.DefaultCapacity),
		stateHub: broadcast.New[TerminalStateSnapshot](broadcast.DefaultCapacity),
	}
}

// SubscribeLocks returns a receiver for lock-table snapshots across all
// workspaces; callers filter by WorkspacePath themselves (matching the
// WebSocket forwarder's own per-workspace filtering in spec.md §4.2).
func (t *Table) SubscribeLocks() (<-chan LockSnapshot, func()) {
	return t.lockHub.Subscribe()
}

// SubscribeTerminalState returns a receiver for terminal-state snapshots
// across all workspaces.
func (t *Table) SubscribeTerminalState() (<-chan TerminalStateSnapshot, func()) {
	return t.stateHub.Subscribe()
}

// LockSnapshotFor returns the current lock snapshot for workspacePath,
// usable to answer get_locked_worktrees and to seed a fresh subscribe_locks
// subscriber immediately, without waiting for the next mutation.
func (t *Table) LockSnapshotFor(workspacePath string) LockSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(workspacePath)
}

func (t *Table) snapshotLocked(workspacePath string) LockSnapshot {
	out := make(map[string]string, len(t.locks[workspacePath]))
	for name, sessionID := range t.locks[workspacePath] {
		out[name] = sessionID
	}
	return LockSnapshot{WorkspacePath: workspacePath, Locks: out}
}

// LockWorktree acquires the lock on (workspacePath, worktreeName) for
// sessionID. Returns false without acquiring if another session already
// holds it.
func (t *Table) LockWorktree(workspacePath, worktreeName, sessionID string) bool {
	var snapshot LockSnapshot
	ok := func() bool {
		t.mu.Lock()
		defer t.mu.Unlock()

		if t.locks[workspacePath] == nil {
			t.locks[workspacePath] = make(map[string]string)
		}
		if holder, locked := t.locks[workspacePath][worktreeName]; locked && holder != sessionID {
			return false
		}
		t.locks[workspacePath][worktreeName] = sessionID
		snapshot = t.snapshotLocked(workspacePath)
		return true
	}()

	if ok {
		t.lockHub.Send(snapshot)
	}
	return ok
}

// UnlockWorktree releases the lock on (workspacePath, worktreeName),
// regardless of which session held it.
func (t *Table) UnlockWorktree(workspacePath, worktreeName string) {
	t.mu.Lock()
	if t.locks[workspacePath] != nil {
		delete(t.locks[workspacePath], worktreeName)
	}
	snapshot := t.snapshotLocked(workspacePath)
	t.mu.Unlock()

	t.lockHub.Send(snapshot)
}

// UnregisterWindow releases every lock held by sessionID across every
// workspace, publishing one snapshot per affected workspace.
func (t *Table) UnregisterWindow(sessionID string) {
	t.mu.Lock()
	var affected []LockSnapshot
	for workspacePath, byWorktree := range t.locks {
		changed := false
		for worktreeName, holder := range byWorktree {
			if holder == sessionID {
				delete(byWorktree, worktreeName)
				changed = true
			}
		}
		if changed {
			affected = append(affected, t.snapshotLocked(workspacePath))
		}
	}
	t.mu.Unlock()

	for _, snapshot := range affected {
		t.lockHub.Send(snapshot)
	}
}

// BroadcastTerminalState updates the cached state for (workspacePath,
// worktreeName) and publishes the workspace's full snapshot.
func (t *Table) BroadcastTerminalState(workspacePath, worktreeName string, state TerminalState) {
	t.mu.Lock()
	if t.states[workspacePath] == nil {
		t.states[workspacePath] = make(map[string]TerminalState)
	}
	t.states[workspacePath][worktreeName] = state

	out := make(map[string]TerminalState, len(t.states[workspacePath]))
	for name, s := range t.states[workspacePath] {
		out[name] = s
	}
	snapshot := TerminalStateSnapshot{WorkspacePath: workspacePath, States: out}
	t.mu.Unlock()

	t.stateHub.Send(snapshot)
}
