// Package wsserver implements the multiplexed `/ws` endpoint: one WebSocket
// connection per authenticated client, carrying typed JSON text frames for
// PTY output streaming, worktree-lock and terminal-state snapshots, and
// session eviction notices.
package wsserver

import "encoding/json"

// Inbound frame types, sent by the client.
const (
	TypePtySubscribe   = "pty_subscribe"
	TypePtyUnsubscribe = "pty_unsubscribe"
	TypePtyWrite       = "pty_write"
	TypeSubscribeLocks = "subscribe_locks"
)

// Outbound frame types, sent by the server.
const (
	TypePtyOutput           = "pty_output"
	TypeLockUpdate          = "lock_update"
	TypeTerminalStateUpdate = "terminal-state-update"
	TypeKick                = "kick"
	voiceTypePrefix         = "voice-"
)

// inboundEnvelope is decoded first to read the discriminator, then the
// concrete fields are decoded from the same bytes into the matching type.
type inboundEnvelope struct {
	Type string `json:"type"`
}

type ptySubscribeMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type ptyUnsubscribeMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type ptyWriteMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type subscribeLocksMsg struct {
	Type          string `json:"type"`
	WorkspacePath string `json:"workspacePath"`
}

type ptyOutputFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"` // base64-encoded raw PTY bytes
}

type lockUpdateFrame struct {
	Type          string            `json:"type"`
	WorkspacePath string            `json:"workspacePath"`
	Locks         map[string]string `json:"locks"`
}

type terminalStateFrame struct {
	Type          string                    `json:"type"`
	WorkspacePath string                    `json:"workspacePath"`
	States        map[string]terminalStateJSON `json:"states"`
}

type terminalStateJSON struct {
	ActivatedTabs  []string `json:"activatedTabs"`
	ActiveTab      string   `json:"activeTab"`
	Visible        bool     `json:"visible"`
	OriginClientID string   `json:"originClientId"`
}

type kickFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// marshalOutbound is a thin wrapper kept for a single error-handling call
// site; every outbound frame type above marshals cleanly since none contain
// unsupported types (channels, functions).
func marshalOutbound(v any) ([]byte, error) {
	return json.Marshal(v)
}
