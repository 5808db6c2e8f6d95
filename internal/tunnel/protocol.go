// Package tunnel implements the Reverse Tunnel Client: one persistent
// outbound WebSocket to a rendezvous server that carries HTTP requests and
// WebSocket streams destined for the local HTTP/HTTPS Server, proxies them
// to localhost, and ships the responses back over the same socket.
package tunnel

import "encoding/json"

// Server -> Client frame types.
const (
	TypeHTTPRequest = "HttpRequest"
	TypeWSOpen      = "WsOpen"
	TypeWSFrame     = "WsFrame"
	TypeWSClose     = "WsClose"
	TypePing        = "Ping"
)

// Client -> Server frame types.
const (
	TypeHTTPResponse = "HttpResponse"
	TypeWSOpened     = "WsOpened"
	// TypeWSFrame and TypeWSClose are shared with the inbound set above.
	TypeWSError = "WsError"
	TypePong    = "Pong"
)

// inboundEnvelope is decoded first to read the discriminator; the concrete
// payload is then decoded from the same bytes into the matching type.
type inboundEnvelope struct {
	Type string `json:"type"`
}

type httpRequestFrame struct {
	Type      string            `json:"type"`
	RequestID string            `json:"request_id"`
	Method    string            `json:"method"`
	URI       string            `json:"uri"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body,omitempty"` // base64
}

type wsOpenFrame struct {
	Type     string            `json:"type"`
	StreamID string            `json:"stream_id"`
	Path     string            `json:"path"`
	Headers  map[string]string `json:"headers"`
}

type wsFrameFrame struct {
	Type     string `json:"type"`
	StreamID string `json:"stream_id"`
	Data     string `json:"data"` // base64
}

type wsCloseFrame struct {
	Type     string `json:"type"`
	StreamID string `json:"stream_id"`
}

type pingFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type httpResponseFrame struct {
	Type      string            `json:"type"`
	RequestID string            `json:"request_id"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body,omitempty"` // base64
}

type wsOpenedFrame struct {
	Type     string `json:"type"`
	StreamID string `json:"stream_id"`
}

type wsErrorFrame struct {
	Type     string `json:"type"`
	StreamID string `json:"stream_id"`
	Error    string `json:"error"`
}

type pongFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// hopByHopHeaders must be stripped from proxied requests and responses in
// both directions.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

func marshalOutbound(v any) ([]byte, error) {
	return json.Marshal(v)
}
