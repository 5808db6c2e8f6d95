package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// recvInactivityTimeout drops the socket if no frame (including a Ping) is
// seen for this long; the server is expected to Ping every 30s.
const recvInactivityTimeout = 45 * time.Second

// maxBackoff caps the reconnect backoff delay.
const maxBackoff = 30 * time.Second

// Config configures a Client.
type Config struct {
	ServerURL string // e.g. https://relay.example.com
	LocalPort int     // local HTTP/HTTPS Server port proxied requests target
	Token     string  // optional bearer-style token, sent as a query parameter
	Subdomain string
}

// ReconnectState tracks the tunnel's reconnect bookkeeping (spec.md §4.4):
// whether a reconnect attempt is in flight and how many have elapsed since
// the last successful connection.
type ReconnectState struct {
	mu           sync.Mutex
	reconnecting bool
	attempt      int
}

func (r *ReconnectState) begin() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnecting = true
	r.attempt++
	return r.attempt
}

func (r *ReconnectState) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnecting = false
	r.attempt = 0
}

func (r *ReconnectState) snapshot() (reconnecting bool, attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconnecting, r.attempt
}

// Client is the Reverse Tunnel Client: one outbound WebSocket session at a
// time, reconnecting with exponential backoff on unexpected disconnect.
type Client struct {
	cfg        Config
	httpClient *http.Client

	reconnect ReconnectState

	mu        sync.Mutex
	connected bool
	publicURL string

	shutdownCh       chan struct{}
	shutdownOnce     sync.Once
	manualReconnectCh chan struct{}
}

// New constructs a Client. Call Run to start the connect/session loop.
func New(cfg Config) *Client {
	return &Client{
		cfg:              cfg,
		httpClient:       &http.Client{},
		shutdownCh:       make(chan struct{}),
		manualReconnectCh: make(chan struct{}, 1),
	}
}

// Connected reports whether a tunnel session is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// PublicURL returns the externally reachable URL once connected, or "" if
// not yet connected.
func (c *Client) PublicURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publicURL
}

// ReconnectStatus reports whether a reconnect is currently in flight and how
// many attempts have elapsed since the last successful connection.
func (c *Client) ReconnectStatus() (reconnecting bool, attempt int) {
	return c.reconnect.snapshot()
}

func (c *Client) setConnected(v bool, publicURL string) {
	c.mu.Lock()
	c.connected = v
	if v {
		c.publicURL = publicURL
	} else {
		c.publicURL = ""
	}
	c.mu.Unlock()
}

// Shutdown signals Run to stop. Safe to call multiple times.
func (c *Client) Shutdown() {
	c.shutdownOnce.Do(func() { close(c.shutdownCh) })
}

// ManualReconnect requests an immediate reconnect attempt, resetting backoff
// to its initial state. If Run is not currently backing off, the request is
// held (at most one) and cuts the next backoff short; further requests made
// while one is already held are dropped.
func (c *Client) ManualReconnect() {
	select {
	case c.manualReconnectCh <- struct{}{}:
	default:
	}
}

// Run dials the rendezvous server and runs session loops until Shutdown is
// called. The first connection attempt is treated as a configuration error:
// on failure Run returns immediately without entering the reconnect loop.
// Every subsequent disconnect is retried with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	conn, disco, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("tunnel: initial connect failed: %w", err)
	}

	publicURL := PublicURL(c.cfg.ServerURL, disco.TunnelDomainTemplate, c.cfg.Subdomain)
	c.setConnected(true, publicURL)
	slog.Info("[tunnel] connected", "url", publicURL)

	for {
		err := c.runSession(ctx, conn)
		c.setConnected(false, "")
		c.reconnect.reset()

		select {
		case <-c.shutdownCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		slog.Warn("[tunnel] session ended, reconnecting", "error", err)

		conn, err = c.reconnectLoop(ctx)
		if err != nil {
			// Only returned on shutdown/ctx cancellation.
			return nil
		}
		c.setConnected(true, publicURL)
		slog.Info("[tunnel] reconnected")
	}
}

// reconnectLoop backs off and retries dialing until it succeeds or the
// client is told to stop.
func (c *Client) reconnectLoop(ctx context.Context) (*websocket.Conn, error) {
	for {
		attempt := c.reconnect.begin()
		delay := backoffDelay(attempt)

		timer := time.NewTimer(delay)
		select {
		case <-c.shutdownCh:
			timer.Stop()
			return nil, fmt.Errorf("tunnel: shutdown during backoff")
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-c.manualReconnectCh:
			timer.Stop()
			c.reconnect.reset()
		case <-timer.C:
		}

		conn, _, err := c.dial(ctx)
		if err == nil {
			c.reconnect.reset()
			return conn, nil
		}
		slog.Warn("[tunnel] reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

func backoffDelay(attempt int) time.Duration {
	d := time.Duration(1) << uint(attempt-1)
	capped := d * time.Second
	if capped > maxBackoff || capped <= 0 {
		capped = maxBackoff
	}
	return capped
}

// dial runs discovery then opens the WebSocket connection.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, discoveryResponse, error) {
	disco := discover(ctx, c.httpClient, c.cfg.ServerURL)

	wsURL, err := connectURL(c.cfg.ServerURL, disco.TunnelWSPath, c.cfg.Token, c.cfg.Subdomain)
	if err != nil {
		return nil, disco, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, disco, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	return conn, disco, nil
}

// session is one live connection's mutable state: the stream table for
// proxied WebSockets and the write serialization the connection needs.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	streams *streamTable
}

func (s *session) send(v any) {
	payload, err := marshalOutbound(v)
	if err != nil {
		slog.Warn("[tunnel] marshal outbound frame failed", "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		slog.Debug("[tunnel] write failed", "error", err)
	}
}

// runSession reads frames from conn until it closes, the inactivity timeout
// elapses, or shutdown is signalled; it always tears conn down on return.
func (c *Client) runSession(ctx context.Context, conn *websocket.Conn) error {
	sess := &session{conn: conn, streams: newStreamTable()}
	defer func() {
		sess.streams.closeAll()
		conn.Close()
	}()

	done := make(chan struct{})
	go func() {
		select {
		case <-c.shutdownCh:
		case <-ctx.Done():
		case <-done:
			return
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		conn.Close()
	}()
	defer close(done)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(recvInactivityTimeout)); err != nil {
			return err
		}
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.handleFrame(sess, raw)
	}
}

func (c *Client) handleFrame(sess *session, raw []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slog.Debug("[tunnel] invalid JSON frame", "error", err)
		return
	}

	switch env.Type {
	case TypeHTTPRequest:
		var frame httpRequestFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		go func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("[tunnel] HTTP proxy panic recovered", "requestId", frame.RequestID, "panic", r, "stack", string(debug.Stack()))
				}
			}()
			sess.send(proxyHTTP(c.cfg.LocalPort, frame))
		}()
	case TypeWSOpen:
		var frame wsOpenFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		go func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("[tunnel] WS proxy open panic recovered", "streamId", frame.StreamID, "panic", r, "stack", string(debug.Stack()))
				}
			}()
			sess.openWSStream(frame, c.cfg.LocalPort)
		}()
	case TypeWSFrame:
		var frame wsFrameFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		sess.forwardToLocal(frame)
	case TypeWSClose:
		var frame wsCloseFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		sess.handleRemoteWSClose(frame.StreamID)
	case TypePing:
		var frame pingFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		sess.send(pongFrame{Type: TypePong, Timestamp: frame.Timestamp})
	default:
		slog.Debug("[tunnel] unknown frame type", "type", env.Type)
	}
}
