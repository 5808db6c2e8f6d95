package tunnel

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// wsStream is one proxied local WebSocket connection, keyed by stream_id.
type wsStream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
}

func (s *wsStream) close() {
	s.closeOnce.Do(func() { s.conn.Close() })
}

// streamTable tracks every open proxied WebSocket for the current session.
type streamTable struct {
	mu      sync.Mutex
	streams map[string]*wsStream
}

func newStreamTable() *streamTable {
	return &streamTable{streams: make(map[string]*wsStream)}
}

func (t *streamTable) put(id string, s *wsStream) {
	t.mu.Lock()
	t.streams[id] = s
	t.mu.Unlock()
}

func (t *streamTable) get(id string) (*wsStream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[id]
	return s, ok
}

func (t *streamTable) evict(id string) {
	t.mu.Lock()
	delete(t.streams, id)
	t.mu.Unlock()
}

func (t *streamTable) closeAll() {
	t.mu.Lock()
	streams := t.streams
	t.streams = make(map[string]*wsStream)
	t.mu.Unlock()
	for _, s := range streams {
		s.close()
	}
}

// openWSStream dials ws://localhost:{port}{path}, registers it under
// streamID, and spawns the forwarder that reads local frames and ships them
// back as WsFrame over send. Returns an error frame instead of opening when
// the local dial fails.
func (sess *session) openWSStream(frame wsOpenFrame, port int) {
	headers := http.Header{}
	for k, v := range frame.Headers {
		if hopByHopHeaders[lowerHeader(k)] {
			continue
		}
		headers.Set(k, v)
	}

	target := fmt.Sprintf("ws://localhost:%d%s", port, frame.Path)
	conn, _, err := websocket.DefaultDialer.Dial(target, headers)
	if err != nil {
		sess.send(wsErrorFrame{Type: TypeWSError, StreamID: frame.StreamID, Error: err.Error()})
		return
	}

	stream := &wsStream{conn: conn}
	sess.streams.put(frame.StreamID, stream)
	sess.send(wsOpenedFrame{Type: TypeWSOpened, StreamID: frame.StreamID})

	go sess.pumpLocalToRemote(frame.StreamID, stream)
}

// pumpLocalToRemote reads frames from the local WebSocket and forwards them
// as base64 WsFrame messages until the local socket closes.
func (sess *session) pumpLocalToRemote(streamID string, stream *wsStream) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[tunnel] pumpLocalToRemote panic recovered", "streamId", streamID, "panic", r, "stack", string(debug.Stack()))
		}
		sess.closeStream(streamID, stream)
	}()

	for {
		_, data, err := stream.conn.ReadMessage()
		if err != nil {
			return
		}
		sess.send(wsFrameFrame{
			Type:     TypeWSFrame,
			StreamID: streamID,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
}

// forwardToLocal writes an inbound WsFrame's payload to the proxied local
// WebSocket, choosing Text when the decoded bytes are valid UTF-8 else
// Binary.
func (sess *session) forwardToLocal(frame wsFrameFrame) {
	stream, ok := sess.streams.get(frame.StreamID)
	if !ok {
		return
	}
	data, err := base64.StdEncoding.DecodeString(frame.Data)
	if err != nil {
		slog.Debug("[tunnel] WsFrame: invalid base64", "streamId", frame.StreamID, "error", err)
		return
	}

	msgType := websocket.BinaryMessage
	if utf8.Valid(data) {
		msgType = websocket.TextMessage
	}

	stream.writeMu.Lock()
	err = stream.conn.WriteMessage(msgType, data)
	stream.writeMu.Unlock()
	if err != nil {
		sess.closeStream(frame.StreamID, stream)
	}
}

// closeStream tears the local connection down, evicts it from the table,
// and emits exactly one WsClose to the server.
func (sess *session) closeStream(streamID string, stream *wsStream) {
	if _, ok := sess.streams.get(streamID); !ok {
		return
	}
	sess.streams.evict(streamID)
	stream.close()
	sess.send(wsCloseFrame{Type: TypeWSClose, StreamID: streamID})
}

func (sess *session) handleRemoteWSClose(streamID string) {
	stream, ok := sess.streams.get(streamID)
	if !ok {
		return
	}
	sess.streams.evict(streamID)
	stream.close()
}
