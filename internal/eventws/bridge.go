// Package eventws exposes the session event stream to host UIs over
// WebSocket and routes permission decisions back to the session manager.
package eventws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/workspace/agenthost/internal/events"
	"github.com/workspace/agenthost/internal/protocol"
)

// viewerWriteTimeout is the per-message write deadline for connected viewers.
const viewerWriteTimeout = 10 * time.Second

// defaultSendBuffer is the per-viewer channel buffer size. When the buffer is
// full, events are dropped for that viewer; the viewer can reconnect.
const defaultSendBuffer = 256

// PermissionResponder receives permission decisions from connected viewers.
// Satisfied by session.Manager.
type PermissionResponder interface {
	RespondPermission(sessionID string, requestID int64, outcome protocol.PermissionOutcome) error
}

// Bridge upgrades /events connections to WebSocket, fans the event stream out
// to every connected viewer, and accepts permission responses inbound.
type Bridge struct {
	emitter   *events.Emitter
	responder PermissionResponder
	token     string
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	viewers map[string]*viewer
}

// Config holds Bridge construction parameters.
type Config struct {
	Emitter   *events.Emitter
	Responder PermissionResponder
	// Token enables HS256 bearer authentication when non-empty.
	Token string
}

// NewBridge creates a Bridge. Authentication is disabled when cfg.Token is
// empty; the listener is expected to be loopback-only in that case.
func NewBridge(cfg Config) *Bridge {
	return &Bridge{
		emitter:   cfg.Emitter,
		responder: cfg.Responder,
		token:     cfg.Token,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local host bridge; the token check is the access control.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		viewers: make(map[string]*viewer),
	}
}

// viewer is a single WebSocket connection to the bridge.
type viewer struct {
	id     string
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

func (v *viewer) close() {
	v.once.Do(func() { close(v.done) })
}

// ServeHTTP handles the /events endpoint.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !b.authenticate(w, r) {
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("event bridge upgrade failed", "error", err)
		return
	}

	v := &viewer{
		id:     uuid.NewString(),
		conn:   conn,
		sendCh: make(chan []byte, defaultSendBuffer),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.viewers[v.id] = v
	b.mu.Unlock()

	sub := b.emitter.Subscribe()
	defer func() {
		sub.Close()
		b.mu.Lock()
		delete(b.viewers, v.id)
		b.mu.Unlock()
		v.close()
		_ = conn.Close()
		slog.Info("event viewer disconnected", "viewerID", v.id)
	}()

	slog.Info("event viewer connected", "viewerID", v.id)

	go b.writePump(v)
	go b.forwardEvents(v, sub)

	// Read loop: permission responses inbound, everything else dropped.
	// Reading is also how we notice the viewer going away.
	for {
		select {
		case <-v.done:
			return
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		b.handleInbound(v, data)
	}
}

// forwardEvents drains the viewer's event subscription into its send channel.
func (b *Bridge) forwardEvents(v *viewer, sub *events.Subscription) {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Error("failed to marshal event", "type", ev.Type, "error", err)
				continue
			}
			select {
			case v.sendCh <- data:
			case <-v.done:
				return
			default:
				// Buffer full; drop for this viewer rather than stall sessions.
				slog.Warn("event viewer send buffer full, dropping event",
					"viewerID", v.id, "type", ev.Type)
			}
		case <-v.done:
			return
		}
	}
}

// writePump drains the viewer's send channel and writes to its WebSocket.
// On write failure it signals done so the read loop exits promptly.
func (b *Bridge) writePump(v *viewer) {
	defer func() {
		v.close()
		_ = v.conn.Close()
	}()

	for {
		select {
		case data, ok := <-v.sendCh:
			if !ok {
				return
			}
			_ = v.conn.SetWriteDeadline(time.Now().Add(viewerWriteTimeout))
			if err := v.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Warn("event viewer write failed", "viewerID", v.id, "error", err)
				return
			}
		case <-v.done:
			return
		}
	}
}

// inboundFrame is the envelope for viewer-originated commands.
type inboundFrame struct {
	Type      string                     `json:"type"`
	SessionID string                     `json:"sessionId"`
	RequestID int64                      `json:"requestId"`
	Outcome   protocol.PermissionOutcome `json:"outcome"`
}

func (b *Bridge) handleInbound(v *viewer, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		b.sendError(v, "malformed frame: "+err.Error())
		return
	}

	switch frame.Type {
	case "respond_permission":
		if err := b.responder.RespondPermission(frame.SessionID, frame.RequestID, frame.Outcome); err != nil {
			b.sendError(v, err.Error())
		}
	case "ping":
		b.send(v, map[string]string{"type": "pong"})
	default:
		slog.Debug("dropping unknown viewer frame", "viewerID", v.id, "type", frame.Type)
	}
}

func (b *Bridge) send(v *viewer, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case v.sendCh <- data:
	case <-v.done:
	default:
	}
}

func (b *Bridge) sendError(v *viewer, msg string) {
	b.send(v, map[string]string{"type": "error", "error": msg})
}

// ViewerCount returns the number of connected viewers.
func (b *Bridge) ViewerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.viewers)
}
