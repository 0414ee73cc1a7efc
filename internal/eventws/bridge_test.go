package eventws

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/workspace/agenthost/internal/events"
	"github.com/workspace/agenthost/internal/protocol"
)

type recordedResponse struct {
	sessionID string
	requestID int64
	outcome   protocol.PermissionOutcome
}

type fakeResponder struct {
	calls chan recordedResponse
	err   error
}

func newFakeResponder() *fakeResponder {
	return &fakeResponder{calls: make(chan recordedResponse, 4)}
}

func (f *fakeResponder) RespondPermission(sessionID string, requestID int64, outcome protocol.PermissionOutcome) error {
	f.calls <- recordedResponse{sessionID: sessionID, requestID: requestID, outcome: outcome}
	return f.err
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialOK(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitForSubscriber(t *testing.T, emitter *events.Emitter) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for emitter.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("viewer never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame %q: %v", data, err)
	}
	return frame
}

func TestBridgeDeliversEvents(t *testing.T) {
	emitter := events.NewEmitter(16)
	bridge := NewBridge(Config{Emitter: emitter, Responder: newFakeResponder()})
	srv := httptest.NewServer(bridge)
	defer srv.Close()

	conn := dialOK(t, wsURL(srv))
	defer conn.Close()
	waitForSubscriber(t, emitter)

	emitter.Emit(events.Event{
		Type:      events.SessionStarted,
		TaskID:    "task-1",
		SessionID: "sess-1",
	})

	frame := readFrame(t, conn)
	if frame["type"] != string(events.SessionStarted) {
		t.Fatalf("unexpected frame type: %v", frame["type"])
	}
	if frame["sessionId"] != "sess-1" {
		t.Fatalf("unexpected session id: %v", frame["sessionId"])
	}
}

func TestBridgeRoutesPermissionResponses(t *testing.T) {
	emitter := events.NewEmitter(16)
	responder := newFakeResponder()
	bridge := NewBridge(Config{Emitter: emitter, Responder: responder})
	srv := httptest.NewServer(bridge)
	defer srv.Close()

	conn := dialOK(t, wsURL(srv))
	defer conn.Close()

	frame := `{"type":"respond_permission","sessionId":"sess-1","requestId":42,` +
		`"outcome":{"outcome":"selected","optionId":"allow"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case call := <-responder.calls:
		if call.sessionID != "sess-1" || call.requestID != 42 {
			t.Fatalf("unexpected call: %+v", call)
		}
		if call.outcome.Outcome != "selected" || call.outcome.OptionID != "allow" {
			t.Fatalf("outcome lost in transit: %+v", call.outcome)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("responder never called")
	}
}

func TestBridgeReportsResponderErrors(t *testing.T) {
	emitter := events.NewEmitter(16)
	responder := newFakeResponder()
	responder.err = errors.New("permission request not found: 1")
	bridge := NewBridge(Config{Emitter: emitter, Responder: responder})
	srv := httptest.NewServer(bridge)
	defer srv.Close()

	conn := dialOK(t, wsURL(srv))
	defer conn.Close()

	msg := `{"type":"respond_permission","sessionId":"s","requestId":1,"outcome":{"outcome":"cancelled"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}

	frame := readFrame(t, conn)
	if frame["type"] != "error" {
		t.Fatalf("expected error frame, got %v", frame)
	}
	if !strings.Contains(frame["error"].(string), "permission request not found") {
		t.Fatalf("unexpected error text: %v", frame["error"])
	}
}

func TestBridgePingPong(t *testing.T) {
	emitter := events.NewEmitter(16)
	bridge := NewBridge(Config{Emitter: emitter, Responder: newFakeResponder()})
	srv := httptest.NewServer(bridge)
	defer srv.Close()

	conn := dialOK(t, wsURL(srv))
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "pong" {
		t.Fatalf("expected pong, got %v", frame)
	}
}

func TestBridgeAuthentication(t *testing.T) {
	const secret = "bridge-secret"
	emitter := events.NewEmitter(16)
	bridge := NewBridge(Config{Emitter: emitter, Responder: newFakeResponder(), Token: secret})
	srv := httptest.NewServer(bridge)
	defer srv.Close()

	signed := func(key string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "viewer",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		s, err := token.SignedString([]byte(key))
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		return s
	}

	t.Run("missing token rejected", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
		if err == nil {
			t.Fatalf("expected handshake rejection")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %+v", resp)
		}
	})

	t.Run("bad signature rejected", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token="+signed("wrong-key"), nil)
		if err == nil {
			t.Fatalf("expected handshake rejection")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %+v", resp)
		}
	})

	t.Run("query token accepted", func(t *testing.T) {
		conn := dialOK(t, wsURL(srv)+"?token="+signed(secret))
		conn.Close()
	})

	t.Run("bearer header accepted", func(t *testing.T) {
		header := http.Header{"Authorization": {"Bearer " + signed(secret)}}
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
		if err != nil {
			t.Fatalf("dial with bearer header: %v", err)
		}
		conn.Close()
	})
}
