package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"hub/internal/types"
)

type fakeSessionIO struct {
	mu         sync.Mutex
	session    *types.Session
	getErr     error
	inputs     []string
	shellInput []byte
	resizes    [][2]uint16
	scrollback []byte
}

func (f *fakeSessionIO) GetSession(ctx context.Context, id string) (*types.Session, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.session, nil
}

func (f *fakeSessionIO) SendInput(ctx context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, text)
	return nil
}

func (f *fakeSessionIO) SendShellInput(ctx context.Context, id string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shellInput = append(f.shellInput, data...)
	return nil
}

func (f *fakeSessionIO) ResizeSession(ctx context.Context, id string, cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, [2]uint16{cols, rows})
	return nil
}

func (f *fakeSessionIO) ResizeShell(ctx context.Context, id string, cols, rows uint16) error {
	return f.ResizeSession(ctx, id, cols, rows)
}

func (f *fakeSessionIO) ShellScrollback(id string) []byte {
	return f.scrollback
}

func (f *fakeSessionIO) sentInputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inputs...)
}

func (f *fakeSessionIO) shellBytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.shellInput...)
}

func (f *fakeSessionIO) resizeCalls() [][2]uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]uint16(nil), f.resizes...)
}

func newGatewayFixture(t *testing.T) (*Gateway, *fakeSessionIO, *httptest.Server) {
	t.Helper()
	io := &fakeSessionIO{
		session: &types.Session{ID: "s1", Status: types.SessionStatusActive},
	}
	gateway := NewGateway(io, nil)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		channel := types.ChannelKind(r.URL.Query().Get("channel"))
		if channel == "" {
			channel = types.ChannelAgent
		}
		gateway.HandleWS(w, r, "s1", channel)
	}))
	t.Cleanup(server.Close)
	return gateway, io, server
}

func dialWS(t *testing.T, server *httptest.Server, channel string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?channel=" + channel
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) types.StreamEvent {
	t.Helper()
	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if messageType != websocket.TextMessage {
		t.Fatalf("expected a text frame, got type %d", messageType)
	}
	var event types.StreamEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return event
}

func TestWSStatusSnapshotArrivesBeforeLiveOutput(t *testing.T) {
	gateway, _, server := newGatewayFixture(t)
	conn := dialWS(t, server, "agent")

	// Output races the subscribe; the snapshot must still come first.
	go func() {
		for i := 0; i < 20; i++ {
			gateway.Output("s1", types.ChannelAgent, []byte("live"))
			time.Sleep(5 * time.Millisecond)
		}
	}()

	event := readEvent(t, conn)
	if event.Type != types.EventSessionStatus {
		t.Fatalf("first frame type = %s, want session_status", event.Type)
	}
	if event.Session == nil || event.Session.ID != "s1" {
		t.Fatalf("snapshot session = %+v", event.Session)
	}

	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read live frame: %v", err)
	}
	if messageType != websocket.BinaryMessage || !bytes.Equal(payload, []byte("live")) {
		t.Fatalf("live frame = type %d payload %q", messageType, payload)
	}
}

func TestWSShellReplaysScrollbackAfterSnapshot(t *testing.T) {
	_, io, server := newGatewayFixture(t)
	io.scrollback = []byte("$ make\nok\n")
	conn := dialWS(t, server, "shell")

	if event := readEvent(t, conn); event.Type != types.EventSessionStatus {
		t.Fatalf("first frame type = %s", event.Type)
	}
	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read scrollback: %v", err)
	}
	if messageType != websocket.BinaryMessage || !bytes.Equal(payload, io.scrollback) {
		t.Fatalf("scrollback frame = type %d payload %q", messageType, payload)
	}
}

func TestWSBroadcastReachesAgentViewers(t *testing.T) {
	gateway, _, server := newGatewayFixture(t)
	conn := dialWS(t, server, "agent")
	readEvent(t, conn)

	gateway.Broadcast(types.StreamEvent{
		Type:       types.EventNeedsInputChanged,
		SessionID:  "s1",
		NeedsInput: true,
	})
	event := readEvent(t, conn)
	if event.Type != types.EventNeedsInputChanged || !event.NeedsInput {
		t.Fatalf("broadcast frame = %+v", event)
	}
}

func TestWSInputAndResizeRouting(t *testing.T) {
	_, io, server := newGatewayFixture(t)
	conn := dialWS(t, server, "agent")
	readEvent(t, conn)

	if err := conn.WriteJSON(map[string]any{"type": "input", "data": "run tests"}); err != nil {
		t.Fatalf("write input: %v", err)
	}
	if err := conn.WriteJSON(map[string]any{"type": "resize", "cols": 100, "rows": 30}); err != nil {
		t.Fatalf("write resize: %v", err)
	}

	waitFor(t, "input routed", func() bool {
		inputs := io.sentInputs()
		return len(inputs) == 1 && inputs[0] == "run tests"
	})
	waitFor(t, "resize routed", func() bool {
		resizes := io.resizeCalls()
		return len(resizes) == 1 && resizes[0] == [2]uint16{100, 30}
	})
}

func TestWSBinaryInputOnlyForShellChannel(t *testing.T) {
	_, io, server := newGatewayFixture(t)
	shell := dialWS(t, server, "shell")
	readEvent(t, shell)
	agent := dialWS(t, server, "agent")
	readEvent(t, agent)

	if err := shell.WriteMessage(websocket.BinaryMessage, []byte{'l', 's', '\r'}); err != nil {
		t.Fatalf("write shell bytes: %v", err)
	}
	if err := agent.WriteMessage(websocket.BinaryMessage, []byte("ignored")); err != nil {
		t.Fatalf("write agent bytes: %v", err)
	}

	waitFor(t, "shell bytes routed", func() bool {
		return bytes.Equal(io.shellBytes(), []byte{'l', 's', '\r'})
	})
	if len(io.sentInputs()) != 0 {
		t.Fatalf("agent binary frame reached SendInput: %v", io.sentInputs())
	}
}

func TestWSRejectsUnknownChannel(t *testing.T) {
	_, _, server := newGatewayFixture(t)
	resp, err := http.Get(server.URL + "/?channel=bogus")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWSUnknownSessionRejectedBeforeUpgrade(t *testing.T) {
	_, io, server := newGatewayFixture(t)
	io.getErr = notFoundError("session not found", nil)
	resp, err := http.Get(server.URL + "/?channel=agent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
