package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hub/internal/logging"
	"hub/internal/types"
)

// SessionIO is the slice of the orchestrator the gateway drives: snapshots
// and scrollback outbound, input and resizes inbound.
type SessionIO interface {
	GetSession(ctx context.Context, id string) (*types.Session, error)
	SendInput(ctx context.Context, id, text string) error
	SendShellInput(ctx context.Context, id string, data []byte) error
	ResizeSession(ctx context.Context, id string, cols, rows uint16) error
	ResizeShell(ctx context.Context, id string, cols, rows uint16) error
	ShellScrollback(id string) []byte
}

const (
	wsWriteTimeout  = 10 * time.Second
	wsMaxInbound    = 1 << 20
	clientSendDepth = 256
)

type subKey struct {
	sessionID string
	channel   types.ChannelKind
}

type wsFrame struct {
	messageType int
	payload     []byte
}

type gatewayClient struct {
	conn    *websocket.Conn
	send    chan wsFrame
	dropped int
}

// Gateway fans one session's output stream out to any number of WebSocket
// viewers and routes their input back. Registries are created lazily on the
// first subscriber and torn down with the last one. A slow client only ever
// loses its own frames: deliveries are drop-on-backpressure per client, so
// one stalled socket cannot block the producing session.
type Gateway struct {
	io     SessionIO
	logger logging.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[subKey]map[*gatewayClient]struct{}
}

func NewGateway(io SessionIO, logger logging.Logger) *Gateway {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Gateway{
		io:     io,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[subKey]map[*gatewayClient]struct{}),
	}
}

// Bind attaches the orchestrator after construction. The gateway is the
// orchestrator's event sink and the orchestrator is the gateway's input
// target, so one of the two references has to be set late.
func (g *Gateway) Bind(io SessionIO) {
	g.io = io
}

// HandleWS upgrades one viewer connection for a session channel. The viewer
// receives a session_status snapshot before any live data; shell viewers
// additionally get the persisted scrollback replayed first.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request, sessionID string, channel types.ChannelKind) {
	if channel != types.ChannelAgent && channel != types.ChannelShell {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown channel"})
		return
	}
	session, err := g.io.GetSession(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &gatewayClient{
		conn: conn,
		send: make(chan wsFrame, clientSendDepth),
	}

	snapshot, err := json.Marshal(types.StreamEvent{
		Type:      types.EventSessionStatus,
		SessionID: sessionID,
		Session:   session,
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err == nil {
		client.send <- wsFrame{messageType: websocket.TextMessage, payload: snapshot}
	}
	if channel == types.ChannelShell {
		if scrollback := g.io.ShellScrollback(sessionID); len(scrollback) > 0 {
			client.send <- wsFrame{messageType: websocket.BinaryMessage, payload: scrollback}
		}
	}

	key := subKey{sessionID: sessionID, channel: channel}
	g.register(key, client)
	go g.writePump(client)
	g.readLoop(r.Context(), key, client)
	g.unregister(key, client)
}

func (g *Gateway) register(key subKey, client *gatewayClient) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set := g.clients[key]
	if set == nil {
		set = make(map[*gatewayClient]struct{})
		g.clients[key] = set
	}
	set[client] = struct{}{}
	g.logger.Debug("ws_client_joined",
		logging.F("session_id", key.sessionID),
		logging.F("channel", string(key.channel)),
		logging.F("clients", len(set)),
	)
}

func (g *Gateway) unregister(key subKey, client *gatewayClient) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set := g.clients[key]
	if set == nil {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(g.clients, key)
	}
	close(client.send)
}

// Broadcast delivers a state-change envelope to the session's agent-channel
// viewers.
func (g *Gateway) Broadcast(event types.StreamEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	g.deliver(subKey{sessionID: event.SessionID, channel: types.ChannelAgent},
		wsFrame{messageType: websocket.TextMessage, payload: payload})
}

// Output delivers one raw terminal chunk to the viewers of a session
// channel.
func (g *Gateway) Output(sessionID string, channel types.ChannelKind, chunk []byte) {
	g.deliver(subKey{sessionID: sessionID, channel: channel},
		wsFrame{messageType: websocket.BinaryMessage, payload: chunk})
}

func (g *Gateway) deliver(key subKey, frame wsFrame) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for client := range g.clients[key] {
		select {
		case client.send <- frame:
		default:
			client.dropped++
			if client.dropped == 1 || client.dropped%100 == 0 {
				g.logger.Warn("ws_client_backpressure",
					logging.F("session_id", key.sessionID),
					logging.F("channel", string(key.channel)),
					logging.F("dropped", client.dropped),
				)
			}
		}
	}
}

func (g *Gateway) writePump(client *gatewayClient) {
	for frame := range client.send {
		_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := client.conn.WriteMessage(frame.messageType, frame.payload); err != nil {
			break
		}
	}
	_ = client.conn.Close()
}

type inboundMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

func (g *Gateway) readLoop(ctx context.Context, key subKey, client *gatewayClient) {
	client.conn.SetReadLimit(wsMaxInbound)
	for {
		messageType, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType == websocket.BinaryMessage {
			// Raw keystrokes, shell channel only.
			if key.channel == types.ChannelShell {
				_ = g.io.SendShellInput(ctx, key.sessionID, data)
			}
			continue
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "input":
			if key.channel == types.ChannelShell {
				_ = g.io.SendShellInput(ctx, key.sessionID, []byte(msg.Data))
			} else {
				_ = g.io.SendInput(ctx, key.sessionID, msg.Data)
			}
		case "resize":
			if msg.Cols == 0 || msg.Rows == 0 {
				continue
			}
			if key.channel == types.ChannelShell {
				_ = g.io.ResizeShell(ctx, key.sessionID, msg.Cols, msg.Rows)
			} else {
				_ = g.io.ResizeSession(ctx, key.sessionID, msg.Cols, msg.Rows)
			}
		}
	}
}
