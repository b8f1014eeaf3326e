package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/threadkiln/threadkiln/pkg/models"
)

// allowedLoopbackHosts is the set of Origin hostnames the gateway WebSocket
// accepts an upgrade from. Per P8/S7, anything else gets 403 before the
// handshake completes.
var allowedLoopbackHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
}

// checkLoopbackOrigin reports whether req's Origin header names a
// localhost/loopback host. A missing Origin header (non-browser clients)
// is treated as loopback, matching same-origin requests that never send
// one; any other Origin is rejected.
func checkLoopbackOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return allowedLoopbackHosts[strings.ToLower(host)]
}

// GatewayWSAdapter is the control-plane WebSocket channel (C1's
// "gateway-ws" adapter): a single http.Handler upgrade point that emits
// every connected client's messages as models.IncomingMessage and accepts
// outbound sends addressed by connection ID, grounded on the teacher's
// internal/gateway/ws_control_plane.go upgrader/frame-loop shape but with
// checkLoopbackOrigin enforced instead of the teacher's always-true
// CheckOrigin.
type GatewayWSAdapter struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*wsConn

	inbound chan *models.Message
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes concurrent writes per gorilla/websocket's contract
}

// wsInboundFrame is the wire shape a connected client sends inbound text in.
type wsInboundFrame struct {
	UserID  string `json:"user_id"`
	Thread  string `json:"thread"`
	Content string `json:"content"`
}

// NewGatewayWSAdapter creates an adapter ready to be mounted as an
// http.Handler (e.g. under "/ws" on the webhook gateway's mux).
func NewGatewayWSAdapter(logger *slog.Logger) *GatewayWSAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayWSAdapter{
		logger: logger.With("component", "gateway-ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     checkLoopbackOrigin,
		},
		conns:   make(map[string]*wsConn),
		inbound: make(chan *models.Message, 256),
	}
}

func (a *GatewayWSAdapter) Type() models.ChannelType { return models.ChannelGatewayWS }

// Messages implements channels.InboundAdapter.
func (a *GatewayWSAdapter) Messages() <-chan *models.Message { return a.inbound }

// ServeHTTP implements http.Handler: the upgrade endpoint itself. A rejected
// Origin never reaches Upgrade - CheckOrigin returning false makes gorilla
// write the 403 response itself (P8/S7).
func (a *GatewayWSAdapter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := a.upgrader.Upgrade(w, req, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err, "origin", req.Header.Get("Origin"))
		return
	}
	id := uuid.NewString()
	wc := &wsConn{conn: conn}

	a.mu.Lock()
	a.conns[id] = wc
	a.mu.Unlock()

	a.logger.Info("websocket connected", "conn_id", id, "remote", req.RemoteAddr)
	go a.readLoop(id, wc)
}

func (a *GatewayWSAdapter) readLoop(id string, wc *wsConn) {
	defer func() {
		a.mu.Lock()
		delete(a.conns, id)
		a.mu.Unlock()
		_ = wc.conn.Close()
		a.logger.Info("websocket disconnected", "conn_id", id)
	}()

	for {
		_, raw, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame wsInboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			a.logger.Warn("websocket frame decode failed", "conn_id", id, "error", err)
			continue
		}
		a.inbound <- &models.Message{
			ID:        uuid.NewString(),
			Channel:   models.ChannelGatewayWS,
			ChannelID: id,
			Direction: models.DirectionInbound,
			Role:      models.RoleUser,
			Content:   frame.Content,
			Metadata: map[string]any{
				"user_id": frame.UserID,
				"thread":  frame.Thread,
			},
			CreatedAt: time.Now(),
		}
	}
}

// Send implements channels.OutboundAdapter: msg.ChannelID names the
// connection ID to write to.
func (a *GatewayWSAdapter) Send(ctx context.Context, msg *models.Message) error {
	a.mu.RLock()
	wc, ok := a.conns[msg.ChannelID]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("gateway-ws: no connection %s", msg.ChannelID)
	}
	wc.mu.Lock()
	defer wc.mu.Unlock()
	_ = wc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return wc.conn.WriteJSON(map[string]string{"content": msg.Content})
}

// Stop implements channels.LifecycleAdapter, closing every open connection.
func (a *GatewayWSAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, wc := range a.conns {
		_ = wc.conn.Close()
		delete(a.conns, id)
	}
	return nil
}

// Start implements channels.LifecycleAdapter. The adapter has no
// out-of-band connection to establish; it becomes active the moment
// ServeHTTP is mounted on a listening server.
func (a *GatewayWSAdapter) Start(ctx context.Context) error { return nil }
