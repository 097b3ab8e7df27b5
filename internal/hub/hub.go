// Package hub implements the WebSocket forwarder/presence beacon described
// in spec §4.7: accept, authenticate, assign UID, broadcast presence, and
// forward addressed payloads unchanged. It holds no state about info
// records, commands, callbacks or roles — that all lives in ipcclient.
//
// Grounded on the teacher's dashboard.Hub (accept/register/unregister
// shape, per-client send-channel pattern) generalized from a
// database-backed agent/browser hub into a pure forwarder.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shardhub/shardhub/internal/metrics"
	"github.com/shardhub/shardhub/internal/protocol"
)

const presenceInterval = 5 * time.Second

// Hub is the hub server: it owns every accepted connection and is the
// single source of UID assignment.
type Hub struct {
	token   string
	log     zerolog.Logger
	metrics *metrics.Registry

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[protocol.UID]*wsClient
	nextUID protocol.UID
}

// New creates a Hub that requires token on handshake.
func New(token string, log zerolog.Logger, m *metrics.Registry) *Hub {
	return &Hub{
		token:   token,
		log:     log.With().Str("component", "hub").Logger(),
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[protocol.UID]*wsClient),
	}
}

// Run starts the presence broadcast loop and blocks until ctx is done,
// at which point every connection is closed.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(presenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.broadcastPresence()
		}
	}
}

// ServeHTTP upgrades the connection, performs the token handshake, and
// then blocks reading and forwarding frames until the connection drops.
// This is the hub's accept path: deliberately not wrapped in a
// cancellable supervised task (spec §4.2's allow_cancel=false rationale),
// graceful drain happens through http.Server.Shutdown instead.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client, ok := h.handshake(conn)
	if !ok {
		return
	}

	h.log.Info().Uint64("uid", client.uid).Str("conn_id", client.connID.String()).Msg("client connected")

	go client.writePump()
	h.readLoop(client)
}

func (h *Hub) handshake(conn *websocket.Conn) (*wsClient, bool) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, false
	}

	var req protocol.HandshakeRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Token != h.token {
		h.metrics.AuthFailures.Inc()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseInvalidToken, protocol.CloseInvalidTokenReason),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return nil, false
	}

	h.mu.Lock()
	h.nextUID++
	uid := h.nextUID
	existing := make([]protocol.UID, 0, len(h.clients))
	for u := range h.clients {
		existing = append(existing, u)
	}
	client := newWSClient(uid, conn, h.log)
	h.clients[uid] = client
	h.mu.Unlock()

	h.metrics.ConnectedClients.Set(float64(len(h.clients)))

	resp, err := json.Marshal(protocol.HandshakeResponse{UID: uid, ClientUIDs: existing})
	if err != nil {
		h.removeClient(uid)
		_ = conn.Close()
		return nil, false
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, resp); err != nil {
		h.removeClient(uid)
		_ = conn.Close()
		return nil, false
	}
	return client, true
}

func (h *Hub) readLoop(client *wsClient) {
	defer h.removeClient(client.uid)
	defer client.close()

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			h.log.Debug().Err(err).Uint64("uid", client.uid).Msg("client read failed")
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.log.Warn().Err(err).Uint64("uid", client.uid).Msg("malformed envelope, dropping")
			continue
		}
		h.forward(env.Recipients, data)
	}
}

func (h *Hub) forward(recipients []protocol.UID, raw []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, uid := range recipients {
		c, ok := h.clients[uid]
		if !ok {
			continue
		}
		c.safeSend(raw)
		h.metrics.MessagesForwarded.Inc()
	}
}

func (h *Hub) removeClient(uid protocol.UID) {
	h.mu.Lock()
	delete(h.clients, uid)
	count := len(h.clients)
	h.mu.Unlock()
	h.metrics.ConnectedClients.Set(float64(count))
}

func (h *Hub) broadcastPresence() {
	h.mu.RLock()
	uids := make([]protocol.UID, 0, len(h.clients))
	clients := make([]*wsClient, 0, len(h.clients))
	for u, c := range h.clients {
		uids = append(uids, u)
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	frame, err := protocol.EncodePresence(uids)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to encode presence frame")
		return
	}
	for _, c := range clients {
		c.safeSend(frame)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.close()
	}
}

// Snapshot returns the UIDs currently connected to the hub.
func (h *Hub) Snapshot() []protocol.UID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]protocol.UID, 0, len(h.clients))
	for u := range h.clients {
		out = append(out, u)
	}
	return out
}
