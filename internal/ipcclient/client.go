// Package ipcclient implements the hub client state machine described in
// spec §4.6: connect, handshake, reconnect with backoff, a serialized send
// side, a receive loop that demultiplexes presence frames from dispatched
// payloads, and periodic self-announcement of the client's own InfoRecord.
//
// The connect/backoff/ping shape is grounded on the teacher's
// agent/websocket.go WebSocketClient; the protocol semantics (handshake,
// presence, self-announce, callback correlation) are grounded on
// hikari_clusters/ipc_client.py.
package ipcclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shardhub/shardhub/internal/callback"
	"github.com/shardhub/shardhub/internal/dispatch"
	"github.com/shardhub/shardhub/internal/presence"
	"github.com/shardhub/shardhub/internal/protocol"
	"github.com/shardhub/shardhub/internal/tasksup"
)

// DefaultCommandTimeout is send_command's default timeout per spec §9's
// Open Question resolution.
const DefaultCommandTimeout = 3 * time.Second

const (
	handshakeTimeout  = 10 * time.Second
	writeWait         = 10 * time.Second
	pingInterval      = 30 * time.Second
	pongWait          = 45 * time.Second
	selfAnnounceEvery = 1 * time.Second
	initialBackoff    = 1 * time.Second
	maxBackoff        = 30 * time.Second
)

// ErrInvalidToken is returned by Run when the hub rejects the handshake
// token. It is fatal: the caller must not retry.
var ErrInvalidToken = fmt.Errorf("ipcclient: invalid token")

// Config configures a Client.
type Config struct {
	URI       string
	Token     string
	Reconnect bool
	TLSConfig *tls.Config
}

// GetURI builds a ws:// or wss:// URI from host/port, matching
// IpcClient.get_uri.
func GetURI(host string, port int, useWSS bool) string {
	scheme := "ws"
	if useWSS {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: fmt.Sprintf("%s:%d", host, port)}
	return u.String()
}

// Client is a hub client: one WebSocket connection to the hub server,
// with reconnect, presence tracking, callback correlation and command/
// event dispatch layered on top.
type Client struct {
	cfg Config
	log zerolog.Logger

	presence  *presence.Registry
	callbacks *callback.Engine
	dispatch  *dispatch.Dispatcher
	tasks     *tasksup.Supervisor

	infoProvider func() protocol.InfoRecord

	mu      sync.Mutex
	conn    *websocket.Conn
	uid     protocol.UID
	writeMu sync.Mutex

	readyMu sync.Mutex
	readyCh chan struct{}
}

// New creates a Client. infoProvider supplies the role client's own
// InfoRecord for self-announcement; it is called once per announce tick.
func New(cfg Config, log zerolog.Logger, infoProvider func() protocol.InfoRecord) *Client {
	c := &Client{
		cfg:          cfg,
		log:          log.With().Str("component", "ipcclient").Logger(),
		infoProvider: infoProvider,
		readyCh:      make(chan struct{}),
	}
	c.presence = presence.New(c.log)
	c.callbacks = callback.New()
	c.tasks = tasksup.New(c.log)
	c.dispatch = dispatch.New(c.log, c)
	return c
}

// Presence exposes the client's presence/info registry.
func (c *Client) Presence() *presence.Registry { return c.presence }

// Dispatcher exposes the command/event dispatcher for handler registration.
func (c *Client) Dispatcher() *dispatch.Dispatcher { return c.dispatch }

// UID returns the client's own hub-assigned UID, or 0 if not yet connected.
func (c *Client) UID() protocol.UID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uid
}

// WaitUntilReady blocks until the client completes a handshake, or ctx is
// done.
func (c *Client) WaitUntilReady(ctx context.Context) error {
	c.readyMu.Lock()
	ch := c.readyCh
	c.readyMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects, handshakes, and serves the connection until it drops,
// reconnecting with exponential backoff while cfg.Reconnect is true.
// Returns ErrInvalidToken (never retried), ctx.Err() when ctx is done, or,
// when cfg.Reconnect is false, the error that ended the first connection.
func (c *Client) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.connectAndServe(ctx)
		if err == ErrInvalidToken {
			return err
		}
		if err != nil {
			c.log.Warn().Err(err).Msg("disconnected")
		}
		if !c.cfg.Reconnect {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout, TLSClientConfig: c.cfg.TLSConfig}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URI, http.Header{})
	if err != nil {
		return fmt.Errorf("ipcclient: dial: %w", err)
	}
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	uid, clientUIDs, err := c.handshake(conn)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.uid = uid
	c.mu.Unlock()
	c.presence.ApplyPresence(clientUIDs)

	c.readyMu.Lock()
	close(c.readyCh)
	c.readyMu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.tasks.Spawn(connCtx, c.pingLoop)
	c.tasks.Spawn(connCtx, c.selfAnnounceLoop)

	c.log.Info().Uint64("uid", uid).Msg("handshake complete")

	loopErr := c.receiveLoop(connCtx, conn)

	cancel()
	c.tasks.WaitAll(3 * time.Second)

	c.mu.Lock()
	c.conn = nil
	c.uid = 0
	c.mu.Unlock()
	c.presence.ApplyPresence(nil)

	c.readyMu.Lock()
	c.readyCh = make(chan struct{})
	c.readyMu.Unlock()

	return loopErr
}

func (c *Client) handshake(conn *websocket.Conn) (protocol.UID, []protocol.UID, error) {
	req, err := json.Marshal(protocol.HandshakeRequest{Token: c.cfg.Token})
	if err != nil {
		return 0, nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		return 0, nil, fmt.Errorf("ipcclient: send handshake: %w", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, protocol.CloseInvalidToken) {
			return 0, nil, ErrInvalidToken
		}
		return 0, nil, fmt.Errorf("ipcclient: read handshake response: %w", err)
	}

	var resp protocol.HandshakeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, nil, fmt.Errorf("ipcclient: decode handshake response: %w", err)
	}
	return resp.UID, resp.ClientUIDs, nil
}

func (c *Client) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.rawSend(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (c *Client) selfAnnounceLoop(ctx context.Context) error {
	ticker := time.NewTicker(selfAnnounceEvery)
	defer ticker.Stop()
	for {
		if c.infoProvider != nil {
			if err := c.announceOnce(); err != nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Client) announceOnce() error {
	info := c.infoProvider()
	raw, err := protocol.EncodeInfo(info)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to encode own info record")
		return nil
	}
	to := c.presence.ClientUIDs()
	frame, err := protocol.EncodeEvent(c.UID(), to, protocol.EventSetInfoClass, json.RawMessage(raw))
	if err != nil {
		c.log.Error().Err(err).Msg("failed to encode self-announce event")
		return nil
	}
	return c.rawSend(websocket.TextMessage, frame)
}

func (c *Client) receiveLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ipcclient: read: %w", err)
		}

		if protocol.IsPresenceFrame(data) {
			var pf protocol.PresenceFrame
			if err := json.Unmarshal(data, &pf); err != nil {
				c.log.Warn().Err(err).Msg("malformed presence frame, dropping")
				continue
			}
			disconnected := c.presence.ApplyPresence(pf.ClientUIDs)
			if len(disconnected) > 0 {
				c.callbacks.OnDisconnects(disconnected)
			}
			continue
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("malformed payload, dropping")
			continue
		}
		c.handleFrame(ctx, frame)
	}
}

func (c *Client) handleFrame(ctx context.Context, f *protocol.Frame) {
	switch {
	case f.Command != nil:
		go c.dispatch.DispatchCommand(ctx, f.Author, f.Command)
	case f.Event != nil:
		if f.Event.Name == protocol.EventSetInfoClass {
			c.handleSetInfoClass(f.Event)
			return
		}
		go c.dispatch.DispatchEvent(ctx, f.Author, f.Event)
	default:
		c.callbacks.OnResponse(f.Author, f)
	}
}

func (c *Client) handleSetInfoClass(e *protocol.EventData) {
	info, err := protocol.DecodeInfo(e.Data)
	if err != nil {
		c.log.Warn().Err(err).Msg("malformed info record, dropping")
		return
	}
	c.presence.ApplyInfo(info)
}

// rawSend serializes sends across every writer: self-announce, pings, and
// reply/command primitives all funnel through here, matching spec §5's
// single-writer requirement.
func (c *Client) rawSend(messageType int, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("ipcclient: not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, data)
}

// SendEvent fire-and-forgets an Event to the given recipients. to may
// include the sender's own UID.
func (c *Client) SendEvent(to []protocol.UID, name string, data any) error {
	frame, err := protocol.EncodeEvent(c.UID(), to, name, data)
	if err != nil {
		return err
	}
	return c.rawSend(websocket.TextMessage, frame)
}

// SendCommand issues a Command to every UID in to, waits up to timeout for
// a reply from each, and returns a map whose key set always equals to.
func (c *Client) SendCommand(ctx context.Context, to []protocol.UID, name string, data any, timeout time.Duration) (map[protocol.UID]callback.Result, error) {
	rec := c.callbacks.Begin(to)
	defer c.callbacks.End(rec)

	frame, err := protocol.EncodeCommand(c.UID(), to, name, rec.Key(), data)
	if err != nil {
		return nil, err
	}
	if err := c.rawSend(websocket.TextMessage, frame); err != nil {
		return nil, err
	}
	return c.callbacks.Wait(ctx, rec, timeout), nil
}

// SendResponseOk implements dispatch.Sender.
func (c *Client) SendResponseOk(to protocol.UID, cb protocol.CallbackKey, data any) error {
	frame, err := protocol.EncodeResponseOk(c.UID(), to, cb, data)
	if err != nil {
		return err
	}
	return c.rawSend(websocket.TextMessage, frame)
}

// SendResponseTraceback implements dispatch.Sender.
func (c *Client) SendResponseTraceback(to protocol.UID, cb protocol.CallbackKey, traceback string) error {
	frame, err := protocol.EncodeResponseTraceback(c.UID(), to, cb, traceback)
	if err != nil {
		return err
	}
	return c.rawSend(websocket.TextMessage, frame)
}

// SendResponseNotFound implements dispatch.Sender.
func (c *Client) SendResponseNotFound(to protocol.UID, cb protocol.CallbackKey) error {
	frame, err := protocol.EncodeResponseNotFound(c.UID(), to, cb)
	if err != nil {
		return err
	}
	return c.rawSend(websocket.TextMessage, frame)
}

// Close shuts down the current connection, if any. Run will observe the
// resulting read error and, per cfg.Reconnect, either stop or reconnect.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return conn.Close()
}
