package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shardhub/shardhub/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// wsClient is one accepted, handshaken connection. Its send channel is the
// single writer for the underlying socket (spec §5's single-writer rule);
// writePump is the only goroutine that calls conn.WriteMessage.
type wsClient struct {
	uid    protocol.UID
	connID uuid.UUID
	conn   *websocket.Conn
	log    zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

func newWSClient(uid protocol.UID, conn *websocket.Conn, log zerolog.Logger) *wsClient {
	return &wsClient{
		uid:    uid,
		connID: uuid.New(),
		conn:   conn,
		log:    log,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// safeSend enqueues data for delivery, dropping it if the client's buffer
// is full rather than blocking the caller. Matches spec §4.7: "errors on
// individual sends are logged and do not drop the sender." The send
// channel itself is never closed, so a send racing a concurrent close can
// only be dropped, never panic.
func (c *wsClient) safeSend(data []byte) {
	if c.closed.Load() {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.log.Warn().Uint64("uid", c.uid).Msg("client send buffer full, dropping frame")
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsClient) writePump() {
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Uint64("uid", c.uid).Msg("write failed, closing")
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}
