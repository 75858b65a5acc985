package socket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tjfontaine/chatline/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
	sendBuffer     = 256
)

var errClientGone = errors.New("client disconnected")

// client is one websocket connection. A session outlives its clients.
type client struct {
	hub      *Hub
	conn     *websocket.Conn
	socketID string
	send     chan []byte
	done     chan struct{}
	once     sync.Once

	mu   sync.Mutex
	sess *session.Session
	// restored is set when the connection re-attached an existing session,
	// in which case connection_successful does not start a new chat.
	restored     bool
	resumeThread string
}

func newClient(h *Hub, conn *websocket.Conn, socketID string) *client {
	return &client{
		hub:      h,
		conn:     conn,
		socketID: socketID,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

func (c *client) session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// enqueue hands frame to the writer, waiting for buffer room. It fails
// only when the client is gone or ctx is done; a slow reader applies
// backpressure to the emitting task instead of losing frames.
func (c *client) enqueue(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return errClientGone
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errClientGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) readPump() {
	defer func() {
		c.close()
		c.hub.disconnect(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read failed",
					slog.String("socket_id", c.socketID),
					slog.String("error", err.Error()))
			}
			return
		}
		c.hub.handle(c, message)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
