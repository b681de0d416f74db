package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	errConnClosed   = errors.New("connection closed")
)

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one authenticated user connection.
type Conn struct {
	id       domain.UserID
	username string
	conn     WSConn
	send     chan []byte

	mu     sync.RWMutex
	closed bool
}

func newConn(id domain.UserID, username string, ws WSConn, buffer int) *Conn {
	return &Conn{id: id, username: username, conn: ws, send: make(chan []byte, buffer)}
}

func (c *Conn) ID() domain.UserID { return c.id }

func (c *Conn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

func (c *Conn) writePump(ctx context.Context, writeWait time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-c.send:
			if !ok {
				return errConnClosed
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return err
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "relay").Str("user", string(c.id)).Msg("writePump write error")
				return err
			}
		}
	}
}

func (c *Conn) readPump(readLimit int64, idle time.Duration, handle func(*Conn, []byte)) error {
	c.conn.SetReadLimit(readLimit)
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return err
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "relay").Str("user", string(c.id)).Msg("readPump unexpected close")
			}
			return err
		}
		handle(c, data)
	}
}
