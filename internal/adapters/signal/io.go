package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/peercall/internal/domain"
)

var errSendClosed = errors.New("send channel closed")

// serve runs the pumps and the heartbeat until one of them fails.
func (c *Client) serve(ctx context.Context, conn *wsConn) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})
	g.Go(func() error { return c.writePump(gctx, conn) })
	g.Go(func() error { return c.readPump(conn) })
	g.Go(func() error { return c.heartbeat(gctx, conn) })
	return g.Wait()
}

func (c *Client) writePump(ctx context.Context, conn *wsConn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-conn.send:
			if !ok {
				return errSendClosed
			}
			if err := conn.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				return err
			}
			if err := conn.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return err
			}
		}
	}
}

func (c *Client) readPump(conn *wsConn) error {
	conn.conn.SetReadLimit(c.opts.ReadLimit)
	pongWait := 3 * c.opts.HeartbeatPeriod
	for {
		if err := conn.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return err
		}
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Msg("readPump unexpected close")
			}
			return err
		}
		c.handleFrame(conn, data)
	}
}

func (c *Client) handleFrame(conn *wsConn, data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	c.mu.RLock()
	onEnvelope, onPresence, onSocial := c.onEnvelope, c.onPresence, c.onSocial
	c.mu.RUnlock()

	switch f.Type {
	case typePing:
		c.handlePing(conn)
	case typePong:
	case typeSignal:
		env, err := DecodeSignal(f.FromUserID, f.ToUserID, f.Signal)
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("from", string(f.FromUserID)).Msg("dropping signal")
			return
		}
		if onEnvelope != nil {
			onEnvelope(env)
		}
	case typeUserOnline, typeUserOffline:
		if onPresence != nil {
			onPresence(domain.PresenceEvent{UserID: f.UserID, Online: f.Type == typeUserOnline})
		}
	case typeFriendAdded, typeFriendRemoved:
		if onSocial != nil {
			onSocial(domain.SocialEvent{
				Kind:           domain.SocialKind(f.Type),
				FriendID:       f.FriendID,
				FriendUsername: f.FriendUsername,
				FriendCode:     f.FriendCode,
			})
		}
	default:
		log.Warn().Str("module", "signal").Str("type", f.Type).Msg("unknown frame")
	}
}
