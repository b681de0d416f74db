package signal

import (
	"context"

	"github.com/rs/zerolog/log"
)

func (c *Client) handlePing(conn *wsConn) {
	if err := conn.TrySend(pongFrame); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("pong not sent")
	}
}

// heartbeat proves liveness to the relay on a fixed period, independent
// of the reconnection backoff.
func (c *Client) heartbeat(ctx context.Context, conn *wsConn) error {
	ticker := c.opts.Clock.Ticker(c.opts.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := conn.TrySend(pingFrame); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("heartbeat not sent")
			}
		}
	}
}
