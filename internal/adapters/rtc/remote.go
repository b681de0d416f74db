package rtc

import (
	"errors"
	"io"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteSink consumes inbound RTP, e.g. a decoder or a recorder.
type RemoteSink interface {
	WriteRTP(trackID string, pkt *rtp.Packet) error
}

// readRemote pulls RTP from a remote track until the connection closes.
// Without a sink the packets are discarded.
func (c *Connection) readRemote(track *webrtc.TrackRemote) {
	logger := c.logger.With().Str("track_id", track.ID()).Logger()
	for {
		select {
		case <-c.ctx.Done():
			logger.Debug().Msg("remote read stopped")
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug().Err(err).Msg("remote read RTP error, stopping")
			}
			return
		}
		if c.sink == nil {
			continue
		}
		if err := c.sink.WriteRTP(track.ID(), pkt); err != nil {
			logger.Error().Err(err).Msg("sink write error, stopping")
			return
		}
	}
}

// drainRTCP keeps the sender's interceptors fed.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
