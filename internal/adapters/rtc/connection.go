package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

var (
	ErrRenegotiation     = errors.New("renegotiation is not supported")
	ErrWrongRole         = errors.New("operation does not match session role")
	ErrDataChannelClosed = errors.New("data channel is not open")
	ErrConnectionClosed  = errors.New("connection closed")
)

// Connection is one pion PeerConnection negotiated over the relay.
type Connection struct {
	pc     *webrtc.PeerConnection
	params core.PeerParams
	sink   RemoteSink
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	candidates *candidateBuffer
	conn       *connectivity

	mu          sync.Mutex
	dc          *webrtc.DataChannel
	described   bool
	answerTaken bool
	closed      bool
}

func newConnection(pc *webrtc.PeerConnection, params core.PeerParams, cfg Config) (*Connection, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		pc:         pc,
		params:     params,
		sink:       cfg.Sink,
		logger:     log.With().Str("module", "webrtc").Str("peer", string(params.Counterpart)).Str("role", params.Role.String()).Logger(),
		ctx:        ctx,
		cancel:     cancel,
		candidates: newCandidateBuffer(),
	}
	c.conn = newConnectivity(cfg.Clock, cfg.DisconnectGrace, params.Handlers.OnStateChange)

	if err := c.addTracks(); err != nil {
		cancel()
		return nil, err
	}
	c.bindHandlers()

	if params.Role == core.RoleInitiator {
		ordered := true
		dc, err := pc.CreateDataChannel(ChatChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		c.bindChannel(dc)
	}
	return c, nil
}

// addTracks attaches local tracks. The initiator also asks to receive
// the kinds it does not send, so the responder can send them.
func (c *Connection) addTracks() error {
	sending := map[core.TrackKind]bool{}
	for _, t := range c.params.Tracks {
		rtpTrack := t.RTP()
		if rtpTrack == nil {
			continue
		}
		sender, err := c.pc.AddTrack(rtpTrack)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		sending[t.Kind()] = true
		go drainRTCP(sender)
	}
	if c.params.Role != core.RoleInitiator {
		return nil
	}
	recv := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if !sending[core.TrackAudio] {
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recv); err != nil {
			return fmt.Errorf("add audio transceiver: %w", err)
		}
	}
	if c.params.Kind.WantsVideo() && !sending[core.TrackVideo] {
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recv); err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}
	return nil
}

func (c *Connection) bindHandlers() {
	h := c.params.Handlers

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			c.logger.Debug().Msg("candidate gathering complete")
			return
		}
		if h.OnLocalCandidate != nil {
			h.OnLocalCandidate(fromInit(cand.ToJSON()))
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.conn.observe(s)
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if h.OnRemoteTrack != nil {
			h.OnRemoteTrack(core.RemoteTrack{ID: track.ID(), StreamID: track.StreamID(), Kind: core.TrackKind(track.Kind().String())})
		}
		go c.readRemote(track)
	})

	if c.params.Role == core.RoleResponder {
		c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != ChatChannelLabel {
				c.logger.Warn().Str("label", dc.Label()).Msg("unexpected data channel ignored")
				return
			}
			c.bindChannel(dc)
		})
	}
}

func (c *Connection) bindChannel(dc *webrtc.DataChannel) {
	h := c.params.Handlers
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.logger.Info().Str("label", dc.Label()).Msg("data channel open")
		if h.OnChannelOpen != nil {
			h.OnChannelOpen()
		}
	})
	dc.OnClose(func() {
		c.logger.Info().Str("label", dc.Label()).Msg("data channel closed")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		m, err := DecodeChat(msg.Data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("chat message dropped")
			return
		}
		if h.OnMessage != nil {
			h.OnMessage(m)
		}
	})
}

// CreateAsInitiator creates and applies the single local offer.
func (c *Connection) CreateAsInitiator(ctx context.Context) (string, error) {
	if err := c.begin(ctx, core.RoleInitiator); err != nil {
		return "", err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, ctx.Err()
}

// CreateAsResponder applies the remote offer, drains buffered candidates
// and returns the local answer.
func (c *Connection) CreateAsResponder(ctx context.Context, offerSDP string) (string, error) {
	if err := c.begin(ctx, core.RoleResponder); err != nil {
		return "", err
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	c.drainCandidates()

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, ctx.Err()
}

func (c *Connection) ApplyRemoteAnswer(ctx context.Context, answerSDP string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrConnectionClosed
	case c.params.Role != core.RoleInitiator || !c.described:
		c.mu.Unlock()
		return ErrWrongRole
	case c.answerTaken:
		c.mu.Unlock()
		return ErrRenegotiation
	}
	c.answerTaken = true
	c.mu.Unlock()

	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	c.drainCandidates()
	return nil
}

func (c *Connection) begin(ctx context.Context, role core.Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrConnectionClosed
	case c.params.Role != role:
		return ErrWrongRole
	case c.described:
		return ErrRenegotiation
	}
	c.described = true
	return nil
}

// AddRemoteCandidate applies c once the remote description is set and
// buffers it until then.
func (c *Connection) AddRemoteCandidate(cand domain.ICECandidate) error {
	return c.candidates.add(toInit(cand), c.pc.AddICECandidate)
}

func (c *Connection) drainCandidates() {
	if err := c.candidates.open(c.pc.AddICECandidate); err != nil {
		c.logger.Warn().Err(err).Msg("buffered candidates rejected")
	}
}

// SendMessage fails fast when the chat channel is not open.
func (c *Connection) SendMessage(m domain.ChatMessage) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrDataChannelClosed
	}
	data, err := EncodeChat(m)
	if err != nil {
		return err
	}
	return dc.SendText(string(data))
}

func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.conn.stop()
	c.cancel()
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}

func toInit(c domain.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromInit(c webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
