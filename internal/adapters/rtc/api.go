package rtc

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
)

type Config struct {
	ICEServers []webrtc.ICEServer
	// DisconnectGrace bounds how long a disconnected transport is
	// tolerated before it is reported as failed.
	DisconnectGrace time.Duration
	PortMin         uint16
	PortMax         uint16
	IncludeLoopback bool

	Sink          RemoteSink
	Clock         clock.Clock
	LoggerFactory logging.LoggerFactory
}

func DefaultConfig() Config {
	return Config{
		ICEServers:      []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		DisconnectGrace: 10 * time.Second,
	}
}

// NewAPI builds the pion API shared by every session of a Factory.
func NewAPI(cfg Config) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: cfg.LoggerFactory}
	if se.LoggerFactory == nil {
		se.LoggerFactory = defaultLoggerFactory()
	}
	if cfg.PortMin != 0 || cfg.PortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	return webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)), nil
}

// Factory creates relay-negotiated pion sessions.
type Factory struct {
	api *webrtc.API
	cfg Config
}

func NewFactory(cfg Config) (*Factory, error) {
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	api, err := NewAPI(cfg)
	if err != nil {
		return nil, err
	}
	return &Factory{api: api, cfg: cfg}, nil
}

func (f *Factory) NewSession(params core.PeerParams) (core.PeerSession, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c, err := newConnection(pc, params, f.cfg)
	if err != nil {
		if cerr := pc.Close(); cerr != nil {
			log.Error().Err(cerr).Str("module", "webrtc").Msg("close after setup error")
		}
		return nil, err
	}
	return c, nil
}
