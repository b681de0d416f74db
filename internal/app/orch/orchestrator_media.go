package orch

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// acquire captures local media off the loop. A result that arrives after
// the session closed is released on the spot.
func (o *Orchestrator) acquire(sess *app.Session) {
	gen, ctx, wantVideo := sess.Gen, sess.Context(), sess.Kind.WantsVideo()
	go func() {
		stream, err := o.media.Acquire(ctx, true, wantVideo)
		if !o.post(func() { o.onMediaAcquired(gen, stream, err) }) && stream != nil {
			stream.Release()
		}
	}()
}

func (o *Orchestrator) onMediaAcquired(gen uint64, stream core.MediaStream, err error) {
	sess := o.current(gen)
	if sess == nil {
		if stream != nil {
			log.Debug().Str("module", "orch").Uint64("gen", gen).Msg("stale media result released")
			stream.Release()
		}
		return
	}
	if err != nil {
		o.failCall(sess, domain.FailureMedia, userMessage(err, "media unavailable"))
		return
	}

	sess.Stream = stream
	o.applyToggles(stream)
	if w := stream.Warning(); w != "" {
		o.notify(domain.NoticeMediaWarning, w)
	}
	o.publish(Update{})

	peer, err := o.peers.NewSession(core.PeerParams{
		Self:        o.cfg.Self,
		Counterpart: sess.Remote,
		Role:        sess.Role,
		Kind:        sess.Kind,
		Tracks:      stream.Tracks(),
		Handlers:    o.peerHandlers(gen),
	})
	if err == nil {
		err = sess.AttachPeer(peer)
	}
	if err != nil {
		if peer != nil && sess.Peer == nil {
			_ = peer.Close()
		}
		o.failCall(sess, domain.FailureNegotiation, "could not set up the connection")
		return
	}

	ctx := sess.Context()
	if sess.Role == core.RoleInitiator {
		go func() {
			sdp, err := peer.CreateAsInitiator(ctx)
			o.post(func() { o.onOfferCreated(gen, sdp, err) })
		}()
		return
	}
	offer := sess.RemoteOffer
	go func() {
		sdp, err := peer.CreateAsResponder(ctx, offer)
		o.post(func() { o.onAnswerCreated(gen, sdp, err) })
	}()
}

// applyToggles carries flags set before capture onto the new tracks.
func (o *Orchestrator) applyToggles(stream core.MediaStream) {
	hasAudio := false
	for _, t := range stream.Tracks() {
		switch t.Kind() {
		case core.TrackAudio:
			hasAudio = true
			t.SetEnabled(!o.record.Muted)
		case core.TrackVideo:
			t.SetEnabled(!o.record.CameraOff)
		}
	}
	if !hasAudio {
		o.record.Muted = true
	}
}

func (o *Orchestrator) onOfferCreated(gen uint64, sdp string, err error) {
	sess := o.current(gen)
	if sess == nil {
		return
	}
	if err != nil {
		o.failCall(sess, domain.FailureNegotiation, "could not create offer")
		return
	}
	offer := domain.NewOffer(o.cfg.Self, sess.Remote, sdp, sess.Kind)
	sess.LocalOffer = &offer
	o.deliverAll(sess.Replay())
}

func (o *Orchestrator) onAnswerCreated(gen uint64, sdp string, err error) {
	sess := o.current(gen)
	if sess == nil {
		return
	}
	if err != nil {
		o.failCall(sess, domain.FailureNegotiation, "could not answer the call")
		return
	}
	answer := domain.NewAnswer(o.cfg.Self, sess.Remote, sdp)
	sess.LocalAnswer = &answer
	o.deliverAll(sess.Replay())
}

func (o *Orchestrator) onAnswerApplied(gen uint64, err error) {
	sess := o.current(gen)
	if sess == nil || err == nil {
		return
	}
	o.failCall(sess, domain.FailureNegotiation, "invalid answer from "+string(sess.Remote))
}

// peerHandlers turn transport callbacks into loop events.
func (o *Orchestrator) peerHandlers(gen uint64) core.PeerHandlers {
	return core.PeerHandlers{
		OnLocalCandidate: func(c domain.ICECandidate) {
			o.post(func() { o.onLocalCandidate(gen, c) })
		},
		OnRemoteTrack: func(t core.RemoteTrack) {
			o.post(func() { o.onRemoteTrack(gen, t) })
		},
		OnStateChange: func(st core.ConnState) {
			o.post(func() { o.onConnState(gen, st) })
		},
		OnChannelOpen: func() {
			log.Debug().Str("module", "orch").Uint64("gen", gen).Msg("chat channel open")
		},
		OnMessage: func(m domain.ChatMessage) {
			o.post(func() { o.onChatMessage(gen, m) })
		},
	}
}

// onLocalCandidate trickles a candidate once the offer or answer it
// belongs to is out; earlier ones ride along with the description.
func (o *Orchestrator) onLocalCandidate(gen uint64, c domain.ICECandidate) {
	sess := o.current(gen)
	if sess == nil {
		return
	}
	env := domain.NewCandidate(o.cfg.Self, sess.Remote, c)
	sess.RecordLocalCandidate(env)
	if sess.LocalOffer != nil || sess.LocalAnswer != nil {
		o.deliver(env)
	}
}

func (o *Orchestrator) onRemoteTrack(gen uint64, t core.RemoteTrack) {
	if o.current(gen) == nil {
		return
	}
	log.Info().Str("module", "orch").Str("call_id", o.record.ID).Str("track", t.ID).Str("kind", string(t.Kind)).Msg("remote track")
	if o.record.State == domain.StateOutgoingRinging {
		o.activate()
	}
}

func (o *Orchestrator) onConnState(gen uint64, st core.ConnState) {
	sess := o.current(gen)
	if sess == nil {
		return
	}
	log.Debug().Str("module", "orch").Str("call_id", sess.CallID).Str("state", st.String()).Msg("transport state")
	switch st {
	case core.ConnConnected:
		sess.Connected = true
		if o.record.State == domain.StateActive && o.record.Quality != domain.QualityGood {
			o.record.Quality = domain.QualityGood
			o.publish(Update{})
		}
	case core.ConnDisconnected:
		if o.record.State == domain.StateActive && o.record.Quality != domain.QualityPoor {
			o.record.Quality = domain.QualityPoor
			o.publish(Update{})
		}
	case core.ConnFailed:
		o.failCall(sess, domain.FailureTransport, "connection lost")
	case core.ConnClosed:
		if o.record.State == domain.StateActive {
			o.finish(domain.StateEnded, nil)
			return
		}
		o.failCall(sess, domain.FailureTransport, "connection closed")
	}
}

func (o *Orchestrator) onChatMessage(gen uint64, m domain.ChatMessage) {
	if o.current(gen) == nil {
		return
	}
	m.IsLocal = false
	o.publish(Update{Message: &m})
}

// failCall fails the call owning sess. Incoming calls that were never
// accepted go straight back to idle.
func (o *Orchestrator) failCall(sess *app.Session, reason domain.FailureReason, msg string) {
	if o.record.State == domain.StateIncomingRinging {
		o.resetToIdle(domain.NoticeCallFailed, msg)
		return
	}
	o.hangup(sess)
	o.fail(reason, msg)
}

// hangup tells the counterpart the call is over. An outgoing call whose
// offer never went out is unknown to the other side and stays silent.
func (o *Orchestrator) hangup(sess *app.Session) {
	if sess.Role == core.RoleInitiator && sess.LocalOffer == nil {
		log.Debug().Str("module", "orch").Str("call_id", sess.CallID).Msg("no offer sent, hangup skipped")
		return
	}
	o.sendControl(sess.Remote, domain.SignalHangup)
}

type userFacing interface{ UserMessage() string }

func userMessage(err error, fallback string) string {
	var uf userFacing
	if errors.As(err, &uf) {
		return uf.UserMessage()
	}
	return fallback
}
