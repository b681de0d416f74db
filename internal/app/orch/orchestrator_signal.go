package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// HandleEnvelope feeds a relayed envelope into the loop.
func (o *Orchestrator) HandleEnvelope(env domain.Envelope) {
	o.post(func() { o.onEnvelope(env) })
}

func (o *Orchestrator) HandlePresence(ev domain.PresenceEvent) {
	o.post(func() { o.publish(Update{Presence: &ev}) })
}

func (o *Orchestrator) HandleSocial(ev domain.SocialEvent) {
	o.post(func() {
		switch ev.Kind {
		case domain.SocialFriendAdded:
			o.contacts[ev.FriendID] = domain.Contact{ID: ev.FriendID, Username: ev.FriendUsername}
		case domain.SocialFriendRemoved:
			delete(o.contacts, ev.FriendID)
		}
		o.publish(Update{Social: &ev})
	})
}

// HandleChannelOpen flushes queued envelopes and replays the negotiation
// the counterpart may have missed while the relay was away.
func (o *Orchestrator) HandleChannelOpen() {
	o.post(o.onRelayOpen)
}

// HandleChannelClosed records a lost relay. gaveUp marks a relay that
// will not come back without a new Connect.
func (o *Orchestrator) HandleChannelClosed(gaveUp bool) {
	o.post(func() { o.onRelayClosed(gaveUp) })
}

func (o *Orchestrator) onRelayOpen() {
	restored := o.relayLost
	o.relayUp, o.relayLost = true, false

	var replay []domain.Envelope
	if o.session != nil {
		replay = o.session.Replay()
		if len(replay) > 0 {
			o.outbox.DropNegotiation(o.session.Remote)
		}
	}
	o.flush()
	if len(replay) > 0 {
		log.Info().Str("module", "orch").Str("call_id", o.session.CallID).Int("envelopes", len(replay)).Msg("replaying negotiation")
		o.deliverAll(replay)
	}
	if restored {
		o.notify(domain.NoticeRelayRestored, "signaling restored")
	}
}

func (o *Orchestrator) onRelayClosed(gaveUp bool) {
	o.relayUp = false
	o.stopTimer(&o.flushTimer)
	if !gaveUp || o.relayLost {
		return
	}
	o.relayLost = true
	switch {
	case o.record.State.Ringing():
		o.fail(domain.FailureSignaling, "signaling server unreachable")
	case o.record.State == domain.StateActive:
		o.notify(domain.NoticeRelayUnavailable, "signaling server unreachable, call continues")
	default:
		o.notify(domain.NoticeRelayUnavailable, "signaling server unreachable")
	}
}

func (o *Orchestrator) onEnvelope(env domain.Envelope) {
	if env.RecipientID != "" && env.RecipientID != o.cfg.Self {
		log.Warn().Str("module", "orch").Str("to", string(env.RecipientID)).Msg("envelope for another user dropped")
		return
	}
	if err := env.SenderID.Validate(); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("envelope without sender dropped")
		return
	}
	switch env.Kind {
	case domain.SignalOffer:
		o.onOffer(env)
	case domain.SignalAnswer:
		o.onAnswer(env)
	case domain.SignalCandidate:
		o.onRemoteCandidate(env)
	case domain.SignalReject, domain.SignalBusy, domain.SignalHangup:
		o.onControl(env)
	}
}

func (o *Orchestrator) onOffer(env domain.Envelope) {
	from := env.SenderID
	sess, ok := o.registry.Get(from)
	if !ok {
		if o.record.State != domain.StateIdle {
			o.rejectBusy(from)
			return
		}
		kind := env.Payload.CallKind
		if !kind.Valid() {
			kind = domain.CallAudio
		}
		sess, err := o.openSession(from, core.RoleResponder, kind)
		if err != nil {
			o.rejectBusy(from)
			return
		}
		sess.RemoteOffer = env.Payload.SDP
		o.record = domain.CallRecord{
			ID:          sess.CallID,
			Counterpart: o.contact(from),
			Kind:        kind,
			State:       domain.StateIncomingRinging,
		}
		o.notify(domain.NoticeIncomingCall, "incoming "+string(kind)+" call")
		return
	}

	switch {
	case sess.Role == core.RoleInitiator:
		o.resolveGlare(env)
	case sess.LocalAnswer != nil:
		log.Debug().Str("module", "orch").Str("call_id", sess.CallID).Msg("offer replayed, resending answer")
		if replay := sess.Replay(); len(replay) > 0 {
			o.deliverAll(replay)
		} else {
			o.deliver(*sess.LocalAnswer)
		}
	case sess.Peer == nil:
		sess.RemoteOffer = env.Payload.SDP
	}
}

// resolveGlare settles two users dialling each other. The lower user id
// drops its own offer and answers the counterpart's; the higher one
// ignores the offer and waits for that answer.
func (o *Orchestrator) resolveGlare(env domain.Envelope) {
	from := env.SenderID
	if o.cfg.Self > from {
		log.Info().Str("module", "orch").Str("from", string(from)).Msg("glare, keeping own offer")
		return
	}
	log.Info().Str("module", "orch").Str("from", string(from)).Msg("glare, answering remote offer")
	kind := env.Payload.CallKind
	if !kind.Valid() {
		kind = o.record.Kind
	}
	rec := o.record
	o.closeSession()

	sess, err := o.openSession(from, core.RoleResponder, kind)
	if err != nil {
		o.fail(domain.FailureNegotiation, "could not answer the call")
		return
	}
	sess.RemoteOffer = env.Payload.SDP
	// toggles set while ringing carry over to the answered call
	rec.ID, rec.Kind = sess.CallID, kind
	o.record = rec
	o.activate()
	o.acquire(sess)
}

func (o *Orchestrator) rejectBusy(from domain.UserID) {
	log.Info().Str("module", "orch").Str("from", string(from)).Str("state", string(o.record.State)).Msg("offer rejected, busy")
	o.sendControl(from, domain.SignalBusy)
	n := domain.Notice{Kind: domain.NoticeBusyRejected, CallID: o.record.ID, Counterpart: from, Message: "missed call while busy"}
	o.publish(Update{Notice: &n})
}

func (o *Orchestrator) onAnswer(env domain.Envelope) {
	sess, ok := o.registry.Get(env.SenderID)
	if !ok || sess.Role != core.RoleInitiator || sess.Peer == nil || sess.LocalOffer == nil {
		log.Warn().Str("module", "orch").Str("from", string(env.SenderID)).Msg("unexpected answer dropped")
		return
	}
	if sess.AnswerApplied {
		return
	}
	sess.AnswerApplied = true
	gen, ctx, peer, sdp := sess.Gen, sess.Context(), sess.Peer, env.Payload.SDP
	go func() {
		err := peer.ApplyRemoteAnswer(ctx, sdp)
		o.post(func() { o.onAnswerApplied(gen, err) })
	}()
}

func (o *Orchestrator) onRemoteCandidate(env domain.Envelope) {
	sess, ok := o.registry.Get(env.SenderID)
	if !ok || env.Payload.Candidate == nil {
		return
	}
	if err := sess.QueueCandidate(*env.Payload.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("call_id", sess.CallID).Msg("remote candidate rejected")
	}
}

func (o *Orchestrator) onControl(env domain.Envelope) {
	sess, ok := o.registry.Get(env.SenderID)
	if !ok || sess != o.session {
		return
	}
	switch o.record.State {
	case domain.StateIncomingRinging:
		o.resetToIdle(domain.NoticeCallEnded, "caller hung up")
	case domain.StateOutgoingRinging:
		switch env.Kind {
		case domain.SignalBusy:
			o.fail(domain.FailureBusy, string(env.SenderID)+" is busy")
		default:
			o.fail(domain.FailureDeclined, "call declined")
		}
	case domain.StateActive:
		o.finish(domain.StateEnded, nil)
	}
}

func (o *Orchestrator) sendControl(to domain.UserID, kind domain.SignalKind) {
	o.deliver(domain.NewControl(o.cfg.Self, to, kind))
}

func (o *Orchestrator) deliverAll(envs []domain.Envelope) {
	for _, env := range envs {
		o.deliver(env)
	}
}

func (o *Orchestrator) deliver(env domain.Envelope) {
	if err := o.outbox.Deliver(env); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("kind", string(env.Kind)).Str("to", string(env.RecipientID)).Msg("envelope not delivered")
	}
	if o.relayUp && o.outbox.Pending() > 0 && o.flushTimer == nil {
		o.flush()
	}
}

// flush drains the outbox; a congested relay is retried with backoff.
func (o *Orchestrator) flush() {
	o.stopTimer(&o.flushTimer)
	retryIn, ok := o.outbox.Flush()
	if !ok || !o.relayUp {
		return
	}
	o.flushTimer = o.clock.AfterFunc(retryIn, func() {
		o.post(func() {
			o.flushTimer = nil
			if o.relayUp {
				o.flush()
			}
		})
	})
}
