package orch

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// RequestCall starts an outgoing call. It fails with
// domain.ErrCallInProgress while any call record is not idle.
func (o *Orchestrator) RequestCall(ctx context.Context, counterpart domain.Contact, kind domain.CallKind) error {
	return o.do(ctx, func() error { return o.requestCall(counterpart, kind) })
}

func (o *Orchestrator) requestCall(counterpart domain.Contact, kind domain.CallKind) error {
	if !kind.Valid() {
		return domain.ErrInvalidCallKind
	}
	if err := counterpart.ID.Validate(); err != nil {
		return err
	}
	if counterpart.ID == o.cfg.Self {
		return domain.ErrSelfCall
	}
	if o.record.State != domain.StateIdle {
		return domain.ErrCallInProgress
	}
	if o.relayLost {
		return domain.ErrChannelUnavailable
	}
	if counterpart.Username == "" {
		counterpart = o.contact(counterpart.ID)
	}

	sess, err := o.openSession(counterpart.ID, core.RoleInitiator, kind)
	if err != nil {
		return err
	}
	o.record = domain.CallRecord{
		ID:            sess.CallID,
		Counterpart:   counterpart,
		Kind:          kind,
		State:         domain.StateOutgoingRinging,
		Outgoing:      true,
		ScreenSharing: kind == domain.CallScreen,
	}
	gen := sess.Gen
	o.ringTimer = o.clock.AfterFunc(o.cfg.RingTimeout, func() {
		o.post(func() { o.onRingTimeout(gen) })
	})
	o.publish(Update{})
	o.acquire(sess)
	return nil
}

func (o *Orchestrator) onRingTimeout(gen uint64) {
	sess := o.current(gen)
	if sess == nil || o.record.State != domain.StateOutgoingRinging {
		return
	}
	o.hangup(sess)
	o.fail(domain.FailureNoAnswer, "no answer")
}

func (o *Orchestrator) AcceptIncoming(ctx context.Context) error {
	return o.do(ctx, o.acceptIncoming)
}

func (o *Orchestrator) acceptIncoming() error {
	if o.record.State != domain.StateIncomingRinging || o.session == nil {
		return domain.ErrNoIncomingCall
	}
	o.activate()
	o.acquire(o.session)
	return nil
}

func (o *Orchestrator) RejectIncoming(ctx context.Context) error {
	return o.do(ctx, o.rejectIncoming)
}

func (o *Orchestrator) rejectIncoming() error {
	if o.record.State != domain.StateIncomingRinging || o.session == nil {
		return domain.ErrNoIncomingCall
	}
	o.sendControl(o.session.Remote, domain.SignalReject)
	o.resetToIdle(domain.NoticeCallEnded, "call declined")
	return nil
}

// EndCall ends the call in whatever state it is in. Ending an idle or
// already finished call is a no-op.
func (o *Orchestrator) EndCall(ctx context.Context) error {
	return o.do(ctx, func() error {
		o.endCall()
		return nil
	})
}

func (o *Orchestrator) endCall() {
	switch o.record.State {
	case domain.StateIdle, domain.StateEnded, domain.StateFailed:
		return
	case domain.StateIncomingRinging:
		_ = o.rejectIncoming()
		return
	}
	if o.session != nil {
		o.hangup(o.session)
	}
	o.finish(domain.StateEnded, nil)
}

func (o *Orchestrator) ToggleMute(ctx context.Context) error {
	return o.do(ctx, func() error {
		if !o.inCall() {
			return domain.ErrNoActiveCall
		}
		if stream := o.stream(); stream != nil {
			o.record.Muted = !stream.ToggleAudio()
		} else {
			o.record.Muted = !o.record.Muted
		}
		o.publish(Update{})
		return nil
	})
}

func (o *Orchestrator) ToggleCamera(ctx context.Context) error {
	return o.do(ctx, func() error {
		if !o.inCall() {
			return domain.ErrNoActiveCall
		}
		if stream := o.stream(); stream != nil {
			o.record.CameraOff = !stream.ToggleVideo()
		} else {
			o.record.CameraOff = !o.record.CameraOff
		}
		o.publish(Update{})
		return nil
	})
}

// ToggleScreenShare flips the screen-sharing flag. The outgoing video
// track is not replaced, so no renegotiation happens.
func (o *Orchestrator) ToggleScreenShare(ctx context.Context) error {
	return o.do(ctx, func() error {
		if o.record.State != domain.StateActive {
			return domain.ErrNoActiveCall
		}
		o.record.ScreenSharing = !o.record.ScreenSharing
		o.publish(Update{})
		return nil
	})
}

func (o *Orchestrator) TogglePictureInPicture(ctx context.Context) error {
	return o.do(ctx, func() error {
		if o.record.State != domain.StateActive {
			return domain.ErrNoActiveCall
		}
		o.record.PictureInPicture = !o.record.PictureInPicture
		o.publish(Update{})
		return nil
	})
}

// SendMessage sends a chat message over the call's data channel. It
// fails without queuing when the channel is not open.
func (o *Orchestrator) SendMessage(ctx context.Context, content string) (domain.ChatMessage, error) {
	var msg domain.ChatMessage
	err := o.do(ctx, func() error {
		content = strings.TrimSpace(content)
		if content == "" {
			return domain.ErrMessageEmpty
		}
		if len(content) > domain.MaxMessageLen {
			return domain.ErrMessageTooLong
		}
		if o.record.State != domain.StateActive || o.session == nil || o.session.Peer == nil {
			return domain.ErrNoActiveCall
		}
		msg = domain.ChatMessage{
			ID:        uuid.NewString(),
			SenderID:  o.cfg.Self,
			Content:   content,
			Timestamp: o.clock.Now().UTC(),
			IsLocal:   true,
		}
		if err := o.session.Peer.SendMessage(msg); err != nil {
			return err
		}
		o.publish(Update{Message: &msg})
		return nil
	})
	return msg, err
}

// activate enters the active state and starts the duration counter.
func (o *Orchestrator) activate() {
	o.stopTimer(&o.ringTimer)
	o.record.State = domain.StateActive
	o.record.StartedAt = o.clock.Now()
	o.record.Duration = 0
	if o.session != nil && o.session.Connected {
		o.record.Quality = domain.QualityGood
	}
	o.armTick(o.record.ID)
	log.Info().Str("module", "orch").Str("call_id", o.record.ID).Msg("call active")
	o.publish(Update{})
}

func (o *Orchestrator) armTick(callID string) {
	o.tickTimer = o.clock.AfterFunc(time.Second, func() {
		o.post(func() { o.onTick(callID) })
	})
}

func (o *Orchestrator) onTick(callID string) {
	if o.record.ID != callID || o.record.State != domain.StateActive {
		return
	}
	o.record.Duration = o.elapsed()
	o.armTick(callID)
	o.publish(Update{})
}

func (o *Orchestrator) inCall() bool {
	return o.record.State.Ringing() || o.record.State == domain.StateActive
}

func (o *Orchestrator) stream() core.MediaStream {
	if o.session == nil {
		return nil
	}
	return o.session.Stream
}
