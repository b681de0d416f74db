package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/peercall/internal/domain"
)

const (
	typeSignal        = "webrtc_signal"
	typePing          = "ping"
	typePong          = "pong"
	typeUserOnline    = "user_online"
	typeUserOffline   = "user_offline"
	typeFriendAdded   = "friend_added"
	typeFriendRemoved = "friend_removed"
)

var ErrMalformedSignal = errors.New("malformed signal")

// signalBody is the opaque part the relay forwards verbatim.
type signalBody struct {
	Type      string               `json:"type,omitempty"`
	SDP       string               `json:"sdp,omitempty"`
	CallKind  domain.CallKind      `json:"call_kind,omitempty"`
	Candidate *domain.ICECandidate `json:"candidate,omitempty"`
}

type outboundSignal struct {
	Type     string        `json:"type"`
	ToUserID domain.UserID `json:"to_user_id"`
	Signal   signalBody    `json:"signal"`
}

type inboundFrame struct {
	Type           string          `json:"type"`
	FromUserID     domain.UserID   `json:"from_user_id,omitempty"`
	ToUserID       domain.UserID   `json:"to_user_id,omitempty"`
	Signal         json.RawMessage `json:"signal,omitempty"`
	UserID         domain.UserID   `json:"user_id,omitempty"`
	FriendID       domain.UserID   `json:"friend_id,omitempty"`
	FriendUsername string          `json:"friend_username,omitempty"`
	FriendCode     string          `json:"friend_code,omitempty"`
}

var (
	pingFrame = []byte(`{"type":"ping"}`)
	pongFrame = []byte(`{"type":"pong"}`)
)

// EncodeEnvelope renders env as a relay webrtc_signal frame.
func EncodeEnvelope(env domain.Envelope) ([]byte, error) {
	body := signalBody{}
	switch env.Kind {
	case domain.SignalOffer, domain.SignalAnswer:
		if env.Payload.SDP == "" {
			return nil, fmt.Errorf("%w: %s without sdp", ErrMalformedSignal, env.Kind)
		}
		body.Type = string(env.Kind)
		body.SDP = env.Payload.SDP
		body.CallKind = env.Payload.CallKind
	case domain.SignalCandidate:
		if env.Payload.Candidate == nil {
			return nil, fmt.Errorf("%w: candidate missing", ErrMalformedSignal)
		}
		body.Candidate = env.Payload.Candidate
	case domain.SignalReject, domain.SignalBusy, domain.SignalHangup:
		body.Type = string(env.Kind)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedSignal, env.Kind)
	}
	return json.Marshal(outboundSignal{Type: typeSignal, ToUserID: env.RecipientID, Signal: body})
}

// DecodeSignal turns a relayed signal body back into an envelope.
func DecodeSignal(from, to domain.UserID, raw json.RawMessage) (domain.Envelope, error) {
	var body signalBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return domain.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}
	env := domain.Envelope{SenderID: from, RecipientID: to}
	switch body.Type {
	case "":
		if body.Candidate == nil {
			return domain.Envelope{}, fmt.Errorf("%w: no type and no candidate", ErrMalformedSignal)
		}
		env.Kind = domain.SignalCandidate
		env.Payload.Candidate = body.Candidate
	case string(domain.SignalOffer), string(domain.SignalAnswer):
		if body.SDP == "" {
			return domain.Envelope{}, fmt.Errorf("%w: %s without sdp", ErrMalformedSignal, body.Type)
		}
		env.Kind = domain.SignalKind(body.Type)
		env.Payload.SDP = body.SDP
		env.Payload.CallKind = body.CallKind
	case string(domain.SignalReject), string(domain.SignalBusy), string(domain.SignalHangup):
		env.Kind = domain.SignalKind(body.Type)
	default:
		return domain.Envelope{}, fmt.Errorf("%w: unknown type %q", ErrMalformedSignal, body.Type)
	}
	return env, nil
}
