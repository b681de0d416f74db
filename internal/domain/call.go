package domain

import "time"

type CallKind string

const (
	CallAudio  CallKind = "audio"
	CallVideo  CallKind = "video"
	CallScreen CallKind = "screen"
)

func (k CallKind) Valid() bool {
	switch k {
	case CallAudio, CallVideo, CallScreen:
		return true
	}
	return false
}

// WantsVideo reports whether a camera track is requested for the kind.
func (k CallKind) WantsVideo() bool { return k == CallVideo || k == CallScreen }

type CallState string

const (
	StateIdle            CallState = "idle"
	StateOutgoingRinging CallState = "outgoing_ringing"
	StateIncomingRinging CallState = "incoming_ringing"
	StateActive          CallState = "active"
	StateEnded           CallState = "ended"
	StateFailed          CallState = "failed"
)

// Terminal reports whether the state only waits for the grace delay.
func (s CallState) Terminal() bool { return s == StateEnded || s == StateFailed }

// Ringing reports whether a negotiation is in progress.
func (s CallState) Ringing() bool { return s == StateOutgoingRinging || s == StateIncomingRinging }

type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
)

type FailureReason string

const (
	FailureNoAnswer    FailureReason = "no_answer"
	FailureBusy        FailureReason = "busy"
	FailureDeclined    FailureReason = "declined"
	FailureMedia       FailureReason = "media"
	FailureNegotiation FailureReason = "negotiation"
	FailureTransport   FailureReason = "transport"
	FailureSignaling   FailureReason = "signaling"
)

type Failure struct {
	Reason  FailureReason `json:"reason"`
	Message string        `json:"message"`
}

// CallRecord is the UI-facing view of the single call. The state machine
// owns it; observers only ever receive copies.
type CallRecord struct {
	ID               string        `json:"id,omitempty"`
	Counterpart      Contact       `json:"counterpart"`
	Kind             CallKind      `json:"kind,omitempty"`
	State            CallState     `json:"state"`
	Outgoing         bool          `json:"outgoing"`
	StartedAt        time.Time     `json:"started_at,omitzero"`
	Duration         time.Duration `json:"duration"`
	Muted            bool          `json:"muted"`
	CameraOff        bool          `json:"camera_off"`
	ScreenSharing    bool          `json:"screen_sharing"`
	PictureInPicture bool          `json:"picture_in_picture"`
	Quality          Quality       `json:"quality,omitempty"`
	Failure          *Failure      `json:"failure,omitempty"`
}

// IdleRecord is what observers see when no call exists.
func IdleRecord() CallRecord { return CallRecord{State: StateIdle} }

func (r CallRecord) Clone() CallRecord {
	if r.Failure != nil {
		f := *r.Failure
		r.Failure = &f
	}
	return r
}
