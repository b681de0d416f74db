package domain

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "ice-candidate"
	// Control kinds carried through the same relay family.
	SignalReject SignalKind = "reject"
	SignalBusy   SignalKind = "busy"
	SignalHangup SignalKind = "hangup"
)

// ICECandidate mirrors the browser RTCIceCandidateInit JSON shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type SignalPayload struct {
	SDP       string        `json:"sdp,omitempty"`
	CallKind  CallKind      `json:"call_kind,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
}

// Envelope is relayed verbatim; the relay never inspects the payload.
type Envelope struct {
	SenderID    UserID        `json:"sender_id"`
	RecipientID UserID        `json:"recipient_id"`
	Kind        SignalKind    `json:"kind"`
	Payload     SignalPayload `json:"payload"`
}

func NewOffer(from, to UserID, sdp string, kind CallKind) Envelope {
	return Envelope{SenderID: from, RecipientID: to, Kind: SignalOffer, Payload: SignalPayload{SDP: sdp, CallKind: kind}}
}

func NewAnswer(from, to UserID, sdp string) Envelope {
	return Envelope{SenderID: from, RecipientID: to, Kind: SignalAnswer, Payload: SignalPayload{SDP: sdp}}
}

func NewCandidate(from, to UserID, c ICECandidate) Envelope {
	return Envelope{SenderID: from, RecipientID: to, Kind: SignalCandidate, Payload: SignalPayload{Candidate: &c}}
}

func NewControl(from, to UserID, kind SignalKind) Envelope {
	return Envelope{SenderID: from, RecipientID: to, Kind: kind}
}
