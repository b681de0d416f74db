package domain

type NoticeKind string

const (
	NoticeIncomingCall     NoticeKind = "incoming_call"
	NoticeMediaWarning     NoticeKind = "media_warning"
	NoticeCallFailed       NoticeKind = "call_failed"
	NoticeCallEnded        NoticeKind = "call_ended"
	NoticeRelayUnavailable NoticeKind = "relay_unavailable"
	NoticeRelayRestored    NoticeKind = "relay_restored"
	NoticeBusyRejected     NoticeKind = "busy_rejected"
)

// Notice is a one-shot user-facing message emitted alongside a record update.
type Notice struct {
	Kind        NoticeKind `json:"kind"`
	CallID      string     `json:"call_id,omitempty"`
	Counterpart UserID     `json:"counterpart,omitempty"`
	Message     string     `json:"message,omitempty"`
}
