package core

import (
	"context"

	"github.com/dkeye/peercall/internal/domain"
)

type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// ConnState is the transport connectivity as seen by the call core.
type ConnState int

const (
	ConnConnecting ConnState = iota
	ConnConnected
	// ConnDisconnected is transient and tolerated for a grace window.
	ConnDisconnected
	// ConnFailed is terminal and tears the session down.
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     TrackKind
}

// PeerHandlers are invoked from transport goroutines; implementations
// must not block.
type PeerHandlers struct {
	OnLocalCandidate func(domain.ICECandidate)
	OnRemoteTrack    func(RemoteTrack)
	OnStateChange    func(ConnState)
	OnChannelOpen    func()
	OnMessage        func(domain.ChatMessage)
}

type PeerParams struct {
	Self        domain.UserID
	Counterpart domain.UserID
	Role        Role
	Kind        domain.CallKind
	Tracks      []LocalTrack
	Handlers    PeerHandlers
}

// PeerSession owns one peer transport. Negotiation is two-phase: one
// offer and one answer per session.
type PeerSession interface {
	CreateAsInitiator(ctx context.Context) (string, error)
	CreateAsResponder(ctx context.Context, offerSDP string) (string, error)
	ApplyRemoteAnswer(ctx context.Context, answerSDP string) error
	// AddRemoteCandidate buffers until the remote description is set.
	AddRemoteCandidate(domain.ICECandidate) error
	// SendMessage fails fast when the data channel is not open.
	SendMessage(domain.ChatMessage) error
	Close() error
}

// PeerFactory is the strategy seam between transports (relay-negotiated
// pion sessions today).
type PeerFactory interface {
	NewSession(PeerParams) (PeerSession, error)
}
