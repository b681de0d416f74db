package app

import (
	"context"
	"errors"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

var ErrSessionClosed = errors.New("session closed")

// Session is the per-counterpart negotiation state. It is owned by the
// call state machine's event loop and never touched from other goroutines.
type Session struct {
	Gen    uint64
	CallID string
	Local  domain.UserID
	Remote domain.UserID
	Role   core.Role
	Kind   domain.CallKind

	Peer   core.PeerSession
	Stream core.MediaStream

	// RemoteOffer is the buffered inbound offer of a responder.
	RemoteOffer   string
	LocalOffer    *domain.Envelope
	LocalAnswer   *domain.Envelope
	AnswerApplied bool
	Connected     bool

	localCandidates []domain.Envelope
	pending         []domain.ICECandidate

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

func NewSession(parent context.Context, gen uint64, callID string, local, remote domain.UserID, role core.Role, kind domain.CallKind) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		Gen:    gen,
		CallID: callID,
		Local:  local,
		Remote: remote,
		Role:   role,
		Kind:   kind,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context is cancelled as soon as the session closes, aborting in-flight
// media acquisition or negotiation.
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) Closed() bool { return s.closed }

// QueueCandidate hands a remote candidate to the peer, or keeps it until
// a peer exists.
func (s *Session) QueueCandidate(c domain.ICECandidate) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.Peer == nil {
		s.pending = append(s.pending, c)
		return nil
	}
	return s.Peer.AddRemoteCandidate(c)
}

func (s *Session) PendingCandidates() int { return len(s.pending) }

// AttachPeer binds the transport and forwards queued candidates in arrival
// order. The peer itself keeps them until its remote description is set.
func (s *Session) AttachPeer(p core.PeerSession) error {
	if s.closed {
		return ErrSessionClosed
	}
	s.Peer = p
	queued := s.pending
	s.pending = nil
	for _, c := range queued {
		if err := p.AddRemoteCandidate(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) RecordLocalCandidate(env domain.Envelope) {
	s.localCandidates = append(s.localCandidates, env)
}

// Replay lists the negotiation envelopes to resend after the relay comes
// back: the offer or answer first, then every local candidate so far.
func (s *Session) Replay() []domain.Envelope {
	out := make([]domain.Envelope, 0, len(s.localCandidates)+1)
	switch {
	case s.Role == core.RoleInitiator && s.LocalOffer != nil && !s.AnswerApplied:
		out = append(out, *s.LocalOffer)
	case s.Role == core.RoleResponder && s.LocalAnswer != nil && !s.Connected:
		out = append(out, *s.LocalAnswer)
	default:
		return nil
	}
	return append(out, s.localCandidates...)
}

// Close tears the session down once. It reports whether this call did
// the work.
func (s *Session) Close() bool {
	if s.closed {
		return false
	}
	s.closed = true
	s.cancel()
	if s.Stream != nil {
		s.Stream.Release()
	}
	if s.Peer != nil {
		_ = s.Peer.Close()
	}
	s.pending = nil
	return true
}
