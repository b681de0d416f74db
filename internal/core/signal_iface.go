package core

import "github.com/dkeye/peercall/internal/domain"

// SignalSender abstracts the relay transport used for negotiation.
// Owned by the adapter. Send must fail fast with
// domain.ErrChannelUnavailable while the relay is unreachable.
type SignalSender interface {
	Send(domain.Envelope) error
}
