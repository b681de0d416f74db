package app

import (
	"errors"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/rs/zerolog/log"
)

// ErrBackpressure is returned by senders whose write buffer is full.
var ErrBackpressure = errors.New("backpressure")

func retryable(err error) bool {
	return errors.Is(err, domain.ErrChannelUnavailable) || errors.Is(err, ErrBackpressure)
}

// Outbox delivers envelopes in order. Envelopes that hit an unavailable
// relay stay queued until Flush succeeds. Owned by a single goroutine.
type Outbox struct {
	sender  core.SignalSender
	backoff *Backoff
	queue   []domain.Envelope
}

func NewOutbox(sender core.SignalSender, policy ReconnectPolicy) *Outbox {
	return &Outbox{sender: sender, backoff: NewBackoff(policy)}
}

// Deliver sends env now, or queues it behind undelivered envelopes.
// Only non-retryable send errors are returned.
func (o *Outbox) Deliver(env domain.Envelope) error {
	if len(o.queue) > 0 {
		o.queue = append(o.queue, env)
		return nil
	}
	err := o.sender.Send(env)
	if err == nil {
		return nil
	}
	if !retryable(err) {
		return err
	}
	log.Debug().Str("module", "app.outbox").Str("kind", string(env.Kind)).Str("to", string(env.RecipientID)).Msg("relay unavailable, queued")
	o.queue = append(o.queue, env)
	return nil
}

// Flush sends queued envelopes in order. When some remain, it returns the
// backoff delay before the next try; ok is false when nothing is pending
// or retries are exhausted (the queue is then kept for the next relay
// open).
func (o *Outbox) Flush() (retryIn time.Duration, ok bool) {
	for len(o.queue) > 0 {
		err := o.sender.Send(o.queue[0])
		if err != nil && retryable(err) {
			return o.backoff.Next()
		}
		if err != nil {
			log.Error().Err(err).Str("module", "app.outbox").Str("kind", string(o.queue[0].Kind)).Msg("dropping undeliverable envelope")
		}
		o.queue = o.queue[1:]
	}
	o.backoff.Reset()
	return 0, false
}

func (o *Outbox) Pending() int { return len(o.queue) }

// DropNegotiation forgets queued offer/answer/candidate envelopes to peer.
// Control envelopes (hangup, reject, busy) stay queued.
func (o *Outbox) DropNegotiation(peer domain.UserID) {
	kept := o.queue[:0]
	for _, env := range o.queue {
		if env.RecipientID == peer {
			switch env.Kind {
			case domain.SignalOffer, domain.SignalAnswer, domain.SignalCandidate:
				continue
			}
		}
		kept = append(kept, env)
	}
	o.queue = kept
}
