package orch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

var ErrStopped = errors.New("orchestrator stopped")

type Config struct {
	Self        domain.UserID
	RingTimeout time.Duration
	GraceDelay  time.Duration
	// Policy paces outbox retries while the relay is up but congested.
	Policy app.ReconnectPolicy
}

func (c *Config) defaults() {
	if c.RingTimeout <= 0 {
		c.RingTimeout = 60 * time.Second
	}
	if c.GraceDelay <= 0 {
		c.GraceDelay = 3 * time.Second
	}
	if c.Policy == nil {
		c.Policy = app.DefaultPolicy()
	}
}

type Deps struct {
	Signals core.SignalSender
	Media   core.MediaSource
	Peers   core.PeerFactory
	Clock   clock.Clock
}

// Update is one published change. Record is always set; at most one of
// the other fields is.
type Update struct {
	Record   domain.CallRecord     `json:"record"`
	Notice   *domain.Notice        `json:"notice,omitempty"`
	Message  *domain.ChatMessage   `json:"message,omitempty"`
	Presence *domain.PresenceEvent `json:"presence,omitempty"`
	Social   *domain.SocialEvent   `json:"social,omitempty"`
}

// Orchestrator is the call state machine. Every transition runs on the
// Run loop; async steps come back as events tagged with the session
// generation that started them.
type Orchestrator struct {
	cfg   Config
	clock clock.Clock
	media core.MediaSource
	peers core.PeerFactory

	events chan func()
	quit   chan struct{}
	ctx    context.Context

	// loop-owned
	registry   *app.Registry
	outbox     *app.Outbox
	session    *app.Session
	gen        uint64
	record     domain.CallRecord
	contacts   map[domain.UserID]domain.Contact
	relayUp    bool
	relayLost  bool
	ringTimer  *clock.Timer
	graceTimer *clock.Timer
	tickTimer  *clock.Timer
	flushTimer *clock.Timer

	mu       sync.RWMutex
	snapshot domain.CallRecord
	subs     map[int]chan Update
	nextSub  int
}

func New(cfg Config, deps Deps) *Orchestrator {
	cfg.defaults()
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Orchestrator{
		cfg:      cfg,
		clock:    clk,
		media:    deps.Media,
		peers:    deps.Peers,
		events:   make(chan func(), 64),
		quit:     make(chan struct{}),
		ctx:      context.Background(),
		registry: app.NewRegistry(),
		outbox:   app.NewOutbox(deps.Signals, cfg.Policy),
		record:   domain.IdleRecord(),
		contacts: make(map[domain.UserID]domain.Contact),
		snapshot: domain.IdleRecord(),
		subs:     make(map[int]chan Update),
	}
}

// Run processes events until ctx is done. Any call still in progress is
// torn down before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.ctx = ctx
	defer close(o.quit)
	defer o.shutdown()

	log.Info().Str("module", "orch").Str("self", string(o.cfg.Self)).Msg("call loop started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-o.events:
			ev()
		}
	}
}

// post queues ev for the loop. It reports false once the loop is gone.
func (o *Orchestrator) post(ev func()) bool {
	select {
	case o.events <- ev:
		return true
	case <-o.quit:
		return false
	}
}

// do runs fn on the loop and waits for its result.
func (o *Orchestrator) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case o.events <- func() { reply <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.quit:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.quit:
		return ErrStopped
	}
}

// Snapshot returns a copy of the current call record.
func (o *Orchestrator) Snapshot() domain.CallRecord {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshot.Clone()
}

// Subscribe returns a buffered feed of updates. Slow subscribers lose
// updates rather than stall the loop; Snapshot is always current.
func (o *Orchestrator) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 32)
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

func (o *Orchestrator) publish(u Update) {
	u.Record = o.record.Clone()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snapshot = u.Record
	for id, ch := range o.subs {
		select {
		case ch <- u:
		default:
			log.Warn().Str("module", "orch").Int("subscriber", id).Msg("subscriber lagging, update dropped")
		}
	}
}

func (o *Orchestrator) notify(kind domain.NoticeKind, msg string) {
	n := domain.Notice{Kind: kind, CallID: o.record.ID, Counterpart: o.record.Counterpart.ID, Message: msg}
	o.publish(Update{Notice: &n})
}

// current returns the live session started under gen, if any.
func (o *Orchestrator) current(gen uint64) *app.Session {
	if o.session == nil || o.session.Gen != gen || o.session.Closed() {
		return nil
	}
	return o.session
}

func (o *Orchestrator) openSession(remote domain.UserID, role core.Role, kind domain.CallKind) (*app.Session, error) {
	o.gen++
	sess := app.NewSession(o.ctx, o.gen, uuid.NewString(), o.cfg.Self, remote, role, kind)
	if err := o.registry.Bind(sess); err != nil {
		sess.Close()
		return nil, err
	}
	o.session = sess
	log.Info().Str("module", "orch").Str("call_id", sess.CallID).Str("peer", string(remote)).
		Str("role", role.String()).Str("kind", string(kind)).Msg("session opened")
	return sess, nil
}

// closeSession releases media, closes the transport and drops any queued
// negotiation for the counterpart. Safe to call with no session.
func (o *Orchestrator) closeSession() {
	o.stopTimer(&o.ringTimer)
	o.stopTimer(&o.tickTimer)
	sess := o.session
	if sess == nil {
		return
	}
	o.session = nil
	o.registry.Unbind(sess)
	o.outbox.DropNegotiation(sess.Remote)
	if sess.Close() {
		log.Info().Str("module", "orch").Str("call_id", sess.CallID).Str("peer", string(sess.Remote)).Msg("session closed")
	}
}

// finish moves the call to a terminal state and schedules the return to
// idle after the grace delay.
func (o *Orchestrator) finish(state domain.CallState, failure *domain.Failure) {
	o.closeSession()
	o.record.State = state
	o.record.Failure = failure
	if !o.record.StartedAt.IsZero() {
		o.record.Duration = o.elapsed()
	}

	kind, msg := domain.NoticeCallEnded, "call ended"
	if failure != nil {
		kind, msg = domain.NoticeCallFailed, failure.Message
		log.Warn().Str("module", "orch").Str("call_id", o.record.ID).Str("reason", string(failure.Reason)).Msg(failure.Message)
	}
	o.notify(kind, msg)

	o.stopTimer(&o.graceTimer)
	callID := o.record.ID
	o.graceTimer = o.clock.AfterFunc(o.cfg.GraceDelay, func() {
		o.post(func() { o.backToIdle(callID) })
	})
}

func (o *Orchestrator) fail(reason domain.FailureReason, msg string) {
	o.finish(domain.StateFailed, &domain.Failure{Reason: reason, Message: msg})
}

func (o *Orchestrator) backToIdle(callID string) {
	if o.record.ID != callID || !o.record.State.Terminal() {
		return
	}
	o.graceTimer = nil
	o.record = domain.IdleRecord()
	o.publish(Update{})
}

// resetToIdle skips the grace delay; used when a ringing call is
// declined or cancelled.
func (o *Orchestrator) resetToIdle(kind domain.NoticeKind, msg string) {
	o.closeSession()
	o.notify(kind, msg)
	o.record = domain.IdleRecord()
	o.publish(Update{})
}

func (o *Orchestrator) shutdown() {
	o.stopTimer(&o.graceTimer)
	o.stopTimer(&o.flushTimer)
	if o.session != nil {
		log.Info().Str("module", "orch").Str("call_id", o.session.CallID).Msg("loop stopping, tearing down call")
	}
	o.closeSession()
}

func (o *Orchestrator) stopTimer(t **clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (o *Orchestrator) elapsed() time.Duration {
	return o.clock.Since(o.record.StartedAt).Truncate(time.Second)
}

func (o *Orchestrator) contact(id domain.UserID) domain.Contact {
	if c, ok := o.contacts[id]; ok {
		return c
	}
	return domain.Contact{ID: id}
}
