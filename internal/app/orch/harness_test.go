package orch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/peercall/internal/domain"
)

const (
	alice domain.UserID = "alice"
	bob   domain.UserID = "bob"
	carol domain.UserID = "carol"
)

type harness struct {
	t      *testing.T
	o      *Orchestrator
	clock  *clock.Mock
	sender *fakeSender
	media  *fakeMedia
	peers  *fakePeers

	stop func()

	mu      sync.Mutex
	updates []Update
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  clock.NewMock(),
		sender: &fakeSender{},
		media:  &fakeMedia{},
		peers:  &fakePeers{},
	}
	h.o = New(Config{Self: alice}, Deps{
		Signals: h.sender,
		Media:   h.media,
		Peers:   h.peers,
		Clock:   h.clock,
	})

	feed, unsubscribe := h.o.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.o.Run(ctx)
		close(done)
	}()
	go func() {
		for u := range feed {
			h.mu.Lock()
			h.updates = append(h.updates, u)
			h.mu.Unlock()
		}
	}()
	var once sync.Once
	h.stop = func() {
		once.Do(func() {
			cancel()
			<-done
			unsubscribe()
		})
	}
	t.Cleanup(h.stop)
	return h
}

// sync waits until every event posted so far has been processed.
func (h *harness) sync() {
	h.t.Helper()
	require.NoError(h.t, h.o.do(context.Background(), func() error { return nil }))
}

func (h *harness) waitState(st domain.CallState) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.o.Snapshot().State == st },
		time.Second, 2*time.Millisecond, "want state %s, have %s", st, h.o.Snapshot().State)
}

func (h *harness) waitSent(to domain.UserID, kind domain.SignalKind, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.sender.count(to, kind) >= n },
		time.Second, 2*time.Millisecond, "want %d %s to %s, have %v", n, kind, to, h.sender.kinds(to))
}

func (h *harness) waitPeer() *fakePeer {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.peers.last() != nil }, time.Second, 2*time.Millisecond)
	return h.peers.last()
}

func (h *harness) notices() []domain.NoticeKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.NoticeKind
	for _, u := range h.updates {
		if u.Notice != nil {
			out = append(out, u.Notice.Kind)
		}
	}
	return out
}

func (h *harness) waitNotice(kind domain.NoticeKind) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		for _, k := range h.notices() {
			if k == kind {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond, "notice %s never published", kind)
}

func (h *harness) messages() []domain.ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.ChatMessage
	for _, u := range h.updates {
		if u.Message != nil {
			out = append(out, *u.Message)
		}
	}
	return out
}

// call dials bob and waits for the offer to reach the relay.
func (h *harness) call(kind domain.CallKind) *fakePeer {
	h.t.Helper()
	require.NoError(h.t, h.o.RequestCall(context.Background(), domain.Contact{ID: bob, Username: "Bob"}, kind))
	h.waitSent(bob, domain.SignalOffer, 1)
	return h.peers.last()
}

// answered drives an outgoing call to active: answer applied, remote media seen.
func (h *harness) answered(kind domain.CallKind) *fakePeer {
	h.t.Helper()
	peer := h.call(kind)
	h.o.HandleEnvelope(domain.NewAnswer(bob, alice, "answer-sdp"))
	peer.params.Handlers.OnStateChange(coreConnected)
	peer.params.Handlers.OnRemoteTrack(remoteAudio)
	h.waitState(domain.StateActive)
	return peer
}

func (h *harness) incoming(kind domain.CallKind) {
	h.t.Helper()
	h.o.HandleEnvelope(domain.NewOffer(bob, alice, "remote-offer", kind))
	h.waitState(domain.StateIncomingRinging)
}
