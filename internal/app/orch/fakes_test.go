package orch

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

type fakeSender struct {
	mu   sync.Mutex
	down bool
	sent []domain.Envelope
}

func (s *fakeSender) Send(env domain.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return domain.ErrChannelUnavailable
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSender) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *fakeSender) envelopes() []domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Envelope(nil), s.sent...)
}

func (s *fakeSender) kinds(to domain.UserID) []domain.SignalKind {
	var out []domain.SignalKind
	for _, env := range s.envelopes() {
		if env.RecipientID == to {
			out = append(out, env.Kind)
		}
	}
	return out
}

func (s *fakeSender) count(to domain.UserID, kind domain.SignalKind) int {
	n := 0
	for _, k := range s.kinds(to) {
		if k == kind {
			n++
		}
	}
	return n
}

func (s *fakeSender) reset() {
	s.mu.Lock()
	s.sent = nil
	s.mu.Unlock()
}

type fakeTrack struct {
	mu      sync.Mutex
	id      string
	kind    core.TrackKind
	enabled bool
	live    bool
}

func newFakeTrack(id string, kind core.TrackKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true, live: true}
}

func (t *fakeTrack) ID() string           { return t.id }
func (t *fakeTrack) Kind() core.TrackKind { return t.kind }
func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}
func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}
func (t *fakeTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}
func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.live = false
	t.mu.Unlock()
}
func (t *fakeTrack) RTP() webrtc.TrackLocal { return nil }

type fakeStream struct {
	mu       sync.Mutex
	tracks   []*fakeTrack
	warning  string
	released int
}

func newFakeStream(kinds ...core.TrackKind) *fakeStream {
	s := &fakeStream{}
	for _, k := range kinds {
		s.tracks = append(s.tracks, newFakeTrack(string(k), k))
	}
	return s
}

func (s *fakeStream) Tracks() []core.LocalTrack {
	out := make([]core.LocalTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *fakeStream) Warning() string { return s.warning }

func (s *fakeStream) toggle(kind core.TrackKind) bool {
	for _, t := range s.tracks {
		if t.kind == kind {
			t.SetEnabled(!t.Enabled())
			return t.Enabled()
		}
	}
	return false
}

func (s *fakeStream) ToggleAudio() bool { return s.toggle(core.TrackAudio) }
func (s *fakeStream) ToggleVideo() bool { return s.toggle(core.TrackVideo) }

func (s *fakeStream) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released > 0 {
		return
	}
	s.released++
	for _, t := range s.tracks {
		t.Stop()
	}
}

func (s *fakeStream) releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

func (s *fakeStream) liveTracks() int {
	n := 0
	for _, t := range s.tracks {
		if t.Live() {
			n++
		}
	}
	return n
}

// fakeMedia hands out fresh streams. With a gate set, Acquire blocks
// until the gate is closed, ignoring cancellation like a slow device.
type fakeMedia struct {
	mu      sync.Mutex
	gate    chan struct{}
	err     error
	warning string
	streams []*fakeStream
}

func (m *fakeMedia) Acquire(_ context.Context, wantAudio, wantVideo bool) (core.MediaStream, error) {
	m.mu.Lock()
	gate, err := m.gate, m.err
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	var kinds []core.TrackKind
	if wantAudio && m.warning == "" {
		kinds = append(kinds, core.TrackAudio)
	}
	if wantVideo {
		kinds = append(kinds, core.TrackVideo)
	}
	s := newFakeStream(kinds...)
	s.warning = m.warning
	m.mu.Lock()
	m.streams = append(m.streams, s)
	m.mu.Unlock()
	return s, nil
}

func (m *fakeMedia) all() []*fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakeStream(nil), m.streams...)
}

type fakePeer struct {
	mu         sync.Mutex
	params     core.PeerParams
	offer      string
	answer     string
	candidates []domain.ICECandidate
	messages   []domain.ChatMessage
	sendErr    error
	closed     int
}

func (p *fakePeer) CreateAsInitiator(context.Context) (string, error) {
	return "offer-sdp", nil
}

func (p *fakePeer) CreateAsResponder(_ context.Context, offer string) (string, error) {
	p.mu.Lock()
	p.offer = offer
	p.mu.Unlock()
	return "answer-sdp", nil
}

func (p *fakePeer) ApplyRemoteAnswer(_ context.Context, sdp string) error {
	if sdp == "garbage" {
		return errors.New("invalid sdp")
	}
	p.mu.Lock()
	p.answer = sdp
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) AddRemoteCandidate(c domain.ICECandidate) error {
	p.mu.Lock()
	p.candidates = append(p.candidates, c)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) SendMessage(m domain.ChatMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.messages = append(p.messages, m)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakePeers struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakePeers) NewSession(params core.PeerParams) (core.PeerSession, error) {
	p := &fakePeer{params: params}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakePeers) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

func (f *fakePeers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}
