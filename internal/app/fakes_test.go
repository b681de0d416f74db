package app

import (
	"context"
	"sync"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

type recordingSender struct {
	mu   sync.Mutex
	down bool
	sent []domain.Envelope
}

func (s *recordingSender) Send(env domain.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return domain.ErrChannelUnavailable
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *recordingSender) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

type stubPeer struct {
	added  []domain.ICECandidate
	closed int
}

func (p *stubPeer) CreateAsInitiator(context.Context) (string, error)         { return "offer", nil }
func (p *stubPeer) CreateAsResponder(context.Context, string) (string, error) { return "answer", nil }
func (p *stubPeer) ApplyRemoteAnswer(context.Context, string) error           { return nil }
func (p *stubPeer) AddRemoteCandidate(c domain.ICECandidate) error {
	p.added = append(p.added, c)
	return nil
}
func (p *stubPeer) SendMessage(domain.ChatMessage) error { return nil }
func (p *stubPeer) Close() error {
	p.closed++
	return nil
}

type stubStream struct{ released int }

func (s *stubStream) Tracks() []core.LocalTrack { return nil }
func (s *stubStream) Warning() string           { return "" }
func (s *stubStream) ToggleAudio() bool         { return false }
func (s *stubStream) ToggleVideo() bool         { return false }
func (s *stubStream) Release()                  { s.released++ }
