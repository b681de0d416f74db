package rtc

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/peercall/internal/core"
)

// connectivity folds pion peer connection states into core.ConnState and
// escalates a disconnect that outlives the grace window.
type connectivity struct {
	clock clock.Clock
	grace time.Duration
	emit  func(core.ConnState)

	mu    sync.Mutex
	last  core.ConnState
	timer *clock.Timer
	done  bool
}

func newConnectivity(clk clock.Clock, grace time.Duration, emit func(core.ConnState)) *connectivity {
	return &connectivity{clock: clk, grace: grace, emit: emit, last: core.ConnConnecting}
}

func (c *connectivity) observe(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
		c.set(core.ConnConnecting)
	case webrtc.PeerConnectionStateConnected:
		c.set(core.ConnConnected)
	case webrtc.PeerConnectionStateDisconnected:
		c.set(core.ConnDisconnected)
	case webrtc.PeerConnectionStateFailed:
		c.set(core.ConnFailed)
	case webrtc.PeerConnectionStateClosed:
		c.set(core.ConnClosed)
	}
}

func (c *connectivity) set(st core.ConnState) {
	c.mu.Lock()
	if c.done || st == c.last {
		c.mu.Unlock()
		return
	}
	c.last = st
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	switch st {
	case core.ConnDisconnected:
		c.timer = c.clock.AfterFunc(c.grace, c.escalate)
	case core.ConnFailed, core.ConnClosed:
		c.done = true
	}
	c.mu.Unlock()

	if c.emit != nil {
		c.emit(st)
	}
}

func (c *connectivity) escalate() {
	c.mu.Lock()
	still := !c.done && c.last == core.ConnDisconnected
	c.mu.Unlock()
	if still {
		c.set(core.ConnFailed)
	}
}

// stop silences the tracker; used on local close.
func (c *connectivity) stop() {
	c.mu.Lock()
	c.done = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
}

func (c *connectivity) state() core.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
