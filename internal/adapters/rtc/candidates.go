package rtc

import (
	"errors"
	"strconv"
	"sync"

	"github.com/pion/webrtc/v4"
)

// candidateBuffer holds remote candidates until the remote description
// is set. Draining and later additions share one lock, so candidates are
// applied exactly once and in arrival order.
type candidateBuffer struct {
	mu      sync.Mutex
	ready   bool
	pending []webrtc.ICECandidateInit
	seen    map[string]struct{}
}

func newCandidateBuffer() *candidateBuffer {
	return &candidateBuffer{seen: make(map[string]struct{})}
}

func candidateKey(c webrtc.ICECandidateInit) string {
	key := c.Candidate
	if c.SDPMid != nil {
		key += "|" + *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		key += "|" + strconv.Itoa(int(*c.SDPMLineIndex))
	}
	return key
}

// add applies c, or keeps it until open. Replayed duplicates are dropped.
func (b *candidateBuffer) add(c webrtc.ICECandidateInit, apply func(webrtc.ICECandidateInit) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := candidateKey(c)
	if _, dup := b.seen[key]; dup {
		return nil
	}
	b.seen[key] = struct{}{}
	if !b.ready {
		b.pending = append(b.pending, c)
		return nil
	}
	return apply(c)
}

// open drains the buffer. A failing candidate does not stop the rest.
func (b *candidateBuffer) open(apply func(webrtc.ICECandidateInit) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		return nil
	}
	b.ready = true
	pending := b.pending
	b.pending = nil

	var errs []error
	for _, c := range pending {
		if err := apply(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *candidateBuffer) buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
