package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/peercall/internal/core"
)

// Track is one captured device track backed by a pion sample track.
type Track struct {
	kind    core.TrackKind
	sample  *webrtc.TrackLocalStaticSample
	enabled atomic.Bool

	once    sync.Once
	done    chan struct{}
	release func()
}

// NewTrack wraps sample; release frees the device and runs once on Stop.
func NewTrack(kind core.TrackKind, sample *webrtc.TrackLocalStaticSample, release func()) *Track {
	t := &Track{kind: kind, sample: sample, done: make(chan struct{}), release: release}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string              { return t.sample.ID() }
func (t *Track) Kind() core.TrackKind    { return t.kind }
func (t *Track) Enabled() bool           { return t.enabled.Load() }
func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *Track) RTP() webrtc.TrackLocal  { return t.sample }

// Sample is the writable pion track for capture pumps.
func (t *Track) Sample() *webrtc.TrackLocalStaticSample { return t.sample }

// Done is closed once the track stops.
func (t *Track) Done() <-chan struct{} { return t.done }

func (t *Track) Live() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (t *Track) Stop() {
	t.once.Do(func() {
		close(t.done)
		if t.release != nil {
			t.release()
		}
	})
}
