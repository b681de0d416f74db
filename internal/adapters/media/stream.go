package media

import (
	"sync"

	"github.com/dkeye/peercall/internal/core"
)

type Stream struct {
	tracks  []*Track
	warning string
	once    sync.Once
}

func newStream(tracks []*Track, warning string) *Stream {
	return &Stream{tracks: tracks, warning: warning}
}

func (s *Stream) Tracks() []core.LocalTrack {
	out := make([]core.LocalTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *Stream) Warning() string { return s.warning }

// ToggleAudio flips the audio track and reports whether it is now
// enabled. A stream without audio stays disabled.
func (s *Stream) ToggleAudio() bool { return s.toggle(core.TrackAudio) }

func (s *Stream) ToggleVideo() bool { return s.toggle(core.TrackVideo) }

func (s *Stream) toggle(kind core.TrackKind) bool {
	enabled := false
	found := false
	for _, t := range s.tracks {
		if t.Kind() != kind {
			continue
		}
		if !found {
			enabled = !t.Enabled()
			found = true
		}
		t.SetEnabled(enabled)
	}
	return enabled
}

// Release stops every track. Safe to call more than once.
func (s *Stream) Release() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
	})
}
