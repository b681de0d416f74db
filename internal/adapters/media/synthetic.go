package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
)

const (
	audioFrameInterval = 20 * time.Millisecond
	videoFrameInterval = time.Second / 30
)

var (
	// opusSilence is a single 20ms Opus comfort-noise frame.
	opusSilence = []byte{0xf8, 0xff, 0xfe}

	// vp8Blank is a shown VP8 key frame for a 16x16 picture with an
	// empty first partition.
	vp8Blank = []byte{
		0x50, 0x01, 0x00,       // frame tag: key frame, shown, first partition 10 bytes
		0x9d, 0x01, 0x2a,       // start code
		0x10, 0x00, 0x10, 0x00, // 16x16, no scaling
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// SyntheticBackend stands in for OS capture devices. Each device is
// exclusive: opening one that is already held fails with ErrDeviceBusy
// until the holding track stops. Audio tracks carry silence and video
// tracks carry blank frames.
type SyntheticBackend struct {
	clock clock.Clock

	mu       sync.Mutex
	held     map[core.TrackKind]bool
	external map[core.TrackKind]bool
	missing  map[core.TrackKind]bool
	denied   bool
	blocked  bool
	maxVideo VideoConstraints
}

func NewSyntheticBackend(clk clock.Clock) *SyntheticBackend {
	if clk == nil {
		clk = clock.New()
	}
	return &SyntheticBackend{
		clock:    clk,
		held:     make(map[core.TrackKind]bool),
		external: make(map[core.TrackKind]bool),
		missing:  make(map[core.TrackKind]bool),
		maxVideo: VideoConstraints{MaxWidth: 1920, MaxHeight: 1080, MaxFrameRate: 60},
	}
}

// HoldExternally simulates another application owning the device.
func (b *SyntheticBackend) HoldExternally(kind core.TrackKind, held bool) {
	b.mu.Lock()
	b.external[kind] = held
	b.mu.Unlock()
}

func (b *SyntheticBackend) Unplug(kind core.TrackKind) {
	b.mu.Lock()
	b.missing[kind] = true
	b.mu.Unlock()
}

func (b *SyntheticBackend) DenyPermission(denied bool) {
	b.mu.Lock()
	b.denied = denied
	b.mu.Unlock()
}

func (b *SyntheticBackend) BlockInsecure(blocked bool) {
	b.mu.Lock()
	b.blocked = blocked
	b.mu.Unlock()
}

// InUse reports whether this process holds the device.
func (b *SyntheticBackend) InUse(kind core.TrackKind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.held[kind]
}

func (b *SyntheticBackend) Open(ctx context.Context, c Constraints) ([]*Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var kinds []core.TrackKind
	if c.Audio != nil {
		kinds = append(kinds, core.TrackAudio)
	}
	if c.Video != nil {
		kinds = append(kinds, core.TrackVideo)
	}

	b.mu.Lock()
	if err := b.checkLocked(kinds, c); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	for _, k := range kinds {
		b.held[k] = true
	}
	b.mu.Unlock()

	streamID := uuid.NewString()
	tracks := make([]*Track, 0, len(kinds))
	for i, k := range kinds {
		t, err := b.newTrack(k, streamID)
		if err != nil {
			for _, made := range tracks {
				made.Stop()
			}
			b.mu.Lock()
			for _, rest := range kinds[i:] {
				delete(b.held, rest)
			}
			b.mu.Unlock()
			return nil, err
		}
		tracks = append(tracks, t)
	}
	log.Info().Str("module", "media").Str("stream_id", streamID).Int("tracks", len(tracks)).Msg("devices opened")
	return tracks, nil
}

func (b *SyntheticBackend) checkLocked(kinds []core.TrackKind, c Constraints) error {
	switch {
	case b.blocked:
		return ErrSecurity
	case b.denied:
		return ErrPermissionDenied
	}
	for _, k := range kinds {
		if b.missing[k] {
			return fmt.Errorf("%w: %s", ErrNoDevice, k)
		}
	}
	if c.Video != nil && !b.satisfiable(*c.Video) {
		return fmt.Errorf("%w: %dx%d@%d", ErrOverconstrained, c.Video.Width, c.Video.Height, c.Video.FrameRate)
	}
	for _, k := range kinds {
		if b.held[k] || b.external[k] {
			return fmt.Errorf("%w: %s", ErrDeviceBusy, k)
		}
	}
	return nil
}

// satisfiable checks the ideal values against both the requested bounds
// and the device capabilities.
func (b *SyntheticBackend) satisfiable(v VideoConstraints) bool {
	exceeds := func(val, bound int) bool { return bound > 0 && val > bound }
	return !exceeds(v.Width, v.MaxWidth) && !exceeds(v.Height, v.MaxHeight) && !exceeds(v.FrameRate, v.MaxFrameRate) &&
		!exceeds(v.Width, b.maxVideo.MaxWidth) && !exceeds(v.Height, b.maxVideo.MaxHeight) && !exceeds(v.FrameRate, b.maxVideo.MaxFrameRate)
}

func (b *SyntheticBackend) newTrack(kind core.TrackKind, streamID string) (*Track, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == core.TrackVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	sample, err := webrtc.NewTrackLocalStaticSample(capability, string(kind)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("new %s track: %w", kind, err)
	}
	t := NewTrack(kind, sample, func() {
		b.mu.Lock()
		delete(b.held, kind)
		b.mu.Unlock()
		log.Debug().Str("module", "media").Str("kind", string(kind)).Msg("device released")
	})
	if kind == core.TrackVideo {
		go b.pump(t, vp8Blank, videoFrameInterval)
	} else {
		go b.pump(t, opusSilence, audioFrameInterval)
	}
	return t, nil
}

// pump writes one frame per interval until the track stops. A disabled
// track keeps sending, the same way a muted capture track sends silence
// or black frames, so the far side still sees the stream.
func (b *SyntheticBackend) pump(t *Track, frame []byte, interval time.Duration) {
	ticker := b.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.Done():
			return
		case <-ticker.C:
			if err := t.Sample().WriteSample(pionmedia.Sample{Data: frame, Duration: interval}); err != nil {
				log.Debug().Err(err).Str("module", "media").Str("track_id", t.ID()).Msg("sample write failed")
			}
		}
	}
}
