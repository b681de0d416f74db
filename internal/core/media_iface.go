package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// LocalTrack is one captured device track.
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	// SetEnabled flips the enabled flag without touching the transport.
	SetEnabled(bool)
	// Live is false once Stop has run.
	Live() bool
	// Stop releases the underlying device. Safe to call more than once.
	Stop()
	// RTP returns the track attached to the peer connection.
	RTP() webrtc.TrackLocal
}

type MediaStream interface {
	Tracks() []LocalTrack
	// Warning is a non-fatal degradation message, empty when none.
	Warning() string
	ToggleAudio() bool
	ToggleVideo() bool
	// Release stops every track; it must run on every teardown path.
	Release()
}

type MediaSource interface {
	Acquire(ctx context.Context, wantAudio, wantVideo bool) (MediaStream, error)
}
