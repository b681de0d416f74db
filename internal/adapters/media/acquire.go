package media

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
)

type VideoConstraints struct {
	Width        int    `mapstructure:"width"`
	Height       int    `mapstructure:"height"`
	FrameRate    int    `mapstructure:"frame_rate"`
	MaxWidth     int    `mapstructure:"max_width"`
	MaxHeight    int    `mapstructure:"max_height"`
	MaxFrameRate int    `mapstructure:"max_frame_rate"`
	FacingMode   string `mapstructure:"facing_mode"`
}

type AudioConstraints struct {
	EchoCancellation bool `mapstructure:"echo_cancellation"`
	NoiseSuppression bool `mapstructure:"noise_suppression"`
	AutoGainControl  bool `mapstructure:"auto_gain_control"`
}

// Constraints are quality hints; a nil member means the kind is not requested.
type Constraints struct {
	Audio *AudioConstraints
	Video *VideoConstraints
}

func DefaultVideo() VideoConstraints {
	return VideoConstraints{
		Width: 1280, Height: 720, FrameRate: 30,
		MaxWidth: 1920, MaxHeight: 1080, MaxFrameRate: 60,
		FacingMode: "user",
	}
}

func DefaultAudio() AudioConstraints {
	return AudioConstraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true}
}

// Backend opens capture devices. Errors wrap the package sentinels.
type Backend interface {
	Open(ctx context.Context, c Constraints) ([]*Track, error)
}

type Acquirer struct {
	backend Backend
	audio   AudioConstraints
	video   VideoConstraints
}

func NewAcquirer(backend Backend, audio AudioConstraints, video VideoConstraints) *Acquirer {
	return &Acquirer{backend: backend, audio: audio, video: video}
}

func (a *Acquirer) constraints(wantAudio, wantVideo bool) Constraints {
	var c Constraints
	if wantAudio {
		audio := a.audio
		c.Audio = &audio
	}
	if wantVideo {
		video := a.video
		c.Video = &video
	}
	return c
}

// Acquire opens the requested devices. A busy device while both kinds
// were requested is retried once without audio; the stream then carries
// WarningAudioUnavailable. Every other failure is a fatal *AcquireError.
func (a *Acquirer) Acquire(ctx context.Context, wantAudio, wantVideo bool) (core.MediaStream, error) {
	if !wantAudio && !wantVideo {
		return nil, &AcquireError{Reason: ReasonOverconstrained, Err: fmt.Errorf("%w: nothing requested", ErrOverconstrained)}
	}

	tracks, err := a.open(ctx, wantAudio, wantVideo)
	if err == nil {
		return newStream(tracks, ""), nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	reason := classify(err)
	if reason != ReasonDeviceBusy || !wantAudio || !wantVideo {
		log.Error().Err(err).Str("module", "media").Str("reason", string(reason)).Msg("acquire failed")
		return nil, &AcquireError{Reason: reason, Err: err}
	}

	log.Warn().Err(err).Str("module", "media").Msg("device busy, retrying without audio")
	tracks, err = a.open(ctx, false, true)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Error().Err(err).Str("module", "media").Msg("video-only retry failed")
		return nil, &AcquireError{Reason: classify(err), Err: err}
	}
	return newStream(tracks, WarningAudioUnavailable), nil
}

func (a *Acquirer) open(ctx context.Context, wantAudio, wantVideo bool) ([]*Track, error) {
	tracks, err := a.backend.Open(ctx, a.constraints(wantAudio, wantVideo))
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		for _, t := range tracks {
			t.Stop()
		}
		return nil, ctx.Err()
	}
	return tracks, nil
}
