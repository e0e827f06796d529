// Package media provides local capture sources for a session.
package media

import (
	"context"
	"errors"
	"strings"

	"meshroom/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

var ErrPermissionDenied = errors.New("media permission denied")

// Track is a local capture source that can be sent on a peer connection.
type Track interface {
	ID() string
	Kind() domain.TrackKind
	ContentHint() string
	// SetContentHint must be called before the track is first attached.
	SetContentHint(hint string)
	// Local returns the pion track fed by this source.
	Local() webrtc.TrackLocal
	// SetEnabled mutes or unmutes the source without detaching it.
	SetEnabled(enabled bool)
	Enabled() bool
	// Stop releases the source. It does not fire OnEnded callbacks.
	Stop()
	// OnEnded registers f to run when the source ends outside the
	// caller's control. If it already ended, f still runs.
	OnEnded(f func())
}

// Stream groups the tracks returned by one acquisition.
type Stream struct {
	ID     string
	tracks []Track
}

func NewStream(id string, tracks ...Track) *Stream {
	return &Stream{ID: id, tracks: tracks}
}

func (s *Stream) Tracks() []Track {
	return append([]Track(nil), s.tracks...)
}

func (s *Stream) first(kind domain.TrackKind) Track {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// Audio returns the first audio track, or nil.
func (s *Stream) Audio() Track {
	return s.first(domain.TrackKindAudio)
}

// Video returns the first video track, or nil.
func (s *Stream) Video() Track {
	return s.first(domain.TrackKindVideo)
}

func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

// Constraints is what a session asks of its capture devices.
type Constraints struct {
	Width            int
	Height           int
	FrameRate        int
	AudioChannels    int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

func ConstraintsFromProfile(p domain.QualityProfile) Constraints {
	return Constraints{
		Width:            p.Width,
		Height:           p.Height,
		FrameRate:        p.FrameRate,
		AudioChannels:    p.AudioChannels,
		EchoCancellation: p.EchoCancellation,
		NoiseSuppression: p.NoiseSuppression,
		AutoGainControl:  p.AutoGainControl,
	}
}

// Devices acquires local capture streams.
type Devices interface {
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
	GetDisplayMedia(ctx context.Context) (*Stream, error)
}

const hintSeparator = ":"

// EncodeTrackID carries a content hint inside the track id announced in
// SDP, where a receiver can read it back with DecodeTrackID.
func EncodeTrackID(hint, id string) string {
	if hint == "" {
		return id
	}
	return hint + hintSeparator + id
}

func DecodeTrackID(trackID string) (hint, id string) {
	if h, rest, ok := strings.Cut(trackID, hintSeparator); ok && h == domain.ContentHintDetail {
		return h, rest
	}
	return "", trackID
}
