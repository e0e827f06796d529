package webrtc

import (
	"meshroom/internal/core/domain"
	"meshroom/internal/infrastructure/media"
)

// Event is emitted by the Orchestrator for a presentation layer.
type Event interface {
	event()
}

type LinkStateChanged struct {
	RemoteID domain.ConnectionID
	Nickname string
	State    domain.LinkState
}

type TrackAdded struct {
	RemoteID domain.ConnectionID
	Track    RemoteTrack
	Class    domain.TrackClass
	StreamID string
}

// TrackClassified reports a changed classification of a known track.
type TrackClassified struct {
	RemoteID domain.ConnectionID
	TrackID  string
	Class    domain.TrackClass
	StreamID string
}

type LinkRemoved struct {
	RemoteID domain.ConnectionID
	Nickname string
}

// LocalScreenShare toggles the local screen self-view.
type LocalScreenShare struct {
	Active bool
	Track  media.Track
}

func (LinkStateChanged) event() {}
func (TrackAdded) event()       {}
func (TrackClassified) event()  {}
func (LinkRemoved) event()      {}
func (LocalScreenShare) event() {}
