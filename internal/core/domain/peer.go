package domain

import "fmt"

type PeerRole string

const (
	// RoleInitiator sends the offer; the remote was already in the room.
	RoleInitiator PeerRole = "initiator"
	// RoleResponder answers an offer from a peer that joined later.
	RoleResponder PeerRole = "responder"
)

type LinkState int32

const (
	LinkIdle LinkState = iota
	LinkNegotiating
	LinkConnected
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "idle"
	case LinkNegotiating:
		return "negotiating"
	case LinkConnected:
		return "connected"
	case LinkClosed:
		return "closed"
	default:
		return fmt.Sprintf("link_state(%d)", int32(s))
	}
}

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

type TrackClass string

const (
	TrackClassMicrophone TrackClass = "microphone"
	TrackClassCamera     TrackClass = "camera"
	TrackClassScreen     TrackClass = "screen"
)

// ContentHintDetail marks a video track carrying screen content.
const ContentHintDetail = "detail"

// TrackMetadata is what a receiver knows about an inbound track.
type TrackMetadata struct {
	Kind        TrackKind
	ContentHint string
	TrackID     string
	StreamID    string
}
