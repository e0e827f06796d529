package webrtc

import (
	"meshroom/internal/core/domain"
)

const screenStreamSuffix = "-screen"

// ClassifyTrack decides which slot an inbound track belongs to. A video
// track is a screen capture exactly when its content hint is "detail".
func ClassifyTrack(m domain.TrackMetadata) domain.TrackClass {
	if m.Kind == domain.TrackKindAudio {
		return domain.TrackClassMicrophone
	}
	if m.ContentHint == domain.ContentHintDetail {
		return domain.TrackClassScreen
	}
	return domain.TrackClassCamera
}

// StreamIdentity is the logical stream a classified track is shown under.
func StreamIdentity(remoteID domain.ConnectionID, class domain.TrackClass) string {
	if class == domain.TrackClassScreen {
		return string(remoteID) + screenStreamSuffix
	}
	return string(remoteID)
}
