package webrtc

import (
	"context"
	"fmt"
	"sync"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/services"
	"meshroom/internal/infrastructure/media"

	"go.uber.org/zap"
)

// ScreenShareNotifier announces screen-share changes to the room.
type ScreenShareNotifier interface {
	ScreenShareStarted() error
	ScreenShareStopped() error
}

// ScreenShare substitutes a display capture for the camera on every link.
type ScreenShare struct {
	orch     *Orchestrator
	devices  media.Devices
	notifier ScreenShareNotifier
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	stream *media.Stream
}

func NewScreenShare(orch *Orchestrator, devices media.Devices, notifier ScreenShareNotifier, logger *zap.SugaredLogger) *ScreenShare {
	return &ScreenShare{
		orch:     orch,
		devices:  devices,
		notifier: notifier,
		logger:   logger,
	}
}

func (s *ScreenShare) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

func (s *ScreenShare) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return domain.ErrScreenShareActive
	}

	stream, err := s.devices.GetDisplayMedia(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
	}
	video := stream.Video()
	if video == nil {
		stream.Stop()
		return fmt.Errorf("%w: display capture has no video", domain.ErrMediaAcquisition)
	}

	// The capture can end from outside, e.g. the system sharing UI. The
	// callback waits on mu, so it sees the share only once Start returns.
	video.OnEnded(func() {
		if err := s.stopStream(stream); err != nil {
			s.logger.Warnw("screen share cleanup failed", "error", err)
		}
	})

	video.SetContentHint(domain.ContentHintDetail)
	s.orch.substituteVideo(video, services.ScreenShareMaxBitrate)
	s.stream = stream

	s.orch.emit(LocalScreenShare{Active: true, Track: video})
	if err := s.notifier.ScreenShareStarted(); err != nil {
		s.logger.Warnw("failed to announce screen share", "error", err)
	}

	s.logger.Infow("screen share started", "links", len(s.orch.Links()))
	return nil
}

// Stop restores the camera. It is a no-op when nothing is shared.
func (s *ScreenShare) Stop() error {
	return s.stopStream(nil)
}

// stopStream ends the current share. When only is set, a share of any
// other capture is left running.
func (s *ScreenShare) stopStream(only *media.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.stream
	if stream == nil || (only != nil && stream != only) {
		return nil
	}
	s.stream = nil

	s.orch.restoreVideo()
	stream.Stop()
	s.orch.emit(LocalScreenShare{Active: false})

	s.logger.Infow("screen share stopped")
	return s.notifier.ScreenShareStopped()
}
