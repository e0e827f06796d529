package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"meshroom/internal/core/domain"

	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

var (
	// Opus comfort-noise frame.
	silentFrame = []byte{0xf8, 0xff, 0xfe}
	blackFrame  = []byte{0x0, 0xff, 0xff, 0xff, 0xff}
)

// SyntheticTrack feeds a fixed frame into a pion sample track until it is
// stopped.
type SyntheticTrack struct {
	id       string
	streamID string
	kind     domain.TrackKind
	codec    webrtc.RTPCodecCapability
	frame    []byte
	interval time.Duration
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	hint     string
	local    *webrtc.TrackLocalStaticSample
	onEnded  []func()
	hasEnded bool

	stopped core.Fuse
	ended   sync.Once
	muted   atomic.Bool
}

func newSyntheticTrack(kind domain.TrackKind, streamID string, frameRate int, logger *zap.SugaredLogger) *SyntheticTrack {
	t := &SyntheticTrack{
		id:       uuid.NewString(),
		streamID: streamID,
		kind:     kind,
		logger:   logger,
		stopped:  core.NewFuse(),
	}

	switch kind {
	case domain.TrackKindAudio:
		t.codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		t.frame = silentFrame
		t.interval = 20 * time.Millisecond
	default:
		if frameRate <= 0 {
			frameRate = 15
		}
		t.codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		t.frame = blackFrame
		t.interval = time.Second / time.Duration(frameRate)
	}
	return t
}

func (t *SyntheticTrack) ID() string             { return t.id }
func (t *SyntheticTrack) Kind() domain.TrackKind { return t.kind }

func (t *SyntheticTrack) ContentHint() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hint
}

func (t *SyntheticTrack) SetContentHint(hint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.local != nil {
		t.logger.Debugw("content hint set after attach", "track_id", t.id, "hint", hint)
	}
	t.hint = hint
}

// Local builds the pion track on first use so that its id carries the
// content hint set before attach.
func (t *SyntheticTrack) Local() webrtc.TrackLocal {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.local != nil {
		return t.local
	}

	local, err := webrtc.NewTrackLocalStaticSample(t.codec, EncodeTrackID(t.hint, t.id), t.streamID)
	if err != nil {
		// Only fails on an invalid codec capability.
		panic(fmt.Sprintf("synthetic track: %v", err))
	}
	t.local = local
	go t.pump(local)
	return local
}

func (t *SyntheticTrack) pump(local *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	sample := pionmedia.Sample{Data: t.frame, Duration: t.interval}
	for {
		select {
		case <-ticker.C:
			if t.muted.Load() {
				continue
			}
			if err := local.WriteSample(sample); err != nil {
				t.logger.Debugw("synthetic sample write failed", "track_id", t.id, "error", err)
			}
		case <-t.stopped.Watch():
			return
		}
	}
}

// SetEnabled turns the source on or off. A disabled source sends nothing
// but stays attached.
func (t *SyntheticTrack) SetEnabled(enabled bool) {
	t.muted.Store(!enabled)
}

func (t *SyntheticTrack) Enabled() bool {
	return !t.muted.Load()
}

func (t *SyntheticTrack) Stop() {
	t.stopped.Break()
}

// Stopped reports whether the source was released.
func (t *SyntheticTrack) Stopped() bool {
	return t.stopped.IsBroken()
}

// OnEnded runs f when the source ends. On a source that already ended, f
// runs at once on its own goroutine.
func (t *SyntheticTrack) OnEnded(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hasEnded {
		go f()
		return
	}
	t.onEnded = append(t.onEnded, f)
}

// End simulates the source going away, as when a user revokes a capture
// from the system UI.
func (t *SyntheticTrack) End() {
	t.Stop()
	t.ended.Do(func() {
		t.mu.Lock()
		t.hasEnded = true
		callbacks := append([]func(){}, t.onEnded...)
		t.onEnded = nil
		t.mu.Unlock()

		for _, f := range callbacks {
			f()
		}
	})
}

// SyntheticDevices produces silent audio and black video. It backs the
// headless peer and the tests.
type SyntheticDevices struct {
	// Deny* make the corresponding acquisition fail with
	// ErrPermissionDenied.
	DenyUserMedia    bool
	DenyDisplayMedia bool

	logger *zap.SugaredLogger
}

func NewSyntheticDevices(logger *zap.SugaredLogger) *SyntheticDevices {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SyntheticDevices{logger: logger}
}

func (d *SyntheticDevices) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.DenyUserMedia {
		return nil, fmt.Errorf("camera and microphone: %w", ErrPermissionDenied)
	}

	streamID := uuid.NewString()
	audio := newSyntheticTrack(domain.TrackKindAudio, streamID, 0, d.logger)
	video := newSyntheticTrack(domain.TrackKindVideo, streamID, c.FrameRate, d.logger)

	d.logger.Debugw("synthetic user media acquired",
		"stream_id", streamID,
		"width", c.Width,
		"height", c.Height,
		"frame_rate", c.FrameRate,
	)
	return NewStream(streamID, audio, video), nil
}

func (d *SyntheticDevices) GetDisplayMedia(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.DenyDisplayMedia {
		return nil, fmt.Errorf("display capture: %w", ErrPermissionDenied)
	}

	streamID := uuid.NewString()
	video := newSyntheticTrack(domain.TrackKindVideo, streamID, 5, d.logger)
	return NewStream(streamID, video), nil
}
