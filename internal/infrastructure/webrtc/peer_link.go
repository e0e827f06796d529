package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"meshroom/internal/core/domain"
	"meshroom/internal/infrastructure/media"
	"meshroom/pkg/tracing"

	"github.com/gammazero/deque"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Signaler carries negotiation messages to a remote participant.
type Signaler interface {
	Offer(targetID string, sdp interface{}) error
	Answer(targetID string, sdp interface{}) error
	ICECandidate(targetID string, candidate interface{}) error
}

// PeerLink is the local end of the connection to one remote participant.
// Negotiation steps on one link are serialized by mu.
type PeerLink struct {
	remoteID domain.ConnectionID
	nickname string
	role     domain.PeerRole
	state    atomic.Int32

	mu        sync.Mutex
	pc        PeerConnection
	localSet  bool
	remoteSet bool
	pending   deque.Deque[webrtc.ICECandidateInit]
	senders   map[domain.TrackClass]Sender
	attachCap int
	remote    map[string]*remoteTrackState

	signaler Signaler
	emit     func(Event)
	logger   *zap.SugaredLogger
	closing  atomic.Bool
}

type remoteTrackState struct {
	track RemoteTrack
	class domain.TrackClass
}

func newPeerLink(
	remoteID domain.ConnectionID,
	nickname string,
	role domain.PeerRole,
	pc PeerConnection,
	signaler Signaler,
	emit func(Event),
	logger *zap.SugaredLogger,
) *PeerLink {
	l := &PeerLink{
		remoteID: remoteID,
		nickname: nickname,
		role:     role,
		pc:       pc,
		senders:  make(map[domain.TrackClass]Sender),
		remote:   make(map[string]*remoteTrackState),
		signaler: signaler,
		emit:     emit,
		logger:   logger.With("remote_id", remoteID),
	}
	l.state.Store(int32(domain.LinkIdle))

	pc.OnICECandidate(l.onLocalCandidate)
	pc.OnConnectionStateChange(l.onConnectionState)
	pc.OnTrack(l.onTrack)
	return l
}

func (l *PeerLink) RemoteID() domain.ConnectionID { return l.remoteID }
func (l *PeerLink) Nickname() string              { return l.nickname }
func (l *PeerLink) Role() domain.PeerRole         { return l.role }

func (l *PeerLink) State() domain.LinkState {
	return domain.LinkState(l.state.Load())
}

// AttachCap is the video cap fixed when local media was attached.
func (l *PeerLink) AttachCap() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attachCap
}

// Senders returns the outgoing tracks keyed by what they carry.
func (l *PeerLink) Senders() map[domain.TrackClass]Sender {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[domain.TrackClass]Sender, len(l.senders))
	for k, v := range l.senders {
		out[k] = v
	}
	return out
}

func (l *PeerLink) setState(s domain.LinkState) {
	if domain.LinkState(l.state.Swap(int32(s))) == s {
		return
	}
	l.logger.Debugw("link state changed", "state", s)
	l.emit(LinkStateChanged{RemoteID: l.remoteID, Nickname: l.nickname, State: s})
}

// attach adds the local tracks. video is sent under class with the given cap;
// attachCap is the camera cap restored after a screen share.
func (l *PeerLink) attach(audio, video media.Track, class domain.TrackClass, videoCap, attachCap int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.attachCap = attachCap
	if audio != nil {
		s, err := l.pc.AddTrack(audio)
		if err != nil {
			return fmt.Errorf("add audio track: %w", err)
		}
		l.senders[domain.TrackClassMicrophone] = s
	}
	if video != nil {
		s, err := l.pc.AddTrack(video)
		if err != nil {
			return fmt.Errorf("add video track: %w", err)
		}
		s.SetMaxBitrate(videoCap)
		l.senders[class] = s
	}
	return nil
}

func (l *PeerLink) videoSender() (domain.TrackClass, Sender) {
	for _, class := range []domain.TrackClass{domain.TrackClassCamera, domain.TrackClassScreen} {
		if s, ok := l.senders[class]; ok {
			return class, s
		}
	}
	return "", nil
}

// replaceVideo swaps the outgoing video source in place.
func (l *PeerLink) replaceVideo(track media.Track, class domain.TrackClass, bps int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.State() == domain.LinkClosed {
		return nil
	}
	current, s := l.videoSender()
	if s == nil {
		l.logger.Debugw("no outgoing video to replace")
		return nil
	}
	if bps == 0 {
		bps = l.attachCap
	}

	if err := s.ReplaceTrack(track); err != nil {
		return fmt.Errorf("replace video track: %w", err)
	}
	s.SetMaxBitrate(bps)
	delete(l.senders, current)
	l.senders[class] = s
	return nil
}

// remoteDescription writes the outgoing video cap into desc. A b= line in
// the remote description bounds what this end sends. The local description
// is left as generated, since the connection refuses an edited one.
func (l *PeerLink) remoteDescription(desc webrtc.SessionDescription) webrtc.SessionDescription {
	_, s := l.videoSender()
	if s == nil {
		return desc
	}
	capped, err := ApplyVideoBitrate(desc.SDP, s.MaxBitrate())
	if err != nil {
		l.logger.Debugw("remote description left uncapped", "type", desc.Type, "error", err)
		return desc
	}
	desc.SDP = capped
	return desc
}

// Initiate sends an offer. Only an idle initiator link does anything.
func (l *PeerLink) Initiate(ctx context.Context) error {
	ctx, span := tracing.TraceNegotiation(ctx, "offer", string(l.remoteID))
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.role != domain.RoleInitiator || l.State() != domain.LinkIdle {
		l.logger.Debugw("ignoring initiate", "state", l.State(), "role", l.role)
		return nil
	}

	offer, err := l.pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	l.localSet = true
	l.setState(domain.LinkNegotiating)

	if err := l.signaler.Offer(string(l.remoteID), offer); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

// HandleOffer answers an offer received while idle. Offers in any other
// state are ignored.
func (l *PeerLink) HandleOffer(ctx context.Context, raw json.RawMessage) error {
	ctx, span := tracing.TraceNegotiation(ctx, "answer", string(l.remoteID))
	defer span.End()

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil || offer.Type != webrtc.SDPTypeOffer {
		l.logger.Debugw("ignoring malformed offer", "error", err)
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.State() != domain.LinkIdle {
		l.logger.Debugw("ignoring offer", "state", l.State())
		return nil
	}

	if err := l.applyRemote(offer); err != nil {
		return err
	}
	l.setState(domain.LinkNegotiating)

	answer, err := l.pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	l.localSet = true

	if err := l.signaler.Answer(string(l.remoteID), answer); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("send answer: %w", err)
	}
	return nil
}

// HandleAnswer applies the answer to an outstanding offer. Anything else
// is ignored.
func (l *PeerLink) HandleAnswer(ctx context.Context, raw json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil || answer.Type != webrtc.SDPTypeAnswer {
		l.logger.Debugw("ignoring malformed answer", "error", err)
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.role != domain.RoleInitiator || l.State() != domain.LinkNegotiating || l.remoteSet {
		l.logger.Debugw("ignoring answer without outstanding offer", "state", l.State())
		return nil
	}
	return l.applyRemote(answer)
}

// applyRemote sets the remote description and replays queued candidates
// in arrival order. Callers hold mu.
func (l *PeerLink) applyRemote(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(l.remoteDescription(desc)); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	l.remoteSet = true

	for l.pending.Len() > 0 {
		c := l.pending.PopFront()
		if err := l.pc.AddICECandidate(c); err != nil {
			l.logger.Debugw("queued candidate rejected", "error", err)
		}
	}
	return nil
}

// AddRemoteCandidate applies c, or queues it until the remote description
// is set.
func (l *PeerLink) AddRemoteCandidate(raw json.RawMessage) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &c); err != nil {
		l.logger.Debugw("ignoring malformed candidate", "error", err)
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.State() == domain.LinkClosed {
		return nil
	}
	if !l.remoteSet {
		l.pending.PushBack(c)
		return nil
	}
	if err := l.pc.AddICECandidate(c); err != nil {
		l.logger.Debugw("candidate rejected", "error", err)
	}
	return nil
}

// PendingCandidates is the number of candidates waiting for the remote
// description.
func (l *PeerLink) PendingCandidates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending.Len()
}

func (l *PeerLink) onLocalCandidate(c *webrtc.ICECandidateInit) {
	if c == nil || l.State() == domain.LinkClosed {
		return
	}
	if err := l.signaler.ICECandidate(string(l.remoteID), c); err != nil {
		l.logger.Debugw("failed to send candidate", "error", err)
	}
}

func (l *PeerLink) onConnectionState(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		l.mu.Lock()
		ready := l.localSet && l.remoteSet && l.State() == domain.LinkNegotiating
		if ready {
			l.setState(domain.LinkConnected)
		}
		l.mu.Unlock()

	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		l.logger.Infow("transport lost", "connection_state", s.String())
		_ = l.Close()
	}
}

func (l *PeerLink) onTrack(t RemoteTrack) {
	meta := t.Metadata()
	class := ClassifyTrack(meta)

	l.mu.Lock()
	l.remote[meta.TrackID] = &remoteTrackState{track: t, class: class}
	l.mu.Unlock()

	l.logger.Debugw("remote track added", "track_id", meta.TrackID, "class", class)
	l.emit(TrackAdded{
		RemoteID: l.remoteID,
		Track:    t,
		Class:    class,
		StreamID: StreamIdentity(l.remoteID, class),
	})
}

// reclassifyVideo moves the remote video track between the camera and
// screen slots after a screen-share notice.
func (l *PeerLink) reclassifyVideo(screen bool) {
	class := domain.TrackClassCamera
	if screen {
		class = domain.TrackClassScreen
	}

	l.mu.Lock()
	var changed []string
	for id, rt := range l.remote {
		if rt.track.Metadata().Kind != domain.TrackKindVideo || rt.class == class {
			continue
		}
		rt.class = class
		changed = append(changed, id)
	}
	l.mu.Unlock()

	for _, id := range changed {
		l.emit(TrackClassified{
			RemoteID: l.remoteID,
			TrackID:  id,
			Class:    class,
			StreamID: StreamIdentity(l.remoteID, class),
		})
	}
}

// Close releases the peer connection. It is idempotent and safe to call
// from the connection's own state callback.
func (l *PeerLink) Close() error {
	if !l.closing.CompareAndSwap(false, true) {
		return nil
	}

	l.mu.Lock()
	l.setState(domain.LinkClosed)
	l.pending.Clear()
	l.mu.Unlock()

	return l.pc.Close()
}
