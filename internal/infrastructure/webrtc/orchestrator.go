package webrtc

import (
	"context"
	"encoding/json"
	"sync"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/services"
	"meshroom/internal/infrastructure/media"
	"meshroom/pkg/protocol"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const eventBufferSize = 256

// Orchestrator owns one PeerLink per known remote participant. Operations
// on different links run concurrently.
type Orchestrator struct {
	factory  PeerConnectionFactory
	signaler Signaler
	logger   *zap.SugaredLogger

	mu     sync.RWMutex
	links  map[domain.ConnectionID]*PeerLink
	local  *media.Stream
	screen media.Track
	closed bool

	// remoteSharing survives link recreation within a session.
	remoteSharing map[domain.ConnectionID]bool

	eventsMu      sync.RWMutex
	events        chan Event
	eventsClosed  bool
	droppedEvents atomic.Uint64
}

func NewOrchestrator(factory PeerConnectionFactory, signaler Signaler, logger *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		factory:       factory,
		signaler:      signaler,
		logger:        logger,
		links:         make(map[domain.ConnectionID]*PeerLink),
		remoteSharing: make(map[domain.ConnectionID]bool),
		events:        make(chan Event, eventBufferSize),
	}
}

// Events is closed once the Orchestrator is closed.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// DroppedEvents counts events lost to a slow consumer.
func (o *Orchestrator) DroppedEvents() uint64 {
	return o.droppedEvents.Load()
}

func (o *Orchestrator) emit(e Event) {
	o.eventsMu.RLock()
	defer o.eventsMu.RUnlock()

	if o.eventsClosed {
		return
	}
	select {
	case o.events <- e:
	default:
		o.droppedEvents.Inc()
		o.logger.Warnw("event dropped, consumer too slow", "event", e)
	}
}

// SetLocalMedia sets the camera and microphone stream attached to links
// created from now on.
func (o *Orchestrator) SetLocalMedia(stream *media.Stream) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.local = stream
}

func (o *Orchestrator) Link(id domain.ConnectionID) (*PeerLink, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	l, ok := o.links[id]
	return l, ok
}

func (o *Orchestrator) Links() []*PeerLink {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]*PeerLink, 0, len(o.links))
	for _, l := range o.links {
		out = append(out, l)
	}
	return out
}

// PeerCount is the number of participants in the session, self included.
func (o *Orchestrator) PeerCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.links) + 1
}

// ensureLink returns the link to id, creating and attaching it if needed.
// roomSize is the participant count known from signaling, self included.
func (o *Orchestrator) ensureLink(id domain.ConnectionID, nickname string, role domain.PeerRole, roomSize int) (*PeerLink, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, false, domain.ErrPeerLinkClosed
	}
	if l, ok := o.links[id]; ok {
		return l, false, nil
	}

	pc, err := o.factory.NewPeerConnection()
	if err != nil {
		return nil, false, err
	}
	l := newPeerLink(id, nickname, role, pc, o.signaler, o.emit, o.logger)

	// The cap is fixed here and not revisited as the room grows or shrinks.
	peers := len(o.links) + 2
	if roomSize > peers {
		peers = roomSize
	}
	attachCap := services.MaxBitrateForPeers(peers)

	var audio, video media.Track
	if o.local != nil {
		audio, video = o.local.Audio(), o.local.Video()
	}
	class, videoCap := domain.TrackClassCamera, attachCap
	if o.screen != nil {
		video, class, videoCap = o.screen, domain.TrackClassScreen, services.ScreenShareMaxBitrate
	}
	if err := l.attach(audio, video, class, videoCap, attachCap); err != nil {
		_ = pc.Close()
		return nil, false, err
	}

	o.links[id] = l
	o.logger.Infow("peer link created",
		"remote_id", id,
		"nickname", nickname,
		"role", role,
		"max_bitrate", attachCap,
	)
	return l, true, nil
}

// HandleJoined creates an initiator link to every participant that was
// already in the room and sends each an offer.
func (o *Orchestrator) HandleJoined(ctx context.Context, existing []protocol.Participant) {
	roomSize := len(existing) + 1

	var wg sync.WaitGroup
	for _, p := range existing {
		l, _, err := o.ensureLink(domain.ConnectionID(p.ConnectionID), p.Nickname, domain.RoleInitiator, roomSize)
		if err != nil {
			o.logger.Warnw("failed to create peer link", "remote_id", p.ConnectionID, "error", err)
			continue
		}

		wg.Add(1)
		go func(l *PeerLink) {
			defer wg.Done()
			if err := l.Initiate(ctx); err != nil {
				o.logger.Warnw("negotiation failed", "remote_id", l.RemoteID(), "error", err)
			}
		}(l)
	}
	wg.Wait()
}

// HandlePeerJoined prepares a responder link for a later joiner, which
// will send the offer.
func (o *Orchestrator) HandlePeerJoined(id domain.ConnectionID, nickname string) {
	if _, _, err := o.ensureLink(id, nickname, domain.RoleResponder, 0); err != nil {
		o.logger.Warnw("failed to create peer link", "remote_id", id, "error", err)
	}
}

// HandleOffer answers an offer, creating a responder link for an unknown
// sender.
func (o *Orchestrator) HandleOffer(ctx context.Context, from domain.ConnectionID, nickname string, sdp json.RawMessage) {
	l, _, err := o.ensureLink(from, nickname, domain.RoleResponder, 0)
	if err != nil {
		o.logger.Warnw("failed to create peer link", "remote_id", from, "error", err)
		return
	}
	if err := l.HandleOffer(ctx, sdp); err != nil {
		o.logger.Warnw("failed to answer offer", "remote_id", from, "error", err)
	}
}

func (o *Orchestrator) HandleAnswer(ctx context.Context, from domain.ConnectionID, sdp json.RawMessage) {
	l, ok := o.Link(from)
	if !ok {
		o.logger.Debugw("answer from unknown peer", "remote_id", from)
		return
	}
	if err := l.HandleAnswer(ctx, sdp); err != nil {
		o.logger.Warnw("failed to apply answer", "remote_id", from, "error", err)
	}
}

func (o *Orchestrator) HandleCandidate(from domain.ConnectionID, candidate json.RawMessage) {
	l, ok := o.Link(from)
	if !ok {
		o.logger.Debugw("candidate from unknown peer", "remote_id", from)
		return
	}
	_ = l.AddRemoteCandidate(candidate)
}

// HandlePeerLeft closes and forgets the link to id.
func (o *Orchestrator) HandlePeerLeft(id domain.ConnectionID) {
	o.mu.Lock()
	l, ok := o.links[id]
	delete(o.links, id)
	delete(o.remoteSharing, id)
	o.mu.Unlock()

	if !ok {
		return
	}
	if err := l.Close(); err != nil {
		o.logger.Debugw("peer link close failed", "remote_id", id, "error", err)
	}
	o.emit(LinkRemoved{RemoteID: id, Nickname: l.Nickname()})
}

// HandleScreenShareNotice re-classifies the sender's video. The notice is
// the only signal that survives an in-place track replacement.
func (o *Orchestrator) HandleScreenShareNotice(from domain.ConnectionID, active bool) {
	o.mu.Lock()
	if active {
		o.remoteSharing[from] = true
	} else {
		delete(o.remoteSharing, from)
	}
	l, ok := o.links[from]
	o.mu.Unlock()

	if ok {
		l.reclassifyVideo(active)
	}
}

// RemoteSharing reports whether id announced a screen share.
func (o *Orchestrator) RemoteSharing(id domain.ConnectionID) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.remoteSharing[id]
}

// substituteVideo sends track instead of the camera on every open link and
// on links created until restoreVideo.
func (o *Orchestrator) substituteVideo(track media.Track, bps int) {
	o.mu.Lock()
	o.screen = track
	links := make([]*PeerLink, 0, len(o.links))
	for _, l := range o.links {
		links = append(links, l)
	}
	o.mu.Unlock()

	for _, l := range links {
		if err := l.replaceVideo(track, domain.TrackClassScreen, bps); err != nil {
			o.logger.Warnw("screen substitution failed", "remote_id", l.RemoteID(), "error", err)
		}
	}
}

// restoreVideo puts the camera back at each link's attach-time cap.
func (o *Orchestrator) restoreVideo() {
	o.mu.Lock()
	o.screen = nil
	var camera media.Track
	if o.local != nil {
		camera = o.local.Video()
	}
	links := make([]*PeerLink, 0, len(o.links))
	for _, l := range o.links {
		links = append(links, l)
	}
	o.mu.Unlock()

	if camera == nil {
		return
	}
	for _, l := range links {
		if err := l.replaceVideo(camera, domain.TrackClassCamera, 0); err != nil {
			o.logger.Warnw("camera restore failed", "remote_id", l.RemoteID(), "error", err)
		}
	}
}

// Close closes every link concurrently and then the event channel. Local
// media stays with its owner.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	links := o.links
	o.links = make(map[domain.ConnectionID]*PeerLink)
	o.mu.Unlock()

	var g errgroup.Group
	for _, l := range links {
		l := l
		g.Go(func() error {
			err := l.Close()
			o.emit(LinkRemoved{RemoteID: l.RemoteID(), Nickname: l.Nickname()})
			return err
		})
	}
	err := g.Wait()

	o.eventsMu.Lock()
	o.eventsClosed = true
	close(o.events)
	o.eventsMu.Unlock()

	return err
}
