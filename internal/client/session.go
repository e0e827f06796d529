// Package client runs one participant's side of a meshroom call: it picks
// media quality, acquires local media, joins through the signaling server
// and drives the peer links from the messages it receives.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/services"
	"meshroom/internal/infrastructure/media"
	"meshroom/internal/infrastructure/signal"
	"meshroom/internal/infrastructure/webrtc"
	"meshroom/pkg/device"
	"meshroom/pkg/protocol"
	"meshroom/pkg/utils"

	"go.uber.org/zap"
)

const chatBufferSize = 64

// ErrJoinRejected is returned when the server answers a join with an error.
var ErrJoinRejected = errors.New("join rejected")

// Config describes one session. Devices and Factory are required.
type Config struct {
	// ServerURL is the websocket endpoint, e.g. ws://localhost:3000/ws.
	ServerURL string
	RoomCode  domain.RoomCode
	Nickname  string
	Title     string

	Device  device.Overrides
	Signal  signal.ClientOptions
	Devices media.Devices
	Factory webrtc.PeerConnectionFactory

	// HTTPClient is used for the room lookup. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

type Session struct {
	cfg     Config
	client  *signal.Client
	orch    *webrtc.Orchestrator
	share   *webrtc.ScreenShare
	local   *media.Stream
	profile domain.QualityProfile

	selfID domain.ConnectionID
	room   protocol.RoomInfo

	// queues serialize the messages from one remote participant while
	// different participants proceed in parallel. Owned by run.
	queues map[domain.ConnectionID]*utils.OpsQueue

	chat      chan protocol.Chat
	done      chan struct{}
	cancel    context.CancelFunc
	leaveOnce sync.Once

	logger *zap.SugaredLogger
}

// Join runs the join flow: room lookup, capability tier, quality profile,
// local media, then the signaling join. Media failures are returned before
// anything is sent to the server.
func Join(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (*Session, error) {
	if cfg.Devices == nil || cfg.Factory == nil {
		return nil, errors.New("client: devices and peer connection factory are required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	code, err := services.NormalizeRoomCode(cfg.RoomCode)
	if err != nil {
		return nil, err
	}
	cfg.RoomCode = code
	logger = logger.With("room_code", code)

	participants, err := lookupParticipants(ctx, cfg.HTTPClient, cfg.ServerURL, code)
	if err != nil {
		logger.Warnw("room lookup failed, assuming empty room", "error", err)
	}

	quality := services.NewQualityService()
	tier := quality.DetectTier(device.DetectWith(cfg.Device))
	profile := quality.Profile(tier, participants+1)
	logger.Infow("quality profile selected",
		"tier", tier,
		"effective_tier", profile.Tier,
		"participants", participants,
		"width", profile.Width,
		"height", profile.Height,
		"frame_rate", profile.FrameRate,
	)

	local, err := cfg.Devices.GetUserMedia(ctx, media.ConstraintsFromProfile(profile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
	}

	client, err := signal.Dial(ctx, cfg.ServerURL, cfg.Signal, logger)
	if err != nil {
		local.Stop()
		return nil, fmt.Errorf("connect to signaling server: %w", err)
	}

	orch := webrtc.NewOrchestrator(cfg.Factory, client, logger)
	orch.SetLocalMedia(local)

	s := &Session{
		cfg:     cfg,
		client:  client,
		orch:    orch,
		share:   webrtc.NewScreenShare(orch, cfg.Devices, client, logger),
		local:   local,
		profile: profile,
		queues:  make(map[domain.ConnectionID]*utils.OpsQueue),
		chat:    make(chan protocol.Chat, chatBufferSize),
		done:    make(chan struct{}),
		logger:  logger,
	}

	joined, early, err := s.join(ctx)
	if err != nil {
		_ = orch.Close()
		_ = client.Close()
		local.Stop()
		return nil, err
	}
	s.selfID = domain.ConnectionID(joined.ConnectionID)
	s.room = joined.Room
	s.logger = logger.With("connection_id", s.selfID)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	// Offers go out before the dispatch loop starts so the first answers
	// find their links.
	orch.HandleJoined(runCtx, joined.Participants)
	go s.run(runCtx, early)

	s.logger.Infow("joined room", "title", joined.Room.Title, "peers", len(joined.Participants))
	return s, nil
}

// join sends the join request and waits for the snapshot. Room traffic
// that overtakes the snapshot is returned in arrival order, to be handled
// once the snapshot's offers are out.
func (s *Session) join(ctx context.Context) (*protocol.Joined, []protocol.Envelope, error) {
	if err := s.client.Join(string(s.cfg.RoomCode), s.cfg.Nickname, s.cfg.Title); err != nil {
		return nil, nil, err
	}

	var early []protocol.Envelope
	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case env, ok := <-s.client.Messages():
			if !ok {
				return nil, nil, signal.ErrClientClosed
			}
			switch env.Type {
			case protocol.TypeJoined:
				joined, err := protocol.DecodePayload[protocol.Joined](env)
				if err != nil {
					return nil, nil, err
				}
				return &joined, early, nil
			case protocol.TypeError:
				e, _ := protocol.DecodePayload[protocol.Error](env)
				return nil, nil, fmt.Errorf("%w: %s: %s", ErrJoinRejected, e.Code, e.Message)
			default:
				s.logger.Debugw("holding message until joined", "type", env.Type)
				early = append(early, env)
			}
		}
	}
}

func (s *Session) run(ctx context.Context, early []protocol.Envelope) {
	defer close(s.done)
	defer close(s.chat)
	defer s.stopQueues()

	for _, env := range early {
		if err := s.dispatch(ctx, env); err != nil {
			s.logger.Debugw("ignoring message", "type", env.Type, "error", err)
		}
	}
	for env := range s.client.Messages() {
		if err := s.dispatch(ctx, env); err != nil {
			s.logger.Debugw("ignoring message", "type", env.Type, "error", err)
		}
	}
	s.logger.Infow("signaling connection closed")
}

// forPeer queues op behind earlier messages from the same participant.
func (s *Session) forPeer(id domain.ConnectionID, op func()) {
	q, ok := s.queues[id]
	if !ok {
		q = utils.NewOpsQueue()
		q.Start()
		s.queues[id] = q
	}
	q.Enqueue(op)
}

// retirePeer lets the participant's queued messages finish and forgets
// the queue.
func (s *Session) retirePeer(id domain.ConnectionID) {
	if q, ok := s.queues[id]; ok {
		q.Stop()
		delete(s.queues, id)
	}
}

func (s *Session) stopQueues() {
	queues := make([]*utils.OpsQueue, 0, len(s.queues))
	for id, q := range s.queues {
		q.Stop()
		queues = append(queues, q)
		delete(s.queues, id)
	}
	for _, q := range queues {
		<-q.Done()
	}
}

func (s *Session) dispatch(ctx context.Context, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeUserConnected:
		p, err := protocol.DecodePayload[protocol.UserConnected](env)
		if err != nil {
			return err
		}
		id := domain.ConnectionID(p.ConnectionID)
		s.forPeer(id, func() { s.orch.HandlePeerJoined(id, p.Nickname) })

	case protocol.TypeUserDisconnected:
		p, err := protocol.DecodePayload[protocol.UserDisconnected](env)
		if err != nil {
			return err
		}
		id := domain.ConnectionID(p.ConnectionID)
		s.forPeer(id, func() { s.orch.HandlePeerLeft(id) })
		s.retirePeer(id)

	case protocol.TypeOffer:
		p, err := protocol.DecodePayload[protocol.Offer](env)
		if err != nil {
			return err
		}
		id := domain.ConnectionID(p.From)
		s.forPeer(id, func() { s.orch.HandleOffer(ctx, id, p.Nickname, p.SDP) })

	case protocol.TypeAnswer:
		p, err := protocol.DecodePayload[protocol.Answer](env)
		if err != nil {
			return err
		}
		id := domain.ConnectionID(p.From)
		s.forPeer(id, func() { s.orch.HandleAnswer(ctx, id, p.SDP) })

	case protocol.TypeICECandidate:
		p, err := protocol.DecodePayload[protocol.ICECandidate](env)
		if err != nil {
			return err
		}
		id := domain.ConnectionID(p.From)
		s.forPeer(id, func() { s.orch.HandleCandidate(id, p.Candidate) })

	case protocol.TypeScreenShareStarted, protocol.TypeScreenShareStopped:
		p, err := protocol.DecodePayload[protocol.ScreenShareNotice](env)
		if err != nil {
			return err
		}
		id, active := domain.ConnectionID(p.From), env.Type == protocol.TypeScreenShareStarted
		s.forPeer(id, func() { s.orch.HandleScreenShareNotice(id, active) })

	case protocol.TypeChat:
		p, err := protocol.DecodePayload[protocol.Chat](env)
		if err != nil {
			return err
		}
		select {
		case s.chat <- p:
		default:
			s.logger.Warnw("chat message dropped, consumer too slow", "from", p.From)
		}

	case protocol.TypeError:
		p, _ := protocol.DecodePayload[protocol.Error](env)
		s.logger.Warnw("server reported an error", "code", p.Code, "message", p.Message)

	default:
		return fmt.Errorf("unexpected message type %q", env.Type)
	}
	return nil
}

func (s *Session) SelfID() domain.ConnectionID        { return s.selfID }
func (s *Session) Room() protocol.RoomInfo            { return s.room }
func (s *Session) Profile() domain.QualityProfile     { return s.profile }
func (s *Session) Orchestrator() *webrtc.Orchestrator { return s.orch }
func (s *Session) Events() <-chan webrtc.Event        { return s.orch.Events() }
func (s *Session) ChatMessages() <-chan protocol.Chat { return s.chat }
func (s *Session) LocalMedia() *media.Stream          { return s.local }
func (s *Session) ScreenSharing() bool                { return s.share.Active() }
func (s *Session) StopScreenShare() error             { return s.share.Stop() }

// Done is closed when the signaling connection ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Chat sends text to everyone else in the room.
func (s *Session) Chat(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.client.Chat(text)
}

func (s *Session) StartScreenShare(ctx context.Context) error {
	return s.share.Start(ctx)
}

// SetMicrophone mutes or unmutes the local audio on every link. It reports
// false when the session has no microphone.
func (s *Session) SetMicrophone(on bool) bool {
	return setEnabled(s.local.Audio(), on)
}

// SetCamera turns the camera feed on or off. A screen share is not
// affected.
func (s *Session) SetCamera(on bool) bool {
	return setEnabled(s.local.Video(), on)
}

func (s *Session) MicrophoneOn() bool { return isEnabled(s.local.Audio()) }
func (s *Session) CameraOn() bool     { return isEnabled(s.local.Video()) }

func setEnabled(track media.Track, on bool) bool {
	if track == nil {
		return false
	}
	track.SetEnabled(on)
	return true
}

func isEnabled(track media.Track) bool {
	return track != nil && track.Enabled()
}

// Leave stops screen sharing, closes every peer link, releases local media
// and disconnects. The server treats the disconnect as a leave.
func (s *Session) Leave() error {
	var err error
	s.leaveOnce.Do(func() {
		if serr := s.share.Stop(); serr != nil {
			s.logger.Debugw("screen share stop failed", "error", serr)
		}
		err = s.orch.Close()
		s.local.Stop()

		_ = s.client.Leave()
		if cerr := s.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.cancel()
		<-s.done

		s.logger.Infow("left room")
	})
	return err
}

// lookupParticipants asks the HTTP API how many people are in the room. An
// unknown room has none.
func lookupParticipants(ctx context.Context, hc *http.Client, serverURL string, code domain.RoomCode) (int, error) {
	target, err := apiURL(serverURL, "api", "v1", "rooms", string(code))
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return 0, nil
	default:
		return 0, fmt.Errorf("room lookup: %s", resp.Status)
	}

	var summary protocol.RoomSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return 0, fmt.Errorf("decode room summary: %w", err)
	}
	return summary.Participants, nil
}

// CreateRoom asks the server for a fresh room code and its share link.
func CreateRoom(ctx context.Context, hc *http.Client, serverURL string) (protocol.RoomLink, error) {
	var link protocol.RoomLink

	target, err := apiURL(serverURL, "api", "v1", "rooms")
	if err != nil {
		return link, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return link, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return link, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return link, fmt.Errorf("create room: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&link); err != nil {
		return link, fmt.Errorf("decode room link: %w", err)
	}
	return link, nil
}

// apiURL maps the websocket endpoint onto an HTTP path of the same server.
// Each segment is escaped on its own, so a room code may hold any text.
func apiURL(serverURL string, segments ...string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		escaped[i] = url.PathEscape(seg)
	}
	u.Path = "/" + strings.Join(segments, "/")
	u.RawPath = "/" + strings.Join(escaped, "/")
	u.RawQuery = ""
	return u.String(), nil
}
