package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/services"
	handlers "meshroom/internal/handlers/http"
	"meshroom/internal/infrastructure/media"
	"meshroom/internal/infrastructure/middleware"
	"meshroom/internal/infrastructure/repositories/memory"
	"meshroom/internal/infrastructure/signal"
	"meshroom/internal/infrastructure/webrtc"
	"meshroom/pkg/device"
	"meshroom/pkg/protocol"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	pion "github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const sessionSDP = "v=0\r\n" +
	"o=- 1 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:1\r\n"

type stubSender struct {
	mu    sync.Mutex
	track media.Track
	bps   int
}

func (s *stubSender) Track() media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *stubSender) ReplaceTrack(t media.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	return nil
}

func (s *stubSender) MaxBitrate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bps
}

func (s *stubSender) SetMaxBitrate(bps int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bps = bps
}

// stubPeerConnection negotiates without any transport. A non-nil hold
// stalls SetRemoteDescription until it is closed.
type stubPeerConnection struct {
	mu      sync.Mutex
	log     []string
	hold    chan struct{}
	onState func(pion.PeerConnectionState)
}

func (p *stubPeerConnection) record(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log = append(p.log, s)
}

func (p *stubPeerConnection) has(s string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.log {
		if l == s {
			return true
		}
	}
	return false
}

func (p *stubPeerConnection) AddTrack(t media.Track) (webrtc.Sender, error) {
	return &stubSender{track: t}, nil
}

func (p *stubPeerConnection) CreateOffer() (pion.SessionDescription, error) {
	return pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: sessionSDP}, nil
}

func (p *stubPeerConnection) CreateAnswer() (pion.SessionDescription, error) {
	return pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: sessionSDP}, nil
}

func (p *stubPeerConnection) SetLocalDescription(d pion.SessionDescription) error {
	p.record("local:" + d.Type.String())
	return nil
}

func (p *stubPeerConnection) SetRemoteDescription(d pion.SessionDescription) error {
	p.record("remote:" + d.Type.String())
	if p.hold != nil {
		<-p.hold
	}
	return nil
}

func (p *stubPeerConnection) AddICECandidate(pion.ICECandidateInit) error { return nil }
func (p *stubPeerConnection) OnICECandidate(func(*pion.ICECandidateInit)) {}
func (p *stubPeerConnection) OnTrack(func(webrtc.RemoteTrack))            {}

func (p *stubPeerConnection) OnConnectionStateChange(f func(pion.PeerConnectionState)) {
	p.onState = f
}

func (p *stubPeerConnection) Close() error {
	p.onState(pion.PeerConnectionStateClosed)
	return nil
}

type stubFactory struct {
	mu  sync.Mutex
	pcs []*stubPeerConnection

	// holdFirst is handed to the first peer connection created.
	holdFirst chan struct{}
}

func (f *stubFactory) NewPeerConnection() (webrtc.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &stubPeerConnection{}
	if len(f.pcs) == 0 {
		pc.hold = f.holdFirst
	}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *stubFactory) nth(i int) *stubPeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) <= i {
		return nil
	}
	return f.pcs[i]
}

func (f *stubFactory) first() *stubPeerConnection {
	return f.nth(0)
}

type testServer struct {
	url   string
	rooms *services.RoomService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()

	rooms := services.NewRoomService(memory.NewMemoryRoomRepository(), nil, "http://localhost", logger)
	hub := signal.NewHub(nil, logger)
	router := signal.NewRouter(rooms, hub, services.NopMetrics{}, logger)
	ws := signal.NewWebSocketServer(router, hub, signal.DefaultOptions(), services.NopMetrics{}, logger)

	engine := gin.New()
	engine.Use(middleware.ErrorHandlerMiddleware(logger))
	handlers.NewRoomHandler(rooms, logger).SetupRoutes(engine)
	engine.GET("/ws", gin.WrapF(ws.HandleWebSocket))

	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	return &testServer{
		url:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		rooms: rooms,
	}
}

func (ts *testServer) join(t *testing.T, code domain.RoomCode, nickname string, devices *media.SyntheticDevices) (*Session, *stubFactory) {
	t.Helper()
	factory := &stubFactory{}
	return ts.joinWith(t, code, nickname, devices, factory), factory
}

func (ts *testServer) joinWith(t *testing.T, code domain.RoomCode, nickname string, devices *media.SyntheticDevices, factory *stubFactory) *Session {
	t.Helper()
	s, err := Join(context.Background(), Config{
		ServerURL: ts.url,
		RoomCode:  code,
		Nickname:  nickname,
		Title:     "Daily",
		Device:    device.Overrides{Mobile: true},
		Signal:    signal.DefaultClientOptions(),
		Devices:   devices,
		Factory:   factory,
	}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Leave() })
	return s
}

func TestSession_JoinNegotiatesWithExistingPeer(t *testing.T) {
	ts := newTestServer(t)
	devices := media.NewSyntheticDevices(nil)

	alice, aliceFactory := ts.join(t, "standup", "alice", devices)
	assert.Equal(t, "Daily", alice.Room().Title)
	assert.Equal(t, domain.TierLow, alice.Profile().Tier)
	assert.Equal(t, 640, alice.Profile().Width)
	assert.Equal(t, services.BitrateHigh, alice.Profile().MaxBitrate)
	assert.Empty(t, alice.Orchestrator().Links())

	bob, bobFactory := ts.join(t, "standup", "bob", devices)
	assert.NotEqual(t, alice.SelfID(), bob.SelfID())

	// bob offers, alice answers
	require.Eventually(t, func() bool {
		pc := bobFactory.first()
		return pc != nil && pc.has("remote:answer")
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		pc := aliceFactory.first()
		return pc != nil && pc.has("local:answer")
	}, 2*time.Second, 10*time.Millisecond)

	l, ok := bob.Orchestrator().Link(alice.SelfID())
	require.True(t, ok)
	assert.Equal(t, domain.RoleInitiator, l.Role())
	assert.Equal(t, domain.LinkNegotiating, l.State())

	l, ok = alice.Orchestrator().Link(bob.SelfID())
	require.True(t, ok)
	assert.Equal(t, domain.RoleResponder, l.Role())
	assert.Equal(t, "bob", l.Nickname())
}

func TestSession_ChatAndScreenShareNotices(t *testing.T) {
	ts := newTestServer(t)
	devices := media.NewSyntheticDevices(nil)

	alice, _ := ts.join(t, "standup", "alice", devices)
	bob, _ := ts.join(t, "standup", "bob", devices)

	require.NoError(t, alice.Chat("hello"))
	require.NoError(t, alice.Chat("   "))

	select {
	case msg := <-bob.ChatMessages():
		assert.Equal(t, "hello", msg.Text)
		assert.Equal(t, "alice", msg.Nickname)
		assert.Equal(t, string(alice.SelfID()), msg.From)
	case <-time.After(2 * time.Second):
		t.Fatal("chat not delivered")
	}

	require.NoError(t, bob.StartScreenShare(context.Background()))
	assert.True(t, bob.ScreenSharing())
	require.Eventually(t, func() bool {
		return alice.Orchestrator().RemoteSharing(bob.SelfID())
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.StopScreenShare())
	require.Eventually(t, func() bool {
		return !alice.Orchestrator().RemoteSharing(bob.SelfID())
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_LeaveRemovesPeer(t *testing.T) {
	ts := newTestServer(t)
	devices := media.NewSyntheticDevices(nil)

	alice, _ := ts.join(t, "standup", "alice", devices)
	bob, _ := ts.join(t, "standup", "bob", devices)

	require.Eventually(t, func() bool {
		_, ok := alice.Orchestrator().Link(bob.SelfID())
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.Leave())
	require.NoError(t, bob.Leave())

	video := bob.LocalMedia().Video().(*media.SyntheticTrack)
	assert.True(t, video.Stopped())

	require.Eventually(t, func() bool {
		return len(alice.Orchestrator().Links()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-bob.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not done after leave")
	}
}

func TestSession_MediaFailureBeforeJoin(t *testing.T) {
	ts := newTestServer(t)
	devices := media.NewSyntheticDevices(nil)
	devices.DenyUserMedia = true

	_, err := Join(context.Background(), Config{
		ServerURL: ts.url,
		RoomCode:  "standup",
		Nickname:  "alice",
		Devices:   devices,
		Factory:   &stubFactory{},
		Signal:    signal.DefaultClientOptions(),
	}, zaptest.NewLogger(t).Sugar())

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrMediaAcquisition))

	_, err = ts.rooms.GetRoom(context.Background(), "standup")
	assert.True(t, errors.Is(err, domain.ErrRoomNotFound))
}

func TestSession_JoinRejected(t *testing.T) {
	ts := newTestServer(t)

	_, err := Join(context.Background(), Config{
		ServerURL: ts.url,
		RoomCode:  "standup",
		Nickname:  "   ",
		Devices:   media.NewSyntheticDevices(nil),
		Factory:   &stubFactory{},
		Signal:    signal.DefaultClientOptions(),
	}, zaptest.NewLogger(t).Sugar())

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJoinRejected))
}

func TestSession_ProfileFollowsRoomSize(t *testing.T) {
	ts := newTestServer(t)
	devices := media.NewSyntheticDevices(nil)

	for i := 0; i < 6; i++ {
		ts.join(t, "crowded", "peer", devices)
	}
	late, _ := ts.join(t, "crowded", "late", devices)

	assert.Equal(t, domain.TierLow, late.Profile().Tier)
	assert.Equal(t, services.BitrateLow, late.Profile().MaxBitrate)
}

func TestAPIURL(t *testing.T) {
	tests := []struct {
		server string
		code   string
		want   string
	}{
		{"ws://localhost:3000/ws", "abc", "http://localhost:3000/api/v1/rooms/abc"},
		{"wss://meet.example.com/ws?token=x", "abc", "https://meet.example.com/api/v1/rooms/abc"},
		{"http://localhost:3000", "abc", "http://localhost:3000/api/v1/rooms/abc"},
		{"ws://localhost:3000/ws", "회의 1", "http://localhost:3000/api/v1/rooms/%ED%9A%8C%EC%9D%98%201"},
		{"ws://localhost:3000/ws", "a/b?c", "http://localhost:3000/api/v1/rooms/a%2Fb%3Fc"},
		{"ws://localhost:3000/ws", "100%", "http://localhost:3000/api/v1/rooms/100%25"},
	}
	for _, tt := range tests {
		got, err := apiURL(tt.server, "api", "v1", "rooms", tt.code)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := apiURL("ftp://example.com", "api")
	assert.Error(t, err)
}

func TestCreateRoom(t *testing.T) {
	ts := newTestServer(t)

	link, err := CreateRoom(context.Background(), http.DefaultClient, ts.url)
	require.NoError(t, err)
	assert.NotEmpty(t, link.Code)
	assert.Contains(t, link.ShareLink, "code=")

	_, err = ts.rooms.GetRoom(context.Background(), domain.RoomCode(link.Code))
	assert.True(t, errors.Is(err, domain.ErrRoomNotFound))
}

func TestLookupParticipants(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/rooms/busy":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"code":"busy","participants":3}`))
		case "/api/v1/rooms/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	n, err := lookupParticipants(ctx, srv.Client(), srv.URL, "busy")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = lookupParticipants(ctx, srv.Client(), srv.URL, "empty")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = lookupParticipants(ctx, srv.Client(), srv.URL, "broken")
	assert.Error(t, err)
}

func TestLookupParticipants_NonASCIICode(t *testing.T) {
	ts := newTestServer(t)
	devices := media.NewSyntheticDevices(nil)

	ts.join(t, "회의 1", "alice", devices)
	ts.join(t, "회의 1", "bob", devices)

	n, err := lookupParticipants(context.Background(), http.DefaultClient, ts.url, "회의 1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	late, _ := ts.join(t, "회의 1", "carol", devices)
	assert.Len(t, late.Orchestrator().Links(), 2)
}

func TestSession_StalledPeerDoesNotDelayOthers(t *testing.T) {
	ts := newTestServer(t)
	devices := media.NewSyntheticDevices(nil)

	hold := make(chan struct{})
	var release sync.Once
	aliceFactory := &stubFactory{holdFirst: hold}
	ts.joinWith(t, "standup", "alice", devices, aliceFactory)
	t.Cleanup(func() { release.Do(func() { close(hold) }) })

	// bob's offer stalls inside alice's first link
	ts.join(t, "standup", "bob", devices)
	require.Eventually(t, func() bool {
		pc := aliceFactory.first()
		return pc != nil && pc.has("remote:offer")
	}, 2*time.Second, 10*time.Millisecond)

	// carol's negotiation with alice completes meanwhile
	ts.join(t, "standup", "carol", devices)
	require.Eventually(t, func() bool {
		pc := aliceFactory.nth(1)
		return pc != nil && pc.has("local:answer")
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, aliceFactory.first().has("local:answer"))

	release.Do(func() { close(hold) })
	require.Eventually(t, func() bool {
		return aliceFactory.first().has("local:answer")
	}, 2*time.Second, 10*time.Millisecond)
}

// scriptedServer answers a join with the given frames, in order.
func scriptedServer(t *testing.T, frames ...[]byte) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func frame(t *testing.T, msgType protocol.MessageType, payload interface{}) []byte {
	t.Helper()
	f, err := protocol.Encode(msgType, payload)
	require.NoError(t, err)
	return f
}

func TestSession_MessagesBeforeJoinedAreReplayed(t *testing.T) {
	offer, err := json.Marshal(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: sessionSDP})
	require.NoError(t, err)

	// carol's arrival and offer overtake this client's own snapshot
	serverURL := scriptedServer(t,
		frame(t, protocol.TypeUserConnected, protocol.UserConnected{ConnectionID: "carol", Nickname: "carol"}),
		frame(t, protocol.TypeOffer, protocol.Offer{From: "carol", Nickname: "carol", SDP: offer}),
		frame(t, protocol.TypeJoined, protocol.Joined{
			ConnectionID: "bob",
			Room:         protocol.RoomInfo{Code: "standup"},
			Participants: []protocol.Participant{{ConnectionID: "alice", Nickname: "alice"}},
		}),
	)

	factory := &stubFactory{}
	s, err := Join(context.Background(), Config{
		ServerURL: serverURL,
		RoomCode:  "standup",
		Nickname:  "bob",
		Signal:    signal.DefaultClientOptions(),
		Devices:   media.NewSyntheticDevices(nil),
		Factory:   factory,
	}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer s.Leave()

	assert.Equal(t, domain.ConnectionID("bob"), s.SelfID())

	require.Eventually(t, func() bool {
		l, ok := s.Orchestrator().Link("carol")
		return ok && l.State() == domain.LinkNegotiating
	}, 2*time.Second, 10*time.Millisecond)

	l, _ := s.Orchestrator().Link("carol")
	assert.Equal(t, domain.RoleResponder, l.Role())

	l, ok := s.Orchestrator().Link("alice")
	require.True(t, ok)
	assert.Equal(t, domain.RoleInitiator, l.Role())
}

func TestSession_MicrophoneAndCamera(t *testing.T) {
	ts := newTestServer(t)
	devices := media.NewSyntheticDevices(nil)
	alice, _ := ts.join(t, "standup", "alice", devices)
	ts.join(t, "standup", "bob", devices)

	assert.True(t, alice.MicrophoneOn())
	assert.True(t, alice.CameraOn())

	require.True(t, alice.SetMicrophone(false))
	assert.False(t, alice.MicrophoneOn())
	assert.False(t, alice.LocalMedia().Audio().Enabled())
	assert.True(t, alice.CameraOn(), "the camera is independent of the microphone")

	require.True(t, alice.SetCamera(false))
	assert.False(t, alice.CameraOn())

	// a screen share is not muted with the camera
	require.Eventually(t, func() bool { return len(alice.Orchestrator().Links()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, alice.StartScreenShare(context.Background()))
	screen := alice.Orchestrator().Links()[0].Senders()[domain.TrackClassScreen]
	require.NotNil(t, screen)
	assert.True(t, screen.Track().Enabled())

	// the muted camera comes back muted after the share
	require.NoError(t, alice.StopScreenShare())
	camera := alice.Orchestrator().Links()[0].Senders()[domain.TrackClassCamera]
	require.NotNil(t, camera)
	assert.False(t, camera.Track().Enabled())

	require.True(t, alice.SetMicrophone(true))
	require.True(t, alice.SetCamera(true))
	assert.True(t, alice.MicrophoneOn())
	assert.True(t, alice.CameraOn())
}
