package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"meshroom/internal/core/domain"
	"meshroom/internal/infrastructure/media"

	"github.com/pion/webrtc/v3"
)

const testSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"b=AS:9999\r\n" +
	"a=mid:1\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

type fakeSender struct {
	mu      sync.Mutex
	track   media.Track
	bitrate int
}

func (s *fakeSender) Track() media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(t media.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	return nil
}

func (s *fakeSender) MaxBitrate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitrate
}

func (s *fakeSender) SetMaxBitrate(bps int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bitrate = bps
}

// fakePeerConnection records every negotiation step in order.
type fakePeerConnection struct {
	mu      sync.Mutex
	log     []string
	senders []*fakeSender
	local   *webrtc.SessionDescription
	remote  *webrtc.SessionDescription
	closed  bool

	onCandidate func(*webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(RemoteTrack)
}

func (p *fakePeerConnection) record(entry string) {
	p.log = append(p.log, entry)
}

func (p *fakePeerConnection) Log() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.log...)
}

func (p *fakePeerConnection) AddTrack(t media.Track) (Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSender{track: t}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *fakePeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP}, nil
}

func (p *fakePeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP}, nil
}

func (p *fakePeerConnection) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &d
	p.record("local:" + d.Type.String())
	return nil
}

func (p *fakePeerConnection) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &d
	p.record("remote:" + d.Type.String())
	return nil
}

func (p *fakePeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.record("candidate:" + c.Candidate)
	return nil
}

func (p *fakePeerConnection) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	p.onCandidate = f
}

func (p *fakePeerConnection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.onState = f
}

func (p *fakePeerConnection) OnTrack(f func(RemoteTrack)) {
	p.onTrack = f
}

func (p *fakePeerConnection) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.onState(webrtc.PeerConnectionStateClosed)
	return nil
}

func (p *fakePeerConnection) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeerConnection) LocalSDP() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.local == nil {
		return ""
	}
	return p.local.SDP
}

func (p *fakePeerConnection) RemoteSDP() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return ""
	}
	return p.remote.SDP
}

type fakeFactory struct {
	mu  sync.Mutex
	pcs []*fakePeerConnection
}

func (f *fakeFactory) NewPeerConnection() (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePeerConnection{}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

type fakeRemoteTrack struct {
	meta domain.TrackMetadata
}

func (t fakeRemoteTrack) Metadata() domain.TrackMetadata { return t.meta }

type sentMessage struct {
	kind    string
	target  string
	payload json.RawMessage
}

// fakeSignaler captures outbound negotiation and screen-share notices.
type fakeSignaler struct {
	mu      sync.Mutex
	sent    []sentMessage
	started int
	stopped int
}

func (s *fakeSignaler) send(kind, target string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{kind: kind, target: target, payload: data})
	return nil
}

func (s *fakeSignaler) Offer(target string, sdp interface{}) error  { return s.send("offer", target, sdp) }
func (s *fakeSignaler) Answer(target string, sdp interface{}) error { return s.send("answer", target, sdp) }
func (s *fakeSignaler) ICECandidate(target string, c interface{}) error {
	return s.send("ice-candidate", target, c)
}

func (s *fakeSignaler) ScreenShareStarted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
	return nil
}

func (s *fakeSignaler) ScreenShareStopped() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
	return nil
}

func (s *fakeSignaler) shareNotices() (started, stopped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started, s.stopped
}

func (s *fakeSignaler) find(kind, target string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.sent {
		if m.kind == kind && m.target == target {
			return m.payload, nil
		}
	}
	return nil, fmt.Errorf("no %s sent to %s", kind, target)
}

func (s *fakeSignaler) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.sent {
		if m.kind == kind {
			n++
		}
	}
	return n
}

func candidateJSON(c string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"candidate":%q,"sdpMid":"0"}`, c))
}

func fakePC(l *PeerLink) *fakePeerConnection {
	return l.pc.(*fakePeerConnection)
}
