package webrtc

import (
	"errors"
	"fmt"
	"io"

	"meshroom/internal/core/domain"
	"meshroom/internal/infrastructure/media"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// PeerConnection is the part of a WebRTC peer connection a PeerLink drives.
type PeerConnection interface {
	AddTrack(track media.Track) (Sender, error)
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// OnICECandidate handlers receive nil once gathering completes.
	OnICECandidate(f func(*webrtc.ICECandidateInit))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(RemoteTrack))

	Close() error
}

// Sender is one outgoing track slot on a peer connection.
type Sender interface {
	Track() media.Track
	// ReplaceTrack swaps the source without renegotiation.
	ReplaceTrack(track media.Track) error
	MaxBitrate() int
	SetMaxBitrate(bps int)
}

// RemoteTrack is an inbound track.
type RemoteTrack interface {
	Metadata() domain.TrackMetadata
}

// PeerConnectionFactory creates one peer connection per remote participant.
type PeerConnectionFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// PionFactory builds pion peer connections sharing one API instance.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.SugaredLogger
}

func NewPionFactory(cfg Config, logger *zap.SugaredLogger) (*PionFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}

	return &PionFactory{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(settingEngine)),
		config: webrtc.Configuration{
			ICEServers:   cfg.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		logger: logger,
	}, nil
}

func (f *PionFactory) NewPeerConnection() (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	return &pionPeerConnection{pc: pc, logger: f.logger}, nil
}

type pionPeerConnection struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger
}

func (p *pionPeerConnection) AddTrack(track media.Track) (Sender, error) {
	sender, err := p.pc.AddTrack(track.Local())
	if err != nil {
		return nil, err
	}

	s := &pionSender{sender: sender}
	s.track.Store(trackHolder{track})
	go p.drainRTCP(sender)
	return s, nil
}

// drainRTCP keeps interceptors running and surfaces keyframe requests.
func (p *pionPeerConnection) drainRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			if _, ok := pkt.(*rtcp.PictureLossIndication); ok {
				p.logger.Debugw("keyframe requested by remote")
			}
		}
	}
}

func (p *pionPeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeerConnection) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			f(nil)
			return
		}
		init := c.ToJSON()
		f(&init)
	})
}

func (p *pionPeerConnection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionPeerConnection) OnTrack(f func(RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		rt := &pionRemoteTrack{track: track}

		if track.Kind() == webrtc.RTPCodecTypeVideo {
			err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
			if err != nil {
				p.logger.Debugw("failed to request keyframe", "track_id", track.ID(), "error", err)
			}
		}

		go rt.readLoop(p.logger)
		f(rt)
	})
}

func (p *pionPeerConnection) Close() error {
	return p.pc.Close()
}

// trackHolder keeps atomic.Value stores of one concrete type.
type trackHolder struct {
	track media.Track
}

type pionSender struct {
	sender  *webrtc.RTPSender
	track   atomic.Value
	bitrate atomic.Int64
}

func (s *pionSender) Track() media.Track {
	return s.track.Load().(trackHolder).track
}

func (s *pionSender) ReplaceTrack(track media.Track) error {
	if err := s.sender.ReplaceTrack(track.Local()); err != nil {
		return err
	}
	s.track.Store(trackHolder{track})
	return nil
}

func (s *pionSender) MaxBitrate() int {
	return int(s.bitrate.Load())
}

// SetMaxBitrate records the cap. It is written into the remote description
// when the link next applies one.
func (s *pionSender) SetMaxBitrate(bps int) {
	s.bitrate.Store(int64(bps))
}

type pionRemoteTrack struct {
	track *webrtc.TrackRemote

	packets   atomic.Uint64
	bytes     atomic.Uint64
	keyframes atomic.Uint64
}

func (t *pionRemoteTrack) Metadata() domain.TrackMetadata {
	hint, id := media.DecodeTrackID(t.track.ID())
	kind := domain.TrackKindVideo
	if t.track.Kind() == webrtc.RTPCodecTypeAudio {
		kind = domain.TrackKindAudio
	}
	return domain.TrackMetadata{
		Kind:        kind,
		ContentHint: hint,
		TrackID:     id,
		StreamID:    t.track.StreamID(),
	}
}

// Stats reports what the read loop has consumed so far.
func (t *pionRemoteTrack) Stats() (packets, bytes, keyframes uint64) {
	return t.packets.Load(), t.bytes.Load(), t.keyframes.Load()
}

// readLoop consumes the track so pion's buffers never fill. Rendering is
// out of scope for the headless client.
func (t *pionRemoteTrack) readLoop(logger *zap.SugaredLogger) {
	mime := t.track.Codec().MimeType
	for {
		pkt, _, err := t.track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debugw("remote track read stopped", "track_id", t.track.ID(), "error", err)
			}
			return
		}
		t.packets.Inc()
		t.bytes.Add(uint64(len(pkt.Payload)))
		if isKeyframe(mime, pkt) {
			t.keyframes.Inc()
		}
	}
}

// isKeyframe inspects the first payload bytes of VP8 and H.264 packets.
func isKeyframe(mime string, pkt *rtp.Packet) bool {
	payload := pkt.Payload
	if len(payload) == 0 {
		return false
	}

	switch mime {
	case webrtc.MimeTypeVP8:
		// Skip the VP8 payload descriptor to reach the frame header.
		i := 1
		if payload[0]&0x80 != 0 {
			if len(payload) < 2 {
				return false
			}
			x := payload[1]
			i++
			if x&0x80 != 0 {
				if len(payload) <= i {
					return false
				}
				if payload[i]&0x80 != 0 {
					i++
				}
				i++
			}
			if x&0x40 != 0 {
				i++
			}
			if x&0x30 != 0 {
				i++
			}
		}
		startOfPartition := payload[0]&0x10 != 0
		if !startOfPartition || len(payload) <= i {
			return false
		}
		return payload[i]&0x01 == 0

	case webrtc.MimeTypeH264:
		nalType := payload[0] & 0x1F
		switch nalType {
		case 5:
			return true
		case 24: // STAP-A: look at the first aggregated unit
			return len(payload) > 3 && payload[3]&0x1F == 7
		case 28: // FU-A start fragment
			return len(payload) > 1 && payload[1]&0x80 != 0 && payload[1]&0x1F == 5
		}
	}
	return false
}
