package webrtc

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"meshcall/internal/core/ports"
	"meshcall/pkg/config"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// TransportConfig WebRTC configuration
type TransportConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// TransportConfigFrom maps the file configuration, falling back to the
// public STUN server when none is configured.
func TransportConfigFrom(cfg *config.Config) TransportConfig {
	var tc TransportConfig
	for _, s := range cfg.WebRTC.ICEServers {
		tc.ICEServers = append(tc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(tc.ICEServers) == 0 {
		tc.ICEServers = []webrtc.ICEServer{{URLs: []string{DefaultSTUNServer}}}
	}
	tc.PortRange.Min = cfg.WebRTC.PortRange.Min
	tc.PortRange.Max = cfg.WebRTC.PortRange.Max
	return tc
}

// PionTransport creates pion peer connections sharing one API instance.
type PionTransport struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.SugaredLogger

	pliReceived atomic.Uint64
	rtpReceived atomic.Uint64
	openedConns atomic.Int64
}

func NewPionTransport(cfg TransportConfig, logger *zap.SugaredLogger) (*PionTransport, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{
		LoggerFactory: NewLoggerFactory(logger),
	}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine),
	)

	return &PionTransport{
		api: api,
		config: webrtc.Configuration{
			ICEServers:   cfg.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		logger: logger,
	}, nil
}

func (t *PionTransport) NewPeerConnection() (ports.PeerConnection, error) {
	pc, err := t.api.NewPeerConnection(t.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	t.openedConns.Add(1)
	return &pionPeerConnection{pc: pc, transport: t}, nil
}

// PictureLossCount is the number of PLI requests remote peers have sent.
func (t *PionTransport) PictureLossCount() uint64 { return t.pliReceived.Load() }

// RTPPacketCount is the number of media packets received from remote peers.
func (t *PionTransport) RTPPacketCount() uint64 { return t.rtpReceived.Load() }

func (t *PionTransport) OpenConnections() int64 { return t.openedConns.Load() }

type pionPeerConnection struct {
	pc        *webrtc.PeerConnection
	transport *PionTransport
	closed    atomic.Bool
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

func (p *pionPeerConnection) AddTrack(track webrtc.TrackLocal) (ports.TrackSender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go p.readRTCP(sender)
	return sender, nil
}

// readRTCP drains sender reports so interceptors keep working.
func (p *pionPeerConnection) readRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !p.closed.Load() {
				p.transport.logger.Debugw("rtcp read ended", "error", err)
			}
			return
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				p.transport.pliReceived.Add(1)
			}
		}
	}
}

func (p *pionPeerConnection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		candidate := c.ToJSON()
		fn(&candidate)
	})
}

func (p *pionPeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeerConnection) OnTrack(fn func(ports.RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		fn(ports.RemoteTrack{
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     track.Kind(),
		})
		go p.drain(track)
	})
}

// drain consumes remote media; rendering is out of scope for this process.
func (p *pionPeerConnection) drain(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
		p.transport.rtpReceived.Add(1)
	}
}

func (p *pionPeerConnection) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.transport.openedConns.Add(-1)
	return p.pc.Close()
}
