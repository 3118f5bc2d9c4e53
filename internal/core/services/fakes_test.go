package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
)

// fakeNetwork hands out peer connections that "connect" as soon as both
// descriptions are applied.
type fakeNetwork struct {
	mu    sync.Mutex
	conns map[string][]*fakePC
	// stall keeps every connection short of Connected.
	stall bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{conns: make(map[string][]*fakePC)}
}

func (n *fakeNetwork) transport(owner string) ports.PeerTransport {
	return &fakeTransport{net: n, owner: owner}
}

func (n *fakeNetwork) created(owner string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns[owner])
}

func (n *fakeNetwork) last(owner string) *fakePC {
	n.mu.Lock()
	defer n.mu.Unlock()
	cs := n.conns[owner]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func (n *fakeNetwork) open(owner string) []*fakePC {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*fakePC
	for _, pc := range n.conns[owner] {
		if !pc.isClosed() {
			out = append(out, pc)
		}
	}
	return out
}

type fakeTransport struct {
	net   *fakeNetwork
	owner string
}

func (t *fakeTransport) NewPeerConnection() (ports.PeerConnection, error) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	pc := &fakePC{net: t.net, owner: t.owner, seq: len(t.net.conns[t.owner])}
	t.net.conns[t.owner] = append(t.net.conns[t.owner], pc)
	return pc, nil
}

type fakePC struct {
	net   *fakeNetwork
	owner string
	seq   int

	mu         sync.Mutex
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	video      webrtc.TrackLocal
	closed     bool
	connected  bool
	failICE    bool

	onICE   func(*webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(ports.RemoteTrack)
}

func (pc *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer %s/%d", pc.owner, pc.seq)}, nil
}

func (pc *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote description")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer %s/%d", pc.owner, pc.seq)}, nil
}

func (pc *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	pc.mu.Lock()
	pc.local = &desc
	onICE := pc.onICE
	pc.mu.Unlock()

	if onICE != nil {
		go func() {
			onICE(&webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%s %d udp", pc.owner, pc.seq)})
			onICE(nil)
		}()
	}
	pc.maybeConnect()
	return nil
}

func (pc *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	pc.mu.Lock()
	pc.remote = &desc
	pc.mu.Unlock()
	pc.maybeConnect()
	return nil
}

func (pc *fakePC) maybeConnect() {
	pc.net.mu.Lock()
	stall := pc.net.stall
	pc.net.mu.Unlock()

	pc.mu.Lock()
	ready := pc.local != nil && pc.remote != nil && !pc.connected && !pc.closed && !stall
	if ready {
		pc.connected = true
	}
	onState, onTrack := pc.onState, pc.onTrack
	pc.mu.Unlock()

	if !ready {
		return
	}
	go func() {
		if onState != nil {
			onState(webrtc.PeerConnectionStateConnected)
		}
		if onTrack != nil {
			onTrack(ports.RemoteTrack{ID: "video", StreamID: "remote", Kind: webrtc.RTPCodecTypeVideo})
		}
	}()
}

func (pc *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.remote == nil {
		return errors.New("remote description not set")
	}
	if pc.failICE {
		return errors.New("candidate rejected")
	}
	pc.candidates = append(pc.candidates, c)
	return nil
}

func (pc *fakePC) AddTrack(track webrtc.TrackLocal) (ports.TrackSender, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.tracks = append(pc.tracks, track)
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		pc.video = track
	}
	return &fakeSender{pc: pc}, nil
}

func (pc *fakePC) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	pc.mu.Lock()
	pc.onICE = fn
	pc.mu.Unlock()
}

func (pc *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	pc.mu.Lock()
	pc.onState = fn
	pc.mu.Unlock()
}

func (pc *fakePC) OnTrack(fn func(ports.RemoteTrack)) {
	pc.mu.Lock()
	pc.onTrack = fn
	pc.mu.Unlock()
}

func (pc *fakePC) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.closed = true
	return nil
}

func (pc *fakePC) isClosed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}

func (pc *fakePC) videoTrack() webrtc.TrackLocal {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.video
}

func (pc *fakePC) appliedCandidates() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.candidates)
}

func (pc *fakePC) fail() {
	pc.mu.Lock()
	onState := pc.onState
	pc.mu.Unlock()
	onState(webrtc.PeerConnectionStateFailed)
}

type fakeSender struct {
	pc *fakePC
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.pc.mu.Lock()
	defer s.pc.mu.Unlock()
	s.pc.video = track
	return nil
}

// fakeCapture wraps a real static RTP track.
type fakeCapture struct {
	track webrtc.TrackLocal

	mu      sync.Mutex
	enabled bool
	ended   chan struct{}
	once    sync.Once
}

func newFakeCapture(t *testing.T, kind webrtc.RTPCodecType, id string) *fakeCapture {
	t.Helper()
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	if kind == webrtc.RTPCodecTypeAudio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	track, err := webrtc.NewTrackLocalStaticRTP(codec, id, "local")
	require.NoError(t, err)
	return &fakeCapture{track: track, enabled: true, ended: make(chan struct{})}
}

func (c *fakeCapture) Track() webrtc.TrackLocal { return c.track }

func (c *fakeCapture) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
}

func (c *fakeCapture) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *fakeCapture) Ended() <-chan struct{} { return c.ended }

func (c *fakeCapture) Stop() { c.once.Do(func() { close(c.ended) }) }

func (c *fakeCapture) stopped() bool {
	select {
	case <-c.ended:
		return true
	default:
		return false
	}
}

type fakeCapturer struct {
	t *testing.T

	// gate, when set, holds CaptureUserMedia until closed or ctx is done.
	gate chan struct{}

	mu         sync.Mutex
	userErr    error
	displayErr error
	audio      *fakeCapture
	camera     *fakeCapture
	screens    []*fakeCapture
}

func newFakeCapturer(t *testing.T) *fakeCapturer {
	return &fakeCapturer{t: t}
}

func (c *fakeCapturer) CaptureUserMedia(ctx context.Context) (ports.CaptureTrack, ports.CaptureTrack, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userErr != nil {
		return nil, nil, c.userErr
	}
	c.audio = newFakeCapture(c.t, webrtc.RTPCodecTypeAudio, "audio")
	c.camera = newFakeCapture(c.t, webrtc.RTPCodecTypeVideo, "camera")
	return c.audio, c.camera, nil
}

func (c *fakeCapturer) CaptureDisplay(ctx context.Context) (ports.CaptureTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.displayErr != nil {
		return nil, c.displayErr
	}
	screen := newFakeCapture(c.t, webrtc.RTPCodecTypeVideo, fmt.Sprintf("screen-%d", len(c.screens)))
	c.screens = append(c.screens, screen)
	return screen, nil
}

func (c *fakeCapturer) lastScreen() *fakeCapture {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screens[len(c.screens)-1]
}

type recordingMetrics struct {
	NopCallMetrics

	mu        sync.Mutex
	retried   int
	stable    int
	discarded map[string]int
	sentKinds map[domain.SignalKind]int
	states    []domain.CallState
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		discarded: make(map[string]int),
		sentKinds: make(map[domain.SignalKind]int),
	}
}

func (m *recordingMetrics) SignalSent(kind domain.SignalKind) {
	m.mu.Lock()
	m.sentKinds[kind]++
	m.mu.Unlock()
}

func (m *recordingMetrics) sent(kind domain.SignalKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentKinds[kind]
}

func (m *recordingMetrics) NegotiationRetried() {
	m.mu.Lock()
	m.retried++
	m.mu.Unlock()
}

func (m *recordingMetrics) SessionStable(time.Duration) {
	m.mu.Lock()
	m.stable++
	m.mu.Unlock()
}

func (m *recordingMetrics) SignalDiscarded(reason string) {
	m.mu.Lock()
	m.discarded[reason]++
	m.mu.Unlock()
}

func (m *recordingMetrics) CallStateChanged(s domain.CallState) {
	m.mu.Lock()
	m.states = append(m.states, s)
	m.mu.Unlock()
}

func (m *recordingMetrics) retries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retried
}

func (m *recordingMetrics) discards(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discarded[reason]
}

// recordingSender captures what a peer session sends.
type recordingSender struct {
	sent []*domain.Signal
}

func (r *recordingSender) send(sig *domain.Signal) { r.sent = append(r.sent, sig) }

func (r *recordingSender) kinds() []domain.SignalKind {
	out := make([]domain.SignalKind, len(r.sent))
	for i, s := range r.sent {
		out[i] = s.Kind
	}
	return out
}
