package services

import (
	"encoding/json"
	"testing"

	"meshcall/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSession(t *testing.T, self, remote string) (*PeerSession, *fakePC, *recordingSender) {
	t.Helper()
	net := newFakeNetwork()
	pc, err := net.transport(self).NewPeerConnection()
	require.NoError(t, err)
	out := &recordingSender{}
	s := newPeerSession("r1", domain.ParticipantID(self), domain.ParticipantID(remote), pc, out, zap.NewNop().Sugar())
	return s, pc.(*fakePC), out
}

func descSignal(t *testing.T, from, to string, typ webrtc.SDPType) *domain.Signal {
	t.Helper()
	kind := domain.SignalOffer
	if typ == webrtc.SDPTypeAnswer {
		kind = domain.SignalAnswer
	}
	payload, err := json.Marshal(webrtc.SessionDescription{Type: typ, SDP: "sdp from " + from})
	require.NoError(t, err)
	return &domain.Signal{RoomID: "r1", From: domain.ParticipantID(from), To: domain.ParticipantID(to), Kind: kind, Payload: payload}
}

func iceSignal(t *testing.T, from, to, candidate string) *domain.Signal {
	t.Helper()
	payload, err := json.Marshal(webrtc.ICECandidateInit{Candidate: candidate})
	require.NoError(t, err)
	return &domain.Signal{RoomID: "r1", From: domain.ParticipantID(from), To: domain.ParticipantID(to), Kind: domain.SignalICE, Payload: payload}
}

func TestPeerSession_InitiateSendsOffer(t *testing.T) {
	s, pc, out := newTestSession(t, "b", "a")

	require.NoError(t, s.Initiate())
	assert.Equal(t, domain.PeerNegotiating, s.State())
	require.Equal(t, []domain.SignalKind{domain.SignalOffer}, out.kinds())
	assert.Equal(t, domain.ParticipantID("a"), out.sent[0].To)
	assert.Equal(t, domain.ParticipantID("b"), out.sent[0].From)

	var desc webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(out.sent[0].Payload, &desc))
	assert.Equal(t, webrtc.SDPTypeOffer, desc.Type)
	assert.Equal(t, pc.local.SDP, desc.SDP)

	assert.ErrorIs(t, s.Initiate(), domain.ErrUnexpectedSignal)
}

func TestPeerSession_AnswersOfferWhenIdle(t *testing.T) {
	s, _, out := newTestSession(t, "a", "b")

	require.NoError(t, s.HandleSignal(descSignal(t, "b", "a", webrtc.SDPTypeOffer)))
	assert.Equal(t, domain.PeerNegotiating, s.State())
	assert.Equal(t, []domain.SignalKind{domain.SignalAnswer}, out.kinds())
}

func TestPeerSession_RejectsOfferOutsideIdle(t *testing.T) {
	s, _, out := newTestSession(t, "b", "a")
	require.NoError(t, s.Initiate())

	err := s.HandleSignal(descSignal(t, "a", "b", webrtc.SDPTypeOffer))
	assert.ErrorIs(t, err, domain.ErrUnexpectedSignal)
	assert.Equal(t, domain.PeerNegotiating, s.State())
	assert.Len(t, out.sent, 1)
}

func TestPeerSession_RejectsAnswerWithoutOffer(t *testing.T) {
	s, _, _ := newTestSession(t, "a", "b")

	err := s.HandleSignal(descSignal(t, "b", "a", webrtc.SDPTypeAnswer))
	assert.ErrorIs(t, err, domain.ErrUnexpectedSignal)
	assert.Equal(t, domain.PeerIdle, s.State())
}

func TestPeerSession_DuplicateAnswerIgnored(t *testing.T) {
	s, _, _ := newTestSession(t, "b", "a")
	require.NoError(t, s.Initiate())
	require.NoError(t, s.HandleSignal(descSignal(t, "a", "b", webrtc.SDPTypeAnswer)))

	err := s.HandleSignal(descSignal(t, "a", "b", webrtc.SDPTypeAnswer))
	assert.ErrorIs(t, err, domain.ErrUnexpectedSignal)
}

func TestPeerSession_RejectsMismatchedDescription(t *testing.T) {
	s, _, _ := newTestSession(t, "a", "b")
	sig := descSignal(t, "b", "a", webrtc.SDPTypeAnswer)
	sig.Kind = domain.SignalOffer

	assert.ErrorIs(t, s.HandleSignal(sig), domain.ErrInvalidSignal)
}

func TestPeerSession_QueuesICEUntilBothDescriptions(t *testing.T) {
	s, pc, _ := newTestSession(t, "b", "a")

	require.NoError(t, s.HandleSignal(iceSignal(t, "a", "b", "candidate:1")))
	require.NoError(t, s.Initiate())
	require.NoError(t, s.HandleSignal(iceSignal(t, "a", "b", "candidate:2")))
	assert.Equal(t, 2, s.PendingICE())
	assert.Equal(t, 0, pc.appliedCandidates())

	require.NoError(t, s.HandleSignal(descSignal(t, "a", "b", webrtc.SDPTypeAnswer)))
	assert.Equal(t, 0, s.PendingICE())
	assert.Equal(t, 2, pc.appliedCandidates())

	require.NoError(t, s.HandleSignal(iceSignal(t, "a", "b", "candidate:3")))
	assert.Equal(t, 3, pc.appliedCandidates())
}

func TestPeerSession_SwallowsCandidateErrors(t *testing.T) {
	s, pc, _ := newTestSession(t, "a", "b")
	pc.failICE = true

	require.NoError(t, s.HandleSignal(descSignal(t, "b", "a", webrtc.SDPTypeOffer)))
	assert.NoError(t, s.HandleSignal(iceSignal(t, "b", "a", "candidate:1")))
	assert.Equal(t, domain.PeerNegotiating, s.State())
}

func TestPeerSession_RejectsEmptyCandidate(t *testing.T) {
	s, _, _ := newTestSession(t, "a", "b")
	assert.ErrorIs(t, s.HandleSignal(iceSignal(t, "b", "a", "")), domain.ErrInvalidSignal)
}

func TestPeerSession_StableNeedsDescriptionsAndConnection(t *testing.T) {
	s, _, _ := newTestSession(t, "b", "a")

	assert.False(t, s.ConnectionStateChanged(webrtc.PeerConnectionStateConnected))
	assert.Equal(t, domain.PeerIdle, s.State())

	require.NoError(t, s.Initiate())
	assert.Equal(t, domain.PeerNegotiating, s.State())

	require.NoError(t, s.HandleSignal(descSignal(t, "a", "b", webrtc.SDPTypeAnswer)))
	assert.Equal(t, domain.PeerStable, s.State())
}

func TestPeerSession_ReportsTransportFailure(t *testing.T) {
	s, _, _ := newTestSession(t, "b", "a")
	require.NoError(t, s.Initiate())

	assert.False(t, s.ConnectionStateChanged(webrtc.PeerConnectionStateDisconnected))
	assert.True(t, s.ConnectionStateChanged(webrtc.PeerConnectionStateFailed))
}

func TestPeerSession_LocalCandidates(t *testing.T) {
	s, _, out := newTestSession(t, "a", "b")

	s.LocalCandidate(&webrtc.ICECandidateInit{Candidate: "candidate:9"})
	s.LocalCandidate(nil)
	assert.Equal(t, []domain.SignalKind{domain.SignalICE}, out.kinds())

	s.Close()
	s.LocalCandidate(&webrtc.ICECandidateInit{Candidate: "candidate:10"})
	assert.Len(t, out.sent, 1)
}

func TestPeerSession_CloseIsIdempotent(t *testing.T) {
	s, pc, _ := newTestSession(t, "a", "b")

	s.Close()
	s.Close()
	assert.True(t, pc.isClosed())
	assert.Equal(t, domain.PeerClosed, s.State())
	assert.ErrorIs(t, s.HandleSignal(descSignal(t, "b", "a", webrtc.SDPTypeOffer)), domain.ErrSessionClosed)
}

func TestPeerSession_ReplaceVideo(t *testing.T) {
	s, pc, _ := newTestSession(t, "a", "b")
	camera := newFakeCapture(t, webrtc.RTPCodecTypeVideo, "camera")
	screen := newFakeCapture(t, webrtc.RTPCodecTypeVideo, "screen")

	require.NoError(t, s.attachTracks(nil, camera.Track()))
	assert.Same(t, camera.Track(), pc.videoTrack())

	require.NoError(t, s.ReplaceVideo(screen.Track()))
	assert.Same(t, screen.Track(), pc.videoTrack())
}
