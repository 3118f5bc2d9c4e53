package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/infrastructure/repositories/memory"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type meshHarness struct {
	mesh     *MeshController
	net      *fakeNetwork
	channel  *memory.MemorySignalingChannel
	presence chan []domain.Participant
	signals  chan *domain.Signal
	metrics  *recordingMetrics
	tiles    chan domain.TileEvent
	cancel   context.CancelFunc
}

func newMeshHarness(t *testing.T, self string, cfg MeshConfig) *meshHarness {
	t.Helper()
	h := &meshHarness{
		net:      newFakeNetwork(),
		channel:  memory.NewMemorySignalingChannel(),
		presence: make(chan []domain.Participant, 1),
		signals:  make(chan *domain.Signal, 16),
		metrics:  newRecordingMetrics(),
		tiles:    make(chan domain.TileEvent, 16),
	}
	camera := newFakeCapture(t, webrtc.RTPCodecTypeVideo, "camera")
	h.mesh = NewMeshController(MeshParams{
		Room:      "r1",
		Self:      domain.Participant{ID: domain.ParticipantID(self)},
		Transport: h.net.transport(self),
		Signaling: h.channel,
		Metrics:   h.metrics,
		Emit:      func(ev domain.TileEvent) { h.tiles <- ev },
		Video:     camera.Track(),
		Config:    cfg,
		Logger:    zaptest.NewLogger(t).Sugar(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.mesh.Run(ctx, h.presence, h.signals)
	t.Cleanup(func() {
		cancel()
		<-h.mesh.Done()
	})
	return h
}

func (h *meshHarness) sessions(t *testing.T) map[domain.ParticipantID]domain.PeerState {
	t.Helper()
	s, err := h.mesh.Sessions(context.Background())
	require.NoError(t, err)
	return s
}

func roster(ids ...string) []domain.Participant {
	out := make([]domain.Participant, len(ids))
	for i, id := range ids {
		out[i] = domain.Participant{ID: domain.ParticipantID(id), JoinedAt: time.Unix(int64(i), 0)}
	}
	return out
}

func TestMesh_InitiatesOnlyTowardsSmallerIDs(t *testing.T) {
	h := newMeshHarness(t, "m", DefaultMeshConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	toA, err := h.channel.Watch(ctx, "r1", "a")
	require.NoError(t, err)
	toZ, err := h.channel.Watch(ctx, "r1", "z")
	require.NoError(t, err)

	h.presence <- roster("a", "m", "z")

	select {
	case sig := <-toA:
		assert.Equal(t, domain.SignalOffer, sig.Kind)
		assert.Equal(t, domain.ParticipantID("m"), sig.From)
	case <-time.After(time.Second):
		t.Fatal("no offer sent to a")
	}

	select {
	case sig := <-toZ:
		t.Fatalf("m must not offer to z, got %s", sig.Kind)
	case <-time.After(100 * time.Millisecond):
	}

	states := h.sessions(t)
	assert.Equal(t, domain.PeerNegotiating, states["a"])
	assert.Equal(t, domain.PeerIdle, states["z"])
	assert.NotContains(t, states, domain.ParticipantID("m"))
}

func TestMesh_ClosesSessionWhenParticipantLeaves(t *testing.T) {
	h := newMeshHarness(t, "m", DefaultMeshConfig())

	h.presence <- roster("a", "m")
	require.Eventually(t, func() bool { return len(h.sessions(t)) == 1 }, time.Second, 10*time.Millisecond)
	pc := h.net.last("m")

	h.presence <- roster("m")
	require.Eventually(t, func() bool { return len(h.sessions(t)) == 0 }, time.Second, 10*time.Millisecond)
	assert.True(t, pc.isClosed())
}

func TestMesh_AnswersOfferFromUnknownPeer(t *testing.T) {
	h := newMeshHarness(t, "m", DefaultMeshConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	toZ, err := h.channel.Watch(ctx, "r1", "z")
	require.NoError(t, err)

	h.presence <- roster("m")
	offer := descSignal(t, "z", "m", webrtc.SDPTypeOffer)
	offer.ID = "sig_1"
	h.signals <- offer

	var kinds []domain.SignalKind
	for len(kinds) < 2 {
		select {
		case sig := <-toZ:
			kinds = append(kinds, sig.Kind)
		case <-time.After(time.Second):
			t.Fatalf("expected answer and candidate, got %v", kinds)
		}
	}
	assert.Equal(t, domain.SignalAnswer, kinds[0])

	// roster changes that never listed z keep the implicit session
	h.presence <- roster("m", "y")
	states := h.sessions(t)
	assert.Contains(t, states, domain.ParticipantID("z"))

	// once z has been seen, its departure closes the session
	h.presence <- roster("m", "y", "z")
	h.presence <- roster("m", "y")
	require.Eventually(t, func() bool {
		_, ok := h.sessions(t)["z"]
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestMesh_OffersOnceEarlySignalSenderJoins(t *testing.T) {
	h := newMeshHarness(t, "m", DefaultMeshConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	toA, err := h.channel.Watch(ctx, "r1", "a")
	require.NoError(t, err)

	h.presence <- roster("m")
	require.Eventually(t, func() bool { return len(h.sessions(t)) == 0 }, time.Second, 10*time.Millisecond)

	h.signals <- iceSignal(t, "a", "m", "candidate:1 1 udp 1 10.0.0.1 5000 typ host")
	require.Eventually(t, func() bool {
		return h.sessions(t)["a"] == domain.PeerIdle && h.net.created("m") == 1
	}, time.Second, 10*time.Millisecond)

	h.presence <- roster("a", "m")

	select {
	case sig := <-toA:
		assert.Equal(t, domain.SignalOffer, sig.Kind)
	case <-time.After(time.Second):
		t.Fatal("no offer sent to a after it joined")
	}
	assert.Equal(t, domain.PeerNegotiating, h.sessions(t)["a"])
	assert.Equal(t, 1, h.net.created("m"))
}

func TestMesh_EarlySignalFromLargerIDWaitsForOffer(t *testing.T) {
	h := newMeshHarness(t, "m", DefaultMeshConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	toZ, err := h.channel.Watch(ctx, "r1", "z")
	require.NoError(t, err)

	h.presence <- roster("m")
	h.signals <- iceSignal(t, "z", "m", "candidate:1 1 udp 1 10.0.0.2 5000 typ host")
	require.Eventually(t, func() bool { return h.sessions(t)["z"] == domain.PeerIdle }, time.Second, 10*time.Millisecond)

	h.presence <- roster("m", "z")
	select {
	case sig := <-toZ:
		t.Fatalf("m must not offer to z, got %s", sig.Kind)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, domain.PeerIdle, h.sessions(t)["z"])
}

func TestMesh_IgnoresForeignSignals(t *testing.T) {
	h := newMeshHarness(t, "m", DefaultMeshConfig())
	h.presence <- roster("m")

	self := descSignal(t, "m", "m", webrtc.SDPTypeOffer)
	other := descSignal(t, "z", "q", webrtc.SDPTypeOffer)
	room := descSignal(t, "z", "m", webrtc.SDPTypeOffer)
	room.RoomID = "r2"
	unknown := &domain.Signal{RoomID: "r1", From: "z", To: "m", Kind: "renegotiate", Payload: json.RawMessage(`{}`)}

	for _, sig := range []*domain.Signal{self, other, room, unknown} {
		h.signals <- sig
	}

	require.Eventually(t, func() bool {
		return h.metrics.discards("bad_sender") == 1 &&
			h.metrics.discards("wrong_recipient") == 1 &&
			h.metrics.discards("wrong_room") == 1 &&
			h.metrics.discards("unknown_kind") == 1
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, h.sessions(t))
}

func TestMesh_DeletesConsumedSignals(t *testing.T) {
	h := newMeshHarness(t, "m", DefaultMeshConfig())
	h.presence <- roster("m")

	sig := descSignal(t, "z", "m", webrtc.SDPTypeOffer)
	require.NoError(t, h.channel.Send(context.Background(), sig))
	assert.Equal(t, 1, h.channel.Pending("r1", "m"))

	h.signals <- sig
	require.Eventually(t, func() bool { return h.channel.Pending("r1", "m") == 0 }, time.Second, 10*time.Millisecond)
}

func TestMesh_RetriesOnceAfterTransportFailure(t *testing.T) {
	h := newMeshHarness(t, "m", DefaultMeshConfig())
	h.presence <- roster("a", "m")

	require.Eventually(t, func() bool { return h.net.created("m") == 1 }, time.Second, 10*time.Millisecond)
	first := h.net.last("m")
	first.fail()

	require.Eventually(t, func() bool { return h.net.created("m") == 2 }, time.Second, 10*time.Millisecond)
	assert.True(t, first.isClosed())
	assert.Equal(t, 1, h.metrics.retries())

	h.net.last("m").fail()
	require.Eventually(t, func() bool { return len(h.sessions(t)) == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, h.net.created("m"))
	assert.Equal(t, 1, h.metrics.retries())
}

func TestMesh_NegotiationTimeout(t *testing.T) {
	cfg := DefaultMeshConfig()
	cfg.NegotiationTimeout = 50 * time.Millisecond
	h := newMeshHarness(t, "m", cfg)

	h.presence <- roster("a", "m")

	require.Eventually(t, func() bool {
		return h.net.created("m") == 2 && len(h.sessions(t)) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.metrics.retries())
}

func TestMesh_ReplaceVideoReachesAllSessions(t *testing.T) {
	h := newMeshHarness(t, "m", DefaultMeshConfig())
	h.presence <- roster("a", "b", "m")
	require.Eventually(t, func() bool { return len(h.sessions(t)) == 2 }, time.Second, 10*time.Millisecond)

	screen := newFakeCapture(t, webrtc.RTPCodecTypeVideo, "screen")
	require.NoError(t, h.mesh.ReplaceVideo(context.Background(), screen.Track()))
	for _, pc := range h.net.open("m") {
		assert.Same(t, screen.Track(), pc.videoTrack())
	}

	// sessions opened afterwards start with the replaced track
	h.presence <- roster("a", "b", "c", "m")
	require.Eventually(t, func() bool { return len(h.sessions(t)) == 3 }, time.Second, 10*time.Millisecond)
	assert.Same(t, screen.Track(), h.net.last("m").videoTrack())
}

func TestMesh_CommandsFailAfterShutdown(t *testing.T) {
	h := newMeshHarness(t, "m", DefaultMeshConfig())
	h.presence <- roster("a", "m")
	require.Eventually(t, func() bool { return len(h.sessions(t)) == 1 }, time.Second, 10*time.Millisecond)

	h.cancel()
	<-h.mesh.Done()

	_, err := h.mesh.Sessions(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotJoined)
	assert.Empty(t, h.net.open("m"))
}
