package services

import (
	"context"
	"errors"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const meshEventBuffer = 256

type MeshConfig struct {
	NegotiationTimeout time.Duration
	NegotiationRetries int
	FlushTimeout       time.Duration
}

func DefaultMeshConfig() MeshConfig {
	return MeshConfig{
		NegotiationTimeout: 30 * time.Second,
		NegotiationRetries: 1,
		FlushTimeout:       2 * time.Second,
	}
}

type iceEvent struct {
	session   *PeerSession
	candidate *webrtc.ICECandidateInit
}

type connStateEvent struct {
	session *PeerSession
	state   webrtc.PeerConnectionState
}

type trackEvent struct {
	session *PeerSession
	track   ports.RemoteTrack
}

type timeoutEvent struct {
	session *PeerSession
}

type commandEvent struct {
	fn   func()
	done chan struct{}
}

// MeshController keeps one peer session per remote roster member. All
// session state is owned by the Run goroutine; transport callbacks and
// commands reach it as events.
type MeshController struct {
	room      domain.RoomID
	self      domain.Participant
	transport ports.PeerTransport
	channel   ports.SignalingChannel
	metrics   ports.CallMetrics
	emit      func(domain.TileEvent)
	cfg       MeshConfig
	logger    *zap.SugaredLogger

	events chan interface{}
	quit   chan struct{}
	done   chan struct{}

	// owned by Run
	outbox   *outbox
	sessions map[domain.ParticipantID]*PeerSession
	roster   map[domain.ParticipantID]domain.Participant
	retries  map[domain.ParticipantID]int
	audio    webrtc.TrackLocal
	video    webrtc.TrackLocal
}

type MeshParams struct {
	Room      domain.RoomID
	Self      domain.Participant
	Transport ports.PeerTransport
	Signaling ports.SignalingChannel
	Metrics   ports.CallMetrics
	// Emit receives tile events for remote participants.
	Emit   func(domain.TileEvent)
	Audio  webrtc.TrackLocal
	Video  webrtc.TrackLocal
	Config MeshConfig
	Logger *zap.SugaredLogger
}

func NewMeshController(p MeshParams) *MeshController {
	emit := p.Emit
	if emit == nil {
		emit = func(domain.TileEvent) {}
	}
	metrics := p.Metrics
	if metrics == nil {
		metrics = NopCallMetrics{}
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &MeshController{
		room:      p.Room,
		self:      p.Self,
		transport: p.Transport,
		channel:   p.Signaling,
		metrics:   metrics,
		emit:      emit,
		cfg:       p.Config,
		logger:    logger.With("room_id", p.Room, "participant_id", p.Self.ID),
		events:    make(chan interface{}, meshEventBuffer),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		sessions:  make(map[domain.ParticipantID]*PeerSession),
		roster:    make(map[domain.ParticipantID]domain.Participant),
		retries:   make(map[domain.ParticipantID]int),
		audio:     p.Audio,
		video:     p.Video,
	}
}

// Run drives the mesh until ctx is done. On return every session is closed
// and pending signaling I/O has been flushed or abandoned.
func (m *MeshController) Run(ctx context.Context, presence <-chan []domain.Participant, signals <-chan *domain.Signal) {
	defer close(m.done)

	m.outbox = newOutbox(m.channel, m.room, m.self.ID, m.metrics, m.logger)
	defer m.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case roster, ok := <-presence:
			if !ok {
				m.logger.Warnw("presence watch ended")
				presence = nil
				continue
			}
			m.reconcile(roster)

		case sig, ok := <-signals:
			if !ok {
				m.logger.Warnw("signal watch ended")
				signals = nil
				continue
			}
			// a roster change already delivered is applied first, so a
			// signal from a rejoined participant meets its new session
			select {
			case roster, ok := <-presence:
				if ok {
					m.reconcile(roster)
				} else {
					presence = nil
				}
			default:
			}
			m.handleSignal(sig)

		case ev := <-m.events:
			m.handleEvent(ev)
		}
	}
}

// Done is closed once Run has returned.
func (m *MeshController) Done() <-chan struct{} { return m.done }

func (m *MeshController) shutdown() {
	close(m.quit)

	for _, s := range m.sessions {
		m.closeSession(s, "leave")
	}
	m.outbox.close(m.cfg.FlushTimeout)
}

// post delivers a transport callback to the event loop. Events arriving
// after shutdown are dropped.
func (m *MeshController) post(ev interface{}) {
	select {
	case m.events <- ev:
	case <-m.quit:
	}
}

// do runs fn on the event loop and waits for it.
func (m *MeshController) do(ctx context.Context, fn func()) error {
	cmd := commandEvent{fn: fn, done: make(chan struct{})}

	select {
	case m.events <- cmd:
	case <-m.quit:
		return domain.ErrNotJoined
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-cmd.done:
		return nil
	case <-m.quit:
		return domain.ErrNotJoined
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReplaceVideo swaps the outgoing video on every open session and on
// sessions created later.
func (m *MeshController) ReplaceVideo(ctx context.Context, track webrtc.TrackLocal) error {
	var failed error
	err := m.do(ctx, func() {
		m.video = track
		for id, s := range m.sessions {
			if err := s.ReplaceVideo(track); err != nil {
				m.logger.Warnw("failed to replace video track", "remote_id", id, "error", err)
				failed = err
			}
		}
	})
	if err != nil {
		return err
	}
	return failed
}

// Sessions returns the state of every live session.
func (m *MeshController) Sessions(ctx context.Context) (map[domain.ParticipantID]domain.PeerState, error) {
	out := make(map[domain.ParticipantID]domain.PeerState)
	err := m.do(ctx, func() {
		for id, s := range m.sessions {
			out[id] = s.State()
		}
	})
	return out, err
}

func (m *MeshController) reconcile(roster []domain.Participant) {
	present := make(map[domain.ParticipantID]domain.Participant, len(roster))
	for _, p := range roster {
		if p.ID == m.self.ID {
			continue
		}
		present[p.ID] = p
	}
	previous := m.roster
	m.roster = present

	for id, s := range m.sessions {
		if p, ok := present[id]; ok {
			wasImplicit := s.implicit
			s.implicit = false
			if prev, seen := previous[id]; seen && !prev.JoinedAt.Equal(p.JoinedAt) {
				m.logger.Infow("participant rejoined", "remote_id", id)
				m.closeSession(s, "rejoined")
				delete(m.retries, id)
				continue
			}
			// A session opened by an early signal still owes an offer when
			// this side wins the glare rule.
			if wasImplicit && s.State() == domain.PeerIdle && domain.Initiates(m.self.ID, id) {
				m.initiate(s)
			}
			continue
		}
		if s.implicit {
			continue
		}
		m.logger.Infow("participant left", "remote_id", id)
		m.closeSession(s, "left")
		delete(m.retries, id)
	}

	for id := range m.retries {
		if _, ok := present[id]; !ok {
			delete(m.retries, id)
		}
	}

	for _, p := range roster {
		if p.ID == m.self.ID {
			continue
		}
		if _, ok := m.sessions[p.ID]; ok {
			continue
		}
		m.openSession(p.ID, false, domain.Initiates(m.self.ID, p.ID))
	}
}

func (m *MeshController) openSession(remote domain.ParticipantID, implicit, initiate bool) *PeerSession {
	pc, err := m.transport.NewPeerConnection()
	if err != nil {
		m.logger.Errorw("failed to create peer connection", "remote_id", remote, "error", err)
		return nil
	}

	s := newPeerSession(m.room, m.self.ID, remote, pc, m.outbox, m.logger)
	s.implicit = implicit

	pc.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		m.post(iceEvent{session: s, candidate: c})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.post(connStateEvent{session: s, state: state})
	})
	pc.OnTrack(func(t ports.RemoteTrack) {
		m.post(trackEvent{session: s, track: t})
	})

	if err := s.attachTracks(m.audio, m.video); err != nil {
		m.logger.Errorw("failed to attach local media", "remote_id", remote, "error", err)
		s.Close()
		return nil
	}

	m.sessions[remote] = s
	m.metrics.SessionOpened()
	if m.cfg.NegotiationTimeout > 0 {
		s.timer = time.AfterFunc(m.cfg.NegotiationTimeout, func() {
			m.post(timeoutEvent{session: s})
		})
	}
	m.logger.Debugw("peer session opened", "remote_id", remote, "implicit", implicit, "initiator", initiate)

	if initiate && !m.initiate(s) {
		return nil
	}
	return s
}

// initiate sends the offer for s, failing the session on error.
func (m *MeshController) initiate(s *PeerSession) bool {
	ctx, span := tracing.TraceNegotiation(context.Background(), "offer", string(m.room), string(s.remote))
	err := s.Initiate()
	tracing.RecordError(ctx, err)
	span.End()
	if err != nil {
		m.logger.Warnw("failed to start negotiation", "remote_id", s.remote, "error", err)
		m.failSession(s, "offer_failed")
		return false
	}
	return true
}

func (m *MeshController) handleSignal(sig *domain.Signal) {
	m.outbox.delete(sig.ID)

	switch {
	case sig.RoomID != m.room:
		m.discard(sig, "wrong_room")
		return
	case sig.From == "" || sig.From == m.self.ID:
		m.discard(sig, "bad_sender")
		return
	case sig.To != m.self.ID:
		m.discard(sig, "wrong_recipient")
		return
	case !sig.Kind.Valid():
		m.discard(sig, "unknown_kind")
		return
	}
	m.metrics.SignalReceived(sig.Kind)

	s, ok := m.sessions[sig.From]
	if !ok {
		_, inRoster := m.roster[sig.From]
		s = m.openSession(sig.From, !inRoster, false)
		if s == nil {
			m.discard(sig, "session_unavailable")
			return
		}
	}

	ctx, span := tracing.TraceNegotiation(context.Background(), string(sig.Kind), string(m.room), string(sig.From))
	defer span.End()

	before := s.State()
	err := s.HandleSignal(sig)
	switch {
	case err == nil:
		m.afterTransition(s, before)
	case errors.Is(err, domain.ErrUnexpectedSignal), errors.Is(err, domain.ErrInvalidSignal):
		m.logger.Debugw("signal discarded", "remote_id", sig.From, "kind", sig.Kind, "state", before, "error", err)
		m.metrics.SignalDiscarded("unexpected")
	default:
		tracing.RecordError(ctx, err)
		m.logger.Warnw("negotiation failed", "remote_id", sig.From, "kind", sig.Kind, "error", err)
		m.failSession(s, "negotiation_error")
	}
}

func (m *MeshController) discard(sig *domain.Signal, reason string) {
	m.logger.Debugw("signal ignored", "from", sig.From, "to", sig.To, "kind", sig.Kind, "reason", reason)
	m.metrics.SignalDiscarded(reason)
}

func (m *MeshController) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case commandEvent:
		e.fn()
		close(e.done)

	case iceEvent:
		if !m.current(e.session) {
			return
		}
		e.session.LocalCandidate(e.candidate)

	case connStateEvent:
		if !m.current(e.session) {
			return
		}
		before := e.session.State()
		if e.session.ConnectionStateChanged(e.state) {
			m.logger.Warnw("peer transport failed", "remote_id", e.session.remote)
			m.failSession(e.session, "transport_failed")
			return
		}
		m.afterTransition(e.session, before)

	case trackEvent:
		if !m.current(e.session) || e.session.tileAttached {
			return
		}
		e.session.tileAttached = true
		m.emitTile(domain.TileAttached, e.session.remote, e.track)

	case timeoutEvent:
		if !m.current(e.session) || e.session.State() == domain.PeerStable {
			return
		}
		m.logger.Warnw("negotiation timed out", "remote_id", e.session.remote, "state", e.session.State())
		m.failSession(e.session, "timeout")
	}
}

// current reports whether s is still the live session for its remote.
// Callbacks from replaced sessions are ignored.
func (m *MeshController) current(s *PeerSession) bool {
	return m.sessions[s.remote] == s && s.State() != domain.PeerClosed
}

func (m *MeshController) afterTransition(s *PeerSession, before domain.PeerState) {
	if before == domain.PeerStable || s.State() != domain.PeerStable {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	delete(m.retries, s.remote)
	m.metrics.SessionStable(time.Since(s.createdAt))
	m.logger.Infow("peer session stable", "remote_id", s.remote)
}

// failSession closes s and opens a fresh one while retries remain and the
// participant is still present.
func (m *MeshController) failSession(s *PeerSession, reason string) {
	remote := s.remote
	m.closeSession(s, reason)

	if _, present := m.roster[remote]; !present {
		delete(m.retries, remote)
		return
	}
	if m.retries[remote] >= m.cfg.NegotiationRetries {
		m.logger.Warnw("giving up on participant", "remote_id", remote, "reason", reason)
		return
	}
	m.retries[remote]++
	m.metrics.NegotiationRetried()
	m.openSession(remote, false, domain.Initiates(m.self.ID, remote))
}

func (m *MeshController) closeSession(s *PeerSession, reason string) {
	if m.sessions[s.remote] == s {
		delete(m.sessions, s.remote)
	}
	if s.State() == domain.PeerClosed {
		return
	}
	s.Close()
	m.metrics.SessionClosed(reason)

	if s.tileAttached {
		s.tileAttached = false
		m.emitTile(domain.TileDetached, s.remote, ports.RemoteTrack{})
	}
}

func (m *MeshController) emitTile(typ domain.TileEventType, remote domain.ParticipantID, track ports.RemoteTrack) {
	label := domain.ShortID(remote)
	if p, ok := m.roster[remote]; ok {
		label = p.Label()
	}
	ev := domain.TileEvent{
		Type:          typ,
		RoomID:        m.room,
		ParticipantID: remote,
		Label:         label,
		TrackID:       track.ID,
		At:            time.Now(),
	}
	if track.Kind != 0 {
		ev.TrackKind = track.Kind.String()
	}
	m.emit(ev)
}
