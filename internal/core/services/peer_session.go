package services

import (
	"encoding/json"
	"fmt"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// signalSender accepts outgoing signals without blocking on the network.
type signalSender interface {
	send(sig *domain.Signal)
}

// PeerSession is one negotiated connection to one remote participant.
// It is owned by the mesh controller goroutine and is not safe for
// concurrent use.
type PeerSession struct {
	room   domain.RoomID
	self   domain.ParticipantID
	remote domain.ParticipantID
	pc     ports.PeerConnection
	out    signalSender
	logger *zap.SugaredLogger

	state      domain.PeerState
	localSet   bool
	remoteSet  bool
	connected  bool
	pendingICE []webrtc.ICECandidateInit

	videoSender ports.TrackSender

	// implicit sessions were created by a signal from a peer not yet seen
	// in the roster.
	implicit     bool
	tileAttached bool
	createdAt    time.Time
	timer        *time.Timer
}

func newPeerSession(room domain.RoomID, self, remote domain.ParticipantID, pc ports.PeerConnection, out signalSender, logger *zap.SugaredLogger) *PeerSession {
	return &PeerSession{
		room:      room,
		self:      self,
		remote:    remote,
		pc:        pc,
		out:       out,
		logger:    logger.With("remote_id", remote),
		state:     domain.PeerIdle,
		createdAt: time.Now(),
	}
}

func (s *PeerSession) Remote() domain.ParticipantID { return s.remote }

func (s *PeerSession) State() domain.PeerState { return s.state }

// PendingICE returns the number of remote candidates waiting for both descriptions.
func (s *PeerSession) PendingICE() int { return len(s.pendingICE) }

func (s *PeerSession) attachTracks(audio, video webrtc.TrackLocal) error {
	if audio != nil {
		if _, err := s.pc.AddTrack(audio); err != nil {
			return fmt.Errorf("add audio track: %w", err)
		}
	}
	if video != nil {
		sender, err := s.pc.AddTrack(video)
		if err != nil {
			return fmt.Errorf("add video track: %w", err)
		}
		s.videoSender = sender
	}
	return nil
}

// Initiate creates and sends the initial offer.
func (s *PeerSession) Initiate() error {
	if s.state != domain.PeerIdle {
		return fmt.Errorf("%w: initiate while %s", domain.ErrUnexpectedSignal, s.state)
	}

	offer, err := s.pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	s.localSet = true
	s.state = domain.PeerNegotiating

	return s.sendPayload(domain.SignalOffer, offer)
}

// HandleSignal applies one remote signal. Errors wrapping ErrUnexpectedSignal
// or ErrInvalidSignal mean the signal was discarded; other errors come from
// the transport.
func (s *PeerSession) HandleSignal(sig *domain.Signal) error {
	if s.state == domain.PeerClosed {
		return domain.ErrSessionClosed
	}

	switch sig.Kind {
	case domain.SignalOffer:
		return s.handleOffer(sig.Payload)
	case domain.SignalAnswer:
		return s.handleAnswer(sig.Payload)
	case domain.SignalICE:
		return s.handleICE(sig.Payload)
	default:
		return fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidSignal, sig.Kind)
	}
}

func decodeDescription(raw json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return desc, fmt.Errorf("%w: %v", domain.ErrInvalidSignal, err)
	}
	if desc.Type != want || desc.SDP == "" {
		return desc, fmt.Errorf("%w: expected %s description", domain.ErrInvalidSignal, want)
	}
	return desc, nil
}

func (s *PeerSession) handleOffer(raw json.RawMessage) error {
	if s.state != domain.PeerIdle {
		return fmt.Errorf("%w: offer while %s", domain.ErrUnexpectedSignal, s.state)
	}
	offer, err := decodeDescription(raw, webrtc.SDPTypeOffer)
	if err != nil {
		return err
	}

	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	s.remoteSet = true

	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	s.localSet = true
	s.state = domain.PeerNegotiating

	if err := s.sendPayload(domain.SignalAnswer, answer); err != nil {
		return err
	}
	s.flushICE()
	s.evaluateStable()
	return nil
}

func (s *PeerSession) handleAnswer(raw json.RawMessage) error {
	if s.state != domain.PeerNegotiating || !s.localSet || s.remoteSet {
		return fmt.Errorf("%w: answer while %s", domain.ErrUnexpectedSignal, s.state)
	}
	answer, err := decodeDescription(raw, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}

	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	s.remoteSet = true

	s.flushICE()
	s.evaluateStable()
	return nil
}

func (s *PeerSession) handleICE(raw json.RawMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &candidate); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSignal, err)
	}
	if candidate.Candidate == "" {
		return fmt.Errorf("%w: empty candidate", domain.ErrInvalidSignal)
	}

	if !s.localSet || !s.remoteSet {
		s.pendingICE = append(s.pendingICE, candidate)
		return nil
	}
	s.applyICE(candidate)
	return nil
}

// applyICE swallows transport errors: a bad candidate only loses one path.
func (s *PeerSession) applyICE(candidate webrtc.ICECandidateInit) {
	if err := s.pc.AddICECandidate(candidate); err != nil {
		s.logger.Debugw("remote ice candidate rejected", "error", err)
	}
}

func (s *PeerSession) flushICE() {
	if !s.localSet || !s.remoteSet {
		return
	}
	queued := s.pendingICE
	s.pendingICE = nil
	for _, c := range queued {
		s.applyICE(c)
	}
}

// LocalCandidate forwards a locally gathered candidate. nil marks the end
// of gathering and is not sent.
func (s *PeerSession) LocalCandidate(c *webrtc.ICECandidateInit) {
	if c == nil || s.state == domain.PeerClosed {
		return
	}
	if err := s.sendPayload(domain.SignalICE, c); err != nil {
		s.logger.Warnw("failed to encode local ice candidate", "error", err)
	}
}

// ConnectionStateChanged records a transport state and reports whether the
// transport failed.
func (s *PeerSession) ConnectionStateChanged(state webrtc.PeerConnectionState) (failed bool) {
	if s.state == domain.PeerClosed {
		return false
	}
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.connected = true
		s.evaluateStable()
	case webrtc.PeerConnectionStateDisconnected:
		s.connected = false
	case webrtc.PeerConnectionStateFailed:
		s.connected = false
		return true
	}
	return false
}

func (s *PeerSession) evaluateStable() {
	if s.state == domain.PeerNegotiating && s.localSet && s.remoteSet && s.connected {
		s.state = domain.PeerStable
	}
}

// ReplaceVideo swaps the outgoing video track without renegotiation.
func (s *PeerSession) ReplaceVideo(track webrtc.TrackLocal) error {
	if s.state == domain.PeerClosed || s.videoSender == nil {
		return nil
	}
	return s.videoSender.ReplaceTrack(track)
}

// Close releases the connection. It is idempotent.
func (s *PeerSession) Close() {
	if s.state == domain.PeerClosed {
		return
	}
	s.state = domain.PeerClosed
	s.pendingICE = nil
	if s.timer != nil {
		s.timer.Stop()
	}
	if err := s.pc.Close(); err != nil {
		s.logger.Debugw("peer connection close failed", "error", err)
	}
}

func (s *PeerSession) sendPayload(kind domain.SignalKind, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	s.out.send(&domain.Signal{
		RoomID:  s.room,
		From:    s.self,
		To:      s.remote,
		Kind:    kind,
		Payload: payload,
	})
	return nil
}
