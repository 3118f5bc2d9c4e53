package ports

import (
	"context"

	"github.com/pion/webrtc/v3"
)

// PeerTransport creates point-to-point media connections.
type PeerTransport interface {
	NewPeerConnection() (PeerConnection, error)
}

// PeerConnection is the subset of a WebRTC peer connection the call core drives.
// Callbacks may fire on any goroutine.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (TrackSender, error)

	// OnICECandidate receives nil once gathering completes.
	OnICECandidate(fn func(*webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnTrack(fn func(RemoteTrack))

	Close() error
}

type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
}

// Capturer acquires local capture tracks.
type Capturer interface {
	CaptureUserMedia(ctx context.Context) (audio CaptureTrack, video CaptureTrack, err error)
	CaptureDisplay(ctx context.Context) (CaptureTrack, error)
}

// CaptureTrack is a local track plus the controls of its capture source.
// A disabled track keeps flowing, carrying silence or no frames.
type CaptureTrack interface {
	Track() webrtc.TrackLocal
	SetEnabled(enabled bool)
	Enabled() bool
	// Ended is closed when the capture surface goes away or Stop is called.
	Ended() <-chan struct{}
	Stop()
}
