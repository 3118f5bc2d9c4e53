package services

import (
	"context"
	"fmt"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// MediaSource owns the local capture tracks of one call.
type MediaSource struct {
	capturer ports.Capturer

	mu     sync.Mutex
	audio  ports.CaptureTrack
	camera ports.CaptureTrack
	screen ports.CaptureTrack
}

func NewMediaSource(capturer ports.Capturer) *MediaSource {
	return &MediaSource{capturer: capturer}
}

// Acquire captures microphone and camera. Calling it again while tracks are
// held is a no-op.
func (m *MediaSource) Acquire(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.audio != nil || m.camera != nil {
		return nil
	}
	audio, video, err := m.capturer.CaptureUserMedia(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
	}
	m.audio = audio
	m.camera = video
	return nil
}

func trackOf(t ports.CaptureTrack) webrtc.TrackLocal {
	if t == nil {
		return nil
	}
	return t.Track()
}

// Tracks returns the tracks new peer sessions should send.
func (m *MediaSource) Tracks() (audio, video webrtc.TrackLocal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.screen != nil {
		return trackOf(m.audio), trackOf(m.screen)
	}
	return trackOf(m.audio), trackOf(m.camera)
}

func (m *MediaSource) ToggleMic() (bool, error) {
	return m.toggle(func() ports.CaptureTrack { return m.audio })
}

func (m *MediaSource) ToggleCam() (bool, error) {
	return m.toggle(func() ports.CaptureTrack { return m.camera })
}

func (m *MediaSource) toggle(pick func() ports.CaptureTrack) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := pick()
	if t == nil {
		return false, domain.ErrMediaUnavailable
	}
	enabled := !t.Enabled()
	t.SetEnabled(enabled)
	return enabled, nil
}

// CaptureScreen acquires a display track without switching to it.
func (m *MediaSource) CaptureScreen(ctx context.Context) (ports.CaptureTrack, error) {
	t, err := m.capturer.CaptureDisplay(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
	}
	return t, nil
}

// BeginShare records t as the outgoing video. The caller has already
// substituted it on the peer sessions.
func (m *MediaSource) BeginShare(t ports.CaptureTrack) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.screen = t
}

// EndShare stops the display track and returns the camera track to restore.
func (m *MediaSource) EndShare() (webrtc.TrackLocal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.screen == nil {
		return nil, domain.ErrNotSharing
	}
	m.screen.Stop()
	m.screen = nil
	return trackOf(m.camera), nil
}

func (m *MediaSource) Sharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen != nil
}

// Screen returns the display track being shared, if any.
func (m *MediaSource) Screen() ports.CaptureTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen
}

// Release stops every capture track.
func (m *MediaSource) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range []ports.CaptureTrack{m.audio, m.camera, m.screen} {
		if t != nil {
			t.Stop()
		}
	}
	m.audio, m.camera, m.screen = nil, nil, nil
}
