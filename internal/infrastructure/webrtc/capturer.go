package webrtc

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"meshcall/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	opusPayloadType = 111
	vp8PayloadType  = 96

	audioFrameInterval = 20 * time.Millisecond
	videoFrameInterval = 33 * time.Millisecond
)

// opus DTX silence frame
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticCapturer produces generated media for hosts without capture
// devices. Audio is continuous silence; video is a stream of small VP8
// frames that stops while the track is disabled.
type SyntheticCapturer struct {
	streamID string
	// shareFor ends display captures after the given time, like a user
	// closing the shared window.
	shareFor time.Duration
	logger   *zap.SugaredLogger
}

func NewSyntheticCapturer(streamID string, shareFor time.Duration, logger *zap.SugaredLogger) *SyntheticCapturer {
	return &SyntheticCapturer{streamID: streamID, shareFor: shareFor, logger: logger}
}

func (c *SyntheticCapturer) CaptureUserMedia(ctx context.Context) (ports.CaptureTrack, ports.CaptureTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	audio, err := newSyntheticTrack(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", c.streamID, opusPayloadType, audioFrameInterval, 960, audioPayload, c.logger,
	)
	if err != nil {
		return nil, nil, err
	}
	video, err := newSyntheticTrack(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"camera", c.streamID, vp8PayloadType, videoFrameInterval, 3000, videoPayload, c.logger,
	)
	if err != nil {
		audio.Stop()
		return nil, nil, err
	}
	return audio, video, nil
}

func (c *SyntheticCapturer) CaptureDisplay(ctx context.Context) (ports.CaptureTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	screen, err := newSyntheticTrack(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"screen", c.streamID, vp8PayloadType, videoFrameInterval, 3000, videoPayload, c.logger,
	)
	if err != nil {
		return nil, err
	}
	if c.shareFor > 0 {
		time.AfterFunc(c.shareFor, screen.Stop)
	}
	return screen, nil
}

func audioPayload(bool) []byte { return opusSilence }

// videoPayload returns one VP8 frame, or nil while the camera is off.
func videoPayload(enabled bool) []byte {
	if !enabled {
		return nil
	}
	// payload descriptor with S bit set, then a tiny key frame header
	return []byte{0x10, 0x50, 0x01, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00}
}

type syntheticTrack struct {
	track       *webrtc.TrackLocalStaticRTP
	payloadType uint8
	interval    time.Duration
	clockStep   uint32
	payload     func(enabled bool) []byte
	logger      *zap.SugaredLogger

	enabled atomic.Bool
	ended   chan struct{}
	once    sync.Once
}

func newSyntheticTrack(
	codec webrtc.RTPCodecCapability,
	id, streamID string,
	payloadType uint8,
	interval time.Duration,
	clockStep uint32,
	payload func(bool) []byte,
	logger *zap.SugaredLogger,
) (*syntheticTrack, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(codec, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", id, err)
	}
	t := &syntheticTrack{
		track:       track,
		payloadType: payloadType,
		interval:    interval,
		clockStep:   clockStep,
		payload:     payload,
		logger:      logger.With("track_id", id),
		ended:       make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.run()
	return t, nil
}

func (t *syntheticTrack) Track() webrtc.TrackLocal { return t.track }

func (t *syntheticTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *syntheticTrack) Enabled() bool { return t.enabled.Load() }

func (t *syntheticTrack) Ended() <-chan struct{} { return t.ended }

func (t *syntheticTrack) Stop() { t.once.Do(func() { close(t.ended) }) }

func (t *syntheticTrack) run() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	seq := uint16(rand.Intn(1 << 16))
	ts := rand.Uint32()
	ssrc := rand.Uint32()

	for {
		select {
		case <-t.ended:
			return
		case <-ticker.C:
		}

		ts += t.clockStep
		payload := t.payload(t.enabled.Load())
		if payload == nil {
			continue
		}

		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         true,
				PayloadType:    t.payloadType,
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           ssrc,
			},
			Payload: payload,
		}
		seq++
		// With no bound senders the write is a no-op.
		if err := t.track.WriteRTP(pkt); err != nil {
			t.logger.Debugw("synthetic rtp write failed", "error", err)
		}
	}
}
