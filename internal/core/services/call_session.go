package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/logger"
	"meshcall/pkg/tracing"
	"meshcall/pkg/validation"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type CallConfig struct {
	ParticipantID domain.ParticipantID
	DisplayName   string
	Mesh          MeshConfig
	TileBuffer    int
}

type callSession struct {
	self      domain.Participant
	presence  ports.PresenceRegistry
	signaling ports.SignalingChannel
	transport ports.PeerTransport
	media     *MediaSource
	tiles     *TileHub
	metrics   ports.CallMetrics
	cfg       CallConfig
	logger    *zap.SugaredLogger
	clog      *logger.ContextLogger

	// shareMu serializes screen share transitions.
	shareMu sync.Mutex

	mu         sync.Mutex
	state      domain.CallState
	room       domain.RoomID
	mesh       *MeshController
	stopCall   context.CancelFunc
	cancelJoin context.CancelFunc
	joinDone   chan struct{}
}

// CallSession extends CallService with introspection used by the CLI and tests.
type CallSession interface {
	ports.CallService
	Room() domain.RoomID
	Sessions(ctx context.Context) (map[domain.ParticipantID]domain.PeerState, error)
	Sharing() bool
}

func NewCallSession(
	cfg CallConfig,
	backend ports.Backend,
	transport ports.PeerTransport,
	capturer ports.Capturer,
	metrics ports.CallMetrics,
	log *zap.SugaredLogger,
) (CallSession, error) {
	if err := validation.ValidateParticipantID(string(cfg.ParticipantID)); err != nil {
		return nil, err
	}
	name, err := validation.NormalizeDisplayName(cfg.DisplayName)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = NopCallMetrics{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.With("participant_id", cfg.ParticipantID)

	return &callSession{
		self:      domain.Participant{ID: cfg.ParticipantID, DisplayName: name},
		presence:  backend.Presence(),
		signaling: backend.Signaling(),
		transport: transport,
		media:     NewMediaSource(capturer),
		tiles:     NewTileHub(cfg.TileBuffer, log),
		metrics:   metrics,
		cfg:       cfg,
		logger:    log,
		clog:      logger.NewContextLogger(log),
		state:     domain.CallNotJoined,
	}, nil
}

func (c *callSession) setStateLocked(state domain.CallState) {
	if c.state == state {
		return
	}
	c.state = state
	c.metrics.CallStateChanged(state)
}

func (c *callSession) State() domain.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *callSession) Room() domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *callSession) Subscribe() (<-chan domain.TileEvent, func()) {
	return c.tiles.Subscribe()
}

func (c *callSession) Sharing() bool {
	return c.media.Sharing()
}

func (c *callSession) Sessions(ctx context.Context) (map[domain.ParticipantID]domain.PeerState, error) {
	mesh, err := c.activeMesh()
	if err != nil {
		return nil, err
	}
	return mesh.Sessions(ctx)
}

// Join enters room. Joining the room already joined is a no-op; joining
// another room leaves the current one first.
func (c *callSession) Join(ctx context.Context, room domain.RoomID) error {
	if err := validation.ValidateRoomID(string(room)); err != nil {
		return err
	}

	c.mu.Lock()
	switch c.state {
	case domain.CallJoining, domain.CallLeaving:
		c.mu.Unlock()
		return domain.ErrCallBusy
	case domain.CallInCall:
		if c.room == room {
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		if err := c.Leave(ctx); err != nil {
			return fmt.Errorf("leave %s: %w", c.Room(), err)
		}
		c.mu.Lock()
		if c.state != domain.CallNotJoined {
			c.mu.Unlock()
			return domain.ErrCallBusy
		}
	}

	joinCtx, cancelJoin := context.WithCancel(ctx)
	done := make(chan struct{})
	c.room = room
	c.cancelJoin = cancelJoin
	c.joinDone = done
	c.setStateLocked(domain.CallJoining)
	c.mu.Unlock()

	defer close(done)
	defer cancelJoin()

	joinCtx = logger.WithRoom(joinCtx, string(room))
	joinCtx, span := tracing.TraceCall(joinCtx, "join", string(room), string(c.self.ID))
	defer span.End()

	if err := c.join(joinCtx, room); err != nil {
		tracing.RecordError(joinCtx, err)
		c.clog.Error(joinCtx, err, "join failed")

		c.mu.Lock()
		c.room = ""
		c.cancelJoin = nil
		c.setStateLocked(domain.CallNotJoined)
		c.mu.Unlock()
		return err
	}

	c.clog.Info(joinCtx, "joined call")
	return nil
}

func (c *callSession) join(ctx context.Context, room domain.RoomID) (err error) {
	if err := c.media.Acquire(ctx); err != nil {
		return err
	}

	callCtx, stopCall := context.WithCancel(context.Background())
	announced := false
	defer func() {
		if err == nil {
			return
		}
		stopCall()
		if announced {
			c.leavePresence(room)
		}
		c.media.Release()
	}()

	signals, err := c.signaling.Watch(callCtx, room, c.self.ID)
	if err != nil {
		return fmt.Errorf("watch signals: %w", err)
	}
	roster, err := c.presence.Watch(callCtx, room)
	if err != nil {
		return fmt.Errorf("watch presence: %w", err)
	}

	self := c.self
	self.JoinedAt = time.Now().UTC()
	if err := c.presence.Join(ctx, room, self); err != nil {
		return fmt.Errorf("announce presence: %w", err)
	}
	announced = true

	audio, video := c.media.Tracks()
	mesh := NewMeshController(MeshParams{
		Room:      room,
		Self:      self,
		Transport: c.transport,
		Signaling: c.signaling,
		Metrics:   c.metrics,
		Emit:      c.tiles.Publish,
		Audio:     audio,
		Video:     video,
		Config:    c.cfg.Mesh,
		Logger:    c.logger,
	})

	c.mu.Lock()
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mesh = mesh
	c.stopCall = stopCall
	c.cancelJoin = nil
	c.setStateLocked(domain.CallInCall)
	c.mu.Unlock()

	go mesh.Run(callCtx, roster, signals)

	c.publishLocal(domain.TileAttached, room, video)
	return nil
}

// Leave exits the current call. Leaving while a join is in progress
// cancels the join.
func (c *callSession) Leave(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case domain.CallNotJoined:
		c.mu.Unlock()
		return nil
	case domain.CallLeaving:
		c.mu.Unlock()
		return domain.ErrCallBusy
	case domain.CallJoining:
		cancel, done := c.cancelJoin, c.joinDone
		c.mu.Unlock()
		cancel()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	room, mesh, stopCall := c.room, c.mesh, c.stopCall
	c.setStateLocked(domain.CallLeaving)
	c.mu.Unlock()

	ctx = logger.WithRoom(ctx, string(room))
	ctx, span := tracing.TraceCall(ctx, "leave", string(room), string(c.self.ID))
	defer span.End()

	stopCall()
	select {
	case <-mesh.Done():
	case <-ctx.Done():
		c.clog.Warn(ctx, "leave continuing before mesh shutdown finished")
	}

	c.leavePresence(room)
	c.media.Release()
	c.publishLocal(domain.TileDetached, room, nil)

	c.mu.Lock()
	c.room = ""
	c.mesh = nil
	c.stopCall = nil
	c.setStateLocked(domain.CallNotJoined)
	c.mu.Unlock()

	c.clog.Info(ctx, "left call")
	return nil
}

// leavePresence is best effort: the entry would otherwise stay until the
// backend expires it.
func (c *callSession) leavePresence(room domain.RoomID) {
	ctx, cancel := context.WithTimeout(context.Background(), c.flushTimeout())
	defer cancel()
	if err := c.presence.Leave(ctx, room, c.self.ID); err != nil {
		c.logger.Warnw("failed to remove presence", "room_id", room, "error", err)
	}
}

func (c *callSession) flushTimeout() time.Duration {
	if c.cfg.Mesh.FlushTimeout > 0 {
		return c.cfg.Mesh.FlushTimeout
	}
	return 2 * time.Second
}

func (c *callSession) publishLocal(typ domain.TileEventType, room domain.RoomID, video webrtc.TrackLocal) {
	ev := domain.TileEvent{
		Type:          typ,
		RoomID:        room,
		ParticipantID: c.self.ID,
		Label:         c.self.Label(),
		Local:         true,
		At:            time.Now(),
	}
	if video != nil {
		ev.TrackID = video.ID()
		ev.TrackKind = video.Kind().String()
	}
	c.tiles.Publish(ev)
}

func (c *callSession) activeMesh() (*MeshController, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.CallInCall || c.mesh == nil {
		return nil, domain.ErrNotJoined
	}
	return c.mesh, nil
}

func (c *callSession) ToggleMic() (bool, error) {
	if _, err := c.activeMesh(); err != nil {
		return false, err
	}
	return c.media.ToggleMic()
}

func (c *callSession) ToggleCam() (bool, error) {
	if _, err := c.activeMesh(); err != nil {
		return false, err
	}
	return c.media.ToggleCam()
}

// ToggleScreenShare starts or stops sharing and reports whether sharing is
// active afterwards. A failed start leaves the call as it was.
func (c *callSession) ToggleScreenShare(ctx context.Context) (bool, error) {
	c.shareMu.Lock()
	defer c.shareMu.Unlock()

	mesh, err := c.activeMesh()
	if err != nil {
		return false, err
	}

	if c.media.Sharing() {
		if err := c.stopShare(ctx, mesh); err != nil {
			return false, err
		}
		return false, nil
	}

	screen, err := c.media.CaptureScreen(ctx)
	if err != nil {
		c.logger.Warnw("screen capture failed", "error", err)
		return false, err
	}
	if err := mesh.ReplaceVideo(ctx, screen.Track()); err != nil {
		screen.Stop()
		_, camera := c.media.Tracks()
		if restoreErr := mesh.ReplaceVideo(context.Background(), camera); restoreErr != nil {
			c.logger.Warnw("failed to restore camera after share failure", "error", restoreErr)
		}
		return false, fmt.Errorf("switch to screen: %w", err)
	}
	c.media.BeginShare(screen)
	c.logger.Infow("screen share started")

	go c.watchShareEnd(screen, mesh)
	return true, nil
}

func (c *callSession) stopShare(ctx context.Context, mesh *MeshController) error {
	camera, err := c.media.EndShare()
	if err != nil {
		return err
	}
	if err := mesh.ReplaceVideo(ctx, camera); err != nil {
		return fmt.Errorf("restore camera: %w", err)
	}
	c.logger.Infow("screen share stopped")
	return nil
}

// watchShareEnd restores the camera when the shared surface goes away.
func (c *callSession) watchShareEnd(screen ports.CaptureTrack, mesh *MeshController) {
	select {
	case <-screen.Ended():
	case <-mesh.Done():
		return
	}

	c.shareMu.Lock()
	defer c.shareMu.Unlock()

	if c.media.Screen() != screen {
		return
	}
	c.logger.Infow("shared screen ended")
	if err := c.stopShare(context.Background(), mesh); err != nil {
		c.logger.Warnw("failed to restore camera after share ended", "error", err)
	}
}
