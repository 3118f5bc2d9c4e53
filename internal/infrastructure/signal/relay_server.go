package signal

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/internal/core/services"
	"meshcall/pkg/config"
	apperrors "meshcall/pkg/errors"
	"meshcall/pkg/tracing"
	"meshcall/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const cleanupTimeout = 5 * time.Second

// RelayConfig holds the connection limits of the relay.
type RelayConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendQueueSize  int
	MaxMessageSize int64
	// MessagesPerSecond of zero disables per-connection rate limiting.
	MessagesPerSecond float64
	Burst             int
	// MaxConnections of zero means unlimited.
	MaxConnections int
	AllowedOrigins []string
}

func RelayConfigFrom(cfg *config.Config) RelayConfig {
	rc := RelayConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendQueueSize:  cfg.Signal.SendQueueSize,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		rc.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		rc.Burst = cfg.RateLimiting.WebSocket.Burst
		rc.MaxConnections = cfg.RateLimiting.WebSocket.MaxConcurrent
	}
	return rc
}

// RelayServer forwards presence and signals between websocket clients and
// a backend. It never interprets SDP or candidates.
type RelayServer struct {
	backend ports.Backend
	auth    services.AuthService
	metrics ports.RelayMetrics
	cfg     RelayConfig

	upgrader websocket.Upgrader
	connSem  chan struct{}

	mu    sync.Mutex
	conns map[domain.ParticipantID]*relayConn
	// active counts handlers that have not finished cleanup.
	active sync.WaitGroup

	logger *zap.SugaredLogger
}

func NewRelayServer(backend ports.Backend, auth services.AuthService, metrics ports.RelayMetrics, cfg RelayConfig, logger *zap.SugaredLogger) *RelayServer {
	if metrics == nil {
		metrics = nopRelayMetrics{}
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 64
	}
	s := &RelayServer{
		backend: backend,
		auth:    auth,
		metrics: metrics,
		cfg:     cfg,
		conns:   make(map[domain.ParticipantID]*relayConn),
		logger:  logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	if cfg.MaxConnections > 0 {
		s.connSem = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// checkOrigin admits non-browser clients and, when a list is configured,
// only the listed browser origins.
func (s *RelayServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}

// HandleWebSocket authenticates and upgrades a relay connection.
func (s *RelayServer) HandleWebSocket(c *gin.Context) {
	claims, err := s.auth.ValidateToken(tokenFromRequest(c.Request))
	if err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, "valid token required", http.StatusUnauthorized))
		c.Abort()
		return
	}

	if s.connSem != nil {
		select {
		case s.connSem <- struct{}{}:
		default:
			c.Error(apperrors.NewServiceUnavailableError("too many connections"))
			c.Abort()
			return
		}
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.releaseSlot()
		s.logger.Warnw("websocket upgrade failed", "participant_id", claims.ParticipantID, "error", err)
		return
	}

	s.active.Add(1)
	defer s.active.Done()

	conn := newRelayConn(s, ws, claims)
	if old := s.register(conn); old != nil {
		s.logger.Infow("closing previous connection for reconnecting participant", "participant_id", conn.self)
		old.close()
	}
	s.metrics.ConnectionOpened()
	s.logger.Infow("relay client connected", "participant_id", conn.self, "remote_addr", c.ClientIP())

	go conn.writePump()
	conn.readPump()

	s.cleanup(conn)
}

func (s *RelayServer) releaseSlot() {
	if s.connSem != nil {
		<-s.connSem
	}
}

// register makes conn the participant's current connection. Rooms joined
// through a replaced connection move to conn so its disconnect clears them.
func (s *RelayServer) register(conn *relayConn) *relayConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.conns[conn.self]
	if old != nil {
		conn.adoptRooms(old.joinedRooms())
	}
	s.conns[conn.self] = conn
	return old
}

// unregister reports whether conn was still the participant's current
// connection.
func (s *RelayServer) unregister(conn *relayConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[conn.self] != conn {
		return false
	}
	delete(s.conns, conn.self)
	return true
}

// cleanup removes presence the connection created, unless a newer
// connection of the same participant took over.
func (s *RelayServer) cleanup(conn *relayConn) {
	conn.close()
	current := s.unregister(conn)

	if current {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		for _, room := range conn.joinedRooms() {
			if err := s.backend.Presence().Leave(ctx, room, conn.self); err != nil {
				s.logger.Warnw("failed to remove presence of disconnected participant",
					"room_id", room,
					"participant_id", conn.self,
					"error", err,
				)
			}
		}
		cancel()
	}

	s.metrics.ConnectionClosed()
	s.releaseSlot()
	s.logger.Infow("relay client disconnected", "participant_id", conn.self, "replaced", !current)
}

// Shutdown closes every connection and waits for their presence cleanup,
// or for ctx to end.
func (s *RelayServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*relayConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectionCount returns the number of live participant connections.
func (s *RelayServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// relayConn is one authenticated websocket. The read pump handles requests
// in order; all writes go through send.
type relayConn struct {
	server  *RelayServer
	ws      *websocket.Conn
	claims  *services.Claims
	self    domain.ParticipantID
	send    chan *Message
	limiter *rate.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu      sync.Mutex
	watches map[string]context.CancelFunc
	rooms   map[domain.RoomID]struct{}

	logger *zap.SugaredLogger
}

func newRelayConn(s *RelayServer, ws *websocket.Conn, claims *services.Claims) *relayConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &relayConn{
		server:  s,
		ws:      ws,
		claims:  claims,
		self:    claims.ParticipantID,
		send:    make(chan *Message, s.cfg.SendQueueSize),
		ctx:     ctx,
		cancel:  cancel,
		watches: make(map[string]context.CancelFunc),
		rooms:   make(map[domain.RoomID]struct{}),
		logger:  s.logger.With("participant_id", claims.ParticipantID),
	}
	if s.cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}
	return c
}

func (c *relayConn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.ws.Close()
	})
}

func (c *relayConn) joinedRooms() []domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]domain.RoomID, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

func (c *relayConn) adoptRooms(rooms []domain.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range rooms {
		c.rooms[r] = struct{}{}
	}
}

func (c *relayConn) readPump() {
	cfg := c.server.cfg
	if cfg.MaxMessageSize > 0 {
		c.ws.SetReadLimit(cfg.MaxMessageSize)
	}
	c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && c.ctx.Err() == nil {
				c.logger.Infow("relay read failed", "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))

		if c.limiter != nil && !c.limiter.Allow() {
			c.server.metrics.MessageHandled(msg.Type, false)
			c.replyError(msg.ID, apperrors.NewRateLimitError())
			continue
		}

		err := c.handle(&msg)
		c.server.metrics.MessageHandled(msg.Type, err == nil)
		if err != nil {
			c.logger.Debugw("relay request rejected", "type", msg.Type, "room_id", msg.RoomID, "error", err)
			c.replyError(msg.ID, err)
		}
	}
}

func (c *relayConn) writePump() {
	cfg := c.server.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.logger.Debugw("relay write failed", "error", err)
				return
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteTimeout)); err != nil {
				c.logger.Debugw("relay ping failed", "error", err)
				return
			}

		case <-c.ctx.Done():
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(cfg.WriteTimeout))
			return
		}
	}
}

// enqueue blocks while the send queue is full; it gives up once the
// connection closes.
func (c *relayConn) enqueue(msg *Message) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *relayConn) reply(id string, payload interface{}) {
	msg, err := newMessage(id, TypeOK, "", payload)
	if err != nil {
		c.logger.Errorw("failed to build reply", "error", err)
		return
	}
	c.enqueue(msg)
}

func (c *relayConn) replyError(id string, err error) {
	payload := ErrorPayload{Code: string(apperrors.CodeOf(err)), Message: err.Error()}
	if appErr := apperrors.GetAppError(err); appErr != nil {
		payload.Message = appErr.Message
	}
	msg, _ := newMessage(id, TypeError, "", payload)
	c.enqueue(msg)
}

func (c *relayConn) handle(msg *Message) error {
	ctx, span := tracing.TraceRelayMessage(c.ctx, msg.Type, string(c.self))
	defer span.End()

	var err error
	switch msg.Type {
	case TypeJoin:
		err = c.handleJoin(ctx, msg)
	case TypeLeave:
		err = c.handleLeave(ctx, msg)
	case TypeWatchPresence:
		err = c.handleWatchPresence(ctx, msg)
	case TypeWatchSignals:
		err = c.handleWatchSignals(ctx, msg)
	case TypeUnwatch:
		err = c.handleUnwatch(msg)
	case TypeSignal:
		err = c.handleSignal(ctx, msg)
	case TypeAck:
		err = c.handleAck(ctx, msg)
	case "":
		err = apperrors.NewProtocolError("message type is required")
	default:
		err = apperrors.NewProtocolError("unknown message type: " + msg.Type)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

// checkRoom validates the room id and the token's room scope.
func (c *relayConn) checkRoom(room domain.RoomID) error {
	if err := validation.ValidateRoomID(string(room)); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if err := c.server.auth.CheckRoomAccess(c.claims, room); err != nil {
		return apperrors.NewForbiddenError("token not valid for this room")
	}
	return nil
}

func backendError(err error, message string) error {
	switch {
	case errors.Is(err, domain.ErrInvalidSignal), errors.Is(err, domain.ErrSelfSignal):
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrBackendClosed):
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
	default:
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, message, http.StatusInternalServerError)
	}
}

func (c *relayConn) handleJoin(ctx context.Context, msg *Message) error {
	if err := c.checkRoom(msg.RoomID); err != nil {
		return err
	}

	var payload JoinPayload
	if len(msg.Payload) > 0 {
		if err := decodePayload(msg, &payload); err != nil {
			return apperrors.NewProtocolError(err.Error())
		}
	}
	name := payload.DisplayName
	if name == "" {
		name = c.claims.DisplayName
	}
	name, err := validation.NormalizeDisplayName(name)
	if err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	joinedAt := payload.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now().UTC()
	}

	p := domain.Participant{ID: c.self, DisplayName: name, JoinedAt: joinedAt}
	if err := c.server.backend.Presence().Join(ctx, msg.RoomID, p); err != nil {
		return backendError(err, "failed to join room")
	}

	c.mu.Lock()
	c.rooms[msg.RoomID] = struct{}{}
	c.mu.Unlock()

	c.logger.Infow("participant joined room", "room_id", msg.RoomID)
	c.reply(msg.ID, nil)
	return nil
}

func (c *relayConn) handleLeave(ctx context.Context, msg *Message) error {
	if err := c.checkRoom(msg.RoomID); err != nil {
		return err
	}
	if err := c.server.backend.Presence().Leave(ctx, msg.RoomID, c.self); err != nil {
		return backendError(err, "failed to leave room")
	}

	c.mu.Lock()
	delete(c.rooms, msg.RoomID)
	c.mu.Unlock()

	c.logger.Infow("participant left room", "room_id", msg.RoomID)
	c.reply(msg.ID, nil)
	return nil
}

// addWatch registers a watch under the request id; the returned context
// ends on unwatch or disconnect.
func (c *relayConn) addWatch(id string) (context.Context, error) {
	if id == "" {
		return nil, apperrors.NewProtocolError("watch requests need an id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.watches[id]; exists {
		return nil, apperrors.NewConflictError("watch id already in use")
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.watches[id] = cancel
	return ctx, nil
}

func (c *relayConn) dropWatch(id string) bool {
	c.mu.Lock()
	cancel, ok := c.watches[id]
	delete(c.watches, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (c *relayConn) handleWatchPresence(ctx context.Context, msg *Message) error {
	if err := c.checkRoom(msg.RoomID); err != nil {
		return err
	}
	wctx, err := c.addWatch(msg.ID)
	if err != nil {
		return err
	}
	rosters, err := c.server.backend.Presence().Watch(wctx, msg.RoomID)
	if err != nil {
		c.dropWatch(msg.ID)
		return backendError(err, "failed to watch presence")
	}

	// ok goes out before the first roster
	c.reply(msg.ID, nil)

	go func() {
		defer c.dropWatch(msg.ID)
		for roster := range rosters {
			push, err := newMessage(msg.ID, TypePresence, msg.RoomID, PresencePayload{Participants: roster})
			if err != nil {
				c.logger.Errorw("failed to encode roster", "error", err)
				continue
			}
			if !c.enqueue(push) {
				return
			}
		}
	}()
	return nil
}

func (c *relayConn) handleWatchSignals(ctx context.Context, msg *Message) error {
	if err := c.checkRoom(msg.RoomID); err != nil {
		return err
	}
	wctx, err := c.addWatch(msg.ID)
	if err != nil {
		return err
	}
	signals, err := c.server.backend.Signaling().Watch(wctx, msg.RoomID, c.self)
	if err != nil {
		c.dropWatch(msg.ID)
		return backendError(err, "failed to watch signals")
	}

	c.reply(msg.ID, nil)

	go func() {
		defer c.dropWatch(msg.ID)
		for sig := range signals {
			push, err := newMessage(msg.ID, TypeSignal, msg.RoomID, SignalPayload{Signal: sig})
			if err != nil {
				c.logger.Errorw("failed to encode signal", "error", err)
				continue
			}
			if !c.enqueue(push) {
				return
			}
		}
	}()
	return nil
}

func (c *relayConn) handleUnwatch(msg *Message) error {
	var payload UnwatchPayload
	if err := decodePayload(msg, &payload); err != nil {
		return apperrors.NewProtocolError(err.Error())
	}
	c.dropWatch(payload.WatchID)
	c.reply(msg.ID, nil)
	return nil
}

func (c *relayConn) handleSignal(ctx context.Context, msg *Message) error {
	var payload SignalPayload
	if err := decodePayload(msg, &payload); err != nil {
		return apperrors.NewProtocolError(err.Error())
	}
	sig := payload.Signal
	if sig == nil {
		return apperrors.NewProtocolError("signal payload is required")
	}

	if sig.RoomID == "" {
		sig.RoomID = msg.RoomID
	}
	if err := c.checkRoom(sig.RoomID); err != nil {
		return err
	}
	if err := validation.ValidateParticipantID(string(sig.To)); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}

	// the relay owns sender, id and timestamp
	sig.From = c.self
	sig.ID = ""
	sig.CreatedAt = time.Time{}

	if err := c.server.backend.Signaling().Send(ctx, sig); err != nil {
		return backendError(err, "failed to relay signal")
	}
	c.server.metrics.SignalRelayed(sig.Kind)
	c.logger.Debugw("relayed signal", "room_id", sig.RoomID, "remote_id", sig.To, "kind", sig.Kind)

	c.reply(msg.ID, SentPayload{ID: sig.ID})
	return nil
}

func (c *relayConn) handleAck(ctx context.Context, msg *Message) error {
	if err := c.checkRoom(msg.RoomID); err != nil {
		return err
	}
	var payload AckPayload
	if err := decodePayload(msg, &payload); err != nil {
		return apperrors.NewProtocolError(err.Error())
	}
	if payload.SignalID == "" {
		return apperrors.NewInvalidInputError("signal_id is required")
	}
	if err := c.server.backend.Signaling().Delete(ctx, msg.RoomID, c.self, payload.SignalID); err != nil {
		return backendError(err, "failed to delete signal")
	}
	c.reply(msg.ID, nil)
	return nil
}

type nopRelayMetrics struct{}

func (nopRelayMetrics) ConnectionOpened()               {}
func (nopRelayMetrics) ConnectionClosed()               {}
func (nopRelayMetrics) MessageHandled(string, bool)     {}
func (nopRelayMetrics) SignalRelayed(domain.SignalKind) {}
