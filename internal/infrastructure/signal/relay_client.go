package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	apperrors "meshcall/pkg/errors"
	"meshcall/pkg/queue"
	"meshcall/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const clientWriteTimeout = 10 * time.Second

// RemoteError is an error reply from the relay.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("relay: %s: %s", e.Code, e.Message)
}

// Retryable reports whether the relay refused for a transient reason.
func (e *RemoteError) Retryable() bool {
	switch apperrors.ErrorCode(e.Code) {
	case apperrors.ErrCodeInternal, apperrors.ErrCodeServiceUnavailable, apperrors.ErrCodeRateLimit:
		return true
	}
	return false
}

// RelayClient speaks the relay protocol over one websocket and serves both
// coordination ports from it.
type RelayClient struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *Message
	watches map[string]func(*Message)
	stops   map[string]func()

	closed    chan struct{}
	closeOnce sync.Once

	logger *zap.SugaredLogger
}

var _ ports.Backend = (*RelayClient)(nil)

// DialRelay connects to the relay websocket endpoint with token.
func DialRelay(ctx context.Context, endpoint, token string, logger *zap.SugaredLogger) (*RelayClient, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("relay rejected token: %w", err)
		}
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}

	c := &RelayClient{
		ws:      ws,
		pending: make(map[string]chan *Message),
		watches: make(map[string]func(*Message)),
		stops:   make(map[string]func()),
		closed:  make(chan struct{}),
		logger:  logger,
	}
	go c.readLoop()
	return c, nil
}

func (c *RelayClient) Presence() ports.PresenceRegistry { return relayPresence{c} }

func (c *RelayClient) Signaling() ports.SignalingChannel { return relaySignaling{c} }

// Ping fails once the connection is gone.
func (c *RelayClient) Ping(ctx context.Context) error {
	select {
	case <-c.closed:
		return domain.ErrBackendClosed
	default:
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(clientWriteTimeout))
}

func (c *RelayClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	<-c.closed
	return err
}

// Done is closed when the connection ends.
func (c *RelayClient) Done() <-chan struct{} { return c.closed }

func (c *RelayClient) readLoop() {
	defer c.shutdown()

	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warnw("relay connection lost", "error", err)
			}
			return
		}

		c.mu.Lock()
		switch msg.Type {
		case TypeOK, TypeError:
			if ch, ok := c.pending[msg.ID]; ok {
				delete(c.pending, msg.ID)
				ch <- &msg
			}
		default:
			if handle, ok := c.watches[msg.ID]; ok {
				handle(&msg)
			} else {
				c.logger.Debugw("push for unknown watch", "id", msg.ID, "type", msg.Type)
			}
		}
		c.mu.Unlock()
	}
}

// shutdown fails in-flight requests and ends all watches.
func (c *RelayClient) shutdown() {
	c.closeOnce.Do(func() { c.ws.Close() })

	c.mu.Lock()
	c.pending = make(map[string]chan *Message)
	stops := c.stops
	c.stops = make(map[string]func())
	c.watches = make(map[string]func(*Message))
	c.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	close(c.closed)
}

func (c *RelayClient) write(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	return c.ws.WriteJSON(msg)
}

// request sends one message and waits for its ok or error reply.
func (c *RelayClient) request(ctx context.Context, id, msgType string, room domain.RoomID, payload interface{}) (*Message, error) {
	if id == "" {
		id = utils.NewRequestID()
	}
	msg, err := newMessage(id, msgType, room, payload)
	if err != nil {
		return nil, err
	}

	reply := make(chan *Message, 1)
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return nil, domain.ErrBackendClosed
	default:
	}
	c.pending[id] = reply
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.write(msg); err != nil {
		forget()
		return nil, fmt.Errorf("failed to write %s: %w", msgType, err)
	}

	select {
	case r := <-reply:
		if r.Type == TypeError {
			var e ErrorPayload
			if err := json.Unmarshal(r.Payload, &e); err != nil {
				return nil, &RemoteError{Code: "UNKNOWN", Message: string(r.Payload)}
			}
			return nil, &RemoteError{Code: e.Code, Message: e.Message}
		}
		return r, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-c.closed:
		return nil, domain.ErrBackendClosed
	}
}

// watch registers handle for pushes tagged with a new watch id, then asks
// the relay to start the feed. stop runs once, on ctx done or disconnect.
func (c *RelayClient) watch(ctx context.Context, msgType string, room domain.RoomID, handle func(*Message), stop func()) error {
	id := utils.NewRequestID()

	var once sync.Once
	stopOnce := func() { once.Do(stop) }

	c.mu.Lock()
	c.watches[id] = handle
	c.stops[id] = stopOnce
	c.mu.Unlock()

	remove := func() bool {
		c.mu.Lock()
		_, ok := c.watches[id]
		delete(c.watches, id)
		delete(c.stops, id)
		c.mu.Unlock()
		return ok
	}

	if _, err := c.request(ctx, id, msgType, room, nil); err != nil {
		remove()
		stopOnce()
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-c.closed:
		}
		if remove() {
			unwatchCtx, cancel := context.WithTimeout(context.Background(), clientWriteTimeout)
			if _, err := c.request(unwatchCtx, "", TypeUnwatch, room, UnwatchPayload{WatchID: id}); err != nil {
				c.logger.Debugw("unwatch failed", "watch_id", id, "error", err)
			}
			cancel()
		}
		stopOnce()
	}()
	return nil
}

type relayPresence struct{ c *RelayClient }

func (p relayPresence) Join(ctx context.Context, room domain.RoomID, participant domain.Participant) error {
	_, err := p.c.request(ctx, "", TypeJoin, room, JoinPayload{
		DisplayName: participant.DisplayName,
		JoinedAt:    participant.JoinedAt,
	})
	return err
}

func (p relayPresence) Leave(ctx context.Context, room domain.RoomID, id domain.ParticipantID) error {
	_, err := p.c.request(ctx, "", TypeLeave, room, nil)
	return err
}

// Watch delivers rosters pushed by the relay. A roster not yet read is
// replaced by a newer one.
func (p relayPresence) Watch(ctx context.Context, room domain.RoomID) (<-chan []domain.Participant, error) {
	out := make(chan []domain.Participant, 1)

	// handle runs with the client lock held, so it must not block
	handle := func(msg *Message) {
		var payload PresencePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			p.c.logger.Warnw("malformed presence push", "error", err)
			return
		}
		domain.SortParticipants(payload.Participants)
		select {
		case <-out:
		default:
		}
		out <- payload.Participants
	}
	stop := func() {
		p.c.mu.Lock()
		close(out)
		p.c.mu.Unlock()
	}

	if err := p.c.watch(ctx, TypeWatchPresence, room, handle, stop); err != nil {
		return nil, err
	}
	return out, nil
}

func (p relayPresence) Snapshot(ctx context.Context, room domain.RoomID) ([]domain.Participant, error) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := p.Watch(wctx, room)
	if err != nil {
		return nil, err
	}
	select {
	case roster, ok := <-ch:
		if !ok {
			return nil, domain.ErrBackendClosed
		}
		return roster, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type relaySignaling struct{ c *RelayClient }

// Send relays sig; the relay stamps the sender and assigns the id.
func (s relaySignaling) Send(ctx context.Context, sig *domain.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	reply, err := s.c.request(ctx, "", TypeSignal, sig.RoomID, SignalPayload{Signal: sig})
	if err != nil {
		return err
	}
	var sent SentPayload
	if len(reply.Payload) > 0 && json.Unmarshal(reply.Payload, &sent) == nil && sent.ID != "" {
		sig.ID = sent.ID
	}
	return nil
}

func (s relaySignaling) Watch(ctx context.Context, room domain.RoomID, self domain.ParticipantID) (<-chan *domain.Signal, error) {
	qctx, cancel := context.WithCancel(context.Background())
	q := queue.New[*domain.Signal](qctx)

	handle := func(msg *Message) {
		var payload SignalPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Signal == nil {
			s.c.logger.Warnw("malformed signal push", "error", err)
			return
		}
		q.Push(payload.Signal)
	}
	stop := func() {
		q.Close()
		// drop the backlog once the caller is gone
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	if err := s.c.watch(ctx, TypeWatchSignals, room, handle, stop); err != nil {
		cancel()
		return nil, err
	}
	return q.Out(), nil
}

func (s relaySignaling) Delete(ctx context.Context, room domain.RoomID, self domain.ParticipantID, id domain.SignalID) error {
	_, err := s.c.request(ctx, "", TypeAck, room, AckPayload{SignalID: id})
	return err
}
