package memory

import (
	"context"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/pkg/queue"
	"meshcall/pkg/utils"
)

type mailboxKey struct {
	room domain.RoomID
	to   domain.ParticipantID
}

// MemorySignalingChannel relays signals between participants of one process.
// Undeleted signals stay in the mailbox until Delete.
type MemorySignalingChannel struct {
	mu      sync.Mutex
	pending map[mailboxKey][]*domain.Signal
	subs    map[mailboxKey]map[*queue.Queue[*domain.Signal]]struct{}
	now     func() time.Time
}

func NewMemorySignalingChannel() *MemorySignalingChannel {
	return &MemorySignalingChannel{
		pending: make(map[mailboxKey][]*domain.Signal),
		subs:    make(map[mailboxKey]map[*queue.Queue[*domain.Signal]]struct{}),
		now:     time.Now,
	}
}

func (c *MemorySignalingChannel) Send(ctx context.Context, sig *domain.Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sig.Validate(); err != nil {
		return err
	}
	if sig.ID == "" {
		sig.ID = domain.SignalID(utils.NewSignalID())
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = c.now()
	}

	key := mailboxKey{room: sig.RoomID, to: sig.To}

	c.mu.Lock()
	defer c.mu.Unlock()

	stored := *sig
	c.pending[key] = append(c.pending[key], &stored)
	for q := range c.subs[key] {
		delivered := stored
		q.Push(&delivered)
	}
	return nil
}

func (c *MemorySignalingChannel) Watch(ctx context.Context, room domain.RoomID, self domain.ParticipantID) (<-chan *domain.Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := mailboxKey{room: room, to: self}
	q := queue.New[*domain.Signal](ctx)

	c.mu.Lock()
	set, ok := c.subs[key]
	if !ok {
		set = make(map[*queue.Queue[*domain.Signal]]struct{})
		c.subs[key] = set
	}
	set[q] = struct{}{}
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.subs[key], q)
		if len(c.subs[key]) == 0 {
			delete(c.subs, key)
		}
		c.mu.Unlock()
		q.Close()
	}()

	return q.Out(), nil
}

// Delete removes a delivered signal. Deleting an unknown id is a no-op.
func (c *MemorySignalingChannel) Delete(ctx context.Context, room domain.RoomID, self domain.ParticipantID, id domain.SignalID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := mailboxKey{room: room, to: self}

	c.mu.Lock()
	defer c.mu.Unlock()

	box := c.pending[key]
	for i, s := range box {
		if s.ID == id {
			c.pending[key] = append(box[:i], box[i+1:]...)
			break
		}
	}
	if len(c.pending[key]) == 0 {
		delete(c.pending, key)
	}
	return nil
}

// Pending returns how many signals addressed to self are not deleted yet.
func (c *MemorySignalingChannel) Pending(room domain.RoomID, self domain.ParticipantID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending[mailboxKey{room: room, to: self}])
}
