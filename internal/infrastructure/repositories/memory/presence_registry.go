package memory

import (
	"context"
	"sync"

	"meshcall/internal/core/domain"
)

// MemoryPresenceRegistry keeps rosters in process. Watchers get the latest
// roster only: a slow watcher skips intermediate snapshots.
type MemoryPresenceRegistry struct {
	mu       sync.Mutex
	rooms    map[domain.RoomID]map[domain.ParticipantID]domain.Participant
	watchers map[domain.RoomID]map[chan []domain.Participant]struct{}
}

func NewMemoryPresenceRegistry() *MemoryPresenceRegistry {
	return &MemoryPresenceRegistry{
		rooms:    make(map[domain.RoomID]map[domain.ParticipantID]domain.Participant),
		watchers: make(map[domain.RoomID]map[chan []domain.Participant]struct{}),
	}
}

func (r *MemoryPresenceRegistry) Join(ctx context.Context, room domain.RoomID, p domain.Participant) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[domain.ParticipantID]domain.Participant)
		r.rooms[room] = members
	}
	members[p.ID] = p
	r.notifyLocked(room)
	return nil
}

func (r *MemoryPresenceRegistry) Leave(ctx context.Context, room domain.RoomID, id domain.ParticipantID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[room]
	if _, ok := members[id]; !ok {
		return nil
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	r.notifyLocked(room)
	return nil
}

func (r *MemoryPresenceRegistry) Watch(ctx context.Context, room domain.RoomID) (<-chan []domain.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := make(chan []domain.Participant, 1)

	r.mu.Lock()
	ch <- r.snapshotLocked(room)
	set, ok := r.watchers[room]
	if !ok {
		set = make(map[chan []domain.Participant]struct{})
		r.watchers[room] = set
	}
	set[ch] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.watchers[room], ch)
		if len(r.watchers[room]) == 0 {
			delete(r.watchers, room)
		}
		close(ch)
		r.mu.Unlock()
	}()

	return ch, nil
}

func (r *MemoryPresenceRegistry) Snapshot(ctx context.Context, room domain.RoomID) ([]domain.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(room), nil
}

func (r *MemoryPresenceRegistry) snapshotLocked(room domain.RoomID) []domain.Participant {
	members := r.rooms[room]
	out := make([]domain.Participant, 0, len(members))
	for _, p := range members {
		out = append(out, p)
	}
	domain.SortParticipants(out)
	return out
}

// notifyLocked replaces whatever snapshot a watcher has not consumed yet.
func (r *MemoryPresenceRegistry) notifyLocked(room domain.RoomID) {
	for ch := range r.watchers[room] {
		select {
		case <-ch:
		default:
		}
		ch <- r.snapshotLocked(room)
	}
}
