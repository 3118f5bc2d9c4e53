package services

import (
	"sync"

	"meshcall/internal/core/domain"

	"go.uber.org/zap"
)

// TileHub fans tile events out to subscribers. A subscriber that falls
// behind loses events rather than stalling the call.
type TileHub struct {
	mu     sync.Mutex
	subs   map[chan domain.TileEvent]struct{}
	buffer int
	logger *zap.SugaredLogger
}

func NewTileHub(buffer int, logger *zap.SugaredLogger) *TileHub {
	if buffer <= 0 {
		buffer = 64
	}
	return &TileHub{
		subs:   make(map[chan domain.TileEvent]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

func (h *TileHub) Subscribe() (<-chan domain.TileEvent, func()) {
	ch := make(chan domain.TileEvent, h.buffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *TileHub) Publish(ev domain.TileEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Warnw("tile subscriber is full, event dropped",
				"type", ev.Type,
				"participant_id", ev.ParticipantID,
			)
		}
	}
}
