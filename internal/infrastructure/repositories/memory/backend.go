package memory

import (
	"context"

	"meshcall/internal/core/ports"
)

// Backend serves presence and signaling from one process.
type Backend struct {
	presence  *MemoryPresenceRegistry
	signaling *MemorySignalingChannel
}

func NewBackend() *Backend {
	return &Backend{
		presence:  NewMemoryPresenceRegistry(),
		signaling: NewMemorySignalingChannel(),
	}
}

func (b *Backend) Presence() ports.PresenceRegistry { return b.presence }

func (b *Backend) Signaling() ports.SignalingChannel { return b.signaling }

// Mailbox exposes the concrete signaling channel for pending-count checks.
func (b *Backend) Mailbox() *MemorySignalingChannel { return b.signaling }

func (b *Backend) Ping(ctx context.Context) error { return ctx.Err() }

func (b *Backend) Close() error { return nil }
