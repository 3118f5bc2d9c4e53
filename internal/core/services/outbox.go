package services

import (
	"context"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/queue"

	"go.uber.org/zap"
)

type outboxItem struct {
	signal   *domain.Signal
	deleteID domain.SignalID
}

// outbox performs signaling I/O on one goroutine so signals to a peer keep
// the order they were produced in.
type outbox struct {
	channel ports.SignalingChannel
	room    domain.RoomID
	self    domain.ParticipantID
	metrics ports.CallMetrics
	logger  *zap.SugaredLogger

	q      *queue.Queue[outboxItem]
	cancel context.CancelFunc
	done   chan struct{}
}

func newOutbox(channel ports.SignalingChannel, room domain.RoomID, self domain.ParticipantID, metrics ports.CallMetrics, logger *zap.SugaredLogger) *outbox {
	ctx, cancel := context.WithCancel(context.Background())
	o := &outbox{
		channel: channel,
		room:    room,
		self:    self,
		metrics: metrics,
		logger:  logger,
		q:       queue.New[outboxItem](ctx),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go o.run(ctx)
	return o
}

func (o *outbox) send(sig *domain.Signal) {
	if !o.q.Push(outboxItem{signal: sig}) {
		o.logger.Debugw("outbox closed, signal dropped", "kind", sig.Kind, "remote_id", sig.To)
	}
}

func (o *outbox) delete(id domain.SignalID) {
	if id == "" {
		return
	}
	o.q.Push(outboxItem{deleteID: id})
}

func (o *outbox) run(ctx context.Context) {
	defer close(o.done)

	for item := range o.q.Out() {
		if item.signal != nil {
			if err := o.channel.Send(ctx, item.signal); err != nil {
				o.logger.Warnw("failed to send signal",
					"kind", item.signal.Kind,
					"remote_id", item.signal.To,
					"error", err,
				)
				continue
			}
			o.metrics.SignalSent(item.signal.Kind)
			continue
		}

		if err := o.channel.Delete(ctx, o.room, o.self, item.deleteID); err != nil {
			o.logger.Debugw("failed to delete consumed signal", "signal_id", item.deleteID, "error", err)
		}
	}
}

// close stops accepting items and waits up to timeout for the backlog.
func (o *outbox) close(timeout time.Duration) {
	o.q.Close()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-o.done:
	case <-timer.C:
		o.logger.Warnw("outbox flush timed out", "pending", o.q.Len())
	}
	o.cancel()
	<-o.done
}
