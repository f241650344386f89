package venturelink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FrameSender writes frames on the realtime connection.
// ConnectionManager implements it.
type FrameSender interface {
	Send(ctx context.Context, frame []byte) error
	State() ConnectionState
}

// OutboxOp is a snapshot of one queued outbound envelope.
type OutboxOp struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

type outboxItem struct {
	op         OutboxOp
	frame      []byte
	onAccepted func()
	onFailed   func(error)
}

// OutboundQueue holds outbound envelopes and writes them strictly in
// enqueue order, one at a time: an item is not attempted until the
// transport has accepted or permanently rejected the one before it.
//
// Transient write failures stop the flush and leave the item at the head
// for the next Connected transition. Failures wrapping ErrSendRejected are
// permanent: the item is dropped and its onFailed callback runs.
type OutboundQueue struct {
	sender  FrameSender
	log     zerolog.Logger
	metrics *Metrics

	mu       sync.Mutex
	items    []*outboxItem
	inFlight string
	flushing bool
}

func NewOutboundQueue(sender FrameSender, logger zerolog.Logger, metrics *Metrics) *OutboundQueue {
	return &OutboundQueue{
		sender:  sender,
		log:     logger.With().Str("component", "outbox").Logger(),
		metrics: metrics,
	}
}

// Enqueue appends env to the queue. onAccepted runs once the transport
// accepts the frame; onFailed runs if it is permanently rejected or
// cancelled. Either callback may be nil. When connected, a flush starts in
// the background.
func (q *OutboundQueue) Enqueue(env Envelope, onAccepted func(), onFailed func(error)) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return &SendRejectedError{ClientID: env.ID, Err: err}
	}

	q.mu.Lock()
	q.items = append(q.items, &outboxItem{
		op:         OutboxOp{ID: env.ID, Type: env.Type, EnqueuedAt: time.Now()},
		frame:      frame,
		onAccepted: onAccepted,
		onFailed:   onFailed,
	})
	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.queueDepth(depth)
	q.log.Debug().Str("id", env.ID).Str("type", string(env.Type)).Int("depth", depth).Msg("enqueued")

	if q.sender.State() == StateConnected {
		go q.Flush(context.Background())
	}
	return nil
}

// Flush writes queued frames until the queue is empty, the connection
// drops or a transient write error occurs. Concurrent calls coalesce into
// the one already running.
func (q *OutboundQueue) Flush(ctx context.Context) {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()
		return
	}
	q.flushing = true
	q.mu.Unlock()

	for {
		q.mu.Lock()
		if len(q.items) == 0 || q.sender.State() != StateConnected || ctx.Err() != nil {
			q.flushing = false
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.inFlight = item.op.ID
		q.mu.Unlock()

		err := q.sender.Send(ctx, item.frame)

		q.mu.Lock()
		q.inFlight = ""
		if err != nil && !errors.Is(err, ErrSendRejected) {
			q.flushing = false
			q.mu.Unlock()
			q.log.Debug().Err(err).Str("id", item.op.ID).Msg("flush paused")
			return
		}
		q.removeLocked(item.op.ID)
		depth := len(q.items)
		q.mu.Unlock()
		q.metrics.queueDepth(depth)

		if err != nil {
			q.metrics.outbound("rejected")
			q.log.Warn().Err(err).Str("id", item.op.ID).Str("type", string(item.op.Type)).Msg("send rejected")
			if item.onFailed != nil {
				item.onFailed(&SendRejectedError{ClientID: item.op.ID, Err: err})
			}
			continue
		}
		q.metrics.outbound("sent")
		if item.onAccepted != nil {
			item.onAccepted()
		}
	}
}

// Cancel removes a queued item that has not been handed to the transport
// yet and runs its onFailed callback. It reports whether anything was removed.
func (q *OutboundQueue) Cancel(id string) bool {
	q.mu.Lock()
	if id == q.inFlight {
		q.mu.Unlock()
		return false
	}
	item := q.removeLocked(id)
	depth := len(q.items)
	q.mu.Unlock()
	if item == nil {
		return false
	}

	q.metrics.queueDepth(depth)
	q.metrics.outbound("cancelled")
	if item.onFailed != nil {
		item.onFailed(&SendRejectedError{ClientID: id, Err: context.Canceled})
	}
	return true
}

// Len returns the number of queued items, including one in flight.
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns the queued operations in send order.
func (q *OutboundQueue) Pending() []OutboxOp {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops := make([]OutboxOp, len(q.items))
	for i, item := range q.items {
		ops[i] = item.op
	}
	return ops
}

func (q *OutboundQueue) removeLocked(id string) *outboxItem {
	for i, item := range q.items {
		if item.op.ID == id {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			return item
		}
	}
	return nil
}
