package keyauth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pagopa/io-auth-gateway/lollipop"
)

// revokeQueueSize is the bounded channel capacity for pending revocations.
const revokeQueueSize = 1024

// RevokeSender delivers a single revocation message to the authority's
// asynchronous channel.
type RevokeSender interface {
	SendRevoke(ctx context.Context, ref lollipop.AssertionRef) error
}

// RevokeQueue dispatches key revocations fire-and-forget. Revocations are
// enqueued non-blockingly into a bounded channel and delivered by a
// background goroutine with a bounded retry. Delivery failures are logged
// and swallowed: revocation is eventually consistent by design and must
// never fail the invalidation pipeline that requested it.
type RevokeQueue struct {
	sender   RevokeSender
	logger   *slog.Logger
	events   chan lollipop.AssertionRef
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRevokeQueue creates the queue and starts its delivery loop.
func NewRevokeQueue(sender RevokeSender, logger *slog.Logger) *RevokeQueue {
	q := &RevokeQueue{
		sender: sender,
		logger: logger,
		events: make(chan lollipop.AssertionRef, revokeQueueSize),
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

// Enqueue schedules a revocation. Never blocks; when the queue is full the
// revocation is dropped and logged, leaving the key to expire at the
// authority on its own.
func (q *RevokeQueue) Enqueue(ref lollipop.AssertionRef) {
	select {
	case q.events <- ref:
	default:
		q.logger.Warn("revoke queue full, dropping revocation", "assertion_ref", string(ref))
	}
}

// Close drains pending revocations and stops the delivery loop.
func (q *RevokeQueue) Close() {
	q.stopOnce.Do(func() {
		close(q.events)
		q.wg.Wait()
	})
}

func (q *RevokeQueue) loop() {
	defer q.wg.Done()
	for ref := range q.events {
		q.deliver(ref)
	}
}

// deliver sends one revocation with a single retry on failure. An
// already-dispatched revocation is never retracted.
func (q *RevokeQueue) deliver(ref lollipop.AssertionRef) {
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(1 * time.Second)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := q.sender.SendRevoke(ctx, ref)
		cancel()
		if err == nil {
			return
		}
		q.logger.Warn("key revocation delivery failed",
			"assertion_ref", string(ref), "attempt", attempt+1, "error", err)
	}
}
