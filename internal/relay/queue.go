package relay

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/synthmesh/synthmesh/internal/store"
)

const (
	// QueueTTL discards queued messages whose recipient never returns.
	QueueTTL = 5 * time.Minute

	// QueuePollInterval is the drain cadence for each attached socket.
	QueuePollInterval = 500 * time.Millisecond
)

// ULID keys sort lexicographically in creation order, which gives each
// recipient's queue FIFO semantics. The monotonic reader keeps same-
// millisecond ids ordered; it is not safe for concurrent use, hence the
// mutex.
var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

func newMessageID(t time.Time) string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), ulidEntropy).String()
}

// QueueMessage writes payload into the recipient's KV queue.
func (r *Router) QueueMessage(ctx context.Context, recipient string, payload []byte) error {
	key := store.MessageKey(recipient, newMessageID(r.clock()))
	if err := r.store.Put(ctx, key, payload, QueueTTL); err != nil {
		return fmt.Errorf("queue message for %s: %w", recipient, err)
	}
	r.metrics.Signaling.RelayedQueued.Inc()
	return nil
}

// DrainQueue delivers the recipient's queued messages in key order, deleting
// each entry after its send succeeds. Best-effort per tick: a failed send
// leaves the remainder for the next tick.
func (r *Router) DrainQueue(ctx context.Context, id string, p Peer) {
	items, err := r.store.List(ctx, store.MessagePrefix(id))
	if err != nil {
		r.log.Warn().Err(err).Str("client_id", id).Msg("Queue drain failed")
		return
	}

	for _, it := range items {
		if !p.IsOpen() {
			return
		}
		if err := p.Send(it.Value); err != nil {
			r.log.Debug().Err(err).Str("client_id", id).Msg("Queue delivery stalled")
			return
		}
		if err := r.store.Delete(ctx, it.Key); err != nil {
			r.log.Warn().Err(err).Str("key", it.Key.String()).Msg("Queue entry delete failed")
			return
		}
		r.metrics.Signaling.QueueDelivered.Inc()
	}
}

// startPoller runs the per-socket drain loop until the socket detaches.
// A new registration under the same id replaces the previous poller.
func (r *Router) startPoller(id string, p Peer) {
	ctx, cancel := context.WithCancel(context.Background())

	r.pollersMu.Lock()
	if prev, ok := r.pollers[id]; ok {
		prev()
	}
	r.pollers[id] = cancel
	r.pollersMu.Unlock()

	go func() {
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.DrainQueue(ctx, id, p)
			}
		}
	}()
}

// stopPoller cancels the drain loop for id.
func (r *Router) stopPoller(id string) {
	r.pollersMu.Lock()
	if cancel, ok := r.pollers[id]; ok {
		cancel()
		delete(r.pollers, id)
	}
	r.pollersMu.Unlock()
}
