package leader

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// NotifyPollInterval is how often each instance polls the change
// notification key.
const NotifyPollInterval = 1 * time.Second

// Broadcaster fans a leadership change out to the instance's locally
// attached synths. Implemented by the signal router.
type Broadcaster interface {
	BroadcastLeadership(ctx context.Context, n ChangeNotification)
}

// Notifier is the per-instance poller that turns change notifications into
// active-controller frames. Re-processing is suppressed by remembering the
// last notificationId acted on; timestamps alone are never trusted.
type Notifier struct {
	service   *Service
	broadcast Broadcaster
	clock     func() time.Time
	log       zerolog.Logger
	interval  time.Duration

	mu     sync.Mutex
	lastID string
}

// NewNotifier creates a notifier polling at NotifyPollInterval.
func NewNotifier(service *Service, broadcast Broadcaster, clock func() time.Time, log zerolog.Logger) *Notifier {
	if clock == nil {
		clock = time.Now
	}
	return &Notifier{
		service:   service,
		broadcast: broadcast,
		clock:     clock,
		log:       log.With().Str("component", "leader-notifier").Logger(),
		interval:  NotifyPollInterval,
	}
}

// Run polls until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Poll(ctx)
		}
	}
}

// Poll performs a single notification check. Exposed for tests.
func (n *Notifier) Poll(ctx context.Context) {
	note, err := n.service.ReadNotification(ctx)
	if err != nil {
		n.log.Warn().Err(err).Msg("Notification poll failed")
		return
	}
	if note == nil {
		return
	}

	n.mu.Lock()
	seen := note.NotificationID == n.lastID
	if !seen {
		n.lastID = note.NotificationID
	}
	n.mu.Unlock()
	if seen {
		return
	}

	age := n.clock().UnixMilli() - note.Timestamp
	if age > NotificationStaleness.Milliseconds() {
		// Stale replay (typically after a restart); remember the id but do
		// not rebroadcast it.
		n.log.Debug().
			Str("notification_id", note.NotificationID).
			Int64("age_ms", age).
			Msg("Stale change notification skipped")
		return
	}

	controller := "none"
	if note.ControllerID != nil {
		controller = *note.ControllerID
	}
	n.log.Info().
		Str("notification_id", note.NotificationID).
		Str("controller_id", controller).
		Msg("Broadcasting leadership change")
	n.broadcast.BroadcastLeadership(ctx, *note)
}
