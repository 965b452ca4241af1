// Package leader maintains the single active-controller record and the
// change notifications that fan leadership transitions out to every synth.
//
// There is no distributed lock. The record is last-writer-wins; correctness
// comes from rejecting non-leader heartbeats before writing, deduplicating
// notifications by id, and expiring the record when heartbeats stop.
package leader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/synthmesh/synthmesh/internal/store"
)

const (
	// HeartbeatTimeout expires leadership after this long without a
	// heartbeat. Single authoritative constant for the whole system.
	HeartbeatTimeout = 30 * time.Second

	// NotificationStaleness is the age beyond which a change notification is
	// ignored on read. Protects against replays after restart.
	NotificationStaleness = 30 * time.Second
)

// ControllerRecord is the single leadership record.
type ControllerRecord struct {
	ID         string `json:"id"`
	Timestamp  int64  `json:"timestamp"` // unix ms of last heartbeat
	InstanceID string `json:"instanceId"`
}

// ChangeNotification announces a leadership transition. A nil ControllerID
// means "no active controller".
type ChangeNotification struct {
	ControllerID   *string `json:"controllerId"`
	NotificationID string  `json:"notificationId"`
	Timestamp      int64   `json:"timestamp"` // unix ms
}

// Result reports the outcome of SetActive.
type Result struct {
	Changed bool
	// Active is the leader after the call, empty when none.
	Active string
}

// Service reads and writes the leadership record.
type Service struct {
	store      store.Store
	instanceID string
	clock      func() time.Time
	log        zerolog.Logger

	// Serializes read-modify-write cycles within this instance. Cross-
	// instance races are tolerated by design (last writer wins, poller
	// converges).
	mu sync.Mutex

	onChange func() // metrics hook, may be nil
	onExpire func()
	onDenied func()
}

// New creates a leadership service.
func New(st store.Store, instanceID string, clock func() time.Time, log zerolog.Logger) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		store:      st,
		instanceID: instanceID,
		clock:      clock,
		log:        log.With().Str("component", "leader").Logger(),
	}
}

// Hooks installs optional observation callbacks (change, expiry, denied
// heartbeat). Used for metrics.
func (s *Service) Hooks(onChange, onExpire, onDenied func()) {
	s.onChange, s.onExpire, s.onDenied = onChange, onExpire, onDenied
}

func (s *Service) nowMillis() int64 {
	return s.clock().UnixMilli()
}

func (s *Service) expired(rec *ControllerRecord) bool {
	return s.nowMillis()-rec.Timestamp > HeartbeatTimeout.Milliseconds()
}

// GetActive returns the current leader, or nil when none. An expired record
// is deleted on read and a null notification published.
func (s *Service) GetActive(ctx context.Context) (*ControllerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getActiveLocked(ctx)
}

func (s *Service) getActiveLocked(ctx context.Context) (*ControllerRecord, error) {
	rec, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if s.expired(rec) {
		s.log.Info().
			Str("controller_id", rec.ID).
			Int64("last_heartbeat", rec.Timestamp).
			Msg("Leadership expired by heartbeat timeout")
		if err := s.store.Delete(ctx, store.ActiveControllerKey()); err != nil {
			return nil, fmt.Errorf("delete expired leadership record: %w", err)
		}
		if err := s.publishLocked(ctx, nil); err != nil {
			return nil, err
		}
		if s.onExpire != nil {
			s.onExpire()
		}
		return nil, nil
	}
	return rec, nil
}

// SetActive makes id the leader, or refreshes it.
//
//   - Same id: timestamp rewritten, Changed=false. Silent for heartbeats.
//   - Different id, heartbeat: rejected, Changed=false. A non-leader's
//     heartbeat never seizes leadership.
//   - Different id, activation: record overwritten, notification published,
//     Changed=true.
func (s *Service) SetActive(ctx context.Context, id string, isHeartbeat bool) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.getActiveLocked(ctx)
	if err != nil {
		return Result{}, err
	}

	if current != nil && current.ID == id {
		if err := s.write(ctx, id); err != nil {
			return Result{}, err
		}
		if !isHeartbeat {
			s.log.Info().Str("controller_id", id).Msg("Leadership re-activated by current leader")
		}
		return Result{Changed: false, Active: id}, nil
	}

	if current != nil && isHeartbeat {
		s.log.Debug().
			Str("controller_id", id).
			Str("leader_id", current.ID).
			Msg("Heartbeat from non-leader rejected")
		if s.onDenied != nil {
			s.onDenied()
		}
		return Result{Changed: false, Active: current.ID}, nil
	}

	if current == nil && isHeartbeat {
		// Heartbeats refresh an existing claim; they never create one.
		return Result{Changed: false, Active: ""}, nil
	}

	if err := s.write(ctx, id); err != nil {
		return Result{}, err
	}
	if err := s.publishLocked(ctx, &id); err != nil {
		return Result{}, err
	}
	if s.onChange != nil {
		s.onChange()
	}

	prev := ""
	if current != nil {
		prev = current.ID
	}
	s.log.Info().
		Str("controller_id", id).
		Str("previous_leader", prev).
		Msg("Leadership acquired")
	return Result{Changed: true, Active: id}, nil
}

// Clear releases leadership, permitted only for the current leader. Returns
// whether the record was cleared.
func (s *Service) Clear(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.getActiveLocked(ctx)
	if err != nil {
		return false, err
	}
	if current == nil || current.ID != id {
		return false, nil
	}

	if err := s.store.Delete(ctx, store.ActiveControllerKey()); err != nil {
		return false, fmt.Errorf("delete leadership record: %w", err)
	}
	if err := s.publishLocked(ctx, nil); err != nil {
		return false, err
	}
	if s.onChange != nil {
		s.onChange()
	}
	s.log.Info().Str("controller_id", id).Msg("Leadership released")
	return true, nil
}

// ForceReset deletes the record unconditionally and publishes null.
// Administrative escape hatch.
func (s *Service) ForceReset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Delete(ctx, store.ActiveControllerKey()); err != nil {
		return fmt.Errorf("force-reset leadership record: %w", err)
	}
	if err := s.publishLocked(ctx, nil); err != nil {
		return err
	}
	if s.onChange != nil {
		s.onChange()
	}
	s.log.Warn().Msg("Leadership force-reset")
	return nil
}

// Remaining returns how long the record has before heartbeat expiry.
func (s *Service) Remaining(rec *ControllerRecord) time.Duration {
	if rec == nil {
		return 0
	}
	left := HeartbeatTimeout - time.Duration(s.nowMillis()-rec.Timestamp)*time.Millisecond
	if left < 0 {
		return 0
	}
	return left
}

// ReadNotification returns the current change notification, or nil when none
// is posted.
func (s *Service) ReadNotification(ctx context.Context) (*ChangeNotification, error) {
	raw, err := s.store.Get(ctx, store.NotificationKey())
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read change notification: %w", err)
	}
	var n ChangeNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("decode change notification: %w", err)
	}
	return &n, nil
}

func (s *Service) read(ctx context.Context) (*ControllerRecord, error) {
	raw, err := s.store.Get(ctx, store.ActiveControllerKey())
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read leadership record: %w", err)
	}
	var rec ControllerRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode leadership record: %w", err)
	}
	return &rec, nil
}

func (s *Service) write(ctx context.Context, id string) error {
	rec := ControllerRecord{
		ID:         id,
		Timestamp:  s.nowMillis(),
		InstanceID: s.instanceID,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode leadership record: %w", err)
	}
	// The record outlives its semantic expiry slightly so an expiring read
	// can still observe who timed out; store TTL is just a backstop.
	if err := s.store.Put(ctx, store.ActiveControllerKey(), raw, 2*HeartbeatTimeout); err != nil {
		return fmt.Errorf("write leadership record: %w", err)
	}
	return nil
}

func (s *Service) publishLocked(ctx context.Context, controllerID *string) error {
	n := ChangeNotification{
		ControllerID:   controllerID,
		NotificationID: uuid.NewString(),
		Timestamp:      s.nowMillis(),
	}
	raw, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode change notification: %w", err)
	}
	if err := s.store.Put(ctx, store.NotificationKey(), raw, store.Forever); err != nil {
		return fmt.Errorf("write change notification: %w", err)
	}
	return nil
}
