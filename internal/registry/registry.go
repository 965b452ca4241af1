// Package registry tracks every client known to the system: controllers and
// synths, their connection lifecycle, and the controller directory other
// instances enumerate. Records live in the shared KV under a refresh TTL;
// the registry itself holds no socket state.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/synthmesh/synthmesh/internal/protocol"
	"github.com/synthmesh/synthmesh/internal/store"
)

// ClientTTL is how long a client record survives without a refresh. Every
// inbound frame and heartbeat rewrites the record at this TTL.
const ClientTTL = 10 * time.Minute

// ClientRecord is the durable state for one client id.
type ClientRecord struct {
	ID                  string `json:"id"`
	InstanceID          string `json:"instanceId"`
	ConnectionTimestamp int64  `json:"connectionTimestamp"` // unix ms of first registration, survives reconnects
	LastSeen            int64  `json:"lastSeen"`            // unix ms
	ReconnectionCount   int    `json:"reconnectionCount"`
	LastReconnectTime   *int64 `json:"lastReconnectTime"`
	IsController        bool   `json:"isController"`
}

// Deliverer gets a payload to a client: locally when the socket is attached
// here, otherwise through the KV message queue. Implemented by the signal
// router.
type Deliverer interface {
	Deliver(ctx context.Context, clientID string, payload []byte) error
}

// Registry implements register/unregister/touch and synth listing.
type Registry struct {
	store      store.Store
	instanceID string
	clock      func() time.Time
	log        zerolog.Logger

	deliverer Deliverer
}

// New creates a registry. The deliverer is attached later via SetDeliverer
// because the router depends on the registry in turn.
func New(st store.Store, instanceID string, clock func() time.Time, log zerolog.Logger) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		store:      st,
		instanceID: instanceID,
		clock:      clock,
		log:        log.With().Str("component", "registry").Logger(),
	}
}

// SetDeliverer wires the message router in after construction.
func (r *Registry) SetDeliverer(d Deliverer) {
	r.deliverer = d
}

func (r *Registry) nowMillis() int64 {
	return r.clock().UnixMilli()
}

// Register creates or refreshes the record for id. A prior record anywhere
// (this instance or another) makes this a reconnection regardless of the
// client's own flag: connectionTimestamp is inherited, reconnectionCount
// incremented. Synth arrivals are announced to every controller.
func (r *Registry) Register(ctx context.Context, id string, clientFlaggedReconnect bool) (*ClientRecord, bool, error) {
	if !protocol.ValidID(id) {
		return nil, false, fmt.Errorf("invalid client id %q", id)
	}

	now := r.nowMillis()
	rec := &ClientRecord{
		ID:                  id,
		InstanceID:          r.instanceID,
		ConnectionTimestamp: now,
		LastSeen:            now,
		IsController:        protocol.IsController(id),
	}

	isReconnection := clientFlaggedReconnect
	prior, err := r.Get(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}
	if prior != nil {
		// connectionTimestamp never rewinds for a given id.
		rec.ConnectionTimestamp = prior.ConnectionTimestamp
		rec.ReconnectionCount = prior.ReconnectionCount + 1
		rec.LastReconnectTime = &now
		isReconnection = true
	}

	if err := r.put(ctx, rec); err != nil {
		return nil, false, err
	}

	if rec.IsController {
		// Directory entry lets other instances enumerate controllers.
		entry := protocol.Marshal(map[string]any{
			"id":         id,
			"instanceId": r.instanceID,
			"timestamp":  now,
		})
		if err := r.store.Put(ctx, store.ControllerDirKey(id), entry, ClientTTL); err != nil {
			return nil, false, fmt.Errorf("write controller directory entry: %w", err)
		}
	} else {
		verb := protocol.VerbClientConnected
		if isReconnection {
			verb = protocol.VerbClientReconnected
		}
		r.NotifyControllers(ctx, protocol.Marshal(protocol.ClientLifecycle{
			Type:      verb,
			ClientID:  id,
			Timestamp: now,
		}))
	}

	r.log.Info().
		Str("client_id", id).
		Bool("is_reconnection", isReconnection).
		Int("reconnection_count", rec.ReconnectionCount).
		Msg("Client registered")
	return rec, isReconnection, nil
}

// Unregister removes the record (and directory entry for controllers) and
// announces synth departures to controllers.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, store.ClientKey(id)); err != nil {
		return fmt.Errorf("delete client record %s: %w", id, err)
	}

	if protocol.IsController(id) {
		if err := r.store.Delete(ctx, store.ControllerDirKey(id)); err != nil {
			return fmt.Errorf("delete controller directory entry %s: %w", id, err)
		}
	} else {
		r.NotifyControllers(ctx, protocol.Marshal(protocol.ClientLifecycle{
			Type:      protocol.VerbClientDisconnected,
			ClientID:  id,
			Timestamp: r.nowMillis(),
		}))
	}

	r.log.Info().Str("client_id", id).Msg("Client unregistered")
	return nil
}

// Touch refreshes lastSeen, preserving connectionTimestamp. A missing record
// (expired or reaped while the socket stayed up) is recreated so the next
// register sees a continuous history.
func (r *Registry) Touch(ctx context.Context, id string) (*ClientRecord, error) {
	now := r.nowMillis()
	rec, err := r.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		rec = &ClientRecord{
			ID:                  id,
			InstanceID:          r.instanceID,
			ConnectionTimestamp: now,
			IsController:        protocol.IsController(id),
		}
	} else if err != nil {
		return nil, err
	}

	rec.LastSeen = now
	rec.InstanceID = r.instanceID
	if err := r.put(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns the record for id, or store.ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*ClientRecord, error) {
	raw, err := r.store.Get(ctx, store.ClientKey(id))
	if err != nil {
		return nil, err
	}
	var rec ClientRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode client record %s: %w", id, err)
	}
	return &rec, nil
}

// ListControllers returns the ids in the controller directory.
func (r *Registry) ListControllers(ctx context.Context) ([]string, error) {
	items, err := r.store.List(ctx, store.ControllerDirPrefix())
	if err != nil {
		return nil, fmt.Errorf("list controller directory: %w", err)
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.Key[len(it.Key)-1])
	}
	return ids, nil
}

// ListSynths enumerates synth records and annotates each with local socket
// presence and active-set membership. The listing never evicts anyone.
func (r *Registry) ListSynths(ctx context.Context, connected, inActiveSet func(id string) bool) ([]protocol.ClientEntry, error) {
	items, err := r.store.List(ctx, store.ClientPrefix())
	if err != nil {
		return nil, fmt.Errorf("list client records: %w", err)
	}

	entries := make([]protocol.ClientEntry, 0, len(items))
	for _, it := range items {
		var rec ClientRecord
		if err := json.Unmarshal(it.Value, &rec); err != nil {
			r.log.Warn().Err(err).Str("key", it.Key.String()).Msg("Skipping undecodable client record")
			continue
		}
		if rec.IsController {
			continue
		}
		entries = append(entries, protocol.ClientEntry{
			ID:                  rec.ID,
			Connected:           connected(rec.ID),
			InActiveSet:         inActiveSet(rec.ID),
			LastSeen:            rec.LastSeen,
			ConnectionTimestamp: rec.ConnectionTimestamp,
			ReconnectionCount:   rec.ReconnectionCount,
		})
	}
	return entries, nil
}

// NotifyControllers delivers payload to every controller in the directory,
// locally or queued. Failures affect only the one recipient.
func (r *Registry) NotifyControllers(ctx context.Context, payload []byte) {
	if r.deliverer == nil {
		return
	}
	ids, err := r.ListControllers(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("Controller notification skipped")
		return
	}
	for _, id := range ids {
		if err := r.deliverer.Deliver(ctx, id, payload); err != nil {
			r.log.Warn().Err(err).Str("controller_id", id).Msg("Controller notification failed")
		}
	}
}

func (r *Registry) put(ctx context.Context, rec *ClientRecord) error {
	if err := r.store.Put(ctx, store.ClientKey(rec.ID), protocol.Marshal(rec), ClientTTL); err != nil {
		return fmt.Errorf("write client record %s: %w", rec.ID, err)
	}
	return nil
}
