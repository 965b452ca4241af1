// Package reaper removes synth records that no controller still claims an
// open WebRTC data channel to. Liveness is defined by controller reports,
// never by lastSeen staleness, and the peer table is a per-instance view:
// this instance only reaps on the strength of reports it received itself.
package reaper

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/synthmesh/synthmesh/internal/registry"
	"github.com/synthmesh/synthmesh/internal/store"
)

// GracePeriod protects newly registered synths from the reaper, measured
// from connectionTimestamp only. Controller activation churn inside the
// window does not reset it.
const GracePeriod = 15 * time.Second

// PeerTable is the in-memory map of controller id to the synth ids that
// controller reports as peer-connected. Not replicated across instances.
type PeerTable struct {
	mu    sync.RWMutex
	conns map[string]map[string]struct{}
}

// NewPeerTable returns an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{conns: make(map[string]map[string]struct{})}
}

// SetConnections replaces a controller's reported synth set.
func (t *PeerTable) SetConnections(controllerID string, synthIDs []string) {
	set := make(map[string]struct{}, len(synthIDs))
	for _, id := range synthIDs {
		set[id] = struct{}{}
	}
	t.mu.Lock()
	t.conns[controllerID] = set
	t.mu.Unlock()
}

// RemoveController drops a controller's report entirely.
func (t *PeerTable) RemoveController(controllerID string) {
	t.mu.Lock()
	delete(t.conns, controllerID)
	t.mu.Unlock()
}

// Contains reports whether any controller claims synthID.
func (t *PeerTable) Contains(synthID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, set := range t.conns {
		if _, ok := set[synthID]; ok {
			return true
		}
	}
	return false
}

// Union returns the set of synth ids claimed by any controller.
func (t *PeerTable) Union() map[string]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]struct{})
	for _, set := range t.conns {
		for id := range set {
			out[id] = struct{}{}
		}
	}
	return out
}

// Reaper sweeps unclaimed synths past their grace period.
type Reaper struct {
	store    store.Store
	registry *registry.Registry
	table    *PeerTable
	clock    func() time.Time
	log      zerolog.Logger

	onSweep func()
	onEvict func()
}

// New creates a reaper.
func New(st store.Store, reg *registry.Registry, table *PeerTable, clock func() time.Time, log zerolog.Logger) *Reaper {
	if clock == nil {
		clock = time.Now
	}
	return &Reaper{
		store:    st,
		registry: reg,
		table:    table,
		clock:    clock,
		log:      log.With().Str("component", "reaper").Logger(),
	}
}

// Hooks installs optional metrics callbacks.
func (r *Reaper) Hooks(onSweep, onEvict func()) {
	r.onSweep, r.onEvict = onSweep, onEvict
}

// Sweep enumerates synth records and removes every one that is past its
// grace period and absent from the union of controller-reported peer sets.
// Controllers are never removed. Returns the removed ids.
func (r *Reaper) Sweep(ctx context.Context) ([]string, error) {
	if r.onSweep != nil {
		r.onSweep()
	}

	claimed := r.table.Union()
	now := r.clock().UnixMilli()

	items, err := r.store.List(ctx, store.ClientPrefix())
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, it := range items {
		var rec registry.ClientRecord
		if err := json.Unmarshal(it.Value, &rec); err != nil {
			r.log.Warn().Err(err).Str("key", it.Key.String()).Msg("Skipping undecodable client record")
			continue
		}
		if rec.IsController {
			continue
		}
		if now-rec.ConnectionTimestamp < GracePeriod.Milliseconds() {
			continue
		}
		if _, ok := claimed[rec.ID]; ok {
			continue
		}

		// Unregister deletes the record and broadcasts client-disconnected
		// to controllers.
		if err := r.registry.Unregister(ctx, rec.ID); err != nil {
			r.log.Warn().Err(err).Str("client_id", rec.ID).Msg("Reaper eviction failed")
			continue
		}
		removed = append(removed, rec.ID)
		if r.onEvict != nil {
			r.onEvict()
		}
	}

	if len(removed) > 0 {
		r.log.Info().
			Strs("client_ids", removed).
			Int("claimed", len(claimed)).
			Msg("Reaper removed unclaimed synths")
	}
	return removed, nil
}
