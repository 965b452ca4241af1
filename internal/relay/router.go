package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/synthmesh/synthmesh/internal/leader"
	"github.com/synthmesh/synthmesh/internal/metrics"
	"github.com/synthmesh/synthmesh/internal/protocol"
	"github.com/synthmesh/synthmesh/internal/reaper"
	"github.com/synthmesh/synthmesh/internal/registry"
	"github.com/synthmesh/synthmesh/internal/store"
)

// replaceSettle gives a replaced socket's close handshake a moment to run
// before the new registration proceeds.
const replaceSettle = 100 * time.Millisecond

// sweepSlack pads the delayed reaper sweep scheduled at controller
// activation so it fires just after every pre-activation synth has left its
// grace window.
const sweepSlack = 1 * time.Second

// Router processes inbound verbs and routes signaling frames, locally when
// the target is attached here and through the KV queue otherwise.
type Router struct {
	store      store.Store
	registry   *registry.Registry
	leader     *leader.Service
	reaper     *reaper.Reaper
	table      *reaper.PeerTable
	hub        *Hub
	metrics    *metrics.Registry
	instanceID string
	clock      func() time.Time
	log        zerolog.Logger

	pollInterval time.Duration
	replaceWait  time.Duration

	pollersMu sync.Mutex
	pollers   map[string]context.CancelFunc

	activationsMu sync.Mutex
	activations   map[string]time.Time
}

// Config carries the router's dependencies.
type Config struct {
	Store      store.Store
	Registry   *registry.Registry
	Leader     *leader.Service
	Reaper     *reaper.Reaper
	PeerTable  *reaper.PeerTable
	Hub        *Hub
	Metrics    *metrics.Registry
	InstanceID string
	Clock      func() time.Time
	Logger     zerolog.Logger
}

// NewRouter creates a router and registers it as the registry's deliverer.
func NewRouter(cfg Config) *Router {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	r := &Router{
		store:        cfg.Store,
		registry:     cfg.Registry,
		leader:       cfg.Leader,
		reaper:       cfg.Reaper,
		table:        cfg.PeerTable,
		hub:          cfg.Hub,
		metrics:      cfg.Metrics,
		instanceID:   cfg.InstanceID,
		clock:        clock,
		log:          cfg.Logger.With().Str("component", "router").Logger(),
		pollInterval: QueuePollInterval,
		replaceWait:  replaceSettle,
		pollers:      make(map[string]context.CancelFunc),
		activations:  make(map[string]time.Time),
	}
	cfg.Registry.SetDeliverer(r)
	return r
}

func (r *Router) nowMillis() int64 {
	return r.clock().UnixMilli()
}

// HandleFrame processes one inbound frame. Malformed JSON and unknown verbs
// are logged and dropped; neither closes the socket.
func (r *Router) HandleFrame(ctx context.Context, p Peer, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.metrics.Signaling.MalformedFrames.Inc()
		r.log.Warn().Err(err).Str("client_id", p.ID()).Msg("Client sent invalid JSON")
		return
	}

	// Every inbound frame from a bound session refreshes lastSeen.
	if id := p.ID(); id != "" && env.Type != protocol.VerbRegister {
		if _, err := r.registry.Touch(ctx, id); err != nil {
			r.log.Warn().Err(err).Str("client_id", id).Msg("lastSeen refresh failed")
		}
	}

	switch env.Type {
	case protocol.VerbRegister:
		r.handleRegister(ctx, p, env)
	case protocol.VerbHeartbeat:
		r.handleHeartbeat(p)
	case protocol.VerbControllerHeartbeat:
		r.handleControllerHeartbeat(ctx, p)
	case protocol.VerbControllerActivate:
		r.handleControllerActivate(ctx, p)
	case protocol.VerbControllerDeactivate:
		r.handleControllerDeactivate(ctx, p)
	case protocol.VerbControllerConnections:
		r.handleControllerConnections(ctx, p, env)
	case protocol.VerbRequestActiveController:
		r.handleRequestActiveController(ctx, p)
	case protocol.VerbOffer, protocol.VerbAnswer, protocol.VerbICECandidate:
		r.handleSignaling(ctx, p, env)
	default:
		r.metrics.Signaling.UnknownVerbs.Inc()
		r.log.Warn().
			Str("client_id", p.ID()).
			Str("verb", env.Type).
			Msg("Client sent unknown message type")
	}
}

func (r *Router) handleRegister(ctx context.Context, p Peer, env protocol.Envelope) {
	id := env.ID
	if !protocol.ValidID(id) {
		r.log.Warn().Str("id", id).Msg("Register with invalid client id dropped")
		return
	}

	// A live socket under the same id is replaced, not refused. The brief
	// wait lets the old socket's close propagate before we answer.
	if prev := r.hub.Attach(id, p); prev != nil {
		r.metrics.Connections.Replaced.Inc()
		r.log.Info().Str("client_id", id).Msg("Replacing existing socket for re-registered id")
		prev.CloseReplaced()
		if r.replaceWait > 0 {
			time.Sleep(r.replaceWait)
		}
	}

	rec, isReconnection, err := r.registry.Register(ctx, id, env.IsReconnect)
	if err != nil {
		r.log.Error().Err(err).Str("client_id", id).Msg("Registration failed")
		r.hub.DetachIf(id, p)
		return
	}

	p.BindID(id)
	r.startPoller(id, p)

	clientType := protocol.TypeSynth
	if rec.IsController {
		clientType = protocol.TypeController
	}
	r.metrics.Connections.Registrations.WithLabelValues(clientType).Inc()
	r.metrics.Connections.Active.Set(float64(r.hub.Count()))

	r.send(p, protocol.Marshal(protocol.RegistrationConfirmed{
		Type:              protocol.VerbRegistrationConfirmed,
		ID:                id,
		ReconnectionCount: rec.ReconnectionCount,
		Timestamp:         r.nowMillis(),
		IsReconnection:    isReconnection,
	}))

	if rec.IsController {
		r.sendClientList(ctx, p)
	} else {
		r.sendActiveController(ctx, p)
	}
}

func (r *Router) handleHeartbeat(p Peer) {
	r.send(p, protocol.Marshal(protocol.HeartbeatAck{
		Type:      protocol.VerbHeartbeatAck,
		Timestamp: r.nowMillis(),
	}))
}

func (r *Router) handleControllerHeartbeat(ctx context.Context, p Peer) {
	if !protocol.IsController(p.ID()) {
		return
	}
	r.sendClientList(ctx, p)
}

func (r *Router) handleControllerActivate(ctx context.Context, p Peer) {
	id := p.ID()
	if !protocol.IsController(id) {
		r.log.Warn().Str("client_id", id).Msg("controller-activate from non-controller dropped")
		return
	}

	res, err := r.leader.SetActive(ctx, id, false)
	if err != nil {
		r.log.Error().Err(err).Str("client_id", id).Msg("Activation failed")
		return
	}

	r.activationsMu.Lock()
	r.activations[id] = r.clock()
	r.activationsMu.Unlock()

	// The change notification published by SetActive reaches synths on every
	// instance through the notifier poll. The activating controller gets its
	// roster immediately.
	r.sendClientList(ctx, p)

	// Once the grace period has passed for everything registered before this
	// activation, clear out synths no controller claims.
	time.AfterFunc(reaper.GracePeriod+sweepSlack, func() {
		if _, err := r.reaper.Sweep(context.Background()); err != nil {
			r.log.Warn().Err(err).Msg("Post-activation reaper sweep failed")
		}
	})

	r.log.Info().
		Str("client_id", id).
		Bool("changed", res.Changed).
		Msg("Controller activated")
}

func (r *Router) handleControllerDeactivate(ctx context.Context, p Peer) {
	id := p.ID()
	if !protocol.IsController(id) {
		return
	}
	cleared, err := r.leader.Clear(ctx, id)
	if err != nil {
		r.log.Error().Err(err).Str("client_id", id).Msg("Deactivation failed")
		return
	}
	if cleared {
		r.log.Info().Str("client_id", id).Msg("Controller deactivated")
	}
}

func (r *Router) handleControllerConnections(ctx context.Context, p Peer, env protocol.Envelope) {
	id := p.ID()
	if !protocol.IsController(id) {
		return
	}

	conns := env.Connections
	if conns == nil {
		conns = []string{}
	}
	r.table.SetConnections(id, conns)

	// Reap on report only once the controller has been active long enough
	// that its picture of the peer set is trustworthy.
	r.activationsMu.Lock()
	activatedAt, active := r.activations[id]
	r.activationsMu.Unlock()
	if !active || r.clock().Sub(activatedAt) <= reaper.GracePeriod/2 {
		return
	}
	if _, err := r.reaper.Sweep(ctx); err != nil {
		r.log.Warn().Err(err).Msg("Reaper sweep failed")
	}
}

func (r *Router) handleRequestActiveController(ctx context.Context, p Peer) {
	r.sendActiveController(ctx, p)
}

func (r *Router) handleSignaling(ctx context.Context, p Peer, env protocol.Envelope) {
	// A malformed target would also corrupt the queue key space, so it is
	// checked as strictly as a registering id.
	if !protocol.ValidID(env.Target) {
		r.log.Warn().
			Str("client_id", p.ID()).
			Str("target", env.Target).
			Str("verb", env.Type).
			Msg("Signaling frame without valid target dropped")
		return
	}

	// The payload stays opaque; the server only stamps the source.
	frame := protocol.Marshal(protocol.SignalFrame{
		Type:   env.Type,
		Source: p.ID(),
		Data:   env.Data,
	})
	if err := r.Deliver(ctx, env.Target, frame); err != nil {
		r.log.Warn().
			Err(err).
			Str("source", p.ID()).
			Str("target", env.Target).
			Str("verb", env.Type).
			Msg("Signaling relay failed")
	}
}

// Deliver implements registry.Deliverer: local send when the target's socket
// is attached here and open, KV queue otherwise (including on send failure).
func (r *Router) Deliver(ctx context.Context, clientID string, payload []byte) error {
	if p, ok := r.hub.Get(clientID); ok && p.IsOpen() {
		if err := p.Send(payload); err == nil {
			r.metrics.Signaling.RelayedLocal.Inc()
			return nil
		}
		r.log.Debug().Str("client_id", clientID).Msg("Local send failed, queueing instead")
	}
	return r.QueueMessage(ctx, clientID, payload)
}

// BroadcastLeadership implements leader.Broadcaster: every locally attached
// synth gets the active-controller frame, queued on send failure so it is
// not lost.
func (r *Router) BroadcastLeadership(ctx context.Context, n leader.ChangeNotification) {
	frame := protocol.Marshal(protocol.ActiveController{
		Type:           protocol.VerbActiveController,
		ControllerID:   n.ControllerID,
		Timestamp:      n.Timestamp,
		NotificationID: n.NotificationID,
	})

	for _, p := range r.hub.Synths() {
		if err := p.Send(frame); err != nil {
			if err := r.QueueMessage(ctx, p.ID(), frame); err != nil {
				r.log.Warn().Err(err).Str("client_id", p.ID()).Msg("Leadership broadcast fallback failed")
				continue
			}
		}
		r.metrics.Leadership.Broadcasts.Inc()
	}
}

// HandleDisconnect tears down a closing socket: detach, stop its poller, and
// unregister, unless a replacement socket has already taken over the id.
func (r *Router) HandleDisconnect(ctx context.Context, p Peer) {
	id := p.ID()
	if id == "" {
		return
	}
	if !r.hub.DetachIf(id, p) {
		// Replaced by a newer socket; the successor owns the record now.
		return
	}
	r.stopPoller(id)
	r.metrics.Connections.Active.Set(float64(r.hub.Count()))

	if protocol.IsController(id) {
		r.table.RemoveController(id)
		r.activationsMu.Lock()
		delete(r.activations, id)
		r.activationsMu.Unlock()
	}

	// The same id may have re-registered on another instance while this
	// socket was closing. That instance owns the record now; deleting it here
	// would also broadcast a spurious client-disconnected.
	if rec, err := r.registry.Get(ctx, id); err == nil && rec.InstanceID != r.instanceID {
		r.log.Info().
			Str("client_id", id).
			Str("owner_instance", rec.InstanceID).
			Msg("Skipping unregister, record re-homed to another instance")
		return
	}

	if err := r.registry.Unregister(ctx, id); err != nil {
		r.log.Warn().Err(err).Str("client_id", id).Msg("Unregister on disconnect failed")
	}
}

func (r *Router) sendActiveController(ctx context.Context, p Peer) {
	rec, err := r.leader.GetActive(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("Active controller lookup failed")
		return
	}
	out := protocol.ActiveController{
		Type:      protocol.VerbActiveController,
		Timestamp: r.nowMillis(),
	}
	if rec != nil {
		out.ControllerID = &rec.ID
	}
	r.send(p, protocol.Marshal(out))
}

func (r *Router) sendClientList(ctx context.Context, p Peer) {
	entries, err := r.registry.ListSynths(ctx, r.hub.Connected, r.table.Contains)
	if err != nil {
		r.log.Warn().Err(err).Msg("Synth listing failed")
		return
	}
	r.send(p, protocol.Marshal(protocol.ClientList{
		Type:    protocol.VerbClientList,
		Clients: entries,
		Total:   len(entries),
	}))
}

// send pushes a reply to the session, falling back to the queue so a full
// buffer does not lose protocol replies.
func (r *Router) send(p Peer, payload []byte) {
	if err := p.Send(payload); err != nil {
		if id := p.ID(); id != "" {
			if qerr := r.QueueMessage(context.Background(), id, payload); qerr != nil {
				r.metrics.Signaling.QueueDropped.Inc()
				r.log.Warn().Err(qerr).Str("client_id", id).Msg("Reply dropped")
			}
			return
		}
		r.log.Debug().Err(err).Msg("Reply to unbound session dropped")
	}
}
