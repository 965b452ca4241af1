package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/synthmesh/synthmesh/internal/auth"
	"github.com/synthmesh/synthmesh/internal/leader"
	"github.com/synthmesh/synthmesh/internal/protocol"
	"github.com/synthmesh/synthmesh/internal/registry"
	"github.com/synthmesh/synthmesh/internal/relay"
	"github.com/synthmesh/synthmesh/internal/store"
)

// fallbackICEServers is returned when no ICE configuration is provided.
var fallbackICEServers = []map[string]any{
	{"urls": []string{"stun:stun.l.google.com:19302"}},
}

func (s *Server) handleMintClientID(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := protocol.MintClientID(body.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	marker := protocol.Marshal(map[string]any{
		"id":       id,
		"type":     body.Type,
		"mintedAt": time.Now().UnixMilli(),
		"instance": s.cfg.InstanceID,
	})
	if err := s.store.Put(r.Context(), store.MintedIDKey(id), marker, registry.ClientTTL); err != nil {
		s.log.Error().Err(err).Msg("Minted-id write failed")
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"clientId": id,
		"type":     body.Type,
	})
}

func (s *Server) handleClientIDExists(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := s.store.Get(r.Context(), store.MintedIDKey(id)); err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"exists": true, "clientId": id})
		return
	}
	if _, err := s.registry.Get(r.Context(), id); err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"exists": true, "clientId": id})
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		s.log.Error().Err(err).Str("client_id", id).Msg("Client lookup failed")
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"exists": false})
}

func (s *Server) handleControllerStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.leader.GetActive(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Leadership read failed")
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}

	resp := map[string]any{
		"activeController": nil,
		"timestamp":        time.Now().UnixMilli(),
		"timeoutMs":        leader.HeartbeatTimeout.Milliseconds(),
	}
	if rec != nil {
		resp["activeController"] = rec.ID
		resp["timestamp"] = rec.Timestamp
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLockAcquire(w http.ResponseWriter, r *http.Request) {
	claims := s.requireSession(w, r)
	if claims == nil {
		return
	}

	var body struct {
		ControllerID string `json:"controllerId"`
		Heartbeat    bool   `json:"heartbeat"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !protocol.IsController(body.ControllerID) {
		writeError(w, http.StatusBadRequest, "controllerId must carry the controller- prefix")
		return
	}
	if claims.ControllerID != body.ControllerID {
		writeError(w, http.StatusUnauthorized, "session does not match controllerId")
		return
	}

	res, err := s.leader.SetActive(r.Context(), body.ControllerID, body.Heartbeat)
	if err != nil {
		s.log.Error().Err(err).Msg("Lock acquisition failed")
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}

	var active any
	if res.Active != "" {
		active = res.Active
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"isActive":         res.Active == body.ControllerID,
		"activeController": active,
		"changed":          res.Changed,
		"timeoutMs":        leader.HeartbeatTimeout.Milliseconds(),
	})
}

func (s *Server) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.leader.GetActive(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Leadership read failed")
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}

	if r.URL.Query().Get("health") == "check" {
		s.handleLockHealth(w, r, rec)
		return
	}

	var active any
	var remainingMs int64
	isOwner := false
	if rec != nil {
		active = rec.ID
		remainingMs = s.leader.Remaining(rec).Milliseconds()
		if claims, err := s.sessions.FromRequest(r); err == nil {
			isOwner = claims.ControllerID == rec.ID
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"locked":           rec != nil,
		"isOwner":          isOwner,
		"activeController": active,
		"remainingTimeMs":  remainingMs,
	})
}

// handleLockHealth reports the consistency of the leadership keys: the
// record, the posted notification, and whether either is stale.
func (s *Server) handleLockHealth(w http.ResponseWriter, r *http.Request, rec *leader.ControllerRecord) {
	note, err := s.leader.ReadNotification(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Notification read failed")
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}

	report := map[string]any{
		"healthy":   true,
		"timeoutMs": leader.HeartbeatTimeout.Milliseconds(),
		"record":    nil,
	}
	if rec != nil {
		report["record"] = map[string]any{
			"controllerId":  rec.ID,
			"instanceId":    rec.InstanceID,
			"lastHeartbeat": rec.Timestamp,
			"remainingMs":   s.leader.Remaining(rec).Milliseconds(),
		}
	}
	if note != nil {
		age := time.Now().UnixMilli() - note.Timestamp
		report["notification"] = map[string]any{
			"notificationId": note.NotificationID,
			"controllerId":   note.ControllerID,
			"ageMs":          age,
			"stale":          age > leader.NotificationStaleness.Milliseconds(),
		}
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleLockRelease(w http.ResponseWriter, r *http.Request) {
	claims := s.requireSession(w, r)
	if claims == nil {
		return
	}

	cleared, err := s.leader.Clear(r.Context(), claims.ControllerID)
	if err != nil {
		s.log.Error().Err(err).Msg("Lock release failed")
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}

	rec, err := s.leader.GetActive(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Leadership read failed")
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	var active any
	if rec != nil {
		active = rec.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"cleared":          cleared,
		"activeController": active,
	})
}

func (s *Server) handleControllerClear(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("admin_mode") == "true" {
		if err := s.leader.ForceReset(r.Context()); err != nil {
			s.log.Error().Err(err).Msg("Force reset failed")
			writeError(w, http.StatusInternalServerError, "storage unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "forced": true})
		return
	}

	// Without admin_mode this is an authenticated leader-only release.
	claims := s.requireSession(w, r)
	if claims == nil {
		return
	}
	cleared, err := s.leader.Clear(r.Context(), claims.ControllerID)
	if err != nil {
		s.log.Error().Err(err).Msg("Leadership clear failed")
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "cleared": cleared})
}

func (s *Server) handleICEServers(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ICEServers != "" {
		var servers []map[string]any
		if err := json.Unmarshal([]byte(s.cfg.ICEServers), &servers); err == nil && len(servers) > 0 {
			writeJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
			return
		}
		s.log.Warn().Msg("SM_ICE_SERVERS is not a valid JSON array, using STUN fallback")
	}
	writeJSON(w, http.StatusOK, map[string]any{"iceServers": fallbackICEServers})
}

func (s *Server) handleMintSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ControllerID string `json:"controllerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !protocol.IsController(body.ControllerID) {
		writeError(w, http.StatusBadRequest, "controllerId must carry the controller- prefix")
		return
	}

	token, err := s.sessions.Issue(body.ControllerID)
	if err != nil {
		s.log.Error().Err(err).Msg("Session issue failed")
		writeError(w, http.StatusInternalServerError, "could not issue session")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.cfg.SessionTTL.Seconds()),
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "token": token})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if !s.upgradeRate.Allow() {
		s.metrics.Connections.UpgradeDenied.Inc()
		writeError(w, http.StatusTooManyRequests, "too many connection attempts")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Upgrade failed")
		return
	}

	session := relay.NewSession(conn, s.router, s.log)
	go session.Run(context.WithoutCancel(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"instanceId":    s.cfg.InstanceID,
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
		"localClients":  s.hub.Count(),
		"timestamp":     time.Now().UnixMilli(),
	})
}
