// Package protocol defines the WebSocket frame grammar shared by controllers
// and synths, and the client-id conventions. Every frame is a JSON object
// with a "type" field; the server never interprets signaling payloads beyond
// routing them.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Inbound verbs.
const (
	VerbRegister                = "register"
	VerbHeartbeat               = "heartbeat"
	VerbControllerHeartbeat     = "controller-heartbeat"
	VerbControllerActivate      = "controller-activate"
	VerbControllerDeactivate    = "controller-deactivate"
	VerbControllerConnections   = "controller-connections"
	VerbRequestActiveController = "request-active-controller"
	VerbOffer                   = "offer"
	VerbAnswer                  = "answer"
	VerbICECandidate            = "ice-candidate"
)

// Outbound verbs.
const (
	VerbRegistrationConfirmed = "registration-confirmed"
	VerbHeartbeatAck          = "heartbeat_ack"
	VerbActiveController      = "active-controller"
	VerbClientList            = "client-list"
	VerbClientConnected       = "client-connected"
	VerbClientReconnected     = "client-reconnected"
	VerbClientDisconnected    = "client-disconnected"
)

// Client id prefixes. Client type is inferred purely from the prefix.
const (
	ControllerPrefix = "controller-"
	SynthPrefix      = "synth-"
)

// Client types accepted by POST /client-id.
const (
	TypeController = "controller"
	TypeSynth      = "synth"
)

// IsController reports whether id names a controller.
func IsController(id string) bool {
	return strings.HasPrefix(id, ControllerPrefix)
}

// IsSynth reports whether id names a synth.
func IsSynth(id string) bool {
	return strings.HasPrefix(id, SynthPrefix)
}

// ValidID reports whether id carries one of the two known prefixes with a
// non-empty suffix of id-safe characters. Ids become key components in the
// shared store and queue paths, so separators and other punctuation are
// rejected outright.
func ValidID(id string) bool {
	var suffix string
	switch {
	case IsController(id):
		suffix = id[len(ControllerPrefix):]
	case IsSynth(id):
		suffix = id[len(SynthPrefix):]
	default:
		return false
	}
	if suffix == "" {
		return false
	}
	for _, c := range suffix {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

// MintClientID returns a fresh "<type>-<uuid>" id. The full UUID suffix
// replaces the short hex suffix earlier deployments used; the prefix
// contract is unchanged.
func MintClientID(clientType string) (string, error) {
	switch clientType {
	case TypeController, TypeSynth:
		return clientType + "-" + uuid.NewString(), nil
	default:
		return "", fmt.Errorf("unknown client type %q", clientType)
	}
}

// Envelope is the outer shape of every inbound frame. Per-verb fields are
// pulled from the same object; signaling payloads stay opaque in Data.
type Envelope struct {
	Type        string          `json:"type"`
	ID          string          `json:"id,omitempty"`
	ClientType  string          `json:"clientType,omitempty"`
	IsReconnect bool            `json:"isReconnect,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"`
	Target      string          `json:"target,omitempty"`
	Source      string          `json:"source,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Connections []string        `json:"connections,omitempty"`
}

// SignalFrame is the relayed form of offer/answer/ice-candidate frames. The
// server stamps Source from the sender's bound id and drops Target before
// delivery.
type SignalFrame struct {
	Type   string          `json:"type"`
	Source string          `json:"source"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// RegistrationConfirmed acknowledges a register verb.
type RegistrationConfirmed struct {
	Type              string `json:"type"`
	ID                string `json:"id"`
	ReconnectionCount int    `json:"reconnectionCount"`
	Timestamp         int64  `json:"timestamp"`
	IsReconnection    bool   `json:"isReconnection"`
}

// HeartbeatAck answers a heartbeat verb.
type HeartbeatAck struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ActiveController announces the current leader to synths. A nil
// ControllerID means no active controller.
type ActiveController struct {
	Type           string  `json:"type"`
	ControllerID   *string `json:"controllerId"`
	Timestamp      int64   `json:"timestamp"`
	NotificationID string  `json:"notificationId,omitempty"`
}

// ClientList carries the synth roster to a controller.
type ClientList struct {
	Type    string        `json:"type"`
	Clients []ClientEntry `json:"clients"`
	Total   int           `json:"total"`
}

// ClientEntry is one synth in a ClientList.
type ClientEntry struct {
	ID                  string `json:"id"`
	Connected           bool   `json:"connected"`
	InActiveSet         bool   `json:"inActiveSet"`
	LastSeen            int64  `json:"lastSeen"`
	ConnectionTimestamp int64  `json:"connectionTimestamp"`
	ReconnectionCount   int    `json:"reconnectionCount"`
}

// ClientLifecycle notifies controllers of synth arrivals and departures.
type ClientLifecycle struct {
	Type      string `json:"type"`
	ClientID  string `json:"clientId"`
	Timestamp int64  `json:"timestamp"`
}

// Marshal is a convenience wrapper that panics on marshal failure. All
// protocol types marshal unconditionally; a failure is a programming error.
func Marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %T: %v", v, err))
	}
	return data
}
