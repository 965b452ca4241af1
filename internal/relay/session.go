package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// writeWait bounds a single frame write to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long a silent peer stays alive; pings go out at
	// pingPeriod to keep the deadline fed.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize bounds inbound frames. SDP offers run a few KB; 64KB
	// leaves generous headroom without letting a peer buffer-bomb us.
	maxFrameSize = 64 * 1024

	// sendBufferSize is the per-session outbound buffer. Signaling traffic
	// is bursty around handshakes but low-volume.
	sendBufferSize = 256
)

// Session is one WebSocket client: a read pump feeding the router and a
// write pump draining the send buffer, in the gorilla hub/client style.
type Session struct {
	conn   *websocket.Conn
	router *Router
	log    zerolog.Logger

	send chan []byte

	idMu sync.RWMutex
	id   string

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession wraps an upgraded connection.
func NewSession(conn *websocket.Conn, router *Router, log zerolog.Logger) *Session {
	return &Session{
		conn:   conn,
		router: router,
		log:    log.With().Str("component", "session").Str("remote", conn.RemoteAddr().String()).Logger(),
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// ID implements Peer.
func (s *Session) ID() string {
	s.idMu.RLock()
	defer s.idMu.RUnlock()
	return s.id
}

// BindID implements Peer.
func (s *Session) BindID(id string) {
	s.idMu.Lock()
	s.id = id
	s.idMu.Unlock()
}

// IsOpen implements Peer.
func (s *Session) IsOpen() bool {
	select {
	case <-s.closed:
		return false
	default:
		return true
	}
}

// Send implements Peer. It never blocks; a full buffer or closed session is
// reported to the caller, which falls back to the KV queue.
func (s *Session) Send(payload []byte) error {
	select {
	case <-s.closed:
		return ErrPeerClosed
	default:
	}
	select {
	case s.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// CloseReplaced implements Peer: close code 1000 with reason "Replaced".
func (s *Session) CloseReplaced() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Replaced")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	s.shutdown()
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// Run services the connection until it closes, then deregisters through the
// router. Blocks for the lifetime of the socket.
func (s *Session) Run(ctx context.Context) {
	go s.writePump()
	s.readPump(ctx)

	s.shutdown()
	s.router.HandleDisconnect(ctx, s)
}

func (s *Session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Str("client_id", s.ID()).Msg("Socket closed unexpectedly")
			}
			return
		}
		s.router.HandleFrame(ctx, s, data)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.shutdown()
	}()

	for {
		select {
		case <-s.closed:
			return
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.log.Debug().Err(err).Str("client_id", s.ID()).Msg("Write failed")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
