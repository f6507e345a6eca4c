package api

import (
	"log"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/claude-phase-orchestrator/internal/events"
)

// WSHub fans orchestration events out to connected WebSocket clients
type WSHub struct {
	upgrader websocket.Upgrader
	logger   *log.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]bool
}

// NewWSHub creates a hub with permissive origins, matching the SSE
// endpoint
func NewWSHub() *WSHub {
	return &WSHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.New(os.Stderr, "[ws] ", log.LstdFlags),
		conns:  make(map[*websocket.Conn]bool),
	}
}

// Broadcast writes the event to every connected client. A write
// failure drops that client.
func (h *WSHub) Broadcast(ev events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		if err := conn.WriteJSON(ev); err != nil {
			conn.Close()
			delete(h.conns, conn)
		}
	}
}

func (h *WSHub) add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = true
}

func (h *WSHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[conn] {
		delete(h.conns, conn)
		conn.Close()
	}
}

// ClientCount returns the number of connected clients
func (h *WSHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.wsHub.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.wsHub.logger.Printf("upgrade failed: %v", err)
			return
		}
		s.wsHub.add(conn)

		// Drain client messages until disconnect; the stream is
		// server-to-client only.
		go func() {
			defer s.wsHub.remove(conn)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}
