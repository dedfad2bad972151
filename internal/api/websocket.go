package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"homestats/internal/eventbus"
)

// wsHub fans eventbus events out to every connected websocket client,
// grounded on the teacher's DashboardClients map-plus-mutex
// (cmd/server/websocket.go) generalized from a dashboard-specific
// client registry to a plain connection set.
type wsHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex
}

func newWSHub() *wsHub {
	return &wsHub{clients: make(map[*websocket.Conn]*sync.Mutex)}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEventsWS implements GET /ws/events: upgrades to a websocket
// and streams every recorder_5min_statistics_generated /
// recorder_hourly_statistics_generated emission as JSON, the same
// register/defer-unregister shape as the teacher's HandleDashboardWS.
func (s *Server) handleEventsWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	writeMu := &sync.Mutex{}
	s.hub.mu.Lock()
	s.hub.clients[conn] = writeMu
	s.hub.mu.Unlock()
	defer func() {
		s.hub.mu.Lock()
		delete(s.hub.clients, conn)
		s.hub.mu.Unlock()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// pump subscribes to bus and forwards every event to all connected
// clients until ctx is cancelled.
func (h *wsHub) pump(ctx context.Context, bus *eventbus.Bus) {
	if bus == nil {
		return
	}
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			h.broadcast(ev)
		}
	}
}

func (h *wsHub) broadcast(ev eventbus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	targets := make(map[*websocket.Conn]*sync.Mutex, len(h.clients))
	for conn, mu := range h.clients {
		targets[conn] = mu
	}
	h.mu.RUnlock()

	for conn, mu := range targets {
		mu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mu.Unlock()
		if err != nil {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
		}
	}
}
