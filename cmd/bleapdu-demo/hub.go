package main

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// event is a single message broadcast to subscribed WebSocket clients.
type event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// hub fans transport lifecycle events out to every connected WebSocket
// client: scan-stream updates, connection/disconnection events, and
// bluetooth-availability transitions.
type hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]bool)}
}

func (h *hub) addClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
}

func (h *hub) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *hub) broadcast(e event) {
	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []*websocket.Conn

	for _, c := range clients {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()
			c.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
			if err := c.WriteJSON(e); err != nil {
				failedMu.Lock()
				failed = append(failed, c)
				failedMu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	if len(failed) > 0 {
		h.mu.Lock()
		for _, c := range failed {
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.Close()
			}
		}
		h.mu.Unlock()
	}
}
