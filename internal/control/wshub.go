package control

import (
	"sync"

	"github.com/gorilla/websocket"
)

// wsHub fans out broadcast events to every connected websocket client,
// grounded on the teacher's WSHub (internal/rpc/websocket.go): a
// registry of connections guarded by a mutex, with a dead connection
// dropped on first write error rather than retried.
type wsHub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newWSHub() *wsHub {
	return &wsHub{conns: make(map[*websocket.Conn]struct{})}
}

func (h *wsHub) register(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	go h.drainClient(conn)
}

// drainClient discards inbound client frames (this channel is
// push-only) and deregisters the connection once it closes.
func (h *wsHub) drainClient(conn *websocket.Conn) {
	defer h.unregister(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *wsHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	_ = conn.Close()
}

func (h *wsHub) broadcast(event any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		if err := conn.WriteJSON(event); err != nil {
			go h.unregister(conn)
		}
	}
}
