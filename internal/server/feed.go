package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"dealbook/internal/ingestion"
)

// EventFeed pushes every applied event to connected websocket clients.
// A slow or dead client is dropped on the first failed write; clients are
// expected to resubscribe and backfill from the event history API.
type EventFeed struct {
	mu       sync.Mutex
	clients  map[*websocket.Conn]struct{}
	upgrader websocket.Upgrader
}

func NewEventFeed() *EventFeed {
	return &EventFeed{
		clients:  make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Broadcast sends one event to every connected client.
func (f *EventFeed) Broadcast(ev ingestion.PublishableEvent) {
	msg, err := json.Marshal(ev)
	if err != nil {
		log.Printf("ERROR: event feed marshal seq=%d: %v", ev.Sequence, err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.Close()
			delete(f.clients, c)
		}
	}
}

// ClientCount returns the number of connected clients.
func (f *EventFeed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Handler upgrades the connection and registers the client. The read loop
// exists only to detect disconnects; inbound frames are discarded.
func (f *EventFeed) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WARN: websocket upgrade: %v", err)
			return
		}

		f.mu.Lock()
		f.clients[conn] = struct{}{}
		f.mu.Unlock()

		go func() {
			defer func() {
				f.mu.Lock()
				delete(f.clients, conn)
				f.mu.Unlock()
				conn.Close()
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}
