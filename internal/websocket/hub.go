// Package websocket streams coordination events to observers. Observers
// are read-only: the hub pushes every event published by the engine and
// accepts nothing back. Dashboards and log tails connect here instead of
// polling the audit log.
package websocket

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventSource is the subscription surface the hub consumes. Implemented
// by the daemon broadcaster.
type EventSource interface {
	Subscribe(buffer int) (<-chan any, func())
}

const (
	// subscriberBuffer bounds how far a slow observer may lag before
	// events are dropped for it.
	subscriberBuffer = 256

	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Hub serves the observer event stream over HTTP at /events.
type Hub struct {
	addr       string
	source     EventSource
	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
}

// NewHub creates a hub listening on addr ("host:port").
func NewHub(addr string, source EventSource) *Hub {
	h := &Hub{
		addr:   addr,
		source: source,
		upgrader: websocket.Upgrader{
			// Observers connect from local tooling
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", h.handleEvents)

	h.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return h
}

// Start serves until the listener fails or Stop is called.
func (h *Hub) Start() error {
	log.Printf("websocket: observer stream on %s", h.addr)
	err := h.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the HTTP server down and waits for observer connections.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.shutdown = true
	h.mu.Unlock()

	if err := h.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	h.wg.Wait()
	return nil
}

func (h *Hub) handleEvents(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket: upgrade: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	events, cancel := h.source.Subscribe(subscriberBuffer)
	defer cancel()

	// Observers send nothing; the read pump only notices disconnects
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
