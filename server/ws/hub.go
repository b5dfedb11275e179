// Package ws streams task lifecycle events to clients over Server-Sent
// Events.
package ws

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/taskmarket/market"
)

// frame is one wire-ready SSE message: the event name plus its JSON body.
type frame struct {
	name string
	data []byte
}

// client represents a single SSE connection.
type client struct {
	ch chan frame
}

// Hub fans task lifecycle events out to connected SSE clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  *slog.Logger
}

// NewHub creates a Hub ready to accept connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
}

// Broadcast delivers a domain event to every connected client. Slow clients
// miss events rather than stalling the engine's publish path.
func (h *Hub) Broadcast(ev *market.Event) {
	f, err := encode(ev)
	if err != nil {
		h.logger.Error("hub broadcast marshal", slog.Any("err", err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.ch <- f:
		default:
			// Drop event if client is slow — don't block
		}
	}
}

func encode(ev *market.Event) (frame, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return frame{}, err
	}
	return frame{name: string(ev.Type), data: data}, nil
}

// ServeSSE handles one event-stream connection. backlog is replayed before
// live events so a reconnecting client sees recent history.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, backlog []*market.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	c := &client{ch: make(chan frame, 64)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		close(c.ch)
	}()

	for _, ev := range backlog {
		if f, err := encode(ev); err == nil {
			writeFrame(w, f)
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n") //nolint:errcheck
			flusher.Flush()
		case f, ok := <-c.ch:
			if !ok {
				return
			}
			writeFrame(w, f)
			flusher.Flush()
		}
	}
}

// writeFrame emits one SSE message. Each "data:" line must not contain
// newlines.
func writeFrame(w io.Writer, f frame) {
	if f.name != "" {
		fmt.Fprintf(w, "event: %s\n", f.name) //nolint:errcheck
	}
	for _, line := range strings.Split(string(f.data), "\n") {
		fmt.Fprintf(w, "data: %s\n", line) //nolint:errcheck
	}
	fmt.Fprintln(w) //nolint:errcheck
}
