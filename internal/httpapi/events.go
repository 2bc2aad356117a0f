package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/klppl/signet/internal/eventbus"
)

const sseKeepAlive = 30 * time.Second

// handleEvents serves GET /events: a Server-Sent Events stream of every
// event-bus topic, with a 30-second keep-alive comment to hold proxies and
// browsers open across idle periods.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := s.bus.Subscribe()
	defer cancel()

	var logCh <-chan string
	if s.logs != nil {
		var cancelLogs func()
		_, logCh, cancelLogs = s.logs.Subscribe()
		defer cancelLogs()
	}

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeSSEEvent(w, ev)
			flusher.Flush()

		case line, ok := <-logCh:
			if !ok {
				logCh = nil
				continue
			}
			writeSSEEvent(w, eventbus.Event{Topic: "log", Payload: line})
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev eventbus.Event) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		payload = []byte("null")
	}
	fmt.Fprintf(w, "event: %s\n", ev.Topic)
	fmt.Fprintf(w, "data: %s\n\n", payload)
}
