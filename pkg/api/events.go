package api

import (
	"net/http"

	"github.com/cuemby/snops/pkg/events"
	"github.com/cuemby/snops/pkg/log"
)

// handleEvents serves GET /api/v1/events?filter=..., upgrading to a
// websocket that streams every bus event matching filter as one JSON
// message per Delivery. An absent or empty filter subscribes unfiltered.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := events.Unfiltered()
	if raw := r.URL.Query().Get("filter"); raw != "" {
		parsed, err := events.ParseFilter(raw)
		if err != nil {
			http.Error(w, "bad filter: "+err.Error(), http.StatusBadRequest)
			return
		}
		filter = parsed
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("api: events websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(filter)
	defer s.bus.Unsubscribe(sub)

	// Drain client-initiated frames (pings, close) on their own goroutine so
	// a client disconnect is observed promptly instead of only at the next
	// delivery write.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case delivery, ok := <-sub.C():
			if !ok {
				return
			}
			if err := conn.WriteJSON(delivery); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
