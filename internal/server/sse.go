package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const keepaliveInterval = 30 * time.Second

// handleNotificationStream pushes bus events to the admin client as
// server-sent events, one JSON object per data record.
func (s *Server) handleNotificationStream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// SSE connections outlive any write deadline.
	_ = rc.SetWriteDeadline(time.Time{})

	events, cancel := s.bus.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprint(w, ": connected\n\n")
	if err := rc.Flush(); err != nil {
		return
	}

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			if err := rc.Flush(); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				// Bus closed; the server is shutting down.
				fmt.Fprint(w, ": closing\n\n")
				rc.Flush()
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				slog.Error("encode notification", "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
