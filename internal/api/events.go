package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const heartbeatEvery = 15 * time.Second

// RunEventsHandler streams run lifecycle events as SSE: GET /v1/runs/events.
func (s *Server) RunEventsHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(runsTopic)
	defer s.Broker.Unsubscribe(runsTopic, ch)

	running := s.Runner != nil && s.Runner.Running()
	writeHeartbeat := func() {
		fmt.Fprintf(w, "event: heartbeat\n")
		fmt.Fprintf(w, "data: {\"running\":%t,\"ts\":%q}\n\n", running, time.Now().UTC().Format(time.RFC3339))
		flusher.Flush()
	}
	writeHeartbeat()

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			b, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		case <-ticker.C:
			running = s.Runner != nil && s.Runner.Running()
			writeHeartbeat()
		}
	}
}
