package api

import (
	"net/http"
	"time"

	"shuttlematch/internal/buildinfo"
)

// DebugJSON reports build info and the effective non-secret settings.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"build":   buildinfo.Info(),
		"time":    time.Now().UTC().Format(time.RFC3339),
		"config":  s.Settings,
		"running": s.Runner != nil && s.Runner.Running(),
	}
	writeJSON(w, http.StatusOK, info)
}
