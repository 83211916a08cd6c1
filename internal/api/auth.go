package api

import (
	"net/http"
	"strings"
)

type Principal struct {
	Role    string // admin, rider
	RiderID string
}

// getPrincipal extracts the caller's role.
// - If Authorization: Bearer is present, uses the configured verifier.
// - Else, when the verifier trusts headers (dev), reads X-Role and X-Rider-Id.
// Anyone else is an anonymous rider.
func (s *Server) getPrincipal(r *http.Request) Principal {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
		tok := strings.TrimSpace(authz[len("Bearer "):])
		if pr, err := s.Auth.Verify(tok); err == nil {
			return Principal{Role: pr.Role, RiderID: pr.Subject}
		}
		return Principal{Role: "rider"}
	}
	if !s.Auth.TrustsHeaders() {
		return Principal{Role: "rider"}
	}
	role := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Role")))
	if role == "" {
		role = "rider"
	}
	return Principal{Role: role, RiderID: r.Header.Get("X-Rider-Id")}
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if !s.getPrincipal(r).IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return false
	}
	return true
}
