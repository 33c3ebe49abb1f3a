package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/ledgerd/ledgerd/internal/router"
)

type routeInfo struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.table.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "storage not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	routes := s.dispatcher.Registry().Routes()
	out := make([]routeInfo, 0, len(routes))
	for _, rt := range routes {
		out = append(out, routeInfo{Name: rt.Name, Kind: rt.Kind().String(), Description: rt.Description})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDispatch runs the named route with the request body as payload and
// answers with the resulting notification.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if route, ok := s.dispatcher.Registry().Lookup(name); ok && s.requiresAuth(route) {
		if err := s.auth.Verify(r); err != nil {
			s.logger.WithError(err).WithField("route", name).Debug("Rejected unauthenticated request")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read payload"})
		return
	}

	n, err := s.dispatcher.Dispatch(r.Context(), name, string(body))
	if err != nil && !errors.Is(err, router.ErrRouteNotFound) {
		s.logger.WithError(err).WithField("id", n.ID).Warn("Dispatch reported an error")
	}
	writeJSON(w, statusFor(n), n)
}

func (s *Server) requiresAuth(route router.Route) bool {
	if s.auth == nil {
		return false
	}
	return route.Kind() == router.Transaction || s.config.Auth.ProtectQueries
}

func statusFor(n router.Notification) int {
	if !n.Failed {
		return http.StatusOK
	}
	switch n.ErrorKind {
	case "route_not_found", "not_found":
		return http.StatusNotFound
	case "payload_parse":
		return http.StatusUnprocessableEntity
	case "writer_busy":
		return http.StatusConflict
	case "storage_unavailable":
		return http.StatusServiceUnavailable
	case "cancelled":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
