package api

import (
	"net/http"

	"github.com/enginehost/enginehost/pkg/lifecycle"
)

type healthResponse struct {
	Status string `json:"status"`
	State  string `json:"state"`
}

// handleHealthz reports 200 only while the engine is Ready.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := s.source.Registry().State()

	if state != lifecycle.StateReady {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", State: state.String()})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", State: state.String()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.source.Status())
}
