package api

import "net/http"

// healthResponse reports liveness plus how many backends can take runs.
type healthResponse struct {
	Status          string `json:"status"`
	Backends        int    `json:"backends"`
	EnabledBackends int    `json:"enabled_backends"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	for _, b := range s.registry.List() {
		resp.Backends++
		if b.Enabled {
			resp.EnabledBackends++
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
