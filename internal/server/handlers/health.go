package handlers

import (
	"encoding/json"
	"net/http"
)

type HealthResponse struct {
	Status string `json:"status"`
	Hosts  int    `json:"hosts,omitempty"`
}

// Health returns the health status of the server
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Ready reports ready once the host inventory is loaded.
func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	n := len(a.ws.Hosts().All())
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ready", Hosts: n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
