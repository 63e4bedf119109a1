// Package api exposes the proximity daemon's debug endpoints. The surface
// is read-only; actuation stays on the MAVLink side.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/terranav/fieldrover/internal/health"
	"github.com/terranav/fieldrover/internal/proximity"
	"github.com/terranav/fieldrover/internal/recorder"
)

// Server serves the debug endpoints.
type Server struct {
	fuser   *proximity.Fuser
	tracker *proximity.StatusTracker

	// lidarHealth reports the acquisition loop's connection state.
	lidarHealth func() health.Health

	// db is optional; /records 404s without it.
	db *recorder.DB
}

// NewServer wires a Server. db may be nil when recording is disabled.
func NewServer(fuser *proximity.Fuser, tracker *proximity.StatusTracker, lidarHealth func() health.Health, db *recorder.DB) *Server {
	return &Server{
		fuser:       fuser,
		tracker:     tracker,
		lidarHealth: lidarHealth,
		db:          db,
	}
}

// ServeMux returns the route table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.homeHandler)
	mux.HandleFunc("/proximity", s.proximityHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/records", s.recordsHandler)
	return mux
}

func (s *Server) homeHandler(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("fieldrover proximity daemon"))
}

func (s *Server) proximityHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.fuser.Snapshot())
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.tracker.Build(s.fuser, s.fuser.Snapshot()))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]interface{}{
		"lidar": s.lidarHealth(),
	})
}

func (s *Server) recordsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.db == nil {
		http.Error(w, "Recording disabled", http.StatusNotFound)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.db.RecentProximity(limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to retrieve records: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
