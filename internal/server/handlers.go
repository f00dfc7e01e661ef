package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/zond/internal/models"
	"github.com/woozymasta/zond/internal/vars"
)

// handleHealth is the unauthenticated liveness endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleStatus returns fleet counters per tier plus build info.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]interface{}{
		"name":    vars.Name,
		"version": vars.Version,
		"commit":  vars.CommitShort(),
		"fleet":   s.registry.Counts(),
	})
}

// handleServers returns a JSON list of all known servers.
func (s *Server) handleServers(w http.ResponseWriter, _ *http.Request) {
	servers, err := s.storage.GetServers()
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch servers")
		http.Error(w, "Database Error", http.StatusInternalServerError)
		return
	}

	if servers == nil {
		servers = []models.Server{}
	}

	writeJSON(w, servers)
}

// handleServer returns one server with its recent snapshots and open sessions.
// Query params: ?ip=1.2.3.4&port=14567&limit=20
func (s *Server) handleServer(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFromQuery(w, r)
	if !ok {
		return
	}

	srv, err := s.storage.GetServer(key)
	if err != nil {
		log.Error().Err(err).Stringer("server", key).Msg("Failed to fetch server")
		http.Error(w, "Database Error", http.StatusInternalServerError)
		return
	}
	if srv == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	snapshots, err := s.storage.GetSnapshots(srv.ID, limit)
	if err != nil {
		log.Error().Err(err).Stringer("server", key).Msg("Failed to fetch snapshots")
		http.Error(w, "Database Error", http.StatusInternalServerError)
		return
	}

	sessions, err := s.storage.GetSessions(srv.ID, limit)
	if err != nil {
		log.Error().Err(err).Stringer("server", key).Msg("Failed to fetch sessions")
		http.Error(w, "Database Error", http.StatusInternalServerError)
		return
	}

	resp := map[string]interface{}{
		"server":    srv,
		"snapshots": snapshots,
		"sessions":  sessions,
	}
	if info, ok := s.registry.Get(key); ok {
		resp["schedule"] = map[string]interface{}{
			"tier":           info.Tier,
			"failures":       info.Failures,
			"preferred_port": info.PreferredPort,
			"next_due":       info.NextDue,
			"in_flight":      info.InFlight,
		}
	}

	writeJSON(w, resp)
}

// handleProbe performs a live query against a specific server and returns the
// parsed status. It goes through the same two-port pipeline as the scheduler.
// Query params: ?ip=1.2.3.4&port=14567
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFromQuery(w, r)
	if !ok {
		return
	}

	result, err := s.prober.Probe(r.Context(), key, key.Port)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGatewayTimeout)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, map[string]interface{}{
		"status":   result.Status,
		"port":     result.Port,
		"fallback": result.Fallback,
	})
}

// handleRules returns the current exclusion rule set.
func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.storage.ListRules(r.URL.Query().Get("kind"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch rules")
		http.Error(w, "Database Error", http.StatusInternalServerError)
		return
	}

	if rules == nil {
		rules = []models.ExclusionRule{}
	}

	writeJSON(w, rules)
}

func keyFromQuery(w http.ResponseWriter, r *http.Request) (models.ServerKey, bool) {
	ip := r.URL.Query().Get("ip")
	portStr := r.URL.Query().Get("port")

	if ip == "" || portStr == "" {
		http.Error(w, "Missing ip or port", http.StatusBadRequest)
		return models.ServerKey{}, false
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		http.Error(w, "Invalid port", http.StatusBadRequest)
		return models.ServerKey{}, false
	}

	return models.ServerKey{IP: ip, Port: port}, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
