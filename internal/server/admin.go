package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/phpx-sh/phpxd/internal/model"
	"github.com/phpx-sh/phpxd/internal/supervisor"
)

type healthResponse struct {
	Status string `json:"status"`
}

// handleHealthz reports liveness. The server degrades to 503 only when the
// crash-loop breaker has taken every slot out of service.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.sup.Healthy() {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// statusResponse is the JSON response for GET /v1/server/status.
type statusResponse struct {
	UptimeSeconds float64                 `json:"uptime_seconds"`
	Generation    uint64                  `json:"generation"`
	EngineVersion string                  `json:"engine_version"`
	MaxWorkers    int                     `json:"max_workers"`
	QueueLen      int                     `json:"queue_len"`
	QueueDepth    int                     `json:"queue_depth"`
	Workers       []model.WorkerInfo      `json:"workers"`
	Slots         []supervisor.SlotHealth `json:"slots"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.pool.Snapshot()
	s.writeJSON(w, http.StatusOK, statusResponse{
		UptimeSeconds: time.Since(s.started).Seconds(),
		Generation:    snap.Generation,
		EngineVersion: snap.EngineVersion,
		MaxWorkers:    snap.MaxWorkers,
		QueueLen:      snap.QueueLen,
		QueueDepth:    snap.QueueDepth,
		Workers:       snap.Workers,
		Slots:         s.sup.Health(),
	})
}

// eventsResponse is the JSON response for GET /v1/server/events.
type eventsResponse struct {
	Events []*model.Event `json:"events"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 100)

	events, err := s.journal.ListEvents(r.Context(), limit)
	if err != nil {
		s.logger.Error("list events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []*model.Event{}
	}
	s.writeJSON(w, http.StatusOK, eventsResponse{Events: events})
}

// reloadResponse is the JSON response for POST /v1/server/reload.
type reloadResponse struct {
	Generation uint64 `json:"generation"`
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	gen := s.control.Reload(r.Context(), "admin request")
	s.writeJSON(w, http.StatusOK, reloadResponse{Generation: gen})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	q := r.URL.Query().Get(key)
	if q == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(q)
	if err != nil {
		return defaultVal
	}
	return v
}
