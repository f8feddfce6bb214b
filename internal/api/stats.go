package api

import (
	"net/http"

	"github.com/easelhq/easel/internal/worker"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByMode        map[string]int `json:"by_mode"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	QueueDepth    int            `json:"queue_depth"`
	Workers       workerSummary  `json:"workers"`
}

// workerSummary aggregates fleet state for the stats endpoint.
type workerSummary struct {
	Total       int `json:"total"`
	Healthy     int `json:"healthy"`
	Unreachable int `json:"unreachable"`
	Busy        int `json:"busy"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetJobStats(r.Context())
	if err != nil {
		s.logger.Error("get job stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	var summary workerSummary
	for _, wk := range s.registry.List() {
		summary.Total++
		switch wk.Health {
		case worker.HealthUnreachable:
			summary.Unreachable++
		default:
			summary.Healthy++
		}
		if wk.Busy {
			summary.Busy++
		}
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByMode:        stats.CountByMode,
		AvgDurationMS: stats.AvgDurationMS,
		QueueDepth:    s.dispatcher.QueueDepth(),
		Workers:       summary,
	})
}
