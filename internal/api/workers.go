package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/easelhq/easel/internal/worker"
)

// registerWorkerRequest is the JSON body for POST /v1/workers.
type registerWorkerRequest struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	URL     string   `json:"url"`
	Backend string   `json:"backend"`
	VRAMMB  int      `json:"vram_mb"`
	Models  []string `json:"models"`
}

func (s *Server) handleListWorkers(w http.ResponseWriter, _ *http.Request) {
	workers := s.registry.List()
	s.writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		s.writeError(w, http.StatusBadRequest, "url must be absolute")
		return
	}

	id, err := s.registry.Register(worker.Worker{
		ID:      req.ID,
		Name:    req.Name,
		URL:     req.URL,
		Backend: req.Backend,
		VRAMMB:  req.VRAMMB,
		Models:  req.Models,
	})
	if err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}

	// A fresh worker may be able to take queued work right away.
	s.dispatcher.Kick()

	registered, err := s.registry.Get(id)
	if err != nil {
		s.logger.Error("get registered worker", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve worker")
		return
	}

	s.logger.Info("worker registered", "worker_id", id, "name", req.Name, "url", req.URL)
	s.writeJSON(w, http.StatusCreated, registered)
}

func (s *Server) handleDeregisterWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	removed, err := s.registry.Get(id)
	if errors.Is(err, worker.ErrUnknownWorker) {
		s.writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	if err != nil {
		s.logger.Error("get worker", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get worker")
		return
	}

	if err := s.registry.Deregister(id); err != nil {
		s.logger.Error("deregister worker", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to deregister worker")
		return
	}

	s.logger.Info("worker deregistered", "worker_id", id)
	s.writeJSON(w, http.StatusOK, removed)
}
