// testworker serves the worker protocol with simulated generation so a
// dispatcher can be exercised without a GPU.
// Usage: go run ./cmd/testworker
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/easelhq/easel/internal/model"
	"github.com/easelhq/easel/internal/worker"
)

const (
	defaultAddr  = ":7860"
	defaultDelay = 2 * time.Second
)

// Prompt markers that simulate failure modes.
const (
	markOOM  = "[oom]"
	markFail = "[fail]"
)

type job struct {
	id       string
	started  time.Time
	duration time.Duration
	batch    int
	failWith string
}

func (j *job) finished() bool { return time.Since(j.started) >= j.duration }

// stub holds one generation slot, like a real single-GPU worker.
type stub struct {
	mu     sync.Mutex
	jobs   map[string]*job
	active *job
	delay  time.Duration
	logger *slog.Logger
}

func (s *stub) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var p worker.Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	s.mu.Lock()
	if s.active != nil && !s.active.finished() {
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"error": "worker is busy"})
		return
	}
	j := &job{
		id:       model.NewID(),
		started:  time.Now(),
		duration: s.delay,
		batch:    max(p.BatchSize, 1),
	}
	switch {
	case strings.Contains(p.Prompt, markOOM):
		j.failWith = "CUDA out of memory. Tried to allocate 3.54 GiB"
	case strings.Contains(p.Prompt, markFail):
		j.failWith = "generation failed"
	}
	s.jobs[j.id] = j
	s.active = j
	s.mu.Unlock()

	s.logger.Info("job accepted", "id", j.id, "prompt", p.Prompt, "batch", j.batch)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": j.id})
}

func (s *stub) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	j := s.jobs[r.PathValue("id")]
	s.mu.Unlock()
	if j == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown job"})
		return
	}

	if !j.finished() {
		progress := float64(time.Since(j.started)) / float64(j.duration)
		writeJSON(w, http.StatusOK, map[string]any{"status": "running", "progress": progress})
		return
	}
	if j.failWith != "" {
		writeJSON(w, http.StatusOK, map[string]any{"status": "failed", "error": j.failWith})
		return
	}

	artifacts := make([]string, j.batch)
	for i := range artifacts {
		artifacts[i] = fmt.Sprintf("file:///tmp/easel-testworker/%s-%d.png", j.id, i+1)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "succeeded", "artifacts": artifacts})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func main() {
	addr := defaultAddr
	if v := os.Getenv("TESTWORKER_LISTEN_ADDR"); v != "" {
		addr = v
	}
	delay := defaultDelay
	if v := os.Getenv("TESTWORKER_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			delay = d
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	s := &stub{jobs: make(map[string]*job), delay: delay, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/jobs", s.handleSubmit)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handlePoll)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	logger.Info("testworker: listening", "addr", addr, "delay", delay.String())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
