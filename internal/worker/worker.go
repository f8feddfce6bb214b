package worker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Health states for a registered worker.
const (
	HealthHealthy     = "healthy"
	HealthUnreachable = "unreachable"
)

// failureThreshold is the consecutive-failure count that moves a worker to
// Unreachable.
const failureThreshold = 3

// ErrUnknownWorker is returned for operations on an unregistered worker id.
var ErrUnknownWorker = errors.New("unknown worker")

// Worker is one inference endpoint with capacity for exactly one job at a
// time. Backend, VRAMMB, and Models are operator-declared capabilities;
// health and the busy flag are runtime state owned by the dispatcher.
type Worker struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	URL      string   `json:"url"`
	Backend  string   `json:"backend,omitempty"`
	VRAMMB   int      `json:"vram_mb,omitempty"`
	Models   []string `json:"models,omitempty"`
	Health   string   `json:"health"`
	Busy     bool     `json:"busy"`
	Failures int      `json:"consecutive_failures"`
}

func (w *Worker) clone() *Worker {
	c := *w
	if w.Models != nil {
		c.Models = append([]string(nil), w.Models...)
	}
	return &c
}

// Registry tracks the worker fleet and resolves which worker receives the
// next job. Iteration follows registration order so assignment is
// deterministic.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*Worker
	order   []string
}

// NewRegistry creates an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]*Worker),
	}
}

// Register adds a worker and returns its id, minting a UUID when the caller
// supplied none. A duplicate id is rejected.
func (r *Registry) Register(w Worker) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if _, ok := r.workers[w.ID]; ok {
		return "", fmt.Errorf("worker %q is already registered", w.ID)
	}

	w.Health = HealthHealthy
	w.Busy = false
	w.Failures = 0
	r.workers[w.ID] = w.clone()
	r.order = append(r.order, w.ID)
	r.updateHealthGauge()
	return w.ID, nil
}

// Deregister removes a worker from the registry.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[id]; !ok {
		return ErrUnknownWorker
	}
	delete(r.workers, id)
	for i, wid := range r.order {
		if wid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.updateHealthGauge()
	return nil
}

// Get returns a snapshot of one worker.
func (r *Registry) Get(id string) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return nil, ErrUnknownWorker
	}
	return w.clone(), nil
}

// List returns snapshots of every worker in registration order.
func (r *Registry) List() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Worker, 0, len(r.workers))
	for _, id := range r.order {
		out = append(out, r.workers[id].clone())
	}
	return out
}

// PickIdle returns a snapshot of the first healthy, non-busy worker in
// registration order, or nil when every worker is busy or unreachable.
func (r *Registry) PickIdle() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		w := r.workers[id]
		if !w.Busy && w.Health == HealthHealthy {
			return w.clone()
		}
	}
	return nil
}

// MarkBusy flags a worker as holding a job.
func (r *Registry) MarkBusy(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return ErrUnknownWorker
	}
	w.Busy = true
	return nil
}

// MarkIdle clears a worker's busy flag.
func (r *Registry) MarkIdle(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return ErrUnknownWorker
	}
	w.Busy = false
	return nil
}

// RecordFailure advances a worker's consecutive-failure streak. It reports
// whether this failure pushed the worker to Unreachable.
func (r *Registry) RecordFailure(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return false
	}
	workerFailures.Inc()
	w.Failures++
	if w.Failures >= failureThreshold && w.Health != HealthUnreachable {
		w.Health = HealthUnreachable
		r.updateHealthGauge()
		return true
	}
	return false
}

// RecordSuccess resets a worker's failure streak. It reports whether the
// worker recovered from Unreachable, so the caller can kick assignment.
func (r *Registry) RecordSuccess(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return false
	}
	w.Failures = 0
	if w.Health == HealthUnreachable {
		w.Health = HealthHealthy
		r.updateHealthGauge()
		return true
	}
	return false
}

// updateHealthGauge recomputes the per-health worker counts. Callers hold
// r.mu.
func (r *Registry) updateHealthGauge() {
	counts := map[string]int{HealthHealthy: 0, HealthUnreachable: 0}
	for _, w := range r.workers {
		counts[w.Health]++
	}
	for health, n := range counts {
		workersGauge.WithLabelValues(health).Set(float64(n))
	}
}
