package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/easelhq/easel/internal/api"
	"github.com/easelhq/easel/internal/config"
	"github.com/easelhq/easel/internal/dispatch"
	"github.com/easelhq/easel/internal/model"
	"github.com/easelhq/easel/internal/params"
	"github.com/easelhq/easel/internal/replay"
	"github.com/easelhq/easel/internal/store"
	"github.com/easelhq/easel/internal/worker"
)

const waitTimeout = 5 * time.Second

// app is a fully wired server under test: real store, registry, dispatcher,
// and HTTP surface, talking to stub workers over real HTTP.
type app struct {
	ts       *httptest.Server
	store    *store.SQLiteStore
	registry *worker.Registry
	disp     *dispatch.Dispatcher

	mu     sync.Mutex
	closed bool
}

type appOptions struct {
	dbPath            string
	queueMax          int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
}

func newApp(t *testing.T, opts appOptions) *app {
	t.Helper()

	if opts.dbPath == "" {
		opts.dbPath = ":memory:"
	}
	if opts.jobTimeout == 0 {
		opts.jobTimeout = 5 * time.Second
	}
	if opts.heartbeatInterval == 0 {
		opts.heartbeatInterval = time.Hour
	}

	st, err := store.NewSQLiteStore(opts.dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	registry := worker.NewRegistry()
	d := dispatch.NewDispatcher(st, registry, worker.NewClient(2*time.Second), logger, dispatch.Options{
		QueueMax:          opts.queueMax,
		JobTimeout:        opts.jobTimeout,
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: opts.heartbeatInterval,
	})
	if err := d.Recover(t.Context()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	d.Start()

	catalog := config.Catalog{
		Models: []string{"anythingV5", "dreamshaper"},
		VAEs:   []string{"kl-f8-anime2"},
	}
	norm := params.NewNormalizer(catalog.Models, catalog.VAEs)

	srv := api.NewServer(":0", api.Deps{
		Store:      st,
		Registry:   registry,
		Dispatcher: d,
		Resolver:   replay.NewResolver(st, norm),
		Normalizer: norm,
		Catalog:    catalog,
	}, logger)

	a := &app{
		ts:       httptest.NewServer(srv.Router()),
		store:    st,
		registry: registry,
		disp:     d,
	}
	t.Cleanup(a.close)
	return a
}

// close shuts the stack down. Safe to call twice so tests can restart
// against the same database file.
func (a *app) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	a.ts.Close()
	a.disp.Shutdown()
	a.store.Close()
}

func (a *app) url() string { return a.ts.URL }

// stubWorker speaks the worker protocol in-process. Jobs finish instantly
// unless a gate is held; prompts containing [oom] or [fail] report those
// failures instead of artifacts.
type stubWorker struct {
	srv *httptest.Server

	mu      sync.Mutex
	next    int
	gate    chan struct{}
	prompts map[string]string
	order   []string
}

func newWorker(t *testing.T) *stubWorker {
	t.Helper()
	sw := &stubWorker{prompts: make(map[string]string)}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/jobs", sw.handleSubmit)
	mux.HandleFunc("GET /v1/jobs/{id}", sw.handlePoll)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	sw.srv = httptest.NewServer(mux)
	t.Cleanup(sw.srv.Close)
	return sw
}

// register adds the stub to the fleet through the public API.
func (sw *stubWorker) register(t *testing.T, a *app, name string) string {
	t.Helper()
	resp := postJSON(t, a.url()+"/v1/workers", map[string]any{"name": name, "url": sw.srv.URL})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register worker: status = %d, want 201", resp.StatusCode)
	}
	var wk worker.Worker
	if err := json.NewDecoder(resp.Body).Decode(&wk); err != nil {
		t.Fatalf("decode worker: %v", err)
	}
	return wk.ID
}

func (sw *stubWorker) hold() chan struct{} {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.gate = make(chan struct{})
	return sw.gate
}

// promptOrder returns prompts in the order the worker received them.
func (sw *stubWorker) promptOrder() []string {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return slices.Clone(sw.order)
}

func (sw *stubWorker) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var p worker.Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sw.mu.Lock()
	sw.next++
	id := fmt.Sprintf("remote-%d", sw.next)
	sw.prompts[id] = p.Prompt
	sw.order = append(sw.order, p.Prompt)
	sw.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (sw *stubWorker) handlePoll(w http.ResponseWriter, r *http.Request) {
	sw.mu.Lock()
	gate := sw.gate
	prompt := sw.prompts[r.PathValue("id")]
	sw.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if gate != nil {
		select {
		case <-gate:
		default:
			json.NewEncoder(w).Encode(map[string]any{"status": "running", "progress": 0.5})
			return
		}
	}
	switch {
	case strings.Contains(prompt, "[oom]"):
		json.NewEncoder(w).Encode(map[string]any{
			"status": "failed",
			"error":  "CUDA out of memory. Tried to allocate 3.54 GiB",
		})
	case strings.Contains(prompt, "[fail]"):
		json.NewEncoder(w).Encode(map[string]any{"status": "failed", "error": "generation failed"})
	default:
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "succeeded",
			"artifacts": []string{"https://img.test/" + r.PathValue("id") + ".png"},
		})
	}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

// submit posts a generation request and fails the test on anything but 202.
func submit(t *testing.T, a *app, body map[string]any) model.Job {
	t.Helper()
	resp := postJSON(t, a.url()+"/v1/generate", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 202\nbody: %s", resp.StatusCode, b)
	}
	var j model.Job
	if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return j
}

func getJob(t *testing.T, a *app, id string) model.Job {
	t.Helper()
	resp, err := http.Get(a.url() + "/v1/jobs/" + id)
	if err != nil {
		t.Fatalf("GET job: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET job: status = %d, want 200", resp.StatusCode)
	}
	var j model.Job
	if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return j
}

// waitStatus polls until the job reaches the wanted status, failing fast on
// a different terminal state.
func waitStatus(t *testing.T, a *app, id, want string) model.Job {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		j := getJob(t, a, id)
		if j.Status == want {
			return j
		}
		if model.TerminalStatus(j.Status) {
			t.Fatalf("job %s reached %q (error %q), want %q", id, j.Status, j.Error, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %q", id, want)
	return model.Job{}
}

func decodeBody(resp *http.Response, v any) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

func listWorkers(t *testing.T, a *app) []worker.Worker {
	t.Helper()
	resp, err := http.Get(a.url() + "/v1/workers")
	if err != nil {
		t.Fatalf("GET workers: %v", err)
	}
	defer resp.Body.Close()
	var workers []worker.Worker
	if err := json.NewDecoder(resp.Body).Decode(&workers); err != nil {
		t.Fatalf("decode workers: %v", err)
	}
	return workers
}
