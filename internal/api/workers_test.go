package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/easelhq/easel/internal/model"
	"github.com/easelhq/easel/internal/worker"
)

func decodeWorker(t *testing.T, resp *http.Response) worker.Worker {
	t.Helper()
	defer resp.Body.Close()
	var wk worker.Worker
	if err := json.NewDecoder(resp.Body).Decode(&wk); err != nil {
		t.Fatalf("decode worker: %v", err)
	}
	return wk
}

func TestRegisterAndListWorkers(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/workers", map[string]any{
		"name":    "gpu-1",
		"url":     "http://10.0.0.5:7860",
		"backend": "a1111",
		"vram_mb": 12288,
		"models":  []string{"anythingV5"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	wk := decodeWorker(t, resp)

	if wk.ID == "" {
		t.Error("worker id is empty")
	}
	if wk.Health != worker.HealthHealthy {
		t.Errorf("health = %q, want healthy", wk.Health)
	}
	if wk.Busy {
		t.Error("fresh worker reported busy")
	}
	if wk.VRAMMB != 12288 {
		t.Errorf("vram_mb = %d, want 12288", wk.VRAMMB)
	}

	listResp, err := http.Get(ts.URL + "/v1/workers")
	if err != nil {
		t.Fatalf("GET /v1/workers: %v", err)
	}
	defer listResp.Body.Close()
	var workers []worker.Worker
	if err := json.NewDecoder(listResp.Body).Decode(&workers); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(workers) != 1 || workers[0].ID != wk.ID {
		t.Errorf("list = %+v, want the registered worker", workers)
	}
}

func TestRegisterWorkerValidation(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/workers", map[string]any{"url": "http://10.0.0.5:7860"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing name: status = %d, want 400", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/v1/workers", map[string]any{"name": "gpu-1", "url": "/no/scheme"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("relative url: status = %d, want 400", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/v1/workers", map[string]any{
		"id": "w1", "name": "gpu-1", "url": "http://10.0.0.5:7860",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first register: status = %d, want 201", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/v1/workers", map[string]any{
		"id": "w1", "name": "gpu-2", "url": "http://10.0.0.6:7860",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate id: status = %d, want 409", resp.StatusCode)
	}
}

func TestDeregisterWorker(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/workers", map[string]any{
		"name": "gpu-1", "url": "http://10.0.0.5:7860",
	})
	wk := decodeWorker(t, resp)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/workers/"+wk.ID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", delResp.StatusCode)
	}
	if removed := decodeWorker(t, delResp); removed.ID != wk.ID {
		t.Errorf("removed id = %q, want %q", removed.ID, wk.ID)
	}

	delResp, err = http.DefaultClient.Do(req.Clone(req.Context()))
	if err != nil {
		t.Fatalf("second DELETE: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", delResp.StatusCode)
	}
}

func TestRegisterWorkerTakesQueuedWork(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Queue a job with no workers available.
	resp := postJSON(t, ts.URL+"/v1/generate", map[string]any{
		"user_id": "alice", "prompt": "a fox",
	})
	j := decodeJob(t, resp)
	if j.Status != model.StatusQueued {
		t.Fatalf("status = %q, want queued", j.Status)
	}

	// Registering a worker kicks the dispatcher.
	sw := newStubWorker(t)
	reg := postJSON(t, ts.URL+"/v1/workers", map[string]any{
		"name": "stub", "url": sw.srv.URL,
	})
	reg.Body.Close()
	if reg.StatusCode != http.StatusCreated {
		t.Fatalf("register: status = %d, want 201", reg.StatusCode)
	}

	waitForJobStatus(t, ts.URL, j.ID, model.StatusSucceeded)
}
