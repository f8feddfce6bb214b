package e2e

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/easelhq/easel/internal/model"
)

func TestGenerateFlow(t *testing.T) {
	a := newApp(t, appOptions{})
	sw := newWorker(t)
	workerID := sw.register(t, a, "gpu-1")

	j := submit(t, a, map[string]any{
		"user_id": "alice",
		"prompt":  "a lighthouse at dusk",
		"params":  map[string]any{"seed": 1234, "batch_size": 2},
	})
	if j.AckID == "" {
		t.Error("ack id was not minted")
	}

	done := waitStatus(t, a, j.ID, model.StatusSucceeded)
	if done.WorkerID != workerID {
		t.Errorf("worker id = %q, want %q", done.WorkerID, workerID)
	}
	if len(done.Artifacts) != 1 {
		t.Errorf("artifacts = %v, want one", done.Artifacts)
	}
	if done.Request.Seed != 1234 {
		t.Errorf("seed = %d, want 1234", done.Request.Seed)
	}
	if done.DurationMS == nil {
		t.Error("duration_ms missing")
	}

	// The event stream replays the terminal state for a finished job.
	resp, err := http.Get(a.url() + "/v1/jobs/" + j.ID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	var sawSucceeded, sawDone bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, `"status":"succeeded"`) {
			sawSucceeded = true
		}
		if line == "event: done" {
			sawDone = true
		}
	}
	if !sawSucceeded || !sawDone {
		t.Errorf("stream missing terminal state or done event (succeeded=%v done=%v)", sawSucceeded, sawDone)
	}
}

func TestImg2ImgFlow(t *testing.T) {
	a := newApp(t, appOptions{})
	sw := newWorker(t)
	sw.register(t, a, "gpu-1")

	resp := postJSON(t, a.url()+"/v1/img2img", map[string]any{
		"user_id":      "alice",
		"prompt":       "same scene as an oil painting",
		"image_url":    "https://img.test/source.png",
		"image_width":  1600,
		"image_height": 900,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var j model.Job
	if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if j.Mode != model.ModeImg2Img {
		t.Fatalf("mode = %q, want img2img", j.Mode)
	}
	// Autosize fits the 16:9 source inside the default 512 maxsize.
	if j.Request.Width != 512 || j.Request.Height != 288 {
		t.Errorf("size = %dx%d, want 512x288", j.Request.Width, j.Request.Height)
	}

	waitStatus(t, a, j.ID, model.StatusSucceeded)
}

func TestReplayFlow(t *testing.T) {
	a := newApp(t, appOptions{})
	sw := newWorker(t)
	sw.register(t, a, "gpu-1")

	parent := submit(t, a, map[string]any{
		"user_id": "alice",
		"prompt":  "a lighthouse at dusk",
		"params":  map[string]any{"seed": 7, "steps": 30},
	})
	parentDone := waitStatus(t, a, parent.ID, model.StatusSucceeded)

	// Plain replay by another user reproduces the snapshot exactly.
	resp := postJSON(t, a.url()+"/v1/again", map[string]any{
		"user_id":        "bob",
		"correlation_id": parent.AckID,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("again: status = %d, want 202", resp.StatusCode)
	}
	var rerun model.Job
	if err := json.NewDecoder(resp.Body).Decode(&rerun); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	if rerun.ParentID != parent.ID {
		t.Errorf("parent id = %q, want %q", rerun.ParentID, parent.ID)
	}
	if rerun.Request != parentDone.Request {
		t.Errorf("request diverged:\n got %+v\nwant %+v", rerun.Request, parentDone.Request)
	}
	rerunDone := waitStatus(t, a, rerun.ID, model.StatusSucceeded)

	// Replays chain: rerunning the rerun keeps lineage and settings.
	resp = postJSON(t, a.url()+"/v1/again", map[string]any{
		"user_id":        "carol",
		"correlation_id": rerunDone.AckID,
		"alterations":    map[string]any{"cfg": 11.5},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("chained again: status = %d, want 202", resp.StatusCode)
	}
	var chained model.Job
	if err := json.NewDecoder(resp.Body).Decode(&chained); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	if chained.ParentID != rerun.ID {
		t.Errorf("chained parent = %q, want %q", chained.ParentID, rerun.ID)
	}
	if chained.Request.CFGScale != 11.5 {
		t.Errorf("cfg = %v, want 11.5", chained.Request.CFGScale)
	}
	if chained.Request.Seed != 7 {
		t.Errorf("seed = %d, want 7 preserved through the chain", chained.Request.Seed)
	}
	waitStatus(t, a, chained.ID, model.StatusSucceeded)
}

func TestReplayWithNewSourceImage(t *testing.T) {
	a := newApp(t, appOptions{})
	sw := newWorker(t)
	sw.register(t, a, "gpu-1")

	parent := submit(t, a, map[string]any{
		"user_id": "alice",
		"prompt":  "a lighthouse at dusk",
		"params":  map[string]any{"seed": 7},
	})
	waitStatus(t, a, parent.ID, model.StatusSucceeded)

	// Supplying an image turns the replay into img2img sized to the new
	// source.
	resp := postJSON(t, a.url()+"/v1/again", map[string]any{
		"user_id":        "alice",
		"correlation_id": parent.AckID,
		"image_url":      "https://img.test/other.png",
		"image_width":    900,
		"image_height":   1600,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var j model.Job
	if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	if j.Mode != model.ModeImg2Img {
		t.Fatalf("mode = %q, want img2img", j.Mode)
	}
	if j.Request.SourceImage != "https://img.test/other.png" {
		t.Errorf("source = %q", j.Request.SourceImage)
	}
	if j.Request.Width != 288 || j.Request.Height != 512 {
		t.Errorf("size = %dx%d, want 288x512", j.Request.Width, j.Request.Height)
	}
	if j.Request.Seed != 7 {
		t.Errorf("seed = %d, want 7", j.Request.Seed)
	}
	waitStatus(t, a, j.ID, model.StatusSucceeded)
}
