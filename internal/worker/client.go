package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/easelhq/easel/internal/model"
	"github.com/easelhq/easel/internal/params"
)

// ErrWorkerBusy is returned when a worker refuses a submission because it is
// already holding a job.
var ErrWorkerBusy = errors.New("worker is busy")

// maxResponseBytes caps how much of a worker response body is read.
const maxResponseBytes = 1 << 20

// pollFailureLimit is how many consecutive poll errors Await tolerates before
// giving the worker up as unreachable.
const pollFailureLimit = 3

// Payload is the generation order sent to a worker. Base fields are always
// present; the highres block rides along when a scale pass was requested and
// the img2img block in img2img mode.
type Payload struct {
	ID             string  `json:"id"`
	Mode           string  `json:"mode"`
	Model          string  `json:"model,omitempty"`
	VAE            string  `json:"vae,omitempty"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	CFGScale       float64 `json:"cfg"`
	Sampler        string  `json:"sampler"`
	Seed           int64   `json:"seed"`
	BatchSize      int     `json:"batch_size"`

	Highres *HighresBlock `json:"highres,omitempty"`
	Img2Img *Img2ImgBlock `json:"img2img,omitempty"`
}

// HighresBlock carries the upscale pass parameters.
type HighresBlock struct {
	Scale     float64 `json:"scale"`
	Upscaler  string  `json:"upscaler"`
	Steps     int     `json:"steps"`
	Denoising float64 `json:"denoising_strength"`
}

// Img2ImgBlock carries the source-image parameters.
type Img2ImgBlock struct {
	ImageURL   string  `json:"image_url"`
	Denoising  float64 `json:"denoising_strength"`
	ResizeMode int     `json:"resize_mode"`
}

// PollResult is one status report from a worker. Status uses the same values
// as the job lifecycle: running, succeeded, failed.
type PollResult struct {
	Status    string   `json:"status"`
	Progress  float64  `json:"progress,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// BuildPayload assembles the wire payload for a job from its frozen request.
func BuildPayload(j *model.Job) Payload {
	r := j.Request
	p := Payload{
		ID:             j.ID,
		Mode:           j.Mode,
		Model:          r.Model,
		VAE:            r.VAE,
		Prompt:         r.Prompt,
		NegativePrompt: r.NegativePrompt,
		Width:          r.Width,
		Height:         r.Height,
		Steps:          r.Steps,
		CFGScale:       r.CFGScale,
		Sampler:        r.Sampler,
		Seed:           r.Seed,
		BatchSize:      r.BatchSize,
	}
	if r.Scale != 0 && r.Scale != 1 {
		p.Highres = &HighresBlock{
			Scale:     r.Scale,
			Upscaler:  r.Upscaler,
			Steps:     r.HighresSteps,
			Denoising: r.DenoisingStrength,
		}
	}
	if j.Mode == model.ModeImg2Img {
		p.Img2Img = &Img2ImgBlock{
			ImageURL:   r.SourceImage,
			Denoising:  r.DenoisingStrength,
			ResizeMode: params.ResizeModeIndex(r.ResizeMode),
		}
	}
	return p
}

// Client drives the worker HTTP protocol for a single dispatch: submit the
// payload, poll for the result, probe health.
type Client struct {
	httpc *http.Client
}

// NewClient creates a worker client. The per-request timeout guards each
// individual exchange; the overall job deadline is the caller's context.
func NewClient(requestTimeout time.Duration) *Client {
	return &Client{
		httpc: &http.Client{Timeout: requestTimeout},
	}
}

// Submit posts the payload to the worker and returns the worker's remote job
// id from the acknowledgement. A 409 maps to ErrWorkerBusy.
func (c *Client) Submit(ctx context.Context, workerURL string, p Payload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, workerURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit to worker: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		var ack struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&ack); err != nil {
			return "", fmt.Errorf("decode acknowledgement: %w", err)
		}
		if ack.ID == "" {
			return "", errors.New("worker acknowledgement missing id")
		}
		return ack.ID, nil
	case http.StatusConflict:
		return "", ErrWorkerBusy
	default:
		return "", fmt.Errorf("worker refused job: %s", responseError(resp))
	}
}

// Poll fetches the current status of a remote job.
func (c *Client) Poll(ctx context.Context, workerURL, remoteID string) (PollResult, error) {
	var result PollResult

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, workerURL+"/v1/jobs/"+remoteID, nil)
	if err != nil {
		return result, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return result, fmt.Errorf("poll worker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return result, fmt.Errorf("poll worker: %s", responseError(resp))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&result); err != nil {
		return result, fmt.Errorf("decode poll response: %w", err)
	}
	return result, nil
}

// Await polls the worker until the remote job reaches a terminal status or
// ctx expires. Progress reports from running polls are delivered through
// onProgress when non-nil. Transient poll errors are tolerated up to
// pollFailureLimit in a row.
func (c *Client) Await(ctx context.Context, workerURL, remoteID string, interval time.Duration, onProgress func(float64)) (PollResult, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var failures int
	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return PollResult{}, ctx.Err()
		case <-ticker.C:
		}

		result, err := c.Poll(ctx, workerURL, remoteID)
		if err != nil {
			if ctx.Err() != nil {
				return PollResult{}, ctx.Err()
			}
			failures++
			lastErr = err
			if failures >= pollFailureLimit {
				return PollResult{}, fmt.Errorf("worker stopped responding: %w", lastErr)
			}
			continue
		}
		failures = 0

		switch result.Status {
		case model.StatusRunning:
			if onProgress != nil {
				onProgress(result.Progress)
			}
		case model.StatusSucceeded, model.StatusFailed:
			return result, nil
		default:
			return PollResult{}, fmt.Errorf("worker reported unknown status %q", result.Status)
		}
	}
}

// Health probes the worker's readiness endpoint.
func (c *Client) Health(ctx context.Context, workerURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, workerURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("probe worker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("worker unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// responseError extracts the error message from a worker's JSON error body,
// falling back to the HTTP status.
func responseError(resp *http.Response) string {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return fmt.Sprintf("status %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Sprintf("status %d", resp.StatusCode)
}
