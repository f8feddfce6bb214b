package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/easelhq/easel/internal/dispatch"
	"github.com/easelhq/easel/internal/model"
	"github.com/easelhq/easel/internal/params"
	"github.com/easelhq/easel/internal/replay"
	"github.com/easelhq/easel/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// generateRequest is the JSON body for POST /v1/generate and /v1/img2img.
// Params holds raw schema values; anything absent resolves through the
// user's preferences and the global defaults.
type generateRequest struct {
	UserID         string         `json:"user_id"`
	Prompt         string         `json:"prompt"`
	NegativePrompt string         `json:"negative_prompt"`
	Params         map[string]any `json:"params"`
	AckID          string         `json:"ack_id"`
	SkipPrefixes   bool           `json:"skip_prefixes"`

	// img2img only. Width and height are the source's pixel dimensions
	// when the front-end knows them; autosize uses them for the ratio.
	ImageURL    string `json:"image_url"`
	ImageWidth  int    `json:"image_width"`
	ImageHeight int    `json:"image_height"`
}

// againRequest is the JSON body for POST /v1/again.
type againRequest struct {
	UserID        string         `json:"user_id"`
	CorrelationID string         `json:"correlation_id"`
	Alterations   map[string]any `json:"alterations"`
	AckID         string         `json:"ack_id"`

	ImageURL    string `json:"image_url"`
	ImageWidth  int    `json:"image_width"`
	ImageHeight int    `json:"image_height"`
}

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	s.handleSubmission(w, r, model.ModeTxt2Img)
}

func (s *Server) handleImg2Img(w http.ResponseWriter, r *http.Request) {
	s.handleSubmission(w, r, model.ModeImg2Img)
}

func (s *Server) handleSubmission(w http.ResponseWriter, r *http.Request, mode string) {
	var req generateRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if mode == model.ModeImg2Img && req.ImageURL == "" {
		s.writeError(w, http.StatusBadRequest, "image_url is required for img2img")
		return
	}
	if mode == model.ModeTxt2Img && req.ImageURL != "" {
		s.writeError(w, http.StatusBadRequest, "image_url is not accepted here, use /v1/img2img")
		return
	}

	prefs, err := s.store.GetPreferences(r.Context(), req.UserID)
	if err != nil {
		s.logger.Error("load preferences", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}

	in := params.Input{
		Mode:           mode,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Values:         req.Params,
		SkipPrefixes:   req.SkipPrefixes,
	}
	if mode == model.ModeImg2Img {
		in.SourceImage = req.ImageURL
		in.SourceWidth = req.ImageWidth
		in.SourceHeight = req.ImageHeight
	}

	genReq, err := s.norm.Normalize(in, prefs)
	if err != nil {
		var verr *params.ValidationError
		if errors.As(err, &verr) {
			s.writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		s.logger.Error("normalize request", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to normalize request")
		return
	}

	s.submit(w, r, dispatch.Submission{
		UserID:  req.UserID,
		Request: genReq,
		AckID:   req.AckID,
	})
}

func (s *Server) handleAgain(w http.ResponseWriter, r *http.Request) {
	var req againRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.CorrelationID == "" {
		s.writeError(w, http.StatusBadRequest, "correlation_id is required")
		return
	}

	var image *replay.SuppliedImage
	if req.ImageURL != "" {
		image = &replay.SuppliedImage{
			URL:    req.ImageURL,
			Width:  req.ImageWidth,
			Height: req.ImageHeight,
		}
	}

	resolved, err := s.resolver.Resolve(r.Context(), req.UserID, req.CorrelationID, req.Alterations, image)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "no job found for correlation id")
			return
		}
		var verr *params.ValidationError
		if errors.As(err, &verr) {
			s.writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		s.logger.Error("resolve replay", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to resolve replay")
		return
	}

	s.submit(w, r, dispatch.Submission{
		UserID:   req.UserID,
		Request:  resolved.Request,
		AckID:    req.AckID,
		ParentID: resolved.ParentID,
	})
}

// submit admits the request and writes the 202 or the admission error.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, sub dispatch.Submission) {
	j, err := s.dispatcher.Submit(r.Context(), sub)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrTooManyInFlight):
			s.writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, dispatch.ErrStopped):
			s.writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		default:
			s.logger.Error("submit job", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to submit job")
		}
		return
	}

	s.writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	filter := store.JobFilter{
		Status: r.URL.Query().Get("status"),
		UserID: r.URL.Query().Get("user_id"),
		Limit:  limit,
		Offset: offset,
	}

	jobs, total, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.dispatcher.Cancel(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, dispatch.ErrNotCancellable):
			s.writeError(w, http.StatusConflict, "job is no longer queued")
		default:
			s.logger.Error("cancel job", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		}
		return
	}

	j, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.logger.Error("get cancelled job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}

	s.writeJSON(w, http.StatusOK, j)
}

// bindResultRequest is the JSON body for POST /v1/jobs/{id}/result.
type bindResultRequest struct {
	ResultID string `json:"result_id"`
}

func (s *Server) handleBindResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req bindResultRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ResultID == "" {
		s.writeError(w, http.StatusBadRequest, "result_id is required")
		return
	}

	if err := s.store.BindResultID(r.Context(), id, req.ResultID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, store.ErrResultBound):
			s.writeError(w, http.StatusConflict, "job already has a different result id")
		default:
			s.logger.Error("bind result id", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to bind result id")
		}
		return
	}

	j, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.logger.Error("get job after bind", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}

	s.writeJSON(w, http.StatusOK, j)
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
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
