package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/easelhq/easel/internal/params"
	"github.com/easelhq/easel/internal/store"
)

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	prefs, err := s.store.GetPreferences(r.Context(), userID)
	if err != nil {
		s.logger.Error("get preferences", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get preferences")
		return
	}
	if prefs == nil {
		prefs = map[string]any{}
	}
	s.writeJSON(w, http.StatusOK, prefs)
}

func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req map[string]any
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req) == 0 {
		s.writeError(w, http.StatusBadRequest, "no preferences given")
		return
	}

	// Validate the whole update before touching storage so a bad key cannot
	// leave a half-applied batch behind.
	coerced := make(map[string]any, len(req))
	var cleared []string
	for key, value := range req {
		if value == nil {
			if !params.IsPreference(key) {
				s.writeError(w, http.StatusBadRequest, fmt.Sprintf("%s: not a storable preference", key))
				return
			}
			cleared = append(cleared, key)
			continue
		}
		v, err := s.norm.CheckPreference(key, value)
		if err != nil {
			var verr *params.ValidationError
			if errors.As(err, &verr) {
				s.writeError(w, http.StatusBadRequest, verr.Error())
				return
			}
			s.logger.Error("check preference", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to validate preference")
			return
		}
		coerced[key] = v
	}

	ctx := r.Context()
	for key, value := range coerced {
		if err := s.store.SetPreference(ctx, userID, key, value); err != nil {
			s.logger.Error("set preference", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to store preference")
			return
		}
	}
	for _, key := range cleared {
		err := s.store.DeletePreference(ctx, userID, key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("delete preference", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to clear preference")
			return
		}
	}

	prefs, err := s.store.GetPreferences(ctx, userID)
	if err != nil {
		s.logger.Error("get preferences", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get preferences")
		return
	}
	if prefs == nil {
		prefs = map[string]any{}
	}

	s.logger.Info("preferences updated", "user_id", userID, "set", len(coerced), "cleared", len(cleared))
	s.writeJSON(w, http.StatusOK, prefs)
}
