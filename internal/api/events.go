package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/easelhq/easel/internal/dispatch"
	"github.com/easelhq/easel/internal/model"
	"github.com/easelhq/easel/internal/store"
)

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job for events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Terminal jobs get their final state and an immediate done event. The
	// broker topic may be long gone, e.g. after a restart.
	if model.TerminalStatus(j.Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEJSON(w, "state", eventFromJob(j))
		_ = writeSSEEvent(w, "done", "stream complete")
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribe before the snapshot goes out. This is safe even if the job
	// finished between the status check above and this call: Subscribe on a
	// closed topic returns a closed channel, which the loop below treats as
	// completion and answers with a final re-read.
	ch, unsub := s.dispatcher.Broker().Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	// Current state first so the client starts from a known point.
	if err := writeSSEJSON(w, "state", eventFromJob(j)); err != nil {
		return
	}
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				// Job finished; re-read for the terminal record before the
				// done event, in case the last publish was dropped.
				if fin, err := s.store.GetJob(r.Context(), id); err == nil {
					_ = writeSSEJSON(w, "state", eventFromJob(fin))
				}
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEJSON(w, "state", ev); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// eventFromJob builds a stream event carrying the job's stored state.
func eventFromJob(j *model.Job) dispatch.Event {
	return dispatch.Event{
		JobID:     j.ID,
		Status:    j.Status,
		Artifacts: j.Artifacts,
		Error:     j.Error,
		Guidance:  j.Guidance,
	}
}

// writeSSEJSON writes a named SSE event with a JSON payload.
func writeSSEJSON(w http.ResponseWriter, eventType string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeSSEEvent(w, eventType, string(b))
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
