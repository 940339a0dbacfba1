package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/seantiz/cauldron/internal/model"
)

// handleStreamEvents streams run events for an experiment as server-sent
// events: one "data:" JSON object per finished run, then an "event: done"
// whose data is the experiment's final status.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	exp, ok := s.lookupExperiment(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if model.IsTerminal(exp.Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", exp.Status)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribing to an experiment that finished after the status check
	// yields a closed channel, so the loop below ends at once.
	ch, unsub := s.engine.Broker().Subscribe(exp.ID)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", s.finalStatus(r.Context(), exp.ID))
				if canFlush {
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode run event", "experiment_id", exp.ID, "error", err)
				continue
			}
			if err := writeSSEData(w, string(data)); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// finalStatus reads the status an experiment settled on once its event topic
// closed. The topic closes after the outcome is written, so a status that is
// still running means the write itself failed.
func (s *Server) finalStatus(ctx context.Context, id string) string {
	exp, err := s.engine.Get(context.WithoutCancel(ctx), id)
	if err != nil {
		s.logger.Error("read final status", "experiment_id", id, "error", err)
		return model.StatusFailed
	}
	if !model.IsTerminal(exp.Status) {
		return model.StatusFailed
	}
	return exp.Status
}

// writeSSEData writes a single-line payload as an SSE data event.
func writeSSEData(w http.ResponseWriter, data string) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
