package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// Stream timing. Variables so tests can shorten them.
var (
	sseHeartbeat  = 15 * time.Second
	sseStatusPoll = time.Second
)

// StreamEvents handles GET /api/v1/runs/{id}/events.
//
// It streams the run's log entries as Server-Sent Events, using the entry
// sequence number as the event id. A reconnecting client sends
// Last-Event-ID (or ?after=N) and receives only later entries. The stream
// ends with an "end" event once the run reaches a terminal status.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]
	requestID := GetRequestID(ctx, r)
	startTime := time.Now()

	run, err := h.Runs.LoadRun(ctx, runID)
	if err != nil {
		h.fail(w, r, "failed to get run", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	after := lastEventID(r)

	// Subscribe before the backfill so nothing appended in between is lost;
	// duplicates are dropped by sequence number.
	entries, cleanup, err := h.Runs.Subscribe(ctx, runID)
	if err != nil {
		h.fail(w, r, "failed to subscribe to run", err)
		return
	}
	defer cleanup()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	h.logger.Info("SSE connection opened",
		slog.String("run_id", runID),
		slog.String("request_id", requestID),
	)
	defer func() {
		h.logger.Info("SSE connection closed",
			slog.String("run_id", runID),
			slog.String("request_id", requestID),
			slog.Duration("duration", time.Since(startTime)),
		)
	}()

	h.writeEvent(w, flusher, "", "hello", map[string]any{"run_id": runID, "status": run.Status})

	backlog, err := h.Runs.LogsSince(ctx, runID, after)
	if err != nil {
		h.logger.Error("failed to read run logs", "error", err, "run_id", runID)
		return
	}
	for _, entry := range backlog {
		after = h.writeEntry(w, flusher, entry, after)
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	poll := time.NewTicker(sseStatusPoll)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case entry, ok := <-entries:
			if !ok {
				// subscription ended; status polling still closes the stream
				entries = nil
				continue
			}
			after = h.writeEntry(w, flusher, entry, after)

		case <-poll.C:
			if h.finishStream(ctx, w, flusher, runID, &after) {
				return
			}

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

// finishStream sends the end event when the run is terminal. Entries
// appended since the last write are flushed first.
func (h *Handlers) finishStream(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, runID string, after *int64) bool {
	run, err := h.Runs.LoadRun(ctx, runID)
	if err != nil {
		h.logger.Error("failed to load run for stream", "error", err, "run_id", runID)
		return false
	}
	if !run.Status.IsTerminal() {
		return false
	}
	for _, entry := range run.Logs {
		*after = h.writeEntry(w, flusher, entry, *after)
	}
	data := map[string]any{"status": run.Status}
	if run.FailureReason != "" {
		data["failure_reason"] = run.FailureReason
	}
	if run.Error != "" {
		data["error"] = run.Error
	}
	h.writeEvent(w, flusher, "", "end", data)
	return true
}

// writeEntry writes entry unless it was already sent and returns the new
// high-water sequence number.
func (h *Handlers) writeEntry(w http.ResponseWriter, flusher http.Flusher, entry types.LogEntry, after int64) int64 {
	if entry.Seq <= after {
		return after
	}
	h.writeEvent(w, flusher, strconv.FormatInt(entry.Seq, 10), "log", entry)
	return entry.Seq
}

// writeEvent writes an event in SSE format and flushes.
func (h *Handlers) writeEvent(w http.ResponseWriter, flusher http.Flusher, id, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to encode SSE event", "error", err)
		return
	}
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		h.logger.Error("failed to write SSE event", "error", err)
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Error("failed to write SSE comment", "error", err)
		return
	}
	flusher.Flush()
}

func lastEventID(r *http.Request) int64 {
	s := r.Header.Get("Last-Event-ID")
	if s == "" {
		s = r.URL.Query().Get("after")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
