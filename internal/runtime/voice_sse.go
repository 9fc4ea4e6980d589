package runtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// serveSSE streams base64 audio chunks as server-sent events. The stream ends
// with a "done" or an "error" event carrying a voice status. A client that
// disconnects cancels the run.
func (v *voiceHandler) serveSSE(w http.ResponseWriter, r *http.Request) {
	var req voiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":      "text required",
			"error_kind": pipeline.KindMalformedInput.String(),
		})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	requestID := chimiddleware.GetReqID(r.Context())
	chunks := 0
	var runErr error
	for encoded, err := range pipeline.Encode(v.runner.RunWithChunkSize(r.Context(), req.Text, v.chunkSize(req))) {
		if err != nil {
			runErr = err
			break
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", encoded); err != nil {
			v.logger.Debug("sse client went away", slog.String("request_id", requestID))
			return
		}
		flusher.Flush()
		chunks++
	}

	event := "done"
	if runErr != nil {
		event = "error"
	}
	data, _ := json.Marshal(statusFor(requestID, chunks, runErr))
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

func statusFor(sessionID string, chunks int, err error) protocol.VoiceStatus {
	status := protocol.VoiceStatus{
		SessionID: sessionID,
		Completed: err == nil,
		Chunks:    chunks,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		status.Error = err.Error()
		if kind := pipeline.KindOf(err); kind != 0 {
			status.ErrorKind = kind.String()
		}
	}
	return status
}
