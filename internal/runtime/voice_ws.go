package runtime

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

const wsRequestTimeout = 10 * time.Second

// serveWS reads one JSON voice request, answers with one binary message per
// audio chunk, then a JSON voice status, then closes.
func (v *voiceHandler) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := v.upgrader.Upgrade(w, r, nil)
	if err != nil {
		v.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	requestID := chimiddleware.GetReqID(r.Context())
	logger := v.logger.With(slog.String("request_id", requestID))

	var req voiceRequest
	_ = conn.SetReadDeadline(time.Now().Add(wsRequestTimeout))
	if err := conn.ReadJSON(&req); err != nil {
		logger.Warn("failed to read websocket voice request", slog.String("error", err.Error()))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	chunks := 0
	var runErr error
	for chunk, err := range v.runner.RunWithChunkSize(ctx, req.Text, v.chunkSize(req)) {
		if err != nil {
			runErr = err
			break
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			logger.Debug("websocket client went away", slog.String("error", err.Error()))
			return
		}
		chunks++
	}

	if err := conn.WriteJSON(statusFor(requestID, chunks, runErr)); err != nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}
