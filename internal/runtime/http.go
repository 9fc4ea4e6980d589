package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/router"
)

type voiceHandler struct {
	runner   router.Runner
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

type voiceRequest struct {
	Text      string `json:"text"`
	ChunkSize *int   `json:"chunk_size,omitempty"`
}

func (v *voiceHandler) chunkSize(req voiceRequest) int {
	if req.ChunkSize != nil {
		return *req.ChunkSize
	}
	return v.runner.ChunkSize()
}

func newHandler(runner router.Runner, ready func() bool, logger *slog.Logger) http.Handler {
	voice := &voiceHandler{
		runner: runner,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With(slog.String("component", "http")),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})
	r.Route("/v1/voice", func(r chi.Router) {
		r.Post("/sse", voice.serveSSE)
		r.Get("/ws", voice.serveWS)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func newMetricsHandler(metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", metrics)
	return r
}
