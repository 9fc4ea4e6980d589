package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRunner splits text into chunkSize pieces. When fail is set the stream
// ends with that error after the first chunk.
type fakeRunner struct {
	fail error
}

func (f *fakeRunner) ChunkSize() int { return 4 }

func (f *fakeRunner) RunWithChunkSize(_ context.Context, text string, chunkSize int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		data := []byte(text)
		for len(data) > 0 {
			n := min(chunkSize, len(data))
			if !yield(data[:n], nil) {
				return
			}
			data = data[n:]
			if f.fail != nil {
				yield(nil, f.fail)
				return
			}
		}
	}
}

func newTestServer(t *testing.T, runner *fakeRunner, ready bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newHandler(runner, func() bool { return ready }, newLogger()))
	t.Cleanup(srv.Close)
	return srv
}

type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var (
		events  []sseEvent
		current sseEvent
	)
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			events = append(events, current)
			current = sseEvent{}
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read sse body: %v", err)
	}
	return events
}

func TestHealthAndReadiness(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{}, false)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready, got %d", resp.StatusCode)
	}
}

func TestVoiceSSEStreamsBase64Chunks(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{}, true)

	resp, err := http.Post(srv.URL+"/v1/voice/sse", "application/json", strings.NewReader(`{"text":"abcdefghij"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := readSSE(t, resp.Body)
	want := []string{"YWJjZA==", "ZWZnaA==", "aWo="}
	if len(events) != len(want)+1 {
		t.Fatalf("expected %d events, got %+v", len(want)+1, events)
	}
	for i, w := range want {
		if events[i].name != "" || events[i].data != w {
			t.Fatalf("event %d: got %+v, want data %s", i, events[i], w)
		}
	}
	last := events[len(events)-1]
	if last.name != "done" {
		t.Fatalf("expected done event, got %+v", last)
	}
	var status protocol.VoiceStatus
	if err := json.Unmarshal([]byte(last.data), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Completed || status.Chunks != 3 || status.SessionID == "" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestVoiceSSEChunkSizeOverride(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{}, true)

	resp, err := http.Post(srv.URL+"/v1/voice/sse", "application/json", strings.NewReader(`{"text":"abcdefghij","chunk_size":6}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	events := readSSE(t, resp.Body)
	if len(events) != 3 || events[0].data != "YWJjZGVm" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestVoiceSSERejectsEmptyText(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{}, true)

	resp, err := http.Post(srv.URL+"/v1/voice/sse", "application/json", strings.NewReader(`{"text":"   "}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error_kind"] != "malformed_input" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestVoiceSSEReportsFailure(t *testing.T) {
	failure := &pipeline.Error{Kind: pipeline.KindUpstreamTimeout, Stage: pipeline.StageSynthesizing, Err: errors.New("tts slow")}
	srv := newTestServer(t, &fakeRunner{fail: failure}, true)

	resp, err := http.Post(srv.URL+"/v1/voice/sse", "application/json", strings.NewReader(`{"text":"abcdefghij"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	events := readSSE(t, resp.Body)
	if len(events) != 2 || events[1].name != "error" {
		t.Fatalf("unexpected events %+v", events)
	}
	var status protocol.VoiceStatus
	if err := json.Unmarshal([]byte(events[1].data), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Completed || status.Chunks != 1 || status.ErrorKind != "upstream_timeout" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestVoiceWebSocket(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{}, true)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/voice/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(map[string]any{"text": "abcdefghij", "chunk_size": 5}); err != nil {
		t.Fatalf("write request: %v", err)
	}
	for _, want := range []string{"abcde", "fghij"} {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read chunk: %v", err)
		}
		if kind != websocket.BinaryMessage || string(data) != want {
			t.Fatalf("got %d %q, want binary %q", kind, data, want)
		}
	}
	var status protocol.VoiceStatus
	if err := conn.ReadJSON(&status); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if !status.Completed || status.Chunks != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}
