package router

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	logger := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, logger)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

// fakeRunner yields text split into chunkSize pieces, or blocks until
// cancelled when block is set.
type fakeRunner struct {
	block   bool
	started chan struct{}
}

func (f *fakeRunner) ChunkSize() int { return 4 }

func (f *fakeRunner) RunWithChunkSize(ctx context.Context, text string, chunkSize int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if f.started != nil {
			close(f.started)
		}
		if f.block {
			<-ctx.Done()
			yield(nil, &pipeline.Error{Kind: pipeline.KindCancelled, Stage: pipeline.StageSynthesizing, Err: ctx.Err()})
			return
		}
		data := []byte(text)
		for len(data) > 0 {
			n := min(chunkSize, len(data))
			if !yield(data[:n], nil) {
				return
			}
			data = data[n:]
		}
	}
}

func subscribeChan(t *testing.T, client *bus.Client, subject string) chan *nats.Msg {
	t.Helper()
	ch := make(chan *nats.Msg, 64)
	sub, err := client.Conn().ChanSubscribe(subject, ch)
	if err != nil {
		t.Fatalf("subscribe %s: %v", subject, err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return ch
}

func receive[T any](t *testing.T, ch chan *nats.Msg) T {
	t.Helper()
	var v T
	select {
	case msg := <-ch:
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			t.Fatalf("decode %s: %v", msg.Subject, err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return v
}

func TestRouterStreamsAudioChunks(t *testing.T) {
	client := startBus(t)
	svc := NewService(context.Background(), config.RouterConfig{Enabled: true, MaxSessions: 4}, client, &fakeRunner{}, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy router")
	}

	audio := subscribeChan(t, client, protocol.AudioSubject("s1"))
	done := subscribeChan(t, client, protocol.SubjectVoiceDone)

	if err := client.PublishJSON(protocol.SubjectVoiceRequest, protocol.VoiceRequest{SessionID: "s1", Text: "abcdefghij"}); err != nil {
		t.Fatalf("publish request: %v", err)
	}

	want := []string{"abcd", "efgh", "ij"}
	for i, w := range want {
		chunk := receive[protocol.AudioChunk](t, audio)
		if chunk.Sequence != i || string(chunk.Data) != w || chunk.Final {
			t.Fatalf("chunk %d: unexpected %+v", i, chunk)
		}
	}
	final := receive[protocol.AudioChunk](t, audio)
	if !final.Final || len(final.Data) != 0 {
		t.Fatalf("expected final marker, got %+v", final)
	}
	status := receive[protocol.VoiceStatus](t, done)
	if !status.Completed || status.Chunks != 3 || status.SessionID != "s1" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestRouterChunkSizeOverride(t *testing.T) {
	client := startBus(t)
	svc := NewService(context.Background(), config.RouterConfig{Enabled: true}, client, &fakeRunner{}, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(svc.Close)

	audio := subscribeChan(t, client, protocol.AudioSubject("s2"))
	size := 8
	if err := client.PublishJSON(protocol.SubjectVoiceRequest, protocol.VoiceRequest{SessionID: "s2", Text: "abcdefghij", ChunkSize: &size}); err != nil {
		t.Fatalf("publish request: %v", err)
	}
	if chunk := receive[protocol.AudioChunk](t, audio); string(chunk.Data) != "abcdefgh" {
		t.Fatalf("expected override chunk size, got %q", chunk.Data)
	}
}

func TestRouterCancelsSession(t *testing.T) {
	client := startBus(t)
	runner := &fakeRunner{block: true, started: make(chan struct{})}
	svc := NewService(context.Background(), config.RouterConfig{Enabled: true}, client, runner, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(svc.Close)

	done := subscribeChan(t, client, protocol.SubjectVoiceDone)
	if err := client.PublishJSON(protocol.SubjectVoiceRequest, protocol.VoiceRequest{SessionID: "s3", Text: "long reply"}); err != nil {
		t.Fatalf("publish request: %v", err)
	}
	select {
	case <-runner.started:
	case <-time.After(3 * time.Second):
		t.Fatal("run never started")
	}
	if err := client.PublishJSON(protocol.SubjectVoiceCancel, protocol.VoiceCancel{SessionID: "s3"}); err != nil {
		t.Fatalf("publish cancel: %v", err)
	}
	status := receive[protocol.VoiceStatus](t, done)
	if status.Completed || status.ErrorKind != "cancelled" {
		t.Fatalf("expected cancelled status, got %+v", status)
	}
}

func TestRouterRejectsDuplicateSession(t *testing.T) {
	client := startBus(t)
	runner := &fakeRunner{block: true, started: make(chan struct{})}
	svc := NewService(context.Background(), config.RouterConfig{Enabled: true}, client, runner, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(svc.Close)

	done := subscribeChan(t, client, protocol.SubjectVoiceDone)
	req := protocol.VoiceRequest{SessionID: "dup", Text: "hello"}
	if err := client.PublishJSON(protocol.SubjectVoiceRequest, req); err != nil {
		t.Fatalf("publish request: %v", err)
	}
	<-runner.started
	if err := client.PublishJSON(protocol.SubjectVoiceRequest, req); err != nil {
		t.Fatalf("publish request: %v", err)
	}
	status := receive[protocol.VoiceStatus](t, done)
	if status.Completed || status.Error != errSessionActive.Error() {
		t.Fatalf("expected duplicate rejection, got %+v", status)
	}
	if svc.ActiveSessions() != 1 {
		t.Fatalf("expected one active session, got %d", svc.ActiveSessions())
	}
}
