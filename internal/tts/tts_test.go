package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(s *Source, sentence string) ([]string, error) {
	var out []string
	for pcm, err := range s.StreamAudio(context.Background(), sentence) {
		if err != nil {
			return out, err
		}
		out = append(out, string(pcm))
	}
	return out, nil
}

func TestMockEmitsFiveFragments(t *testing.T) {
	s, err := NewFromConfig(config.TTSConfig{Mode: "mock", SampleRate: 16000, Channels: 1}, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := collect(s, "Hello world.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 fragments, got %d", len(got))
	}
	if got[0] != "AUDIO-CHUNK-1 (Hello world.)" || got[4] != "AUDIO-CHUNK-5 (Hello world.)" {
		t.Fatalf("unexpected fragments %q", got)
	}
}

func TestMockStopsOnCancel(t *testing.T) {
	s := NewSource(NewMockSynth(16000, 1, time.Second), "", "", discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	var last error
	for _, err := range s.StreamAudio(ctx, "slow") {
		last = err
	}
	if !errors.Is(last, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", last)
	}
}

func TestStreamAudioEarlyStop(t *testing.T) {
	s := NewSource(NewMockSynth(16000, 1, 0), "", "", discardLogger())
	n := 0
	for _, err := range s.StreamAudio(context.Background(), "x") {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Fatalf("expected 2 fragments, got %d", n)
	}
}

func TestExecSynth(t *testing.T) {
	synth, err := NewExecSynth(`sh -c 'cat >/dev/null; echo "{\"pcm_base64\":\"YWJj\"}"; echo; echo "{\"pcm_base64\":\"ZGU=\",\"final\":true}"'`, 16000, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := collect(NewSource(synth, "default", "", discardLogger()), "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(got, "|") != "abc|de" {
		t.Fatalf("unexpected pcm %q", got)
	}
}

func TestExecSynthBadOutput(t *testing.T) {
	synth, err := NewExecSynth(`sh -c 'cat >/dev/null; echo not-json'`, 16000, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := collect(NewSource(synth, "", "", discardLogger()), "hi"); err == nil || !strings.Contains(err.Error(), "decode") {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestPrepareUsesWarmupText(t *testing.T) {
	synth, err := NewExecSynth(`sh -c 'cat >/dev/null; echo "{\"pcm_base64\":\"YWJj\"}"'`, 16000, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := NewSource(synth, "", "warm", discardLogger()).Prepare(context.Background()); err != nil {
		t.Fatalf("unexpected warm-up error: %v", err)
	}

	failing, err := NewExecSynth(`sh -c 'cat >/dev/null; exit 1'`, 16000, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := NewSource(failing, "", "", discardLogger()).Prepare(context.Background()); err != nil {
		t.Fatalf("warm-up without text must be a no-op, got %v", err)
	}
	if err := NewSource(failing, "", "warm", discardLogger()).Prepare(context.Background()); err == nil {
		t.Fatal("expected warm-up failure")
	}
}

func TestNewFromConfigRejectsUnknownMode(t *testing.T) {
	if _, err := NewFromConfig(config.TTSConfig{Mode: "espeak"}, discardLogger()); err == nil {
		t.Fatal("expected error")
	}
}
