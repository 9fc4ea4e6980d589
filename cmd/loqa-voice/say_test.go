package main

import (
	"bytes"
	"encoding/base64"
	"errors"
	"iter"
	"strings"
	"testing"
)

func chunks(parts ...string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for _, p := range parts {
			if !yield([]byte(p), nil) {
				return
			}
		}
	}
}

func TestWriteAudioRaw(t *testing.T) {
	var out bytes.Buffer
	if err := writeAudio(&out, chunks("ab", "cd"), false); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if out.String() != "abcd" {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestWriteAudioBase64Lines(t *testing.T) {
	var out bytes.Buffer
	if err := writeAudio(&out, chunks("ab", "cd"), true); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	want := base64.StdEncoding.EncodeToString([]byte("ab")) + "\n" + base64.StdEncoding.EncodeToString([]byte("cd")) + "\n"
	if out.String() != want {
		t.Fatalf("got %q, want %q", out.String(), want)
	}
}

func TestWriteAudioReturnsStreamError(t *testing.T) {
	boom := errors.New("boom")
	seq := func(yield func([]byte, error) bool) {
		if yield([]byte("ab"), nil) {
			yield(nil, boom)
		}
	}
	var out bytes.Buffer
	if err := writeAudio(&out, seq, false); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if out.String() != "ab" {
		t.Fatalf("expected chunks before the error to be written, got %q", out.String())
	}
}

func TestPromptText(t *testing.T) {
	got, err := promptText([]string{"hello", "there"}, strings.NewReader("ignored"))
	if err != nil || got != "hello there" {
		t.Fatalf("got %q, %v", got, err)
	}
	got, err = promptText([]string{"-"}, strings.NewReader("  from stdin\n"))
	if err != nil || got != "from stdin" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestSayWithMockBackends(t *testing.T) {
	t.Setenv("LOQA_LLM_MODE", "mock")
	t.Setenv("LOQA_TTS_MODE", "mock")
	t.Setenv("LOQA_TTS_MOCK_DELAY_MS", "0")
	t.Setenv("LOQA_TELEMETRY_LOG_LEVEL", "error")

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs([]string{"say", "--chunk-size", "0", "hi"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("say: %v (stderr %s)", err, stderr.String())
	}
	out := stdout.String()
	if !strings.Contains(out, "AUDIO-CHUNK-1") || !strings.Contains(out, "AUDIO-CHUNK-5") {
		t.Fatalf("expected mock audio on stdout, got %q", out)
	}
}
