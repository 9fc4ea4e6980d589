package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Pipeline.ChunkSize != 1024 {
		t.Fatalf("expected default chunk size 1024, got %d", cfg.Pipeline.ChunkSize)
	}
	if cfg.Pipeline.CompletionRetryAttempts != 0 {
		t.Fatalf("expected no completion retries by default")
	}
	if cfg.Pipeline.FlushTrailing {
		t.Fatalf("trailing flush must be opt-in")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa.yaml")
	data := `
runtime_name: voice-test
pipeline:
  chunk_size: 0
  completion_retry_attempts: 2
  flush_trailing: true
tts:
  mode: exec
  command: "piper --model en.onnx"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "voice-test" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Pipeline.ChunkSize != 0 || cfg.Pipeline.CompletionRetryAttempts != 2 || !cfg.Pipeline.FlushTrailing {
		t.Fatalf("pipeline section not applied: %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.SynthesisWorkers != 8 {
		t.Fatalf("expected defaults to survive partial file, got %d", cfg.Pipeline.SynthesisWorkers)
	}
	if cfg.TTS.Mode != "exec" || cfg.TTS.Command == "" {
		t.Fatalf("tts section not applied: %+v", cfg.TTS)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_EVENT_STORE_MAX_RUNS", "123")
	t.Setenv("LOQA_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("LOQA_PIPELINE_CHUNK_SIZE", "4096")
	t.Setenv("LOQA_PIPELINE_COMPLETION_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_PIPELINE_SYNTHESIS_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_PIPELINE_COMPLETION_RETRY_ATTEMPTS", "1")
	t.Setenv("LOQA_FLOW_EVENT_STRATEGY", "drop_newest")
	t.Setenv("LOQA_LLM_MODE", "anthropic")
	t.Setenv("LOQA_LLM_API_KEY", "sk-test")
	t.Setenv("LOQA_LLM_TEMPERATURE", "0.2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxRuns != 123 {
		t.Fatalf("expected event store max runs override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Pipeline.ChunkSize != 4096 || cfg.Pipeline.CompletionTimeoutMS != 5000 || cfg.Pipeline.SynthesisTimeoutMS != 5000 {
		t.Fatalf("expected pipeline overrides, got %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.CompletionRetryAttempts != 1 {
		t.Fatalf("expected retry override")
	}
	if cfg.FlowControl.EventStrategy != "drop_newest" {
		t.Fatalf("expected flow control override")
	}
	if cfg.LLM.Mode != "anthropic" || cfg.LLM.APIKey != "sk-test" || cfg.LLM.Temperature != 0.2 {
		t.Fatalf("expected llm overrides, got %+v", cfg.LLM)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"llm mode", func(c *Config) { c.LLM.Mode = "gpt" }, "llm.mode"},
		{"openai key", func(c *Config) { c.LLM.Mode = "openai" }, "llm.api_key"},
		{"tts exec command", func(c *Config) { c.TTS.Mode = "exec" }, "tts.command"},
		{"negative retries", func(c *Config) { c.Pipeline.CompletionRetryAttempts = -1 }, "completion_retry_attempts"},
		{"no workers", func(c *Config) { c.Pipeline.SynthesisWorkers = 0 }, "worker"},
		{"strategy", func(c *Config) { c.FlowControl.EventStrategy = "block" }, "event_strategy"},
		{"router without bus", func(c *Config) { c.Bus.Enabled = false }, "router"},
		{"heartbeat timeout", func(c *Config) { c.Node.HeartbeatTimeoutMS = c.Node.HeartbeatIntervalMS }, "heartbeat_timeout_ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}
