package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	LLM         LLMConfig         `yaml:"llm"`
	TTS         TTSConfig         `yaml:"tts"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	FlowControl FlowControlConfig `yaml:"flow_control"`
	Router      RouterConfig      `yaml:"router"`
	Node        NodeConfig        `yaml:"node"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec, openai, anthropic
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	System      string  `yaml:"system"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	MockReply   string  `yaml:"mock_reply"`
}

type TTSConfig struct {
	Mode        string `yaml:"mode"` // mock, exec, openai
	Endpoint    string `yaml:"endpoint"`
	Command     string `yaml:"command"`
	Model       string `yaml:"model"`
	APIKey      string `yaml:"api_key"`
	Voice       string `yaml:"voice"`
	SampleRate  int    `yaml:"sample_rate"`
	Channels    int    `yaml:"channels"`
	ReadSize    int    `yaml:"read_size"`
	WarmupText  string `yaml:"warmup_text"`
	MockDelayMS int    `yaml:"mock_delay_ms"`
}

type PipelineConfig struct {
	ChunkSize               int  `yaml:"chunk_size"`
	CompletionTimeoutMS     int  `yaml:"completion_timeout_ms"`
	SynthesisTimeoutMS      int  `yaml:"synthesis_timeout_ms"`
	CompletionRetryAttempts int  `yaml:"completion_retry_attempts"`
	CompletionRetryDelayMS  int  `yaml:"completion_retry_delay_ms"`
	FlushTrailing           bool `yaml:"flush_trailing"`
	CompletionWorkers       int  `yaml:"completion_workers"`
	SynthesisWorkers        int  `yaml:"synthesis_workers"`
	PullBatch               int  `yaml:"pull_batch"`
}

type FlowControlConfig struct {
	EventStrategy        string `yaml:"event_strategy"` // drop_oldest, drop_newest
	EventBuffer          int    `yaml:"event_buffer"`
	StoreBatchSize       int    `yaml:"store_batch_size"`
	StoreBatchIntervalMS int    `yaml:"store_batch_interval_ms"`
}

type RouterConfig struct {
	Enabled     bool `yaml:"enabled"`
	MaxSessions int  `yaml:"max_sessions"`
}

type NodeConfig struct {
	ID                  string `yaml:"id"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-voice.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRuns:       10000,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			MaxTokens:   256,
			Temperature: 0.7,
		},
		TTS: TTSConfig{
			Mode:        "mock",
			Voice:       "alloy",
			SampleRate:  24000,
			Channels:    1,
			ReadSize:    4096,
			MockDelayMS: 20,
		},
		Pipeline: PipelineConfig{
			ChunkSize:               1024,
			CompletionTimeoutMS:     30000,
			SynthesisTimeoutMS:      10000,
			CompletionRetryAttempts: 0,
			CompletionRetryDelayMS:  250,
			CompletionWorkers:       8,
			SynthesisWorkers:        8,
			PullBatch:               16,
		},
		FlowControl: FlowControlConfig{
			EventStrategy:        "drop_oldest",
			EventBuffer:          256,
			StoreBatchSize:       32,
			StoreBatchIntervalMS: 500,
		},
		Router: RouterConfig{
			Enabled:     true,
			MaxSessions: 64,
		},
		Node: NodeConfig{
			HeartbeatIntervalMS: 5000,
			HeartbeatTimeoutMS:  15000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRuns, "LOQA_EVENT_STORE_MAX_RUNS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.System, "LOQA_LLM_SYSTEM")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideString(&cfg.LLM.MockReply, "LOQA_LLM_MOCK_REPLY")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Endpoint, "LOQA_TTS_ENDPOINT")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Model, "LOQA_TTS_MODEL")
	overrideString(&cfg.TTS.APIKey, "LOQA_TTS_API_KEY")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ReadSize, "LOQA_TTS_READ_SIZE")
	overrideString(&cfg.TTS.WarmupText, "LOQA_TTS_WARMUP_TEXT")
	overrideInt(&cfg.TTS.MockDelayMS, "LOQA_TTS_MOCK_DELAY_MS")
	overrideInt(&cfg.Pipeline.ChunkSize, "LOQA_PIPELINE_CHUNK_SIZE")
	overrideInt(&cfg.Pipeline.CompletionTimeoutMS, "LOQA_PIPELINE_COMPLETION_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.SynthesisTimeoutMS, "LOQA_PIPELINE_SYNTHESIS_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.CompletionRetryAttempts, "LOQA_PIPELINE_COMPLETION_RETRY_ATTEMPTS")
	overrideInt(&cfg.Pipeline.CompletionRetryDelayMS, "LOQA_PIPELINE_COMPLETION_RETRY_DELAY_MS")
	overrideBool(&cfg.Pipeline.FlushTrailing, "LOQA_PIPELINE_FLUSH_TRAILING")
	overrideInt(&cfg.Pipeline.CompletionWorkers, "LOQA_PIPELINE_COMPLETION_WORKERS")
	overrideInt(&cfg.Pipeline.SynthesisWorkers, "LOQA_PIPELINE_SYNTHESIS_WORKERS")
	overrideInt(&cfg.Pipeline.PullBatch, "LOQA_PIPELINE_PULL_BATCH")
	overrideString(&cfg.FlowControl.EventStrategy, "LOQA_FLOW_EVENT_STRATEGY")
	overrideInt(&cfg.FlowControl.EventBuffer, "LOQA_FLOW_EVENT_BUFFER")
	overrideInt(&cfg.FlowControl.StoreBatchSize, "LOQA_FLOW_STORE_BATCH_SIZE")
	overrideInt(&cfg.FlowControl.StoreBatchIntervalMS, "LOQA_FLOW_STORE_BATCH_INTERVAL_MS")
	overrideBool(&cfg.Router.Enabled, "LOQA_ROUTER_ENABLED")
	overrideInt(&cfg.Router.MaxSessions, "LOQA_ROUTER_MAX_SESSIONS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatIntervalMS, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeoutMS, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate checks cfg the same way Load does.
func Validate(cfg Config) error {
	return validate(cfg)
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec", "openai", "anthropic":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec|openai|anthropic")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if (cfg.LLM.Mode == "openai" || cfg.LLM.Mode == "anthropic") && cfg.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key must be set when mode=%s", cfg.LLM.Mode)
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec", "openai":
	default:
		return errors.New("tts.mode must be one of mock|exec|openai")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.Mode == "openai" && cfg.TTS.APIKey == "" {
		return errors.New("tts.api_key must be set when mode=openai")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.Pipeline.CompletionTimeoutMS < 0 || cfg.Pipeline.SynthesisTimeoutMS < 0 {
		return errors.New("pipeline timeouts must be >= 0")
	}
	if cfg.Pipeline.CompletionRetryAttempts < 0 {
		return errors.New("pipeline.completion_retry_attempts must be >= 0")
	}
	if cfg.Pipeline.CompletionRetryDelayMS < 0 {
		return errors.New("pipeline.completion_retry_delay_ms must be >= 0")
	}
	if cfg.Pipeline.CompletionWorkers <= 0 || cfg.Pipeline.SynthesisWorkers <= 0 {
		return errors.New("pipeline worker pools must have at least one worker")
	}
	switch cfg.FlowControl.EventStrategy {
	case "drop_oldest", "drop_newest":
	default:
		return errors.New("flow_control.event_strategy must be one of drop_oldest|drop_newest")
	}
	if cfg.FlowControl.EventBuffer <= 0 {
		return errors.New("flow_control.event_buffer must be positive")
	}
	if cfg.FlowControl.StoreBatchSize <= 0 {
		return errors.New("flow_control.store_batch_size must be positive")
	}
	if cfg.Router.Enabled && !cfg.Bus.Enabled {
		return errors.New("router requires bus.enabled")
	}
	if cfg.Router.MaxSessions < 0 {
		return errors.New("router.max_sessions must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Node.HeartbeatIntervalMS <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeoutMS <= cfg.Node.HeartbeatIntervalMS {
			return errors.New("node.heartbeat_timeout_ms must exceed node.heartbeat_interval_ms")
		}
	}
	return nil
}
