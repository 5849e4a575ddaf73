package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	// TraceExporter is used when no OTLP endpoint is set: stdout or none.
	TraceExporter    string  `yaml:"trace_exporter"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind           string `yaml:"bind"`
	Port           int    `yaml:"port"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Audio       AudioConfig       `yaml:"audio"`
	STT         STTConfig         `yaml:"stt"`
	Translation TranslationConfig `yaml:"translation"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Node        NodeConfig        `yaml:"node"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
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
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig controls upload normalization.
type AudioConfig struct {
	Transcoder  string `yaml:"transcoder"` // ffmpeg, wav
	Command     string `yaml:"command"`
	SampleRate  int    `yaml:"sample_rate"`
	TimeoutMS   int    `yaml:"timeout_ms"`
	TempDir     string `yaml:"temp_dir"`
	WAVFastPath bool   `yaml:"wav_fast_path"`
}

type STTConfig struct {
	Mode              string  `yaml:"mode"` // mock, exec, vosk
	Command           string  `yaml:"command"`
	Endpoint          string  `yaml:"endpoint"`
	ModelPath         string  `yaml:"model_path"`
	Language          string  `yaml:"language"`
	TimeoutMS         int     `yaml:"timeout_ms"`
	EndpointSilenceMS int     `yaml:"endpoint_silence_ms"`
	EndpointRMS       float64 `yaml:"endpoint_rms"`
}

type TranslationConfig struct {
	Mode           string `yaml:"mode"` // none, mock, exec, ollama, openai
	TargetLanguage string `yaml:"target_language"`
	Command        string `yaml:"command"`
	Endpoint       string `yaml:"endpoint"`
	Model          string `yaml:"model"`
	APIKey         string `yaml:"api_key"`
	TimeoutMS      int    `yaml:"timeout_ms"`
}

type SessionsConfig struct {
	IdleTTLMS       int    `yaml:"idle_ttl_ms"`
	SweepIntervalMS int    `yaml:"sweep_interval_ms"`
	KeyMode         string `yaml:"key_mode"` // auto, token, remote
	MaxSessions     int    `yaml:"max_sessions"`
}

// NodeConfig identifies this gateway to peers on the bus.
type NodeConfig struct {
	ID                  string `yaml:"id"`
	Role                string `yaml:"role"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

func (c NodeConfig) HeartbeatInterval() time.Duration { return millis(c.HeartbeatIntervalMS) }

func (c NodeConfig) HeartbeatTimeout() time.Duration { return millis(c.HeartbeatTimeoutMS) }

func (c AudioConfig) Timeout() time.Duration { return millis(c.TimeoutMS) }

func (c STTConfig) Timeout() time.Duration { return millis(c.TimeoutMS) }

func (c STTConfig) EndpointSilence() time.Duration { return millis(c.EndpointSilenceMS) }

func (c TranslationConfig) Timeout() time.Duration { return millis(c.TimeoutMS) }

func (c SessionsConfig) IdleTTL() time.Duration { return millis(c.IdleTTLMS) }

func (c SessionsConfig) SweepInterval() time.Duration { return millis(c.SweepIntervalMS) }

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-transcribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           8000,
			MaxUploadBytes: 64 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
			TraceExporter:    "none",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-transcribe.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Audio: AudioConfig{
			Transcoder:  "ffmpeg",
			Command:     "ffmpeg -hide_banner -loglevel error",
			SampleRate:  16000,
			TimeoutMS:   30000,
			WAVFastPath: true,
		},
		STT: STTConfig{
			Mode:              "mock",
			Endpoint:          "ws://localhost:2700",
			Language:          "en-US",
			TimeoutMS:         45000,
			EndpointSilenceMS: 800,
			EndpointRMS:       0.01,
		},
		Translation: TranslationConfig{
			Mode:           "none",
			TargetLanguage: "hi",
			Endpoint:       "http://localhost:11434",
			Model:          "llama3.2:latest",
			TimeoutMS:      5000,
		},
		Sessions: SessionsConfig{
			IdleTTLMS:       5 * 60 * 1000,
			SweepIntervalMS: 30 * 1000,
			KeyMode:         "auto",
		},
		Node: NodeConfig{
			ID:                  "loqa-transcribe-1",
			Role:                "stt-gateway",
			HeartbeatIntervalMS: 2000,
			HeartbeatTimeoutMS:  6000,
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
	overrideInt64(&cfg.HTTP.MaxUploadBytes, "LOQA_HTTP_MAX_UPLOAD_BYTES")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Transcoder, "LOQA_AUDIO_TRANSCODER")
	overrideString(&cfg.Audio.Command, "LOQA_AUDIO_COMMAND")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.TimeoutMS, "LOQA_AUDIO_TIMEOUT_MS")
	overrideString(&cfg.Audio.TempDir, "LOQA_AUDIO_TEMP_DIR")
	overrideBool(&cfg.Audio.WAVFastPath, "LOQA_AUDIO_WAV_FAST_PATH")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideInt(&cfg.STT.EndpointSilenceMS, "LOQA_STT_ENDPOINT_SILENCE_MS")
	overrideFloat(&cfg.STT.EndpointRMS, "LOQA_STT_ENDPOINT_RMS")
	overrideString(&cfg.Translation.Mode, "LOQA_TRANSLATION_MODE")
	overrideString(&cfg.Translation.TargetLanguage, "LOQA_TRANSLATION_TARGET_LANGUAGE")
	overrideString(&cfg.Translation.Command, "LOQA_TRANSLATION_COMMAND")
	overrideString(&cfg.Translation.Endpoint, "LOQA_TRANSLATION_ENDPOINT")
	overrideString(&cfg.Translation.Model, "LOQA_TRANSLATION_MODEL")
	overrideString(&cfg.Translation.APIKey, "LOQA_TRANSLATION_API_KEY")
	overrideInt(&cfg.Translation.TimeoutMS, "LOQA_TRANSLATION_TIMEOUT_MS")
	overrideInt(&cfg.Sessions.IdleTTLMS, "LOQA_SESSIONS_IDLE_TTL_MS")
	overrideInt(&cfg.Sessions.SweepIntervalMS, "LOQA_SESSIONS_SWEEP_INTERVAL_MS")
	overrideString(&cfg.Sessions.KeyMode, "LOQA_SESSIONS_KEY_MODE")
	overrideInt(&cfg.Sessions.MaxSessions, "LOQA_SESSIONS_MAX_SESSIONS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxUploadBytes <= 0 {
		return errors.New("http.max_upload_bytes must be positive")
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
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Telemetry.TraceExporter {
	case "stdout", "none":
	default:
		return errors.New("telemetry.trace_exporter must be one of stdout|none")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be within [0, 1]")
	}
	switch cfg.Audio.Transcoder {
	case "ffmpeg":
		if cfg.Audio.Command == "" {
			return errors.New("audio.command must be set when transcoder=ffmpeg")
		}
	case "wav":
	default:
		return errors.New("audio.transcoder must be one of ffmpeg|wav")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.TimeoutMS <= 0 {
		return errors.New("audio.timeout_ms must be positive")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "vosk":
		if cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=vosk")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|vosk")
	}
	if cfg.STT.TimeoutMS <= 0 {
		return errors.New("stt.timeout_ms must be positive")
	}
	if cfg.STT.EndpointSilenceMS < 0 || cfg.STT.EndpointRMS < 0 {
		return errors.New("stt endpoint settings must be >= 0")
	}
	switch cfg.Translation.Mode {
	case "none", "mock":
	case "exec":
		if cfg.Translation.Command == "" {
			return errors.New("translation.command must be set when mode=exec")
		}
	case "ollama", "openai":
		if cfg.Translation.Model == "" {
			return fmt.Errorf("translation.model must be set when mode=%s", cfg.Translation.Mode)
		}
		if cfg.Translation.Mode == "ollama" && cfg.Translation.Endpoint == "" {
			return errors.New("translation.endpoint must be set when mode=ollama")
		}
	default:
		return errors.New("translation.mode must be one of none|mock|exec|ollama|openai")
	}
	if cfg.Translation.TimeoutMS <= 0 {
		return errors.New("translation.timeout_ms must be positive")
	}
	if cfg.Sessions.IdleTTLMS <= 0 {
		return errors.New("sessions.idle_ttl_ms must be positive")
	}
	if cfg.Sessions.SweepIntervalMS <= 0 {
		return errors.New("sessions.sweep_interval_ms must be positive")
	}
	switch cfg.Sessions.KeyMode {
	case "auto", "token", "remote":
	default:
		return errors.New("sessions.key_mode must be one of auto|token|remote")
	}
	if cfg.Sessions.MaxSessions < 0 {
		return errors.New("sessions.max_sessions must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty when the bus is enabled")
		}
		if cfg.Node.HeartbeatIntervalMS <= 0 || cfg.Node.HeartbeatTimeoutMS <= cfg.Node.HeartbeatIntervalMS {
			return errors.New("node.heartbeat_timeout_ms must exceed a positive node.heartbeat_interval_ms")
		}
	}
	return nil
}
