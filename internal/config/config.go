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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Audio       AudioConfig      `yaml:"audio"`
	Realtime    RealtimeConfig   `yaml:"realtime"`
	Accurate    AccurateConfig   `yaml:"accurate"`
	Summary     SummaryConfig    `yaml:"summary"`
	Bus         BusConfig        `yaml:"bus"`
	Redis       RedisConfig      `yaml:"redis"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

// AudioConfig describes capture, conditioning and the canonical output format.
type AudioConfig struct {
	SampleRate        int     `yaml:"sample_rate"`
	Gain              float64 `yaml:"gain"`
	OutputDirectory   string  `yaml:"output_directory"`
	DeviceIndex       int     `yaml:"device_index"`
	CaptureSampleRate int     `yaml:"capture_sample_rate"`
	CaptureChannels   int     `yaml:"capture_channels"`
	FramesPerBuffer   int     `yaml:"frames_per_buffer"`
	RawQueueSeconds   int     `yaml:"raw_queue_seconds"`
	ResamplerFrame    int     `yaml:"resampler_frame_size"`
	ResamplerQuality  string  `yaml:"resampler_quality"`
	OverflowPolicy    string  `yaml:"overflow_policy"`
	BlockTimeoutMS    int     `yaml:"block_timeout_ms"`
	WriterPollMS      int     `yaml:"writer_poll_ms"`
	RecognizerPollMS  int     `yaml:"recognizer_poll_ms"`
	TranscriptFlush   int     `yaml:"transcript_flush_lines"`
}

// RealtimeConfig selects and parameterises the streaming recognition engine.
type RealtimeConfig struct {
	Engine          string `yaml:"engine"`
	VoskURL         string `yaml:"vosk_url"`
	SherpaURL       string `yaml:"sherpa_url"`
	Command         string `yaml:"command"`
	Language        string `yaml:"language"`
	ResponseTimeout int    `yaml:"response_timeout_ms"`
	MockUtteranceMS int    `yaml:"mock_utterance_ms"`
}

type AccurateConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Engine     string `yaml:"engine"` // exec, whisper
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	Language   string `yaml:"language"`
	TimeoutSec int    `yaml:"timeout_secs"`
}

type SummaryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	Prompt      string  `yaml:"prompt"`
	Suffix      string  `yaml:"suffix"`
	TimeoutSec  int     `yaml:"timeout_secs"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: false,
			Bind:    "127.0.0.1",
			Port:    8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Audio: AudioConfig{
			SampleRate:       16000,
			Gain:             1.0,
			OutputDirectory:  "./recordings",
			DeviceIndex:      -1,
			FramesPerBuffer:  512,
			RawQueueSeconds:  10,
			ResamplerFrame:   1024,
			ResamplerQuality: "medium",
			OverflowPolicy:   "drop",
			BlockTimeoutMS:   20,
			WriterPollMS:     10,
			RecognizerPollMS: 50,
			TranscriptFlush:  5,
		},
		Realtime: RealtimeConfig{
			Engine:          "vosk",
			VoskURL:         "ws://localhost:2700",
			SherpaURL:       "ws://localhost:6006",
			ResponseTimeout: 5000,
			MockUtteranceMS: 2000,
		},
		Accurate: AccurateConfig{
			Enabled:    false,
			Engine:     "exec",
			ModelPath:  "./models/ggml-small.en.bin",
			TimeoutSec: 600,
		},
		Summary: SummaryConfig{
			Enabled:     false,
			Mode:        "ollama",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2",
			Prompt:      "Summarize the following transcript in concise bullet points.",
			Suffix:      "_summary",
			TimeoutSec:  30,
			Temperature: 0.2,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Host:           "127.0.0.1",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			Stream:  "scribe:transcripts",
			MaxLen:  10000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scribe.db",
			RetentionMode: "persistent",
			RetentionDays: 90,
			MaxSessions:   5000,
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

// EnsureOutputDir creates the recordings directory when it does not exist yet.
func (c Config) EnsureOutputDir() error {
	if err := os.MkdirAll(c.Audio.OutputDirectory, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "SCRIBE_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideInt(&cfg.Audio.SampleRate, "SCRIBE_AUDIO_SAMPLE_RATE")
	overrideFloat(&cfg.Audio.Gain, "SCRIBE_AUDIO_GAIN")
	overrideString(&cfg.Audio.OutputDirectory, "SCRIBE_AUDIO_OUTPUT_DIRECTORY")
	overrideInt(&cfg.Audio.DeviceIndex, "SCRIBE_AUDIO_DEVICE_INDEX")
	overrideInt(&cfg.Audio.CaptureSampleRate, "SCRIBE_AUDIO_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Audio.CaptureChannels, "SCRIBE_AUDIO_CAPTURE_CHANNELS")
	overrideInt(&cfg.Audio.RawQueueSeconds, "SCRIBE_AUDIO_RAW_QUEUE_SECONDS")
	overrideString(&cfg.Audio.ResamplerQuality, "SCRIBE_AUDIO_RESAMPLER_QUALITY")
	overrideString(&cfg.Audio.OverflowPolicy, "SCRIBE_AUDIO_OVERFLOW_POLICY")
	overrideInt(&cfg.Audio.BlockTimeoutMS, "SCRIBE_AUDIO_BLOCK_TIMEOUT_MS")
	overrideString(&cfg.Realtime.Engine, "SCRIBE_REALTIME_ENGINE")
	overrideString(&cfg.Realtime.VoskURL, "SCRIBE_REALTIME_VOSK_URL")
	overrideString(&cfg.Realtime.SherpaURL, "SCRIBE_REALTIME_SHERPA_URL")
	overrideString(&cfg.Realtime.Command, "SCRIBE_REALTIME_COMMAND")
	overrideString(&cfg.Realtime.Language, "SCRIBE_REALTIME_LANGUAGE")
	overrideBool(&cfg.Accurate.Enabled, "SCRIBE_ACCURATE_ENABLED")
	overrideString(&cfg.Accurate.Engine, "SCRIBE_ACCURATE_ENGINE")
	overrideString(&cfg.Accurate.Command, "SCRIBE_ACCURATE_COMMAND")
	overrideString(&cfg.Accurate.ModelPath, "SCRIBE_ACCURATE_MODEL_PATH")
	overrideString(&cfg.Accurate.Language, "SCRIBE_ACCURATE_LANGUAGE")
	overrideBool(&cfg.Summary.Enabled, "SCRIBE_SUMMARY_ENABLED")
	overrideString(&cfg.Summary.Mode, "SCRIBE_SUMMARY_MODE")
	overrideString(&cfg.Summary.Endpoint, "SCRIBE_SUMMARY_ENDPOINT")
	overrideString(&cfg.Summary.Command, "SCRIBE_SUMMARY_COMMAND")
	overrideString(&cfg.Summary.Model, "SCRIBE_SUMMARY_MODEL")
	overrideString(&cfg.Summary.Prompt, "SCRIBE_SUMMARY_PROMPT")
	overrideString(&cfg.Summary.Suffix, "SCRIBE_SUMMARY_SUFFIX")
	overrideInt(&cfg.Summary.TimeoutSec, "SCRIBE_SUMMARY_TIMEOUT_SECS")
	overrideBool(&cfg.Bus.Enabled, "SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "SCRIBE_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Redis.Enabled, "SCRIBE_REDIS_ENABLED")
	overrideString(&cfg.Redis.Addr, "SCRIBE_REDIS_ADDR")
	overrideString(&cfg.Redis.Password, "SCRIBE_REDIS_PASSWORD")
	overrideInt(&cfg.Redis.DB, "SCRIBE_REDIS_DB")
	overrideString(&cfg.Redis.Stream, "SCRIBE_REDIS_STREAM")
	overrideString(&cfg.EventStore.Path, "SCRIBE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SCRIBE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SCRIBE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SCRIBE_EVENT_STORE_VACUUM_ON_START")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if err := validateAudio(cfg.Audio); err != nil {
		return err
	}
	if err := validateRealtime(cfg.Realtime); err != nil {
		return err
	}
	if cfg.Accurate.Enabled {
		switch cfg.Accurate.Engine {
		case "exec":
			if strings.TrimSpace(cfg.Accurate.Command) == "" {
				return errors.New("accurate.command must be set when accurate recognition is enabled")
			}
		case "whisper":
			if strings.TrimSpace(cfg.Accurate.ModelPath) == "" {
				return errors.New("accurate.model_path must be set for the whisper engine")
			}
		default:
			return errors.New("accurate.engine must be one of exec|whisper")
		}
		if cfg.Accurate.TimeoutSec <= 0 {
			return errors.New("accurate.timeout_secs must be greater than 0")
		}
	}
	if cfg.Summary.Enabled {
		switch cfg.Summary.Mode {
		case "mock", "ollama", "exec":
		default:
			return errors.New("summary.mode must be one of mock|ollama|exec")
		}
		if cfg.Summary.Mode == "ollama" {
			if strings.TrimSpace(cfg.Summary.Model) == "" {
				return errors.New("summary.model must not be empty when summary.mode=ollama")
			}
			if strings.TrimSpace(cfg.Summary.Endpoint) == "" {
				return errors.New("summary.endpoint must not be empty when summary.mode=ollama")
			}
		}
		if cfg.Summary.Mode == "exec" && cfg.Summary.Command == "" {
			return errors.New("summary.command must be set when summary.mode=exec")
		}
		if cfg.Summary.TimeoutSec <= 0 {
			return errors.New("summary.timeout_secs must be greater than 0")
		}
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
	if cfg.Redis.Enabled {
		if cfg.Redis.Addr == "" {
			return errors.New("redis.addr must not be empty when redis is enabled")
		}
		if cfg.Redis.Stream == "" {
			return errors.New("redis.stream must not be empty when redis is enabled")
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
	return nil
}

func validateAudio(a AudioConfig) error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return errors.New("audio.sample_rate must be between 8000 and 48000 Hz")
	}
	if a.Gain <= 0 || a.Gain > 10 {
		return errors.New("audio.gain must be between 0.0 and 10.0 (recommended: 1.0-5.0)")
	}
	if strings.TrimSpace(a.OutputDirectory) == "" {
		return errors.New("audio.output_directory must not be empty")
	}
	if a.CaptureSampleRate < 0 || a.CaptureChannels < 0 {
		return errors.New("audio.capture_sample_rate and audio.capture_channels must be >= 0")
	}
	if a.RawQueueSeconds <= 0 {
		return errors.New("audio.raw_queue_seconds must be positive")
	}
	if a.ResamplerFrame <= 0 {
		return errors.New("audio.resampler_frame_size must be positive")
	}
	switch a.ResamplerQuality {
	case "low", "medium", "high":
	default:
		return errors.New("audio.resampler_quality must be one of low|medium|high")
	}
	switch a.OverflowPolicy {
	case "drop":
	case "block":
		if a.BlockTimeoutMS <= 0 {
			return errors.New("audio.block_timeout_ms must be positive when overflow_policy=block")
		}
	default:
		return errors.New("audio.overflow_policy must be one of drop|block")
	}
	if a.WriterPollMS <= 0 || a.RecognizerPollMS <= 0 {
		return errors.New("audio.writer_poll_ms and audio.recognizer_poll_ms must be positive")
	}
	if a.TranscriptFlush <= 0 {
		return errors.New("audio.transcript_flush_lines must be positive")
	}
	return nil
}

func validateRealtime(r RealtimeConfig) error {
	switch r.Engine {
	case "vosk":
		if strings.TrimSpace(r.VoskURL) == "" {
			return errors.New(`realtime.vosk_url must be set when realtime.engine = "vosk"`)
		}
	case "sherpa-onnx":
		if strings.TrimSpace(r.SherpaURL) == "" {
			return errors.New(`realtime.sherpa_url must be set when realtime.engine = "sherpa-onnx"`)
		}
	case "exec":
		if strings.TrimSpace(r.Command) == "" {
			return errors.New(`realtime.command must be set when realtime.engine = "exec"`)
		}
	case "mock":
	default:
		return fmt.Errorf(`unknown realtime.engine: %q. Valid values: "vosk", "sherpa-onnx", "exec", "mock"`, r.Engine)
	}
	if r.ResponseTimeout <= 0 {
		return errors.New("realtime.response_timeout_ms must be positive")
	}
	return nil
}
