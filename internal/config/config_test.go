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
	if cfg.Audio.SampleRate != 16000 {
		t.Fatalf("expected default sample rate 16000, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Realtime.Engine != "vosk" {
		t.Fatalf("expected default engine vosk, got %q", cfg.Realtime.Engine)
	}
	if cfg.Summary.Endpoint != "http://localhost:11434" || cfg.Summary.Model != "llama3.2" {
		t.Fatalf("unexpected summary defaults: %+v", cfg.Summary)
	}
	if cfg.Audio.OverflowPolicy != "drop" {
		t.Fatalf("expected drop overflow policy, got %q", cfg.Audio.OverflowPolicy)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scribe.yaml")
	data := `
audio:
  sample_rate: 22050
  gain: 2.5
  output_directory: ` + dir + `
realtime:
  engine: mock
summary:
  enabled: true
  suffix: _notes
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.SampleRate != 22050 || cfg.Audio.Gain != 2.5 {
		t.Fatalf("expected file values, got %+v", cfg.Audio)
	}
	if cfg.Realtime.Engine != "mock" {
		t.Fatalf("expected mock engine, got %q", cfg.Realtime.Engine)
	}
	if cfg.Summary.Suffix != "_notes" {
		t.Fatalf("expected suffix override, got %q", cfg.Summary.Suffix)
	}
	if cfg.Audio.ResamplerFrame != 1024 {
		t.Fatalf("expected unset fields to keep defaults, got %d", cfg.Audio.ResamplerFrame)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBE_AUDIO_SAMPLE_RATE", "8000")
	t.Setenv("SCRIBE_AUDIO_GAIN", "3.5")
	t.Setenv("SCRIBE_REALTIME_ENGINE", "exec")
	t.Setenv("SCRIBE_REALTIME_COMMAND", "recognizer --stream")
	t.Setenv("SCRIBE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SCRIBE_BUS_USERNAME", "alice")
	t.Setenv("SCRIBE_BUS_TLS_INSECURE", "true")
	t.Setenv("SCRIBE_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("SCRIBE_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("SCRIBE_REDIS_STREAM", "custom:stream")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.SampleRate != 8000 {
		t.Fatalf("expected sample rate override, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Audio.Gain != 3.5 {
		t.Fatalf("expected gain override, got %v", cfg.Audio.Gain)
	}
	if cfg.Realtime.Engine != "exec" || cfg.Realtime.Command != "recognizer --stream" {
		t.Fatalf("expected realtime overrides, got %+v", cfg.Realtime)
	}
	if len(cfg.Bus.Servers) != 2 || cfg.Bus.Servers[1] != "nats://two:4222" {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || !cfg.Bus.TLSInsecure {
		t.Fatalf("expected bus overrides, got %+v", cfg.Bus)
	}
	if cfg.EventStore.RetentionDays != 7 || !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.Redis.Stream != "custom:stream" {
		t.Fatalf("expected redis stream override, got %q", cfg.Redis.Stream)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"sample rate too low", func(c *Config) { c.Audio.SampleRate = 4000 }, "audio.sample_rate"},
		{"sample rate too high", func(c *Config) { c.Audio.SampleRate = 96000 }, "audio.sample_rate"},
		{"zero gain", func(c *Config) { c.Audio.Gain = 0 }, "audio.gain"},
		{"gain too high", func(c *Config) { c.Audio.Gain = 10.5 }, "audio.gain"},
		{"unknown engine", func(c *Config) { c.Realtime.Engine = "whisper" }, "unknown realtime.engine"},
		{"vosk without url", func(c *Config) { c.Realtime.VoskURL = " " }, "realtime.vosk_url"},
		{"sherpa without url", func(c *Config) {
			c.Realtime.Engine = "sherpa-onnx"
			c.Realtime.SherpaURL = ""
		}, "realtime.sherpa_url"},
		{"exec without command", func(c *Config) { c.Realtime.Engine = "exec" }, "realtime.command"},
		{"summary without model", func(c *Config) {
			c.Summary.Enabled = true
			c.Summary.Model = ""
		}, "summary.model"},
		{"summary zero timeout", func(c *Config) {
			c.Summary.Enabled = true
			c.Summary.TimeoutSec = 0
		}, "summary.timeout_secs"},
		{"accurate exec without command", func(c *Config) { c.Accurate.Enabled = true }, "accurate.command"},
		{"accurate unknown engine", func(c *Config) {
			c.Accurate.Enabled = true
			c.Accurate.Engine = "cloud"
		}, "accurate.engine"},
		{"accurate whisper without model", func(c *Config) {
			c.Accurate.Enabled = true
			c.Accurate.Engine = "whisper"
			c.Accurate.ModelPath = ""
		}, "accurate.model_path"},
		{"bad overflow policy", func(c *Config) { c.Audio.OverflowPolicy = "grow" }, "audio.overflow_policy"},
		{"bad resampler quality", func(c *Config) { c.Audio.ResamplerQuality = "best" }, "audio.resampler_quality"},
		{"bad retention", func(c *Config) { c.EventStore.RetentionMode = "forever" }, "event_store.retention_mode"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := validate(cfg)
			if err == nil {
				t.Fatalf("expected validation error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}

	if err := validate(Default()); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestEnsureOutputDir(t *testing.T) {
	cfg := Default()
	cfg.Audio.OutputDirectory = filepath.Join(t.TempDir(), "nested", "recordings")
	if err := cfg.EnsureOutputDir(); err != nil {
		t.Fatalf("ensure output dir: %v", err)
	}
	info, err := os.Stat(cfg.Audio.OutputDirectory)
	if err != nil || !info.IsDir() {
		t.Fatalf("expected directory to exist: %v", err)
	}
}
