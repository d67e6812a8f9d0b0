// Package offline produces a high-accuracy transcript of a finished
// recording.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

var (
	// ErrInvalidWAV is returned when the input is not a readable WAV file.
	ErrInvalidWAV = errors.New("not a valid wav file")
	// ErrEngineUnavailable is returned for engines not compiled into this binary.
	ErrEngineUnavailable = errors.New("accurate engine not available in this build")
)

// Suffix is appended to the recording base name for the output file.
const Suffix = "_accurate.txt"

// Info describes the audio handed to an engine.
type Info struct {
	SampleRate int
	Channels   int
	Duration   time.Duration
}

// Engine turns a WAV file into text.
type Engine interface {
	Transcribe(ctx context.Context, wavPath string, info Info) (string, error)
}

type engineFactory func(cfg config.AccurateConfig) (Engine, error)

var engines = map[string]engineFactory{}

// Transcriber runs an accurate engine over a finished recording.
type Transcriber struct {
	engine Engine
	cfg    config.AccurateConfig
	logger *slog.Logger
}

func New(cfg config.AccurateConfig, logger *slog.Logger) (*Transcriber, error) {
	name := cfg.Engine
	if name == "" {
		name = "exec"
	}
	factory, ok := engines[name]
	if !ok {
		if name == "whisper" {
			return nil, fmt.Errorf("%s: %w", name, ErrEngineUnavailable)
		}
		return nil, fmt.Errorf("unknown accurate engine %q", name)
	}
	engine, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcriber{
		engine: engine,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "offline"), slog.String("engine", name)),
	}, nil
}

// ResolveWAV accepts either a path or a bare file name inside outputDir.
func ResolveWAV(name, outputDir string) (string, error) {
	if _, err := os.Stat(name); err == nil {
		return name, nil
	}
	candidate := filepath.Join(outputDir, name)
	if _, err := os.Stat(candidate); err != nil {
		return "", fmt.Errorf("wav file not found: %s", name)
	}
	return candidate, nil
}

// OutputPath returns <dir>/<stem>_accurate.txt for a recording path.
func OutputPath(wavPath, dir string) string {
	base := strings.TrimSuffix(filepath.Base(wavPath), filepath.Ext(wavPath))
	return filepath.Join(dir, base+Suffix)
}

// Inspect validates the WAV header.
func Inspect(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Info{}, fmt.Errorf("%s: %w", path, ErrInvalidWAV)
	}
	dur, err := dec.Duration()
	if err != nil {
		return Info{}, fmt.Errorf("%s: %w", path, err)
	}
	return Info{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans), Duration: dur}, nil
}

// Transcribe runs the engine on wavPath and writes the result to outDir. It
// returns the output path.
func (t *Transcriber) Transcribe(ctx context.Context, wavPath, outDir string) (string, error) {
	info, err := Inspect(wavPath)
	if err != nil {
		return "", err
	}

	if t.cfg.TimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(t.cfg.TimeoutSec)*time.Second)
		defer cancel()
	}

	t.logger.Info("accurate transcription started",
		slog.String("audio", wavPath),
		slog.Duration("audio_duration", info.Duration),
		slog.Int("sample_rate", info.SampleRate),
	)
	start := time.Now()
	text, err := t.engine.Transcribe(ctx, wavPath, info)
	if err != nil {
		return "", err
	}

	outPath := OutputPath(wavPath, outDir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	if err := os.WriteFile(outPath, []byte(strings.TrimSpace(text)+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write accurate transcript: %w", err)
	}
	t.logger.Info("accurate transcription saved",
		slog.String("path", outPath),
		slog.Duration("elapsed", time.Since(start)),
	)
	return outPath, nil
}
