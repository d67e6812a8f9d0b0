//go:build whisper

package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func init() {
	engines["whisper"] = newWhisperEngine
}

// whisperEngine runs whisper.cpp in process. Requires libwhisper at link time.
type whisperEngine struct {
	modelPath string
	language  string
}

func newWhisperEngine(cfg config.AccurateConfig) (Engine, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("whisper model: %w", err)
	}
	language := cfg.Language
	if language == "" {
		language = "en"
	}
	return &whisperEngine{modelPath: cfg.ModelPath, language: language}, nil
}

func (e *whisperEngine) Transcribe(ctx context.Context, wavPath string, info Info) (string, error) {
	if info.SampleRate != whisper.SampleRate || info.Channels != 1 {
		return "", fmt.Errorf("whisper needs %d Hz mono audio, got %d Hz with %d channels", whisper.SampleRate, info.SampleRate, info.Channels)
	}
	samples, err := loadSamples(wavPath)
	if err != nil {
		return "", err
	}

	model, err := whisper.New(e.modelPath)
	if err != nil {
		return "", fmt.Errorf("load whisper model: %w", err)
	}
	defer model.Close()

	wctx, err := model.NewContext()
	if err != nil {
		return "", fmt.Errorf("create whisper context: %w", err)
	}
	if err := wctx.SetLanguage(e.language); err != nil {
		return "", fmt.Errorf("set whisper language: %w", err)
	}

	abort := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(samples, abort, nil, nil); err != nil {
		return "", fmt.Errorf("whisper process: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var sb strings.Builder
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper segment: %w", err)
		}
		sb.WriteString(strings.TrimSpace(segment.Text))
		sb.WriteByte(' ')
	}
	return strings.TrimSpace(sb.String()), nil
}

func loadSamples(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf, err := wav.NewDecoder(f).FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	out := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = float32(v) / 32768
	}
	return out, nil
}
