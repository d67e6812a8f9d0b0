package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

const defaultSuffix = "_summary"

// ErrEmptyTranscript is returned when there is nothing to summarize.
var ErrEmptyTranscript = errors.New("transcript is empty")

// BuildPath returns <dir>/<base><suffix>, adding a .txt extension unless the
// suffix already carries one.
func BuildPath(dir, base, suffix string) string {
	suffix = strings.TrimSpace(suffix)
	if suffix == "" {
		suffix = defaultSuffix
	}
	name := base + suffix
	if !strings.HasSuffix(strings.ToLower(suffix), ".txt") {
		name += ".txt"
	}
	return filepath.Join(dir, name)
}

// BuildPrompt prefixes the transcript with the instruction prompt.
func BuildPrompt(prompt, transcript string) string {
	return prompt + "\n\n" + transcript
}

// Summarizer turns transcript files into summary files.
type Summarizer struct {
	gen    Generator
	cfg    config.SummaryConfig
	logger *slog.Logger
}

func NewSummarizer(gen Generator, cfg config.SummaryConfig, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{gen: gen, cfg: cfg, logger: logger.With(slog.String("component", "summary"))}
}

// SummarizeFile reads the transcript at in, asks the generator for a summary
// and writes the trimmed result to out. Empty transcripts return
// ErrEmptyTranscript without contacting the generator.
func (s *Summarizer) SummarizeFile(ctx context.Context, sessionID, in, out string) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}
	transcript := string(data)
	if strings.TrimSpace(transcript) == "" {
		s.logger.Warn("skipping summary for empty transcript", slog.String("path", in))
		return ErrEmptyTranscript
	}

	if s.cfg.TimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutSec)*time.Second)
		defer cancel()
	}

	start := time.Now()
	text, err := Collect(ctx, s.gen, Request{
		SessionID:   sessionID,
		Prompt:      BuildPrompt(s.cfg.Prompt, transcript),
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		return fmt.Errorf("generate summary: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("create summary directory: %w", err)
	}
	if err := os.WriteFile(out, []byte(strings.TrimSpace(text)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	s.logger.Info("summary written",
		slog.String("path", out),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}
