package summary

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Chunk represents streamed model output.
type Chunk struct {
	Content string
	Partial bool
	Latency time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// NewGenerator builds the backend named by cfg.Mode.
func NewGenerator(cfg config.SummaryConfig) (Generator, error) {
	switch cfg.Mode {
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unknown summary mode %q", cfg.Mode)
	}
}

// Collect runs a generation and returns the concatenated output.
func Collect(ctx context.Context, g Generator, req Request) (string, error) {
	var out []byte
	err := g.Generate(ctx, req, func(c Chunk) error {
		out = append(out, c.Content...)
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
