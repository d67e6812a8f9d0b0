// Package wavout persists the resampled stream as a mono 16-bit PCM WAV file.
package wavout

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultPollInterval = 10 * time.Millisecond
	defaultBatchSize    = 1024
)

type Writer struct {
	Queue        *queue.Queue[float32]
	Path         string
	SampleRate   int
	Logger       *slog.Logger
	PollInterval time.Duration
	BatchSize    int

	written int64
}

// Run writes batches as they arrive until stop is set, then drains the queue
// until it is closed and empty. It returns the path of the finalized file.
// On a write error the partial file is left on disk.
func (w *Writer) Run(stop *atomic.Bool) (string, error) {
	log := w.logger()
	poll := w.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	batchSize := w.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	if err := os.MkdirAll(filepath.Dir(w.Path), 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	file, err := os.Create(w.Path)
	if err != nil {
		return "", fmt.Errorf("create wav file: %w", err)
	}
	defer file.Close()

	enc := wav.NewEncoder(file, w.SampleRate, 16, 1, 1)
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: w.SampleRate}, SourceBitDepth: 16}
	// Header and data chunk go out up front so an empty recording is still a valid file.
	if err := enc.Write(buffer); err != nil {
		return "", fmt.Errorf("write wav header: %w", err)
	}

	var samples metric.Int64Counter
	if counter, err := otel.Meter("github.com/loqalabs/loqa-scribe/wavout").Int64Counter("scribe.wav.samples",
		metric.WithDescription("Samples written to WAV recordings")); err == nil {
		samples = counter
	}

	write := func(batch []float32) error {
		buffer.Data = buffer.Data[:0]
		for _, s := range batch {
			buffer.Data = append(buffer.Data, int(Quantize(s)))
		}
		if err := enc.Write(buffer); err != nil {
			return fmt.Errorf("write wav samples: %w", err)
		}
		w.written += int64(len(batch))
		if samples != nil {
			samples.Add(context.Background(), int64(len(batch)))
		}
		return nil
	}

	for !stop.Load() {
		batch, ok := w.Queue.TryPopBatch(batchSize)
		if !ok {
			time.Sleep(poll)
			continue
		}
		if err := write(batch); err != nil {
			log.Error("wav writer stopped", slogError(err))
			return "", err
		}
	}

	for {
		batch, ok := w.Queue.PopBatch(batchSize)
		if !ok {
			break
		}
		if err := write(batch); err != nil {
			log.Error("wav writer stopped during drain", slogError(err))
			return "", err
		}
	}

	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("finalize wav header: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close wav file: %w", err)
	}
	log.Info("recording saved", slog.String("path", w.Path), slog.Int64("samples", w.written))
	return w.Path, nil
}

// Written reports how many samples were persisted. Valid after Run returns.
func (w *Writer) Written() int64 { return w.written }

// Quantize converts a float sample in [-1, 1] to signed 16-bit PCM.
func Quantize(s float32) int16 {
	if s != s {
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int16(math.Round(float64(s) * 32767))
}

func (w *Writer) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default().With(slog.String("component", "wav-writer"))
	}
	return w.Logger.With(slog.String("component", "wav-writer"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
