package stt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/queue"
)

const (
	defaultPollInterval = 50 * time.Millisecond
	defaultBatchSize    = 4096
)

// Consumer feeds resampled audio to a recognizer built for one session.
type Consumer struct {
	Queue        *queue.Queue[float32]
	Construct    Constructor
	Options      Options
	Logger       *slog.Logger
	PollInterval time.Duration
	BatchSize    int
}

// Run constructs the engine, streams audio into it until stop is set, drains
// the queue until it is closed and empty, then finalizes exactly once. The
// emitter is closed on every return path.
func (c *Consumer) Run(ctx context.Context, stop *atomic.Bool) {
	log := c.logger()
	emitter := c.Options.Emitter
	defer emitter.Close()

	poll := c.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	batchSize := c.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	opts := c.Options
	if opts.Logger == nil {
		opts.Logger = c.Logger
	}
	recognizer, err := c.Construct(ctx, opts)
	if err != nil {
		log.Error("failed to start realtime recognizer", slogError(err))
		return
	}
	defer func() {
		if err := recognizer.Close(); err != nil {
			log.Warn("recognizer close failed", slogError(err))
		}
	}()

	processed := 0
	feed := func(batch []float32) {
		if err := recognizer.ProcessAudio(batch); err != nil {
			log.Warn("recognizer rejected audio batch", slogError(err))
			return
		}
		processed += len(batch)
	}

	for !stop.Load() {
		batch, ok := c.Queue.TryPopBatch(batchSize)
		if !ok {
			time.Sleep(poll)
			continue
		}
		feed(batch)
	}

	for {
		batch, ok := c.Queue.PopBatch(batchSize)
		if !ok {
			break
		}
		feed(batch)
	}

	if err := recognizer.Finalize(); err != nil {
		log.Warn("recognizer finalize failed", slogError(err))
	}
	log.Debug("recognition consumer finished", slog.Int("samples", processed))
}

func (c *Consumer) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default().With(slog.String("component", "recognizer"))
	}
	return c.Logger.With(slog.String("component", "recognizer"))
}
