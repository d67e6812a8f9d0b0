// Package stream mirrors recognized text into a capped Redis stream so other
// processes can tail a recording live.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/redis/go-redis/v9"
)

type Publisher struct {
	client redis.Cmdable
	stream string
	maxLen int64
	log    *slog.Logger
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg config.RedisConfig, log *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	log.Info("connected to redis", slog.String("component", "stream"), slog.String("addr", cfg.Addr))
	return client, nil
}

func NewPublisher(client redis.Cmdable, cfg config.RedisConfig, log *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		stream: cfg.Stream,
		maxLen: cfg.MaxLen,
		log:    log.With(slog.String("component", "stream")),
	}
}

// PublishTranscript appends one entry per recognized text.
func (p *Publisher) PublishTranscript(ctx context.Context, text stt.RecognizedText) error {
	final := "0"
	if text.IsFinal {
		final = "1"
	}
	return p.add(ctx, p.stream, []interface{}{
		"session_id", text.SessionID,
		"text", text.Text,
		"final", final,
		"timestamp", text.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// PublishStatus appends a recording state change to the status stream.
func (p *Publisher) PublishStatus(ctx context.Context, status protocol.SessionStatus) error {
	return p.add(ctx, p.StatusStream(), []interface{}{
		"session_id", status.SessionID,
		"state", status.State,
		"audio_path", status.AudioPath,
		"transcript_path", status.TranscriptPath,
		"duration_ms", strconv.FormatInt(status.DurationMS, 10),
	})
}

// StatusStream is the stream carrying session state changes.
func (p *Publisher) StatusStream() string {
	return p.stream + ":status"
}

func (p *Publisher) add(ctx context.Context, stream string, values []interface{}) error {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis XADD %s: %w", stream, err)
	}
	return nil
}
