// Package transcript persists recognized text as a timestamped log and fans
// each event out to optional publishers.
package transcript

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/stt"
)

const defaultFlushEvery = 5

// Publisher receives every recognized text event. Failures are logged and
// never stop the writer.
type Publisher interface {
	PublishTranscript(ctx context.Context, text stt.RecognizedText) error
}

type Writer struct {
	Events     <-chan stt.RecognizedText
	Path       string
	FlushEvery int
	Publishers []Publisher
	Logger     *slog.Logger
	// PublishTimeout bounds each publisher call.
	PublishTimeout time.Duration

	lines int
}

// Run writes one line per event until the channel is closed and drained.
// After a write error the channel is still drained so producers never block.
func (w *Writer) Run() (string, error) {
	log := w.logger()
	flushEvery := w.FlushEvery
	if flushEvery <= 0 {
		flushEvery = defaultFlushEvery
	}

	file, err := w.create()
	if err != nil {
		log.Error("failed to create transcript file", slogError(err))
		w.discard()
		return "", err
	}
	defer file.Close()
	out := bufio.NewWriter(file)

	var writeErr error
	sinceFlush := 0
	for ev := range w.Events {
		w.publish(log, ev)
		if writeErr != nil {
			continue
		}
		if _, err := fmt.Fprintf(out, "%s\n", FormatLine(ev)); err != nil {
			writeErr = fmt.Errorf("write transcript line: %w", err)
			log.Error("transcript writer failed", slogError(writeErr))
			continue
		}
		w.lines++
		sinceFlush++
		if ev.IsFinal || sinceFlush >= flushEvery {
			if err := out.Flush(); err != nil {
				writeErr = fmt.Errorf("flush transcript: %w", err)
				log.Error("transcript writer failed", slogError(writeErr))
				continue
			}
			sinceFlush = 0
		}
	}
	if writeErr != nil {
		return "", writeErr
	}

	if err := out.Flush(); err != nil {
		return "", fmt.Errorf("flush transcript: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close transcript: %w", err)
	}
	log.Info("transcript saved", slog.String("path", w.Path), slog.Int("lines", w.lines))
	return w.Path, nil
}

// Lines reports how many lines were written. Valid after Run returns.
func (w *Writer) Lines() int { return w.lines }

// FormatLine renders an event as "[HH:MM:SS] text" in local time.
func FormatLine(ev stt.RecognizedText) string {
	return fmt.Sprintf("[%s] %s", ev.Timestamp.Local().Format("15:04:05"), ev.Text)
}

func (w *Writer) create() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(w.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}
	file, err := os.Create(w.Path)
	if err != nil {
		return nil, fmt.Errorf("create transcript file: %w", err)
	}
	return file, nil
}

func (w *Writer) publish(log *slog.Logger, ev stt.RecognizedText) {
	if len(w.Publishers) == 0 {
		return
	}
	timeout := w.PublishTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	for _, p := range w.Publishers {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := p.PublishTranscript(ctx, ev); err != nil {
			log.Warn("failed to publish transcript event", slogError(err))
		}
		cancel()
	}
}

func (w *Writer) discard() {
	for range w.Events {
	}
}

func (w *Writer) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default().With(slog.String("component", "transcript-writer"))
	}
	return w.Logger.With(slog.String("component", "transcript-writer"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
