package stt

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RecognizedText is one unit of recognized speech.
type RecognizedText struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	IsFinal   bool      `json:"is_final"`
	SessionID string    `json:"session_id,omitempty"`
}

// RealtimeRecognizer abstracts streaming recognition engines. Calls are made
// from a single goroutine; engines deliver text through their Emitter.
type RealtimeRecognizer interface {
	ProcessAudio(samples []float32) error
	Finalize() error
	Close() error
}

// Options carries everything an engine needs at construction time.
type Options struct {
	SampleRate int
	SessionID  string
	Config     config.RealtimeConfig
	Emitter    *Emitter
	Logger     *slog.Logger
}

// Constructor builds an engine bound to one recording session.
type Constructor func(ctx context.Context, opts Options) (RealtimeRecognizer, error)

// Emitter delivers recognized text to the session's events channel. At most
// one final event is sent and nothing is sent after it.
type Emitter struct {
	events    chan<- RecognizedText
	sessionID string
	now       func() time.Time

	mu        sync.Mutex
	finalSent bool
	closed    bool

	counter metric.Int64Counter
}

func NewEmitter(events chan<- RecognizedText, sessionID string) *Emitter {
	e := &Emitter{events: events, sessionID: sessionID, now: time.Now}
	if counter, err := otel.Meter("github.com/loqalabs/loqa-scribe/stt").Int64Counter("scribe.stt.events",
		metric.WithDescription("Recognized text events emitted")); err == nil {
		e.counter = counter
	}
	return e
}

// Utterance emits a completed non-final utterance.
func (e *Emitter) Utterance(text string) bool {
	return e.emit(text, false)
}

// Final emits the closing event of the stream.
func (e *Emitter) Final(text string) bool {
	return e.emit(text, true)
}

// FinalSent reports whether the final event has been delivered.
func (e *Emitter) FinalSent() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finalSent
}

// Close closes the events channel; the text writer ends once it drains.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.events)
}

func (e *Emitter) emit(text string, final bool) bool {
	if text == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.finalSent {
		return false
	}
	if final {
		e.finalSent = true
	}
	e.events <- RecognizedText{Text: text, Timestamp: e.now(), IsFinal: final, SessionID: e.sessionID}
	if e.counter != nil {
		e.counter.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("final", final)))
	}
	return true
}
