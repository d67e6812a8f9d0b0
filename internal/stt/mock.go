package stt

import (
	"context"
	"fmt"
	"time"
)

func init() {
	register("mock", NewMockRecognizer)
}

// mockRecognizer emits a synthetic utterance for every fixed span of audio.
type mockRecognizer struct {
	emitter      *Emitter
	sampleRate   int
	perUtterance int
	since        int
	total        int
	count        int
}

func NewMockRecognizer(_ context.Context, opts Options) (RealtimeRecognizer, error) {
	if opts.SampleRate <= 0 {
		return nil, fmt.Errorf("mock recognizer needs a positive sample rate")
	}
	span := time.Duration(opts.Config.MockUtteranceMS) * time.Millisecond
	if span <= 0 {
		span = 2 * time.Second
	}
	per := int(float64(opts.SampleRate) * span.Seconds())
	if per < 1 {
		per = 1
	}
	return &mockRecognizer{emitter: opts.Emitter, sampleRate: opts.SampleRate, perUtterance: per}, nil
}

func (m *mockRecognizer) ProcessAudio(samples []float32) error {
	m.since += len(samples)
	m.total += len(samples)
	for m.since >= m.perUtterance {
		m.since -= m.perUtterance
		m.count++
		m.emitter.Utterance(m.text())
	}
	return nil
}

func (m *mockRecognizer) Finalize() error {
	if m.since > 0 {
		m.count++
		m.since = 0
		m.emitter.Final(m.text())
	}
	return nil
}

func (m *mockRecognizer) Close() error { return nil }

func (m *mockRecognizer) text() string {
	at := time.Duration(float64(m.total) / float64(m.sampleRate) * float64(time.Second))
	return fmt.Sprintf("[mock utterance %d at %s]", m.count, at.Round(10*time.Millisecond))
}
