package stt

import (
	"encoding/binary"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/wavout"
)

// segmentTracker turns an engine's asynchronous partial/segment results into
// emitter calls. Segments completed before finishing become utterances; the
// last segment or pending partial seen after finishing becomes the final event.
type segmentTracker struct {
	emitter *Emitter

	mu        sync.Mutex
	pending   string
	finishing bool
	tail      []string
}

func newSegmentTracker(e *Emitter) *segmentTracker {
	return &segmentTracker{emitter: e}
}

func (t *segmentTracker) partial(text string) {
	if text == "" {
		return
	}
	t.mu.Lock()
	t.pending = text
	t.mu.Unlock()
}

func (t *segmentTracker) segment(text string) {
	if text == "" {
		return
	}
	t.mu.Lock()
	t.pending = ""
	if t.finishing {
		t.tail = append(t.tail, text)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.emitter.Utterance(text)
}

// beginFinish marks that the engine was told the stream ended.
func (t *segmentTracker) beginFinish() {
	t.mu.Lock()
	t.finishing = true
	t.mu.Unlock()
}

// finish emits whatever text arrived after beginFinish as the final event.
func (t *segmentTracker) finish() {
	t.mu.Lock()
	text := strings.Join(t.tail, " ")
	if text == "" {
		text = t.pending
	}
	t.tail = nil
	t.pending = ""
	t.mu.Unlock()
	t.emitter.Final(text)
}

// pcm16 encodes samples as little-endian signed 16-bit PCM.
func pcm16(samples []float32) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(wavout.Quantize(s)))
	}
	return buf
}

// pcmFloat32 encodes samples as little-endian IEEE float32.
func pcmFloat32(samples []float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

func engineLogger(opts Options, engine string) *slog.Logger {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return log.With(slog.String("component", "stt"), slog.String("engine", engine))
}
