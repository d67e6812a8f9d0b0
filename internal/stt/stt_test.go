package stt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func collect(events <-chan RecognizedText) []RecognizedText {
	var out []RecognizedText
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestEmitterFinalAtMostOnce(t *testing.T) {
	events := make(chan RecognizedText, 10)
	e := NewEmitter(events, "session-1")

	if e.Utterance("") {
		t.Fatal("empty text must not be emitted")
	}
	e.Utterance("hello")
	if !e.Final("done") {
		t.Fatal("expected first final to be emitted")
	}
	if e.Final("again") || e.Utterance("late") {
		t.Fatal("nothing may be emitted after the final event")
	}
	e.Close()
	e.Close()

	got := collect(events)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].IsFinal || !got[1].IsFinal {
		t.Fatalf("expected final last, got %+v", got)
	}
	if got[1].SessionID != "session-1" || got[1].Timestamp.IsZero() {
		t.Fatalf("expected session id and timestamp, got %+v", got[1])
	}
}

func TestEmitterAfterClose(t *testing.T) {
	events := make(chan RecognizedText, 1)
	e := NewEmitter(events, "")
	e.Close()
	if e.Utterance("x") {
		t.Fatal("emit after close must be ignored")
	}
}

func TestResolve(t *testing.T) {
	for _, name := range []string{"vosk", "exec", "mock"} {
		if _, err := Resolve(config.RealtimeConfig{Engine: name}); err != nil {
			t.Fatalf("resolve %s: %v", name, err)
		}
	}
	if _, err := Resolve(config.RealtimeConfig{Engine: "whisper"}); !errors.Is(err, ErrUnknownEngine) {
		t.Fatalf("expected ErrUnknownEngine, got %v", err)
	}
	if len(Available()) < 3 {
		t.Fatalf("expected registered engines, got %v", Available())
	}
}

func TestMockRecognizer(t *testing.T) {
	events := make(chan RecognizedText, 10)
	e := NewEmitter(events, "")
	r, err := NewMockRecognizer(context.Background(), Options{
		SampleRate: 16000,
		Config:     config.RealtimeConfig{MockUtteranceMS: 1000},
		Emitter:    e,
	})
	if err != nil {
		t.Fatalf("new mock: %v", err)
	}
	r.ProcessAudio(make([]float32, 16000*2+100))
	r.Finalize()
	e.Close()

	got := collect(events)
	if len(got) != 3 {
		t.Fatalf("expected 2 utterances and a final, got %d", len(got))
	}
	if !got[2].IsFinal || got[0].IsFinal || got[1].IsFinal {
		t.Fatalf("unexpected finality %+v", got)
	}
}

type scriptedRecognizer struct {
	mu        sync.Mutex
	emitter   *Emitter
	samples   int
	finalized int
	closed    bool
}

func (s *scriptedRecognizer) ProcessAudio(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples += len(samples)
	s.emitter.Utterance("chunk")
	return nil
}

func (s *scriptedRecognizer) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized++
	s.emitter.Final("the end")
	return nil
}

func (s *scriptedRecognizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestConsumerDrainsAndFinalizesOnce(t *testing.T) {
	q := queue.New[float32]("stt", 1<<16)
	events := make(chan RecognizedText, 64)
	emitter := NewEmitter(events, "s")
	rec := &scriptedRecognizer{emitter: emitter}

	c := &Consumer{
		Queue: q,
		Construct: func(context.Context, Options) (RealtimeRecognizer, error) {
			return rec, nil
		},
		Options:      Options{SampleRate: 16000, Emitter: emitter},
		Logger:       testLogger(),
		PollInterval: time.Millisecond,
		BatchSize:    1000,
	}

	var stop atomic.Bool
	done := make(chan struct{})
	go func() {
		c.Run(context.Background(), &stop)
		close(done)
	}()

	q.Push(make([]float32, 2500))
	time.Sleep(20 * time.Millisecond)
	stop.Store(true)
	q.Push(make([]float32, 1500))
	q.Close()

	got := collect(events)
	<-done

	if rec.samples != 4000 {
		t.Fatalf("expected all 4000 samples processed, got %d", rec.samples)
	}
	if rec.finalized != 1 || !rec.closed {
		t.Fatalf("expected one finalize and a close, got finalize=%d closed=%v", rec.finalized, rec.closed)
	}
	last := got[len(got)-1]
	if !last.IsFinal || last.Text != "the end" {
		t.Fatalf("expected final event last, got %+v", last)
	}
	for _, ev := range got[:len(got)-1] {
		if ev.IsFinal {
			t.Fatal("final event emitted before the end")
		}
	}
}

func TestConsumerConstructFailureClosesEvents(t *testing.T) {
	q := queue.New[float32]("stt", 16)
	events := make(chan RecognizedText, 1)
	c := &Consumer{
		Queue: q,
		Construct: func(context.Context, Options) (RealtimeRecognizer, error) {
			return nil, errors.New("model missing")
		},
		Options: Options{Emitter: NewEmitter(events, "")},
		Logger:  testLogger(),
	}
	var stop atomic.Bool
	c.Run(context.Background(), &stop)
	if _, ok := <-events; ok {
		t.Fatal("expected closed events channel")
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// fakeVosk answers every audio chunk with a result and the eof with a final text.
func fakeVosk(t *testing.T, gotRate *int64, gotSamples *int64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		chunks := 0
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				atomic.AddInt64(gotSamples, int64(len(data)/2))
				chunks++
				reply := map[string]string{"partial": "hel"}
				if chunks%2 == 0 {
					reply = map[string]string{"text": "hello world"}
				}
				conn.WriteJSON(reply)
				continue
			}
			var cfg voskConfigMessage
			if json.Unmarshal(data, &cfg) == nil && cfg.Config.SampleRate > 0 {
				atomic.StoreInt64(gotRate, int64(cfg.Config.SampleRate))
				continue
			}
			if strings.Contains(string(data), "eof") {
				conn.WriteJSON(map[string]string{"text": "goodbye"})
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}))
}

func TestVoskRecognizer(t *testing.T) {
	var rate, samples int64
	server := fakeVosk(t, &rate, &samples)
	defer server.Close()

	events := make(chan RecognizedText, 16)
	emitter := NewEmitter(events, "")
	r, err := NewVoskRecognizer(context.Background(), Options{
		SampleRate: 16000,
		Config:     config.RealtimeConfig{VoskURL: wsURL(server), ResponseTimeout: 2000},
		Emitter:    emitter,
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := r.ProcessAudio(make([]float32, 4096)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	// Let the reply for the second chunk arrive before end of stream.
	deadline := time.Now().Add(2 * time.Second)
	for len(events) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := r.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	r.Close()
	emitter.Close()

	got := collect(events)
	if len(got) != 2 {
		t.Fatalf("expected utterance and final, got %+v", got)
	}
	if got[0].Text != "hello world" || got[0].IsFinal {
		t.Fatalf("unexpected utterance %+v", got[0])
	}
	if got[1].Text != "goodbye" || !got[1].IsFinal {
		t.Fatalf("unexpected final %+v", got[1])
	}
	if atomic.LoadInt64(&rate) != 16000 {
		t.Fatalf("expected config sample rate 16000, got %d", rate)
	}
	if atomic.LoadInt64(&samples) != 8192 {
		t.Fatalf("expected 8192 samples on the wire, got %d", samples)
	}
}

func TestSherpaRecognizer(t *testing.T) {
	var firstSample atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		sent := false
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				if firstSample.Load() == nil && len(data) >= 4 {
					firstSample.Store(math.Float32frombits(binary.LittleEndian.Uint32(data)))
				}
				if !sent {
					sent = true
					conn.WriteJSON(sherpaResult{Text: "first segment", Segment: 0, IsFinal: true})
					conn.WriteJSON(sherpaResult{Text: "second", Segment: 1})
				}
				continue
			}
			if string(data) == "Done" {
				conn.WriteJSON(sherpaResult{Text: "second segment", Segment: 1})
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}))
	defer server.Close()

	events := make(chan RecognizedText, 16)
	emitter := NewEmitter(events, "")
	r, err := NewSherpaRecognizer(context.Background(), Options{
		SampleRate: 16000,
		Config:     config.RealtimeConfig{SherpaURL: wsURL(server), ResponseTimeout: 2000},
		Emitter:    emitter,
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	samples := make([]float32, 1600)
	samples[0] = 0.5
	if err := r.ProcessAudio(samples); err != nil {
		t.Fatalf("process: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(events) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := r.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	r.Close()
	emitter.Close()

	got := collect(events)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %+v", got)
	}
	if got[0].Text != "first segment" || got[0].IsFinal {
		t.Fatalf("unexpected utterance %+v", got[0])
	}
	if got[1].Text != "second segment" || !got[1].IsFinal {
		t.Fatalf("unexpected final %+v", got[1])
	}
	if v, _ := firstSample.Load().(float32); v != 0.5 {
		t.Fatalf("expected float32 samples on the wire, got %v", v)
	}
}

func TestExecRecognizer(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "recognizer.sh")
	body := "#!/bin/sh\ncat > /dev/null\necho '{\"text\":\"spoken words\",\"is_final\":true}'\necho '{\"text\":\"tail\"}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	events := make(chan RecognizedText, 16)
	emitter := NewEmitter(events, "")
	r, err := NewExecRecognizer(context.Background(), Options{
		SampleRate: 16000,
		Config:     config.RealtimeConfig{Command: "sh " + script, ResponseTimeout: 5000},
		Emitter:    emitter,
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.ProcessAudio(make([]float32, 4096)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := r.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	emitter.Close()

	got := collect(events)
	if len(got) != 1 {
		t.Fatalf("expected a single final event, got %+v", got)
	}
	if !got[0].IsFinal || got[0].Text != "spoken words" {
		t.Fatalf("unexpected final %+v", got[0])
	}
}
