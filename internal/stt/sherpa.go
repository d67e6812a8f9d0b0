//go:build !nosherpa

package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

func init() {
	register("sherpa-onnx", NewSherpaRecognizer)
}

type sherpaResult struct {
	Text    string `json:"text"`
	Segment int    `json:"segment"`
	IsFinal bool   `json:"is_final"`
}

// sherpaRecognizer talks to a sherpa-onnx online websocket server, which takes
// float32 samples and answers asynchronously with per-segment results.
type sherpaRecognizer struct {
	conn       *websocket.Conn
	log        *slog.Logger
	tracker    *segmentTracker
	timeout    time.Duration
	sampleRate int

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func NewSherpaRecognizer(ctx context.Context, opts Options) (RealtimeRecognizer, error) {
	if opts.Config.SherpaURL == "" {
		return nil, fmt.Errorf("sherpa-onnx url is empty")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.Config.SherpaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to sherpa-onnx server: %w", err)
	}
	r := &sherpaRecognizer{
		conn:       conn,
		log:        engineLogger(opts, "sherpa-onnx"),
		tracker:    newSegmentTracker(opts.Emitter),
		timeout:    responseTimeout(opts),
		sampleRate: opts.SampleRate,
		done:       make(chan struct{}),
	}
	go r.readResults()
	return r, nil
}

func (r *sherpaRecognizer) ProcessAudio(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	return r.send(websocket.BinaryMessage, pcmFloat32(samples))
}

// Finalize pads the stream with 100ms of silence so the endpoint detector
// closes the last segment, then signals the end of input.
func (r *sherpaRecognizer) Finalize() error {
	if r.sampleRate > 0 {
		if err := r.send(websocket.BinaryMessage, pcmFloat32(make([]float32, r.sampleRate/10))); err != nil {
			r.log.Warn("failed to send tail padding", slogError(err))
		}
	}
	r.tracker.beginFinish()
	if err := r.send(websocket.TextMessage, []byte("Done")); err != nil {
		r.tracker.finish()
		return fmt.Errorf("send done to sherpa-onnx: %w", err)
	}

	select {
	case <-r.done:
	case <-time.After(r.timeout):
		r.log.Warn("timed out waiting for sherpa-onnx to finish")
	}
	r.tracker.finish()
	return nil
}

func (r *sherpaRecognizer) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.writeMu.Lock()
		_ = r.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		r.writeMu.Unlock()
		err = r.conn.Close()
		<-r.done
	})
	return err
}

func (r *sherpaRecognizer) send(messageType int, data []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("send to sherpa-onnx: %w", err)
	}
	return nil
}

func (r *sherpaRecognizer) readResults() {
	defer close(r.done)
	for {
		_, message, err := r.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.log.Debug("sherpa-onnx connection closed", slogError(err))
			}
			return
		}

		var result sherpaResult
		if err := json.Unmarshal(message, &result); err != nil {
			r.log.Warn("failed to parse sherpa-onnx result", slogError(err))
			continue
		}
		if result.IsFinal {
			r.tracker.segment(result.Text)
			continue
		}
		r.tracker.partial(result.Text)
	}
}
