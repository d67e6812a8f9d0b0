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
	register("vosk", NewVoskRecognizer)
}

type voskConfigMessage struct {
	Config struct {
		SampleRate int `json:"sample_rate"`
	} `json:"config"`
}

type voskResult struct {
	Text    string `json:"text"`
	Partial string `json:"partial"`
}

// voskRecognizer streams 16-bit PCM to a vosk-server websocket endpoint.
type voskRecognizer struct {
	conn    *websocket.Conn
	log     *slog.Logger
	tracker *segmentTracker
	timeout time.Duration

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func NewVoskRecognizer(ctx context.Context, opts Options) (RealtimeRecognizer, error) {
	if opts.Config.VoskURL == "" {
		return nil, fmt.Errorf("vosk url is empty")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.Config.VoskURL, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to vosk server: %w", err)
	}

	var msg voskConfigMessage
	msg.Config.SampleRate = opts.SampleRate
	if err := conn.WriteJSON(msg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send vosk config: %w", err)
	}

	r := &voskRecognizer{
		conn:    conn,
		log:     engineLogger(opts, "vosk"),
		tracker: newSegmentTracker(opts.Emitter),
		timeout: responseTimeout(opts),
		done:    make(chan struct{}),
	}
	go r.readResults()
	return r, nil
}

func (r *voskRecognizer) ProcessAudio(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.conn.WriteMessage(websocket.BinaryMessage, pcm16(samples)); err != nil {
		return fmt.Errorf("send audio to vosk: %w", err)
	}
	return nil
}

// Finalize sends end-of-stream and waits for the server's final result.
func (r *voskRecognizer) Finalize() error {
	r.tracker.beginFinish()
	r.writeMu.Lock()
	err := r.conn.WriteMessage(websocket.TextMessage, []byte(`{"eof" : 1}`))
	r.writeMu.Unlock()
	if err != nil {
		r.tracker.finish()
		return fmt.Errorf("send eof to vosk: %w", err)
	}

	select {
	case <-r.done:
	case <-time.After(r.timeout):
		r.log.Warn("timed out waiting for vosk final result")
	}
	r.tracker.finish()
	return nil
}

func (r *voskRecognizer) Close() error {
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

func (r *voskRecognizer) readResults() {
	defer close(r.done)
	for {
		_, message, err := r.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.log.Debug("vosk connection closed", slogError(err))
			}
			return
		}

		var result voskResult
		if err := json.Unmarshal(message, &result); err != nil {
			r.log.Warn("failed to parse vosk result", slogError(err))
			continue
		}
		if result.Text != "" {
			r.tracker.segment(result.Text)
			continue
		}
		r.tracker.partial(result.Partial)
	}
}

func responseTimeout(opts Options) time.Duration {
	if opts.Config.ResponseTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(opts.Config.ResponseTimeout) * time.Millisecond
}
