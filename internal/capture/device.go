// Package capture defines audio input devices for the recording pipeline.
package capture

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrUnsupported is returned when a device cannot deliver the requested stream.
var ErrUnsupported = errors.New("capture: unsupported device configuration")

// Callback receives interleaved float32 samples. It runs on the device's
// capture thread and must not block.
type Callback func(samples []float32)

// Device is an audio input source.
type Device interface {
	Name() string
	SampleRate() int
	Channels() int
	Start(cb Callback) error
	Stop() error
}

// Manual is a device driven by the caller through Push. It is used by tests
// and for feeding pre-recorded audio through a session.
type Manual struct {
	name     string
	rate     int
	channels int

	mu sync.Mutex
	cb Callback
}

func NewManual(name string, rate, channels int) *Manual {
	return &Manual{name: name, rate: rate, channels: channels}
}

func (m *Manual) Name() string    { return m.name }
func (m *Manual) SampleRate() int { return m.rate }
func (m *Manual) Channels() int   { return m.channels }

func (m *Manual) Start(cb Callback) error {
	if m.rate <= 0 || m.channels <= 0 {
		return ErrUnsupported
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cb = cb
	return nil
}

func (m *Manual) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cb = nil
	return nil
}

// Push delivers samples synchronously. It reports false when the device is not running.
func (m *Manual) Push(samples []float32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cb == nil {
		return false
	}
	m.cb(samples)
	return true
}

// Tone generates a sine wave in real time.
type Tone struct {
	rate      int
	channels  int
	frequency float64
	amplitude float64
	period    time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewTone(rate, channels int, frequency, amplitude float64) *Tone {
	return &Tone{rate: rate, channels: channels, frequency: frequency, amplitude: amplitude, period: 20 * time.Millisecond}
}

func (t *Tone) Name() string    { return "tone" }
func (t *Tone) SampleRate() int { return t.rate }
func (t *Tone) Channels() int   { return t.channels }

func (t *Tone) Start(cb Callback) error {
	if t.rate <= 0 || t.channels <= 0 {
		return ErrUnsupported
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return errors.New("capture: tone already started")
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.run(cb, t.stop, t.done)
	return nil
}

func (t *Tone) Stop() error {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (t *Tone) run(cb Callback, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()

	frames := int(float64(t.rate) * t.period.Seconds())
	step := 2 * math.Pi * t.frequency / float64(t.rate)
	phase := 0.0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			buf := make([]float32, frames*t.channels)
			for i := 0; i < frames; i++ {
				v := float32(t.amplitude * math.Sin(phase))
				phase += step
				for c := 0; c < t.channels; c++ {
					buf[i*t.channels+c] = v
				}
			}
			phase = math.Mod(phase, 2*math.Pi)
			cb(buf)
		}
	}
}
