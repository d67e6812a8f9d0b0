package resample

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/loqalabs/loqa-scribe/internal/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const rawBatchSize = 4096

// Stage pulls raw capture samples, conditions them and fans resampled frames
// out to every output queue.
type Stage struct {
	Raw       *queue.Queue[float32]
	Outputs   []*queue.Queue[float32]
	Resampler Resampler
	Channels  int
	Gain      float64
	Logger    *slog.Logger

	pending    []float32 // interleaved samples of an incomplete multi-channel frame
	carry      []float32 // mono, conditioned samples awaiting a full frame
	frames     metric.Int64Counter
	frameCount int64
}

// Run processes audio until the raw queue is closed and drained; the caller
// closes it after raising stop and stopping capture. The output queues are
// closed on return, after the final partial frame.
func (s *Stage) Run(stop *atomic.Bool) {
	log := s.logger()
	defer s.closeOutputs()

	if s.Resampler == nil || s.Resampler.FrameSize() <= 0 || s.Raw == nil {
		log.Error("resampler stage has no usable resampler, stopping")
		return
	}
	if s.Channels < 1 {
		s.Channels = 1
	}
	if counter, err := otel.Meter("github.com/loqalabs/loqa-scribe/resample").Int64Counter("scribe.resample.frames",
		metric.WithDescription("Frames passed through the resampler")); err == nil {
		s.frames = counter
	}

	// The raw queue closes once capture has stopped, so samples pushed by a
	// callback in flight when stop was raised are still consumed.
	for {
		batch, ok := s.Raw.PopBatch(rawBatchSize)
		if !ok {
			break
		}
		s.ingest(batch)
		s.processFrames(log)
	}

	s.flush(log)
	log.Debug("resampler stage finished",
		slog.Int64("frames", s.frameCount),
		slog.Bool("stop_requested", stop.Load()),
	)
}

// ingest downmixes interleaved input to mono and applies gain with clamping.
func (s *Stage) ingest(batch []float32) {
	gain := float32(s.Gain)
	if s.Gain <= 0 {
		gain = 1
	}
	if s.Channels == 1 {
		for _, v := range batch {
			s.carry = append(s.carry, condition(v, gain))
		}
		return
	}

	samples := batch
	if len(s.pending) > 0 {
		samples = append(s.pending, batch...)
		s.pending = nil
	}
	whole := len(samples) - len(samples)%s.Channels
	for i := 0; i < whole; i += s.Channels {
		var sum float32
		for c := 0; c < s.Channels; c++ {
			sum += samples[i+c]
		}
		s.carry = append(s.carry, condition(sum/float32(s.Channels), gain))
	}
	if whole < len(samples) {
		s.pending = append([]float32(nil), samples[whole:]...)
	}
}

func (s *Stage) processFrames(log *slog.Logger) {
	size := s.Resampler.FrameSize()
	consumed := 0
	for len(s.carry)-consumed >= size {
		frame := s.carry[consumed : consumed+size]
		consumed += size
		out, err := s.Resampler.Process(frame)
		if err != nil {
			log.Warn("resample frame failed", slogError(err))
			continue
		}
		s.fanOut(out)
	}
	if consumed > 0 {
		s.carry = append(s.carry[:0], s.carry[consumed:]...)
	}
}

// flush zero-pads the remaining partial frame and keeps only the share of the
// output that corresponds to real input.
func (s *Stage) flush(log *slog.Logger) {
	filled := len(s.carry)
	if filled == 0 {
		return
	}
	size := s.Resampler.FrameSize()
	frame := make([]float32, size)
	copy(frame, s.carry)
	s.carry = s.carry[:0]

	out, err := s.Resampler.Process(frame)
	if err != nil {
		log.Warn("resample final frame failed", slogError(err))
		return
	}
	keep := int(math.Round(float64(len(out)) * float64(filled) / float64(size)))
	if keep > len(out) {
		keep = len(out)
	}
	s.fanOut(out[:keep])
}

func (s *Stage) fanOut(out []float32) {
	if len(out) == 0 {
		return
	}
	s.frameCount++
	if s.frames != nil {
		s.frames.Add(context.Background(), 1)
	}
	for _, q := range s.Outputs {
		clone := make([]float32, len(out))
		copy(clone, out)
		q.Push(clone)
	}
}

func (s *Stage) closeOutputs() {
	for _, q := range s.Outputs {
		q.Close()
	}
}

func (s *Stage) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default().With(slog.String("component", "resampler"))
	}
	return s.Logger.With(slog.String("component", "resampler"))
}

func condition(v, gain float32) float32 {
	v *= gain
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
