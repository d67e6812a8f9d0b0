// Package resample converts captured audio to the canonical output rate.
package resample

import (
	"errors"
	"fmt"

	resampler "github.com/tphakala/go-audio-resampler"
)

// ErrFrameSize is returned when a frame does not match the resampler's fixed input size.
var ErrFrameSize = errors.New("resample: frame size mismatch")

// maxPrimeFrames bounds the silence fed while waiting for the filter to fill.
const maxPrimeFrames = 64

// Resampler consumes fixed-size frames and returns a variable number of output samples.
type Resampler interface {
	FrameSize() int
	Process(frame []float32) ([]float32, error)
	Ratio() float64
}

// ParseQuality maps a config value to a filter preset. Empty means medium.
func ParseQuality(name string) (resampler.QualityPreset, error) {
	switch name {
	case "low":
		return resampler.QualityLow, nil
	case "", "medium":
		return resampler.QualityMedium, nil
	case "high":
		return resampler.QualityHigh, nil
	default:
		return 0, fmt.Errorf("resample: unknown quality %q", name)
	}
}

// New returns a pass-through when the rates match and a low-pass FIR
// resampler otherwise.
func New(inRate, outRate, frameSize int, quality resampler.QualityPreset) (Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("resample: invalid rates %d -> %d", inRate, outRate)
	}
	if frameSize <= 0 {
		return nil, fmt.Errorf("resample: invalid frame size %d", frameSize)
	}
	if inRate == outRate {
		return &Passthrough{frameSize: frameSize}, nil
	}
	return NewFIR(inRate, outRate, frameSize, quality)
}

// FIR band-limits and resamples through a polyphase filter. Filter state is
// carried across frames. The filter is primed with silence on construction,
// so every frame yields its share of output from the first call, delayed by
// the filter's group delay.
type FIR struct {
	engine    *resampler.SimpleResamplerFloat32
	frameSize int
	ratio     float64
}

func NewFIR(inRate, outRate, frameSize int, quality resampler.QualityPreset) (*FIR, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("resample: invalid rates %d -> %d", inRate, outRate)
	}
	if frameSize <= 0 {
		return nil, fmt.Errorf("resample: invalid frame size %d", frameSize)
	}
	engine, err := resampler.NewEngineFloat32(float64(inRate), float64(outRate), quality)
	if err != nil {
		return nil, fmt.Errorf("resample: build filter %d -> %d: %w", inRate, outRate, err)
	}
	f := &FIR{engine: engine, frameSize: frameSize, ratio: engine.GetRatio()}
	if err := f.prime(); err != nil {
		return nil, err
	}
	return f, nil
}

// prime feeds silent frames until the filter history is full and discards
// what it produced.
func (f *FIR) prime() error {
	silence := make([]float32, f.frameSize)
	for i := 0; i < maxPrimeFrames; i++ {
		out, err := f.engine.Process(silence)
		if err != nil {
			return fmt.Errorf("resample: prime filter: %w", err)
		}
		if len(out) > 0 {
			return nil
		}
	}
	return fmt.Errorf("resample: filter produced no output after %d frames", maxPrimeFrames)
}

func (f *FIR) FrameSize() int { return f.frameSize }

// Ratio is output rate over input rate.
func (f *FIR) Ratio() float64 { return f.ratio }

func (f *FIR) Process(frame []float32) ([]float32, error) {
	if len(frame) != f.frameSize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrFrameSize, len(frame), f.frameSize)
	}
	return f.engine.Process(frame)
}

// Passthrough hands frames on unchanged when capture already runs at the
// output rate.
type Passthrough struct {
	frameSize int
}

func (p *Passthrough) FrameSize() int { return p.frameSize }

func (p *Passthrough) Ratio() float64 { return 1 }

func (p *Passthrough) Process(frame []float32) ([]float32, error) {
	if len(frame) != p.frameSize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrFrameSize, len(frame), p.frameSize)
	}
	out := make([]float32, len(frame))
	copy(out, frame)
	return out, nil
}
