// Package portaudio opens microphones through PortAudio.
package portaudio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-scribe/internal/capture"
)

// Info describes an input-capable device.
type Info struct {
	Index      int
	Name       string
	Channels   int
	SampleRate int
	Default    bool
}

// Config overrides the device defaults. Zero values keep the device default.
type Config struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
}

// List returns every device that can capture audio.
func List() ([]Info, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	def, _ := portaudio.DefaultInputDevice()

	var out []Info
	for _, d := range devices {
		if d.MaxInputChannels <= 0 {
			continue
		}
		out = append(out, Info{
			Index:      d.Index,
			Name:       d.Name,
			Channels:   d.MaxInputChannels,
			SampleRate: int(d.DefaultSampleRate),
			Default:    def != nil && def.Index == d.Index,
		})
	}
	return out, nil
}

// Device is a PortAudio input stream. Samples reach the callback interleaved.
type Device struct {
	info   *portaudio.DeviceInfo
	params portaudio.StreamParameters

	mu       sync.Mutex
	stream   *portaudio.Stream
	released bool
}

// Open selects the device at index, or the default input when index < 0.
// PortAudio stays initialized until Stop; a device is single-use.
func Open(index int, cfg Config) (*Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	info, err := selectDevice(index)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	params := portaudio.LowLatencyParameters(info, nil)
	if cfg.Channels > 0 {
		if cfg.Channels > info.MaxInputChannels {
			portaudio.Terminate()
			return nil, fmt.Errorf("%w: %s supports %d channels", capture.ErrUnsupported, info.Name, info.MaxInputChannels)
		}
		params.Input.Channels = cfg.Channels
	}
	if cfg.SampleRate > 0 {
		params.SampleRate = float64(cfg.SampleRate)
	}
	if cfg.FramesPerBuffer > 0 {
		params.FramesPerBuffer = cfg.FramesPerBuffer
	}
	if params.Input.Channels <= 0 || params.SampleRate <= 0 {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: %s", capture.ErrUnsupported, info.Name)
	}
	return &Device{info: info, params: params}, nil
}

func selectDevice(index int) (*portaudio.DeviceInfo, error) {
	if index < 0 {
		info, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("default input device: %w", err)
		}
		return info, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for _, d := range devices {
		if d.Index == index {
			if d.MaxInputChannels <= 0 {
				return nil, fmt.Errorf("%w: device %d has no inputs", capture.ErrUnsupported, index)
			}
			return d, nil
		}
	}
	return nil, fmt.Errorf("input device %d not found", index)
}

func (d *Device) Name() string    { return d.info.Name }
func (d *Device) SampleRate() int { return int(d.params.SampleRate) }
func (d *Device) Channels() int   { return d.params.Input.Channels }

func (d *Device) Start(cb capture.Callback) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil || d.released {
		return errors.New("portaudio: device already started or released")
	}
	stream, err := portaudio.OpenStream(d.params, func(in []float32) {
		// PortAudio reuses the buffer after the callback returns.
		buf := make([]float32, len(in))
		copy(buf, in)
		cb(buf)
	})
	if err != nil {
		return fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("start input stream: %w", err)
	}
	d.stream = stream
	return nil
}

func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil
	}
	var errs []error
	if d.stream != nil {
		if err := d.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop input stream: %w", err))
		}
		if err := d.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close input stream: %w", err))
		}
		d.stream = nil
	}
	d.released = true
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("terminate portaudio: %w", err))
	}
	return errors.Join(errs...)
}

var _ capture.Device = (*Device)(nil)
