// Package session wires capture, resampling, persistence and recognition into
// one recording with a deterministic shutdown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/queue"
	"github.com/loqalabs/loqa-scribe/internal/resample"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/loqalabs/loqa-scribe/internal/wavout"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// BaseNameLayout names every artifact of a session after its start time.
const BaseNameLayout = "2006-01-02_15-04-05"

const eventBuffer = 256

var ErrNotActive = errors.New("session is not active")

type State int32

const (
	Starting State = iota
	Active
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Params struct {
	Device     capture.Device
	Config     config.Config
	Logger     *slog.Logger
	Publishers []transcript.Publisher
	// Clock defaults to time.Now.
	Clock func() time.Time
	// Construct overrides the engine named in Config.Realtime.
	Construct stt.Constructor
}

type Result struct {
	SessionID      string        `json:"session_id"`
	BaseName       string        `json:"base_name"`
	AudioPath      string        `json:"audio_path"`
	TranscriptPath string        `json:"transcript_path"`
	Duration       time.Duration `json:"duration"`
	Started        time.Time     `json:"started"`
	Stopped        time.Time     `json:"stopped"`
	DroppedSamples uint64        `json:"dropped_samples"`

	// AudioErr and TranscriptErr report each persistence branch separately;
	// the error returned by Stop joins them.
	AudioErr      error `json:"-"`
	TranscriptErr error `json:"-"`
}

type Session struct {
	id             string
	baseName       string
	audioPath      string
	transcriptPath string
	started        time.Time

	log    *slog.Logger
	clock  func() time.Time
	device capture.Device
	state  atomic.Int32
	stop   atomic.Bool

	raw  *queue.Queue[float32]
	wavQ *queue.Queue[float32]
	sttQ *queue.Queue[float32]

	stageDone chan struct{}
	wavDone   chan struct{}
	sttDone   chan struct{}
	textDone  chan struct{}

	wavPath  string
	wavErr   error
	textPath string
	textErr  error

	span     trace.Span
	depthReg metric.Registration
}

// Start launches a recording. Configuration errors are reported before any
// worker or device is started.
func Start(ctx context.Context, p Params) (*Session, error) {
	if p.Device == nil {
		return nil, errors.New("session: capture device is required")
	}
	construct := p.Construct
	if construct == nil {
		resolved, err := stt.Resolve(p.Config.Realtime)
		if err != nil {
			return nil, err
		}
		construct = resolved
	}
	audio := p.Config.Audio
	quality, err := resample.ParseQuality(audio.ResamplerQuality)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	resampler, err := resample.New(p.Device.SampleRate(), audio.SampleRate, audio.ResamplerFrame, quality)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if err := p.Config.EnsureOutputDir(); err != nil {
		return nil, err
	}

	clock := p.Clock
	if clock == nil {
		clock = time.Now
	}
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}

	now := clock()
	base := now.Format(BaseNameLayout)
	s := &Session{
		id:             uuid.NewString(),
		baseName:       base,
		audioPath:      filepath.Join(audio.OutputDirectory, base+".wav"),
		transcriptPath: filepath.Join(audio.OutputDirectory, base+"_real-time.txt"),
		started:        now,
		clock:          clock,
		device:         p.Device,
		stageDone:      make(chan struct{}),
		wavDone:        make(chan struct{}),
		sttDone:        make(chan struct{}),
		textDone:       make(chan struct{}),
	}
	s.log = log.With(slog.String("component", "session"), slog.String("session_id", s.id))
	s.state.Store(int32(Starting))

	queueOpts := []queue.Option{
		queue.WithLogger(log),
		queue.WithPolicy(queue.ParsePolicy(audio.OverflowPolicy)),
		queue.WithBlockTimeout(time.Duration(audio.BlockTimeoutMS) * time.Millisecond),
	}
	rawCap := p.Device.SampleRate() * max(p.Device.Channels(), 1) * audio.RawQueueSeconds
	outCap := audio.SampleRate * audio.RawQueueSeconds
	s.raw = queue.New[float32]("raw", rawCap, queueOpts...)
	s.wavQ = queue.New[float32]("wav", outCap, queueOpts...)
	s.sttQ = queue.New[float32]("recognizer", outCap, queueOpts...)
	if reg, err := queue.ObserveDepth(s.raw, s.wavQ, s.sttQ); err == nil {
		s.depthReg = reg
	} else {
		s.log.Warn("failed to register queue depth gauge", slogError(err))
	}

	_, s.span = otel.Tracer("github.com/loqalabs/loqa-scribe/session").Start(ctx, "recording.session",
		trace.WithAttributes(
			attribute.String("session.id", s.id),
			attribute.String("device", p.Device.Name()),
			attribute.String("engine", p.Config.Realtime.Engine),
		))

	events := make(chan stt.RecognizedText, eventBuffer)
	workerCtx := context.WithoutCancel(ctx)

	stage := &resample.Stage{
		Raw:       s.raw,
		Outputs:   []*queue.Queue[float32]{s.wavQ, s.sttQ},
		Resampler: resampler,
		Channels:  p.Device.Channels(),
		Gain:      audio.Gain,
		Logger:    s.log,
	}
	wavWriter := &wavout.Writer{
		Queue:        s.wavQ,
		Path:         s.audioPath,
		SampleRate:   audio.SampleRate,
		Logger:       s.log,
		PollInterval: time.Duration(audio.WriterPollMS) * time.Millisecond,
	}
	consumer := &stt.Consumer{
		Queue:     s.sttQ,
		Construct: construct,
		Options: stt.Options{
			SampleRate: audio.SampleRate,
			SessionID:  s.id,
			Config:     p.Config.Realtime,
			Emitter:    stt.NewEmitter(events, s.id),
			Logger:     s.log,
		},
		Logger:       s.log,
		PollInterval: time.Duration(audio.RecognizerPollMS) * time.Millisecond,
	}
	textWriter := &transcript.Writer{
		Events:     events,
		Path:       s.transcriptPath,
		FlushEvery: audio.TranscriptFlush,
		Publishers: p.Publishers,
		Logger:     s.log,
	}

	go func() {
		defer close(s.stageDone)
		stage.Run(&s.stop)
	}()
	go func() {
		defer close(s.wavDone)
		s.wavPath, s.wavErr = wavWriter.Run(&s.stop)
	}()
	go func() {
		defer close(s.sttDone)
		consumer.Run(workerCtx, &s.stop)
	}()
	go func() {
		defer close(s.textDone)
		s.textPath, s.textErr = textWriter.Run()
	}()

	if err := p.Device.Start(s.onSamples); err != nil {
		s.log.Error("failed to start capture device", slogError(err))
		s.shutdown()
		s.state.Store(int32(Stopped))
		s.span.RecordError(err)
		s.span.End()
		return nil, fmt.Errorf("start capture device: %w", err)
	}

	s.state.Store(int32(Active))
	s.log.Info("recording started",
		slog.String("device", p.Device.Name()),
		slog.Int("device_rate", p.Device.SampleRate()),
		slog.Int("channels", p.Device.Channels()),
		slog.Int("output_rate", audio.SampleRate),
		slog.String("audio_path", s.audioPath),
	)
	return s, nil
}

// Stop ends the recording, flushes every stage and joins all workers.
func (s *Session) Stop() (Result, error) {
	if !s.state.CompareAndSwap(int32(Active), int32(Stopping)) {
		return Result{}, ErrNotActive
	}
	s.stop.Store(true)
	if err := s.device.Stop(); err != nil {
		s.log.Warn("capture device stop failed", slogError(err))
	}
	s.shutdown()

	stopped := s.clock()
	s.state.Store(int32(Stopped))

	audioPath := s.wavPath
	if audioPath == "" {
		audioPath = s.audioPath
	}
	transcriptPath := s.textPath
	if transcriptPath == "" && regularFile(s.transcriptPath) {
		transcriptPath = s.transcriptPath
	}
	res := Result{
		SessionID:      s.id,
		BaseName:       s.baseName,
		AudioPath:      audioPath,
		TranscriptPath: transcriptPath,
		Duration:       stopped.Sub(s.started),
		Started:        s.started,
		Stopped:        stopped,
		DroppedSamples: s.raw.Dropped() + s.wavQ.Dropped() + s.sttQ.Dropped(),
		AudioErr:       s.wavErr,
		TranscriptErr:  s.textErr,
	}

	s.span.SetAttributes(attribute.Int64("dropped_samples", int64(res.DroppedSamples)))
	var err error
	if s.wavErr != nil {
		err = fmt.Errorf("audio persistence: %w", s.wavErr)
		s.span.RecordError(err)
	}
	if s.textErr != nil {
		err = errors.Join(err, fmt.Errorf("transcript persistence: %w", s.textErr))
	}
	s.span.End()

	s.log.Info("recording stopped",
		slog.Duration("duration", res.Duration),
		slog.String("audio_path", res.AudioPath),
		slog.String("transcript_path", res.TranscriptPath),
		slog.Uint64("dropped_samples", res.DroppedSamples),
	)
	return res, err
}

// shutdown raises the stop flag, closes the raw queue and joins the workers
// in pipeline order.
func (s *Session) shutdown() {
	s.stop.Store(true)
	s.raw.Close()
	<-s.stageDone
	<-s.wavDone
	<-s.sttDone
	<-s.textDone
	if s.depthReg != nil {
		if err := s.depthReg.Unregister(); err != nil {
			s.log.Debug("failed to unregister queue depth gauge", slogError(err))
		}
	}
}

// regularFile reports whether path names an existing file. A failed writer
// may leave a partial file behind, or nothing at all.
func regularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (s *Session) onSamples(samples []float32) {
	if s.stop.Load() {
		return
	}
	s.raw.Push(samples)
}

func (s *Session) ID() string             { return s.id }
func (s *Session) BaseName() string       { return s.baseName }
func (s *Session) AudioPath() string      { return s.audioPath }
func (s *Session) TranscriptPath() string { return s.transcriptPath }
func (s *Session) Started() time.Time     { return s.started }
func (s *Session) State() State           { return State(s.state.Load()) }

// Elapsed reports the recording time so far.
func (s *Session) Elapsed() time.Duration {
	return s.clock().Sub(s.started)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
