package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/offline"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/summary"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

var (
	ErrRecording    = errors.New("a recording is already in progress")
	ErrNotRecording = errors.New("no recording in progress")
)

// DeviceOpener returns a fresh capture device for each recording.
type DeviceOpener func(cfg config.AudioConfig) (capture.Device, error)

// StatusPublisher receives recording lifecycle announcements.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, status protocol.SessionStatus) error
}

// Catalog persists session metadata.
type Catalog interface {
	AppendSession(ctx context.Context, rec eventstore.SessionRecord) error
	CompleteSession(ctx context.Context, rec eventstore.SessionRecord) error
}

type RecorderOptions struct {
	Open       DeviceOpener
	Publishers []transcript.Publisher
	Status     []StatusPublisher
	Catalog    Catalog
	Accurate   *offline.Transcriber
	Summarizer *summary.Summarizer
	Construct  stt.Constructor
	Clock      func() time.Time
}

// Recorder owns at most one active session and the follow-up processing of
// finished recordings.
type Recorder struct {
	cfg  config.Config
	log  *slog.Logger
	opts RecorderOptions

	mu      sync.Mutex
	current *session.Session
	device  string
	last    protocol.SessionStatus

	post sync.WaitGroup
}

func NewRecorder(cfg config.Config, logger *slog.Logger, opts RecorderOptions) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		cfg:  cfg,
		log:  logger.With(slog.String("component", "recorder")),
		opts: opts,
	}
}

// Start opens the capture device and begins a new session.
func (r *Recorder) Start(ctx context.Context) (protocol.SessionStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return r.statusLocked(), ErrRecording
	}
	if r.opts.Open == nil {
		return protocol.SessionStatus{}, errors.New("no capture device configured")
	}

	device, err := r.opts.Open(r.cfg.Audio)
	if err != nil {
		return protocol.SessionStatus{}, fmt.Errorf("open capture device: %w", err)
	}
	sess, err := session.Start(ctx, session.Params{
		Device:     device,
		Config:     r.cfg,
		Logger:     r.log,
		Publishers: r.opts.Publishers,
		Clock:      r.opts.Clock,
		Construct:  r.opts.Construct,
	})
	if err != nil {
		if stopErr := device.Stop(); stopErr != nil {
			r.log.Warn("failed to release capture device", slog.String("error", stopErr.Error()))
		}
		return protocol.SessionStatus{}, err
	}
	r.current = sess
	r.device = device.Name()

	if r.opts.Catalog != nil {
		err := r.opts.Catalog.AppendSession(ctx, eventstore.SessionRecord{
			SessionID:      sess.ID(),
			BaseName:       sess.BaseName(),
			Device:         r.device,
			Engine:         r.cfg.Realtime.Engine,
			AudioPath:      sess.AudioPath(),
			TranscriptPath: sess.TranscriptPath(),
			StartedAt:      sess.Started(),
		})
		if err != nil {
			r.log.Warn("failed to record session", slog.String("error", err.Error()))
		}
	}

	status := r.statusLocked()
	r.last = status
	r.publishStatus(ctx, status)
	return status, nil
}

// Stop ends the active session. Accurate transcription and summarization run
// in the background afterwards; Wait blocks until they finish.
func (r *Recorder) Stop(ctx context.Context) (protocol.SessionStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return r.last, ErrNotRecording
	}
	sess := r.current
	r.current = nil

	res, stopErr := sess.Stop()
	status := protocol.SessionStatus{
		SessionID:      res.SessionID,
		State:          protocol.StateStopped,
		BaseName:       res.BaseName,
		Device:         r.device,
		Engine:         r.cfg.Realtime.Engine,
		AudioPath:      res.AudioPath,
		TranscriptPath: res.TranscriptPath,
		DurationMS:     res.Duration.Milliseconds(),
		DroppedSamples: res.DroppedSamples,
		Timestamp:      res.Stopped.UTC(),
	}
	if stopErr != nil {
		status.State = protocol.StateFailed
		status.Error = stopErr.Error()
	}

	if r.opts.Catalog != nil {
		err := r.opts.Catalog.CompleteSession(ctx, eventstore.SessionRecord{
			SessionID:      res.SessionID,
			AudioPath:      res.AudioPath,
			TranscriptPath: res.TranscriptPath,
			StoppedAt:      res.Stopped,
			Duration:       res.Duration,
			DroppedSamples: res.DroppedSamples,
		})
		if err != nil {
			r.log.Warn("failed to complete session record", slog.String("error", err.Error()))
		}
	}

	r.last = status
	r.publishStatus(ctx, status)

	// A failed branch only disables the step that reads its output.
	job := postJob{
		accurate: r.opts.Accurate != nil && res.SessionID != "" && res.AudioErr == nil,
		summary:  r.opts.Summarizer != nil && res.SessionID != "" && res.TranscriptErr == nil && res.TranscriptPath != "",
	}
	if job.accurate || job.summary {
		r.post.Add(1)
		go func() {
			defer r.post.Done()
			r.postProcess(context.WithoutCancel(ctx), status, job)
		}()
	}
	return status, stopErr
}

// Status reports the active session, or the last finished one.
func (r *Recorder) Status() protocol.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

// Recording reports whether a session is active.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// Wait blocks until background processing of stopped sessions completes.
func (r *Recorder) Wait() {
	r.post.Wait()
}

// Close stops an active session and waits for post-processing.
func (r *Recorder) Close(ctx context.Context) {
	if _, err := r.Stop(ctx); err != nil && !errors.Is(err, ErrNotRecording) {
		r.log.Error("failed to stop recording on close", slog.String("error", err.Error()))
	}
	r.Wait()
}

func (r *Recorder) statusLocked() protocol.SessionStatus {
	if r.current == nil {
		return r.last
	}
	s := r.current
	return protocol.SessionStatus{
		SessionID:      s.ID(),
		State:          protocol.StateStarted,
		BaseName:       s.BaseName(),
		Device:         r.device,
		Engine:         r.cfg.Realtime.Engine,
		AudioPath:      s.AudioPath(),
		TranscriptPath: s.TranscriptPath(),
		DurationMS:     s.Elapsed().Milliseconds(),
		Timestamp:      s.Started().UTC(),
	}
}

type postJob struct {
	accurate bool
	summary  bool
}

func (r *Recorder) postProcess(ctx context.Context, status protocol.SessionStatus, job postJob) {
	log := r.log.With(slog.String("session_id", status.SessionID))
	dir := r.cfg.Audio.OutputDirectory

	if job.accurate {
		path, err := r.opts.Accurate.Transcribe(ctx, status.AudioPath, dir)
		if err != nil {
			log.Error("accurate transcription failed", slog.String("error", err.Error()))
		} else {
			status.AccuratePath = path
		}
	}

	if job.summary {
		out := summary.BuildPath(dir, status.BaseName, r.cfg.Summary.Suffix)
		err := r.opts.Summarizer.SummarizeFile(ctx, status.SessionID, status.TranscriptPath, out)
		switch {
		case errors.Is(err, summary.ErrEmptyTranscript):
		case err != nil:
			log.Error("summary failed", slog.String("error", err.Error()))
		default:
			status.SummaryPath = out
		}
	}

	status.State = protocol.StateProcessed
	status.Timestamp = time.Now().UTC()
	r.mu.Lock()
	if r.last.SessionID == status.SessionID {
		r.last = status
	}
	r.mu.Unlock()
	r.publishStatus(ctx, status)
	log.Info("post-processing complete",
		slog.String("accurate_path", status.AccuratePath),
		slog.String("summary_path", status.SummaryPath),
	)
}

func (r *Recorder) publishStatus(ctx context.Context, status protocol.SessionStatus) {
	for _, p := range r.opts.Status {
		if err := p.PublishStatus(ctx, status); err != nil {
			r.log.Warn("failed to publish session status",
				slog.String("state", status.State),
				slog.String("error", err.Error()),
			)
		}
	}
}
