package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/offline"
	"github.com/loqalabs/loqa-scribe/internal/stream"
	"github.com/loqalabs/loqa-scribe/internal/summary"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

type Options struct {
	// Open supplies capture devices; required for recording.
	Open DeviceOpener
	// TraceOut receives spans when no OTLP endpoint is configured.
	TraceOut io.Writer
}

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	opts   Options

	telemetry  *Telemetry
	store      *eventstore.Store
	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	redis      *redis.Client
	controlSub *nats.Subscription
	recorder   *Recorder

	httpServer *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger, opts Options) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		opts:   opts,
	}
}

// Recorder is available after Setup.
func (r *Runtime) Recorder() *Recorder {
	return r.recorder
}

// Setup brings up telemetry, persistence and messaging and builds the
// recorder. Optional backends that fail to connect are logged and skipped.
func (r *Runtime) Setup(ctx context.Context) error {
	telemetry, err := SetupTelemetry(ctx, r.cfg, r.logger, r.opts.TraceOut)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = telemetry

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store
	if err := store.Prune(ctx); err != nil {
		r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
	}

	publishers := []transcript.Publisher{store}
	statuses := []StatusPublisher{}

	if r.cfg.Bus.Enabled {
		if err := r.connectBus(ctx); err != nil {
			r.logger.Warn("bus unavailable", slog.String("error", err.Error()))
		} else {
			publishers = append(publishers, r.bus)
			statuses = append(statuses, r.bus)
		}
	}

	if r.cfg.Redis.Enabled {
		client, err := stream.Dial(ctx, r.cfg.Redis, r.logger)
		if err != nil {
			r.logger.Warn("redis unavailable", slog.String("error", err.Error()))
		} else {
			r.redis = client
			pub := stream.NewPublisher(client, r.cfg.Redis, r.logger)
			publishers = append(publishers, pub)
			statuses = append(statuses, pub)
		}
	}

	recOpts := RecorderOptions{
		Open:       r.opts.Open,
		Publishers: publishers,
		Status:     statuses,
		Catalog:    store,
	}
	if r.cfg.Accurate.Enabled {
		tr, err := offline.New(r.cfg.Accurate, r.logger)
		if err != nil {
			r.logger.Warn("accurate transcription disabled", slog.String("error", err.Error()))
		} else {
			recOpts.Accurate = tr
		}
	}
	if r.cfg.Summary.Enabled {
		gen, err := summary.NewGenerator(r.cfg.Summary)
		if err != nil {
			r.logger.Warn("summary disabled", slog.String("error", err.Error()))
		} else {
			recOpts.Summarizer = summary.NewSummarizer(gen, r.cfg.Summary, r.logger)
		}
	}
	r.recorder = NewRecorder(r.cfg, r.logger, recOpts)

	if r.bus != nil {
		sub, err := subscribeControl(r.bus, r.recorder, r.logger)
		if err != nil {
			r.logger.Warn("recording control unavailable", slog.String("error", err.Error()))
		} else {
			r.controlSub = sub
		}
	}
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	return nil
}

// Start runs the HTTP control surface until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.Setup(ctx); err != nil {
		return err
	}

	if !r.cfg.HTTP.Enabled {
		r.ready.Store(true)
		r.logger.Info("runtime started without http")
		<-ctx.Done()
		return r.Shutdown()
	}

	var metrics http.Handler
	if r.telemetry != nil {
		metrics = r.telemetry.MetricsHandler
	}
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           NewHandler(r.recorder, r.isReady, metrics, r.logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	return r.Shutdown()
}

// Shutdown stops any active recording and releases every backend.
func (r *Runtime) Shutdown() error {
	r.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		r.wg.Wait()
	}
	if r.controlSub != nil {
		_ = r.controlSub.Unsubscribe()
	}
	if r.recorder != nil {
		r.recorder.Close(shutdownCtx)
	}

	r.bus.Close()
	r.nats.Shutdown()
	var errs []error
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event store: %w", err))
		}
	}
	if err := r.telemetry.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
	return errors.Join(errs...)
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	return !r.cfg.Bus.Enabled || r.bus == nil || r.bus.Healthy()
}
