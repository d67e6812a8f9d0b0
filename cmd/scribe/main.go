package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/capture/portaudio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/offline"
	"github.com/loqalabs/loqa-scribe/internal/runtime"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/summary"
)

var version = "0.1.0-dev"

const usage = `usage: scribe <command> [flags]

commands:
  record      record from the microphone with live transcription
  serve       run the recorder behind HTTP and NATS control
  devices     list audio input devices
  accurate    run accurate transcription on a recorded WAV file
  summarize   summarize a transcript file
  version     print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "record":
		err = runRecord(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "devices":
		err = runDevices()
	case "accurate":
		err = runAccurate(os.Args[2:])
	case "summarize":
		err = runSummarize(os.Args[2:])
	case "version":
		fmt.Println(version)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(fs *flag.FlagSet, args []string) (config.Config, *slog.Logger, error) {
	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, newLogger(cfg.Telemetry.LogLevel), nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func microphone(cfg config.AudioConfig) (capture.Device, error) {
	dev, err := portaudio.Open(cfg.DeviceIndex, portaudio.Config{
		SampleRate:      cfg.CaptureSampleRate,
		Channels:        cfg.CaptureChannels,
		FramesPerBuffer: cfg.FramesPerBuffer,
	})
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func toneDevice(cfg config.AudioConfig) (capture.Device, error) {
	rate := cfg.CaptureSampleRate
	if rate <= 0 {
		rate = 48000
	}
	channels := cfg.CaptureChannels
	if channels <= 0 {
		channels = 1
	}
	return capture.NewTone(rate, channels, 440, 0.2), nil
}

func runRecord(args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	duration := fs.Duration("duration", 0, "Stop automatically after this long (0 waits for Enter or a signal)")
	tone := fs.Bool("tone", false, "Record a synthetic tone instead of the microphone")
	engine := fs.String("engine", "", "Override the real-time recognition engine ("+strings.Join(stt.Available(), ", ")+")")
	cfg, logger, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *engine != "" {
		cfg.Realtime.Engine = *engine
	}

	open := microphone
	if *tone {
		open = toneDevice
	}
	rt := runtime.New(cfg, logger, runtime.Options{Open: open})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Setup(ctx); err != nil {
		return err
	}
	defer func() {
		if err := rt.Shutdown(); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
		}
	}()

	rec := rt.Recorder()
	status, err := rec.Start(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Recording to %s (press Enter to stop)\n", status.AudioPath)

	enter := make(chan struct{})
	go func() {
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
		close(enter)
	}()
	var timeout <-chan time.Time
	if *duration > 0 {
		timer := time.NewTimer(*duration)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-enter:
	case <-ctx.Done():
	case <-timeout:
	}

	result, err := rec.Stop(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	fmt.Printf("Saved audio:      %s\n", result.AudioPath)
	fmt.Printf("Saved transcript: %s\n", result.TranscriptPath)
	if result.DroppedSamples > 0 {
		fmt.Printf("Dropped samples:  %d\n", result.DroppedSamples)
	}
	rec.Wait()
	final := rec.Status()
	if final.AccuratePath != "" {
		fmt.Printf("Saved accurate:   %s\n", final.AccuratePath)
	}
	if final.SummaryPath != "" {
		fmt.Printf("Saved summary:    %s\n", final.SummaryPath)
	}
	return nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	tone := fs.Bool("tone", false, "Record a synthetic tone instead of the microphone")
	cfg, logger, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	open := microphone
	if *tone {
		open = toneDevice
	}

	rt := runtime.New(cfg, logger, runtime.Options{Open: open, TraceOut: os.Stdout})
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func runDevices() error {
	devices, err := portaudio.List()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tNAME\tCHANNELS\tRATE\tDEFAULT")
	for _, d := range devices {
		def := ""
		if d.Default {
			def = "*"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n", d.Index, d.Name, d.Channels, d.SampleRate, def)
	}
	return w.Flush()
}

func runAccurate(args []string) error {
	fs := flag.NewFlagSet("accurate", flag.ExitOnError)
	cfg, logger, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: scribe accurate [-config file] <wav>")
	}
	wavPath, err := offline.ResolveWAV(fs.Arg(0), cfg.Audio.OutputDirectory)
	if err != nil {
		return err
	}
	tr, err := offline.New(cfg.Accurate, logger)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out, err := tr.Transcribe(ctx, wavPath, cfg.Audio.OutputDirectory)
	if err != nil {
		return err
	}
	fmt.Printf("Accurate transcription saved to: %s\n", out)
	return nil
}

func runSummarize(args []string) error {
	fs := flag.NewFlagSet("summarize", flag.ExitOnError)
	output := fs.String("out", "", "Summary output path (defaults next to the transcript)")
	cfg, logger, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: scribe summarize [-config file] [-out file] <transcript>")
	}
	in := fs.Arg(0)
	out := *output
	if out == "" {
		base := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))
		base = strings.TrimSuffix(base, "_real-time")
		out = summary.BuildPath(filepath.Dir(in), base, cfg.Summary.Suffix)
	}

	gen, err := summary.NewGenerator(cfg.Summary)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := summary.NewSummarizer(gen, cfg.Summary, logger)
	if err := s.SummarizeFile(ctx, "", in, out); err != nil {
		return err
	}
	fmt.Printf("Summary saved to: %s\n", out)
	return nil
}
