package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/mattn/go-shellwords"
)

func init() {
	register("exec", NewExecRecognizer)
}

type execResult struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// execRecognizer runs a streaming recognizer as a subprocess. Audio goes to
// stdin as 16-bit PCM; results come back as JSON lines on stdout.
type execRecognizer struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  bytes.Buffer
	log     *slog.Logger
	tracker *segmentTracker
	timeout time.Duration
	done    chan struct{}
	cancel  context.CancelFunc
	closed  bool
}

func NewExecRecognizer(ctx context.Context, opts Options) (RealtimeRecognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(opts.Config.Command)
	if err != nil {
		return nil, fmt.Errorf("parse realtime command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("realtime command is empty")
	}
	cmdArgs := append([]string{}, args[1:]...)
	cmdArgs = append(cmdArgs, "--sample-rate", strconv.Itoa(opts.SampleRate))
	if opts.Config.Language != "" {
		cmdArgs = append(cmdArgs, "--language", opts.Config.Language)
	}

	// The subprocess lives for the whole session, not just construction.
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(procCtx, args[0], cmdArgs...)
	r := &execRecognizer{
		cmd:     cmd,
		log:     engineLogger(opts, "exec"),
		tracker: newSegmentTracker(opts.Emitter),
		timeout: responseTimeout(opts),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	cmd.Stderr = &r.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("realtime command stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("realtime command stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start realtime command: %w", err)
	}
	r.stdin = stdin
	go r.readResults(stdout)
	return r, nil
}

func (r *execRecognizer) ProcessAudio(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	if _, err := r.stdin.Write(pcm16(samples)); err != nil {
		return fmt.Errorf("write audio to realtime command: %w", err)
	}
	return nil
}

// Finalize closes stdin and waits for the command to flush its last result.
func (r *execRecognizer) Finalize() error {
	r.tracker.beginFinish()
	if err := r.stdin.Close(); err != nil {
		r.log.Warn("failed to close realtime command stdin", slogError(err))
	}
	select {
	case <-r.done:
	case <-time.After(r.timeout):
		r.log.Warn("timed out waiting for realtime command output")
	}
	r.tracker.finish()
	return nil
}

func (r *execRecognizer) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	_ = r.stdin.Close()
	select {
	case <-r.done:
	case <-time.After(r.timeout):
		r.cancel()
		<-r.done
	}
	err := r.cmd.Wait()
	r.cancel()
	if err != nil {
		return fmt.Errorf("realtime command failed: %w: %s", err, r.stderr.String())
	}
	return nil
}

func (r *execRecognizer) readResults(stdout io.Reader) {
	defer close(r.done)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var result execResult
		if err := json.Unmarshal(line, &result); err != nil {
			r.log.Warn("failed to decode realtime command output", slogError(err))
			continue
		}
		if result.IsFinal {
			r.tracker.segment(result.Text)
			continue
		}
		r.tracker.partial(result.Text)
	}
	if err := scanner.Err(); err != nil {
		r.log.Warn("realtime command output ended", slogError(err))
	}
}
