package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func init() {
	engines["exec"] = newExecEngine
}

// execEngine runs an external recognizer as
// `<command> --audio <wav> [--model m] [--language l]` and reads either a
// JSON object with a text field or plain text from stdout.
type execEngine struct {
	cmd      []string
	model    string
	language string
}

type commandOutput struct {
	Text string `json:"text"`
}

func newExecEngine(cfg config.AccurateConfig) (Engine, error) {
	args, err := shellwords.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse accurate command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("accurate command empty")
	}
	return &execEngine{cmd: args, model: cfg.ModelPath, language: cfg.Language}, nil
}

func (e *execEngine) Transcribe(ctx context.Context, wavPath string, _ Info) (string, error) {
	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--audio", wavPath)
	if e.model != "" {
		args = append(args, "--model", e.model)
	}
	if e.language != "" {
		args = append(args, "--language", e.language)
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("accurate command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseOutput(out), nil
}

func parseOutput(out []byte) string {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var parsed commandOutput
		if err := json.Unmarshal(trimmed, &parsed); err == nil {
			return strings.TrimSpace(parsed.Text)
		}
	}
	return string(trimmed)
}
