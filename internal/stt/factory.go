package stt

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

var (
	// ErrUnknownEngine is returned for an engine name nothing recognizes.
	ErrUnknownEngine = errors.New("unknown realtime engine")
	// ErrEngineUnavailable is returned for a known engine left out of this build.
	ErrEngineUnavailable = errors.New("realtime engine not available in this build")
)

var knownEngines = []string{"vosk", "sherpa-onnx", "exec", "mock"}

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

func register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// Resolve picks the engine constructor named by the config.
func Resolve(cfg config.RealtimeConfig) (Constructor, error) {
	registryMu.RLock()
	ctor, ok := registry[cfg.Engine]
	registryMu.RUnlock()
	if ok {
		return ctor, nil
	}
	for _, name := range knownEngines {
		if name == cfg.Engine {
			return nil, fmt.Errorf("%w: %s", ErrEngineUnavailable, cfg.Engine)
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Engine)
}

// Available lists the engines compiled into this binary.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
