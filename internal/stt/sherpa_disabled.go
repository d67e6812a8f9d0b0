//go:build nosherpa

package stt

// Builds tagged nosherpa leave the sherpa-onnx engine out; Resolve reports
// ErrEngineUnavailable for it.
