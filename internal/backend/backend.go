// Package backend abstracts the external text-transformation backend. The
// pipeline depends only on the Provider interface; concrete variants reach
// a local HTTP inference server or spawn a subprocess per call.
package backend

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for backend calls. Callers record them per unit; they
// never abort a whole job.
var (
	// ErrUnavailable means the backend could not be reached at all.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrTimeout means one call exceeded its per-unit deadline.
	ErrTimeout = errors.New("backend timeout")
)

// Provider is one text-transformation backend.
type Provider interface {
	// Name returns the provider identifier (e.g. "http", "exec").
	Name() string

	// IsAvailable reports whether the backend is reachable right now.
	IsAvailable(ctx context.Context) bool

	// Invoke sends one prompt and returns the raw response text. The
	// timeout bounds the whole call; on expiry the returned error wraps
	// ErrTimeout.
	Invoke(ctx context.Context, prompt string, timeout time.Duration) (string, error)

	// MaxInputSize returns the largest prompt, in bytes, the backend
	// accepts in one call.
	MaxInputSize() int

	// DefaultTimeout returns a timeout sized to the input length, so a
	// large segment gets proportionally more time than a small one.
	DefaultTimeout(inputLen int) time.Duration
}

// DetectConfig holds parameters for provider detection.
type DetectConfig struct {
	BaseURL      string // HTTP inference server base URL
	Model        string // model name for the HTTP variant
	ExecCommand  string // subprocess program; empty disables the exec variant
	ExecArgs     []string
	MaxInputSize int
}

// Detect probes the configured backends and returns the first available
// one: the HTTP server when it responds, otherwise the exec variant when
// its program resolves on PATH.
func Detect(ctx context.Context, cfg DetectConfig) (Provider, error) {
	if cfg.BaseURL != "" {
		p := NewHTTPProvider(cfg.BaseURL, cfg.Model, cfg.MaxInputSize)
		if p.IsAvailable(ctx) {
			return p, nil
		}
	}
	if cfg.ExecCommand != "" {
		p := NewExecProvider(cfg.ExecCommand, cfg.ExecArgs, cfg.MaxInputSize)
		if p.IsAvailable(ctx) {
			return p, nil
		}
	}
	return nil, ErrUnavailable
}

// scaledTimeout is the shared input-length heuristic: a floor of one
// minute plus one second per KiB of prompt, capped at thirty minutes.
func scaledTimeout(inputLen int) time.Duration {
	d := time.Minute + time.Duration(inputLen/1024)*time.Second
	if max := 30 * time.Minute; d > max {
		return max
	}
	return d
}
