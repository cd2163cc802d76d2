package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ExecProvider spawns a configured program once per call, writing the
// prompt to its stdin and reading the response from its stdout. It exists
// for backends distributed as CLIs rather than servers.
type ExecProvider struct {
	command      string
	args         []string
	maxInputSize int
}

// NewExecProvider creates an ExecProvider for the given program and args.
// maxInputSize <= 0 selects the default.
func NewExecProvider(command string, args []string, maxInputSize int) *ExecProvider {
	if maxInputSize <= 0 {
		maxInputSize = defaultMaxInputSize
	}
	return &ExecProvider{command: command, args: args, maxInputSize: maxInputSize}
}

func (p *ExecProvider) Name() string      { return "exec" }
func (p *ExecProvider) MaxInputSize() int { return p.maxInputSize }

func (p *ExecProvider) DefaultTimeout(inputLen int) time.Duration {
	return scaledTimeout(inputLen)
}

// IsAvailable reports whether the program resolves on PATH.
func (p *ExecProvider) IsAvailable(_ context.Context) bool {
	_, err := exec.LookPath(p.command)
	return err == nil
}

// Invoke runs one subprocess per call. The context deadline kills the
// process; expiry maps to ErrTimeout.
func (p *ExecProvider) Invoke(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.command, p.args...)
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, p.command)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%w: %s: %s", ErrUnavailable, p.command, msg)
	}
	return stdout.String(), nil
}
