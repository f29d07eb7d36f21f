// Package action runs the external program registered for a command.
//
// A command name is only ever a lookup key: the program and its arguments
// come from configuration and are executed directly, never through a shell.
package action

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/towerlink/internal/protocol"
)

const (
	// DefaultTimeout bounds a single action run
	DefaultTimeout = 5 * time.Minute

	maxOutputSize = 1 * 1024 * 1024
)

// ErrUnknownCommand is returned for a command with no registered program.
var ErrUnknownCommand = errors.New("no action registered for command")

// Runner executes the action registered for a command.
type Runner interface {
	Run(ctx context.Context, command string) (Result, error)
}

// Result describes one completed run.
type Result struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Message is the text reported for a successful run: trimmed stdout, or
// "Yes" when the program printed nothing.
func (r Result) Message() string {
	msg := strings.TrimSpace(r.Stdout)
	if msg == "" {
		return "Yes"
	}
	return msg
}

// Registry maps command names to argv vectors.
type Registry struct {
	actions map[string][]string
	timeout time.Duration
}

var _ Runner = (*Registry)(nil)

// NewRegistry validates the argv of every command and returns a registry.
// A non-positive timeout selects DefaultTimeout.
func NewRegistry(actions map[string][]string, timeout time.Duration) (*Registry, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	copied := make(map[string][]string, len(actions))
	for name, argv := range actions {
		if len(argv) == 0 || argv[0] == "" {
			return nil, fmt.Errorf("command %s: program is empty", name)
		}
		copied[name] = append([]string(nil), argv...)
	}

	return &Registry{actions: copied, timeout: timeout}, nil
}

// Names returns the registered command names in lexical order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes the program registered for command and waits for it.
//
// The run fails with a *protocol.ExecutionError when the command is unknown,
// the program cannot be started, exits non-zero, exceeds the timeout or
// writes anything to stderr. The Result is populated in every case.
func (r *Registry) Run(ctx context.Context, command string) (Result, error) {
	result := Result{Command: command, ExitCode: -1}

	argv, ok := r.actions[command]
	if !ok {
		return result, &protocol.ExecutionError{Command: command, ExitCode: -1, Err: ErrUnknownCommand}
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	cmd.Stdout = &limitedWriter{w: stdoutBuf, limit: maxOutputSize}
	cmd.Stderr = &limitedWriter{w: stderrBuf, limit: maxOutputSize}

	start := time.Now()
	err := cmd.Run()
	result.Duration = time.Since(start)
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()

	// A killed process also reports an ExitError, so check the deadline first
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return result, &protocol.ExecutionError{
			Command:  command,
			ExitCode: -1,
			Stderr:   truncate(result.Stderr, 500),
			Err:      fmt.Errorf("action timed out after %s", r.timeout),
		}
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, &protocol.ExecutionError{
				Command:  command,
				ExitCode: result.ExitCode,
				Stderr:   truncate(strings.TrimSpace(result.Stderr), 500),
			}
		}
		return result, &protocol.ExecutionError{Command: command, ExitCode: -1, Err: err}
	}

	result.ExitCode = 0

	// Anything on stderr counts as failure even with a zero exit code
	if stderr := strings.TrimSpace(result.Stderr); stderr != "" {
		return result, &protocol.ExecutionError{Command: command, ExitCode: 0, Stderr: truncate(stderr, 500)}
	}

	return result, nil
}

// limitedWriter wraps a writer and discards everything past limit.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (n int, err error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return len(p), nil
	}

	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
	}

	n, err = lw.w.Write(toWrite)
	lw.written += n
	return len(p), err
}

// truncate limits a string to maxLen bytes, appending "..." if truncated
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
