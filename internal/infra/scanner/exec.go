package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/domain/scanresult"
)

// waitDelay bounds how long Wait keeps draining pipes after the process is killed.
const waitDelay = 2 * time.Second

// diagnosticLimit caps the stdout and stderr kept on a failure record.
const diagnosticLimit = 64 << 10

// Command describes one bounded process invocation. Args are passed as an
// argument vector, never through a shell.
type Command struct {
	Path      string
	Args      []string
	Env       []string
	Stdin     []byte
	Timeout   time.Duration
	MaxOutput int64
}

// Output is what a finished process produced.
type Output struct {
	Stdout    []byte
	Stderr    []byte
	ExitCode  int
	Started   time.Time
	Stopped   time.Time
	TimedOut  bool
	Truncated bool
}

// Duration returns the wall time the process ran.
func (o *Output) Duration() time.Duration {
	return o.Stopped.Sub(o.Started)
}

// ExecError is returned by runners for ExecutionFailed and OutputParseFailed.
// It keeps whatever output the process produced for the failure record.
type ExecError struct {
	Kind     error
	Message  string
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Err      error
}

func (e *ExecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExecError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Diagnostics converts the error into the diagnostics kept on a failed result.
func (e *ExecError) Diagnostics() *scanresult.Diagnostics {
	return &scanresult.Diagnostics{
		Stdout:   clip(e.Stdout, diagnosticLimit),
		Stderr:   clip(e.Stderr, diagnosticLimit),
		ExitCode: e.ExitCode,
		TimedOut: e.TimedOut,
	}
}

func newParseError(msg string, out *Output, err error) *ExecError {
	e := &ExecError{Kind: scanjob.ErrOutputParseFailed, Message: msg, Err: err}
	if out != nil {
		e.Stdout, e.Stderr, e.ExitCode = string(out.Stdout), string(out.Stderr), out.ExitCode
	}
	return e
}

// cappedBuffer collects output until limit bytes, then trips onOverflow once.
type cappedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int64
	overflowed bool
	onOverflow func()
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.overflowed {
		return len(p), nil
	}
	remaining := b.limit - int64(b.buf.Len())
	if int64(len(p)) > remaining {
		b.buf.Write(p[:max(remaining, 0)])
		b.overflowed = true
		b.onOverflow()
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

// Exec runs cmd to completion under its timeout and output cap. Exceeding
// either kills the process. A non-zero exit, a timeout or an output overflow
// is returned as an ExecError of kind ErrExecutionFailed alongside the
// partial Output.
func Exec(ctx context.Context, cmd Command) (*Output, error) {
	if cmd.Timeout <= 0 {
		return nil, fmt.Errorf("command %s has no timeout", cmd.Path)
	}
	if cmd.MaxOutput <= 0 {
		return nil, fmt.Errorf("command %s has no output limit", cmd.Path)
	}

	ctx, cancel := context.WithTimeout(ctx, cmd.Timeout)
	defer cancel()

	var overflow sync.Once
	stdout := &cappedBuffer{limit: cmd.MaxOutput, onOverflow: func() { overflow.Do(cancel) }}
	stderr := &cappedBuffer{limit: cmd.MaxOutput, onOverflow: func() { overflow.Do(cancel) }}

	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Stdout = stdout
	c.Stderr = stderr
	c.WaitDelay = waitDelay
	killProcessGroupOnCancel(c)
	if cmd.Env != nil {
		c.Env = cmd.Env
	}
	if cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}

	out := &Output{Started: time.Now().UTC(), ExitCode: -1}
	runErr := c.Run()
	out.Stopped = time.Now().UTC()
	out.Stdout = stdout.bytes()
	out.Stderr = stderr.bytes()
	out.Truncated = stdout.overflowed || stderr.overflowed
	if c.ProcessState != nil {
		out.ExitCode = c.ProcessState.ExitCode()
	}
	out.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)

	if runErr == nil && !out.Truncated {
		return out, nil
	}

	e := &ExecError{
		Kind:     scanjob.ErrExecutionFailed,
		Stdout:   string(out.Stdout),
		Stderr:   string(out.Stderr),
		ExitCode: out.ExitCode,
		TimedOut: out.TimedOut,
		Err:      runErr,
	}
	name := baseName(cmd.Path)
	switch {
	case out.TimedOut:
		e.Message = fmt.Sprintf("%s timed out after %s", name, cmd.Timeout)
	case out.Truncated:
		e.Message = fmt.Sprintf("%s output exceeded %d bytes", name, cmd.MaxOutput)
	case errors.Is(runErr, exec.ErrNotFound):
		e.Message = fmt.Sprintf("%s not found", cmd.Path)
	case out.ExitCode > 0:
		e.Message = fmt.Sprintf("%s exited with code %d", name, out.ExitCode)
	default:
		e.Message = fmt.Sprintf("%s failed", name)
	}
	return out, e
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...[truncated]"
}
