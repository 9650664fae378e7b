package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// ErrBusy is returned when a fix is requested while another one is running
var ErrBusy = errors.New("another fix is running")

const truncatedSuffix = "\n[output truncated]"

// Result is the outcome of one fix command
type Result struct {
	Success    bool
	Stdout     string
	Stderr     string
	FinishedAt time.Time
}

// Executor runs fix commands through a shell, one at a time
type Executor struct {
	shell       string
	timeout     time.Duration
	outputLimit int
	logger      *zap.Logger

	running atomic.Bool
}

// NewExecutor creates an executor that runs commands as `shell -c command`
func NewExecutor(shell string, timeout time.Duration, outputLimit int, logger *zap.Logger) *Executor {
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Executor{
		shell:       shell,
		timeout:     timeout,
		outputLimit: outputLimit,
		logger:      logger,
	}
}

// TryAcquire claims the executor. It reports false if a fix is already running.
func (e *Executor) TryAcquire() bool {
	return e.running.CompareAndSwap(false, true)
}

// Release gives the executor back after a TryAcquire
func (e *Executor) Release() {
	e.running.Store(false)
}

// Busy reports whether a fix is running
func (e *Executor) Busy() bool {
	return e.running.Load()
}

// Run claims the executor and runs command
func (e *Executor) Run(ctx context.Context, command string) (Result, error) {
	if !e.TryAcquire() {
		return Result{}, ErrBusy
	}
	defer e.Release()
	return e.run(ctx, command), nil
}

// run executes command. A command that cannot start, exits non-zero or
// exceeds the timeout is a failed result, not an error.
func (e *Executor) run(ctx context.Context, command string) Result {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	stdout := &limitedBuffer{limit: e.outputLimit}
	stderr := &limitedBuffer{limit: e.outputLimit}

	cmd := exec.CommandContext(ctx, e.shell, "-c", command)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Success:    err == nil,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		FinishedAt: time.Now().UTC(),
	}

	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Stderr = appendLine(res.Stderr, fmt.Sprintf("fix timed out after %s", e.timeout))
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			res.Stderr = appendLine(res.Stderr, err.Error())
		}
	}

	e.logger.Info("Fix command finished",
		zap.String("command", command),
		zap.Bool("success", res.Success),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
	return res
}

func appendLine(s, line string) string {
	if s == "" || s[len(s)-1] == '\n' {
		return s + line
	}
	return s + "\n" + line
}

// limitedBuffer keeps the first limit bytes written to it and discards the rest.
// A limit <= 0 keeps everything.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return string(trimPartialRune(b.buf.Bytes())) + truncatedSuffix
	}
	return b.buf.String()
}

// trimPartialRune drops a multi-byte character cut off at the end of p
func trimPartialRune(p []byte) []byte {
	for i := 1; i < utf8.UTFMax && i <= len(p); i++ {
		if !utf8.RuneStart(p[len(p)-i]) {
			continue
		}
		if !utf8.FullRune(p[len(p)-i:]) {
			return p[:len(p)-i]
		}
		return p
	}
	return p
}
