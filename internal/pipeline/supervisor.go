package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
)

const (
	// DefaultRestartMin is the first restart delay
	DefaultRestartMin = time.Second
	// DefaultRestartMax caps the restart delay
	DefaultRestartMax = 30 * time.Second
	// DefaultGrace is how long a process gets between SIGTERM and SIGKILL
	DefaultGrace = 5 * time.Second
	// DefaultStableAfter is the run time after which the delay resets
	DefaultStableAfter = 10 * time.Second
	// MaxStderrSize is how much stderr is kept per run (64KB)
	MaxStderrSize = 64 * 1024
	// TailLines is the number of stderr lines logged after a failure
	TailLines = 20
)

// Result holds the outcome of one run of the process
type Result struct {
	// Command is the command that was executed
	Command Command
	// ExitCode is the exit code (0 = success, -1 = no exit status)
	ExitCode int
	// Stderr is the captured tail of stderr
	Stderr string
	// Duration is how long the process ran
	Duration time.Duration
	// Error is any error that occurred
	Error error
	// Canceled is true if the run was stopped by the supervisor
	Canceled bool
}

// OK returns true if the process exited cleanly on its own
func (r *Result) OK() bool {
	return r.ExitCode == 0 && r.Error == nil && !r.Canceled
}

// StderrTail returns the last N lines of stderr
func (r *Result) StderrTail(lines int) string {
	return tailString(strings.TrimRight(r.Stderr, "\n"), lines)
}

// String returns a human-readable summary
func (r *Result) String() string {
	status := "OK"
	switch {
	case r.Canceled:
		status = "STOPPED"
	case !r.OK():
		status = fmt.Sprintf("FAILED (exit %d)", r.ExitCode)
	}
	return fmt.Sprintf("%s [%s] (%s)", r.Command.Name, status, r.Duration.Round(time.Millisecond))
}

// Supervisor keeps one external process running until its context ends
type Supervisor struct {
	// Command is the process to run
	Command Command
	// RestartMin and RestartMax bound the exponential restart delay
	RestartMin time.Duration
	RestartMax time.Duration
	// StableAfter resets the delay once a run lasted at least this long
	StableAfter time.Duration
	// Grace is the time between SIGTERM and SIGKILL on shutdown
	Grace time.Duration
	// Stdout receives the process output; discarded when nil
	Stdout io.Writer
	// Env is additional environment variables
	Env []string
	// OnExit is called after every run
	OnExit func(*Result)
}

// NewSupervisor creates a Supervisor with default timings
func NewSupervisor(cmd Command) *Supervisor {
	return &Supervisor{
		Command:     cmd,
		RestartMin:  DefaultRestartMin,
		RestartMax:  DefaultRestartMax,
		StableAfter: DefaultStableAfter,
		Grace:       DefaultGrace,
	}
}

// Run starts the process and restarts it after every failure, waiting an
// exponentially growing delay in between. A clean exit ends supervision.
// Cancelling ctx terminates the process and returns nil. A process that
// cannot be started at all is returned as an error.
func (s *Supervisor) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = orDefault(s.RestartMin, DefaultRestartMin)
	bo.MaxInterval = orDefault(s.RestartMax, DefaultRestartMax)
	bo.MaxElapsedTime = 0
	bo.Reset()
	stable := orDefault(s.StableAfter, DefaultStableAfter)

	for {
		if ctx.Err() != nil {
			return nil
		}
		log.Printf("[INFO] pipeline: launching %s", s.Command)
		res, err := s.runOnce(ctx)
		if err != nil {
			return err
		}
		if s.OnExit != nil {
			s.OnExit(res)
		}

		if ctx.Err() != nil {
			log.Printf("[INFO] pipeline: %s", res)
			return nil
		}
		if res.OK() {
			log.Printf("[INFO] pipeline: %s exited cleanly", s.Command.Name)
			return nil
		}

		if res.Duration >= stable {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("pipeline %s gave up after repeated failures", s.Command.Name)
		}

		log.Printf("[WARN] pipeline: %s, restarting in %s", res, wait.Round(time.Millisecond))
		if tail := res.StderrTail(TailLines); tail != "" {
			log.Printf("[WARN] pipeline: stderr:\n%s", tail)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// runOnce runs the process to completion. The error is only set when the
// process could not be started.
func (s *Supervisor) runOnce(ctx context.Context) (*Result, error) {
	start := time.Now()
	result := &Result{Command: s.Command}

	cmd := exec.CommandContext(ctx, s.Command.Name, s.Command.Args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = orDefault(s.Grace, DefaultGrace)
	if len(s.Env) > 0 {
		cmd.Env = append(cmd.Environ(), s.Env...)
	}

	stderr := &tailBuffer{limit: MaxStderrSize}
	cmd.Stderr = stderr
	if s.Stdout != nil {
		cmd.Stdout = s.Stdout
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", s.Command.Name, err)
	}

	err := cmd.Wait()
	result.Duration = time.Since(start)
	result.Stderr = stderr.String()

	if ctx.Err() != nil {
		result.Canceled = true
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		if !result.Canceled {
			result.Error = err
		}
	}
	return result, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// CommandExists checks if a command is available in PATH
func CommandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// tailString returns the last N lines of a string
func tailString(s string, lines int) string {
	if lines <= 0 {
		return ""
	}
	split := strings.Split(s, "\n")
	if len(split) <= lines {
		return s
	}
	return strings.Join(split[len(split)-lines:], "\n")
}

// tailBuffer keeps the most recent limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (tb *tailBuffer) Write(p []byte) (int, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	n := len(p)
	if n >= tb.limit {
		tb.buf = append(tb.buf[:0], p[n-tb.limit:]...)
		return n, nil
	}
	if over := len(tb.buf) + n - tb.limit; over > 0 {
		tb.buf = append(tb.buf[:0], tb.buf[over:]...)
	}
	tb.buf = append(tb.buf, p...)
	return n, nil
}

func (tb *tailBuffer) String() string {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return string(tb.buf)
}
