package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/wingetdash/fleet/internal/logging"
)

var log = logging.L("executor")

const (
	// DefaultTimeout bounds a command when the caller gives none.
	DefaultTimeout = 30 * time.Minute

	// MaxTimeout is the largest timeout a caller may request.
	MaxTimeout = 4 * time.Hour

	// MaxOutputSize is the maximum size of stdout/stderr to capture
	MaxOutputSize = 1024 * 1024 // 1MB
)

// Spec describes one process to run.
type Spec struct {
	ID      string
	Name    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Result is the captured outcome of a process that was started.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Output returns stdout and stderr joined, trimmed.
func (r *Result) Output() string {
	return strings.TrimSpace(strings.TrimSpace(r.Stdout) + "\n" + strings.TrimSpace(r.Stderr))
}

// Executor runs OS processes with a timeout, bounded output capture and
// process-tree cleanup.
type Executor struct {
	mu      sync.Mutex
	running map[string]*runningExecution
}

type runningExecution struct {
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	startedAt time.Time
}

func New() *Executor {
	return &Executor{running: make(map[string]*runningExecution)}
}

// Run starts the process and waits for it. A non-zero exit is reported in
// the Result, not as an error. The error is non-nil only when the process
// could not be started or ran past its timeout.
func (e *Executor) Run(ctx context.Context, spec Spec) (*Result, error) {
	if spec.Name == "" {
		return nil, errors.New("executor: empty command")
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &stdout, limit: MaxOutputSize}
	cmd.Stderr = &limitedWriter{buf: &stderr, limit: MaxOutputSize}

	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	if spec.ID != "" {
		e.mu.Lock()
		e.running[spec.ID] = &runningExecution{cmd: cmd, cancel: cancel, startedAt: start}
		e.mu.Unlock()
		defer func() {
			e.mu.Lock()
			delete(e.running, spec.ID)
			e.mu.Unlock()
		}()
	}

	log.Debug("starting process", "id", spec.ID, "name", spec.Name, "timeout", timeout)
	err := cmd.Run()

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err == nil {
		return result, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.ExitCode = -1
		result.TimedOut = true
		log.Warn("process timed out", "id", spec.ID, "name", spec.Name, "timeout", timeout)
		return result, &CommandError{Op: spec.Name, ExitCode: -1, Output: result.Output(),
			Err: fmt.Errorf("timed out after %s", timeout)}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}

	result.ExitCode = -1
	return result, fmt.Errorf("executor: run %s: %w", spec.Name, err)
}

// Cancel terminates a running process by spec ID.
func (e *Executor) Cancel(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	running, ok := e.running[id]
	if !ok {
		return fmt.Errorf("execution %s not found or already completed", id)
	}
	running.cancel()
	return nil
}

// RunningCount returns the number of processes started with an ID that are
// still running.
func (e *Executor) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

type limitedWriter struct {
	buf     *bytes.Buffer
	limit   int
	written int
}

func (w *limitedWriter) Write(p []byte) (n int, err error) {
	if w.written >= w.limit {
		return len(p), nil
	}

	remaining := w.limit - w.written
	if len(p) > remaining {
		p = p[:remaining]
	}

	n, err = w.buf.Write(p)
	w.written += n
	return len(p), err // report the full length so exec does not see a short write
}
