// Package engine supervises the external recognition worker.
//
// The worker is an opaque process: it is started with a prepared argv and
// environment, its stdout and stderr are merged into one ordered stream that
// is exposed line by line as it arrives, and its exit code decides success.
//
//	Supervisor.Start(cmd) → Process
//	  → Lines()  yields merged output lines until EOF
//	  → Wait()   blocks until exit, returns *ExitError on non-zero code
//
// There is no timeout and no retry. A hung worker keeps its task Running.
package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// tailSize is how much trailing output is kept for error messages.
const tailSize = 8192

// Command describes one worker invocation.
type Command struct {
	Path string
	Args []string
	Env  []string // appended to the daemon's own environment
	Dir  string
}

// String renders the command for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " "))
}

// Runner starts worker processes. Supervisor is the real implementation;
// ScriptedRunner replays canned output for tests.
type Runner interface {
	Start(ctx context.Context, cmd Command) (Process, error)
}

// Process is a started worker.
//
// Lines is a finite, non-restartable sequence: it is closed once the merged
// output reaches EOF. Wait must be called exactly once the caller is done
// with Lines; any unread lines are discarded.
type Process interface {
	Lines() <-chan string
	Wait() error
	Pid() int
}

// ─── Errors ─────────────────────────────────────────────────────────────────

// LaunchError means the worker could not be started at all. No lines are
// produced and no process exists.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch worker %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ExitError means the worker ran and exited with a non-zero code.
// Output holds the tail of its merged output.
type ExitError struct {
	Code   int
	Output string
	Err    error
}

func (e *ExitError) Error() string {
	if e.Code < 0 {
		return fmt.Sprintf("worker terminated abnormally: %v", e.Err)
	}
	return fmt.Sprintf("worker exited with code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// IsLaunchError reports whether err is a launch failure.
func IsLaunchError(err error) bool {
	var le *LaunchError
	return errors.As(err, &le)
}

// ─── Supervisor ─────────────────────────────────────────────────────────────

// Supervisor spawns workers with merged output.
type Supervisor struct {
	// LineBuffer is the capacity of each process's line channel.
	LineBuffer int
	Logger     *log.Entry
}

// NewSupervisor creates a supervisor with default buffering.
func NewSupervisor(logger *log.Entry) *Supervisor {
	if logger == nil {
		logger = log.WithField("component", "engine")
	}
	return &Supervisor{LineBuffer: 64, Logger: logger}
}

// Start launches cmd. The context bounds the launch only; a started worker
// runs to completion regardless of ctx.
func (s *Supervisor) Start(ctx context.Context, c Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Path: c.Path, Err: err}
	}
	if c.Path == "" {
		return nil, &LaunchError{Err: errors.New("empty worker command")}
	}

	path, err := exec.LookPath(c.Path)
	if err != nil {
		return nil, &LaunchError{Path: c.Path, Err: err}
	}

	// One pipe for both streams keeps stdout and stderr in write order.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Path: c.Path, Err: fmt.Errorf("create output pipe: %w", err)}
	}

	cmd := exec.Command(path, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Dir = c.Dir
	cmd.Stdout = pw
	cmd.Stderr = pw
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, &LaunchError{Path: c.Path, Err: err}
	}
	// The child holds its own copy of the write end.
	pw.Close()

	buf := s.LineBuffer
	if buf <= 0 {
		buf = 64
	}

	p := &process{
		cmd:   cmd,
		lines: make(chan string, buf),
		tail:  &limitedBuffer{max: tailSize},
		log:   s.Logger.WithField("pid", cmd.Process.Pid),
	}

	p.group.Go(func() error {
		defer close(p.lines)
		defer pr.Close()
		return p.pump(pr)
	})
	p.group.Go(func() error {
		p.waitErr = cmd.Wait()
		return nil
	})

	p.log.Debugf("Worker started: %s", c)
	return p, nil
}

// ─── Process ────────────────────────────────────────────────────────────────

type process struct {
	cmd   *exec.Cmd
	lines chan string
	tail  *limitedBuffer
	log   *log.Entry

	group   errgroup.Group
	waitErr error

	once   sync.Once
	result error
}

func (p *process) Lines() <-chan string { return p.lines }

func (p *process) Pid() int { return p.cmd.Process.Pid }

// pump splits the merged output into lines and forwards them.
func (p *process) pump(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	sc.Split(scanLines)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		p.tail.Write([]byte(line + "\n"))
		p.lines <- line
	}
	if err := sc.Err(); err != nil {
		// Keep draining so the worker never blocks on a full pipe.
		p.log.Warnf("Output scanner stopped: %v", err)
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

// Wait drains unread lines, waits for exit and classifies the result.
func (p *process) Wait() error {
	p.once.Do(func() {
		for range p.lines {
		}
		_ = p.group.Wait()

		if p.waitErr == nil {
			p.log.Debug("Worker exited cleanly")
			return
		}

		code := -1
		var ee *exec.ExitError
		if errors.As(p.waitErr, &ee) {
			code = ee.ExitCode()
		}
		p.result = &ExitError{
			Code:   code,
			Output: strings.TrimSpace(p.tail.String()),
			Err:    p.waitErr,
		}
		p.log.Debugf("Worker exited: %v", p.result)
	})
	return p.result
}

// scanLines splits on \n, \r\n and bare \r, so carriage-return progress
// bars are reported as separate lines.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\r' {
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					return i + 2, data[:i], nil
				}
				return i + 1, data[:i], nil
			}
			if !atEOF {
				// Need one more byte to tell \r from \r\n.
				return 0, nil, nil
			}
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// limitedBuffer is a thread-safe buffer that keeps only the last N bytes.
// Used to capture worker output without unbounded memory usage.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.buf.Write(p)
	if b.buf.Len() > b.max {
		data := b.buf.Bytes()
		keep := make([]byte, b.max)
		copy(keep, data[len(data)-b.max:])
		b.buf.Reset()
		b.buf.Write(keep)
	}
	return n, err
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// LastLines returns at most n trailing lines of s.
func LastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
