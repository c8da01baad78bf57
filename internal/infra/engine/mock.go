package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ─── Scripted Runner (for testing without a real worker) ────────────────────

// Script is the canned behaviour of one fake worker run.
type Script struct {
	Lines     []string
	ExitCode  int
	LaunchErr error         // non-nil: Start fails with a LaunchError
	Delay     time.Duration // pause before each line
	// Before runs once the process is started and before any line is emitted.
	// Tests use it to create output files in the result directory.
	Before func(cmd Command)
	// Gate, if set, must be closed before the process emits anything.
	Gate <-chan struct{}
}

// ScriptedRunner implements Runner by replaying scripts. The script is
// chosen by the first argument that has a registered script, falling back
// to Default.
type ScriptedRunner struct {
	mu      sync.Mutex
	Default Script
	byArg   map[string]Script
	started []Command
}

// NewScriptedRunner returns a runner that replays def for every command.
func NewScriptedRunner(def Script) *ScriptedRunner {
	return &ScriptedRunner{Default: def, byArg: make(map[string]Script)}
}

// On registers a script for commands carrying arg.
func (r *ScriptedRunner) On(arg string, s Script) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byArg[arg] = s
}

// Started returns every command the runner was asked to start.
func (r *ScriptedRunner) Started() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Command, len(r.started))
	copy(out, r.started)
	return out
}

func (r *ScriptedRunner) script(cmd Command) Script {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, cmd)
	for _, a := range cmd.Args {
		if s, ok := r.byArg[a]; ok {
			return s
		}
	}
	return r.Default
}

// Start implements Runner.
func (r *ScriptedRunner) Start(ctx context.Context, cmd Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Path: cmd.Path, Err: err}
	}
	s := r.script(cmd)
	if s.LaunchErr != nil {
		return nil, &LaunchError{Path: cmd.Path, Err: s.LaunchErr}
	}

	p := &scriptedProcess{lines: make(chan string), done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer close(p.lines)
		if s.Gate != nil {
			<-s.Gate
		}
		if s.Before != nil {
			s.Before(cmd)
		}
		for _, l := range s.Lines {
			if s.Delay > 0 {
				time.Sleep(s.Delay)
			}
			p.lines <- l
		}
	}()

	if s.ExitCode != 0 {
		p.err = &ExitError{
			Code:   s.ExitCode,
			Output: strings.Join(s.Lines, "\n"),
			Err:    errors.New("scripted failure"),
		}
	}
	return p, nil
}

type scriptedProcess struct {
	lines chan string
	done  chan struct{}
	err   error
}

func (p *scriptedProcess) Lines() <-chan string { return p.lines }

func (p *scriptedProcess) Pid() int { return 0 }

func (p *scriptedProcess) Wait() error {
	for range p.lines {
	}
	<-p.done
	return p.err
}
