// Package health runs periodic self-checks for the daemon: the state store
// answers, the workspace directories accept writes and the configured
// worker executables resolve.
package health

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tutu-network/ocrd/internal/infra/metrics"
)

// Pinger is anything that can report its own reachability.
type Pinger interface {
	Ping() error
}

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Options selects what the checker looks at.
type Options struct {
	Store    Pinger
	Dirs     []string   // must exist and be writable; recreated when missing
	Commands [][]string // argv templates whose first element must resolve
	Interval time.Duration
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	log      *log.Entry
}

// NewChecker creates a health checker for the given resources.
func NewChecker(opts Options) *Checker {
	c := &Checker{
		interval: opts.Interval,
		log:      log.WithField("component", "health"),
	}
	if c.interval <= 0 {
		c.interval = 60 * time.Second
	}

	if opts.Store != nil {
		store := opts.Store
		c.checks = append(c.checks, Check{
			Name: "store",
			CheckFn: func(ctx context.Context) error {
				return store.Ping()
			},
		})
	}

	dirs := append([]string(nil), opts.Dirs...)
	c.checks = append(c.checks, Check{
		Name: "workspace",
		CheckFn: func(ctx context.Context) error {
			for _, d := range dirs {
				if err := checkWritable(d); err != nil {
					return err
				}
			}
			return nil
		},
		RecoverFn: func(ctx context.Context) error {
			for _, d := range dirs {
				if err := os.MkdirAll(d, 0755); err != nil {
					return err
				}
			}
			return nil
		},
	})

	var cmds [][]string
	for _, argv := range opts.Commands {
		if len(argv) > 0 && argv[0] != "" {
			cmds = append(cmds, argv)
		}
	}
	c.checks = append(c.checks, Check{
		Name: "worker",
		CheckFn: func(ctx context.Context) error {
			if len(cmds) == 0 {
				return fmt.Errorf("no worker command configured")
			}
			for _, argv := range cmds {
				if _, err := exec.LookPath(argv[0]); err != nil {
					return fmt.Errorf("worker executable %q: %w", argv[0], err)
				}
			}
			return nil
		},
	})

	return c
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	// Run immediately on start
	c.RunOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce executes every check once and records the results.
func (c *Checker) RunOnce(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: time.Now(),
		}
		err := check.CheckFn(ctx)
		if err != nil && check.RecoverFn != nil {
			if rerr := check.RecoverFn(ctx); rerr == nil {
				err = check.CheckFn(ctx)
			} else {
				c.log.Warnf("Recovery for %s failed: %v", check.Name, rerr)
			}
		}
		if err != nil {
			s.Error = err.Error()
			c.log.Warnf("Health check %s failed: %v", check.Name, err)
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(0)
		} else {
			s.Healthy = true
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(1)
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkWritable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("check %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	f, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(filepath.Clean(name))
}
