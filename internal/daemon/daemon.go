package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/ocrd/internal/api"
	"github.com/tutu-network/ocrd/internal/app/notify"
	"github.com/tutu-network/ocrd/internal/app/orchestrator"
	"github.com/tutu-network/ocrd/internal/domain"
	"github.com/tutu-network/ocrd/internal/health"
	"github.com/tutu-network/ocrd/internal/infra/engine"
	"github.com/tutu-network/ocrd/internal/infra/filestore"
	"github.com/tutu-network/ocrd/internal/infra/sqlite"
)

// shutdownTimeout bounds how long Serve waits for requests and running
// workers after a stop signal.
const shutdownTimeout = 30 * time.Second

// Daemon is the ocrd runtime. It wires together all services.
type Daemon struct {
	Config  Config
	Version string
	Store   domain.TaskStore
	Hub     *notify.Hub
	Tasks   *orchestrator.Orchestrator
	Server  *api.Server
	Health  *health.Checker

	logs   io.Closer
	log    *log.Entry
	cancel context.CancelFunc
}

// New creates and initializes a Daemon with all services wired.
func New(version string) (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return NewWithConfig(cfg, version)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config, version string) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logs, err := SetupLogging(cfg.Logging)
	if err != nil {
		return nil, err
	}
	d := &Daemon{
		Config:  cfg,
		Version: version,
		logs:    logs,
		log:     log.WithField("component", "daemon"),
	}

	for _, dir := range []string{cfg.Workspace.UploadsDir, cfg.Workspace.ResultsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			d.Close()
			return nil, fmt.Errorf("create workspace: %w", err)
		}
	}

	store, err := OpenStore(cfg.Store)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Store = store
	if db, ok := store.(*sqlite.DB); ok {
		if err := db.SetInfo("version", version); err != nil {
			d.log.Warnf("Failed to record version: %v", err)
		}
		if err := db.SetInfo("started_at", time.Now().UTC().Format(time.RFC3339)); err != nil {
			d.log.Warnf("Failed to record start time: %v", err)
		}
	}

	d.Hub = notify.NewHub(notify.DefaultBuffer)
	supervisor := engine.NewSupervisor(log.WithField("component", "worker"))
	d.Tasks = orchestrator.New(cfg.Orchestrator(), store, d.Hub, supervisor)

	d.Health = health.NewChecker(health.Options{
		Store:    store,
		Dirs:     []string{cfg.Workspace.UploadsDir, cfg.Workspace.ResultsDir},
		Commands: [][]string{cfg.Worker.PDFCommand, cfg.Worker.ImageCommand},
		Interval: parseDuration(cfg.Telemetry.HealthInterval, 60*time.Second),
	})

	d.Server = api.NewServer(d.Tasks, api.Options{
		WorkspaceDir: cfg.Workspace.Dir,
		UploadsDir:   cfg.Workspace.UploadsDir,
		ResultsDir:   cfg.Workspace.ResultsDir,
		KeepUploads:  cfg.Workspace.KeepUploads,
		MaxUploadMB:  cfg.API.MaxUploadMB,
		CORSOrigins:  cfg.API.CORSOrigins,
		Version:      version,
	})
	d.Server.SetHealth(d.Health)

	// Enable Prometheus /metrics if configured
	if cfg.Telemetry.Prometheus {
		d.Server.EnableMetrics()
	}

	return d, nil
}

// OpenStore opens the configured task state backend.
func OpenStore(cfg StoreConfig) (domain.TaskStore, error) {
	switch cfg.Backend {
	case BackendFile:
		s, err := filestore.Open(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return s, nil
	default:
		db, err := sqlite.Open(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		return db, nil
	}
}

// Serve starts the HTTP server and blocks until ctx ends or the process is
// signalled, then shuts down gracefully.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	addr := net.JoinHostPort(d.Config.API.Host, strconv.Itoa(d.Config.API.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           d.Server.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		// No WriteTimeout: push channels stay open for a whole task.
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	// Only the process holding the port sweeps orphaned records.
	if n, err := d.Tasks.FailInterrupted(); err != nil {
		d.log.Warnf("Failed to scan for interrupted tasks: %v", err)
	} else if n > 0 {
		d.log.Warnf("Marked %d interrupted tasks as Failed", n)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.Health.Run(gctx)
		return nil
	})

	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		d.log.Info("Shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			d.log.Warnf("HTTP shutdown: %v", err)
		}
		if err := d.Tasks.Shutdown(shutdownCtx); err != nil {
			d.log.Warnf("Worker shutdown: %v", err)
		}
		return nil
	})

	fmt.Printf("ocrd serving on http://%s\n", ln.Addr())
	fmt.Printf("  Workspace: %s\n", d.Config.Workspace.Dir)
	fmt.Printf("  Store:     %s (%s)\n", d.Config.Store.Backend, d.Config.Store.Dir)
	if d.Config.Telemetry.Prometheus {
		fmt.Printf("  Metrics:   http://%s/metrics\n", ln.Addr())
	}

	err = g.Wait()
	d.closeStore()
	return err
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	d.closeStore()
	if d.logs != nil {
		log.SetOutput(os.Stderr)
		_ = d.logs.Close()
		d.logs = nil
	}
}

func (d *Daemon) closeStore() {
	if d.Store == nil {
		return
	}
	if err := d.Store.Close(); err != nil {
		d.log.Warnf("Closing store: %v", err)
	}
	d.Store = nil
}
