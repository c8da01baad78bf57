// Package daemon manages the ocrd daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/tutu-network/ocrd/internal/app/orchestrator"
	"github.com/tutu-network/ocrd/internal/app/progress"
)

// Config holds all daemon configuration.
type Config struct {
	API       APIConfig       `toml:"api"`
	Workspace WorkspaceConfig `toml:"workspace"`
	Store     StoreConfig     `toml:"store"`
	Worker    WorkerConfig    `toml:"worker"`
	Progress  ProgressConfig  `toml:"progress"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	MaxUploadMB int      `toml:"max_upload_mb"`
}

// WorkspaceConfig locates uploaded inputs and task results.
type WorkspaceConfig struct {
	Dir         string `toml:"dir"`
	UploadsDir  string `toml:"uploads_dir"`
	ResultsDir  string `toml:"results_dir"`
	KeepUploads int    `toml:"keep_uploads"` // 0 keeps everything
}

// StoreConfig selects the task state backend.
type StoreConfig struct {
	Backend string `toml:"backend"` // "sqlite" or "file"
	Dir     string `toml:"dir"`
}

// WorkerConfig controls how recognition workers are launched.
type WorkerConfig struct {
	PDFCommand    []string `toml:"pdf_command"`
	ImageCommand  []string `toml:"image_command"`
	ModelPath     string   `toml:"model_path"`
	DeviceID      string   `toml:"device_id"`
	Dir           string   `toml:"dir"`
	Env           []string `toml:"env"`
	MaxConcurrent int      `toml:"max_concurrent"`
	DefaultPrompt string   `toml:"default_prompt"`
}

// ProgressConfig replaces the keyword table used to estimate progress.
type ProgressConfig struct {
	Stages []progress.Stage `toml:"stage"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text" or "json"
	File   string `toml:"file"`
}

// TelemetryConfig controls metrics and health checks.
type TelemetryConfig struct {
	Prometheus     bool   `toml:"prometheus"`
	HealthInterval string `toml:"health_interval"`
}

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	homeDir := ocrdHome()
	workspace := filepath.Join(homeDir, "workspace")
	return Config{
		API: APIConfig{
			Host:        "127.0.0.1",
			Port:        8002,
			CORSOrigins: []string{"*"},
			MaxUploadMB: 200,
		},
		Workspace: WorkspaceConfig{
			Dir:         workspace,
			UploadsDir:  filepath.Join(workspace, "uploads"),
			ResultsDir:  filepath.Join(workspace, "results"),
			KeepUploads: 10,
		},
		Store: StoreConfig{
			Backend: BackendSQLite,
			Dir:     filepath.Join(workspace, "logs"),
		},
		Worker: WorkerConfig{
			PDFCommand:    []string{"python", "run_dpsk_ocr_pdf.py", "--input", "{input}", "--output", "{output}"},
			ImageCommand:  []string{"python", "run_dpsk_ocr_image.py", "--input", "{input}", "--output", "{output}"},
			DeviceID:      "0",
			MaxConcurrent: 10,
			DefaultPrompt: orchestrator.DefaultPrompt,
		},
		Progress: ProgressConfig{
			Stages: progress.CopyStages(progress.DefaultStages),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Prometheus:     true,
			HealthInterval: "60s",
		},
	}
}

// LoadConfig reads config from $OCRD_HOME/config.toml, falling back to defaults.
func LoadConfig() (Config, error) {
	return LoadConfigFile(filepath.Join(ocrdHome(), "config.toml"))
}

// LoadConfigFile reads config from path, falling back to defaults when the
// file does not exist.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // No config file yet, use defaults
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// A moved workspace takes its default subdirectories along.
	if md.IsDefined("workspace", "dir") {
		if !md.IsDefined("workspace", "uploads_dir") {
			cfg.Workspace.UploadsDir = ""
		}
		if !md.IsDefined("workspace", "results_dir") {
			cfg.Workspace.ResultsDir = ""
		}
		if !md.IsDefined("store", "dir") {
			cfg.Store.Dir = ""
		}
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		log.Warnf("Ignoring unknown config keys in %s: %v", path, undecoded)
	}

	cfg.normalize()
	return cfg, cfg.Validate()
}

// normalize fills directories derived from the workspace root.
func (c *Config) normalize() {
	if c.Workspace.Dir == "" {
		c.Workspace.Dir = filepath.Join(ocrdHome(), "workspace")
	}
	if c.Workspace.UploadsDir == "" {
		c.Workspace.UploadsDir = filepath.Join(c.Workspace.Dir, "uploads")
	}
	if c.Workspace.ResultsDir == "" {
		c.Workspace.ResultsDir = filepath.Join(c.Workspace.Dir, "results")
	}
	if c.Store.Dir == "" {
		c.Store.Dir = filepath.Join(c.Workspace.Dir, "logs")
	}
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = BackendSQLite
	}
	if c.Worker.DefaultPrompt == "" {
		c.Worker.DefaultPrompt = orchestrator.DefaultPrompt
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendSQLite, BackendFile:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port %d", c.API.Port)
	}
	if c.Worker.MaxConcurrent < 0 {
		return fmt.Errorf("worker.max_concurrent must not be negative")
	}
	if _, err := time.ParseDuration(c.Telemetry.HealthInterval); c.Telemetry.HealthInterval != "" && err != nil {
		return fmt.Errorf("telemetry.health_interval: %w", err)
	}
	return nil
}

// Orchestrator maps the config onto task execution settings.
func (c Config) Orchestrator() orchestrator.Config {
	env := append([]string(nil), c.Worker.Env...)
	if c.Worker.DeviceID != "" {
		env = append(env, "CUDA_VISIBLE_DEVICES="+c.Worker.DeviceID)
	}
	return orchestrator.Config{
		ResultsDir:    c.Workspace.ResultsDir,
		MaxConcurrent: c.Worker.MaxConcurrent,
		DefaultPrompt: c.Worker.DefaultPrompt,
		Stages:        c.Progress.Stages,
		Worker: orchestrator.WorkerConfig{
			PDFCommand:   c.Worker.PDFCommand,
			ImageCommand: c.Worker.ImageCommand,
			ModelPath:    c.Worker.ModelPath,
			Dir:          c.Worker.Dir,
			Env:          env,
		},
	}
}

// SaveConfig writes the config to $OCRD_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(ocrdHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// ocrdHome returns the ocrd data directory.
func ocrdHome() string {
	if env := os.Getenv("OCRD_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ocrd")
}

// Home is exported for use by other packages.
func Home() string {
	return ocrdHome()
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
