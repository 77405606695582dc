// Package config provides configuration for protoflowd and the protoflow CLI.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the daemon configuration.
//
// Every section maps onto one component; cmd/protoflowd converts sections into
// the component's own Config type so library packages stay free of this one.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Repo      RepoConfig      `koanf:"repo"`
	Generator GeneratorConfig `koanf:"generator"`
	Submit    SubmitConfig    `koanf:"submit"`
	PR        PRConfig        `koanf:"pr"`
	Queue     QueueConfig     `koanf:"queue"`
	Tasks     TasksConfig     `koanf:"tasks"`
	NATS      NATSConfig      `koanf:"nats"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Logging   LoggingConfig   `koanf:"logging"`
	Secrets   SecretsConfig   `koanf:"secrets"`
	Watch     WatchConfig     `koanf:"watch"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RepoConfig describes the managed repository.
type RepoConfig struct {
	Dir         string   `koanf:"dir"`
	BaseBranch  string   `koanf:"base_branch"`
	Remote      string   `koanf:"remote"`
	ModulesRoot string   `koanf:"modules_root"`
	DefaultMode string   `koanf:"default_mode"`
	Entrypoint  string   `koanf:"entrypoint"`
	ScratchDir  string   `koanf:"scratch_dir"`
	GitBinary   string   `koanf:"git_binary"`
	GitTimeout  Duration `koanf:"git_timeout"`
}

// GeneratorConfig configures the external spec generator command.
// An empty Command disables spec tasks.
type GeneratorConfig struct {
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`
	Timeout Duration `koanf:"timeout"`
}

// SubmitConfig configures the remote work-submission service.
// An empty BaseURL keeps implementation jobs local.
type SubmitConfig struct {
	BaseURL      string   `koanf:"base_url"`
	Token        Secret   `koanf:"token"`
	Timeout      Duration `koanf:"timeout"`
	RateLimit    float64  `koanf:"rate_limit"`
	Burst        int      `koanf:"burst"`
	MaxRetries   int      `koanf:"max_retries"`
	SyncInterval Duration `koanf:"sync_interval"`
}

// PRConfig configures pull request creation.
type PRConfig struct {
	GHBinary   string `koanf:"gh_binary"`
	Token      Secret `koanf:"token"`
	APIBaseURL string `koanf:"api_base_url"`
}

// QueueConfig locates the work queue database.
type QueueConfig struct {
	Path string `koanf:"path"`
}

// TasksConfig controls spec task reconciliation and waiting.
type TasksConfig struct {
	ReconcileInterval Duration `koanf:"reconcile_interval"`

	// PollInterval and MaxPolls bound a wait on a running task.
	PollInterval Duration `koanf:"poll_interval"`
	MaxPolls     int      `koanf:"max_polls"`
}

// NATSConfig enables task lifecycle events. An empty URL disables them.
type NATSConfig struct {
	URL string `koanf:"url"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	ServiceName    string   `koanf:"service_name"`
	Insecure       bool     `koanf:"insecure"`
	SampleRate     float64  `koanf:"sample_rate"`
	MetricsEnabled bool     `koanf:"metrics_enabled"`
	ExportInterval Duration `koanf:"export_interval"`
}

// LoggingConfig holds the subset of logging options exposed in the file.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Stream string `koanf:"stream"`
	OTEL   bool   `koanf:"otel"`
}

// SecretsConfig points at an optional user gitleaks allowlist.
type SecretsConfig struct {
	AllowlistPath string `koanf:"allowlist_path"`
}

// WatchConfig toggles the HEAD watcher.
type WatchConfig struct {
	Enabled bool `koanf:"enabled"`
}

// Default returns the configuration used when neither file nor environment
// sets a value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Repo: RepoConfig{
			Dir:         ".",
			BaseBranch:  "main",
			Remote:      "origin",
			ModulesRoot: "src/app/prototypes",
			DefaultMode: "forward",
			Entrypoint:  "server/server.py",
			GitBinary:   "git",
			GitTimeout:  Duration(30 * time.Second),
		},
		Generator: GeneratorConfig{
			Timeout: Duration(20 * time.Minute),
		},
		Submit: SubmitConfig{
			Timeout:      Duration(30 * time.Second),
			RateLimit:    2,
			Burst:        4,
			MaxRetries:   3,
			SyncInterval: Duration(time.Minute),
		},
		PR: PRConfig{
			GHBinary: "gh",
		},
		Queue: QueueConfig{
			Path: "protoflow-queue.db",
		},
		Tasks: TasksConfig{
			ReconcileInterval: Duration(15 * time.Second),
			PollInterval:      Duration(2 * time.Second),
			MaxPolls:          60,
		},
		Telemetry: TelemetryConfig{
			Endpoint:       "localhost:4317",
			ServiceName:    "protoflowd",
			Insecure:       true,
			SampleRate:     1.0,
			MetricsEnabled: true,
			ExportInterval: Duration(15 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Stream: "stderr",
		},
		Watch: WatchConfig{
			Enabled: true,
		},
	}
}

var (
	validModes   = []string{"forward", "roundtrip"}
	validFormats = []string{"json", "console"}
	validStreams = []string{"stdout", "stderr"}
)

// Validate checks the configuration for errors. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}

	if c.Repo.Dir == "" {
		errs = append(errs, errors.New("repo.dir is required"))
	}
	if c.Repo.BaseBranch == "" {
		errs = append(errs, errors.New("repo.base_branch is required"))
	}
	if !oneOf(c.Repo.DefaultMode, validModes) {
		errs = append(errs, fmt.Errorf("repo.default_mode must be one of %v, got %q", validModes, c.Repo.DefaultMode))
	}
	if strings.HasPrefix(c.Repo.ModulesRoot, "/") || strings.Contains(c.Repo.ModulesRoot, "..") {
		errs = append(errs, fmt.Errorf("repo.modules_root must be repository-relative, got %q", c.Repo.ModulesRoot))
	}
	if c.Repo.GitTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("repo.git_timeout must be positive"))
	}

	if c.Submit.BaseURL != "" {
		if !strings.HasPrefix(c.Submit.BaseURL, "http://") && !strings.HasPrefix(c.Submit.BaseURL, "https://") {
			errs = append(errs, fmt.Errorf("submit.base_url must be http(s), got %q", c.Submit.BaseURL))
		}
		if c.Submit.RateLimit <= 0 || c.Submit.Burst < 1 {
			errs = append(errs, errors.New("submit.rate_limit and submit.burst must be positive"))
		}
	}
	if c.Submit.MaxRetries < 0 {
		errs = append(errs, errors.New("submit.max_retries cannot be negative"))
	}
	if c.Submit.SyncInterval.Duration() <= 0 {
		errs = append(errs, errors.New("submit.sync_interval must be positive"))
	}

	if c.Queue.Path == "" {
		errs = append(errs, errors.New("queue.path is required"))
	}
	if c.Tasks.ReconcileInterval.Duration() <= 0 {
		errs = append(errs, errors.New("tasks.reconcile_interval must be positive"))
	}
	if c.Tasks.PollInterval.Duration() <= 0 {
		errs = append(errs, errors.New("tasks.poll_interval must be positive"))
	}
	if c.Tasks.MaxPolls < 1 {
		errs = append(errs, errors.New("tasks.max_polls must be at least 1"))
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %v", c.Telemetry.SampleRate))
		}
	}

	if !oneOf(c.Logging.Format, validFormats) {
		errs = append(errs, fmt.Errorf("logging.format must be one of %v, got %q", validFormats, c.Logging.Format))
	}
	if !oneOf(c.Logging.Stream, validStreams) {
		errs = append(errs, fmt.Errorf("logging.stream must be one of %v, got %q", validStreams, c.Logging.Stream))
	}

	return errors.Join(errs...)
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
