package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Toolchain  ToolchainConfig  `mapstructure:"toolchain"`
	Workspace  WorkspaceConfig  `mapstructure:"workspace"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport      string  `mapstructure:"transport"`
	HTTPPort       int     `mapstructure:"http_port"`
	MaxSourceBytes int     `mapstructure:"max_source_bytes"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	WarmOnStart    bool    `mapstructure:"warm_on_start"`
	CORSOrigin     string  `mapstructure:"cors_allow_origin"`
}

// SandboxConfig holds isolation backend configuration
type SandboxConfig struct {
	Backend            string         `mapstructure:"backend"`
	TimeoutSec         int            `mapstructure:"timeout_sec"`
	KillGraceMS        int            `mapstructure:"kill_grace_ms"`
	MemoryMB           int            `mapstructure:"memory_mb"`
	CPUSeconds         int            `mapstructure:"cpu_seconds"`
	MaxProcesses       int            `mapstructure:"max_processes"`
	MaxOpenFiles       int            `mapstructure:"max_open_files"`
	MaxFileSizeMB      int            `mapstructure:"max_file_size_mb"`
	MaxOutputKB        int            `mapstructure:"max_output_kb"`
	EnableLocalBackend bool           `mapstructure:"enable_local_backend"`
	Firejail           FirejailConfig `mapstructure:"firejail"`
	Podman             PodmanConfig   `mapstructure:"podman"`
	Docker             DockerConfig   `mapstructure:"docker"`
}

// FirejailConfig holds namespace-jail settings
type FirejailConfig struct {
	Path           string `mapstructure:"path"`
	ExtraArgs      string `mapstructure:"extra_args"`
	MaxFlagRetries int    `mapstructure:"max_flag_retries"`
}

// PodmanConfig holds container CLI settings
type PodmanConfig struct {
	Path       string `mapstructure:"path"`
	Image      string `mapstructure:"image"`
	ExtraArgs  string `mapstructure:"extra_args"`
	CPUs       string `mapstructure:"cpus"`
	TmpfsSizeM int    `mapstructure:"tmpfs_size_mb"`
}

// DockerConfig holds Docker Engine API settings
type DockerConfig struct {
	Image      string  `mapstructure:"image"`
	CPUs       float64 `mapstructure:"cpus"`
	TmpfsSizeM int     `mapstructure:"tmpfs_size_mb"`
	PullImage  bool    `mapstructure:"pull_image"`
}

// ToolchainConfig holds the compiler bootstrap settings
type ToolchainConfig struct {
	Dir                 string `mapstructure:"dir"`
	Repo                string `mapstructure:"repo"`
	Revision            string `mapstructure:"revision"`
	ProjectPath         string `mapstructure:"project_path"`
	RuntimeID           string `mapstructure:"runtime_id"`
	BinaryName          string `mapstructure:"binary_name"`
	AssemblyName        string `mapstructure:"assembly_name"`
	RuntimeCommand      string `mapstructure:"runtime_command"`
	RuntimeRoot         string `mapstructure:"runtime_root"`
	NativeDepURL        string `mapstructure:"native_dep_url"`
	NativeDepName       string `mapstructure:"native_dep_name"`
	BootstrapTimeoutSec int    `mapstructure:"bootstrap_timeout_sec"`
}

// WorkspaceConfig holds per-job directory settings
type WorkspaceConfig struct {
	Root    string `mapstructure:"root"`
	DirMode string `mapstructure:"dir_mode"`
}

// PipelineConfig holds the fixed file names used by the compile-and-run pipeline
type PipelineConfig struct {
	SourceFile         string   `mapstructure:"source_file"`
	ArtifactFile       string   `mapstructure:"artifact_file"`
	AlternateArtifacts []string `mapstructure:"alternate_artifacts"`
	CompanionFiles     []string `mapstructure:"companion_files"`
	RunWithRuntime     bool     `mapstructure:"run_with_runtime"`
}

// SimulationConfig selects when the non-executing fallback is used
type SimulationConfig struct {
	Policy string `mapstructure:"policy"`
}

// AuditConfig holds the compilation audit log settings
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// WebhookConfig holds the rebuild trigger settings
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Secret  string `mapstructure:"secret"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// Simulation policies
const (
	SimulationNever    = "never"
	SimulationFallback = "fallback"
	SimulationAlways   = "always"
)

// New loads and validates the application configuration
func New() (*Config, error) {
	// A missing .env file is not an error
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("CODEPAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// SetDefaults registers the default value of every key on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "http")
	v.SetDefault("server.http_port", 3001)
	v.SetDefault("server.max_source_bytes", 64*1024)
	v.SetDefault("server.rate_limit_rps", 5.0)
	v.SetDefault("server.rate_limit_burst", 10)
	v.SetDefault("server.warm_on_start", true)
	v.SetDefault("server.cors_allow_origin", "*")

	v.SetDefault("sandbox.backend", "firejail")
	v.SetDefault("sandbox.timeout_sec", 10)
	v.SetDefault("sandbox.kill_grace_ms", 2000)
	v.SetDefault("sandbox.memory_mb", 512)
	v.SetDefault("sandbox.cpu_seconds", 10)
	v.SetDefault("sandbox.max_processes", 64)
	v.SetDefault("sandbox.max_open_files", 256)
	v.SetDefault("sandbox.max_file_size_mb", 16)
	v.SetDefault("sandbox.max_output_kb", 1024)
	v.SetDefault("sandbox.enable_local_backend", false)

	v.SetDefault("sandbox.firejail.path", "firejail")
	v.SetDefault("sandbox.firejail.extra_args", "")
	v.SetDefault("sandbox.firejail.max_flag_retries", 3)

	v.SetDefault("sandbox.podman.path", "podman")
	v.SetDefault("sandbox.podman.image", "mcr.microsoft.com/dotnet/runtime:9.0")
	v.SetDefault("sandbox.podman.extra_args", "")
	v.SetDefault("sandbox.podman.cpus", "1")
	v.SetDefault("sandbox.podman.tmpfs_size_mb", 64)

	v.SetDefault("sandbox.docker.image", "mcr.microsoft.com/dotnet/runtime:9.0")
	v.SetDefault("sandbox.docker.cpus", 1.0)
	v.SetDefault("sandbox.docker.tmpfs_size_mb", 64)
	v.SetDefault("sandbox.docker.pull_image", true)

	v.SetDefault("toolchain.dir", "./compiler")
	v.SetDefault("toolchain.repo", "https://github.com/Trivaxy/Verifex.git")
	v.SetDefault("toolchain.revision", "master")
	v.SetDefault("toolchain.project_path", "Verifex/Verifex.csproj")
	v.SetDefault("toolchain.runtime_id", "linux-x64")
	v.SetDefault("toolchain.binary_name", "Verifex")
	v.SetDefault("toolchain.assembly_name", "Verifex.dll")
	v.SetDefault("toolchain.runtime_command", "dotnet")
	v.SetDefault("toolchain.runtime_root", "")
	v.SetDefault("toolchain.native_dep_url", "https://github.com/Z3Prover/z3/releases/download/z3-4.12.2/z3-4.12.2-x64-glibc-2.31.zip")
	v.SetDefault("toolchain.native_dep_name", "libz3.so")
	v.SetDefault("toolchain.bootstrap_timeout_sec", 900)

	v.SetDefault("workspace.root", "./run")
	v.SetDefault("workspace.dir_mode", "0700")

	v.SetDefault("pipeline.source_file", "Program.vx")
	v.SetDefault("pipeline.artifact_file", "Program.dll")
	v.SetDefault("pipeline.alternate_artifacts", []string{"Program.exe"})
	v.SetDefault("pipeline.companion_files", []string{"Program.runtimeconfig.json"})
	v.SetDefault("pipeline.run_with_runtime", true)

	v.SetDefault("simulation.policy", SimulationFallback)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.path", "./data/compilations.db")

	v.SetDefault("webhook.enabled", true)
	v.SetDefault("webhook.secret", "")

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.MaxSourceBytes <= 0 {
		return fmt.Errorf("server.max_source_bytes must be positive, got: %d", c.Server.MaxSourceBytes)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.KillGraceMS <= 0 {
		return fmt.Errorf("sandbox.kill_grace_ms must be positive, got: %d", c.Sandbox.KillGraceMS)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.MaxProcesses <= 0 {
		return fmt.Errorf("sandbox.max_processes must be positive, got: %d", c.Sandbox.MaxProcesses)
	}

	if c.Sandbox.MaxOpenFiles <= 0 {
		return fmt.Errorf("sandbox.max_open_files must be positive, got: %d", c.Sandbox.MaxOpenFiles)
	}

	if c.Sandbox.MaxOutputKB <= 0 {
		return fmt.Errorf("sandbox.max_output_kb must be positive, got: %d", c.Sandbox.MaxOutputKB)
	}

	supportedBackends := map[string]bool{
		"firejail": true,
		"podman":   true,
		"docker":   true,
		"local":    c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	switch c.Simulation.Policy {
	case SimulationNever, SimulationFallback, SimulationAlways:
	default:
		return fmt.Errorf("invalid simulation.policy: %s, must be 'never', 'fallback' or 'always'", c.Simulation.Policy)
	}

	if c.Toolchain.Dir == "" {
		return fmt.Errorf("toolchain.dir must not be empty")
	}

	if c.Pipeline.SourceFile == "" || c.Pipeline.ArtifactFile == "" {
		return fmt.Errorf("pipeline.source_file and pipeline.artifact_file must not be empty")
	}

	if _, err := c.WorkspaceMode(); err != nil {
		return err
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// GetTimeout returns the per-phase execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetKillGrace returns the delay between graceful termination and force kill
func (c *Config) GetKillGrace() time.Duration {
	return time.Duration(c.Sandbox.KillGraceMS) * time.Millisecond
}

// GetBootstrapTimeout returns the upper bound for one toolchain bootstrap
func (c *Config) GetBootstrapTimeout() time.Duration {
	if c.Toolchain.BootstrapTimeoutSec <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.Toolchain.BootstrapTimeoutSec) * time.Second
}

// WorkspaceMode parses workspace.dir_mode as an octal permission
func (c *Config) WorkspaceMode() (os.FileMode, error) {
	mode, err := strconv.ParseUint(c.Workspace.DirMode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid workspace.dir_mode: %s, must be an octal permission", c.Workspace.DirMode)
	}
	return os.FileMode(mode) & os.ModePerm, nil
}

// Default returns the configuration built from defaults only
func Default() *Config {
	v := viper.New()
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Sprintf("default configuration does not decode: %v", err))
	}
	return &config
}
