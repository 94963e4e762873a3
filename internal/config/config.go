package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/michaelbrown/codepad/internal/sandbox"
	"github.com/michaelbrown/codepad/internal/session"
)

// EnvPrefix prefixes environment overrides: CODEPAD_SANDBOX_TIMEOUT=5s
// overrides sandbox.timeout.
const EnvPrefix = "CODEPAD"

type ServerConfig struct {
	Port      int     `mapstructure:"port" yaml:"port"`
	ReadLimit int64   `mapstructure:"read_limit" yaml:"read_limit"`
	EditRate  float64 `mapstructure:"edit_rate" yaml:"edit_rate"`
	EditBurst int     `mapstructure:"edit_burst" yaml:"edit_burst"`
}

type SessionConfig struct {
	StaleWindow      int64         `mapstructure:"stale_window" yaml:"stale_window"`
	GracePeriod      time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
	MaxSessions      int           `mapstructure:"max_sessions" yaml:"max_sessions"`
	MaxDocumentBytes int           `mapstructure:"max_document_bytes" yaml:"max_document_bytes"`
}

type SandboxConfig struct {
	Mode        string        `mapstructure:"mode" yaml:"mode"`
	Image       string        `mapstructure:"image" yaml:"image"`
	Interpreter []string      `mapstructure:"interpreter" yaml:"interpreter"`
	Memory      string        `mapstructure:"memory" yaml:"memory"`
	CPUs        float64       `mapstructure:"cpus" yaml:"cpus"`
	CPUTime     time.Duration `mapstructure:"cpu_time" yaml:"cpu_time"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxTimeout  time.Duration `mapstructure:"max_timeout" yaml:"max_timeout"`
	MaxOutput   int           `mapstructure:"max_output" yaml:"max_output"`
	MaxStdin    int           `mapstructure:"max_stdin" yaml:"max_stdin"`
	Pids        int64         `mapstructure:"pids" yaml:"pids"`
	ScratchDir  string        `mapstructure:"scratch_dir" yaml:"scratch_dir"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	Sandbox SandboxConfig `mapstructure:"sandbox" yaml:"sandbox"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

// Load reads configuration from path, or from codepad.yaml in the working
// directory or $HOME/.codepad when path is empty. A missing search-path file
// is not an error; defaults and environment overrides still apply. A .env
// file in the working directory is loaded into the environment first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("codepad")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.codepad")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	p := sandbox.DefaultPolicy()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_limit", 4<<20)
	v.SetDefault("server.edit_rate", 20.0)
	v.SetDefault("server.edit_burst", 40)

	v.SetDefault("session.stale_window", 0)
	v.SetDefault("session.grace_period", 30*time.Second)
	v.SetDefault("session.max_sessions", 1000)
	v.SetDefault("session.max_document_bytes", 1<<20)

	v.SetDefault("sandbox.mode", string(sandbox.ModeAuto))
	v.SetDefault("sandbox.image", p.Image)
	v.SetDefault("sandbox.interpreter", p.Interpreter)
	v.SetDefault("sandbox.memory", p.MaxMemory)
	v.SetDefault("sandbox.cpus", p.CPUs)
	v.SetDefault("sandbox.cpu_time", p.CPUTime)
	v.SetDefault("sandbox.timeout", p.Timeout)
	v.SetDefault("sandbox.max_timeout", p.MaxTimeout)
	v.SetDefault("sandbox.max_output", p.MaxOutput)
	v.SetDefault("sandbox.max_stdin", p.MaxStdin)
	v.SetDefault("sandbox.pids", p.Pids)
	v.SetDefault("sandbox.scratch_dir", "")

	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".codepad", "codepad.db"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.ReadLimit <= 0 {
		return fmt.Errorf("server.read_limit must be positive")
	}
	if c.Server.EditRate <= 0 || c.Server.EditBurst <= 0 {
		return fmt.Errorf("server.edit_rate and server.edit_burst must be positive")
	}
	if c.Session.StaleWindow < 0 {
		return fmt.Errorf("session.stale_window must not be negative")
	}
	if c.Session.GracePeriod < 0 {
		return fmt.Errorf("session.grace_period must not be negative")
	}
	if _, err := sandbox.ParseMode(c.Sandbox.Mode); err != nil {
		return fmt.Errorf("sandbox.mode: %w", err)
	}
	if err := c.Sandbox.Policy().Validate(); err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Policy converts the sandbox section to a sandbox policy.
func (s SandboxConfig) Policy() sandbox.Policy {
	return sandbox.Policy{
		Image:       s.Image,
		Interpreter: s.Interpreter,
		MaxMemory:   s.Memory,
		CPUs:        s.CPUs,
		CPUTime:     s.CPUTime,
		Timeout:     s.Timeout,
		MaxTimeout:  s.MaxTimeout,
		MaxOutput:   s.MaxOutput,
		MaxStdin:    s.MaxStdin,
		Pids:        s.Pids,
		ScratchDir:  s.ScratchDir,
	}
}

// RegistryOptions converts the session section to registry options.
func (s SessionConfig) RegistryOptions() session.Options {
	return session.Options{
		StaleWindow:      s.StaleWindow,
		GracePeriod:      s.GracePeriod,
		MaxSessions:      s.MaxSessions,
		MaxDocumentBytes: s.MaxDocumentBytes,
	}
}

// Apply configures the global logrus logger.
func (l LogConfig) Apply() error {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if l.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
