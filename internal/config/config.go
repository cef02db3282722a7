package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/wabridge/server/internal/session"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	QR      QRConfig      `yaml:"qr"`
	Log     LogConfig     `yaml:"log"`
	Privacy PrivacyConfig `yaml:"privacy"`
}

type ServerConfig struct {
	Port           int           `yaml:"port" env:"PORT"`
	Host           string        `yaml:"host" env:"HOST"`
	ClientURL      string        `yaml:"client_url" env:"CLIENT_URL"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"WABRIDGE_ALLOWED_ORIGINS" envSeparator:","`
	AuthToken      string        `yaml:"auth_token" env:"WABRIDGE_AUTH_TOKEN"`
	SendBuffer     int           `yaml:"send_buffer"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type SessionConfig struct {
	DataDir      string        `yaml:"data_dir" env:"WABRIDGE_DATA_DIR"`
	Headless     bool          `yaml:"headless" env:"WABRIDGE_HEADLESS"`
	BrowserBin   string        `yaml:"browser_bin" env:"WABRIDGE_BROWSER_BIN"`
	WebURL       string        `yaml:"web_url"`
	UserAgent    string        `yaml:"user_agent"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	SendTimeout  time.Duration `yaml:"send_timeout"`
}

type QRConfig struct {
	Size int `yaml:"size"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"WABRIDGE_LOG_LEVEL"`
	Format string `yaml:"format" env:"WABRIDGE_LOG_FORMAT"`
}

type PrivacyConfig struct {
	MaskNumbers bool `yaml:"mask_numbers" env:"WABRIDGE_MASK_NUMBERS"`
	MaskBodies  bool `yaml:"mask_bodies"`
}

// NewRedactor builds the log redactor described by the privacy section.
func (p PrivacyConfig) NewRedactor() session.Redactor {
	return session.Redactor{
		MaskNumbers: p.MaskNumbers,
		MaskBodies:  p.MaskBodies,
	}
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           5000,
			Host:           "0.0.0.0",
			ClientURL:      "http://localhost:3000",
			AllowedOrigins: []string{"*"},
			SendBuffer:     64,
			WriteTimeout:   10 * time.Second,
			PingInterval:   30 * time.Second,
		},
		Session: SessionConfig{
			DataDir:      ".wwebjs_auth",
			Headless:     true,
			WebURL:       "https://web.whatsapp.com/",
			UserAgent:    "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			PollInterval: time.Second,
			ReadyTimeout: 2 * time.Minute,
			SendTimeout:  30 * time.Second,
		},
		QR: QRConfig{
			Size: 256,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields the defaults with
// environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg = defaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	// A resync is up to two frames (status and qr).
	if c.Server.SendBuffer < 2 {
		errs = append(errs, fmt.Errorf("server.send_buffer must be at least 2, got %d", c.Server.SendBuffer))
	}
	for name, d := range map[string]time.Duration{
		"server.write_timeout":  c.Server.WriteTimeout,
		"server.ping_interval":  c.Server.PingInterval,
		"session.poll_interval": c.Session.PollInterval,
		"session.ready_timeout": c.Session.ReadyTimeout,
		"session.send_timeout":  c.Session.SendTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	if c.Session.DataDir == "" {
		errs = append(errs, errors.New("session.data_dir is required"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not json or console", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
