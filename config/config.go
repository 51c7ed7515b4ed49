// Package config loads the echo server configuration from YAML, TOML or INI files.
package config

import (
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/pelletier/go-toml"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned by Validate for every rejected configuration.
var ErrInvalid = errors.New("invalid configuration")

type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatINI  Format = "ini"
)

// Readiness notifier backends.
const (
	NotifierEpoll = "epoll"
	NotifierURing = "uring"
)

const (
	DefaultAddress      = "127.0.0.1"
	DefaultPort         = 5123
	DefaultTickInterval = "100ms"
)

// Config is the complete server configuration.
type Config struct {
	Address       string `yaml:"address" toml:"address" ini:"address"`
	Port          int    `yaml:"port" toml:"port" ini:"port"`
	Workers       int    `yaml:"workers" toml:"workers" ini:"workers"`
	TickInterval  string `yaml:"tick_interval" toml:"tick_interval" ini:"tick_interval"`
	DropTruncated bool   `yaml:"drop_truncated" toml:"drop_truncated" ini:"drop_truncated"`
	Notifier      string `yaml:"notifier" toml:"notifier" ini:"notifier"`
	MetricsAddr   string `yaml:"metrics_addr" toml:"metrics_addr" ini:"metrics_addr"`
	LogLevel      string `yaml:"log_level" toml:"log_level" ini:"log_level"`
	LogFormat     string `yaml:"log_format" toml:"log_format" ini:"log_format"`
}

// Default returns a configuration listening on 127.0.0.1:5123 with one epoll worker.
func Default() *Config {
	return &Config{
		Address:      DefaultAddress,
		Port:         DefaultPort,
		Workers:      1,
		TickInterval: DefaultTickInterval,
		Notifier:     NotifierEpoll,
		LogLevel:     "info",
		LogFormat:    "console",
	}
}

// Load reads the file at path, picking the format from its extension.
// Values missing from the file keep their defaults. Environment overrides are
// applied after parsing.
func Load(path string) (*Config, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	cfg, err := Parse(data, format)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return cfg, nil
}

// FormatFromPath maps .yaml/.yml, .toml and .ini extensions to a format.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".ini":
		return FormatINI, nil
	default:
		return "", errors.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
}

// Parse decodes data on top of Default after expanding environment references,
// then applies environment overrides.
func Parse(data []byte, format Format) (*Config, error) {
	cfg := Default()
	expanded := []byte(expandEnvVars(string(data)))

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(expanded, cfg); err != nil {
			return nil, errors.Wrap(err, "decode yaml")
		}
	case FormatTOML:
		if err := toml.Unmarshal(expanded, cfg); err != nil {
			return nil, errors.Wrap(err, "decode toml")
		}
	case FormatINI:
		f, err := ini.Load(expanded)
		if err != nil {
			return nil, errors.Wrap(err, "decode ini")
		}
		if err := f.MapTo(cfg); err != nil {
			return nil, errors.Wrap(err, "map ini")
		}
	default:
		return nil, errors.Errorf("unsupported config format %q", format)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default}. Unset variables without
// a default are left as written.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// ApplyEnv overrides fields from UDPECHO_* environment variables.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv("UDPECHO_ADDRESS"); ok {
		c.Address = v
	}
	if v, ok := os.LookupEnv("UDPECHO_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "UDPECHO_PORT")
		}
		c.Port = port
	}
	if v, ok := os.LookupEnv("UDPECHO_WORKERS"); ok {
		workers, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "UDPECHO_WORKERS")
		}
		c.Workers = workers
	}
	if v, ok := os.LookupEnv("UDPECHO_NOTIFIER"); ok {
		c.Notifier = v
	}
	if v, ok := os.LookupEnv("UDPECHO_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv("UDPECHO_METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}
	return nil
}

// Validate checks the configuration. Every error wraps ErrInvalid.
func (c *Config) Validate() error {
	var errs []string

	ip := net.ParseIP(c.Address)
	switch {
	case ip == nil:
		errs = append(errs, "address must be an IP literal")
	case ip.To4() == nil:
		errs = append(errs, "address must be IPv4")
	}

	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, "port must be in 0..65535")
	}

	if c.Workers < 1 {
		errs = append(errs, "workers must be at least 1")
	} else if c.Workers > 1 && c.Port == 0 {
		errs = append(errs, "multiple workers need a fixed port")
	}

	if d, err := time.ParseDuration(c.TickInterval); err != nil {
		errs = append(errs, "tick_interval: "+err.Error())
	} else if d <= 0 {
		errs = append(errs, "tick_interval must be positive")
	}

	switch c.Notifier {
	case NotifierEpoll, NotifierURing:
	default:
		errs = append(errs, "notifier must be epoll or uring")
	}

	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		errs = append(errs, "log_format must be console or json")
	}

	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			errs = append(errs, "metrics_addr: "+err.Error())
		}
	}

	if len(errs) > 0 {
		return errors.Wrap(ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// UDPAddr returns the listen address. It assumes a validated config.
func (c *Config) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(c.Address).To4(), Port: c.Port}
}

// Tick returns the parsed tick interval, or the default for an invalid value.
func (c *Config) Tick() time.Duration {
	d, err := time.ParseDuration(c.TickInterval)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultTickInterval)
	}
	return d
}

// String renders the configuration as YAML.
func (c *Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(out)
}
