package core_config

import (
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	yaml "gopkg.in/yaml.v3"
)

const (
	DefaultListenIP   = "0.0.0.0"
	DefaultListenPort = "3131"
)

// SourceConfig holds the raw configuration as read from file, environment and flags.
type SourceConfig struct {
	ListenIP       string            `yaml:"listenIp"`
	ListenPort     string            `yaml:"listenPort"`
	StartupNotice  bool              `yaml:"startupNotice"`
	LoggingEnabled bool              `yaml:"loggingEnabled"`
	LogLevel       string            `yaml:"logLevel"`
	Exclude        string            `yaml:"exclude"`
	SetRequestID   bool              `yaml:"setRequestId"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	ReadTimeout    int               `yaml:"readTimeout"`
	WriteTimeout   int               `yaml:"writeTimeout"`
	MetricsListen  string            `yaml:"metricsListen"`
}

// TranslatedConfig holds the validated configuration.
type TranslatedConfig struct {
	ListenIP       string
	ListenPort     string
	StartupNotice  bool
	LoggingEnabled bool
	LogLevel       zapcore.Level
	ExcludeRegexp  *regexp.Regexp
	SetRequestID   bool
	Headers        map[string]string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MetricsListen  string
}

// Addr is the host:port the listener binds to.
func (c *TranslatedConfig) Addr() string {
	return net.JoinHostPort(c.ListenIP, c.ListenPort)
}

// NewTranslatedConfiguration validates s and converts it. Empty listen
// settings fall back to 0.0.0.0:3131.
func (s *SourceConfig) NewTranslatedConfiguration() (*TranslatedConfig, error) {
	listenIP := s.ListenIP
	if listenIP == "" {
		listenIP = DefaultListenIP
	}
	if net.ParseIP(listenIP) == nil {
		return nil, fmt.Errorf("invalid listen IP %q", listenIP)
	}

	listenPort := s.ListenPort
	if listenPort == "" {
		listenPort = DefaultListenPort
	}
	port, err := strconv.Atoi(listenPort)
	if err != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid listen port %q", listenPort)
	}

	level := zapcore.InfoLevel
	if s.LogLevel != "" {
		if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}

	var excludeRegexp *regexp.Regexp
	if s.Exclude != "" {
		excludeRegexp, err = regexp.Compile(s.Exclude)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern: %w", err)
		}
	}

	if s.ReadTimeout < 0 || s.WriteTimeout < 0 {
		return nil, fmt.Errorf("timeouts must not be negative")
	}

	if s.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(s.MetricsListen); err != nil {
			return nil, fmt.Errorf("invalid metrics listen address: %w", err)
		}
	}

	return &TranslatedConfig{
		ListenIP:       listenIP,
		ListenPort:     listenPort,
		StartupNotice:  s.StartupNotice,
		LoggingEnabled: s.LoggingEnabled,
		LogLevel:       level,
		ExcludeRegexp:  excludeRegexp,
		SetRequestID:   s.SetRequestID,
		Headers:        canonicalHeaders(s.Headers),
		ReadTimeout:    time.Duration(s.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(s.WriteTimeout) * time.Second,
		MetricsListen:  s.MetricsListen,
	}, nil
}

// canonicalHeaders title-cases header names, so "x-served-by" becomes "X-Served-By".
func canonicalHeaders(headers map[string]string) map[string]string {
	titleCaser := cases.Title(language.AmericanEnglish)
	processed := make(map[string]string, len(headers))
	for k, v := range headers {
		processed[titleCaser.String(strings.ToLower(strings.TrimSpace(k)))] = strings.TrimSpace(v)
	}
	return processed
}

// PrintConfig writes the configuration as YAML.
func (s *SourceConfig) PrintConfig(w io.Writer) error {
	out, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, err = w.Write(out)
	return err
}
