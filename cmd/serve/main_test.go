package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	flag "github.com/spf13/pflag"
	"github.com/theproductiveprogrammer/pm2/internal/version"
	"github.com/theproductiveprogrammer/pm2/pkg/core"
	config "github.com/theproductiveprogrammer/pm2/pkg/core/config"
	"github.com/theproductiveprogrammer/pm2/pkg/core/handler"
	"github.com/theproductiveprogrammer/pm2/pkg/core/listener"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// MockConfigLoader is a mock implementation of ConfigLoader.
type MockConfigLoader struct {
	cfg   *config.SourceConfig
	err   error
	calls int
}

func (m *MockConfigLoader) Load(_ *flag.FlagSet) (*config.SourceConfig, error) {
	m.calls++
	return m.cfg, m.err
}

// MockLoggerFactory is a mock implementation of LoggerFactory.
type MockLoggerFactory struct {
	logger *zap.Logger
	err    error
	level  zapcore.Level
}

func (m *MockLoggerFactory) CreateLogger(level zapcore.Level) (*zap.Logger, error) {
	m.level = level
	return m.logger, m.err
}

// MockServer is a mock implementation of core.Server.
type MockServer struct {
	startErr error
	serveErr error
	addr     string
	served   bool
}

func (s *MockServer) Start(addr string) error {
	s.addr = addr
	return s.startErr
}

func (s *MockServer) ServeForever() error {
	s.served = true
	return s.serveErr
}

type testApp struct {
	app    *App
	loader *MockConfigLoader
	server *MockServer
	logs   *observer.ObservedLogs
	stdout *bytes.Buffer
}

func newTestApp(src *config.SourceConfig, args ...string) *testApp {
	obs, logs := observer.New(zapcore.DebugLevel)
	ta := &testApp{
		loader: &MockConfigLoader{cfg: src},
		server: &MockServer{serveErr: listener.ErrClosed},
		logs:   logs,
		stdout: &bytes.Buffer{},
	}
	ta.app = &App{
		ConfigLoader:  ta.loader,
		LoggerFactory: &MockLoggerFactory{logger: zap.New(obs)},
		NewServer: func(handler.Handler, *zap.Logger) core.Server {
			return ta.server
		},
		Writer: ta.stdout,
		Args:   append([]string{"serve"}, args...),
	}
	return ta
}

func TestNewApp(t *testing.T) {
	app := NewApp()

	if app.ConfigLoader == nil {
		t.Error("ConfigLoader should not be nil")
	}
	if app.LoggerFactory == nil {
		t.Error("LoggerFactory should not be nil")
	}
	if app.NewServer == nil {
		t.Error("NewServer should not be nil")
	}
	if app.Writer != os.Stdout {
		t.Error("Writer should default to os.Stdout")
	}

	if _, ok := app.NewServer(handler.Func(nil), zap.NewNop()).(*listener.Listener); !ok {
		t.Error("NewServer should build a *listener.Listener")
	}
}

func TestAppRunPrintsNotice(t *testing.T) {
	ta := newTestApp(&config.SourceConfig{StartupNotice: true})

	err := ta.app.Run()

	if !errors.Is(err, listener.ErrClosed) {
		t.Errorf("Expected ErrClosed from ServeForever, got %v", err)
	}
	if ta.server.addr != "0.0.0.0:3131" {
		t.Errorf("Expected bind address 0.0.0.0:3131, got %s", ta.server.addr)
	}
	if !ta.server.served {
		t.Error("Expected ServeForever to be called")
	}
	if ta.stdout.String() != "Starting server at 3131\n" {
		t.Errorf("Expected exactly the startup notice on stdout, got %q", ta.stdout.String())
	}
	if ta.logs.FilterMessage("serve starting").Len() != 1 {
		t.Error("Expected a startup log entry")
	}
}

func TestAppRunWithoutNotice(t *testing.T) {
	ta := newTestApp(&config.SourceConfig{StartupNotice: false})

	ta.app.Run() //nolint:errcheck

	if ta.stdout.Len() != 0 {
		t.Errorf("Expected empty stdout, got %q", ta.stdout.String())
	}
}

func TestAppRunBindFailure(t *testing.T) {
	ta := newTestApp(&config.SourceConfig{StartupNotice: true})
	ta.server.startErr = &listener.BindError{Addr: "0.0.0.0:3131", Err: errors.New("address already in use")}

	err := ta.app.Run()

	if !listener.IsBindError(err) {
		t.Fatalf("Expected BindError, got %v", err)
	}
	if ta.server.served {
		t.Error("ServeForever must not run after a bind failure")
	}
	if ta.stdout.Len() != 0 {
		t.Errorf("No notice may be printed after a bind failure, got %q", ta.stdout.String())
	}
	if ta.logs.FilterMessage("failed to bind listener").Len() != 1 {
		t.Error("Expected the bind failure to be logged")
	}
}

func TestAppRunPrintConfig(t *testing.T) {
	ta := newTestApp(&config.SourceConfig{ListenIP: "0.0.0.0", ListenPort: "3131"}, "--print-config")

	if err := ta.app.Run(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if !strings.Contains(ta.stdout.String(), `listenPort: "3131"`) {
		t.Errorf("Expected YAML config on stdout, got %q", ta.stdout.String())
	}
	if ta.server.addr != "" {
		t.Error("The server must not start when printing the config")
	}
}

func TestAppRunVersion(t *testing.T) {
	ta := newTestApp(&config.SourceConfig{}, "--version")

	if err := ta.app.Run(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if ta.stdout.String() != "serve "+version.Info()+"\n" {
		t.Errorf("Unexpected version output %q", ta.stdout.String())
	}
	if ta.loader.calls != 0 {
		t.Error("Config should not be loaded for --version")
	}
}

func TestAppRunErrors(t *testing.T) {
	tests := []struct {
		name    string
		src     *config.SourceConfig
		loadErr error
		logErr  error
		args    []string
		errMsg  string
	}{
		{
			name:    "config load failure",
			loadErr: errors.New("broken yaml"),
			errMsg:  "failed to load config",
		},
		{
			name:   "invalid configuration",
			src:    &config.SourceConfig{ListenPort: "abc"},
			errMsg: "invalid configuration",
		},
		{
			name:   "logger failure",
			src:    &config.SourceConfig{},
			logErr: errors.New("no sink"),
			errMsg: "failed to create logger",
		},
		{
			name:   "positional arguments",
			src:    &config.SourceConfig{},
			args:   []string{"extra"},
			errMsg: "unknown command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ta := newTestApp(tt.src, tt.args...)
			ta.loader.err = tt.loadErr
			ta.app.LoggerFactory.(*MockLoggerFactory).err = tt.logErr

			err := ta.app.Run()

			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Expected error containing %q, got %q", tt.errMsg, err.Error())
			}
			if ta.server.addr != "" {
				t.Error("The server must not start")
			}
		})
	}
}

func TestAppRunPassesLogLevel(t *testing.T) {
	ta := newTestApp(&config.SourceConfig{LogLevel: "warn"})

	ta.app.Run() //nolint:errcheck

	if got := ta.app.LoggerFactory.(*MockLoggerFactory).level; got != zapcore.WarnLevel {
		t.Errorf("Expected warn level, got %v", got)
	}
}

func newFlagSet(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	setupFlags(flags)
	if err := flags.Parse(args); err != nil {
		t.Fatalf("Failed to parse flags: %v", err)
	}
	return flags
}

func TestSetupFlags(t *testing.T) {
	flags := newFlagSet(t)

	tests := []struct {
		name     string
		expected string
	}{
		{"listen-ip", "0.0.0.0"},
		{"listen-port", "3131"},
		{"startup-notice", "true"},
		{"logging-enabled", "true"},
		{"log-level", "info"},
		{"exclude", ""},
		{"set-request-id", "false"},
		{"header", "[]"},
		{"read-timeout", "0"},
		{"write-timeout", "0"},
		{"metrics-listen", ""},
		{"config", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := flags.Lookup(tt.name)
			if f == nil {
				t.Fatalf("Flag %s not registered", tt.name)
			}
			if f.DefValue != tt.expected {
				t.Errorf("Expected default %q, got %q", tt.expected, f.DefValue)
			}
		})
	}

	for key, name := range flagBindings {
		if flags.Lookup(name) == nil {
			t.Errorf("Binding for %s refers to unknown flag %s", key, name)
		}
		if _, ok := envBindings[key]; !ok {
			t.Errorf("Key %s has a flag but no environment variable", key)
		}
	}
}

func TestProcessHeaders(t *testing.T) {
	tests := []struct {
		name     string
		initial  map[string]string
		headers  []string
		expected map[string]string
	}{
		{
			name:     "valid headers",
			headers:  []string{"X-Served-By:pm2", "Cache-Control:no-store"},
			expected: map[string]string{"X-Served-By": "pm2", "Cache-Control": "no-store"},
		},
		{
			name:     "value containing a colon",
			headers:  []string{"Link:<http://localhost:3131/>"},
			expected: map[string]string{"Link": "<http://localhost:3131/>"},
		},
		{
			name:     "invalid entries are skipped",
			headers:  []string{"no-separator", ":empty-name"},
			expected: map[string]string{},
		},
		{
			name:     "flags extend config file headers",
			initial:  map[string]string{"X-From-File": "1"},
			headers:  []string{"X-From-Flag:2"},
			expected: map[string]string{"X-From-File": "1", "X-From-Flag": "2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.SourceConfig{Headers: tt.initial}
			processHeaders(cfg, tt.headers)

			if len(cfg.Headers) != len(tt.expected) {
				t.Fatalf("Expected %d headers, got %v", len(tt.expected), cfg.Headers)
			}
			for k, v := range tt.expected {
				if cfg.Headers[k] != v {
					t.Errorf("Expected header %s=%q, got %q", k, v, cfg.Headers[k])
				}
			}
		})
	}
}

// isolate keeps the loader away from config files and variables of the host.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Failed to change directory: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) }) //nolint:errcheck

	for _, env := range envBindings {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestDefaultConfigLoaderDefaults(t *testing.T) {
	isolate(t)

	cfg, err := (&DefaultConfigLoader{}).Load(newFlagSet(t))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.ListenIP != "0.0.0.0" || cfg.ListenPort != "3131" {
		t.Errorf("Expected 0.0.0.0:3131, got %s:%s", cfg.ListenIP, cfg.ListenPort)
	}
	if !cfg.StartupNotice {
		t.Error("Startup notice should default to true")
	}
	if !cfg.LoggingEnabled {
		t.Error("Logging should default to true")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected log level info, got %s", cfg.LogLevel)
	}
	if cfg.MetricsListen != "" {
		t.Errorf("Metrics should be disabled by default, got %s", cfg.MetricsListen)
	}
}

func TestDefaultConfigLoaderPrecedence(t *testing.T) {
	isolate(t)

	configFile := filepath.Join(t.TempDir(), "serve.yaml")
	yaml := `listenIp: 127.0.0.1
listenPort: "7000"
logLevel: debug
readTimeout: 5
headers:
  X-From-File: "1"
`
	if err := os.WriteFile(configFile, []byte(yaml), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("LISTEN_PORT", "8000")
	t.Setenv("STARTUP_NOTICE", "false")
	t.Setenv("WRITE_TIMEOUT", "7")

	flags := newFlagSet(t,
		"--config", configFile,
		"--log-level", "warn",
		"--header", "X-From-Flag:2",
	)

	cfg, err := (&DefaultConfigLoader{}).Load(flags)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.ListenIP != "127.0.0.1" {
		t.Errorf("Expected listen IP from file, got %s", cfg.ListenIP)
	}
	if cfg.ListenPort != "8000" {
		t.Errorf("Expected environment to override file port, got %s", cfg.ListenPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("Expected flag to override file log level, got %s", cfg.LogLevel)
	}
	if cfg.StartupNotice {
		t.Error("Expected STARTUP_NOTICE=false to disable the notice")
	}
	if cfg.ReadTimeout != 5 || cfg.WriteTimeout != 7 {
		t.Errorf("Expected timeouts 5/7, got %d/%d", cfg.ReadTimeout, cfg.WriteTimeout)
	}

	translated, err := cfg.NewTranslatedConfiguration()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if translated.Headers["X-From-File"] != "1" || translated.Headers["X-From-Flag"] != "2" {
		t.Errorf("Expected headers from file and flag, got %v", translated.Headers)
	}
}

func TestDefaultConfigLoaderSearchPath(t *testing.T) {
	isolate(t)

	if err := os.WriteFile("config.yaml", []byte("listenPort: \"9100\"\n"), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := (&DefaultConfigLoader{}).Load(newFlagSet(t))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.ListenPort != "9100" {
		t.Errorf("Expected port from ./config.yaml, got %s", cfg.ListenPort)
	}
}

func TestDefaultConfigLoaderMissingConfigFile(t *testing.T) {
	isolate(t)

	flags := newFlagSet(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := (&DefaultConfigLoader{}).Load(flags); err == nil {
		t.Error("Expected an error for an explicit config file that does not exist")
	}
}

func TestDefaultLoggerFactory(t *testing.T) {
	logger, err := (&DefaultLoggerFactory{}).CreateLogger(zapcore.WarnLevel)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("Info should be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Error("Warn should be enabled at warn level")
	}
}
