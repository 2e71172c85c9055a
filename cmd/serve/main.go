package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/theproductiveprogrammer/pm2/internal/version"
	"github.com/theproductiveprogrammer/pm2/internal/zapwriter"
	"github.com/theproductiveprogrammer/pm2/pkg/core"
	config "github.com/theproductiveprogrammer/pm2/pkg/core/config"
	"github.com/theproductiveprogrammer/pm2/pkg/core/handler"
	"github.com/theproductiveprogrammer/pm2/pkg/core/listener"
	"github.com/theproductiveprogrammer/pm2/pkg/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ConfigLoader loads the raw configuration after the flags have been parsed.
type ConfigLoader interface {
	Load(flags *flag.FlagSet) (*config.SourceConfig, error)
}

// LoggerFactory creates the process logger.
type LoggerFactory interface {
	CreateLogger(level zapcore.Level) (*zap.Logger, error)
}

// ServerFactory builds the listening server around a connection handler.
type ServerFactory func(h handler.Handler, logger *zap.Logger) core.Server

// App wires configuration, logging and the listener together.
type App struct {
	ConfigLoader  ConfigLoader
	LoggerFactory LoggerFactory
	NewServer     ServerFactory
	Writer        io.Writer
	Args          []string
}

// DefaultConfigLoader reads config.yaml, the environment and flags through viper.
type DefaultConfigLoader struct{}

// DefaultLoggerFactory builds a zap production logger writing JSON to stderr.
type DefaultLoggerFactory struct{}

func main() {
	if err := NewApp().Run(); err != nil {
		log.Fatalf("%v", err)
	}
}

// NewApp creates an App with the default implementations.
func NewApp() *App {
	return &App{
		ConfigLoader:  &DefaultConfigLoader{},
		LoggerFactory: &DefaultLoggerFactory{},
		NewServer: func(h handler.Handler, logger *zap.Logger) core.Server {
			return listener.New(h, logger)
		},
		Writer: os.Stdout,
		Args:   os.Args,
	}
}

// Run executes the root command. It only returns once the server has failed.
func (a *App) Run() error {
	cmd := a.newRootCmd()
	if len(a.Args) > 1 {
		cmd.SetArgs(a.Args[1:])
	} else {
		cmd.SetArgs([]string{})
	}
	cmd.SetOut(a.Writer)
	return cmd.Execute()
}

func (a *App) newRootCmd() *cobra.Command {
	var printConfig bool

	cmd := &cobra.Command{
		Use:           "serve",
		Short:         "Bind an HTTP listener on 0.0.0.0:3131 and answer every request with the default handler",
		Version:       version.Info(),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := a.ConfigLoader.Load(cmd.Flags())
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if printConfig {
				return src.PrintConfig(a.Writer)
			}

			cfg, err := src.NewTranslatedConfiguration()
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger, err := a.LoggerFactory.CreateLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			return a.serve(cfg, logger)
		},
	}
	cmd.SetVersionTemplate("serve {{.Version}}\n")

	setupFlags(cmd.Flags())
	cmd.Flags().BoolVar(&printConfig, "print-config", false, "Print the effective configuration as YAML and exit")

	return cmd
}

func (a *App) serve(cfg *config.TranslatedConfig, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Init()
	if cfg.MetricsListen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsListen); err != nil {
				logger.Error("metrics endpoint failed", zap.String("addr", cfg.MetricsListen), zap.Error(err))
			}
		}()
	}

	var w handler.Writer
	if cfg.LoggingEnabled {
		w = zapwriter.Writer{Logger: logger}
	}
	srv := a.NewServer(handler.NewDefault(cfg, w, logger), logger)

	logger.Info("serve starting",
		zap.String("version", version.Version),
		zap.String("addr", cfg.Addr()),
		zap.Bool("startup_notice", cfg.StartupNotice),
	)

	err := core.Run(cfg, srv, a.Writer)
	if listener.IsBindError(err) {
		logger.Error("failed to bind listener", zap.Error(err))
	}
	return err
}

// flagBindings maps viper keys to flag names.
var flagBindings = map[string]string{
	"listenIp":       "listen-ip",
	"listenPort":     "listen-port",
	"startupNotice":  "startup-notice",
	"loggingEnabled": "logging-enabled",
	"logLevel":       "log-level",
	"exclude":        "exclude",
	"setRequestId":   "set-request-id",
	"readTimeout":    "read-timeout",
	"writeTimeout":   "write-timeout",
	"metricsListen":  "metrics-listen",
}

// envBindings maps viper keys to SCREAMING_SNAKE_CASE environment variables.
var envBindings = map[string]string{
	"listenIp":       "LISTEN_IP",
	"listenPort":     "LISTEN_PORT",
	"startupNotice":  "STARTUP_NOTICE",
	"loggingEnabled": "LOGGING_ENABLED",
	"logLevel":       "LOG_LEVEL",
	"exclude":        "EXCLUDE",
	"setRequestId":   "SET_REQUEST_ID",
	"readTimeout":    "READ_TIMEOUT",
	"writeTimeout":   "WRITE_TIMEOUT",
	"metricsListen":  "METRICS_LISTEN",
}

func setupFlags(flags *flag.FlagSet) {
	flags.String("config", "", "Path to a YAML config file (default: config.yaml in /etc/serve, ~/.serve or .)")
	flags.String("listen-ip", config.DefaultListenIP, "IP address to listen on")
	flags.String("listen-port", config.DefaultListenPort, "Port to listen on")
	flags.Bool("startup-notice", true, "Print \"Starting server at <port>\" to stdout once the port is bound")
	flags.Bool("logging-enabled", true, "Write an access log line for every answered connection")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("exclude", "", "Regex pattern of request paths to exclude from the access log")
	flags.Bool("set-request-id", false, "Send an X-Request-Id header with every response")
	flags.StringSlice("header", []string{}, "HTTP header to add to every response. You may use this flag multiple times.")
	flags.Int("read-timeout", 0, "Read timeout in seconds, 0 waits forever")
	flags.Int("write-timeout", 0, "Write timeout in seconds, 0 waits forever")
	flags.String("metrics-listen", "", "Address for the Prometheus /metrics endpoint, e.g. 127.0.0.1:9131 (disabled when empty)")
}

// Load implements ConfigLoader. Precedence: flags, environment, config file, defaults.
func (l *DefaultConfigLoader) Load(flags *flag.FlagSet) (*config.SourceConfig, error) {
	v := viper.New()

	defaults := map[string]interface{}{
		"listenIp":       config.DefaultListenIP,
		"listenPort":     config.DefaultListenPort,
		"startupNotice":  true,
		"loggingEnabled": true,
		"logLevel":       "info",
		"exclude":        "",
		"setRequestId":   false,
		"headers":        make(map[string]string),
		"readTimeout":    0,
		"writeTimeout":   0,
		"metricsListen":  "",
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	for key, env := range envBindings {
		v.BindEnv(key, env) //nolint:errcheck
	}

	for key, name := range flagBindings {
		if f := flags.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	configFile, _ := flags.GetString("config")
	if err := setupConfigPaths(v, configFile); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg config.SourceConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	headers, _ := flags.GetStringSlice("header")
	processHeaders(&cfg, headers)

	return &cfg, nil
}

func setupConfigPaths(v *viper.Viper, configFile string) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		return nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/serve")
	if homeDir, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(homeDir + "/.serve")
	}
	v.AddConfigPath(".")

	return nil
}

// processHeaders merges "Name:value" flag values into the configured headers.
func processHeaders(cfg *config.SourceConfig, headers []string) {
	if cfg.Headers == nil {
		cfg.Headers = make(map[string]string, len(headers))
	}
	for _, item := range headers {
		k, v, found := strings.Cut(item, ":")
		if found && strings.TrimSpace(k) != "" {
			cfg.Headers[k] = v
		}
	}
}

// CreateLogger implements LoggerFactory.
func (f *DefaultLoggerFactory) CreateLogger(level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}
