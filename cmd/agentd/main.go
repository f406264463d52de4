package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	viperlib "github.com/spf13/viper"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/agentcore-io/agentcore/internal/agent"
	"github.com/agentcore-io/agentcore/internal/api"
	"github.com/agentcore-io/agentcore/internal/retry"
	"github.com/agentcore-io/agentcore/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// config is the fully-resolved set of per-class static options from spec
// §6, layered by viper from flags, AGENTCORE_* env vars, and an optional
// YAML config file, in that order of precedence.
type config struct {
	Name     string `mapstructure:"name"`
	HTTPAddr string `mapstructure:"http_addr"`
	DBDriver string `mapstructure:"db_driver"`
	DBDSN    string `mapstructure:"db_dsn"`
	LogLevel string `mapstructure:"log_level"`

	AgentToken                 string `mapstructure:"agent_token"`
	Hibernate                  bool   `mapstructure:"hibernate"`
	SendIdentityOnConnect      bool   `mapstructure:"send_identity_on_connect"`
	HungScheduleTimeoutSeconds int64  `mapstructure:"hung_schedule_timeout_seconds"`

	Retry retryConfig `mapstructure:"retry"`
}

type retryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	BaseDelayMs int `mapstructure:"base_delay_ms"`
	MaxDelayMs  int `mapstructure:"max_delay_ms"`
}

// viper is a custom instance, kept separate from any global so tests can
// build their own root command without cross-contaminating state.
var viper = viperlib.NewWithOptions(viperlib.KeyDelimiter("::"))

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cfg := &config{}

	root := &cobra.Command{
		Use:   "agentd",
		Short: "agentd — runs one durable agent instance",
		Long: `agentd hosts a single named agent instance: its state store,
scheduler, task queue, fiber engine, and workflow tracker, all persisted to
one embedded SQL database and exposed over a WebSocket/REST admin surface.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cfgFile, cmd, cfg); err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./agentcore.yaml or ~/.config/agentcore/config.yaml)")
	root.PersistentFlags().String("name", "default", "Instance name, used as a logging field")
	root.PersistentFlags().String("http-addr", ":8080", "HTTP admin surface listen address")
	root.PersistentFlags().String("db-driver", "sqlite", "Database driver (sqlite or postgres)")
	root.PersistentFlags().String("db-dsn", "./agentcore.db", "Database DSN or file path for SQLite")
	root.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("agent-token", "", "Shared secret signing the admin HTTP/WS bearer tokens (empty = disabled, dev only)")
	root.PersistentFlags().Bool("hibernate", true, "Allow the instance to be evicted and recovered from durable state")
	root.PersistentFlags().Bool("send-identity-on-connect", true, "Send the instance's identity frame as the first message on every new connection")
	root.PersistentFlags().Int64("hung-schedule-timeout-seconds", 30, "Seconds a still-running interval schedule may run before it is force-reset")
	root.PersistentFlags().Int("retry-max-attempts", retry.Defaults.MaxAttempts, "Max attempts stored in agent.Config.Retry (the scheduler and queue do not read it; they resolve against retry.Defaults)")
	root.PersistentFlags().Int("retry-base-delay-ms", retry.Defaults.BaseDelayMs, "Base backoff delay in milliseconds stored in agent.Config.Retry (not read by the scheduler or queue)")
	root.PersistentFlags().Int("retry-max-delay-ms", retry.Defaults.MaxDelayMs, "Max backoff delay in milliseconds stored in agent.Config.Retry (not read by the scheduler or queue)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// loadConfig layers flags, AGENTCORE_* environment variables, and an
// optional YAML config file into cfg, in that precedence order (flags win,
// then env, then file, then the defaults set below). It mirrors the
// zjrosen-perles root command's viper wiring.
func loadConfig(cfgFile string, cmd *cobra.Command, cfg *config) error {
	viper.SetEnvPrefix("agentcore")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, flag := range []string{
		"name", "http-addr", "db-driver", "db-dsn", "log-level", "agent-token",
		"hibernate", "send-identity-on-connect", "hung-schedule-timeout-seconds",
		"retry-max-attempts", "retry-base-delay-ms", "retry-max-delay-ms",
	} {
		if err := viper.BindPFlag(viperKey(flag), cmd.PersistentFlags().Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %q: %w", flag, err)
		}
	}

	viper.SetDefault("retry::max_attempts", retry.Defaults.MaxAttempts)
	viper.SetDefault("retry::base_delay_ms", retry.Defaults.BaseDelayMs)
	viper.SetDefault("retry::max_delay_ms", retry.Defaults.MaxDelayMs)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if _, err := os.Stat("./agentcore.yaml"); err == nil {
		viper.SetConfigFile("./agentcore.yaml")
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".config", "agentcore"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viperlib.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	return viper.Unmarshal(cfg)
}

// viperKey rewrites a flag's dashed name to the "::"-delimited key used by
// this viper instance, e.g. "http-addr" -> "http_addr", "retry-max-attempts"
// -> "retry::max_attempts".
func viperKey(flag string) string {
	switch flag {
	case "retry-max-attempts":
		return "retry::max_attempts"
	case "retry-base-delay-ms":
		return "retry::base_delay_ms"
	case "retry-max-delay-ms":
		return "retry::max_delay_ms"
	default:
		return strings.ReplaceAll(flag, "-", "_")
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting agentd",
		zap.String("version", version),
		zap.String("instance", cfg.Name),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("log_level", cfg.LogLevel),
	)
	if used := viper.ConfigFileUsed(); used != "" {
		logger.Info("config file loaded", zap.String("path", used))
		viper.OnConfigChange(func(e fsnotify.Event) {
			logger.Warn("config file changed on disk; restart agentd to apply it", zap.String("path", e.Name))
		})
		viper.WatchConfig()
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Database ---
	gormDB, err := storage.Open(storage.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DBDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.LogLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 2. Instance ---
	inst, err := agent.New(gormDB, logger, agent.Config{
		Name:                       cfg.Name,
		Hibernate:                  cfg.Hibernate,
		SendIdentityOnConnect:      cfg.SendIdentityOnConnect,
		HungScheduleTimeoutSeconds: cfg.HungScheduleTimeoutSeconds,
		Retry: retry.Options{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelayMs: cfg.Retry.BaseDelayMs,
			MaxDelayMs:  cfg.Retry.MaxDelayMs,
		},
		AuthToken: cfg.AgentToken,
	})
	if err != nil {
		return fmt.Errorf("failed to build instance: %w", err)
	}
	if err := inst.Start(ctx); err != nil {
		return fmt.Errorf("failed to start instance: %w", err)
	}
	defer inst.Stop()

	// --- 3. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Instance: inst,
		Logger:   logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down agentd")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("agentd stopped")
	return nil
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
