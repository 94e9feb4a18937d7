package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/runtimegate/internal/adapter/inbound/http"
	fileaudit "github.com/Sentinel-Gate/runtimegate/internal/adapter/outbound/audit"
	"github.com/Sentinel-Gate/runtimegate/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/runtimegate/internal/adapter/outbound/extensions"
	"github.com/Sentinel-Gate/runtimegate/internal/adapter/outbound/jwks"
	"github.com/Sentinel-Gate/runtimegate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/runtimegate/internal/adapter/outbound/runtimeapi"
	"github.com/Sentinel-Gate/runtimegate/internal/config"
	"github.com/Sentinel-Gate/runtimegate/internal/domain/audit"
	"github.com/Sentinel-Gate/runtimegate/internal/domain/auth"
	"github.com/Sentinel-Gate/runtimegate/internal/service"
	"github.com/Sentinel-Gate/runtimegate/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gate",
	Long: `Start the Runtime API proxy.

The gate listens on server.host:server.port for the function runtime, polls
the real Runtime API for invocations, and only delivers those whose bearer
token verifies. Inside Lambda it also registers as an external extension and
exits on SHUTDOWN.

Examples:
  # Start with config file and environment settings
  runtime-gate start

  # Run locally against a Runtime API emulator, with debug logs and spans on stderr
  runtime-gate start --dev`,
	RunE: runStart,
}

var devMode bool

func init() {
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, no extension registration)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	settings, err := resolveDurations(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()

	// stdout carries the audit log; diagnostics go to stderr.
	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	if err := run(ctx, cfg, settings, logger); err != nil {
		return err
	}

	logger.Info("runtime-gate stopped")
	return nil
}

// durations holds the parsed duration settings of a validated config.
type durations struct {
	shutdownTimeout    time.Duration
	retryBackoff       time.Duration
	leeway             time.Duration
	fetchTimeout       time.Duration
	cacheTTL           time.Duration
	minRefreshInterval time.Duration
	flushInterval      time.Duration
	sendTimeout        time.Duration
}

func resolveDurations(cfg *config.GateConfig) (durations, error) {
	var d durations
	fields := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeout, &d.shutdownTimeout},
		{"runtime_api.retry_backoff", cfg.RuntimeAPI.RetryBackoff, &d.retryBackoff},
		{"auth.leeway", cfg.Auth.Leeway, &d.leeway},
		{"keyset.fetch_timeout", cfg.KeySet.FetchTimeout, &d.fetchTimeout},
		{"keyset.cache_ttl", cfg.KeySet.CacheTTL, &d.cacheTTL},
		{"keyset.min_refresh_interval", cfg.KeySet.MinRefreshInterval, &d.minRefreshInterval},
		{"audit.flush_interval", cfg.Audit.FlushInterval, &d.flushInterval},
		{"audit.send_timeout", cfg.Audit.SendTimeout, &d.sendTimeout},
	}
	for _, f := range fields {
		v, err := parseDuration(f.value)
		if err != nil {
			return durations{}, fmt.Errorf("invalid %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return d, nil
}

// parseDuration parses a Go duration. Empty means zero.
func parseDuration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q is negative", s)
	}
	return d, nil
}

// run wires all components together and serves until ctx is cancelled,
// a SHUTDOWN event arrives, or the listener fails.
func run(ctx context.Context, cfg *config.GateConfig, d durations, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.DevMode {
		logger.Warn("development mode enabled, extension registration defaults to off")
	}

	// Tracing
	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), d.shutdownTimeout)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("failed to flush spans", "error", err)
		}
	}()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := http.NewMetrics(reg)

	// Audit
	auditStore, err := createAuditStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := auditStore.Close(); err != nil {
			logger.Warn("failed to close audit output", "error", err)
		}
	}()

	auditService := service.NewAuditService(auditStore, logger,
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(d.flushInterval),
		service.WithSendTimeout(d.sendTimeout),
	)
	auditService.Start(ctx)
	defer auditService.Stop()
	http.RegisterAuditMetrics(reg, auditService)

	// Signing keys and verifier
	keySet := jwks.New(cfg.Auth.JWKSURL,
		jwks.WithFetchTimeout(d.fetchTimeout),
		jwks.WithCacheTTL(d.cacheTTL),
		jwks.WithMinRefreshInterval(d.minRefreshInterval),
		jwks.WithLogger(logger),
		jwks.WithFetchObserver(metrics.ObserveKeyFetch),
	)

	verifierOpts := []auth.VerifierOption{
		auth.WithAlgorithms(cfg.Auth.Algorithms...),
		auth.WithLeeway(d.leeway),
		auth.WithRefreshOnSignatureFailure(cfg.KeySet.RefreshOnSignatureFailure),
	}
	if cfg.Auth.Audience != "" {
		verifierOpts = append(verifierOpts, auth.WithAudience(cfg.Auth.Audience))
	}
	if cfg.Auth.Condition != "" {
		condition, err := cel.NewClaimsCondition(cfg.Auth.Condition)
		if err != nil {
			return fmt.Errorf("invalid auth.condition: %w", err)
		}
		verifierOpts = append(verifierOpts, auth.WithClaimsPolicy(condition))
		logger.Info("claims condition enabled", "condition", condition.String())
	}
	verifier, err := auth.NewVerifier(keySet, cfg.Auth.Issuer, verifierOpts...)
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}

	// Control plane
	runtimeClient := runtimeapi.NewClient(cfg.RuntimeAPI.Address,
		runtimeapi.WithRetries(cfg.RuntimeAPI.ResponseRetries, d.retryBackoff),
		runtimeapi.WithLogger(logger),
	)
	defer runtimeClient.CloseIdleConnections()

	gate, err := service.NewGateService(runtimeClient, verifier, logger,
		service.WithGating(cfg.Gate.Enabled),
		service.WithClaimsField(cfg.Auth.ClaimsField),
		service.WithAuditRecorder(auditService),
		service.WithObserver(metrics),
	)
	if err != nil {
		return fmt.Errorf("failed to create gate: %w", err)
	}
	if !cfg.Gate.Enabled {
		logger.Warn("invocation gating disabled, next-invocation is a plain pass-through")
	}

	// Lifecycle
	if cfg.Extension.Enabled {
		lifecycle := service.NewLifecycleService(
			extensions.NewClient(cfg.Extension.Address, extensions.WithLogger(logger)),
			cfg.Extension.Name,
			cfg.Extension.Events,
			logger,
		)
		go func() {
			err := lifecycle.Run(ctx, func(reason string) {
				logger.Info("shutdown requested by Lambda", "reason", reason)
				cancel()
			})
			if err != nil {
				// The runtime still needs its Runtime API.
				logger.Error("extension lifecycle ended, continuing to serve", "error", err)
			}
		}()
	}

	// Inbound
	transport := http.NewHTTPTransport(gate,
		http.WithAddr(net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))),
		http.WithAdminAddr(cfg.Server.AdminAddr),
		http.WithLogger(logger),
		http.WithMetrics(metrics),
		http.WithRegistry(reg),
		http.WithHealthChecker(http.NewHealthChecker(keySet, auditService, Version)),
		http.WithAuditQuerier(auditStore),
		http.WithShutdownTimeout(d.shutdownTimeout),
	)

	logger.Info("runtime-gate starting",
		"version", Version,
		"runtime_api", cfg.RuntimeAPI.Address,
		"gating", cfg.Gate.Enabled,
		"issuer", cfg.Auth.Issuer,
		"jwks_url", cfg.Auth.JWKSURL,
		"algorithms", verifier.Algorithms(),
	)

	if err := transport.Start(ctx); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	return nil
}

// queryableAuditStore is an audit sink that also keeps recent records in
// memory for the admin /audit endpoint.
type queryableAuditStore interface {
	audit.AuditStore
	http.AuditQuerier
}

// createAuditStore creates an audit store based on configuration.
func createAuditStore(cfg *config.GateConfig, logger *slog.Logger) (queryableAuditStore, error) {
	switch {
	case cfg.Audit.Output == "stdout":
		logger.Debug("audit output: stdout", "buffer_size", cfg.Audit.BufferSize)
		return memory.NewAuditStore(cfg.Audit.BufferSize), nil

	case cfg.Audit.Output == "none":
		logger.Debug("audit output: none", "buffer_size", cfg.Audit.BufferSize)
		return memory.NewAuditStoreWithWriter(io.Discard, cfg.Audit.BufferSize), nil

	case strings.HasPrefix(cfg.Audit.Output, "file://"):
		path := parseFileURI(cfg.Audit.Output)
		if path == "" {
			return nil, fmt.Errorf("invalid audit file URI: %s", cfg.Audit.Output)
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit file %s: %w", path, err)
		}
		logger.Debug("audit output: file", "path", path, "buffer_size", cfg.Audit.BufferSize)
		return memory.NewAuditStoreWithWriter(f, cfg.Audit.BufferSize), nil

	case strings.HasPrefix(cfg.Audit.Output, "dir://"):
		dir := strings.TrimPrefix(cfg.Audit.Output, "dir://")
		logger.Debug("audit output: rotating files", "dir", dir,
			"max_file_size_mb", cfg.Audit.MaxFileSizeMB, "max_files", cfg.Audit.MaxFiles)
		store, err := fileaudit.NewRotatingStore(fileaudit.RotatingConfig{
			Dir:           dir,
			MaxFileSizeMB: cfg.Audit.MaxFileSizeMB,
			MaxFiles:      cfg.Audit.MaxFiles,
			CacheSize:     cfg.Audit.BufferSize,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit directory %s: %w", dir, err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("invalid audit output: %s (must be 'stdout', 'none', 'file://path' or 'dir://path')", cfg.Audit.Output)
	}
}

// parseFileURI extracts the file path from a "file:///path" URI.
func parseFileURI(uri string) string {
	const prefix = "file://"
	if !strings.HasPrefix(uri, prefix) {
		return ""
	}
	return strings.TrimPrefix(uri, prefix)
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
