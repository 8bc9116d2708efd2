package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/platformops/admin-coordinator/internal/config"
	"github.com/platformops/admin-coordinator/internal/docstore"
	"github.com/platformops/admin-coordinator/internal/lock"
	"github.com/platformops/admin-coordinator/internal/logger"
	"github.com/platformops/admin-coordinator/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "admin-coordinator",
	Short: "Admin coordination service",
	Long: `A coordination service for multi-tenant admin tooling: advisory
locks, transactional checkpoints, rollback points, consistency validation,
and audited impersonation sessions over a document store.`,
	RunE: runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit:  %s\n", commit)
		fmt.Printf("Built:   %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	// Configuration flags
	rootCmd.Flags().Int("api-port", 8080, "API server port")
	rootCmd.Flags().String("api-host", "0.0.0.0", "API server host")
	rootCmd.Flags().Int("probe-port", 8081, "Probe server port")
	rootCmd.Flags().String("probe-host", "0.0.0.0", "Probe server host")
	rootCmd.Flags().Int("metrics-port", 9090, "Metrics server port")
	rootCmd.Flags().String("metrics-host", "0.0.0.0", "Metrics server host")
	rootCmd.Flags().Bool("tls-enabled", false, "Enable TLS for API server")
	rootCmd.Flags().String("tls-cert", "", "Path to TLS certificate")
	rootCmd.Flags().String("tls-key", "", "Path to TLS key")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().String("log-format", "json", "Log format (json, console)")
	rootCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout (e.g., 30s)")
	rootCmd.Flags().Duration("health-check-timeout", 5*time.Second, "Health check timeout (e.g., 5s)")
	rootCmd.Flags().Duration("health-cache-duration", 10*time.Second, "Health check cache duration (e.g., 10s)")

	// Document store flags
	rootCmd.Flags().String("store-backend", config.StoreBackendOlric, "Document store backend (memory, olric, postgres)")
	rootCmd.Flags().String("store-postgres-dsn", "", "Postgres DSN for the postgres backend")

	// Authentication flags
	rootCmd.Flags().String("auth-jwt-secret", "", "HMAC secret for operator token verification")

	// Coordination flags
	rootCmd.Flags().Duration("lock-default-ttl", 5*time.Minute, "Default lock lease TTL")
	rootCmd.Flags().Duration("lock-max-wait-cap", 60*time.Second, "Upper bound on lock acquisition wait")
	rootCmd.Flags().Duration("lock-backoff-min", 500*time.Millisecond, "Minimum lock retry backoff")
	rootCmd.Flags().Duration("lock-backoff-max", 1500*time.Millisecond, "Maximum lock retry backoff")
	rootCmd.Flags().Duration("lock-store-expiry", 24*time.Hour, "Store-level expiry backstop for lock documents")
	rootCmd.Flags().Int("txn-max-attempts", 3, "Maximum transaction attempts on conflict")
	rootCmd.Flags().Duration("checkpoint-retention", 168*time.Hour, "Default checkpoint retention for cleanup")
	rootCmd.Flags().Int("session-default-estimate-minutes", 60, "Default impersonation session estimate in minutes")

	// Olric cluster flags (olric backend only)
	rootCmd.Flags().String("olric-host", docstore.DefaultOlricBindAddr, "Olric bind host")
	rootCmd.Flags().Int("olric-port", docstore.DefaultOlricBindPort, "Olric bind port")
	rootCmd.Flags().StringSlice("olric-join-addrs", []string{}, "Olric cluster join addresses")
	rootCmd.Flags().String("olric-replication-mode", docstore.DefaultOlricReplicationMode, "Olric replication mode (sync/async)")
	rootCmd.Flags().Int("olric-replication-factor", docstore.DefaultOlricReplicationFactor, "Olric replication factor")
	rootCmd.Flags().Int("olric-partition-count", int(docstore.DefaultOlricPartitionCount), "Olric partition count")
	rootCmd.Flags().Int("olric-member-count-quorum", docstore.DefaultOlricMemberQuorum, "Olric member count quorum")
	rootCmd.Flags().Duration("olric-join-retry-interval", docstore.DefaultOlricJoinRetryInterval, "Olric join retry interval")
	rootCmd.Flags().Int("olric-max-join-attempts", docstore.DefaultOlricMaxJoinAttempts, "Olric max join attempts")
	rootCmd.Flags().String("olric-log-level", docstore.DefaultOlricLogLevel, "Olric log level (DEBUG/INFO/WARN/ERROR)")
	rootCmd.Flags().Duration("olric-keep-alive-period", docstore.DefaultOlricKeepAlivePeriod, "Olric keep alive period")
	rootCmd.Flags().Duration("olric-request-timeout", docstore.DefaultOlricRequestTimeout, "Olric request timeout")
	rootCmd.Flags().String("olric-dmap-prefix", docstore.DefaultOlricDMapPrefix, "Olric DMap name prefix")

	// Bind flags to viper
	_ = viper.BindPFlag("api.port", rootCmd.Flags().Lookup("api-port"))
	_ = viper.BindPFlag("api.host", rootCmd.Flags().Lookup("api-host"))
	_ = viper.BindPFlag("probe.port", rootCmd.Flags().Lookup("probe-port"))
	_ = viper.BindPFlag("probe.host", rootCmd.Flags().Lookup("probe-host"))
	_ = viper.BindPFlag("metrics.port", rootCmd.Flags().Lookup("metrics-port"))
	_ = viper.BindPFlag("metrics.host", rootCmd.Flags().Lookup("metrics-host"))
	_ = viper.BindPFlag("tls.enabled", rootCmd.Flags().Lookup("tls-enabled"))
	_ = viper.BindPFlag("tls.cert", rootCmd.Flags().Lookup("tls-cert"))
	_ = viper.BindPFlag("tls.key", rootCmd.Flags().Lookup("tls-key"))
	_ = viper.BindPFlag("log.level", rootCmd.Flags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.Flags().Lookup("log-format"))
	_ = viper.BindPFlag("shutdown.timeout", rootCmd.Flags().Lookup("shutdown-timeout"))
	_ = viper.BindPFlag("health.check_timeout", rootCmd.Flags().Lookup("health-check-timeout"))
	_ = viper.BindPFlag("health.cache_duration", rootCmd.Flags().Lookup("health-cache-duration"))
	_ = viper.BindPFlag("store.backend", rootCmd.Flags().Lookup("store-backend"))
	_ = viper.BindPFlag("store.postgres_dsn", rootCmd.Flags().Lookup("store-postgres-dsn"))
	_ = viper.BindPFlag("auth.jwt_secret", rootCmd.Flags().Lookup("auth-jwt-secret"))
	_ = viper.BindPFlag("lock.default_ttl", rootCmd.Flags().Lookup("lock-default-ttl"))
	_ = viper.BindPFlag("lock.max_wait_cap", rootCmd.Flags().Lookup("lock-max-wait-cap"))
	_ = viper.BindPFlag("lock.backoff_min", rootCmd.Flags().Lookup("lock-backoff-min"))
	_ = viper.BindPFlag("lock.backoff_max", rootCmd.Flags().Lookup("lock-backoff-max"))
	_ = viper.BindPFlag("lock.store_expiry", rootCmd.Flags().Lookup("lock-store-expiry"))
	_ = viper.BindPFlag("txn.max_attempts", rootCmd.Flags().Lookup("txn-max-attempts"))
	_ = viper.BindPFlag("checkpoint.retention", rootCmd.Flags().Lookup("checkpoint-retention"))
	_ = viper.BindPFlag("session.default_estimate_minutes", rootCmd.Flags().Lookup("session-default-estimate-minutes"))
	_ = viper.BindPFlag("olric.host", rootCmd.Flags().Lookup("olric-host"))
	_ = viper.BindPFlag("olric.port", rootCmd.Flags().Lookup("olric-port"))
	_ = viper.BindPFlag("olric.join_addrs", rootCmd.Flags().Lookup("olric-join-addrs"))
	_ = viper.BindPFlag("olric.replication_mode", rootCmd.Flags().Lookup("olric-replication-mode"))
	_ = viper.BindPFlag("olric.replication_factor", rootCmd.Flags().Lookup("olric-replication-factor"))
	_ = viper.BindPFlag("olric.partition_count", rootCmd.Flags().Lookup("olric-partition-count"))
	_ = viper.BindPFlag("olric.member_count_quorum", rootCmd.Flags().Lookup("olric-member-count-quorum"))
	_ = viper.BindPFlag("olric.join_retry_interval", rootCmd.Flags().Lookup("olric-join-retry-interval"))
	_ = viper.BindPFlag("olric.max_join_attempts", rootCmd.Flags().Lookup("olric-max-join-attempts"))
	_ = viper.BindPFlag("olric.log_level", rootCmd.Flags().Lookup("olric-log-level"))
	_ = viper.BindPFlag("olric.keep_alive_period", rootCmd.Flags().Lookup("olric-keep-alive-period"))
	_ = viper.BindPFlag("olric.request_timeout", rootCmd.Flags().Lookup("olric-request-timeout"))
	_ = viper.BindPFlag("olric.dmap_prefix", rootCmd.Flags().Lookup("olric-dmap-prefix"))
}

// openStore opens the configured document store backend.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (docstore.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		log.Warn("Using in-memory document store; all state is lost on restart")
		return docstore.NewMemory(), nil

	case config.StoreBackendPostgres:
		return docstore.OpenPostgres(cfg.PostgresDSN)

	case config.StoreBackendOlric:
		olricCfg := olricConfigFromViper(cfg)
		if err := olricCfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid olric configuration: %w", err)
		}
		return docstore.NewOlric(ctx, olricCfg, log)

	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.StoreBackend)
	}
}

// olricConfigFromViper builds the Olric store configuration from the
// bound olric.* keys.
func olricConfigFromViper(cfg *config.Config) *docstore.OlricConfig {
	olricCfg := docstore.NewDefaultOlricConfig()
	olricCfg.BindAddr = viper.GetString("olric.host")
	olricCfg.BindPort = viper.GetInt("olric.port")
	olricCfg.JoinAddrs = viper.GetStringSlice("olric.join_addrs")
	olricCfg.ReplicationMode = viper.GetString("olric.replication_mode")
	olricCfg.ReplicationFactor = viper.GetInt("olric.replication_factor")
	olricCfg.PartitionCount = viper.GetUint64("olric.partition_count")
	olricCfg.MemberCountQuorum = viper.GetInt("olric.member_count_quorum")
	olricCfg.JoinRetryInterval = viper.GetDuration("olric.join_retry_interval")
	olricCfg.MaxJoinAttempts = viper.GetInt("olric.max_join_attempts")
	olricCfg.LogLevel = viper.GetString("olric.log_level")
	olricCfg.KeepAlivePeriod = viper.GetDuration("olric.keep_alive_period")
	olricCfg.RequestTimeout = viper.GetDuration("olric.request_timeout")
	olricCfg.DMapPrefix = viper.GetString("olric.dmap_prefix")

	if cfg.LockStoreExpiry > 0 {
		olricCfg.CollectionTTLs = map[string]time.Duration{
			lock.Collection: cfg.LockStoreExpiry,
		}
	}

	return olricCfg
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting admin coordination service",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
		zap.String("backend", cfg.StoreBackend),
	)

	// Open the document store
	store, err := openStore(cmd.Context(), cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open document store: %w", err)
	}

	// Create server with build info; the server owns the store from here
	buildInfo := map[string]string{
		"version": version,
		"commit":  commit,
		"date":    date,
	}
	srv, err := server.New(cfg, log, store, buildInfo)
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = store.Close(closeCtx)
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Start server
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	log.Info("Service started successfully")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutdown signal received")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		return err
	}

	log.Info("Service stopped gracefully")
	return nil
}
