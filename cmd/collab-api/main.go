package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/opencanvas/collab-backend/internal/auth"
	"github.com/opencanvas/collab-backend/internal/collab"
	"github.com/opencanvas/collab-backend/internal/config"
	"github.com/opencanvas/collab-backend/internal/database"
	"github.com/opencanvas/collab-backend/internal/logging"
	"github.com/opencanvas/collab-backend/internal/metrics"
	"github.com/opencanvas/collab-backend/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collab-api",
		Short: "Realtime document collaboration backend",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token <user-id> [display-name]",
		Short: "Mint a development access token for a user",
		Args:  cobra.RangeArgs(1, 2),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd.Context(), args)
		},
	}
	rootCmd.AddCommand(tokenCmd)

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Access token signing secret (overrides env)")
	cmd.PersistentFlags().Int("max-participants", defaults.GetInt("room.max_participants"), "Maximum online participants per room")
	cmd.PersistentFlags().Duration("evict-after", defaults.GetDuration("room.evict_after"), "Idle window before an empty room's document is evicted")
	cmd.PersistentFlags().Int("messages-per-minute", defaults.GetInt("limits.messages_per_minute"), "Per-connection websocket message budget")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Optional redis address for presence diagnostics")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "room.max_participants", "max-participants")
	bindFlag(cmd, "room.evict_after", "evict-after")
	bindFlag(cmd, "limits.messages_per_minute", "messages-per-minute")
	bindFlag(cmd, "redis.address", "redis-address")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runToken(ctx context.Context, args []string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	displayName := ""
	if len(args) > 1 {
		displayName = args[1]
	}
	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		Audience:      appConfig.Audience,
	})
	token, expiresIn, err := issuer.IssueAccessToken(ctx, args[0], displayName)
	if err != nil {
		return err
	}
	fmt.Printf("%s\nexpires_in=%d\n", token, expiresIn)
	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	promRegistry := prometheus.NewRegistry()
	serviceMetrics := metrics.New(promRegistry)

	persistence, err := collab.NewPersistence(collab.PersistenceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	store, err := collab.NewDocumentStore(collab.DocumentStoreConfig{
		Persistence: persistence,
		Logger:      logger,
		Metrics:     serviceMetrics,
	})
	if err != nil {
		return err
	}

	var diagnostics *redis.Client
	if appConfig.RedisAddress != "" {
		diagnostics = redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		defer diagnostics.Close()
	}
	presence := collab.NewTracker(collab.TrackerConfig{
		Diagnostics: diagnostics,
		Logger:      logger,
	})

	registry, err := collab.NewRegistry(collab.RegistryConfig{
		Store:           store,
		Persistence:     persistence,
		Presence:        presence,
		Logger:          logger,
		MaxParticipants: appConfig.MaxParticipants,
		EvictAfter:      appConfig.EvictAfter,
	})
	if err != nil {
		return err
	}
	registry.StartJanitor()
	defer registry.StopJanitor()

	filter := collab.NewSafetyFilter(collab.SafetyFilterConfig{
		MaxUpdateBytes: appConfig.MaxUpdateBytes,
	})

	gateway, err := server.NewGateway(server.GatewayConfig{
		Registry:          registry,
		Store:             store,
		Filter:            filter,
		Presence:          presence,
		Logger:            logger,
		Metrics:           serviceMetrics,
		MessagesPerMinute: appConfig.MessagesPerMinute,
		MaxUpdateBytes:    appConfig.MaxUpdateBytes,
	})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		Audience:      appConfig.Audience,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:          tokenManager,
		Gateway:         gateway,
		Registry:        registry,
		Store:           store,
		Persistence:     persistence,
		MetricsGatherer: promRegistry,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
