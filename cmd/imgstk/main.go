package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/batches"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/blobstore"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/config"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/database"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/delivery"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/filename"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/sequence"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "imgstk",
		Short: "imgstk batch image upload and delivery service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newSequenceCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "Admin API listen address")
	cmd.Flags().String("delivery-address", defaults.GetString("delivery.address"), "Delivery gateway listen address")
	cmd.Flags().String("delivery-base-url", defaults.GetString("delivery.base_url"), "Public base URL of delivered images")
	cmd.Flags().String("storage-backend", defaults.GetString("storage.backend"), "Blob storage backend (filesystem, s3)")
	cmd.Flags().String("storage-path", defaults.GetString("storage.path"), "Blob directory for the filesystem backend")

	bindFlag(cmd.PersistentFlags().Lookup("database-path"), "database.path")
	bindFlag(cmd.PersistentFlags().Lookup("log-level"), "log.level")
	bindFlag(cmd.Flags().Lookup("http-address"), "http.address")
	bindFlag(cmd.Flags().Lookup("delivery-address"), "delivery.address")
	bindFlag(cmd.Flags().Lookup("delivery-base-url"), "delivery.base_url")
	bindFlag(cmd.Flags().Lookup("storage-backend"), "storage.backend")
	bindFlag(cmd.Flags().Lookup("storage-path"), "storage.path")
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

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
	gin.SetMode(gin.ReleaseMode)

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if appConfig.Sequence.AutoProvision {
		created, err := sequence.Provision(ctx, db, appConfig.Sequence.Start)
		if err != nil {
			return err
		}
		if created {
			logger.Info("sequence counter provisioned", zap.Int64("start", appConfig.Sequence.Start))
		}
	}

	blobs, err := openBlobStore(ctx, appConfig, logger)
	if err != nil {
		return err
	}

	counterStore, err := sequence.NewGormCounterStore(db, time.Now)
	if err != nil {
		return err
	}
	allocator, err := sequence.NewAllocator(sequence.AllocatorConfig{
		Store:       counterStore,
		Limit:       filename.MaxID,
		MaxAttempts: appConfig.Sequence.MaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	batchStore, err := batches.NewGormStore(db)
	if err != nil {
		return err
	}

	gateway, err := delivery.NewGateway(delivery.Config{
		Blobs:               blobs,
		CacheEntries:        appConfig.Delivery.CacheEntries,
		CacheTTL:            appConfig.Delivery.CacheTTL,
		AllowedOriginSuffix: appConfig.Delivery.AllowedOriginSuffix,
		Logger:              logger,
		Middleware:          []gin.HandlerFunc{metrics.Middleware("delivery")},
	})
	if err != nil {
		return err
	}
	events := server.NewEventDispatcher()

	batchService, err := batches.NewService(batches.ServiceConfig{
		Store:             batchStore,
		Blobs:             blobs,
		Sequence:          allocator,
		IDProvider:        batches.NewUUIDProvider(),
		DeliveryBaseURL:   appConfig.Delivery.BaseURL,
		MaxFiles:          appConfig.Upload.MaxFiles,
		MaxFileBytes:      appConfig.Upload.MaxFileBytes,
		UploadConcurrency: appConfig.Upload.Concurrency,
		Clock:             time.Now,
		Logger:            logger,
		Publishers:        []batches.Publisher{events, gateway},
	})
	if err != nil {
		return err
	}

	deps, err := buildDependencies(appConfig, db, blobs, batchService, events, logger)
	if err != nil {
		return err
	}
	apiHandler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go deps.RateLimiter.Run(signalCtx, server.DefaultCleanupInterval)

	// Event streams end with the base context; Shutdown does not cancel them.
	baseContext := func(net.Listener) context.Context { return signalCtx }
	servers := []*http.Server{
		{Addr: appConfig.HTTPAddress, Handler: apiHandler, ReadHeaderTimeout: readHeaderTimeout, BaseContext: baseContext},
		{Addr: appConfig.Delivery.Address, Handler: gateway.Handler(), ReadHeaderTimeout: readHeaderTimeout},
	}

	errCh := make(chan error, len(servers))
	for _, httpServer := range servers {
		go func(httpServer *http.Server) {
			logger.Info("server starting", zap.String("address", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen on %s: %w", httpServer.Addr, err)
			}
		}(httpServer)
	}

	var runErr error
	select {
	case <-signalCtx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, httpServer := range servers {
		runErr = multierr.Append(runErr, httpServer.Shutdown(shutdownCtx))
	}
	return runErr
}

func openBlobStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (blobstore.Store, error) {
	switch appConfig.Storage.Backend {
	case config.StorageBackendS3:
		return blobstore.NewS3Store(ctx, blobstore.S3Config{
			Endpoint:        appConfig.S3.Endpoint,
			Region:          appConfig.S3.Region,
			Bucket:          appConfig.S3.Bucket,
			AccessKeyID:     appConfig.S3.AccessKeyID,
			SecretAccessKey: appConfig.S3.SecretAccessKey,
			UsePathStyle:    appConfig.S3.UsePathStyle,
			CreateBucket:    appConfig.S3.CreateBucket,
		}, logger)
	default:
		return blobstore.NewOSFileStore(appConfig.Storage.Path, logger)
	}
}

func buildDependencies(appConfig config.AppConfig, db *gorm.DB, blobs blobstore.Store, service *batches.Service, events *server.EventDispatcher, logger *zap.Logger) (server.Dependencies, error) {
	credentials, err := auth.NewBasicCredentials(appConfig.Auth.BasicUser, appConfig.Auth.BasicPass)
	if err != nil {
		return server.Dependencies{}, err
	}
	deps := server.Dependencies{
		Batches:     service,
		Credentials: credentials,
		Events:      events,
		Checks: map[string]func(context.Context) error{
			"database": func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
			"blobs": blobs.Check,
		},
		AllowedOrigins: appConfig.CORSOrigins,
		Upload: server.UploadLimits{
			MaxFiles:        appConfig.Upload.MaxFiles,
			MaxRequestBytes: appConfig.Upload.MaxRequestBytes,
			Timeout:         appConfig.Upload.Timeout,
		},
		RateLimiter: server.NewRateLimiter(appConfig.Upload.RatePerSecond, appConfig.Upload.RateBurst),
		Logger:      logger,
	}

	if appConfig.Auth.SessionsEnabled() {
		sessions, err := auth.NewSessions(auth.SessionConfig{
			SigningSecret: []byte(appConfig.Auth.SigningSecret),
			CookieName:    appConfig.Auth.CookieName,
			TTL:           appConfig.Auth.SessionTTL,
		})
		if err != nil {
			return server.Dependencies{}, err
		}
		deps.Sessions = sessions
	}
	return deps, nil
}

func bindFlag(flag *pflag.Flag, key string) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}
