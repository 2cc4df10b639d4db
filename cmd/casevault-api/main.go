package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sagebrookhealth/casevault/internal/auth"
	"github.com/sagebrookhealth/casevault/internal/config"
	"github.com/sagebrookhealth/casevault/internal/database"
	"github.com/sagebrookhealth/casevault/internal/ident"
	"github.com/sagebrookhealth/casevault/internal/locks"
	"github.com/sagebrookhealth/casevault/internal/logging"
	"github.com/sagebrookhealth/casevault/internal/metrics"
	"github.com/sagebrookhealth/casevault/internal/notifications"
	"github.com/sagebrookhealth/casevault/internal/records"
	"github.com/sagebrookhealth/casevault/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "casevault-api",
		Short: "CaseVault counseling records backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

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
	cmd.PersistentFlags().String("portal-issuer", defaults.GetString("portal.issuer"), "Expected issuer of portal tokens")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().Int("lock-ttl-hours", defaults.GetInt("lock.ttl_hours"), "Record lock TTL in hours")
	cmd.PersistentFlags().Int("lock-sweep-interval-minutes", defaults.GetInt("lock.sweep_interval_minutes"), "Expired lock sweep interval in minutes")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().String("portal-signing-secret", "", "Portal token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "portal.issuer", "portal-issuer")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "lock.ttl_hours", "lock-ttl-hours")
	bindFlag(cmd, "lock.sweep_interval_minutes", "lock-sweep-interval-minutes")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "portal.signing_secret", "portal-signing-secret")
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

	idProvider := ident.NewUUIDProvider()

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "casevault-auth",
		Audience:      "casevault-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	portalVerifier, err := auth.NewPortalVerifier(auth.PortalVerifierConfig{
		SigningSecret: []byte(appConfig.PortalSigningSecret),
		Issuer:        appConfig.PortalIssuer,
	})
	if err != nil {
		return err
	}

	recordService, err := records.NewService(records.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	lockMetrics := metrics.NewLockMetrics()
	lockService, err := locks.NewService(locks.ServiceConfig{
		Database:   db,
		Records:    recordService,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
		Metrics:    lockMetrics,
		TTL:        appConfig.LockTTL,
	})
	if err != nil {
		return err
	}
	recordService.SetGate(lockService)

	notificationService, err := notifications.NewService(notifications.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		PortalVerifier: portalVerifier,
		TokenManager:   tokenManager,
		Records:        recordService,
		Locks:          lockService,
		Notifications:  notificationService,
		MetricsHandler: lockMetrics.Handler(),
		Logger:         logger,
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

	go runLockSweeper(signalCtx, lockService, appConfig.SweepInterval, logger)

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

// runLockSweeper reclaims expired locks on a fixed interval so abandoned
// sessions cannot pin records until someone looks at them.
func runLockSweeper(ctx context.Context, lockService *locks.Service, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := lockService.ReapExpired(ctx)
			if err != nil {
				logger.Warn("lock sweep failed", zap.Error(err))
				continue
			}
			if reaped > 0 {
				logger.Info("expired locks reclaimed", zap.Int("count", reaped))
			}
		}
	}
}
