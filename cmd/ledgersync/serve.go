package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/auth"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/config"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/database"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/logging"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/owners"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/records"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/server"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(defaults *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server of record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	serverFlags(cmd, defaults)
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().StringSlice("allowed-origins", nil, "CORS origins allowed to call the API")
	bindServe := cmd.PreRun
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		bindServe(cmd, args)
		bindFlag(cmd.Flags().Lookup("http-address"), "http.address")
		bindFlag(cmd.Flags().Lookup("allowed-origins"), "http.allowed_origins")
	}
	return cmd
}

func newTokenIssuer(appConfig config.ServerConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		Audience:      appConfig.Audience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func runServer(ctx context.Context) error {
	appConfig, err := config.LoadServer(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenServer(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	realtime := server.NewRealtimeDispatcher()
	recordService, err := records.NewService(records.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ledger.NewUUIDProvider(),
		Notifier:   realtime.PublishRecordChange,
		Logger:     logger.Named("records"),
	})
	if err != nil {
		return err
	}
	ownerService, err := owners.NewService(owners.ServiceConfig{
		Database: db,
		Notifier: realtime.PublishDeactivation,
		Logger:   logger.Named("owners"),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:         tokenIssuer,
		Records:        recordService,
		Owners:         ownerService,
		Realtime:       realtime,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger.Named("http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
