package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/qaroom/internal/auth"
	"github.com/MarcoPoloResearchLab/qaroom/internal/config"
	"github.com/MarcoPoloResearchLab/qaroom/internal/database"
	"github.com/MarcoPoloResearchLab/qaroom/internal/failure"
	"github.com/MarcoPoloResearchLab/qaroom/internal/hub"
	"github.com/MarcoPoloResearchLab/qaroom/internal/ledger"
	"github.com/MarcoPoloResearchLab/qaroom/internal/ledger/devnet"
	"github.com/MarcoPoloResearchLab/qaroom/internal/ledger/evm"
	"github.com/MarcoPoloResearchLab/qaroom/internal/logging"
	"github.com/MarcoPoloResearchLab/qaroom/internal/metrics"
	"github.com/MarcoPoloResearchLab/qaroom/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "qaroom",
		Short: "Q&A room gateway for the RoomManager contract",
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
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Origins allowed to send credentialed cross-origin requests")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("ledger-mode", defaults.GetString("ledger.mode"), "Ledger backend (devnet, rpc)")
	cmd.PersistentFlags().String("rpc-url", "", "JSON-RPC endpoint for rpc mode")
	cmd.PersistentFlags().Int64("chain-id", 0, "Chain id; zero asks the node")
	cmd.PersistentFlags().String("contract-address", defaults.GetString("ledger.contract_address"), "RoomManager contract address")
	cmd.PersistentFlags().String("paymaster-address", "", "General paymaster sponsoring writes")
	cmd.PersistentFlags().Duration("poll-interval", defaults.GetDuration("ledger.poll_interval"), "Log polling interval for HTTP endpoints")
	cmd.PersistentFlags().String("devnet-database-path", defaults.GetString("devnet.database_path"), "SQLite path of the development ledger")
	cmd.PersistentFlags().Int("session-ttl-minutes", defaults.GetInt("session.ttl_minutes"), "Gateway session lifetime in minutes")
	cmd.PersistentFlags().Uint64("session-fee-limit", defaults.GetUint64("session.fee_limit"), "Fee allowance per devnet session; zero is unlimited")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "ledger.mode", "ledger-mode")
	bindFlag(cmd, "ledger.rpc_url", "rpc-url")
	bindFlag(cmd, "ledger.chain_id", "chain-id")
	bindFlag(cmd, "ledger.contract_address", "contract-address")
	bindFlag(cmd, "ledger.paymaster_address", "paymaster-address")
	bindFlag(cmd, "ledger.poll_interval", "poll-interval")
	bindFlag(cmd, "devnet.database_path", "devnet-database-path")
	bindFlag(cmd, "session.ttl_minutes", "session-ttl-minutes")
	bindFlag(cmd, "session.fee_limit", "session-fee-limit")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
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

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	factory, closeLedger, err := openLedger(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	dispatcher := server.NewRealtimeDispatcher()
	registry, err := hub.NewRegistry(hub.Config{
		Factory:             factory,
		Classifier:          failure.NewClassifier(appConfig.SessionInvalidSignatures...),
		RoomCreatedLogIndex: appConfig.RoomCreatedLogIndex,
		Metrics:             metrics.New(promRegistry),
		Logger:              logger,
		Publish:             dispatcher.PublishState,
	})
	if err != nil {
		return err
	}
	defer registry.Shutdown()

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		Audience:      appConfig.SessionAudience,
		TokenTTL:      appConfig.SessionTTL,
	})
	if err != nil {
		return err
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		Tokens:     tokenIssuer,
		CookieName: appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:         tokenIssuer,
		Validator:      validator,
		Registry:       registry,
		Realtime:       dispatcher,
		AllowedOrigins: appConfig.AllowedOrigins,
		Gatherer:       promRegistry,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("ledger_mode", appConfig.LedgerMode),
			zap.String("contract", appConfig.ContractAddress.Hex()))
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
		registry.Shutdown()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// openLedger builds the ledger factory for the configured mode and returns a
// function releasing its resources.
func openLedger(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (hub.LedgerFactory, func(), error) {
	switch appConfig.LedgerMode {
	case config.LedgerModeRPC:
		client, err := evm.Dial(ctx, evm.Config{
			RPCURL:       appConfig.RPCURL,
			ChainID:      appConfig.ChainID,
			PrivateKey:   appConfig.PrivateKey,
			PollInterval: appConfig.PollInterval,
			Logger:       logger,
		})
		if err != nil {
			return nil, nil, err
		}
		manager, err := ledger.NewRoomManager(ledger.RoomManagerConfig{
			Client:    client,
			Address:   appConfig.ContractAddress,
			Paymaster: appConfig.PaymasterAddress,
			Logger:    logger,
		})
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		logger.Info("rpc ledger connected", zap.String("account", client.Account().Hex()))
		return hub.NewSignerFactory(manager), client.Close, nil
	default:
		db, err := database.OpenSQLite(appConfig.DevnetDatabasePath, logger)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		devLedger, err := devnet.New(devnet.Config{
			Database:   db,
			Contract:   appConfig.ContractAddress,
			FeePerCall: appConfig.DevnetFeePerCall,
			Logger:     logger,
		})
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
		factory := hub.NewDevnetFactory(hub.DevnetFactoryConfig{
			Ledger:    devLedger,
			Paymaster: appConfig.PaymasterAddress,
			FeeLimit:  appConfig.SessionFeeLimit,
			Logger:    logger,
		})
		return factory, func() { _ = sqlDB.Close() }, nil
	}
}
