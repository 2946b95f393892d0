package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/goblinsan/visual-flow-backend/internal/agenttoken"
	"github.com/goblinsan/visual-flow-backend/internal/auth"
	"github.com/goblinsan/visual-flow-backend/internal/canvas"
	"github.com/goblinsan/visual-flow-backend/internal/config"
	"github.com/goblinsan/visual-flow-backend/internal/database"
	"github.com/goblinsan/visual-flow-backend/internal/logging"
	"github.com/goblinsan/visual-flow-backend/internal/quota"
	"github.com/goblinsan/visual-flow-backend/internal/ratelimit"
	"github.com/goblinsan/visual-flow-backend/internal/review"
	"github.com/goblinsan/visual-flow-backend/internal/server"
	"github.com/goblinsan/visual-flow-backend/internal/users"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "visualflow-api",
		Short: "Visual Flow collaboration backend service",
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
	cmd.PersistentFlags().String("environment", defaults.GetString("environment"), "Deployment environment (development, production)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("session-issuer", defaults.GetString("session.issuer"), "Expected issuer of session identity tokens")
	cmd.PersistentFlags().String("session-audience", defaults.GetString("session.audience"), "Expected audience of session identity tokens")
	cmd.PersistentFlags().String("session-jwks-url", defaults.GetString("session.jwks_url"), "JWKS endpoint of the session identity provider")
	cmd.PersistentFlags().String("session-cookie-name", defaults.GetString("session.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("cors.allowed_origins"), "CORS allowed origins")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "environment", "environment")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.issuer", "session-issuer")
	bindFlag(cmd, "session.audience", "session-audience")
	bindFlag(cmd, "session.jwks_url", "session-jwks-url")
	bindFlag(cmd, "session.cookie_name", "session-cookie-name")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, !appConfig.IsProduction())
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

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	quotaManager, err := quota.NewManager(quota.ManagerConfig{Database: db})
	if err != nil {
		return err
	}

	canvasService, err := canvas.NewService(canvas.ServiceConfig{
		Database: db,
		Quotas:   quotaManager,
		Users:    userService,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	accessControl, err := canvas.NewAccessControl(db)
	if err != nil {
		return err
	}

	tokenStore, err := agenttoken.NewStore(agenttoken.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	branchManager, err := review.NewBranchManager(review.BranchManagerConfig{
		Database: db,
		Access:   accessControl,
		Quotas:   quotaManager,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	proposalManager, err := review.NewProposalManager(review.ProposalManagerConfig{
		Database: db,
		Access:   accessControl,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	// Session verification is only wired when an identity provider is
	// configured. Production config validation guarantees it there; in
	// development the header fallback carries identity instead.
	var sessionVerifier auth.SessionVerifier
	if strings.TrimSpace(appConfig.SessionJWKSURL) != "" {
		verifier, err := auth.NewVerifier(auth.VerifierConfig{
			Issuer:   appConfig.SessionIssuer,
			Audience: appConfig.SessionAud,
			JWKSURL:  appConfig.SessionJWKSURL,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		sessionVerifier = verifier
	}

	gateway, err := auth.NewGateway(auth.GatewayConfig{
		Tokens:         tokenStore,
		Owners:         canvasService,
		Users:          userService,
		Sessions:       sessionVerifier,
		CookieName:     appConfig.SessionCookie,
		AllowDevHeader: !appConfig.IsProduction(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Gateway:        gateway,
		Canvases:       canvasService,
		Access:         accessControl,
		Tokens:         tokenStore,
		Quotas:         quotaManager,
		Branches:       branchManager,
		Proposals:      proposalManager,
		Limiter:        ratelimit.NewLimiter(ratelimit.LimiterConfig{}),
		AllowedOrigins: appConfig.AllowedOrigins,
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

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("environment", appConfig.Environment))
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
