// Spotilark Server
//
// Streams audio from three remote backends through one range-forwarding
// proxy:
// - Telegram bot relay store (upload + playback)
// - Google Drive (per-user OAuth refresh credentials)
// - Video-site audio extraction (candidate extractor endpoints)
//
// Resolved relay paths and Drive access tokens are memoized with TTLs;
// Prometheus metrics and structured logging (zap) throughout.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/Error-code22/Spotilark-sub001/internal/api"
	"github.com/Error-code22/Spotilark-sub001/internal/auth"
	"github.com/Error-code22/Spotilark-sub001/internal/config"
	"github.com/Error-code22/Spotilark-sub001/internal/credentials"
	"github.com/Error-code22/Spotilark-sub001/internal/logging"
	"github.com/Error-code22/Spotilark-sub001/internal/memo"
	"github.com/Error-code22/Spotilark-sub001/internal/metrics"
	"github.com/Error-code22/Spotilark-sub001/internal/resolver"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Spotilark Server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Authentication
	authHandler := auth.New(cfg.JWTSecret)
	if cfg.OIDCIssuerURL != "" {
		oidcProvider, err := auth.NewOIDCProvider(ctx, auth.OIDCConfig{
			IssuerURL: cfg.OIDCIssuerURL,
			ClientID:  cfg.OIDCClientID,
		})
		if err != nil {
			logging.Fatal("OIDC init failed", zap.Error(err))
		}
		authHandler.SetOIDCProvider(oidcProvider)
	}

	// Relay store client (explicitly constructed, shared by resolver and upload)
	telegram := resolver.NewTelegramClient(
		cfg.TelegramAPIBase, cfg.TelegramBotToken, cfg.TelegramChannelID, nil)

	paths := memo.New()
	resolvers := []resolver.Resolver{
		resolver.NewRelayResolver(telegram, paths, cfg.MemoTTL),
		resolver.NewVideoResolver(cfg.VideoExtractorEndpoints, nil),
	}

	// Cloud drive routes need the credential database; without one the
	// drive resolver is not registered and those routes answer a
	// backend-not-configured error.
	if cfg.DatabaseURL != "" {
		db, err := credentials.Open(cfg.DatabaseURL)
		if err != nil {
			logging.Fatal("database connection failed", zap.Error(err))
		}
		defer db.Close()

		credStore := credentials.NewStore(db)
		if err := credStore.EnsureSchema(ctx); err != nil {
			logging.Fatal("schema init failed", zap.Error(err))
		}

		oauthCfg := &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: resolver.GoogleTokenURL},
		}
		resolvers = append(resolvers,
			resolver.NewDriveResolver(credStore, oauthCfg, memo.New(), cfg.TokenTTL))
		logging.Info("cloud drive resolver enabled")
	} else {
		logging.Warn("DATABASE_URL not set, cloud drive routes disabled")
	}

	srv := api.NewServer(resolvers, telegram, authHandler, nil)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP server
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
	logging.Info("server stopped")
}
