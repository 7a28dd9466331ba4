// Package main provides the boardrelay binary entry point. Boardrelay fronts
// a whiteboard provider API with token management, request queueing, layered
// caching, webhook ingestion, and realtime fan-out for admin UI clients.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/boardrelay/internal/config"
	"github.com/agentworkforce/boardrelay/internal/httpapi"
	"github.com/agentworkforce/boardrelay/internal/realtime"
	"github.com/agentworkforce/boardrelay/internal/whiteboard"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "boardrelay",
		Short:   "Whiteboard provider relay for the admin UI",
		Version: version,
	}
	cmd.AddCommand(serveCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logrus.New()
			logger.SetFormatter(&logrus.JSONFormatter{})

			cfg := config.Load(logger)
			logger.SetLevel(config.ParseLevel(cfg.LogLevel))
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides LISTEN_ADDR)")
	return cmd
}

func serve(parent context.Context, cfg config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = redisClient.Close() }()
		logger.WithField("addr", cfg.RedisAddr).Info("redis cache tier enabled")
	}

	var tokenStore whiteboard.TokenStore
	if cfg.DatabaseURL != "" {
		store, err := whiteboard.NewPostgresTokenStore(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("could not initialize postgres token store: %w", err)
		}
		tokenStore = store
		logger.Info("postgres token store enabled")
	}

	rt := realtime.NewServer(realtime.ServerOptions{Logger: logger})
	defer rt.Close()

	adapter, err := whiteboard.NewAdapter(whiteboard.AdapterOptions{
		ClientID:          cfg.ClientID,
		ClientSecret:      cfg.ClientSecret,
		BaseURL:           cfg.BaseURL,
		AccountID:         cfg.AccountID,
		WebhookSecret:     cfg.WebhookSecret,
		RatePerMinute:     cfg.RatePerMinute,
		MaxRetries:        cfg.MaxRetries,
		CacheTTL:          cfg.CacheTTL,
		RequestTimeout:    cfg.RequestTimeout,
		PoolMaxConns:      cfg.PoolMaxConns,
		DedupWindow:       cfg.DedupWindow,
		PollInterval:      cfg.PollInterval,
		RespectRetryAfter: cfg.RespectRetryAfter,
		Redis:             redisClient,
		TokenStore:        tokenStore,
		Broadcaster:       rt,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("could not initialize whiteboard adapter: %w", err)
	}
	defer adapter.Close()

	if cfg.OverridesPath != "" {
		watcher, err := config.NewWatcher(cfg.OverridesPath, adapter, logger)
		if err != nil {
			logger.WithError(err).Warn("could not watch overrides file")
		} else {
			defer watcher.Close()
		}
	}

	server := httpapi.NewServer(adapter, rt, httpapi.ServerConfig{Logger: logger})
	logger.WithField("addr", cfg.ListenAddr).Info("boardrelay listening")
	return httpapi.Run(ctx, cfg.ListenAddr, server, logger)
}
