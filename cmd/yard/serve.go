package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pipeyard/internal/app"
	"pipeyard/internal/cache"
	"pipeyard/internal/engine"
	"pipeyard/internal/relay"
	"pipeyard/internal/repo"
	"pipeyard/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyActor, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := log.New(os.Stderr, "yard ", log.LstdFlags)

			conn, cfg, err := app.Open(ctx, viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			e := engine.New(conn, cfg)

			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: legacyActor,
				EnableDevLogin:         devLogin,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" && !legacyActor {
				return fmt.Errorf("YARD_JWT_SECRET is required for bearer auth (or pass --legacy-actor-header)")
			}
			capacity := cache.Capacity{TTL: cfg.Cache.Redis.CacheTTL(), Logger: logger}
			if cfg.Cache.Redis.Addr != "" {
				client, err := cache.NewClient(ctx, cfg.Cache.Redis.Addr)
				if err != nil {
					logger.Printf("capacity cache disabled: %v", err)
				} else {
					defer client.Close()
					capacity.Client = client
				}
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Capacity: capacity})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving %s yard API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", cfg.Facility.ID, addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&legacyActor, "legacy-actor-header", false, "trust X-Actor-Id without credentials")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (env YARD_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func relayCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Deliver notification intents to the configured sinks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := log.New(os.Stderr, "relay ", log.LstdFlags)

			conn, cfg, err := app.Open(ctx, viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			r, err := relay.New(repo.Repo{DB: conn}, cfg.Notifications, logger)
			if err != nil {
				return err
			}
			defer r.Close()
			if len(r.Sinks) == 0 {
				logger.Printf("no sinks configured; intents stay queued")
			}
			if once {
				n, err := r.Once(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("delivered %d notifications\n", n)
				return nil
			}
			return r.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "deliver one batch and exit")
	return cmd
}
