// Command replicored is the authoritative sync server: it serves the pull,
// push and conflict-resolution endpoints and runs the tombstone-expiry
// sweep.
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

	"github.com/spf13/cobra"

	"github.com/replicore/core/internal/authtoken"
	"github.com/replicore/core/internal/config"
	"github.com/replicore/core/internal/logging"
	"github.com/replicore/core/internal/server"
	"github.com/replicore/core/internal/serverstore"
	"github.com/replicore/core/internal/telemetry"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "replicored",
		Short:        "Replication sync server",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(serveCmd(), sweepCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadStore(ctx context.Context, cfg *config.Config) (*serverstore.Store, error) {
	return serverstore.Open(ctx, serverstore.Config{
		Host:     cfg.MySQLHost(),
		Port:     cfg.MySQLPort(),
		User:     cfg.MySQLUser(),
		Password: cfg.MySQLPassword(),
		Database: cfg.MySQLDatabase(),
	})
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the sync API and run the tombstone sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := logging.Setup(cfg.LogLevel(), true)

			if cfg.AuthSecret() == "" {
				return errors.New("server.auth_secret is required")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			metrics, shutdownMetrics, err := telemetry.Init(ctx, time.Minute)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownMetrics(shutdownCtx)
			}()

			store, err := loadStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			verifier := authtoken.NewVerifier([]byte(cfg.AuthSecret()), nil)
			srv, err := server.New(store, verifier, server.Options{Logger: log, Metrics: metrics})
			if err != nil {
				return err
			}

			sweeper := server.NewSweeper(store, cfg.SweepInterval(), log, metrics)
			go sweeper.Run(ctx)

			httpServer := &http.Server{
				Addr:         cfg.ListenAddr(),
				Handler:      srv.Routes(),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  120 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = httpServer.Shutdown(shutdownCtx)
			}()

			log.Info("sync server listening", "addr", cfg.ListenAddr())
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one tombstone-expiry sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := logging.Setup(cfg.LogLevel(), false)

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			store, err := loadStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			sweeper := server.NewSweeper(store, 0, log, nil)
			pruned, err := sweeper.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("pruned %d expired tombstones\n", pruned)
			return nil
		},
	}
}
