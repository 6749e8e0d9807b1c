// Command replicore-device runs the device-side replication daemon: the
// local store, the outbox, the sync coordinator and the storage quota
// manager.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/replicore/core/internal/applicator"
	"github.com/replicore/core/internal/authtoken"
	"github.com/replicore/core/internal/config"
	"github.com/replicore/core/internal/coordinator"
	"github.com/replicore/core/internal/logging"
	"github.com/replicore/core/internal/outbox"
	"github.com/replicore/core/internal/quota"
	"github.com/replicore/core/internal/store"
	"github.com/replicore/core/internal/telemetry"
	"github.com/replicore/core/internal/transport"
)

var (
	configPath string
	authToken  string
)

func main() {
	root := &cobra.Command{
		Use:          "replicore-device",
		Short:        "Device-side replication daemon",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	root.PersistentFlags().StringVar(&authToken, "token", os.Getenv("REPLICORE_TOKEN"), "bearer token for the sync server")

	root.AddCommand(runCmd(), syncCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type deps struct {
	cfg    *config.Config
	store  *store.Store
	outbox *outbox.Outbox
	coord  *coordinator.Coordinator
}

func buildDeps(metrics *telemetry.Metrics) (*deps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.DBPath() == "" {
		return nil, errors.New("device.db_path is required")
	}
	if cfg.DeviceID() == "" {
		return nil, errors.New("device.id is required (assigned by the server at registration)")
	}
	if cfg.ServerURL() == "" {
		return nil, errors.New("server.url is required")
	}
	if authToken == "" {
		return nil, errors.New("a bearer token is required (--token or REPLICORE_TOKEN)")
	}

	s, err := store.Open(cfg.DBPath(), cfg.DeviceID())
	if err != nil {
		return nil, err
	}

	ob := outbox.New(s.DB())
	tokens := authtoken.StaticSource(authToken)
	client := transport.New(cfg.ServerURL(), cfg.DeviceID(), tokens)
	coord := coordinator.New(s, ob, applicator.New(s, ob), client, tokens, coordinator.Options{
		Interval:  cfg.SyncInterval(),
		Debounce:  cfg.SyncDebounce(),
		PullLimit: cfg.PullLimit(),
		PushBatch: cfg.PushBatch(),
		Metrics:   metrics,
	})

	return &deps{cfg: cfg, store: s, outbox: ob, coord: coord}, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
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

			d, err := buildDeps(metrics)
			if err != nil {
				return err
			}
			defer d.store.Close()
			log := logging.Setup(d.cfg.LogLevel(), true)

			manager := quota.New(d.store, quota.Options{
				WarningPercent:  d.cfg.QuotaWarningPercent(),
				CriticalPercent: d.cfg.QuotaCriticalPercent(),
				PollInterval:    d.cfg.QuotaPollInterval(),
				Logger:          log,
				OnWarning: func(u quota.Usage) {
					log.Warn("storage pressure", "level", u.Level.String(), "used_percent", u.UsedPercent)
				},
			})
			go manager.Run(ctx)

			log.Info("device sync daemon started",
				"device", d.cfg.DeviceID(), "server", d.cfg.ServerURL(), "interval", d.cfg.SyncInterval())
			if err := d.coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one pull-then-push cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps(nil)
			if err != nil {
				return err
			}
			defer d.store.Close()
			logging.Setup(d.cfg.LogLevel(), false)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			if err := d.coord.Sync(ctx); err != nil {
				return err
			}
			remaining, err := d.outbox.Len(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("sync complete, %d entries remaining\n", remaining)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show replication state and queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps(nil)
			if err != nil {
				return err
			}
			defer d.store.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			state, err := d.store.LocalState(ctx)
			if err != nil {
				return err
			}
			queued, err := d.outbox.Len(ctx)
			if err != nil {
				return err
			}
			failed, err := d.outbox.PermanentlyFailed(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("device:       %s\n", state.DeviceID)
			fmt.Printf("queued:       %d\n", queued)
			fmt.Printf("failed:       %d\n", len(failed))
			if state.LastSyncAt != nil {
				fmt.Printf("last sync:    %s\n", state.LastSyncAt.Format(time.RFC3339))
			} else {
				fmt.Printf("last sync:    never\n")
			}
			fmt.Printf("local clock:  %v\n", state.LocalClock)
			fmt.Printf("server clock: %v\n", state.ServerClock)
			return nil
		},
	}
}
