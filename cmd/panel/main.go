package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/RepGraphics/panel-sub000/pkg/api"
	"github.com/RepGraphics/panel-sub000/pkg/backup"
	"github.com/RepGraphics/panel-sub000/pkg/config"
	"github.com/RepGraphics/panel-sub000/pkg/events"
	"github.com/RepGraphics/panel-sub000/pkg/log"
	"github.com/RepGraphics/panel-sub000/pkg/orchestrator"
	"github.com/RepGraphics/panel-sub000/pkg/remote"
	"github.com/RepGraphics/panel-sub000/pkg/schedule"
	"github.com/RepGraphics/panel-sub000/pkg/session"
	"github.com/RepGraphics/panel-sub000/pkg/storage"
	"github.com/RepGraphics/panel-sub000/pkg/transfer"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "panel",
	Short: "Panel - game server control plane",
	Long: `Panel orchestrates game servers across remote node daemons:
provisioning and deletion, node-to-node transfers, backups, scheduled
tasks, and live console sessions over the daemon websocket.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Panel version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the panel control plane",
	Long: `Start the panel: open the state store, connect the session manager,
start the schedule runner, and serve the HTTP API until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		logger := log.WithComponent("main")

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("opening state store: %w", err)
		}
		defer store.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		provider := remote.ClientProvider{}
		lifecycle := orchestrator.New(store, provider, broker)
		transfers := transfer.New(store, provider, broker)
		backups := backup.New(store, provider, broker)

		sessions := session.NewManager(
			session.NewStoreCredentialFetcher(store),
			session.WithManagerBrand(cfg.Session.Brand),
		)
		defer sessions.Stop()

		runner := schedule.NewRunner(store, &schedule.PanelExecutor{
			Sessions:  sessions,
			Lifecycle: lifecycle,
			Backups:   backups,
		}, broker, schedule.WithTick(cfg.SchedulerTick()))
		runner.Start()
		defer runner.Stop()

		apiServer := api.NewServer(api.Deps{
			Store:     store,
			Lifecycle: lifecycle,
			Transfers: transfers,
			Backups:   backups,
			Sessions:  sessions,
			Runner:    runner,
		})

		errCh := make(chan error, 1)
		go func() {
			errCh <- apiServer.Start(cfg.HTTPAddr)
		}()
		logger.Info().Str("addr", cfg.HTTPAddr).Str("data_dir", cfg.DataDir).Msg("Panel started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("Shutting down")
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("api server: %w", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("API shutdown did not drain cleanly")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file")
}
