package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"runcoordinator/internal/config"
	"runcoordinator/internal/engine"
	"runcoordinator/internal/store"
)

var sweepCmd = &cobra.Command{
	Use:   "dependency-sweep",
	Short: "Starts the dependency resume sweep process",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running dependency resume sweep process")
		conf := config.FromCobraCmd(cmd)

		if !conf.DependencySweep.Enabled {
			log.Fatal().Msg("dependency_sweep.enabled is false; refusing to start")
		}

		db := mustDatabase(conf)
		q := mustQueue(conf)
		st := store.NewPostgres(db)

		sweeper := engine.NewDependencySweeper(st, q, conf.DependencySweep.IntervalSeconds)
		sweeper.Start()

		defer func() {
			sweeper.Stop()
			if err := db.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close db cleanly on shutdown")
			}
			if err := q.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close redis queue cleanly on shutdown")
			}
		}()

		_, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		log.Info().Msgf("Received signal %v, shutting down...", <-sigCh)
	},
}
