package runcmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"runcoordinator/internal/config"
	"runcoordinator/internal/endpointclient"
	"runcoordinator/internal/engine"
	"runcoordinator/internal/queue"
	"runcoordinator/internal/store"
	"runcoordinator/internal/telemetry"
	"runcoordinator/internal/yield"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Runs a worker process that drains PREPROCESS/EXECUTE_JOB work items",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running worker process")
		conf := config.FromCobraCmd(cmd)

		db := mustDatabase(conf)
		q := mustQueue(conf)

		st := store.NewPostgres(db)
		loader := engine.NewLoader(st)
		client := endpointclient.New(http.DefaultClient)
		yc := yield.New()

		preprocessDriver := engine.NewPreprocessDriver(loader, st, q, client)
		executeDriver := engine.NewExecuteDriver(
			loader, st, q, client, yc,
			engine.StaticConnectionResolver{},
			engine.StoreTaskCompletionService{Store: st},
			telemetry.NewLogSink(),
			conf,
		)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		errCh := make(chan error, 1)
		go func() {
			errCh <- q.Subscribe(ctx, func(msg queue.RunExecutionMessage, driftInMs int64) error {
				switch msg.Reason {
				case queue.ReasonPreprocess:
					return preprocessDriver.Run(ctx, msg.RunID)
				case queue.ReasonExecuteJob:
					return executeDriver.Run(ctx, msg.RunID, driftInMs, msg.ResumeTaskID)
				default:
					log.Error().Str("reason", string(msg.Reason)).Int64("run_id", msg.RunID).Msg("unknown work item reason")
					return nil
				}
			})
		}()

		defer func() {
			if err := db.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close db cleanly on shutdown")
			}
			if err := q.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close redis queue cleanly on shutdown")
			}
		}()

		select {
		case err := <-errCh:
			if err != nil {
				log.Fatal().Err(err).Msg("Worker subscribe loop exited with an error")
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
			cancel()
		}
	},
}
