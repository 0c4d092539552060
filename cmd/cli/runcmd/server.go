package runcmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"runcoordinator/internal/api"
	"runcoordinator/internal/config"
	"runcoordinator/internal/store"
	"runcoordinator/internal/yield"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Runs the operator-facing HTTP API (force-yield, health check)",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running API server")
		conf := config.FromCobraCmd(cmd)

		db := mustDatabase(conf)
		st := store.NewPostgres(db)
		yc := yield.New()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		srv := api.New(ctx, st, yc)
		addr := fmt.Sprintf("%s:%d", conf.Server.Host, conf.Server.Port)
		httpServer := &http.Server{Addr: addr, Handler: srv}

		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", addr).Msg("listening")
			errCh <- httpServer.ListenAndServe()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		defer func() {
			if err := db.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close db cleanly on shutdown")
			}
		}()

		select {
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("API server exited with an error")
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
			_ = httpServer.Shutdown(ctx)
		}
	},
}
