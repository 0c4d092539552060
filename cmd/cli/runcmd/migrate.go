package runcmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"runcoordinator/internal/config"
	"runcoordinator/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Applies the database schema",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)
		db := mustDatabase(conf)
		defer func() {
			if err := db.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close db cleanly after migrating")
			}
		}()

		if err := database.Migrate(db); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply schema")
		}
		log.Info().Msg("Schema applied")
	},
}
