package runcmd

import (
	"log"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"runcoordinator/internal/config"
	"runcoordinator/internal/database"
	"runcoordinator/internal/queue"
)

var Command = &cobra.Command{
	Use:   "run",
	Short: "Run service",
	Long:  "Run service from a selected list of services",
}

func init() {
	Command.AddCommand(workerCmd)
	Command.AddCommand(serverCmd)
	Command.AddCommand(sweepCmd)
	Command.AddCommand(migrateCmd)
}

func mustDatabase(conf *config.RCConfig) *sqlx.DB {
	db, err := database.New(conf)
	if err != nil {
		log.Fatalf("Could not connect to database: %v", err)
	}

	return db
}

func mustQueue(conf *config.RCConfig) *queue.RedisClient {
	redis, err := queue.NewRedisClient(conf.Queue.Host, conf.Queue.Password, conf.Queue.DB)
	if err != nil {
		log.Fatalf("Could not connect to redis queue: %v", err)
	}
	return redis
}
