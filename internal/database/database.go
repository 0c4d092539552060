package database

import (
	_ "embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"runcoordinator/internal/config"
)

//go:embed schema.sql
var schema string

func New(conf *config.RCConfig) (*sqlx.DB, error) {
	return sqlx.Connect("pgx", conf.GetDatabaseURL())
}

// Migrate applies schema.sql, the coordinator's data model (spec.md
// §3), to the connected database. Statements are idempotent
// (CREATE ... IF NOT EXISTS), so Migrate is safe to run repeatedly.
func Migrate(db *sqlx.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
