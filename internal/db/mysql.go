package db

import (
	"context"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmehdipour/incident-relay/internal/config"
	"github.com/jmoiron/sqlx"
)

// NewMySQL opens the job archive database. The DSN needs parseTime=true.
func NewMySQL(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	return open(ctx, "mysql", cfg, 5*time.Second)
}
