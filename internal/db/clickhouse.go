package db

import (
	"context"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmehdipour/incident-relay/internal/config"
	"github.com/jmoiron/sqlx"
)

// NewClickHouse opens the publish analytics store, e.g.
// clickhouse://default:@localhost:9000/relay?dial_timeout=5s&compress=true
func NewClickHouse(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	return open(ctx, "clickhouse", cfg, 3*time.Second)
}
