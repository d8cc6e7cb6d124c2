package cmd

import (
	"context"
	"fmt"

	"github.com/jmehdipour/incident-relay/internal/db"
	"github.com/jmehdipour/incident-relay/internal/logger"
	"github.com/jmehdipour/incident-relay/migrations"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the job archive (MySQL) and results (ClickHouse) schemas",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ran := 0

		if cfg.MySQL.Enabled() {
			mysqlDB, err := db.NewMySQL(ctx, cfg.MySQL)
			if err != nil {
				return fmt.Errorf("open mysql: %w", err)
			}
			defer mysqlDB.Close()
			if err := apply(ctx, mysqlDB, "mysql"); err != nil {
				return err
			}
			ran++
		}

		if cfg.ClickHouse.Enabled() {
			chDB, err := db.NewClickHouse(ctx, cfg.ClickHouse)
			if err != nil {
				return fmt.Errorf("open clickhouse: %w", err)
			}
			defer chDB.Close()
			if err := apply(ctx, chDB, "clickhouse"); err != nil {
				return err
			}
			ran++
		}

		if ran == 0 {
			return fmt.Errorf("nothing to migrate: set mysql.dsn and/or clickhouse.dsn")
		}
		fmt.Println(">> Migration complete ✅")
		return nil
	},
}

func apply(ctx context.Context, conn *sqlx.DB, dir string) error {
	stmts, err := migrations.Statements(dir)
	if err != nil {
		return fmt.Errorf("read %s migrations: %w", dir, err)
	}
	for i, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s migration statement %d: %w", dir, i+1, err)
		}
	}
	logger.Log.Info("migrations applied", zap.String("store", dir), zap.Int("statements", len(stmts)))
	return nil
}
