package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmehdipour/webhook-gateway/internal/db"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateClickHouse bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations (dev: DROP & CREATE tables)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}

		sqlDB, err := db.NewMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer sqlDB.Close()

		sqlPath := filepath.Join("migrations", "001_init.sql")
		sqlBytes, err := os.ReadFile(sqlPath)
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", sqlPath, err)
		}

		if _, err := sqlDB.Exec("SET FOREIGN_KEY_CHECKS = 0"); err != nil {
			return fmt.Errorf("disable fk checks: %w", err)
		}
		if _, err := sqlDB.Exec(string(sqlBytes)); err != nil {
			_, _ = sqlDB.Exec("SET FOREIGN_KEY_CHECKS = 1")
			return fmt.Errorf("exec migration: %w", err)
		}
		if _, err := sqlDB.Exec("SET FOREIGN_KEY_CHECKS = 1"); err != nil {
			return fmt.Errorf("enable fk checks: %w", err)
		}
		log.Info("mysql migration complete", zap.String("file", sqlPath))

		if !migrateClickHouse {
			return nil
		}

		chDB, err := db.NewClickHouse(cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer chDB.Close()

		chPath := filepath.Join("migrations", "clickhouse", "001_deliveries.sql")
		chBytes, err := os.ReadFile(chPath)
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", chPath, err)
		}
		// ClickHouse takes one statement per request.
		for _, stmt := range splitStatements(string(chBytes)) {
			if _, err := chDB.Exec(stmt); err != nil {
				return fmt.Errorf("exec clickhouse migration: %w", err)
			}
		}
		log.Info("clickhouse migration complete", zap.String("file", chPath))
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateClickHouse, "clickhouse", false, "also apply the ClickHouse reporting schema")
}

// splitStatements splits on ';' line ends and drops blank and comment-only chunks.
func splitStatements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";\n") {
		var lines []string
		for _, l := range strings.Split(part, "\n") {
			if t := strings.TrimSpace(l); t != "" && !strings.HasPrefix(t, "--") {
				lines = append(lines, l)
			}
		}
		if stmt := strings.TrimSuffix(strings.TrimSpace(strings.Join(lines, "\n")), ";"); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
