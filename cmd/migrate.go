package cmd

import (
	"os"
	"time"

	"github.com/freelancehub/creditengine/internal/config"
	"github.com/freelancehub/creditengine/internal/db"
	"github.com/freelancehub/creditengine/internal/log"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	migrateLimit int

	migrateCommand = &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply or inspect database migrations",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(db.DirectionUp), string(db.DirectionDown), "status"},
		Run:       migrateCmd,
	}
)

func init() {
	migrateCommand.Flags().IntVar(&migrateLimit, "limit", 0, "max migrations to apply, 0 means all (down defaults to 1)")
}

func migrateCmd(_ *cobra.Command, args []string) {
	cfg := resolveConfig()

	if args[0] == "status" {
		printMigrationStatus(cfg)
		return
	}

	limit := migrateLimit
	if args[0] == string(db.DirectionDown) && limit == 0 {
		limit = 1
	}

	performMigration(cfg, db.Direction(args[0]), limit)
}

func performMigration(cfg *config.Config, direction db.Direction, limit int) {
	logger := log.New(cfg.Logger, cfg.Env, cfg.GitVersion)

	if _, err := db.Migrate(cfg.Billing.Postgres, direction, limit, &logger); err != nil {
		logger.Fatal().Err(err).Msg("unable to perform migration")
	}
}

func printMigrationStatus(cfg *config.Config) {
	logger := log.New(cfg.Logger, cfg.Env, cfg.GitVersion)

	records, err := db.MigrationStatus(cfg.Billing.Postgres)
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to get migration status")
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Migration", "Applied at"})

	for _, r := range records {
		table.Append([]string{r.ID, r.AppliedAt.Format(time.RFC3339)})
	}

	table.Render()
}
