package cmd

import (
	"context"

	"github.com/freelancehub/creditengine/internal/app"
	"github.com/freelancehub/creditengine/internal/config"
	"github.com/freelancehub/creditengine/pkg/graceful"
	"github.com/spf13/cobra"
)

var (
	serveWithScheduler bool

	serveWebCommand = &cobra.Command{
		Use:   "serve-web",
		Short: "Start billing API server",
		Run:   serveWeb,
	}

	runSchedulerCommand = &cobra.Command{
		Use:   "run-scheduler",
		Short: "Start background jobs without the API server",
		Run:   runScheduler,
	}
)

func init() {
	serveWebCommand.Flags().BoolVar(&serveWithScheduler, "with-scheduler", true, "run background jobs in the same process")
}

func serveWeb(_ *cobra.Command, _ []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := resolveConfig()

	service := app.New(ctx, cfg)

	setupOnBeforeRun(service, cfg)

	service.RunServer()
	if serveWithScheduler {
		service.RunScheduler()
	}

	wait(service, cancel)
}

func runScheduler(_ *cobra.Command, _ []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := resolveConfig()

	service := app.New(ctx, cfg)

	setupOnBeforeRun(service, cfg)

	service.RunScheduler()

	wait(service, cancel)
}

func wait(service *app.App, cancel context.CancelFunc) {
	graceful.AddCallback(func(context.Context) error {
		cancel()
		return nil
	})

	if err := graceful.WaitShutdown(); err != nil {
		service.Logger().Error().Err(err).Msg("unable to shutdown service gracefully")
		return
	}

	service.Logger().Info().Msg("shutdown complete")
}

func setupOnBeforeRun(service *app.App, cfg *config.Config) {
	service.OnBeforeRun(func(ctx context.Context, a *app.App) error {
		if cfg.Billing.Postgres.MigrateOnStart {
			a.Logger().Info().Msg("Enabled migration on start")
			performMigration(cfg, "up", 0)
		}

		return nil
	})

	service.OnBeforeRun(func(ctx context.Context, a *app.App) error {
		if cfg.Billing.Server.AdminAPIKey == "" {
			a.Logger().Warn().Msg("admin API key is not set, admin routes are disabled")
		}

		if cfg.Billing.Payments.WebhookSecret == "" {
			a.Logger().Warn().Msg("payment webhook secret is not set, webhook signatures are not verified")
		}

		return nil
	})
}
