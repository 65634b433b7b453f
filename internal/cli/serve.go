package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dhan-tracker/internal/api"
	"dhan-tracker/internal/models"
	"dhan-tracker/internal/scheduler"
	"dhan-tracker/internal/trading"
)

func newServeCmd(app *App) *cobra.Command {
	var (
		addr        string
		noScheduler bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the protection scheduler",
		Long: `Start the HTTP API and, unless disabled, the background scheduler that
places after-market stops before the open, refreshes super orders during the
session, records executed stops and renews the broker token.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.Config
			log := app.Logger

			var sched *scheduler.Scheduler
			if cfg.Scheduler.Enabled && !noScheduler {
				var err error
				sched, err = app.buildScheduler()
				if err != nil {
					return err
				}
			}

			apiCfg := api.Config{
				Addr:           cfg.Server.Addr,
				Password:       cfg.Server.Password,
				ReadOnly:       cfg.Security.ReadOnlyMode,
				AllowedOrigins: cfg.Server.AllowedOrigins,
				Log:            log,
				Gateway:        app.Gateway,
				Reconciler:     app.Reconciler,
				Monitor:        app.Monitor,
				Events:         app.Events,
				Breakers:       app.Breakers,
			}
			if addr != "" {
				apiCfg.Addr = addr
			}
			if sched != nil {
				apiCfg.Scheduler = sched
			}
			if app.Store != nil {
				apiCfg.History = app.Store
			}
			srv, err := api.New(apiCfg)
			if err != nil {
				return err
			}

			app.Events.Start(cmd.Context())
			defer app.Events.Stop()

			if sched != nil {
				sched.Start()
				defer sched.Stop()
			}

			serverErr := make(chan error, 1)
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
				close(serverErr)
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			select {
			case err := <-serverErr:
				if err != nil {
					log.Error().Err(err).Msg("HTTP server failed")
					return err
				}
			case <-ctx.Done():
				log.Info().Msg("Shutting down")
			}

			// Open event streams hold their connections until the hub closes them.
			app.Events.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Server forced to shutdown")
				return err
			}
			log.Info().Msg("Server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without background jobs")
	return cmd
}

type scheduledJob struct {
	spec string
	job  scheduler.Job
}

// scheduledPass is the option set for timed protection passes. They are
// forced so resting stops follow the price as it moves.
func scheduledPass(mode models.ProtectionMode, readOnly bool) trading.RunOptions {
	return trading.RunOptions{Mode: mode, Force: true, DryRun: readOnly}
}

// tokenJobSpec runs renewal on the validated refresh interval so the token
// cannot lapse between runs.
func tokenJobSpec(interval time.Duration) string {
	return "@every " + interval.String()
}

// buildScheduler registers the protection, monitoring, renewal and summary
// jobs. An empty cron spec disables that job.
func (a *App) buildScheduler() (*scheduler.Scheduler, error) {
	cfg := a.Config
	loc := cfg.Location()
	readOnly := cfg.Security.ReadOnlyMode

	sched := scheduler.New(loc, a.Logger)
	if a.Store != nil {
		sched = sched.WithRecorder(a.Store)
	}

	jobs := []scheduledJob{
		{cfg.Scheduler.AMOSchedule, scheduler.MarketDaysOnly(scheduler.ProtectJob(scheduler.JobAMOProtect, a.Reconciler,
			scheduledPass(models.ModeAMO, readOnly)), nil)},
		{cfg.Scheduler.SuperSchedule, scheduler.MarketDaysOnly(scheduler.ProtectJob(scheduler.JobSuperProtect, a.Reconciler,
			scheduledPass(models.ModeImmediate, readOnly)), nil)},
		{cfg.Scheduler.TriggerSchedule, scheduler.TriggerCheckJob(a.Monitor)},
		{cfg.Scheduler.SummarySchedule, scheduler.DailySummaryJob(a.Monitor, a.Notifier, loc, nil)},
	}
	if refresher, err := a.tokenRefresher(); err == nil {
		jobs = append(jobs, scheduledJob{tokenJobSpec(refresher.Interval()), scheduler.TokenRefreshJob(refresher)})
	} else {
		a.Logger.Info().Str("broker", a.Gateway.Name()).Msg("Token renewal not available, job not scheduled")
	}

	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if err := sched.AddJob(j.spec, j.job); err != nil {
			return nil, err
		}
	}
	return sched, nil
}
