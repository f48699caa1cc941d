package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"paper-trader/internal/engine"
	"paper-trader/internal/models"
	"paper-trader/internal/scheduler"
	"paper-trader/internal/stream"
)

// defaultInstruments seeds reference data on first run so the simulator
// is usable without an external instruments dump.
var defaultInstruments = []models.Instrument{
	{Symbol: "RELIANCE", Exchange: models.NSE, Name: "Reliance Industries", Class: models.ClassEquity, LotSize: 1, TickSize: 5},
	{Symbol: "TCS", Exchange: models.NSE, Name: "Tata Consultancy Services", Class: models.ClassEquity, LotSize: 1, TickSize: 5},
	{Symbol: "INFY", Exchange: models.NSE, Name: "Infosys", Class: models.ClassEquity, LotSize: 1, TickSize: 5},
	{Symbol: "HDFCBANK", Exchange: models.NSE, Name: "HDFC Bank", Class: models.ClassEquity, LotSize: 1, TickSize: 5},
	{Symbol: "SBIN", Exchange: models.BSE, Name: "State Bank of India", Class: models.ClassEquity, LotSize: 1, TickSize: 5},
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the simulator daemon",
		Long:  "Boots the store, ledgers, matching engines and scheduler, runs the\ncatch-up processor, then serves until SIGINT/SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setupApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			return runDaemon(cmd.Context(), app)
		},
	}
}

func runDaemon(ctx context.Context, app *App) error {
	logger := app.Logger

	// Reference data must load before catch-up runs.
	if err := app.RefData.Bootstrap(ctx, defaultInstruments); err != nil {
		return err
	}

	deps := scheduler.Deps{
		Store:    app.Store,
		Service:  app.Service,
		Settings: app.Settings,
		Session:  app.Session,
		RefData:  app.RefData,
		Quotes:   app.Quotes,
	}

	catchup := scheduler.NewCatchUp(deps, logger)
	if err := catchup.Run(ctx, time.Now()); err != nil {
		logger.Error().Err(err).Msg("catch-up failed")
		return err
	}

	// Feed + engines. The hub fans ticks out to both the quote cache
	// and the event engine.
	feed := stream.NewHub(app.NewFeed(), logger)
	if cache := app.TickCache(); cache != nil {
		feed.OnTick(cache.Update)
	}

	eventEngine := engine.NewEventEngine(app.Store, app.Service, feed, logger)
	pollingEngine := engine.NewPollingEngine(app.Store, app.Service, app.Quotes, app.Settings, logger)
	health := engine.NewHealthMonitor(feed, pollingEngine, app.Settings, logger)
	supervisor := engine.NewSupervisor(eventEngine, pollingEngine, health, feed.Connect, logger)

	app.Service.SetNotifier(supervisor)

	if err := supervisor.Start(ctx); err != nil {
		return err
	}

	sched := scheduler.New(app.Store, app.Session.Location(), scheduler.BuildJobs(deps), logger)
	app.Service.SetScheduler(sched)
	if err := sched.Start(ctx); err != nil {
		supervisor.Stop(10 * time.Second)
		return err
	}

	logger.Info().Str("mode", string(supervisor.Mode())).Msg("simulator running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	sched.Stop(10 * time.Second)
	if err := supervisor.Stop(10 * time.Second); err != nil {
		logger.Warn().Err(err).Msg("engine shutdown incomplete")
	}
	feed.Close()
	logger.Info().Msg("shutdown complete")
	return nil
}
