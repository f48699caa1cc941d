package cli

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"paper-trader/internal/config"
	"paper-trader/internal/logging"
	"paper-trader/internal/marketdata"
	"paper-trader/internal/store"
	"paper-trader/internal/trading"
)

// Version information
const Version = "0.1.0"

// App holds the wired application dependencies shared by the commands.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Store    store.DataStore
	Settings *config.Store
	Session  *trading.SessionManager
	RefData  *marketdata.RefData
	Quotes   marketdata.QuoteService
	Service  *trading.Service
}

// Build opens the store and wires the ledgers and facade. The run
// command layers engines and the scheduler on top of this.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	dataStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	settings, err := config.NewStore(ctx, dataStore)
	if err != nil {
		dataStore.Close()
		return nil, err
	}

	session := trading.NewSessionManager(cfg.Location())
	refdata := marketdata.NewRefData(dataStore)

	var quotes marketdata.QuoteService
	httpQuotes := marketdata.NewHTTPQuoteService(cfg.Feed.QuoteURL, cfg.Feed.Timeout, logger)
	staleAfter := settings.GetDuration(config.KeyFeedStaleAfter, time.Second, 30*time.Second)
	cache := marketdata.NewTickCache(httpQuotes, staleAfter)
	quotes = cache

	funds := trading.NewFundLedger(dataStore, settings, logger)
	positions := trading.NewPositionLedger(dataStore, session, logger)
	holdings := trading.NewHoldingsLedger(dataStore, funds, session, logger)
	margin := trading.NewMarginCalculator(settings, refdata)
	orders := trading.NewOrderBook(dataStore, funds, margin, refdata, quotes, logger)
	service := trading.NewService(dataStore, funds, positions, holdings, orders, quotes, session, logger)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    dataStore,
		Settings: settings,
		Session:  session,
		RefData:  refdata,
		Quotes:   quotes,
		Service:  service,
	}, nil
}

// NewFeed constructs the websocket tick feed client from config.
func (a *App) NewFeed() *marketdata.WSFeed {
	return marketdata.NewWSFeed(marketdata.WSFeedConfig{URL: a.Config.Feed.WebsocketURL}, a.Logger)
}

// TickCache returns the quote cache so the run command can wire it to
// the feed.
func (a *App) TickCache() *marketdata.TickCache {
	if c, ok := a.Quotes.(*marketdata.TickCache); ok {
		return c
	}
	return nil
}

// ScheduleStatusFromStore reads persisted next-fire times, sorted by
// job id. Works without a running scheduler.
func (a *App) ScheduleStatusFromStore(ctx context.Context) ([]trading.JobStatus, error) {
	fires, err := a.Store.ListNextFires(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]trading.JobStatus, 0, len(fires))
	for id, at := range fires {
		out = append(out, trading.JobStatus{ID: id, NextFire: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close releases the app's resources.
func (a *App) Close() error { return a.Store.Close() }

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "paper-trader",
		Short:         "Virtual trading simulator for Indian markets",
		Long:          "paper-trader simulates order matching, margin, T+1 settlement and\nintraday square-off against a virtual capital balance. No real money moves.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/paper-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newFundsCmd())
	rootCmd.AddCommand(newSquareOffCmd())
	rootCmd.AddCommand(newScheduleCmd())
	rootCmd.AddCommand(newResetCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"version": Version})
				return
			}
			output.Printf("paper-trader v%s\n", Version)
		},
	}
}

// setupApp loads config, builds the logger and wires the app for one
// command invocation.
func setupApp(cmd *cobra.Command) (*App, error) {
	configDir, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, err
	}

	logCfg := logging.DefaultLogConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.Console = cfg.Log.Console
	logCfg.File = cfg.Log.File
	logCfg.FilePath = cfg.Log.FilePath
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		logCfg.Level = "debug"
	}
	logger := logging.NewLoggerWithConfig(logCfg)

	return Build(cmd.Context(), cfg, logger)
}
