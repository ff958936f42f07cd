package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"rehoboam/internal/alerting"
	"rehoboam/internal/collector"
	"rehoboam/internal/config"
	"rehoboam/internal/logging"
	"rehoboam/internal/service"
	"rehoboam/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.Multi{
			alerting.NewLogNotifier(a.Logger),
			alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger),
		}
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// engineOptions returns service options backed by store; a nil store disables persistence.
func (a *App) engineOptions(store *storage.Store) service.Options {
	opts := service.Options{Notifier: a.newNotifier()}
	if store != nil {
		opts.Store = store
		opts.Locker = store
	}
	return opts
}

// startEngine runs an engine with no external sources in the background. The returned
// stop function cancels it and waits for every actor to exit; it is safe to call twice.
func (a *App) startEngine(ctx context.Context, opts service.Options) (*service.Engine, func() error, error) {
	opts.Sources = []collector.Source{}
	engine, err := service.New(a.Config, opts, a.Logger)
	if err != nil {
		return nil, nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- engine.Run(runCtx) }()

	var (
		once    sync.Once
		stopErr error
	)
	stop := func() error {
		once.Do(func() {
			cancel()
			stopErr = <-done
		})
		return stopErr
	}
	return engine, stop, nil
}

// Run executes the long-running surveillance engine.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if store != nil && a.Config.Database.MigrationsPath != "" {
		applied, err := store.Migrate(ctx, a.Config.Database.MigrationsPath)
		if err != nil {
			return err
		}
		a.Logger.Info().Int("files", applied).Str("path", a.Config.Database.MigrationsPath).Msg("migrations applied")
	}

	engine, err := service.New(a.Config, a.engineOptions(store), a.Logger)
	if err != nil {
		return err
	}

	go a.triggerOnHangup(ctx, engine)

	a.Logger.Info().Str("app", a.Config.App.Name).Msg("starting surveillance engine")
	err = engine.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("engine terminated with error")
		return err
	}

	a.Logger.Info().Msg("surveillance engine stopped")
	return nil
}

// triggerOnHangup forces a collection and analysis cycle on SIGHUP.
func (a *App) triggerOnHangup(ctx context.Context, engine *service.Engine) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			a.Logger.Info().Msg("SIGHUP received; triggering cycle")
			engine.Trigger()
		}
	}
}

// ExportOptions hold parameters for exporting report history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	Last      time.Duration
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	// Kind is one of reports, alerts, divergences or all.
	Kind string
}

// SimulateOptions describe one synthetic market snapshot.
type SimulateOptions struct {
	Symbol         string
	Price          float64
	Volume         float64
	AvgVolume      float64
	PriceChangePct float64
	Notify         bool
}

// ReplayOptions configure the replay command.
type ReplayOptions struct {
	Path    string
	Analyze bool
	DryRun  bool
}
